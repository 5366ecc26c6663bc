package tablespace

import (
	"io"
	"os"

	"github.com/juju/errors"
)

// SpaceFile 以页为单位访问的表空间文件。
// 所有读取均为positional read，不依赖文件偏移状态，
// 因此页循环与LOB读取可以共享同一个句柄。
type SpaceFile struct {
	f        *os.File
	pageSize PageSize
	numPages uint32
}

// OpenSpaceFile 打开表空间文件并探测页尺寸
func OpenSpaceFile(path string) (*SpaceFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ps, err := DeterminePageSize(f)
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "determine page size of %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}

	return &SpaceFile{
		f:        f,
		pageSize: ps,
		numPages: uint32(st.Size() / int64(ps.Physical)),
	}, nil
}

// NewSpaceFile 基于已打开的文件与既定上下文构造(供测试或管道复用)
func NewSpaceFile(f *os.File, ps PageSize) (*SpaceFile, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &SpaceFile{
		f:        f,
		pageSize: ps,
		numPages: uint32(st.Size() / int64(ps.Physical)),
	}, nil
}

// PageSize 返回表空间上下文
func (s *SpaceFile) PageSize() PageSize {
	return s.pageSize
}

// NumPages 按物理页尺寸计算的页数
func (s *SpaceFile) NumPages() uint32 {
	return s.numPages
}

// ReadPage 读取第pageNo个物理页到buf(len必须等于物理页尺寸)
func (s *SpaceFile) ReadPage(pageNo uint32, buf []byte) error {
	if len(buf) != s.pageSize.Physical {
		return errors.Errorf("page buffer size %d != physical size %d",
			len(buf), s.pageSize.Physical)
	}
	if pageNo >= s.numPages {
		return errors.Errorf("page %d out of range (%d pages)", pageNo, s.numPages)
	}
	off := int64(pageNo) * int64(s.pageSize.Physical)
	n, err := s.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return errors.Trace(err)
	}
	if n != s.pageSize.Physical {
		return errors.Errorf("short read on page %d: %d bytes", pageNo, n)
	}
	return nil
}

// Close 关闭底层文件
func (s *SpaceFile) Close() error {
	return s.f.Close()
}
