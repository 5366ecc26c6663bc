// Package tablespace 负责表空间文件层: 页尺寸探测、按页定位读取、XDES空闲位判定。
package tablespace

import (
	"io"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

var (
	// ErrInvalidFspFlags 页0的FSP标志位非法
	ErrInvalidFspFlags = errors.New("invalid fsp flags on page 0")
	// ErrShortRead 文件过短，读不满最小页
	ErrShortRead = errors.New("short read on page 0")
	// ErrUnsupportedPageSize 探测出的页尺寸不受支持
	ErrUnsupportedPageSize = errors.New("unsupported page size")
)

// PageSize 表空间上下文: 探测得到的物理/逻辑页尺寸与页0元信息。
// 该值在单次处理过程中不可变，贯穿所有组件。
type PageSize struct {
	Physical int
	Logical  int
	Flags    uint32
	SpaceID  uint32
}

// Compressed 物理页小于逻辑页即为压缩表空间
func (ps PageSize) Compressed() bool {
	return ps.Physical < ps.Logical
}

// DeterminePageSize 读取文件头部最小物理页(1KB)，解析FSP标志位，
// 推导物理与逻辑页尺寸。
func DeterminePageSize(r io.ReaderAt) (PageSize, error) {
	buf := make([]byte, common.UNIV_ZIP_SIZE_MIN)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return PageSize{}, errors.Trace(err)
	}
	if n < common.UNIV_ZIP_SIZE_MIN {
		return PageSize{}, ErrShortRead
	}

	flags := util.MachReadFrom4(buf, common.FSP_HEADER_OFFSET+common.FSP_SPACE_FLAGS)
	if !common.FspFlagsIsValid(flags) {
		return PageSize{}, ErrInvalidFspFlags
	}

	logical := common.PageSizeFromSsize(common.FspFlagsGetPageSsize(flags))
	if logical < common.UNIV_PAGE_SIZE_MIN || logical > common.UNIV_PAGE_SIZE_MAX {
		return PageSize{}, ErrUnsupportedPageSize
	}

	physical := logical
	if zipSsize := common.FspFlagsGetZipSsize(flags); zipSsize != 0 {
		physical = common.PageSizeFromSsize(zipSsize)
		if physical > logical {
			return PageSize{}, ErrUnsupportedPageSize
		}
	}

	spaceID := util.MachReadFrom4(buf, common.FSP_HEADER_OFFSET+common.FSP_SPACE_ID)

	return PageSize{
		Physical: physical,
		Logical:  logical,
		Flags:    flags,
		SpaceID:  spaceID,
	}, nil
}
