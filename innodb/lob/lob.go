// Package lob 重组外部存储的列值。
// 四种链格式并存: 旧/新 × 未压缩/压缩，按首页页面类型分派。
package lob

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/tablespace"
	"xmysql-ibd-parser/util"
)

// ErrChainTooLong 链遍历超过步数上限(恶意或损坏的环)
var ErrChainTooLong = errors.New("LOB chain exceeds step limit")

// chainStepLimit 单条链的全局步数上限
const chainStepLimit = 100000

// ExternRef 记录内的20字节外部引用
type ExternRef struct {
	SpaceID       uint32
	PageNo        uint32
	Offset        uint32 // 旧格式: 首页内偏移; 新格式: 引用版本号
	Length        uint64
	BeingModified bool
}

// ParseExternRef 解析20字节引用
func ParseExternRef(raw []byte) ExternRef {
	lenRaw := util.MachReadFrom8(raw, common.BTR_EXTERN_LEN)
	return ExternRef{
		SpaceID:       util.MachReadFrom4(raw, common.BTR_EXTERN_SPACE_ID),
		PageNo:        util.MachReadFrom4(raw, common.BTR_EXTERN_PAGE_NO),
		Offset:        util.MachReadFrom4(raw, common.BTR_EXTERN_OFFSET),
		Length:        lenRaw & 0x7FFFFFFFFFFFFFFF,
		BeingModified: lenRaw&(1<<63) != 0,
	}
}

// Version 新LOB格式下引用携带的版本号(与旧格式的offset复用同一槽位)
func (r ExternRef) Version() uint32 {
	return r.Offset
}

// Reader 外部值读取器。与页循环共享表空间文件，只做定位读。
type Reader struct {
	space    *tablespace.SpaceFile
	maxBytes int
	pageBuf  []byte
}

// NewReader 创建LOB读取器。maxBytes限制单值产出字节数，0表示不设限。
func NewReader(space *tablespace.SpaceFile, maxBytes int) *Reader {
	return &Reader{
		space:    space,
		maxBytes: maxBytes,
		pageBuf:  make([]byte, space.PageSize().Physical),
	}
}

// wantBytes 本次读取的产出上限
func (r *Reader) wantBytes(ref ExternRef) int {
	want := int(ref.Length)
	if r.maxBytes > 0 && want > r.maxBytes {
		want = r.maxBytes
	}
	return want
}

// ReadExternal 读取一个外部存储值。
// 返回(字节, 是否被maxBytes截断, 错误)。being-modified的引用返回空值。
func (r *Reader) ReadExternal(ref ExternRef) ([]byte, bool, error) {
	if ref.BeingModified {
		return nil, false, nil
	}
	if ref.PageNo == common.FIL_NULL || ref.PageNo >= r.space.NumPages() {
		return nil, false, errors.Errorf("extern reference to invalid page %d", ref.PageNo)
	}

	if err := r.space.ReadPage(ref.PageNo, r.pageBuf); err != nil {
		return nil, false, errors.Trace(err)
	}

	firstType := innopage.PageType(r.pageBuf)
	want := r.wantBytes(ref)

	var out []byte
	var err error
	switch firstType {
	case common.FIL_PAGE_TYPE_BLOB, common.FIL_PAGE_SDI_BLOB:
		out, err = r.readOldBlobChain(ref, want)
	case common.FIL_PAGE_TYPE_LOB_FIRST:
		out, err = r.readLobFirst(ref, want)
	case common.FIL_PAGE_TYPE_ZBLOB, common.FIL_PAGE_TYPE_ZBLOB2, common.FIL_PAGE_SDI_ZBLOB:
		out, err = r.readZblobChain(ref, want)
	case common.FIL_PAGE_TYPE_ZLOB_FIRST:
		out, err = r.readZlobFirst(ref, want)
	default:
		return nil, false, errors.Errorf("page %d has unexpected type %d for LOB chain",
			ref.PageNo, firstType)
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}

	truncated := uint64(len(out)) < ref.Length
	return out, truncated, nil
}

// readOldBlobChain 旧格式未压缩链:
// 每页8字节头(part_len, next_page_no)，首页的头位于引用给出的偏移处，
// 后续页的头紧跟38字节文件页头。
func (r *Reader) readOldBlobChain(ref ExternRef, want int) ([]byte, error) {
	physical := r.space.PageSize().Physical
	out := make([]byte, 0, want)

	pageNo := ref.PageNo
	hdrOffset := int(ref.Offset)
	if hdrOffset < common.FIL_PAGE_DATA || hdrOffset >= physical {
		hdrOffset = common.FIL_PAGE_DATA
	}

	for steps := 0; ; steps++ {
		if steps >= chainStepLimit {
			return nil, ErrChainTooLong
		}
		if pageNo == common.FIL_NULL || pageNo >= r.space.NumPages() {
			break
		}
		if err := r.space.ReadPage(pageNo, r.pageBuf); err != nil {
			return nil, errors.Trace(err)
		}

		partLen := int(util.MachReadFrom4(r.pageBuf, hdrOffset+common.BTR_BLOB_HDR_PART_LEN))
		nextPage := util.MachReadFrom4(r.pageBuf, hdrOffset+common.BTR_BLOB_HDR_NEXT_PAGE_NO)

		dataStart := hdrOffset + common.BTR_BLOB_HDR_SIZE
		if dataStart+partLen > physical {
			partLen = physical - dataStart
		}
		if partLen <= 0 {
			break
		}

		remaining := want - len(out)
		if partLen > remaining {
			partLen = remaining
		}
		out = append(out, r.pageBuf[dataStart:dataStart+partLen]...)

		if len(out) >= want || nextPage == common.FIL_NULL {
			break
		}
		pageNo = nextPage
		hdrOffset = common.FIL_PAGE_DATA
	}

	return out, nil
}

// readZblobChain 旧格式压缩链: 整条链拼成一个deflate流。
// 首页数据自引用偏移处开始(越界时退回FIL_PAGE_DATA)，
// 后续页自FIL_PAGE_DATA+4开始(跳过每页的小标签)。
func (r *Reader) readZblobChain(ref ExternRef, want int) ([]byte, error) {
	physical := r.space.PageSize().Physical

	var compressed []byte
	pageNo := ref.PageNo
	dataOffset := int(ref.Offset)
	if dataOffset < common.FIL_PAGE_DATA || dataOffset >= physical {
		dataOffset = common.FIL_PAGE_DATA
	}

	for steps := 0; ; steps++ {
		if steps >= chainStepLimit {
			return nil, ErrChainTooLong
		}
		if pageNo == common.FIL_NULL || pageNo >= r.space.NumPages() {
			break
		}
		if err := r.space.ReadPage(pageNo, r.pageBuf); err != nil {
			return nil, errors.Trace(err)
		}

		compressed = append(compressed, r.pageBuf[dataOffset:physical]...)

		next := innopage.NextPage(r.pageBuf)
		if next == common.FIL_NULL {
			break
		}
		pageNo = next
		dataOffset = common.FIL_PAGE_DATA + 4
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Annotatef(err, "zblob chain at page %d", ref.PageNo)
	}
	defer zr.Close()

	out := make([]byte, want)
	n, err := io.ReadFull(zr, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errors.Annotatef(err, "inflate zblob chain at page %d", ref.PageNo)
	}
	return out[:n], nil
}
