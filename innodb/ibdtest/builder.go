// Package ibdtest 为测试构造合成的页面与表空间文件。
// 只在_test代码中使用。
package ibdtest

import (
	"os"
	"path/filepath"
	"testing"

	"xmysql-ibd-parser/innodb/common"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/innodb/zipdecomp"
	"xmysql-ibd-parser/util"
)

// Row 一行测试数据。Fields与表定义一一对应，nil表示NULL。
// Extern标记对应字段为外部存储(字段字节须已是前缀+20字节引用)。
type Row struct {
	Fields [][]byte
	Extern []bool
}

func (r Row) isExtern(i int) bool {
	return r.Extern != nil && i < len(r.Extern) && r.Extern[i]
}

// LeafPageSpec 合成INDEX叶子页的参数
type LeafPageSpec struct {
	PageNo   uint32
	SpaceID  uint32
	IndexID  uint64
	PageSize int
	Table    *schema.TableDef
	Rows     []Row
}

// BuildLeafPage 构造一张COMPACT叶子页。
// 返回页字节与每条记录的范围描述(供压缩侧使用)。
func BuildLeafPage(t *testing.T, spec LeafPageSpec) ([]byte, []zipdecomp.RecSpec) {
	t.Helper()

	page := make([]byte, spec.PageSize)
	util.MachWriteTo4(page, common.FIL_PAGE_OFFSET, spec.PageNo)
	util.MachWriteTo4(page, common.FIL_PAGE_PREV, common.FIL_NULL)
	util.MachWriteTo4(page, common.FIL_PAGE_NEXT, common.FIL_NULL)
	util.MachWriteTo2(page, common.FIL_PAGE_TYPE, common.FIL_PAGE_INDEX)
	util.MachWriteTo4(page, common.FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID, spec.SpaceID)

	copy(page[common.PAGE_DATA:], common.InfimumSupremumCompact)

	hdr := common.PAGE_HEADER
	util.MachWriteTo2(page, hdr+common.PAGE_LEVEL, 0)
	util.MachWriteTo8(page, hdr+common.PAGE_INDEX_ID, spec.IndexID)

	heapTop := common.PAGE_NEW_SUPREMUM_END
	var recOrigins []int
	var recSpecs []zipdecomp.RecSpec

	for _, row := range spec.Rows {
		origin, rs := appendRecord(t, page, spec.Table, row, heapTop, len(recOrigins))
		recOrigins = append(recOrigins, origin)
		recSpecs = append(recSpecs, rs)
		heapTop = origin + rs.DataLen
	}

	nRecs := len(spec.Rows)
	util.MachWriteTo2(page, hdr+common.PAGE_N_RECS, uint16(nRecs))
	util.MachWriteTo2(page, hdr+common.PAGE_HEAP_TOP, uint16(heapTop))
	util.MachWriteTo2(page, hdr+common.PAGE_N_HEAP,
		0x8000|uint16(common.PAGE_HEAP_NO_USER_LOW+nRecs))

	// 记录链
	writeNext := func(from, to int) {
		diff := uint16(0)
		if to != 0 {
			diff = uint16(to - from)
		}
		util.MachWriteTo2(page, from-common.REC_NEXT, diff)
	}
	prev := common.PAGE_NEW_INFIMUM
	for _, origin := range recOrigins {
		writeNext(prev, origin)
		prev = origin
	}
	writeNext(prev, common.PAGE_NEW_SUPREMUM)
	writeNext(common.PAGE_NEW_SUPREMUM, 0)

	// 目录: infimum槽 + supremum统领全部记录
	page[common.PAGE_NEW_INFIMUM-5] = page[common.PAGE_NEW_INFIMUM-5]&0xF0 | 1
	page[common.PAGE_NEW_SUPREMUM-5] = page[common.PAGE_NEW_SUPREMUM-5]&0xF0 | byte(nRecs+1)
	slot0 := spec.PageSize - common.PAGE_DIR - common.PAGE_DIR_SLOT_SIZE
	slot1 := slot0 - common.PAGE_DIR_SLOT_SIZE
	util.MachWriteTo2(page, slot0, common.PAGE_NEW_INFIMUM)
	util.MachWriteTo2(page, slot1, common.PAGE_NEW_SUPREMUM)
	util.MachWriteTo2(page, hdr+common.PAGE_N_DIR_SLOTS, 2)

	innopage.StampPageLsnAndCrc32(page, spec.PageSize, 0)
	return page, recSpecs
}

// appendRecord 在heapTop处落一条COMPACT记录
func appendRecord(t *testing.T, page []byte, table *schema.TableDef, row Row,
	heapTop, recIndex int) (int, zipdecomp.RecSpec) {
	t.Helper()

	if len(row.Fields) != len(table.Fields) {
		t.Fatalf("row has %d fields, table has %d", len(row.Fields), len(table.Fields))
	}

	// 变长数组与NULL位图。读取侧自NULL位图下方向低地址依次消费
	// schema序的各变长列长度，故首个变长列的字节落在最高地址。
	var varLens []byte
	for i := 0; i < len(table.Fields); i++ {
		fld := &table.Fields[i]
		val := row.Fields[i]
		if val == nil || fld.FixedLength != 0 {
			continue
		}
		length := len(val)
		twoByte := fld.MaxLength > 255 ||
			fld.Type == schema.FtBlob || fld.Type == schema.FtText
		if twoByte && (length > 127 || row.isExtern(i)) {
			encoded := uint16(length) & 0x3FFF
			if row.isExtern(i) {
				encoded |= 0x4000
			}
			varLens = append(varLens, byte(encoded>>8)|0x80, byte(encoded))
		} else {
			varLens = append(varLens, byte(length))
		}
	}

	nullBitmapLen := (table.NNullable + 7) / 8
	nullBitmap := make([]byte, nullBitmapLen)
	nullBit := 0
	for i := range table.Fields {
		if !table.Fields[i].CanBeNull {
			continue
		}
		if row.Fields[i] == nil {
			nullBitmap[nullBit/8] |= 1 << (nullBit % 8)
		}
		nullBit++
	}

	hdrLen := len(varLens) + nullBitmapLen
	origin := heapTop + hdrLen + common.REC_N_NEW_EXTRA_BYTES

	// 头部字节: 自origin-5向低地址为 NULL位图、变长数组
	pos := origin - common.REC_N_NEW_EXTRA_BYTES - 1
	for _, b := range nullBitmap {
		page[pos] = b
		pos--
	}
	for _, b := range varLens {
		page[pos] = b
		pos--
	}

	// extra字节: heap no + ordinary状态
	util.MachWriteTo2(page, origin-4,
		uint16(common.PAGE_HEAP_NO_USER_LOW+recIndex)<<3|common.REC_STATUS_ORDINARY)

	// 体
	bodyPos := origin
	var externs []int
	for i := range table.Fields {
		val := row.Fields[i]
		if val == nil {
			continue
		}
		copy(page[bodyPos:], val)
		bodyPos += len(val)
		if row.isExtern(i) {
			externs = append(externs, bodyPos-origin)
		}
	}

	return origin, zipdecomp.RecSpec{
		Origin:    origin,
		HdrLen:    hdrLen,
		DataLen:   bodyPos - origin,
		TrxOffset: -1,
		Externs:   externs,
	}
}

// Page0Spec 合成FSP头页的参数
type Page0Spec struct {
	SpaceID  uint32
	Flags    uint32
	PageSize int
	NumPages uint32
}

// BuildPage0 构造页0。Flags须自洽(探测逻辑依赖它)。
func BuildPage0(spec Page0Spec) []byte {
	page := make([]byte, spec.PageSize)
	util.MachWriteTo4(page, common.FIL_PAGE_OFFSET, 0)
	util.MachWriteTo2(page, common.FIL_PAGE_TYPE, common.FIL_PAGE_TYPE_FSP_HDR)
	util.MachWriteTo4(page, common.FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID, spec.SpaceID)

	hdr := common.FSP_HEADER_OFFSET
	util.MachWriteTo4(page, hdr+common.FSP_SPACE_ID, spec.SpaceID)
	util.MachWriteTo4(page, hdr+common.FSP_SIZE, spec.NumPages)
	util.MachWriteTo4(page, hdr+common.FSP_SPACE_FLAGS, spec.Flags)

	innopage.StampPageLsnAndCrc32(page, spec.PageSize, 0)
	return page
}

// CompressedFlags 压缩表空间的FSP标志: 16KB逻辑页 + 给定物理页
func CompressedFlags(physical int, withSdi bool) uint32 {
	zipSsize := uint32(0)
	for size := common.UNIV_ZIP_SIZE_MIN >> 1; size < physical; size <<= 1 {
		zipSsize++
	}
	flags := common.FSP_FLAGS_MASK_POST_ANTELOPE |
		common.FSP_FLAGS_MASK_ATOMIC_BLOBS |
		zipSsize<<1
	if withSdi {
		flags |= common.FSP_FLAGS_MASK_SDI
	}
	return flags
}

// WriteSpaceFile 将页序列写成临时表空间文件
func WriteSpaceFile(t *testing.T, pages [][]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.ibd")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	for i, page := range pages {
		if _, err := f.Write(page); err != nil {
			t.Fatalf("write page %d: %v", i, err)
		}
	}
	return path
}

// RawPage 构造指定类型的空页
func RawPage(pageSize int, pageNo uint32, pageType uint16, spaceID uint32) []byte {
	page := make([]byte, pageSize)
	util.MachWriteTo4(page, common.FIL_PAGE_OFFSET, pageNo)
	util.MachWriteTo4(page, common.FIL_PAGE_PREV, common.FIL_NULL)
	util.MachWriteTo4(page, common.FIL_PAGE_NEXT, common.FIL_NULL)
	util.MachWriteTo2(page, common.FIL_PAGE_TYPE, pageType)
	util.MachWriteTo4(page, common.FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID, spaceID)
	return page
}
