// Package sdi 读取与重建表空间内嵌的序列化字典信息(SDI)。
package sdi

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

var (
	// ErrSdiRootInvalid SDI根页号越界或页面类型不符
	ErrSdiRootInvalid = errors.New("SDI root page invalid")
)

// Record SDI B树中的一条记录
type Record struct {
	Type uint64
	ID   uint64
	JSON []byte
}

// ReadSdiRoot 从页0的FSP头读取(SDI版本, SDI根页号)。
// 表空间无SDI标志时ok为false。
func ReadSdiRoot(page0 []byte, physical, logical int) (version, root uint32, ok bool) {
	flags := util.MachReadFrom4(page0, common.FSP_HEADER_OFFSET+common.FSP_SPACE_FLAGS)
	if !common.FspFlagsHasSdi(flags) {
		return 0, 0, false
	}
	offset := common.SdiOffset(physical, logical)
	if offset+8 > len(page0) {
		return 0, 0, false
	}
	return util.MachReadFrom4(page0, offset), util.MachReadFrom4(page0, offset+4), true
}

// Iterate 以固定合成结构遍历SDI根页(叶子)的记录链:
// (type u32, id u64, trx_id 6, roll_ptr 7, uncomp_len u32, comp_len u32, data)。
// data为zlib压缩的JSON，超过内联上限时经SDI-BLOB链存储。
func Iterate(space *tablespace.SpaceFile, rootPageNo uint32, fn func(rec Record) error) error {
	ps := space.PageSize()
	if rootPageNo == common.FIL_NULL || rootPageNo >= space.NumPages() {
		return errors.Annotatef(ErrSdiRootInvalid, "page %d of %d", rootPageNo, space.NumPages())
	}

	physBuf := make([]byte, ps.Physical)
	if err := space.ReadPage(rootPageNo, physBuf); err != nil {
		return errors.Trace(err)
	}

	pageData := physBuf
	pageSize := ps.Physical
	if ps.Compressed() {
		logicalBuf := make([]byte, ps.Logical)
		actual, err := innopage.DecompressPageInplace(physBuf, ps.Physical, ps.Logical, logicalBuf)
		if err != nil {
			return errors.Trace(err)
		}
		pageData = logicalBuf
		pageSize = actual
	}

	if innopage.PageType(pageData) != common.FIL_PAGE_SDI {
		return errors.Annotatef(ErrSdiRootInvalid, "page %d type %d",
			rootPageNo, innopage.PageType(pageData))
	}

	nRecs := int(innopage.NRecs(pageData))
	maxSteps := pageSize/(common.REC_N_NEW_EXTRA_BYTES+1) + 2
	if maxSteps < nRecs+2 {
		maxSteps = nRecs + 2
	}

	rec := common.PAGE_NEW_INFIMUM
	for steps := 0; steps < maxSteps; steps++ {
		status := int(pageData[rec-3] & 0x07)
		if status == common.REC_STATUS_SUPREMUM {
			break
		}

		if status == common.REC_STATUS_ORDINARY {
			record, err := decodeSdiRecord(space, pageData, rec, pageSize)
			if err != nil {
				return errors.Annotatef(err, "SDI record at %d", rec)
			}
			if err := fn(record); err != nil {
				return errors.Trace(err)
			}
		}

		delta := int16(util.MachReadFrom2(pageData, rec-common.REC_NEXT))
		if delta == 0 {
			break
		}
		next := (rec + int(delta)) % pageSize
		if next < 0 {
			next += pageSize
		}
		if next < common.PAGE_NEW_INFIMUM || next >= pageSize || next == rec {
			break
		}
		rec = next
	}
	return nil
}

// decodeSdiRecord 解出一条SDI记录并解压其JSON
func decodeSdiRecord(space *tablespace.SpaceFile, page []byte, rec, pageSize int) (Record, error) {
	var out Record
	if rec+common.SDI_REC_OFF_DATA > pageSize {
		return out, errors.New("SDI record payload out of page")
	}

	out.Type = uint64(util.MachReadFrom4(page, rec+common.SDI_REC_OFF_TYPE))
	out.ID = util.MachReadFrom8(page, rec+common.SDI_REC_OFF_ID)
	uncompLen := int(util.MachReadFrom4(page, rec+common.SDI_REC_OFF_UNCOMP_LEN))
	compLen := int(util.MachReadFrom4(page, rec+common.SDI_REC_OFF_COMP_LEN))

	// 变长前缀位于5字节extra之前: 1或2字节，双字节时首字节0x80置位，
	// 0x40为外部存储标志
	lenBytePos := rec - common.REC_N_NEW_EXTRA_BYTES - 1
	if lenBytePos < 0 {
		return out, errors.New("SDI record header out of page")
	}
	firstLenByte := page[lenBytePos]
	extern := false
	if firstLenByte&0x80 != 0 && firstLenByte&0x40 != 0 {
		extern = true
	}

	var compressed []byte
	if extern {
		ref := page[rec+common.SDI_REC_OFF_DATA : rec+common.SDI_REC_OFF_DATA+common.FIELD_REF_SIZE]
		blobPage := util.MachReadFrom4(ref, common.BTR_EXTERN_PAGE_NO)
		var err error
		compressed, err = readSdiBlobChain(space, blobPage, compLen)
		if err != nil {
			return out, errors.Trace(err)
		}
	} else {
		dataStart := rec + common.SDI_REC_OFF_DATA
		if dataStart+compLen > pageSize {
			return out, errors.New("inline SDI data out of page")
		}
		compressed = page[dataStart : dataStart+compLen]
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return out, errors.Annotate(err, "SDI data inflate init")
	}
	defer zr.Close()

	out.JSON = make([]byte, uncompLen)
	if _, err := io.ReadFull(zr, out.JSON); err != nil {
		return out, errors.Annotate(err, "SDI data inflate")
	}
	return out, nil
}

// readSdiBlobChain 沿SDI-BLOB链收集compLen个压缩字节。
// 每页: 38字节文件页头 + (part_len u32, next_page u32) + 载荷。
func readSdiBlobChain(space *tablespace.SpaceFile, pageNo uint32, compLen int) ([]byte, error) {
	physical := space.PageSize().Physical
	out := make([]byte, 0, compLen)
	buf := make([]byte, physical)

	const stepLimit = 100000
	for steps := 0; len(out) < compLen; steps++ {
		if steps >= stepLimit {
			return nil, errors.New("SDI blob chain exceeds step limit")
		}
		if pageNo == common.FIL_NULL || pageNo >= space.NumPages() {
			break
		}
		if err := space.ReadPage(pageNo, buf); err != nil {
			return nil, errors.Trace(err)
		}

		partLen := int(util.MachReadFrom4(buf, common.FIL_PAGE_DATA+common.SDI_BLOB_HDR_PART_LEN))
		next := util.MachReadFrom4(buf, common.FIL_PAGE_DATA+common.SDI_BLOB_HDR_NEXT_PAGE_NO)

		dataStart := common.FIL_PAGE_DATA + common.SDI_BLOB_HDR_SIZE
		if dataStart+partLen > physical {
			partLen = physical - dataStart
		}
		if remaining := compLen - len(out); partLen > remaining {
			partLen = remaining
		}
		if partLen <= 0 {
			break
		}
		out = append(out, buf[dataStart:dataStart+partLen]...)
		pageNo = next
	}
	return out, nil
}
