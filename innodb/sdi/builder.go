package sdi

import (
	"bytes"
	"compress/zlib"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/util"
)

// ErrSdiCapacityExceeded SDI-BLOB空闲页池耗尽或根页容量不足
var ErrSdiCapacityExceeded = errors.New("SDI capacity exceeded")

// 内联存储上限: 14位长度编码的最大值
const maxInlineCompLen = 0x3FFF

// BlobAllocator 从空闲页池分配SDI-BLOB页并生成页内容。
// 池来自重建第一阶段对原文件SDI_BLOB/SDI_ZBLOB页的扫描。
type BlobAllocator struct {
	Pages    []uint32
	PageSize int
	SpaceID  uint32

	next     int
	OutPages map[uint32][]byte
}

// payloadSize 单页可容纳的载荷字节数
func (a *BlobAllocator) payloadSize() int {
	size := a.PageSize - common.FIL_PAGE_DATA - common.SDI_BLOB_HDR_SIZE -
		common.FIL_PAGE_END_LSN_OLD_CHKSUM
	if size < 0 {
		return 0
	}
	return size
}

// EmitChain 将压缩字节摊到SDI-BLOB链上，返回首页页号
func (a *BlobAllocator) EmitChain(comp []byte) (uint32, error) {
	payload := a.payloadSize()
	if payload == 0 {
		return 0, errors.Annotatef(ErrSdiCapacityExceeded, "invalid blob page size %d", a.PageSize)
	}
	if len(comp) == 0 {
		return 0, errors.New("empty SDI compressed payload")
	}
	if a.OutPages == nil {
		a.OutPages = make(map[uint32][]byte)
	}

	firstPage := uint32(common.FIL_NULL)
	remaining := len(comp)
	offset := 0

	for remaining > 0 {
		if a.next >= len(a.Pages) {
			return 0, errors.Annotatef(ErrSdiCapacityExceeded,
				"need %d more bytes of blob pages", remaining)
		}
		pageNo := a.Pages[a.next]
		a.next++
		if firstPage == common.FIL_NULL {
			firstPage = pageNo
		}

		partLen := payload
		if partLen > remaining {
			partLen = remaining
		}
		nextPage := uint32(common.FIL_NULL)
		if remaining > partLen && a.next < len(a.Pages) {
			nextPage = a.Pages[a.next]
		}

		page := make([]byte, a.PageSize)
		util.MachWriteTo4(page, common.FIL_PAGE_OFFSET, pageNo)
		util.MachWriteTo4(page, common.FIL_PAGE_PREV, common.FIL_NULL)
		util.MachWriteTo4(page, common.FIL_PAGE_NEXT, common.FIL_NULL)
		util.MachWriteTo2(page, common.FIL_PAGE_TYPE, common.FIL_PAGE_SDI_BLOB)
		util.MachWriteTo4(page, common.FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID, a.SpaceID)

		data := common.FIL_PAGE_DATA
		util.MachWriteTo4(page, data+common.SDI_BLOB_HDR_PART_LEN, uint32(partLen))
		util.MachWriteTo4(page, data+common.SDI_BLOB_HDR_NEXT_PAGE_NO, nextPage)
		copy(page[data+common.SDI_BLOB_HDR_SIZE:], comp[offset:offset+partLen])

		innopage.StampPageLsnAndCrc32(page, a.PageSize, 0)
		a.OutPages[pageNo] = page

		remaining -= partLen
		offset += partLen
	}

	return firstPage, nil
}

// CompressSdiJSON SDI记录的JSON按zlib level 6压缩
func CompressSdiJSON(json string) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, 6)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := zw.Write([]byte(json)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// InitEmptyPage 将页重置为只含infimum/supremum的空SDI叶子页
func InitEmptyPage(page []byte, pageSize int, pageNo uint32) {
	for i := range page[:pageSize] {
		page[i] = 0
	}
	util.MachWriteTo4(page, common.FIL_PAGE_OFFSET, pageNo)
	util.MachWriteTo4(page, common.FIL_PAGE_PREV, common.FIL_NULL)
	util.MachWriteTo4(page, common.FIL_PAGE_NEXT, common.FIL_NULL)
	util.MachWriteTo2(page, common.FIL_PAGE_TYPE, common.FIL_PAGE_SDI)

	hdr := common.PAGE_HEADER
	util.MachWriteTo2(page, hdr+common.PAGE_N_DIR_SLOTS, 2)
	util.MachWriteTo2(page, hdr+common.PAGE_DIRECTION, common.PAGE_NO_DIRECTION)
	util.MachWriteTo2(page, hdr+common.PAGE_N_HEAP, 0x8000|common.PAGE_HEAP_NO_USER_LOW)
	util.MachWriteTo2(page, hdr+common.PAGE_HEAP_TOP, common.PAGE_NEW_SUPREMUM_END)

	copy(page[common.PAGE_DATA:], common.InfimumSupremumCompact)

	slot0 := pageSize - common.PAGE_DIR - common.PAGE_DIR_SLOT_SIZE
	slot1 := pageSize - common.PAGE_DIR - common.PAGE_DIR_SLOT_SIZE*2
	util.MachWriteTo2(page, slot0, common.PAGE_NEW_INFIMUM)
	util.MachWriteTo2(page, slot1, common.PAGE_NEW_SUPREMUM)
}

// buildDirGroups 目录分组: 除末组外每组8条，末组为余下的1..8条且含supremum
func buildDirGroups(userRecs int) []int {
	var groups []int
	remaining := userRecs + 1 // 用户记录 + supremum

	for remaining > common.PAGE_DIR_SLOT_MAX_N_OWNED {
		groups = append(groups, common.PAGE_DIR_SLOT_MAX_N_OWNED)
		remaining -= common.PAGE_DIR_SLOT_MAX_N_OWNED
	}
	groups = append(groups, remaining)
	return groups
}

type recInfo struct {
	rec int
}

// PopulateRootPage 在空SDI叶子页上重建记录、链表与目录。
// entries须已按(type, id)排序。压缩后超过内联上限或堆放不下的记录
// 经allocator转为SDI-BLOB外部存储。
func PopulateRootPage(page []byte, pageSize int, entries []schema.SdiEntry,
	alloc *BlobAllocator) error {

	groups := buildDirGroups(len(entries))
	nSlots := 1 + len(groups)
	dirStart := pageSize - common.PAGE_DIR - common.PAGE_DIR_SLOT_SIZE*nSlots

	heapTop := common.PAGE_NEW_SUPREMUM_END
	recs := make([]recInfo, 0, len(entries))

	for i, entry := range entries {
		comp, err := CompressSdiJSON(entry.JSON)
		if err != nil {
			return errors.Trace(err)
		}
		compLen := len(comp)
		uncompLen := len(entry.JSON)

		useExternal := false
		lenBytes := 0
		recSize := 0

		if compLen > maxInlineCompLen {
			useExternal = true
		} else {
			lenBytes = 1
			if compLen > 127 {
				lenBytes = 2
			}
			recSize = common.REC_N_NEW_EXTRA_BYTES + lenBytes + common.SDI_REC_OFF_DATA + compLen
			if heapTop+recSize > dirStart {
				useExternal = true
			}
		}

		var firstBlobPage uint32
		if useExternal {
			if alloc == nil {
				return errors.Annotate(ErrSdiCapacityExceeded,
					"record requires external storage but no SDI blob pages are available")
			}
			lenBytes = 2
			recSize = common.REC_N_NEW_EXTRA_BYTES + lenBytes +
				common.SDI_REC_OFF_DATA + common.FIELD_REF_SIZE
			if heapTop+recSize > dirStart {
				return errors.Annotate(ErrSdiCapacityExceeded,
					"external records exceed SDI root page capacity")
			}
			firstBlobPage, err = alloc.EmitChain(comp)
			if err != nil {
				return errors.Trace(err)
			}
		}

		if heapTop+recSize > dirStart {
			return errors.Annotate(ErrSdiCapacityExceeded, "records exceed SDI root page capacity")
		}

		recBase := heapTop
		rec := recBase + lenBytes + common.REC_N_NEW_EXTRA_BYTES
		for j := recBase; j < recBase+recSize; j++ {
			page[j] = 0
		}

		// 变长前缀(自rec向低地址读取，低字节在前)
		if useExternal {
			page[recBase] = 0
			page[recBase+1] = 0xC0
		} else if lenBytes == 1 {
			page[recBase] = byte(compLen)
		} else {
			page[recBase] = byte(compLen & 0xFF)
			page[recBase+1] = byte(compLen>>8) | 0x80
		}

		// extra字节: heap no+status
		util.MachWriteTo2(page, rec-4,
			uint16(common.PAGE_HEAP_NO_USER_LOW+i)<<3|common.REC_STATUS_ORDINARY)

		util.MachWriteTo4(page, rec+common.SDI_REC_OFF_TYPE, uint32(entry.Type))
		util.MachWriteTo8(page, rec+common.SDI_REC_OFF_ID, entry.ID)
		util.MachWriteTo6(page, rec+common.SDI_REC_OFF_TRX_ID, 0)
		util.MachWriteTo7(page, rec+common.SDI_REC_OFF_ROLL_PTR, 0)
		util.MachWriteTo4(page, rec+common.SDI_REC_OFF_UNCOMP_LEN, uint32(uncompLen))
		util.MachWriteTo4(page, rec+common.SDI_REC_OFF_COMP_LEN, uint32(compLen))

		if useExternal {
			ref := rec + common.SDI_REC_OFF_DATA
			util.MachWriteTo4(page, ref+common.BTR_EXTERN_SPACE_ID, alloc.SpaceID)
			util.MachWriteTo4(page, ref+common.BTR_EXTERN_PAGE_NO, firstBlobPage)
			util.MachWriteTo4(page, ref+common.BTR_EXTERN_OFFSET, common.FIL_PAGE_DATA)
			util.MachWriteTo8(page, ref+common.BTR_EXTERN_LEN, uint64(compLen))
		} else {
			copy(page[rec+common.SDI_REC_OFF_DATA:], comp)
		}

		recs = append(recs, recInfo{rec: rec})
		heapTop += recSize
	}

	hdr := common.PAGE_HEADER
	util.MachWriteTo2(page, hdr+common.PAGE_N_RECS, uint16(len(entries)))
	util.MachWriteTo2(page, hdr+common.PAGE_HEAP_TOP, uint16(heapTop))
	util.MachWriteTo2(page, hdr+common.PAGE_N_HEAP,
		0x8000|uint16(common.PAGE_HEAP_NO_USER_LOW+len(entries)))
	util.MachWriteTo2(page, hdr+common.PAGE_N_DIR_SLOTS, uint16(nSlots))
	util.MachWriteTo2(page, hdr+common.PAGE_LEVEL, 0)
	util.MachWriteTo8(page, hdr+common.PAGE_INDEX_ID, ^uint64(0))
	util.MachWriteTo8(page, hdr+common.PAGE_MAX_TRX_ID, 0)

	// 链接 infimum -> 记录... -> supremum
	writeNext := func(from, to int) {
		diff := uint16(0)
		if to != 0 {
			diff = uint16(to - from)
		}
		util.MachWriteTo2(page, from-common.REC_NEXT, diff)
	}

	setNOwned := func(rec, n int) {
		page[rec-5] = page[rec-5]&0xF0 | byte(n&0x0F)
	}

	setNOwned(common.PAGE_NEW_INFIMUM, 1)
	if len(recs) == 0 {
		writeNext(common.PAGE_NEW_INFIMUM, common.PAGE_NEW_SUPREMUM)
	} else {
		writeNext(common.PAGE_NEW_INFIMUM, recs[0].rec)
		for i := range recs {
			if i+1 < len(recs) {
				writeNext(recs[i].rec, recs[i+1].rec)
			} else {
				writeNext(recs[i].rec, common.PAGE_NEW_SUPREMUM)
			}
		}
	}
	writeNext(common.PAGE_NEW_SUPREMUM, 0)

	// 目录: 每组末记录持有组员数
	recIndex := 0
	for _, group := range groups {
		recIndex += group - 1
		if recIndex >= len(recs) {
			setNOwned(common.PAGE_NEW_SUPREMUM, group)
		} else {
			setNOwned(recs[recIndex].rec, group)
		}
		recIndex++
	}

	slot0 := pageSize - common.PAGE_DIR - common.PAGE_DIR_SLOT_SIZE
	util.MachWriteTo2(page, slot0, common.PAGE_NEW_INFIMUM)

	slot := 1
	recIndex = 0
	for _, group := range groups {
		recIndex += group - 1
		owner := common.PAGE_NEW_SUPREMUM
		if recIndex < len(recs) {
			owner = recs[recIndex].rec
		}
		slotPos := pageSize - common.PAGE_DIR - common.PAGE_DIR_SLOT_SIZE*(slot+1)
		util.MachWriteTo2(page, slotPos, uint16(owner))
		slot++
		recIndex++
	}

	return nil
}
