package lob

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/logger"
	"xmysql-ibd-parser/util"
)

// 新LOB格式(8.0)的首页布局:
//
//	38  版本(1) 39 标志(1) 40 lob版本(4) 44 最近事务(6) 50 undo号(4)
//	54  数据长(4) 58 创建事务(6)
//	64  索引项链表基节点(16) 80 空闲项链表基节点(16)
//	96  索引项数组(10项×60字节)
//	696 首页内联数据区
const (
	lobFirstOffsetLobVersion = 40
	lobFirstOffsetDataLen    = 54
	lobFirstIndexList        = 64
	lobFirstIndexArray       = 96
	lobFirstIndexEntryCount  = 10
	lobFirstDataBegin        = lobFirstIndexArray + lobFirstIndexEntryCount*lobIndexEntrySize

	// 索引项(60字节): prev(6) next(6) 版本链基节点(16) trx(6) trx_mod(6)
	// undo(4) undo_mod(4) 数据页号(4) 数据长(4) lob版本(4)
	lobIndexEntrySize        = 60
	lobEntryOffsetNext       = 6
	lobEntryOffsetVersions   = 12
	lobEntryOffsetPageNo     = 48
	lobEntryOffsetDataLen    = 52
	lobEntryOffsetLobVersion = 56

	// 数据页: 38 版本(1) 39 数据长(4) 43 事务(6) 49 数据
	lobDataPageBegin = 49
	lobDataPageLenOffset = 39

	// 链表基节点: len(4) first(6) last(6); 文件地址: 页号(4)+页内偏移(2)
	flstBaseFirst = 4
)

// fileAddr 链表节点的文件地址
type fileAddr struct {
	pageNo uint32
	offset uint16
}

func (a fileAddr) isNull() bool {
	return a.pageNo == common.FIL_NULL || (a.pageNo == 0 && a.offset == 0)
}

func readFileAddr(buf []byte, off int) fileAddr {
	return fileAddr{
		pageNo: util.MachReadFrom4(buf, off),
		offset: util.MachReadFrom2(buf, off+4),
	}
}

// readLobFirst 新格式未压缩LOB:
// 遍历首页索引项链，按引用版本选取可见项，
// 依次取首页内联数据或LOB_DATA页的数据区。
func (r *Reader) readLobFirst(ref ExternRef, want int) ([]byte, error) {
	firstPageNo := ref.PageNo
	physical := r.space.PageSize().Physical

	firstPage := make([]byte, physical)
	copy(firstPage, r.pageBuf)

	out := make([]byte, 0, want)
	firstDataCursor := lobFirstDataBegin

	entryBuf := make([]byte, lobIndexEntrySize)
	pageBuf := make([]byte, physical)

	node := readFileAddr(firstPage, lobFirstIndexList+flstBaseFirst)
	for steps := 0; !node.isNull() && len(out) < want; steps++ {
		if steps >= chainStepLimit {
			return nil, ErrChainTooLong
		}

		if err := r.readEntry(node, firstPageNo, firstPage, entryBuf); err != nil {
			return nil, errors.Trace(err)
		}

		next := readFileAddr(entryBuf, lobEntryOffsetNext)

		entry, ok, err := r.selectVisibleEntry(entryBuf, ref.Version(), firstPageNo, firstPage)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			node = next
			continue
		}

		dataPageNo := util.MachReadFrom4(entry, lobEntryOffsetPageNo)
		dataLen := int(util.MachReadFrom4(entry, lobEntryOffsetDataLen))

		remaining := want - len(out)
		if dataLen > remaining {
			dataLen = remaining
		}

		if dataPageNo == firstPageNo {
			end := firstDataCursor + dataLen
			if end > physical {
				end = physical
			}
			out = append(out, firstPage[firstDataCursor:end]...)
			firstDataCursor = end
		} else if dataPageNo != common.FIL_NULL && dataPageNo < r.space.NumPages() {
			if err := r.space.ReadPage(dataPageNo, pageBuf); err != nil {
				return nil, errors.Trace(err)
			}
			if innopage.PageType(pageBuf) != common.FIL_PAGE_TYPE_LOB_DATA {
				logger.Warnf("LOB data page %d has type %d, skipping",
					dataPageNo, innopage.PageType(pageBuf))
				node = next
				continue
			}
			stored := int(util.MachReadFrom4(pageBuf, lobDataPageLenOffset))
			if stored < dataLen {
				dataLen = stored
			}
			end := lobDataPageBegin + dataLen
			if end > physical {
				end = physical
			}
			out = append(out, pageBuf[lobDataPageBegin:end]...)
		}

		node = next
	}

	return out, nil
}

// readEntry 读取一个索引项(可能位于首页或LOB_INDEX页)
func (r *Reader) readEntry(addr fileAddr, firstPageNo uint32, firstPage []byte, out []byte) error {
	physical := r.space.PageSize().Physical
	if int(addr.offset)+len(out) > physical {
		return errors.Errorf("LOB index entry at %d:%d out of page", addr.pageNo, addr.offset)
	}

	if addr.pageNo == firstPageNo {
		copy(out, firstPage[addr.offset:int(addr.offset)+len(out)])
		return nil
	}
	if addr.pageNo >= r.space.NumPages() {
		return errors.Errorf("LOB index entry page %d out of range", addr.pageNo)
	}

	buf := make([]byte, physical)
	if err := r.space.ReadPage(addr.pageNo, buf); err != nil {
		return errors.Trace(err)
	}
	copy(out, buf[addr.offset:int(addr.offset)+len(out)])
	return nil
}

// selectVisibleEntry MVCC可见性选择:
// 基项版本≤引用版本直接用；否则沿版本子链找首个可见版本。
func (r *Reader) selectVisibleEntry(entry []byte, refVersion uint32,
	firstPageNo uint32, firstPage []byte) ([]byte, bool, error) {

	entryVersion := util.MachReadFrom4(entry, lobEntryOffsetLobVersion)
	if entryVersion <= refVersion {
		return entry, true, nil
	}

	verNode := readFileAddr(entry, lobEntryOffsetVersions+flstBaseFirst)
	verBuf := make([]byte, lobIndexEntrySize)
	for steps := 0; !verNode.isNull(); steps++ {
		if steps >= chainStepLimit {
			return nil, false, ErrChainTooLong
		}
		if err := r.readEntry(verNode, firstPageNo, firstPage, verBuf); err != nil {
			return nil, false, errors.Trace(err)
		}
		if util.MachReadFrom4(verBuf, lobEntryOffsetLobVersion) <= refVersion {
			return verBuf, true, nil
		}
		verNode = readFileAddr(verBuf, lobEntryOffsetNext)
	}
	return nil, false, nil
}

// 新格式压缩LOB(ZLOB)的布局:
//
//	首页同lobFirst的头，索引项为66字节:
//	prev(6) next(6) 版本链(16) trx(6) trx_mod(6) undo(4) undo_mod(4)
//	z页号(4) 片段号(2) 数据长(4) 压缩长(4) lob版本(4)
const (
	zlobIndexEntrySize        = 66
	zlobEntryOffsetNext       = 6
	zlobEntryOffsetVersions   = 12
	zlobEntryOffsetZPageNo    = 48
	zlobEntryOffsetZFragID    = 52
	zlobEntryOffsetDataLen    = 54
	zlobEntryOffsetZDataLen   = 58
	zlobEntryOffsetLobVersion = 62

	zlobFragIDNull = 0xFFFF
)

// readZlobFirst 新格式压缩LOB:
// 每个可见索引项给出一段独立的deflate流，
// 流字节取自ZLOB_DATA页链或ZLOB_FRAG页的片段槽，解出data_len字节。
func (r *Reader) readZlobFirst(ref ExternRef, want int) ([]byte, error) {
	firstPageNo := ref.PageNo
	physical := r.space.PageSize().Physical

	firstPage := make([]byte, physical)
	copy(firstPage, r.pageBuf)

	out := make([]byte, 0, want)
	entryBuf := make([]byte, zlobIndexEntrySize)

	node := readFileAddr(firstPage, lobFirstIndexList+flstBaseFirst)
	for steps := 0; !node.isNull() && len(out) < want; steps++ {
		if steps >= chainStepLimit {
			return nil, ErrChainTooLong
		}

		if err := r.readEntry(node, firstPageNo, firstPage, entryBuf); err != nil {
			return nil, errors.Trace(err)
		}
		next := readFileAddr(entryBuf, zlobEntryOffsetNext)

		entry, ok, err := r.selectVisibleZlobEntry(entryBuf, ref.Version(), firstPageNo, firstPage)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			node = next
			continue
		}

		zPageNo := util.MachReadFrom4(entry, zlobEntryOffsetZPageNo)
		zFragID := util.MachReadFrom2(entry, zlobEntryOffsetZFragID)
		dataLen := int(util.MachReadFrom4(entry, zlobEntryOffsetDataLen))
		zDataLen := int(util.MachReadFrom4(entry, zlobEntryOffsetZDataLen))

		var compressed []byte
		if zFragID != zlobFragIDNull {
			compressed, err = r.readFragSlot(zPageNo, zFragID, zDataLen)
		} else {
			compressed, err = r.readZlobDataChain(zPageNo, zDataLen)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}

		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, errors.Annotatef(err, "zlob entry at page %d", zPageNo)
		}
		chunk := make([]byte, dataLen)
		n, err := io.ReadFull(zr, chunk)
		zr.Close()
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, errors.Annotatef(err, "inflate zlob entry at page %d", zPageNo)
		}

		remaining := want - len(out)
		if n > remaining {
			n = remaining
		}
		out = append(out, chunk[:n]...)
		node = next
	}

	return out, nil
}

func (r *Reader) selectVisibleZlobEntry(entry []byte, refVersion uint32,
	firstPageNo uint32, firstPage []byte) ([]byte, bool, error) {

	entryVersion := util.MachReadFrom4(entry, zlobEntryOffsetLobVersion)
	if entryVersion <= refVersion {
		return entry, true, nil
	}

	verNode := readFileAddr(entry, zlobEntryOffsetVersions+flstBaseFirst)
	verBuf := make([]byte, zlobIndexEntrySize)
	for steps := 0; !verNode.isNull(); steps++ {
		if steps >= chainStepLimit {
			return nil, false, ErrChainTooLong
		}
		if err := r.readEntry(verNode, firstPageNo, firstPage, verBuf); err != nil {
			return nil, false, errors.Trace(err)
		}
		if util.MachReadFrom4(verBuf, zlobEntryOffsetLobVersion) <= refVersion {
			return verBuf, true, nil
		}
		verNode = readFileAddr(verBuf, zlobEntryOffsetNext)
	}
	return nil, false, nil
}

// readZlobDataChain 自zPageNo起沿FIL_PAGE_NEXT收集zDataLen个压缩字节
func (r *Reader) readZlobDataChain(zPageNo uint32, zDataLen int) ([]byte, error) {
	physical := r.space.PageSize().Physical
	out := make([]byte, 0, zDataLen)
	buf := make([]byte, physical)

	pageNo := zPageNo
	for steps := 0; len(out) < zDataLen; steps++ {
		if steps >= chainStepLimit {
			return nil, ErrChainTooLong
		}
		if pageNo == common.FIL_NULL || pageNo >= r.space.NumPages() {
			break
		}
		if err := r.space.ReadPage(pageNo, buf); err != nil {
			return nil, errors.Trace(err)
		}

		take := physical - common.FIL_PAGE_DATA
		if remaining := zDataLen - len(out); take > remaining {
			take = remaining
		}
		out = append(out, buf[common.FIL_PAGE_DATA:common.FIL_PAGE_DATA+take]...)

		pageNo = innopage.NextPage(buf)
	}
	return out, nil
}

// readFragSlot ZLOB_FRAG页的片段槽。
// 页尾目录: 物理页尾校验和之前2字节为槽数n，
// 其前每2字节一个槽偏移；槽内为 frag_id(2) + len(2) + 数据。
func (r *Reader) readFragSlot(fragPageNo uint32, fragID uint16, zDataLen int) ([]byte, error) {
	physical := r.space.PageSize().Physical
	if fragPageNo == common.FIL_NULL || fragPageNo >= r.space.NumPages() {
		return nil, errors.Errorf("fragment page %d out of range", fragPageNo)
	}

	buf := make([]byte, physical)
	if err := r.space.ReadPage(fragPageNo, buf); err != nil {
		return nil, errors.Trace(err)
	}

	dirCount := physical - common.FIL_PAGE_END_LSN_OLD_CHKSUM - 2
	n := int(util.MachReadFrom2(buf, dirCount))
	for i := 0; i < n; i++ {
		slotOffset := int(util.MachReadFrom2(buf, dirCount-2*(i+1)))
		if slotOffset < common.FIL_PAGE_DATA || slotOffset+4 > physical {
			continue
		}
		if util.MachReadFrom2(buf, slotOffset) != fragID {
			continue
		}
		fragLen := int(util.MachReadFrom2(buf, slotOffset+2))
		if fragLen > zDataLen {
			fragLen = zDataLen
		}
		end := slotOffset + 4 + fragLen
		if end > physical {
			end = physical
		}
		return buf[slotOffset+4 : end], nil
	}
	return nil, errors.Errorf("fragment %d not found on page %d", fragID, fragPageNo)
}
