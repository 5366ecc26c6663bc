// Package zipdecomp 实现ROW_FORMAT=COMPRESSED页面(page_zip)的解压与压缩。
//
// 压缩页布局:
//
//	[0, PAGE_DATA)        页头原样保存(文件页头+INDEX页头+两个段头)
//	[PAGE_DATA, ...)      一条zlib流: 字段描述块 + 逐记录数据块
//	尾部(向低地址增长):
//	  密集目录  n_dense个2字节槽，槽i位于 physical-2*(i+1)，
//	            内容为记录origin偏移 | OWNED(0x4000) | DELETED(0x8000)
//	  未压缩存储区 紧贴密集目录之下:
//	            聚簇叶子页每记录13字节(DB_TRX_ID+DB_ROLL_PTR)，
//	            非叶子页每记录4字节(子页号)，
//	            其后为按出现顺序排列的20字节外部引用。
//
// zlib流内部:
//
//	字段描述块: u16字段数, u16(trx_id列序号+1, 0表示无)，
//	            随后每字段1~2字节(值>=0x80时双字节编码):
//	            定长列 v=len<<1|1, 变长列 v=(max>255?2:0)。
//	逐记录块:   按密集目录槽序，每记录
//	            u16头长 u16体长 u16trx偏移(0xFFFF无) u8外部字段数
//	            [每个外部字段: u16字段尾偏移]
//	            头字节(变长数组+NULL位图) 体字节(已剔除未压缩存储的部分)。
//
// 记录origin在解压页内的偏移与压缩前完全一致，堆布局得以保留。
package zipdecomp

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"sort"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

var (
	// ErrCorrupted 压缩页结构损坏
	ErrCorrupted = errors.New("compressed page is corrupted")
	// ErrOverflow 压缩结果超出物理页容量
	ErrOverflow = errors.New("compressed page overflow")
)

const (
	dirSlotSize  = 2
	dirSlotMask  = 0x3FFF
	dirSlotOwned = 0x4000
	dirSlotDel   = 0x8000

	trxRollStorageSize = common.DATA_TRX_ID_LEN + common.DATA_ROLL_PTR_LEN // 13
	nodePtrStorageSize = 4

	noTrxOffset = 0xFFFF
)

// FieldInfo 压缩流中自描述的列信息
type FieldInfo struct {
	Fixed  bool
	Len    int  // 定长列的长度
	Long   bool // 变长列最大长度>255
}

// denseSlot 密集目录槽
type denseSlot struct {
	offset  int
	owned   bool
	deleted bool
}

// recFrame 逐记录块中一条记录的框架
type recFrame struct {
	hdrLen    int
	dataLen   int
	trxOffset int
	externs   []int
	hdr       []byte
	data      []byte
}

// Decompress 将physical大小的压缩页解压到len(out)==logical的缓冲。
// 仅适用于INDEX/RTREE/SDI页；调用方负责页面类型判定。
func Decompress(src []byte, physical int, out []byte) error {
	logical := len(out)
	if len(src) < physical || physical < common.PAGE_DATA+dirSlotSize ||
		logical < physical {
		return ErrCorrupted
	}

	nHeap := int(util.MachReadFrom2(src, common.PAGE_HEADER+common.PAGE_N_HEAP) & 0x7FFF)
	nDense := nHeap - common.PAGE_HEAP_NO_USER_LOW
	if nDense < 0 || nDense*dirSlotSize > physical-common.PAGE_DATA {
		return ErrCorrupted
	}

	leaf := util.MachReadFrom2(src, common.PAGE_HEADER+common.PAGE_LEVEL) == 0

	// 页头原样复制，其余清零
	for i := range out {
		out[i] = 0
	}
	copy(out[:common.PAGE_DATA], src[:common.PAGE_DATA])
	copy(out[common.PAGE_DATA:], common.InfimumSupremumCompact)

	slots, err := readDenseDir(src, physical, nDense, logical)
	if err != nil {
		return errors.Trace(err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(src[common.PAGE_DATA:physical]))
	if err != nil {
		return errors.Annotate(ErrCorrupted, "zlib init")
	}
	defer zr.Close()

	_, trxIDCol, err := readFieldsBlock(zr)
	if err != nil {
		return errors.Trace(err)
	}

	frames := make([]recFrame, nDense)
	for i := 0; i < nDense; i++ {
		if err := readRecFrame(zr, &frames[i], logical, leaf); err != nil {
			return errors.Annotatef(err, "record frame %d", i)
		}
	}

	// 未压缩存储区
	storEnd := physical - nDense*dirSlotSize
	fixedPerRec := 0
	if leaf {
		if trxIDCol > 0 {
			fixedPerRec = trxRollStorageSize
		}
	} else {
		fixedPerRec = nodePtrStorageSize
	}
	externBase := storEnd - fixedPerRec*nDense
	if externBase < common.PAGE_DATA {
		return ErrCorrupted
	}

	externSeq := 0
	for i := 0; i < nDense; i++ {
		fr := &frames[i]
		origin := slots[i].offset

		if origin-common.REC_N_NEW_EXTRA_BYTES-fr.hdrLen < common.PAGE_NEW_SUPREMUM_END ||
			origin+fr.dataLen > logical-common.FIL_PAGE_END_LSN_OLD_CHKSUM {
			return ErrCorrupted
		}

		copy(out[origin-common.REC_N_NEW_EXTRA_BYTES-fr.hdrLen:], fr.hdr)

		// 体字节: 未压缩存储的区段留空
		writeBody(out, origin, fr, leaf)

		// 恢复未压缩存储的部分
		if leaf && trxIDCol > 0 && fr.trxOffset != noTrxOffset {
			stor := storEnd - trxRollStorageSize*(i+1)
			copy(out[origin+fr.trxOffset:], src[stor:stor+trxRollStorageSize])
		}
		if !leaf {
			stor := storEnd - nodePtrStorageSize*(i+1)
			bodyEnd := origin + fr.dataLen
			copy(out[bodyEnd-nodePtrStorageSize:bodyEnd], src[stor:stor+nodePtrStorageSize])
		}
		for _, fieldEnd := range fr.externs {
			stor := externBase - common.FIELD_REF_SIZE*(externSeq+1)
			if stor < common.PAGE_DATA {
				return ErrCorrupted
			}
			copy(out[origin+fieldEnd-common.FIELD_REF_SIZE:origin+fieldEnd],
				src[stor:stor+common.FIELD_REF_SIZE])
			externSeq++
		}

		// 5字节extra: info位+heap no+status
		writeRecHeader(out, origin, i, slots[i], leaf)
	}

	linkRecords(out, slots)
	if err := rebuildDirectory(out, logical, slots); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// writeBody 将压缩流中的体字节放回记录，未压缩存储的区段留空
func writeBody(out []byte, origin int, fr *recFrame, leaf bool) {
	src := fr.data
	dst := origin
	gaps := bodyGaps(fr, leaf)

	prev := 0
	for _, g := range gaps {
		n := g.start - prev
		copy(out[dst:], src[:n])
		src = src[n:]
		dst += n + g.size
		prev = g.start
	}
	copy(out[dst:], src)
}

type bodyGap struct {
	start int // 空档插入点(以压缩流坐标计)
	size  int
}

// bodyGaps 压缩流中被剔除区段的插入点，升序
func bodyGaps(fr *recFrame, leaf bool) []bodyGap {
	var gaps []bodyGap
	if fr.trxOffset != noTrxOffset {
		gaps = append(gaps, bodyGap{start: fr.trxOffset, size: trxRollStorageSize})
	}
	for _, fieldEnd := range fr.externs {
		gaps = append(gaps, bodyGap{start: fieldEnd - common.FIELD_REF_SIZE, size: common.FIELD_REF_SIZE})
	}
	if !leaf {
		gaps = append(gaps, bodyGap{start: fr.dataLen - nodePtrStorageSize, size: nodePtrStorageSize})
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].start < gaps[j].start })

	// 插入点转换: gap.start是解压后坐标，换算为压缩流坐标
	streamGaps := make([]bodyGap, 0, len(gaps))
	removed := 0
	for _, g := range gaps {
		streamGaps = append(streamGaps, bodyGap{start: g.start - removed, size: g.size})
		removed += g.size
	}
	return streamGaps
}

func readDenseDir(src []byte, physical, nDense, logical int) ([]denseSlot, error) {
	slots := make([]denseSlot, nDense)
	for i := 0; i < nDense; i++ {
		raw := util.MachReadFrom2(src, physical-dirSlotSize*(i+1))
		offset := int(raw & dirSlotMask)
		if offset < common.PAGE_NEW_SUPREMUM_END+common.REC_N_NEW_EXTRA_BYTES ||
			offset >= logical {
			return nil, ErrCorrupted
		}
		slots[i] = denseSlot{
			offset:  offset,
			owned:   raw&dirSlotOwned != 0,
			deleted: raw&dirSlotDel != 0,
		}
	}
	return slots, nil
}

func readFieldsBlock(r io.Reader) ([]FieldInfo, int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, errors.Annotate(ErrCorrupted, "fields block header")
	}
	nFields := int(binary.BigEndian.Uint16(hdr[0:2]))
	trxIDCol := int(binary.BigEndian.Uint16(hdr[2:4]))
	if nFields > 1023 {
		return nil, 0, ErrCorrupted
	}

	fields := make([]FieldInfo, nFields)
	var b [1]byte
	for i := 0; i < nFields; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, 0, errors.Annotate(ErrCorrupted, "fields block entry")
		}
		val := int(b[0])
		if val >= 0x80 {
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, 0, errors.Annotate(ErrCorrupted, "fields block entry")
			}
			val = (val&0x7F)<<8 | int(b[0])
		}
		if val&1 != 0 {
			fields[i] = FieldInfo{Fixed: true, Len: val >> 1}
		} else {
			fields[i] = FieldInfo{Long: val>>1 != 0}
		}
	}
	return fields, trxIDCol, nil
}

func readRecFrame(r io.Reader, fr *recFrame, logical int, leaf bool) error {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return errors.Annotate(ErrCorrupted, "frame header")
	}
	fr.hdrLen = int(binary.BigEndian.Uint16(hdr[0:2]))
	fr.dataLen = int(binary.BigEndian.Uint16(hdr[2:4]))
	fr.trxOffset = int(binary.BigEndian.Uint16(hdr[4:6]))
	nExterns := int(hdr[6])

	if fr.hdrLen > logical || fr.dataLen > logical {
		return ErrCorrupted
	}

	fr.externs = fr.externs[:0]
	var off [2]byte
	for i := 0; i < nExterns; i++ {
		if _, err := io.ReadFull(r, off[:]); err != nil {
			return errors.Annotate(ErrCorrupted, "extern offset")
		}
		fr.externs = append(fr.externs, int(binary.BigEndian.Uint16(off[:])))
	}

	fr.hdr = make([]byte, fr.hdrLen)
	if _, err := io.ReadFull(r, fr.hdr); err != nil {
		return errors.Annotate(ErrCorrupted, "record header bytes")
	}

	// 压缩流中的体字节数 = 体长 - 留空区段
	streamLen := fr.dataLen
	if fr.trxOffset != noTrxOffset {
		streamLen -= trxRollStorageSize
	}
	streamLen -= len(fr.externs) * common.FIELD_REF_SIZE
	if !leaf {
		streamLen -= nodePtrStorageSize
	}
	if streamLen < 0 {
		return ErrCorrupted
	}
	fr.data = make([]byte, streamLen)
	if _, err := io.ReadFull(r, fr.data); err != nil {
		return errors.Annotate(ErrCorrupted, "record data bytes")
	}
	return nil
}

// writeRecHeader 重建5字节extra中的info位/heap no/status
func writeRecHeader(out []byte, origin, slot int, ds denseSlot, leaf bool) {
	info := byte(0)
	if ds.deleted {
		info |= common.REC_INFO_DELETED_FLAG
	}
	out[origin-5] = info // n_owned稍后由目录重建填入
	heapNo := uint16(slot + common.PAGE_HEAP_NO_USER_LOW)
	status := uint16(common.REC_STATUS_ORDINARY)
	if !leaf {
		status = common.REC_STATUS_NODE_PTR
	}
	util.MachWriteTo2(out, origin-4, heapNo<<3|status)
}

// linkRecords 重建infimum→...→supremum单链。
// 密集目录的槽序即排序序；已删除记录不参与链接。
func linkRecords(out []byte, slots []denseSlot) {
	writeNext := func(from, to int) {
		delta := uint16(to-from) & 0xFFFF
		if to == 0 {
			delta = 0
		}
		util.MachWriteTo2(out, from-common.REC_NEXT, delta)
	}

	prev := common.PAGE_NEW_INFIMUM
	for _, s := range slots {
		if s.deleted {
			writeNext(s.offset, 0)
			continue
		}
		writeNext(prev, s.offset)
		prev = s.offset
	}
	writeNext(prev, common.PAGE_NEW_SUPREMUM)
	writeNext(common.PAGE_NEW_SUPREMUM, 0)
}

// rebuildDirectory 依据owned标志重建稀疏目录与n_owned
func rebuildDirectory(out []byte, logical int, slots []denseSlot) error {
	setNOwned := func(origin, n int) {
		out[origin-5] = out[origin-5]&0xF0 | byte(n&0x0F)
	}

	dirTop := logical - common.PAGE_DIR
	slotPos := dirTop - common.PAGE_DIR_SLOT_SIZE
	util.MachWriteTo2(out, slotPos, common.PAGE_NEW_INFIMUM)
	setNOwned(common.PAGE_NEW_INFIMUM, 1)

	nSlots := 1
	groupCount := 0
	for _, s := range slots {
		groupCount++
		if !s.owned {
			continue
		}
		if groupCount > common.PAGE_DIR_SLOT_MAX_N_OWNED {
			return ErrCorrupted
		}
		slotPos -= common.PAGE_DIR_SLOT_SIZE
		if slotPos < common.PAGE_NEW_SUPREMUM_END {
			return ErrCorrupted
		}
		util.MachWriteTo2(out, slotPos, uint16(s.offset))
		setNOwned(s.offset, groupCount)
		groupCount = 0
		nSlots++
	}

	// 末组归supremum所有
	slotPos -= common.PAGE_DIR_SLOT_SIZE
	if slotPos < common.PAGE_NEW_SUPREMUM_END {
		return ErrCorrupted
	}
	util.MachWriteTo2(out, slotPos, common.PAGE_NEW_SUPREMUM)
	setNOwned(common.PAGE_NEW_SUPREMUM, groupCount+1)
	nSlots++

	util.MachWriteTo2(out, common.PAGE_HEADER+common.PAGE_N_DIR_SLOTS, uint16(nSlots))
	return nil
}
