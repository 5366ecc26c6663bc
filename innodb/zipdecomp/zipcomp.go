package zipdecomp

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

// RecSpec 压缩时对单条记录范围的描述。
// 记录范围依赖表结构，由调用方(页面构造器)给出。
type RecSpec struct {
	Origin    int   // 记录origin在页内的偏移
	HdrLen    int   // 变长数组+NULL位图的字节数
	DataLen   int   // 体总长(含未压缩存储的区段)
	TrxOffset int   // DB_TRX_ID在体内的偏移，-1表示无
	Externs   []int // 各外部存储字段的体内尾偏移
}

// Compress Decompress的逆操作。
// 将len(page)==logical的COMPACT页压缩为physical大小的块。
// recs按排序序(即密集目录槽序)排列，已删除记录排在末尾。
func Compress(page []byte, physical int, trxIDCol int, recs []RecSpec) ([]byte, error) {
	logical := len(page)
	if physical >= logical || physical < common.PAGE_DATA {
		return nil, ErrOverflow
	}

	leaf := util.MachReadFrom2(page, common.PAGE_HEADER+common.PAGE_LEVEL) == 0
	nDense := len(recs)

	out := make([]byte, physical)
	copy(out[:common.PAGE_DATA], page[:common.PAGE_DATA])
	// PAGE_N_HEAP必须与记录数一致，解压侧据此恢复槽数
	util.MachWriteTo2(out, common.PAGE_HEADER+common.PAGE_N_HEAP,
		0x8000|uint16(common.PAGE_HEAP_NO_USER_LOW+nDense))

	var stream bytes.Buffer
	zw, err := zlib.NewWriterLevel(&stream, zlib.DefaultCompression)
	if err != nil {
		return nil, errors.Trace(err)
	}

	writeFieldsBlock(zw, trxIDCol)

	var scratch [7]byte
	var externStore []byte
	for _, rs := range recs {
		trxOff := rs.TrxOffset
		if trxOff < 0 || !leaf || trxIDCol == 0 {
			trxOff = noTrxOffset
		}

		binary.BigEndian.PutUint16(scratch[0:2], uint16(rs.HdrLen))
		binary.BigEndian.PutUint16(scratch[2:4], uint16(rs.DataLen))
		binary.BigEndian.PutUint16(scratch[4:6], uint16(trxOff))
		scratch[6] = byte(len(rs.Externs))
		zw.Write(scratch[:7])

		for _, fieldEnd := range rs.Externs {
			binary.BigEndian.PutUint16(scratch[0:2], uint16(fieldEnd))
			zw.Write(scratch[0:2])
			externStore = append(externStore,
				page[rs.Origin+fieldEnd-common.FIELD_REF_SIZE:rs.Origin+fieldEnd]...)
		}

		zw.Write(page[rs.Origin-common.REC_N_NEW_EXTRA_BYTES-rs.HdrLen : rs.Origin-common.REC_N_NEW_EXTRA_BYTES])

		// 体字节剔除未压缩存储的区段
		fr := recFrame{
			hdrLen:    rs.HdrLen,
			dataLen:   rs.DataLen,
			trxOffset: trxOff,
			externs:   rs.Externs,
		}
		writeStrippedBody(zw, page, rs.Origin, &fr, leaf)
	}

	if err := zw.Close(); err != nil {
		return nil, errors.Trace(err)
	}

	// 未压缩存储区与密集目录
	fixedPerRec := 0
	if leaf {
		if trxIDCol > 0 {
			fixedPerRec = trxRollStorageSize
		}
	} else {
		fixedPerRec = nodePtrStorageSize
	}
	trailerSize := nDense*dirSlotSize + fixedPerRec*nDense + len(externStore)

	if common.PAGE_DATA+stream.Len()+trailerSize > physical {
		return nil, ErrOverflow
	}
	copy(out[common.PAGE_DATA:], stream.Bytes())

	storEnd := physical - nDense*dirSlotSize
	for i, rs := range recs {
		raw := uint16(rs.Origin)
		nOwned := page[rs.Origin-5] & 0x0F
		if nOwned > 0 {
			raw |= dirSlotOwned
		}
		if page[rs.Origin-5]&common.REC_INFO_DELETED_FLAG != 0 {
			raw |= dirSlotDel
		}
		util.MachWriteTo2(out, physical-dirSlotSize*(i+1), raw)

		if leaf && trxIDCol > 0 && rs.TrxOffset >= 0 {
			stor := storEnd - trxRollStorageSize*(i+1)
			copy(out[stor:], page[rs.Origin+rs.TrxOffset:rs.Origin+rs.TrxOffset+trxRollStorageSize])
		}
		if !leaf {
			stor := storEnd - nodePtrStorageSize*(i+1)
			bodyEnd := rs.Origin + rs.DataLen
			copy(out[stor:], page[bodyEnd-nodePtrStorageSize:bodyEnd])
		}
	}

	externBase := storEnd - fixedPerRec*nDense
	copy(out[externBase-len(externStore):externBase], externStore)

	return out, nil
}

func writeFieldsBlock(w *zlib.Writer, trxIDCol int) {
	// 字段描述块保留自描述能力，但本工具的解压路径
	// 只消费trx_id列序号，字段表为空即可。
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], 0)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(trxIDCol))
	w.Write(hdr[:])
}

func writeStrippedBody(w *zlib.Writer, page []byte, origin int, fr *recFrame, leaf bool) {
	gaps := bodyGaps(fr, leaf)
	// bodyGaps返回的是压缩流坐标，换回页内坐标逐段拷贝
	pos := 0
	removed := 0
	for _, g := range gaps {
		pageStart := g.start + removed
		w.Write(page[origin+pos : origin+pageStart])
		pos = pageStart + g.size
		removed += g.size
	}
	w.Write(page[origin+pos : origin+fr.dataLen])
}
