// Package record 解析COMPACT行格式: 记录偏移推导、链遍历与字段格式化。
package record

import (
	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/logger"
	"xmysql-ibd-parser/util"
)

// 偏移数组格式(与undrop系工具一致):
//
//	offsets[0]   = 字段数
//	offsets[i+1] = 第i字段的尾偏移 | 标志位
const (
	OffsSQLNull  = 0x80000000
	OffsExternal = 0x40000000
	offsMask     = ^uint32(OffsSQLNull | OffsExternal)

	// UnivSQLNull 空值长度哨兵
	UnivSQLNull = 0xFFFFFFFF
)

// NFields 偏移数组中的字段数
func NFields(offsets []uint32) int {
	return int(offsets[0])
}

// NthFieldEnd 第i字段尾偏移(不含标志位)
func NthFieldEnd(offsets []uint32, i int) uint32 {
	return offsets[i+1] & offsMask
}

// NthFieldStart 第i字段起始偏移
func NthFieldStart(offsets []uint32, i int) uint32 {
	if i == 0 {
		return 0
	}
	return offsets[i] & offsMask
}

// NthSize 第i字段长度，NULL返回UnivSQLNull
func NthSize(offsets []uint32, i int) uint32 {
	if offsets[i+1]&OffsSQLNull != 0 {
		return UnivSQLNull
	}
	end := NthFieldEnd(offsets, i)
	start := NthFieldStart(offsets, i)
	if end < start {
		return UnivSQLNull
	}
	return end - start
}

// NthExtern 第i字段是否外部存储
func NthExtern(offsets []uint32, i int) bool {
	return offsets[i+1]&OffsExternal != 0
}

// DataSize 记录体总长
func DataSize(offsets []uint32) uint32 {
	n := NFields(offsets)
	if n == 0 {
		return 0
	}
	return offsets[n] & offsMask
}

// RecStatus 记录状态(低3位于origin-3字节)
func RecStatus(page []byte, rec int) int {
	return int(page[rec-3] & 0x07)
}

// RecInfoBits 记录info位(origin-5字节高4位)
func RecInfoBits(page []byte, rec int) int {
	return int(page[rec-5] & 0xF0)
}

// RecDeleted 删除标记
func RecDeleted(page []byte, rec int) bool {
	return page[rec-5]&common.REC_INFO_DELETED_FLAG != 0
}

// RecHeapNo 记录堆号
func RecHeapNo(page []byte, rec int) int {
	return int(util.MachReadFrom2(page, rec-4) >> 3)
}

// InitOffsets 自记录origin反向游标扫描记录头，推导各字段尾偏移。
// 自origin向低地址依次为: 5字节extra、(instant/版本前缀)、NULL位图、变长数组。
func InitOffsets(page []byte, rec int, table *schema.TableDef, offsets []uint32) bool {
	if RecStatus(page, rec) != common.REC_STATUS_ORDINARY {
		return false
	}
	if len(offsets) < len(table.Fields)+2 {
		return false
	}
	offsets[0] = uint32(len(table.Fields))

	nulls := rec - (common.REC_N_NEW_EXTRA_BYTES + 1)
	infoBits := RecInfoBits(page, rec)
	if infoBits&common.REC_INFO_VERSION_FLAG != 0 {
		// 带行版本的记录在NULL位图前有1字节版本号
		nulls--
	} else if infoBits&common.REC_INFO_INSTANT_FLAG != 0 {
		// instant add的记录带1~2字节列数
		length := 1
		if page[nulls]&common.REC_N_FIELDS_TWO_BYTES_FLAG != 0 {
			length = 2
		}
		nulls -= length
	}
	lens := nulls - (table.NNullable+7)/8

	offs := uint32(0)
	nullMask := byte(1)

	for i := range table.Fields {
		fld := &table.Fields[i]
		isNull := false

		if fld.CanBeNull {
			if nullMask == 0 {
				nulls--
				nullMask = 1
			}
			if nulls >= 0 && nulls < len(page) && page[nulls]&nullMask != 0 {
				isNull = true
			}
			nullMask <<= 1
		}

		var lenVal uint32
		if isNull {
			lenVal = offs | OffsSQLNull
		} else if fld.FixedLength == 0 {
			if lens < 0 || lens >= len(page) {
				return false
			}
			lenByte := uint32(page[lens])
			lens--
			if fld.MaxLength > 255 ||
				fld.Type == schema.FtBlob || fld.Type == schema.FtText {
				if lenByte&0x80 != 0 {
					if lens < 0 {
						return false
					}
					lenByte = lenByte<<8 | uint32(page[lens])
					lens--
					offs += lenByte & 0x3FFF
					if lenByte&0x4000 != 0 {
						lenVal = offs | OffsExternal
					} else {
						lenVal = offs
					}
					goto storeLen
				}
			}
			offs += lenByte
			lenVal = offs
		} else {
			offs += uint32(fld.FixedLength)
			lenVal = offs
		}

	storeLen:
		offs &= 0xFFFF
		if rec+int(offs) > len(page) {
			logger.Debugf("invalid offset: field %d ends at %d past page end", i, offs)
			return false
		}
		offsets[i+1] = lenVal
	}
	return true
}

// CheckRecord 记录有效性闸门:
// 1) origin前有足够的最小头长; 2) 偏移推导成功且不越界;
// 3) 各字段长度落在[min,max]; 4) 体总长落在表的上下界。
func CheckRecord(page []byte, rec int, table *schema.TableDef, offsets []uint32) bool {
	minHdr := table.MinRecHeaderLen + common.REC_N_NEW_EXTRA_BYTES
	if rec < minHdr {
		return false
	}

	if !InitOffsets(page, rec, table, offsets) {
		return false
	}

	dataSize := DataSize(offsets)
	if int(dataSize) > table.DataMaxSize {
		logger.Debugf("record at %d: data size %d > max %d", rec, dataSize, table.DataMaxSize)
		return false
	}
	if int(dataSize) < table.DataMinSize {
		logger.Debugf("record at %d: data size %d < min %d", rec, dataSize, table.DataMinSize)
		return false
	}

	for i := range table.Fields {
		size := NthSize(offsets, i)
		if size == UnivSQLNull {
			continue
		}
		fld := &table.Fields[i]
		if NthExtern(offsets, i) {
			// 外部存储字段在记录内只有前缀+20字节引用，不受列长下界约束
			continue
		}
		if size < fld.MinLength || size > fld.MaxLength {
			logger.Debugf("record at %d: field %d length %d out of [%d..%d]",
				rec, i, size, fld.MinLength, fld.MaxLength)
			return false
		}
	}
	return true
}
