// Package page 提供页级读取辅助、校验和计算以及解压调度。
package page

import (
	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

// PageNo 页头中的页号
func PageNo(page []byte) uint32 {
	return util.MachReadFrom4(page, common.FIL_PAGE_OFFSET)
}

// PageType 页头中的页面类型
func PageType(page []byte) uint16 {
	return util.MachReadFrom2(page, common.FIL_PAGE_TYPE)
}

// SpaceID 页头中的表空间ID
func SpaceID(page []byte) uint32 {
	return util.MachReadFrom4(page, common.FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID)
}

// PrevPage 前驱页号
func PrevPage(page []byte) uint32 {
	return util.MachReadFrom4(page, common.FIL_PAGE_PREV)
}

// NextPage 后继页号
func NextPage(page []byte) uint32 {
	return util.MachReadFrom4(page, common.FIL_PAGE_NEXT)
}

// PageLevel INDEX页B树层级，0为叶子
func PageLevel(page []byte) uint16 {
	return util.MachReadFrom2(page, common.PAGE_HEADER+common.PAGE_LEVEL)
}

// IndexID INDEX页所属的索引ID
func IndexID(page []byte) uint64 {
	return util.MachReadFrom8(page, common.PAGE_HEADER+common.PAGE_INDEX_ID)
}

// NRecs INDEX页用户记录数
func NRecs(page []byte) uint16 {
	return util.MachReadFrom2(page, common.PAGE_HEADER+common.PAGE_N_RECS)
}

// NHeap INDEX页堆记录数(不含COMPACT标志位)
func NHeap(page []byte) uint16 {
	return util.MachReadFrom2(page, common.PAGE_HEADER+common.PAGE_N_HEAP) & 0x7FFF
}

// IsComp 页是否为COMPACT格式(PAGE_N_HEAP最高位)
func IsComp(page []byte) bool {
	return util.MachReadFrom2(page, common.PAGE_HEADER+common.PAGE_N_HEAP)&0x8000 != 0
}
