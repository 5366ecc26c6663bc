package tablespace

import (
	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

// XdesCache 缓存最近一张区描述符页。
// 每张描述符页覆盖 physical_size 个页面；解析时据FREE位跳过未分配页。
type XdesCache struct {
	pageNo uint32
	buf    []byte
	valid  bool
	ps     PageSize
}

// NewXdesCache 创建描述符缓存
func NewXdesCache(ps PageSize) *XdesCache {
	return &XdesCache{
		pageNo: common.FIL_NULL,
		buf:    make([]byte, ps.Physical),
		ps:     ps,
	}
}

// DescriptorPage 返回覆盖pageNo的描述符页页号(页0或XDES页)
func (x *XdesCache) DescriptorPage(pageNo uint32) uint32 {
	return pageNo - pageNo%uint32(x.ps.Physical)
}

// Update 用一张FSP_HDR/XDES页的内容更新缓存
func (x *XdesCache) Update(pageNo uint32, page []byte) {
	if len(page) != len(x.buf) {
		x.buf = make([]byte, len(page))
	}
	copy(x.buf, page)
	x.pageNo = pageNo
	x.valid = true
}

// Load 确保覆盖pageNo的描述符页在缓存中，必要时从文件读取
func (x *XdesCache) Load(space *SpaceFile, pageNo uint32) {
	descPage := x.DescriptorPage(pageNo)
	if x.valid && x.pageNo == descPage {
		return
	}
	if descPage >= space.NumPages() {
		return
	}
	scratch := make([]byte, x.ps.Physical)
	if err := space.ReadPage(descPage, scratch); err != nil {
		return
	}
	x.Update(descPage, scratch)
}

// IsFree 判定pageNo所在区的描述符中该页的FREE位。
// 缓存未覆盖该页时按"已分配"处理，宁可多读不可漏读。
func (x *XdesCache) IsFree(pageNo uint32) bool {
	if !x.valid || x.pageNo != x.DescriptorPage(pageNo) {
		return false
	}

	extentSize := uint32(common.ExtentSize(x.ps.Logical))
	descIndex := (pageNo % uint32(x.ps.Physical)) / extentSize
	descOffset := common.XDES_ARR_OFFSET + common.XdesSize(x.ps.Logical)*int(descIndex)

	if descOffset+common.XdesSize(x.ps.Logical) > len(x.buf) {
		return false
	}

	pos := pageNo % extentSize
	bitIndex := pos*common.XDES_BITS_PER_PAGE + common.XDES_FREE_BIT
	b := util.MachReadFrom1(x.buf, descOffset+common.XDES_BITMAP+int(bitIndex/8))
	return b&(1<<(bitIndex%8)) != 0
}
