package tablespace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"xmysql-ibd-parser/innodb/common"
)

func TestXdesCacheFreeBit(t *testing.T) {
	ps := PageSize{Physical: 16384, Logical: 16384}
	cache := NewXdesCache(ps)

	descPage := make([]byte, ps.Physical)
	extentSize := common.ExtentSize(ps.Logical)

	// 标记页130(第2个区的第2页)为FREE
	target := uint32(130)
	descIndex := int(target) % ps.Physical / extentSize
	descOffset := common.XDES_ARR_OFFSET + common.XdesSize(ps.Logical)*descIndex
	pos := int(target) % extentSize
	bitIndex := pos*common.XDES_BITS_PER_PAGE + common.XDES_FREE_BIT
	descPage[descOffset+common.XDES_BITMAP+bitIndex/8] |= 1 << (bitIndex % 8)

	cache.Update(0, descPage)

	assert.True(t, cache.IsFree(130))
	assert.False(t, cache.IsFree(129))
	assert.False(t, cache.IsFree(131))

	// 缓存未覆盖的页按已分配处理
	assert.False(t, cache.IsFree(uint32(ps.Physical)+130))
}

func TestXdesDescriptorPage(t *testing.T) {
	ps := PageSize{Physical: 8192, Logical: 16384}
	cache := NewXdesCache(ps)
	assert.Equal(t, uint32(0), cache.DescriptorPage(100))
	assert.Equal(t, uint32(8192), cache.DescriptorPage(8192))
	assert.Equal(t, uint32(8192), cache.DescriptorPage(9000))
}
