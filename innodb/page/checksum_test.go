package page

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

func TestStampAndVerifyCrc32(t *testing.T) {
	const pageSize = 16384
	page := make([]byte, pageSize)
	for i := range page {
		page[i] = byte(i * 13)
	}

	StampPageLsnAndCrc32(page, pageSize, 0xABCDEF)

	assert.True(t, VerifyPageCrc32(page, pageSize))
	assert.Equal(t, uint64(0xABCDEF), util.MachReadFrom8(page, common.FIL_PAGE_LSN))

	// 两个校验和槽位承载同一个值
	checksum := CalcPageCrc32(page, pageSize)
	assert.Equal(t, checksum, util.MachReadFrom4(page, common.FIL_PAGE_SPACE_OR_CHKSUM))
	assert.Equal(t, checksum,
		util.MachReadFrom4(page, pageSize-common.FIL_PAGE_END_LSN_OLD_CHKSUM))

	// 篡改页体后校验失败
	page[5000] ^= 0xFF
	assert.False(t, VerifyPageCrc32(page, pageSize))
}

func TestCalcPageCrc32Definition(t *testing.T) {
	const pageSize = 1024
	page := make([]byte, pageSize)
	for i := range page {
		page[i] = byte(i)
	}

	c1 := util.InnodbCrc32(page[4:38])
	c2 := util.InnodbCrc32(page[38 : pageSize-8])
	assert.Equal(t, c1^c2, CalcPageCrc32(page, pageSize))
}
