package page

import (
	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

// CalcPageCrc32 计算页面CRC32校验和:
// crc32(bytes[4..38]) XOR crc32(bytes[38..size-8])
func CalcPageCrc32(page []byte, pageSize int) uint32 {
	c1 := util.InnodbCrc32(page[common.FIL_PAGE_OFFSET:common.FIL_PAGE_DATA])
	c2 := util.InnodbCrc32(page[common.FIL_PAGE_DATA : pageSize-common.FIL_PAGE_END_LSN_OLD_CHKSUM])
	return c1 ^ c2
}

// StampPageLsnAndCrc32 写入LSN并将校验和写入页头与页尾两个槽位
func StampPageLsnAndCrc32(page []byte, pageSize int, lsn uint64) {
	util.MachWriteTo8(page, common.FIL_PAGE_LSN, lsn)
	util.MachWriteTo8(page, pageSize-common.FIL_PAGE_END_LSN_OLD_CHKSUM, lsn)

	checksum := CalcPageCrc32(page, pageSize)
	util.MachWriteTo4(page, common.FIL_PAGE_SPACE_OR_CHKSUM, checksum)
	util.MachWriteTo4(page, pageSize-common.FIL_PAGE_END_LSN_OLD_CHKSUM, checksum)
}

// VerifyPageCrc32 校验页头与页尾槽位是否匹配重新计算的校验和
func VerifyPageCrc32(page []byte, pageSize int) bool {
	checksum := CalcPageCrc32(page, pageSize)
	stored := util.MachReadFrom4(page, common.FIL_PAGE_SPACE_OR_CHKSUM)
	trailer := util.MachReadFrom4(page, pageSize-common.FIL_PAGE_END_LSN_OLD_CHKSUM)
	return stored == checksum && trailer == checksum
}
