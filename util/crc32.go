package util

import "hash/crc32"

// InnoDB的页面校验和使用CRC-32C(Castagnoli)多项式，
// 初值与终值异或均为0xFFFFFFFF，与标准crc32c一致。

var innodbCrcTable = crc32.MakeTable(crc32.Castagnoli)

// InnodbCrc32 计算与ut_crc32兼容的校验和
func InnodbCrc32(buf []byte) uint32 {
	return crc32.Checksum(buf, innodbCrcTable)
}
