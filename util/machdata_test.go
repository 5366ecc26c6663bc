package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMachReadWriteRoundTrip(t *testing.T) {
	buf := make([]byte, 16)

	MachWriteTo2(buf, 0, 0xBEEF)
	assert.Equal(t, uint16(0xBEEF), MachReadFrom2(buf, 0))

	MachWriteTo4(buf, 2, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), MachReadFrom4(buf, 2))

	MachWriteTo6(buf, 6, 0x010203040506)
	assert.Equal(t, uint64(0x010203040506), MachReadFrom6(buf, 6))

	MachWriteTo7(buf, 6, 0x01020304050607)
	assert.Equal(t, uint64(0x01020304050607), MachReadFrom7(buf, 6))

	MachWriteTo8(buf, 8, 0x0102030405060708)
	assert.Equal(t, uint64(0x0102030405060708), MachReadFrom8(buf, 8))
}

func TestMachBigEndianByteOrder(t *testing.T) {
	buf := make([]byte, 4)
	MachWriteTo4(buf, 0, 0x11223344)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, buf)
}

func TestReadBEIntSigned(t *testing.T) {
	// 磁盘上的有符号数符号位取反: 0值存为0x80...
	for _, n := range []int{1, 2, 3, 4, 8} {
		buf := make([]byte, n)
		for _, v := range []int64{0, 1, -1, 42, -42} {
			WriteBEIntSigned(buf, v)
			assert.Equal(t, v, ReadBEIntSigned(buf), "width %d value %d", n, v)
		}
	}

	// 4字节的0应存为0x80000000
	buf := make([]byte, 4)
	WriteBEIntSigned(buf, 0)
	assert.Equal(t, []byte{0x80, 0x00, 0x00, 0x00}, buf)

	// 边界值
	buf2 := make([]byte, 2)
	WriteBEIntSigned(buf2, -32768)
	assert.Equal(t, int64(-32768), ReadBEIntSigned(buf2))
	WriteBEIntSigned(buf2, 32767)
	assert.Equal(t, int64(32767), ReadBEIntSigned(buf2))
}

func TestReadBEUint(t *testing.T) {
	assert.Equal(t, uint64(0x0102), ReadBEUint([]byte{0x01, 0x02}))
	assert.Equal(t, uint64(0xFF), ReadBEUint([]byte{0xFF}))
}
