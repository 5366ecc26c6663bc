package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInnodbCrc32KnownVector(t *testing.T) {
	// CRC-32C("123456789") 的标准校验值
	assert.Equal(t, uint32(0xE3069283), InnodbCrc32([]byte("123456789")))
}

func TestInnodbCrc32Empty(t *testing.T) {
	assert.Equal(t, uint32(0), InnodbCrc32(nil))
}
