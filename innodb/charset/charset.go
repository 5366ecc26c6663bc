// Package charset 提供collation id到字符集的映射与到UTF-8的转码。
package charset

import (
	"unicode/utf8"

	"github.com/piex/transcode"
)

// Charset 字符集类别
type Charset int

const (
	Binary Charset = iota
	Latin1
	Utf8
	Utf8mb4
	Gbk
)

// Name 字符集名称
func (c Charset) Name() string {
	switch c {
	case Latin1:
		return "latin1"
	case Utf8:
		return "utf8"
	case Utf8mb4:
		return "utf8mb4"
	case Gbk:
		return "gbk"
	default:
		return "binary"
	}
}

// MbMaxLen 单字符最大字节数
func (c Charset) MbMaxLen() int {
	switch c {
	case Latin1, Binary:
		return 1
	case Gbk:
		return 2
	case Utf8:
		return 3
	case Utf8mb4:
		return 4
	default:
		return 1
	}
}

// MbMinLen 单字符最小字节数
func (c Charset) MbMinLen() int {
	return 1
}

// ResolveCollation collation id换算字符集。
// 只覆盖常见collation；未知id按binary处理。
func ResolveCollation(collationID uint32) Charset {
	switch collationID {
	case 0, 63:
		return Binary
	case 5, 8, 15, 31, 47, 48, 49, 94:
		return Latin1
	case 24, 28, 87:
		return Gbk
	case 33, 76, 83, 192, 193, 223:
		return Utf8
	}
	// utf8mb4系collation集中在45/46与224..247、255..确定区段
	if collationID == 45 || collationID == 46 ||
		(collationID >= 224 && collationID <= 247) ||
		(collationID >= 255 && collationID <= 323) {
		return Utf8mb4
	}
	return Binary
}

// IsVariableLength 多字节字符集下CHAR(N)列按变长存储
func IsVariableLength(collationID uint32) bool {
	cs := ResolveCollation(collationID)
	return cs != Binary && cs.MbMaxLen() > 1
}

// ToUTF8 按字符集将列字节转为UTF-8文本
func ToUTF8(raw []byte, cs Charset) string {
	switch cs {
	case Gbk:
		return transcode.FromByteArray(raw).Decode("GBK").ToString()
	case Latin1:
		return latin1ToUTF8(raw)
	case Utf8, Utf8mb4:
		if utf8.Valid(raw) {
			return string(raw)
		}
		return latin1ToUTF8(raw)
	default:
		return string(raw)
	}
}

// latin1ToUTF8 latin1每字节对应一个码点，直接展开
func latin1ToUTF8(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}
