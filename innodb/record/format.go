package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"xmysql-ibd-parser/innodb/charset"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/util"
)

// FieldOutput 单字段的格式化结果
type FieldOutput struct {
	IsNull    bool
	IsNumeric bool
	Value     string
}

// FormatOptions 字段格式化选项
type FormatOptions struct {
	Hex        bool // 全部按十六进制输出
	HexMaxLen  int  // 二进制字段十六进制截断长度，0用默认
	TextMaxLen int  // 文本字段截断长度，0不截断
}

const defaultHexMaxLen = 64

// FormatHex 十六进制渲染，超长截断并加省略号
func FormatHex(raw []byte, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultHexMaxLen
	}
	toPrint := len(raw)
	if toPrint > maxLen {
		toPrint = maxLen
	}
	var sb strings.Builder
	sb.Grow(toPrint*2 + 4)
	for i := 0; i < toPrint; i++ {
		fmt.Fprintf(&sb, "%02X", raw[i])
	}
	if len(raw) > maxLen {
		sb.WriteString("...")
	}
	return sb.String()
}

// FormatText 文本渲染，控制字节转义为\xNN
func FormatText(raw []byte, maxLen int) string {
	toPrint := len(raw)
	truncated := false
	if maxLen > 0 && toPrint > maxLen {
		toPrint = maxLen
		truncated = true
	}
	var sb strings.Builder
	sb.Grow(toPrint + 16)
	for i := 0; i < toPrint; i++ {
		c := raw[i]
		if c >= 0x20 && c != 0x7F {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "\\x%02X", c)
		}
	}
	if truncated {
		sb.WriteString("...(truncated)")
	}
	return sb.String()
}

// FormatExtern 外部存储字段未解析时的哨兵输出
func FormatExtern(raw []byte) string {
	var sb strings.Builder
	sb.WriteString("<extern:")
	sb.WriteString(strconv.Itoa(len(raw)))
	sb.WriteByte(':')
	sb.WriteString(FormatHex(raw, 32))
	sb.WriteByte('>')
	return sb.String()
}

// FormatDecimal 解码引擎DECIMAL二进制形式。
// 按9位十进制一组(4字节)分组存储；首字节符号位翻转，负数全字节取反。
func FormatDecimal(raw []byte, precision, scale int) (string, bool) {
	expected := int(schema.DecimalStorageBytes(precision, scale))
	if expected == 0 || len(raw) < expected {
		return "", false
	}

	buf := make([]byte, expected)
	copy(buf, raw[:expected])

	neg := buf[0]&0x80 == 0
	buf[0] ^= 0x80
	if neg {
		for i := range buf {
			buf[i] = ^buf[i]
		}
	}

	dig2bytes := [10]int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}
	intg := precision - scale
	if intg < 0 {
		intg = 0
	}
	intg0, intg0x := intg/9, intg%9
	frac0, frac0x := scale/9, scale%9

	var digits strings.Builder
	pos := 0

	readGroup := func(nBytes, nDigits int) {
		v := util.ReadBEUint(buf[pos : pos+nBytes])
		pos += nBytes
		fmt.Fprintf(&digits, "%0*d", nDigits, v)
	}

	if intg0x > 0 {
		readGroup(dig2bytes[intg0x], intg0x)
	}
	for i := 0; i < intg0; i++ {
		readGroup(4, 9)
	}
	intStr := digits.String()
	if intStr == "" {
		intStr = "0"
	}

	digits.Reset()
	for i := 0; i < frac0; i++ {
		readGroup(4, 9)
	}
	if frac0x > 0 {
		readGroup(dig2bytes[frac0x], frac0x)
	}
	fracStr := digits.String()

	s := intStr
	if fracStr != "" {
		s = s + "." + fracStr
	}
	if neg {
		s = "-" + s
	}

	dec, err := decimal.NewFromString(s)
	if err != nil {
		return "", false
	}
	if scale > 0 {
		return dec.StringFixed(int32(scale)), true
	}
	return dec.String(), true
}

// FormatEnum 1~2字节的1基索引
func FormatEnum(raw []byte, values []string) string {
	idx := int(util.ReadBEUint(raw))
	if idx <= 0 || idx > len(values) {
		return ""
	}
	return values[idx-1]
}

// FormatSet 1~8字节位掩码，逗号连接命中的元素
func FormatSet(raw []byte, values []string) string {
	mask := util.ReadBEUint(raw)
	var parts []string
	for i, v := range values {
		if i >= 64 {
			break
		}
		if mask&(1<<uint(i)) != 0 {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ",")
}

// FormatFieldValue 按列类型格式化字段字节。
// isExtern时raw为记录内的前缀+引用，输出哨兵。
func FormatFieldValue(fld *schema.FieldDef, raw []byte, isExtern bool, opts FormatOptions) FieldOutput {
	var out FieldOutput

	if raw == nil {
		out.IsNull = true
		return out
	}
	if isExtern {
		out.Value = FormatExtern(raw)
		return out
	}
	if opts.Hex {
		out.Value = FormatHex(raw, opts.HexMaxLen)
		return out
	}

	switch fld.Type {
	case schema.FtInt:
		out.IsNumeric = true
		out.Value = strconv.FormatInt(util.ReadBEIntSigned(raw), 10)

	case schema.FtUint:
		out.IsNumeric = true
		out.Value = strconv.FormatUint(util.ReadBEUint(raw), 10)

	case schema.FtFloat:
		if len(raw) == 4 {
			bits := uint32(util.ReadBEUint(raw))
			out.IsNumeric = true
			out.Value = strconv.FormatFloat(float64(math.Float32frombits(bits)), 'f', 6, 32)
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtDouble:
		if len(raw) == 8 {
			bits := util.ReadBEUint(raw)
			out.IsNumeric = true
			out.Value = strconv.FormatFloat(math.Float64frombits(bits), 'f', 6, 64)
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtDecimal:
		if s, ok := FormatDecimal(raw, fld.DecimalPrecision, fld.DecimalDigits); ok {
			out.IsNumeric = true
			out.Value = s
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtChar, schema.FtText:
		cs := charset.ResolveCollation(fld.CollationID)
		out.Value = FormatText([]byte(charset.ToUTF8(raw, cs)), opts.TextMaxLen)

	case schema.FtDate:
		if s, ok := FormatDate(raw); ok {
			out.Value = s
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtTime:
		if s, ok := FormatTime(raw, fld.TimePrecision); ok {
			out.Value = s
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtDatetime:
		if s, ok := FormatDatetime(raw, fld.TimePrecision); ok {
			out.Value = s
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtTimestamp:
		if s, ok := FormatTimestamp(raw, fld.TimePrecision); ok {
			out.Value = s
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtYear:
		if s, ok := FormatYear(raw); ok {
			out.Value = s
		} else {
			out.Value = FormatHex(raw, opts.HexMaxLen)
		}

	case schema.FtEnum:
		out.Value = FormatEnum(raw, fld.EnumValues)

	case schema.FtSet:
		out.Value = FormatSet(raw, fld.SetValues)

	case schema.FtBit:
		out.IsNumeric = true
		out.Value = strconv.FormatUint(util.ReadBEUint(raw), 10)

	default:
		out.Value = FormatHex(raw, opts.HexMaxLen)
	}

	return out
}

// NthField 取第i字段的字节切片，NULL返回nil
func NthField(page []byte, rec int, offsets []uint32, i int) []byte {
	size := NthSize(offsets, i)
	if size == UnivSQLNull {
		return nil
	}
	start := int(NthFieldStart(offsets, i))
	return page[rec+start : rec+start+int(size)]
}
