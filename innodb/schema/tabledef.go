package schema

import (
	"strconv"
	"strings"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/charset"
	"xmysql-ibd-parser/logger"
)

// FieldType 引擎内部的列类别，决定记录内偏移走法与格式化方式
type FieldType int

const (
	FtNone FieldType = iota
	FtInt
	FtUint
	FtFloat
	FtDouble
	FtChar
	FtText
	FtBlob
	FtBin
	FtDate
	FtTime
	FtDatetime
	FtTimestamp
	FtYear
	FtEnum
	FtSet
	FtBit
	FtDecimal
	FtJSON
	FtInternal
)

// FieldDef 解析记录用的单列定义
type FieldDef struct {
	Name        string
	Type        FieldType
	CanBeNull   bool
	FixedLength int // 0为变长
	MinLength   uint32
	MaxLength   uint32
	CollationID uint32

	DecimalPrecision int
	DecimalDigits    int
	TimePrecision    int

	EnumValues []string
	SetValues  []string
}

// TableDef 一张表(或其一个索引投影)的解析定义
type TableDef struct {
	Name        string
	Fields      []FieldDef
	NNullable   int
	DataMinSize int
	DataMaxSize int

	MinRecHeaderLen int
}

// maxTableFields 单表列数上限
const maxTableFields = 1023

// BuildTableDef 将列定义序列构建为TableDef。
// 列顺序由调用方决定(PRIMARY序或二级索引投影序)。
func BuildTableDef(tableName string, columns []ColumnInfo) (*TableDef, error) {
	if len(columns) > maxTableFields {
		return nil, errors.Annotatef(ErrSchemaError, "too many columns (%d)", len(columns))
	}

	table := &TableDef{Name: tableName}

	for _, col := range columns {
		fld, ok := buildFieldDef(&col)
		if !ok {
			continue
		}
		table.Fields = append(table.Fields, fld)
	}

	table.NNullable = 0
	for i := range table.Fields {
		if table.Fields[i].CanBeNull {
			table.NNullable++
		}
	}
	table.computeSizes()
	return table, nil
}

// buildFieldDef 单列的类型/长度推导，镜像引擎的pack length规则
func buildFieldDef(col *ColumnInfo) (FieldDef, bool) {
	fld := FieldDef{
		Name:        col.Name,
		CanBeNull:   col.IsNullable,
		CollationID: col.CollationID,
	}

	typ := strings.ToLower(col.TypeUtf8)

	if isInternalColumnName(col.Name) || (typ == "" && col.Hidden > 1) {
		fld.Type = FtInternal
		setFixed(&fld, internalColumnLength(col.Name, col.CharLength))
		return fld, true
	}

	if typ == "" {
		if col.CharLength == 0 {
			logger.Warnf("column '%s' has no type and no length, skipping", col.Name)
			return fld, false
		}
		fld.Type = FtInternal
		setFixed(&fld, col.CharLength)
		return fld, true
	}

	switch {
	case strings.Contains(typ, "tinyint") || typ == "bool" || typ == "boolean":
		fld.Type = intType(col.IsUnsigned)
		setFixed(&fld, 1)

	case strings.Contains(typ, "smallint"):
		fld.Type = intType(col.IsUnsigned)
		setFixed(&fld, 2)

	case strings.Contains(typ, "mediumint"):
		fld.Type = intType(col.IsUnsigned)
		setFixed(&fld, 3)

	case strings.Contains(typ, "bigint"):
		fld.Type = intType(col.IsUnsigned)
		setFixed(&fld, 8)

	case strings.Contains(typ, "int"):
		fld.Type = intType(col.IsUnsigned)
		setFixed(&fld, 4)

	case strings.Contains(typ, "float"):
		fld.Type = FtFloat
		setFixed(&fld, 4)

	case strings.Contains(typ, "double") || strings.Contains(typ, "real"):
		fld.Type = FtDouble
		setFixed(&fld, 8)

	case strings.Contains(typ, "decimal") || strings.Contains(typ, "numeric"):
		fld.Type = FtDecimal
		precision := int(col.NumericPrecision)
		scale := int(col.NumericScale)
		if precision == 0 && scale == 0 {
			precision, scale = parseTwoParenNumbers(typ)
		}
		fld.DecimalPrecision = precision
		fld.DecimalDigits = scale
		size := DecimalStorageBytes(precision, scale)
		if size == 0 && col.CharLength > 0 {
			size = col.CharLength
		}
		setFixed(&fld, size)

	case strings.Contains(typ, "datetime"):
		fld.Type = FtDatetime
		fld.TimePrecision = int(col.DatetimePrecision)
		setFixed(&fld, temporalStorageBytes("datetime", fld.TimePrecision))

	case strings.Contains(typ, "timestamp"):
		fld.Type = FtTimestamp
		fld.TimePrecision = int(col.DatetimePrecision)
		setFixed(&fld, temporalStorageBytes("timestamp", fld.TimePrecision))

	case strings.Contains(typ, "time"):
		fld.Type = FtTime
		fld.TimePrecision = int(col.DatetimePrecision)
		setFixed(&fld, temporalStorageBytes("time", fld.TimePrecision))

	case strings.Contains(typ, "date"):
		fld.Type = FtDate
		setFixed(&fld, 3)

	case strings.Contains(typ, "year"):
		fld.Type = FtYear
		setFixed(&fld, 1)

	case strings.Contains(typ, "bit"):
		fld.Type = FtBit
		bits := col.CharLength
		if parsed, ok := parseFirstParenNumber(typ); ok {
			bits = parsed
		}
		setFixed(&fld, (bits+7)/8)

	case strings.Contains(typ, "varbinary"):
		fld.Type = FtBin
		maxLen := col.CharLength
		if parsed, ok := parseFirstParenNumber(typ); ok && maxLen == 0 {
			maxLen = parsed
		}
		setVar(&fld, maxLen)

	case strings.Contains(typ, "binary"):
		fld.Type = FtBin
		length := col.CharLength
		if parsed, ok := parseFirstParenNumber(typ); ok && length == 0 {
			length = parsed
		}
		setFixed(&fld, length)

	case strings.Contains(typ, "varchar"):
		fld.Type = FtChar
		maxLen := col.CharLength
		if parsed, ok := parseFirstParenNumber(typ); ok && maxLen == 0 {
			maxLen = parsed
		}
		setVar(&fld, maxLen)

	case strings.Contains(typ, "char"):
		fld.Type = FtChar
		length := col.CharLength
		if parsed, ok := parseFirstParenNumber(typ); ok && length == 0 {
			length = parsed
		}
		// 多字节字符集的CHAR(N)按变长存储
		if charset.IsVariableLength(col.CollationID) {
			setVar(&fld, length)
		} else {
			setFixed(&fld, length)
		}

	case strings.Contains(typ, "tinytext"):
		fld.Type = FtText
		setVar(&fld, clampVarMax(255, col.CharLength))

	case strings.Contains(typ, "mediumtext"):
		fld.Type = FtText
		setVar(&fld, clampVarMax(16777215, col.CharLength))

	case strings.Contains(typ, "longtext"):
		fld.Type = FtText
		setVar(&fld, clampVarMax(0xFFFFFFFF, col.CharLength))

	case strings.Contains(typ, "text"):
		fld.Type = FtText
		setVar(&fld, clampVarMax(65535, col.CharLength))

	case strings.Contains(typ, "tinyblob"):
		fld.Type = FtBlob
		setVar(&fld, clampVarMax(255, col.CharLength))

	case strings.Contains(typ, "mediumblob"):
		fld.Type = FtBlob
		setVar(&fld, clampVarMax(16777215, col.CharLength))

	case strings.Contains(typ, "longblob"):
		fld.Type = FtBlob
		setVar(&fld, clampVarMax(0xFFFFFFFF, col.CharLength))

	case strings.Contains(typ, "blob"):
		fld.Type = FtBlob
		setVar(&fld, clampVarMax(65535, col.CharLength))

	case strings.Contains(typ, "enum"):
		fld.Type = FtEnum
		size := uint32(1)
		if len(col.Elements) > 255 {
			size = 2
		}
		setFixed(&fld, size)
		fld.EnumValues = col.Elements

	case strings.Contains(typ, "set"):
		fld.Type = FtSet
		size := uint32(len(col.Elements)+7) / 8
		if size == 0 {
			size = 1
		}
		setFixed(&fld, size)
		fld.SetValues = col.Elements

	case strings.Contains(typ, "json"):
		fld.Type = FtJSON
		setVar(&fld, clampVarMax(0xFFFFFFFF, col.CharLength))

	case strings.Contains(typ, "geometry") ||
		strings.Contains(typ, "point") ||
		strings.Contains(typ, "polygon") ||
		strings.Contains(typ, "linestring"):
		fld.Type = FtBlob
		setVar(&fld, clampVarMax(0xFFFFFFFF, col.CharLength))

	default:
		fld.Type = FtText
		maxLen := col.CharLength
		if maxLen == 0 {
			maxLen = 255
		}
		setVar(&fld, maxLen)
	}

	return fld, true
}

func intType(unsigned bool) FieldType {
	if unsigned {
		return FtUint
	}
	return FtInt
}

func setFixed(fld *FieldDef, length uint32) {
	fld.FixedLength = int(length)
	fld.MinLength = length
	fld.MaxLength = length
}

func setVar(fld *FieldDef, maxLen uint32) {
	fld.FixedLength = 0
	fld.MinLength = 0
	fld.MaxLength = maxLen
}

func clampVarMax(defaultLen uint32, colLen uint32) uint32 {
	if colLen > 0 && colLen < defaultLen {
		return colLen
	}
	return defaultLen
}

func isInternalColumnName(name string) bool {
	return name == "DB_TRX_ID" || name == "DB_ROLL_PTR" || name == "DB_ROW_ID"
}

func internalColumnLength(name string, fallback uint32) uint32 {
	switch name {
	case "DB_TRX_ID":
		return 6
	case "DB_ROLL_PTR":
		return 7
	case "DB_ROW_ID":
		return 6
	}
	return fallback
}

// DecimalStorageBytes DECIMAL(p,s)的磁盘字节数(decimal_bin_size)
func DecimalStorageBytes(precision, scale int) uint32 {
	dig2bytes := [10]uint32{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}
	if precision <= 0 {
		return 0
	}
	if scale < 0 {
		scale = 0
	}
	intg := precision - scale
	if intg < 0 {
		intg = 0
	}
	intg0, intg0x := intg/9, intg%9
	frac0, frac0x := scale/9, scale%9
	return uint32(intg0*4) + dig2bytes[intg0x] + uint32(frac0*4) + dig2bytes[frac0x]
}

// temporalStorageBytes 新格式时间类型的磁盘字节数
func temporalStorageBytes(typ string, precision int) uint32 {
	if precision < 0 {
		precision = 0
	}
	if precision > 6 {
		precision = 6
	}
	frac := uint32((precision + 1) / 2)
	switch typ {
	case "datetime":
		return 5 + frac
	case "timestamp":
		return 4 + frac
	case "time":
		return 3 + frac
	}
	return 0
}

// computeSizes 按列定义推导记录体长的上下界与最小头长
func (t *TableDef) computeSizes() {
	minSize, maxSize := 0, 0
	for i := range t.Fields {
		fld := &t.Fields[i]
		if !fld.CanBeNull {
			minSize += int(fld.MinLength)
		}
		maxSize += int(fld.MaxLength)
		if fld.FixedLength == 0 {
			// 变长列的长度前缀不计入体长，但extern引用计入
			if fld.MaxLength > 0x3FFF {
				maxSize = 0x7FFFFFFF // 不受限
			}
		}
	}
	t.DataMinSize = minSize
	if maxSize < 0 || maxSize > 0x7FFFFF00 {
		maxSize = 0x7FFFFF00
	}
	t.DataMaxSize = maxSize

	// 最小记录头中NULL位图的字节数(5字节extra由CheckRecord另加)
	t.MinRecHeaderLen = (t.NNullable + 7) / 8
}

func parseFirstParenNumber(s string) (uint32, bool) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return 0, false
	}
	end := strings.IndexByte(s[open:], ')')
	if end < 0 {
		return 0, false
	}
	val, err := strconv.ParseUint(strings.TrimSpace(s[open+1:open+end]), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(val), true
}

func parseTwoParenNumbers(s string) (int, int) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return 0, 0
	}
	end := strings.IndexByte(s[open:], ')')
	if end < 0 {
		return 0, 0
	}
	parts := strings.Split(s[open+1:open+end], ",")
	if len(parts) == 0 {
		return 0, 0
	}
	a, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	b := 0
	if len(parts) > 1 {
		b, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return a, b
}
