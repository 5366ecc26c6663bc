package cfg

import (
	"strconv"
	"strings"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/charset"
	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/logger"
)

// ErrCfgBuild 元数据不足以生成cfg
var ErrCfgBuild = errors.New("cannot build cfg metadata")

// columnTypeInfo 列的InnoDB内部类型推导结果
type columnTypeInfo struct {
	mtype       uint32
	prtype      uint32
	len         uint32
	mbminmaxlen uint32
}

// ddGetOldFieldType dd列类型映射到协议层字段类型
func ddGetOldFieldType(ddType int) int {
	switch ddType {
	case DdTypeDecimal:
		return MysqlTypeDecimal
	case DdTypeTiny:
		return MysqlTypeTiny
	case DdTypeShort:
		return MysqlTypeShort
	case DdTypeLong:
		return MysqlTypeLong
	case DdTypeFloat:
		return MysqlTypeFloat
	case DdTypeDouble:
		return MysqlTypeDouble
	case DdTypeNull:
		return MysqlTypeNull
	case DdTypeTimestamp:
		return MysqlTypeTimestamp
	case DdTypeLonglong:
		return MysqlTypeLonglong
	case DdTypeInt24:
		return MysqlTypeInt24
	case DdTypeDate:
		return MysqlTypeDate
	case DdTypeTime:
		return MysqlTypeTime
	case DdTypeDatetime:
		return MysqlTypeDatetime
	case DdTypeYear:
		return MysqlTypeYear
	case DdTypeNewdate:
		return MysqlTypeNewdate
	case DdTypeVarchar:
		return MysqlTypeVarchar
	case DdTypeBit:
		return MysqlTypeBit
	case DdTypeTimestamp2:
		return MysqlTypeTimestamp2
	case DdTypeDatetime2:
		return MysqlTypeDatetime2
	case DdTypeTime2:
		return MysqlTypeTime2
	case DdTypeNewdecimal:
		return MysqlTypeNewdecimal
	case DdTypeEnum:
		return MysqlTypeEnum
	case DdTypeSet:
		return MysqlTypeSet
	case DdTypeTinyBlob:
		return MysqlTypeTinyBlob
	case DdTypeMediumBlob:
		return MysqlTypeMediumBlob
	case DdTypeLongBlob:
		return MysqlTypeLongBlob
	case DdTypeBlob:
		return MysqlTypeBlob
	case DdTypeVarString:
		return MysqlTypeVarString
	case DdTypeString:
		return MysqlTypeString
	case DdTypeGeometry:
		return MysqlTypeGeometry
	case DdTypeJSON:
		return MysqlTypeJSON
	}
	return MysqlTypeLong
}

const portableSizeOfCharPtr = 8

func timeBinaryLength(dec uint32) uint32      { return 3 + (dec+1)/2 }
func datetimeBinaryLength(dec uint32) uint32  { return 5 + (dec+1)/2 }
func timestampBinaryLength(dec uint32) uint32 { return 4 + (dec+1)/2 }

func enumPackLength(elements uint32) uint32 {
	if elements < 256 {
		return 1
	}
	return 2
}

func setPackLength(elements uint32) uint32 {
	l := (elements + 7) / 8
	if l > 4 {
		return 8
	}
	return l
}

const (
	maxTimeWidth     = 10
	maxDatetimeWidth = 19
)

// calcPackLength 协议层类型的打包长度
func calcPackLength(mysqlType int, length uint32) uint32 {
	switch mysqlType {
	case MysqlTypeVarString, MysqlTypeString, MysqlTypeDecimal:
		return length
	case MysqlTypeVarchar:
		if length < 256 {
			return length + 1
		}
		return length + 2
	case MysqlTypeYear, MysqlTypeTiny:
		return 1
	case MysqlTypeShort:
		return 2
	case MysqlTypeInt24, MysqlTypeNewdate, MysqlTypeTime:
		return 3
	case MysqlTypeTime2:
		if length > maxTimeWidth {
			return timeBinaryLength(length - maxTimeWidth - 1)
		}
		return 3
	case MysqlTypeTimestamp, MysqlTypeDate, MysqlTypeLong:
		return 4
	case MysqlTypeTimestamp2:
		if length > maxDatetimeWidth {
			return timestampBinaryLength(length - maxDatetimeWidth - 1)
		}
		return 4
	case MysqlTypeFloat:
		return 4
	case MysqlTypeDouble:
		return 8
	case MysqlTypeDatetime:
		return 8
	case MysqlTypeDatetime2:
		if length > maxDatetimeWidth {
			return datetimeBinaryLength(length - maxDatetimeWidth - 1)
		}
		return 5
	case MysqlTypeLonglong:
		return 8
	case MysqlTypeNull:
		return 0
	case MysqlTypeTinyBlob:
		return 1 + portableSizeOfCharPtr
	case MysqlTypeBlob:
		return 2 + portableSizeOfCharPtr
	case MysqlTypeMediumBlob:
		return 3 + portableSizeOfCharPtr
	case MysqlTypeLongBlob, MysqlTypeGeometry, MysqlTypeJSON:
		return 4 + portableSizeOfCharPtr
	case MysqlTypeBit:
		return length / 8
	}
	return 0
}

func decimalLengthToPrecision(length, scale uint32, unsigned bool) uint32 {
	sub := uint32(0)
	if scale > 0 {
		sub++
	}
	if !unsigned && length != 0 {
		sub++
	}
	if length < sub {
		return 0
	}
	return length - sub
}

func decimalBinarySize(precision, scale uint32) uint32 {
	return schema.DecimalStorageBytes(int(precision), int(scale))
}

// calcKeyLength 索引键长(calc_prefix_len用)
func calcKeyLength(mysqlType int, length, decimals uint32, unsigned bool, elements uint32) uint32 {
	switch mysqlType {
	case MysqlTypeTinyBlob, MysqlTypeMediumBlob, MysqlTypeLongBlob,
		MysqlTypeBlob, MysqlTypeGeometry, MysqlTypeJSON:
		return 0
	case MysqlTypeVarchar:
		return length
	case MysqlTypeEnum:
		return enumPackLength(elements)
	case MysqlTypeSet:
		return setPackLength(elements)
	case MysqlTypeBit:
		if length&7 != 0 {
			return length/8 + 1
		}
		return length / 8
	case MysqlTypeNewdecimal:
		precision := decimalLengthToPrecision(length, decimals, unsigned)
		if precision > DecimalMaxPrecision {
			precision = DecimalMaxPrecision
		}
		return decimalBinarySize(precision, decimals)
	}
	return calcPackLength(mysqlType, length)
}

// calcPackLengthDd dd列的打包长度
func calcPackLengthDd(ddType int, charLength, elementsCount, numericScale uint32, unsigned bool) uint32 {
	switch ddType {
	case DdTypeEnum:
		return enumPackLength(elementsCount)
	case DdTypeSet:
		return setPackLength(elementsCount)
	case DdTypeBit:
		// treat_bit_as_char
		return ((charLength + 7) &^ 7) / 8
	case DdTypeNewdecimal:
		precision := decimalLengthToPrecision(charLength, numericScale, unsigned)
		if precision > DecimalMaxPrecision {
			precision = DecimalMaxPrecision
		}
		return decimalBinarySize(precision, numericScale)
	}
	return calcPackLength(ddGetOldFieldType(ddType), charLength)
}

const binaryCollation = 63

func isBinaryCollation(id uint32) bool {
	return id == 0 || id == binaryCollation
}

func isLatin1Collation(id uint32) bool {
	return charset.ResolveCollation(id) == charset.Latin1
}

// getInnobaseType dd类型到InnoDB mtype，顺带推导prtype修饰位
func getInnobaseType(ddType int, collationID uint32, unsigned bool) (mtype uint32, unsignedFlag, binaryType, charsetNo uint32) {
	binaryType = DataBinaryType
	binary := isBinaryCollation(collationID)

	switch ddType {
	case DdTypeEnum, DdTypeSet:
		unsignedFlag = DataUnsigned
		if !binary {
			binaryType = 0
		}
		return DataInt, unsignedFlag, binaryType, charsetNo

	case DdTypeVarString, DdTypeVarchar:
		charsetNo = collationID
		if binary {
			return DataBinary, unsignedFlag, binaryType, charsetNo
		}
		binaryType = 0
		if isLatin1Collation(collationID) {
			return DataVarchar, unsignedFlag, binaryType, charsetNo
		}
		return DataVarmysql, unsignedFlag, binaryType, charsetNo

	case DdTypeBit:
		unsignedFlag = DataUnsigned
		charsetNo = binaryCollation
		return DataFixbinary, unsignedFlag, binaryType, charsetNo

	case DdTypeString:
		charsetNo = collationID
		if binary {
			return DataFixbinary, unsignedFlag, binaryType, charsetNo
		}
		binaryType = 0
		if isLatin1Collation(collationID) {
			return DataChar, unsignedFlag, binaryType, charsetNo
		}
		return DataMysql, unsignedFlag, binaryType, charsetNo

	case DdTypeDecimal, DdTypeFloat, DdTypeDouble, DdTypeNewdecimal,
		DdTypeLong, DdTypeLonglong, DdTypeTiny, DdTypeShort, DdTypeInt24:
		if unsigned {
			unsignedFlag = DataUnsigned
		}
		if ddType == DdTypeNewdecimal {
			charsetNo = binaryCollation
			return DataFixbinary, unsignedFlag, binaryType, charsetNo
		}
		switch ddType {
		case DdTypeFloat:
			return DataFloat, unsignedFlag, binaryType, charsetNo
		case DdTypeDouble:
			return DataDouble, unsignedFlag, binaryType, charsetNo
		case DdTypeDecimal:
			return DataDecimal, unsignedFlag, binaryType, charsetNo
		}
		return DataInt, unsignedFlag, binaryType, charsetNo

	case DdTypeDate, DdTypeNewdate, DdTypeTime, DdTypeDatetime:
		return DataInt, unsignedFlag, binaryType, charsetNo

	case DdTypeYear, DdTypeTimestamp:
		unsignedFlag = DataUnsigned
		return DataInt, unsignedFlag, binaryType, charsetNo

	case DdTypeTime2, DdTypeDatetime2, DdTypeTimestamp2:
		charsetNo = binaryCollation
		return DataFixbinary, unsignedFlag, binaryType, charsetNo

	case DdTypeGeometry:
		return DataGeometry, unsignedFlag, binaryType, charsetNo

	case DdTypeTinyBlob, DdTypeMediumBlob, DdTypeBlob, DdTypeLongBlob:
		charsetNo = collationID
		if !binary {
			binaryType = 0
		}
		return DataBlob, unsignedFlag, binaryType, charsetNo

	case DdTypeJSON:
		charsetNo = 46 // utf8mb4_bin
		return DataBlob, unsignedFlag, binaryType, charsetNo
	}

	return 0, unsignedFlag, binaryType, charsetNo
}

func dtypeIsString(mtype uint32) bool {
	switch mtype {
	case DataVarchar, DataChar, DataBinary, DataFixbinary,
		DataBlob, DataVarmysql, DataMysql:
		return true
	}
	return false
}

// buildColumnTypeInfo 列的mtype/prtype/len/mbminmaxlen推导
func buildColumnTypeInfo(col *schema.ColumnInfo) columnTypeInfo {
	mtype, unsignedFlag, binaryType, charsetNo :=
		getInnobaseType(int(col.Type), col.CollationID, col.IsUnsigned)

	colLen := calcPackLengthDd(int(col.Type), col.CharLength,
		uint32(len(col.Elements)), col.NumericScale, col.IsUnsigned)

	var longTrueVarchar uint32
	if int(col.Type) == DdTypeVarchar {
		lengthBytes := uint32(1)
		if col.CharLength > 255 {
			lengthBytes = 2
		}
		if colLen >= lengthBytes {
			colLen -= lengthBytes
		}
		if lengthBytes == 2 {
			longTrueVarchar = DataLongTrueVarchar
		}
	}

	var nullsAllowed uint32
	if !col.IsNullable {
		nullsAllowed = DataNotNull
	}

	prtype := uint32(ddGetOldFieldType(int(col.Type))) |
		unsignedFlag | binaryType | nullsAllowed | longTrueVarchar
	prtype |= charsetNo << 16

	var mbminmaxlen uint32
	if dtypeIsString(mtype) {
		cs := charset.ResolveCollation(col.CollationID)
		mbminmaxlen = uint32(cs.MbMinLen()*DataMbMax + cs.MbMaxLen())
	}

	return columnTypeInfo{
		mtype:       mtype,
		prtype:      prtype,
		len:         colLen,
		mbminmaxlen: mbminmaxlen,
	}
}

// calcPrefixLen 前缀索引长度(整列索引返回0)
func calcPrefixLen(col *schema.ColumnInfo, elem *schema.IndexElementInfo) uint32 {
	if elem.Length == Uint32Undefined {
		return 0
	}
	mysqlType := ddGetOldFieldType(int(col.Type))
	fullLen := calcKeyLength(mysqlType, col.CharLength, col.NumericScale,
		col.IsUnsigned, uint32(len(col.Elements)))
	if fullLen != 0 && elem.Length >= fullLen {
		return 0
	}
	return elem.Length
}

// dtypeGetFixedSize 定长列的磁盘定长，变长返回0
func dtypeGetFixedSize(info columnTypeInfo) uint32 {
	switch info.mtype {
	case DataSys, DataChar, DataFixbinary, DataInt, DataFloat, DataDouble:
		return info.len
	case DataMysql:
		// 多字节定长CHAR在COMPACT下按变长存储
		mbmin := info.mbminmaxlen / DataMbMax
		mbmax := info.mbminmaxlen % DataMbMax
		if mbmin == mbmax {
			return info.len
		}
		return 0
	}
	return 0
}

// calcFixedLen 索引字段的定长
func calcFixedLen(info columnTypeInfo, prefixLen uint32, isSpatial, isFirstField bool) uint32 {
	fixedLen := dtypeGetFixedSize(info)

	if isSpatial && isFirstField && info.mtype == DataGeometry {
		fixedLen = DataMbrLen
	}

	if prefixLen != 0 && fixedLen > prefixLen {
		fixedLen = prefixLen
	}
	if fixedLen > DictMaxFixedColLen {
		fixedLen = 0
	}
	return fixedLen
}

func isSystemColumnName(name string) bool {
	return strings.HasPrefix(name, "DB_ROW_ID") ||
		strings.HasPrefix(name, "DB_TRX_ID") ||
		strings.HasPrefix(name, "DB_ROLL_PTR")
}

// parseRowVersion se_private_data中version_added/version_dropped的取值
func parseRowVersion(kv map[string]string, key string) uint8 {
	if v, ok := kv[key]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n <= 0xFF {
			return uint8(n)
		}
	}
	return Uint8Undefined
}

// decodeInstantDefault instant default值的解码。
// 编码方案: 每字节拆两个半字节，各自映射到'a'..'p'。
func decodeInstantDefault(kv map[string]string) (value []byte, isNull, has bool) {
	if _, ok := kv["default_null"]; ok {
		return nil, true, true
	}
	encoded, ok := kv["default"]
	if !ok {
		return nil, false, false
	}

	if len(encoded)%2 != 0 {
		logger.Warnf("malformed instant default value %q", encoded)
		return nil, false, false
	}
	out := make([]byte, len(encoded)/2)
	for i := 0; i < len(out); i++ {
		hi := encoded[2*i] - 'a'
		lo := encoded[2*i+1] - 'a'
		if hi > 15 || lo > 15 {
			logger.Warnf("malformed instant default value %q", encoded)
			return nil, false, false
		}
		out[i] = hi<<4 | lo
	}
	return out, false, true
}

// BuildTable 依据SDI元数据构建cfg表结构。
// 镜像server端row_import的导出逻辑: 系统列prtype、DB_ROW_ID补插、
// instant计数、phy_pos分配与CLUST_IND_SDI前置。
func BuildTable(meta *schema.Metadata, spaceFlags uint32, sdiRootPage uint32,
	spaceID uint32, logicalPageSize int) (*Table, error) {

	if !meta.HasTable {
		return nil, errors.Annotate(ErrCfgBuild, "metadata has no Table object")
	}

	out := &Table{
		Name:       meta.Table.FullName(),
		SpaceFlags: spaceFlags,
		PageSize:   uint32(logicalPageSize),
		IsComp:     true,
	}

	tableKv := schema.ParseKvString(meta.Table.SePrivateData)
	spaceKv := schema.ParseKvString(meta.Tablespace.SePrivateData)
	optionsKv := schema.ParseKvString(meta.Table.Options)

	if v, ok := tableKv["autoinc"]; ok {
		out.Autoinc, _ = strconv.ParseUint(v, 10, 64)
	}

	_, dataDir := tableKv["data_directory"]

	sharedSpace := true
	if meta.Tablespace.Name == "" || strings.ContainsRune(meta.Tablespace.Name, '/') {
		sharedSpace = false
	}

	zipSsize := common.FspFlagsGetZipSsize(spaceFlags)
	if zipSsize != 0 {
		if v, ok := optionsKv["key_block_size"]; ok {
			if kb, err := strconv.ParseUint(v, 10, 32); err == nil && kb > 0 {
				zipSize := uint32(kb) * 1024
				shift := uint32(0)
				for zipSize > 512 {
					zipSize >>= 1
					shift++
				}
				if shift > 0 {
					zipSsize = shift - 1
				}
			}
		}
	}

	compact := true
	atomicBlobs := true
	switch meta.Table.RowFormat {
	case RowFormatRedundant:
		compact = false
		atomicBlobs = false
		zipSsize = 0
	case RowFormatCompact:
		atomicBlobs = false
		zipSsize = 0
	case RowFormatCompressed:
	default:
		zipSsize = 0
	}
	out.TableFlags = DictTfInit(compact, zipSsize, atomicBlobs, dataDir, sharedSpace)
	out.IsComp = compact

	if v, ok := optionsKv["compress"]; ok {
		switch strings.ToLower(v) {
		case "zlib":
			out.CompressionType = 1
		case "lz4":
			out.CompressionType = 2
		}
	}

	totalCols := len(meta.Table.Columns)
	colTypes := make([]columnTypeInfo, totalCols)
	colDropped := make([]bool, totalCols)
	opxToColIndex := make([]int, totalCols)
	for i := range opxToColIndex {
		opxToColIndex[i] = -1
	}

	for i := range meta.Table.Columns {
		col := &meta.Table.Columns[i]
		colTypes[i] = buildColumnTypeInfo(col)

		kv := schema.ParseKvString(col.SePrivateData)
		vAdded := parseRowVersion(kv, "version_added")
		vDropped := parseRowVersion(kv, "version_dropped")
		if vDropped != Uint8Undefined && vDropped > 0 {
			colDropped[i] = true
		}

		phyPos := uint32(Uint32Undefined)
		hasPhy := false
		if v, ok := kv["physical_pos"]; ok {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				phyPos = uint32(n)
				hasPhy = true
			}
		}

		if col.IsVirtual {
			continue
		}

		cfgCol := Column{
			Name:         col.Name,
			DdType:       int(col.Type),
			CharLength:   col.CharLength,
			NumericScale: col.NumericScale,
			CollationID:  uint64(col.CollationID),
			IsNullable:   col.IsNullable,
			IsUnsigned:   col.IsUnsigned,
			Elements:     col.Elements,
			Ind:          uint32(len(out.Columns)),

			VersionAdded:     vAdded,
			VersionDropped:   vDropped,
			IsInstantDropped: colDropped[i],
			PhyPos:           phyPos,
		}

		// 系统列走DATA_SYS，并回写类型表以便索引定长推导
		switch col.Name {
		case "DB_TRX_ID":
			cfgCol.Prtype = DataTrxID | DataNotNull
			cfgCol.Mtype = DataSys
			cfgCol.Len = common.DATA_TRX_ID_LEN
			colTypes[i] = columnTypeInfo{mtype: DataSys, prtype: cfgCol.Prtype, len: cfgCol.Len}
		case "DB_ROLL_PTR":
			cfgCol.Prtype = DataRollPtr | DataNotNull
			cfgCol.Mtype = DataSys
			cfgCol.Len = common.DATA_ROLL_PTR_LEN
			colTypes[i] = columnTypeInfo{mtype: DataSys, prtype: cfgCol.Prtype, len: cfgCol.Len}
		default:
			cfgCol.Prtype = colTypes[i].prtype
			cfgCol.Mtype = colTypes[i].mtype
			cfgCol.Len = colTypes[i].len
			cfgCol.Mbminmaxlen = colTypes[i].mbminmaxlen
		}

		if hasPhy {
			out.HasRowVersions = true
		}

		value, isNull, has := decodeInstantDefault(kv)
		cfgCol.InstantDefault = value
		cfgCol.InstantDefaultNull = isNull
		cfgCol.HasInstantDefault = has

		out.Columns = append(out.Columns, cfgCol)
		opxToColIndex[i] = len(out.Columns) - 1
	}

	insertRowIDIfMissing(out, opxToColIndex)

	spaceIDVal := spaceID
	if v, ok := spaceKv["id"]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			spaceIDVal = uint32(n)
		}
	}

	computeInstantCounters(meta, out)
	buildIndexes(meta, out, spaceFlags, sdiRootPage, spaceIDVal, colTypes, colDropped)
	markOrderingColumns(out)
	if !out.HasRowVersions {
		assignPhyPos(meta, out, opxToColIndex)
	}

	return out, nil
}

// insertRowIDIfMissing 8.0.29+的.cfg在无显式DB_ROW_ID时也要计入，
// 插入到DB_TRX_ID之前并顺移其后列的序号。
func insertRowIDIfMissing(out *Table, opxToColIndex []int) {
	hasRowID := false
	trxIDPos := len(out.Columns)
	for i := range out.Columns {
		if out.Columns[i].Name == "DB_ROW_ID" {
			hasRowID = true
		}
		if out.Columns[i].Name == "DB_TRX_ID" {
			trxIDPos = i
		}
	}
	if hasRowID {
		return
	}

	rowID := Column{
		Name:           "DB_ROW_ID",
		DdType:         DdTypeLong,
		Prtype:         DataRowID | DataNotNull,
		Mtype:          DataSys,
		Len:            common.DATA_ROW_ID_LEN,
		Ind:            uint32(trxIDPos),
		VersionAdded:   Uint8Undefined,
		VersionDropped: Uint8Undefined,
		PhyPos:         Uint32Undefined,
	}

	out.Columns = append(out.Columns, Column{})
	copy(out.Columns[trxIDPos+1:], out.Columns[trxIDPos:])
	out.Columns[trxIDPos] = rowID

	for i := trxIDPos + 1; i < len(out.Columns); i++ {
		out.Columns[i].Ind = uint32(i)
	}
	for i, idx := range opxToColIndex {
		if idx >= 0 && idx >= trxIDPos {
			opxToColIndex[i] = idx + 1
		}
	}
}

// computeInstantCounters instant add/drop列的总量统计
func computeInstantCounters(meta *schema.Metadata, out *Table) {
	var nDropped, nAdded, nAddedAndDropped, nCurrent int
	var currentRowVersion uint32

	for i := range meta.Table.Columns {
		col := &meta.Table.Columns[i]
		if col.IsVirtual || isSystemColumnName(col.Name) {
			continue
		}

		kv := schema.ParseKvString(col.SePrivateData)
		vAdded := parseRowVersion(kv, "version_added")
		vDropped := parseRowVersion(kv, "version_dropped")

		if vDropped != Uint8Undefined && vDropped > 0 {
			nDropped++
			if vAdded != Uint8Undefined && vAdded > 0 {
				nAddedAndDropped++
			}
			if uint32(vDropped) > currentRowVersion {
				currentRowVersion = uint32(vDropped)
			}
			continue
		}
		if vAdded != Uint8Undefined && vAdded > 0 {
			nAdded++
			if uint32(vAdded) > currentRowVersion {
				currentRowVersion = uint32(vAdded)
			}
		}
		nCurrent++
	}

	nOrigDropped := nDropped - nAddedAndDropped
	out.CurrentColCount = uint32(nCurrent)
	out.InitialColCount = uint32(nCurrent - nAdded + nOrigDropped)
	out.TotalColCount = uint32(nCurrent + nDropped)
	out.NInstantDropCols = uint32(nDropped)
	out.CurrentRowVersion = currentRowVersion

	if currentRowVersion > 0 {
		var nullableBeforeInstant uint32
		for i := range meta.Table.Columns {
			col := &meta.Table.Columns[i]
			if col.IsVirtual || isSystemColumnName(col.Name) {
				continue
			}
			kv := schema.ParseKvString(col.SePrivateData)
			vAdded := parseRowVersion(kv, "version_added")
			if vAdded == Uint8Undefined || vAdded == 0 {
				if col.IsNullable {
					nullableBeforeInstant++
				}
			}
		}
		out.NInstantNullable = nullableBeforeInstant
	}
}

// buildIndexes SDI索引前置(若有SDI标志)，随后是字典中的各索引
func buildIndexes(meta *schema.Metadata, out *Table, spaceFlags uint32,
	sdiRootPage, spaceID uint32, colTypes []columnTypeInfo, colDropped []bool) {

	out.Indexes = out.Indexes[:0]

	if common.FspFlagsHasSdi(spaceFlags) {
		sdiIndex := Index{
			Name:             "CLUST_IND_SDI",
			ID:               ^uint64(0),
			Space:            spaceID,
			Page:             sdiRootPage,
			Type:             DictClustered | DictUnique | DictSdi,
			NUserDefinedCols: 2,
			NUniq:            2,
		}
		addField := func(name string, fixedLen uint32) {
			sdiIndex.Fields = append(sdiIndex.Fields, IndexField{
				Name:        name,
				FixedLen:    fixedLen,
				IsAscending: 1,
			})
		}
		addField("type", 4)
		addField("id", 8)
		addField("DB_TRX_ID", common.DATA_TRX_ID_LEN)
		addField("DB_ROLL_PTR", common.DATA_ROLL_PTR_LEN)
		addField("compressed_len", 4)
		addField("uncompressed_len", 4)
		addField("data", 0)
		sdiIndex.NFields = uint32(len(sdiIndex.Fields))
		out.Indexes = append(out.Indexes, sdiIndex)
	}

	for i := range meta.Table.Indexes {
		idx := &meta.Table.Indexes[i]
		cfgIdx := Index{Name: idx.Name}

		isUnique := false
		isSpatial := false
		isFulltext := false
		switch idx.Type {
		case schema.IndexTypePrimary:
			cfgIdx.Type = DictClustered | DictUnique
			isUnique = true
		case schema.IndexTypeUnique:
			cfgIdx.Type = DictUnique
			isUnique = true
		case schema.IndexTypeFulltext:
			cfgIdx.Type = DictFts
			isFulltext = true
		case schema.IndexTypeSpatial:
			cfgIdx.Type = DictSpatial
			isSpatial = true
		default:
			cfgIdx.Type = 0
		}

		idxKv := schema.ParseKvString(idx.SePrivateData)
		if v, ok := idxKv["id"]; ok {
			cfgIdx.ID, _ = strconv.ParseUint(v, 10, 64)
		}
		if v, ok := idxKv["space_id"]; ok {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				cfgIdx.Space = uint32(n)
			}
		} else {
			cfgIdx.Space = spaceID
		}
		if v, ok := idxKv["root"]; ok {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				cfgIdx.Page = uint32(n)
			}
		}

		for j := range idx.Elements {
			elem := &idx.Elements[j]
			if elem.ColumnOpx < 0 || elem.ColumnOpx >= len(meta.Table.Columns) {
				continue
			}
			col := &meta.Table.Columns[elem.ColumnOpx]

			field := IndexField{
				Name:      col.Name,
				PrefixLen: calcPrefixLen(col, elem),
			}
			if elem.Order != 3 { // dd::Index_element::ORDER_DESC
				field.IsAscending = 1
			}
			field.FixedLen = calcFixedLen(colTypes[elem.ColumnOpx], field.PrefixLen,
				isSpatial, j == 0)
			cfgIdx.Fields = append(cfgIdx.Fields, field)

			if !elem.Hidden {
				cfgIdx.NUserDefinedCols++
			}
			if col.IsNullable && !colDropped[elem.ColumnOpx] {
				cfgIdx.NNullable++
			}
		}

		cfgIdx.NFields = uint32(len(cfgIdx.Fields))
		switch {
		case isFulltext:
			cfgIdx.NUniq = 0
		case isUnique:
			cfgIdx.NUniq = cfgIdx.NUserDefinedCols
		default:
			cfgIdx.NUniq = cfgIdx.NFields
		}

		out.Indexes = append(out.Indexes, cfgIdx)
	}
}

// markOrderingColumns 按各索引的排序列标记ord_part/max_prefix
func markOrderingColumns(out *Table) {
	nameToCol := make(map[string]int, len(out.Columns))
	for i := range out.Columns {
		nameToCol[out.Columns[i].Name] = i
	}

	for i := range out.Indexes {
		index := &out.Indexes[i]
		if index.Name == "CLUST_IND_SDI" {
			continue
		}
		nOrd := index.NUniq
		if nOrd > uint32(len(index.Fields)) {
			nOrd = uint32(len(index.Fields))
		}
		for j := uint32(0); j < nOrd; j++ {
			field := &index.Fields[j]
			ci, ok := nameToCol[field.Name]
			if !ok {
				continue
			}
			col := &out.Columns[ci]
			if col.OrdPart == 0 {
				col.MaxPrefix = field.PrefixLen
				col.OrdPart = 1
			} else if field.PrefixLen == 0 {
				col.MaxPrefix = 0
			} else if col.MaxPrefix != 0 && field.PrefixLen > col.MaxPrefix {
				col.MaxPrefix = field.PrefixLen
			}
		}
	}
}

// assignPhyPos 无instant历史时: 主键列先占物理位，其余按定义序
func assignPhyPos(meta *schema.Metadata, out *Table, opxToColIndex []int) {
	var primary *schema.IndexInfo
	for i := range meta.Table.Indexes {
		idx := &meta.Table.Indexes[i]
		if idx.Type == schema.IndexTypePrimary || idx.Name == "PRIMARY" {
			primary = idx
			break
		}
	}

	assigned := make([]bool, len(out.Columns))
	pos := uint32(0)

	if primary != nil {
		for i := range primary.Elements {
			elem := &primary.Elements[i]
			if elem.ColumnOpx < 0 || elem.ColumnOpx >= len(opxToColIndex) {
				continue
			}
			idx := opxToColIndex[elem.ColumnOpx]
			if idx < 0 || idx >= len(out.Columns) {
				continue
			}
			if !assigned[idx] {
				out.Columns[idx].PhyPos = pos
				pos++
				assigned[idx] = true
			}
		}
	}

	for i := range out.Columns {
		if !assigned[i] {
			out.Columns[i].PhyPos = pos
			pos++
		}
	}
}
