package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/ibdtest"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/util"
)

func testTable(t *testing.T) *schema.TableDef {
	t.Helper()
	table, err := schema.BuildTableDef("t", []schema.ColumnInfo{
		{Name: "id", TypeUtf8: "int", CharLength: 11},
		{Name: "name", TypeUtf8: "varchar(32)", IsNullable: true, CharLength: 32},
	})
	require.NoError(t, err)
	return table
}

func intBytes(v int64) []byte {
	buf := make([]byte, 4)
	util.WriteBEIntSigned(buf, v)
	return buf
}

func buildTestLeaf(t *testing.T, table *schema.TableDef, rows []ibdtest.Row) []byte {
	t.Helper()
	page, _ := ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo:   3,
		SpaceID:  5,
		IndexID:  42,
		PageSize: common.UNIV_PAGE_SIZE_ORIG,
		Table:    table,
		Rows:     rows,
	})
	return page
}

func TestParseLeafPageRecords(t *testing.T) {
	table := testTable(t)
	page := buildTestLeaf(t, table, []ibdtest.Row{
		{Fields: [][]byte{intBytes(1), []byte("abc")}},
		{Fields: [][]byte{intBytes(2), []byte("de")}},
		{Fields: [][]byte{intBytes(3), nil}},
	})

	type parsed struct {
		id   string
		name string
		null bool
	}
	var rows []parsed

	stats := ParseLeafPage(page, common.UNIV_PAGE_SIZE_ORIG, 3, table, 42, false,
		func(p []byte, rec int, offsets []uint32, meta RowMeta) bool {
			idRaw := NthField(p, rec, offsets, 0)
			nameRaw := NthField(p, rec, offsets, 1)
			row := parsed{
				id:   FormatFieldValue(&table.Fields[0], idRaw, false, FormatOptions{}).Value,
				null: nameRaw == nil,
			}
			if nameRaw != nil {
				row.name = string(nameRaw)
			}
			rows = append(rows, row)
			return true
		})

	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 0, stats.Invalid)
	require.Len(t, rows, 3)
	assert.Equal(t, parsed{id: "1", name: "abc"}, rows[0])
	assert.Equal(t, parsed{id: "2", name: "de"}, rows[1])
	assert.Equal(t, parsed{id: "3", null: true}, rows[2])
}

func TestParseLeafPageIndexFilter(t *testing.T) {
	table := testTable(t)
	page := buildTestLeaf(t, table, []ibdtest.Row{
		{Fields: [][]byte{intBytes(1), []byte("abc")}},
	})

	stats := ParseLeafPage(page, common.UNIV_PAGE_SIZE_ORIG, 3, table, 999, false,
		func([]byte, int, []uint32, RowMeta) bool { return true })
	assert.Equal(t, 0, stats.Records)
}

func TestParseLeafPageSkipsNonLeaf(t *testing.T) {
	table := testTable(t)
	page := buildTestLeaf(t, table, []ibdtest.Row{
		{Fields: [][]byte{intBytes(1), []byte("abc")}},
	})
	util.MachWriteTo2(page, common.PAGE_HEADER+common.PAGE_LEVEL, 1)

	stats := ParseLeafPage(page, common.UNIV_PAGE_SIZE_ORIG, 3, table, 42, false,
		func([]byte, int, []uint32, RowMeta) bool { return true })
	assert.Equal(t, 0, stats.Records)
}

func TestCheckRecordRejectsBadLengths(t *testing.T) {
	table := testTable(t)
	page := buildTestLeaf(t, table, []ibdtest.Row{
		{Fields: [][]byte{intBytes(1), []byte("abc")}},
	})

	// 定位首记录并破坏其变长数组: 长度远超列上限
	rec := common.PAGE_NEW_INFIMUM
	delta := int16(util.MachReadFrom2(page, rec-common.REC_NEXT))
	rec += int(delta)

	offsets := make([]uint32, len(table.Fields)+2)
	require.True(t, CheckRecord(page, rec, table, offsets))

	// 变长数组首字节(name长度)在NULL位图之前
	lenBytePos := rec - common.REC_N_NEW_EXTRA_BYTES - 1 - 1
	page[lenBytePos] = 60 // > MaxLength 32
	assert.False(t, CheckRecord(page, rec, table, offsets))
}

func TestParseLeafPageChainCap(t *testing.T) {
	table := testTable(t)
	page := buildTestLeaf(t, table, []ibdtest.Row{
		{Fields: [][]byte{intBytes(1), []byte("abc")}},
	})

	// 断链: 首记录的next增量写0
	rec := common.PAGE_NEW_INFIMUM
	delta := int16(util.MachReadFrom2(page, rec-common.REC_NEXT))
	first := rec + int(delta)
	util.MachWriteTo2(page, first-common.REC_NEXT, 0)

	stats := ParseLeafPage(page, common.UNIV_PAGE_SIZE_ORIG, 3, table, 42, false,
		func([]byte, int, []uint32, RowMeta) bool { return true })
	// 链断裂计为invalid，遍历终止而非死循环
	assert.Equal(t, 1, stats.Invalid)
}

func TestInitOffsetsExternFlag(t *testing.T) {
	table, err := schema.BuildTableDef("t", []schema.ColumnInfo{
		{Name: "id", TypeUtf8: "int", CharLength: 11},
		{Name: "blob", TypeUtf8: "longblob", IsNullable: true, CharLength: 0},
	})
	require.NoError(t, err)

	ref := make([]byte, common.FIELD_REF_SIZE)
	page := buildTestLeaf(t, table, []ibdtest.Row{
		{Fields: [][]byte{intBytes(1), ref}, Extern: []bool{false, true}},
	})

	rec := common.PAGE_NEW_INFIMUM
	delta := int16(util.MachReadFrom2(page, rec-common.REC_NEXT))
	rec += int(delta)

	offsets := make([]uint32, len(table.Fields)+2)
	require.True(t, InitOffsets(page, rec, table, offsets))
	assert.False(t, NthExtern(offsets, 0))
	assert.True(t, NthExtern(offsets, 1))
	assert.Equal(t, uint32(common.FIELD_REF_SIZE), NthSize(offsets, 1))
}
