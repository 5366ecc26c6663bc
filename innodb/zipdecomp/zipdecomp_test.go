package zipdecomp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/ibdtest"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/innodb/zipdecomp"
	"xmysql-ibd-parser/util"
)

func testTableDef(t *testing.T) *schema.TableDef {
	t.Helper()
	table, err := schema.BuildTableDef("t", []schema.ColumnInfo{
		{Name: "id", TypeUtf8: "int", CharLength: 11},
		{Name: "name", TypeUtf8: "varchar(32)", IsNullable: true, CharLength: 32},
	})
	require.NoError(t, err)
	return table
}

func intField(v int64) []byte {
	buf := make([]byte, 4)
	util.WriteBEIntSigned(buf, v)
	return buf
}

func buildTestPage(t *testing.T) ([]byte, []zipdecomp.RecSpec) {
	table := testTableDef(t)
	return ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo:   3,
		SpaceID:  5,
		IndexID:  42,
		PageSize: common.UNIV_PAGE_SIZE_ORIG,
		Table:    table,
		Rows: []ibdtest.Row{
			{Fields: [][]byte{intField(1), []byte("abc")}},
			{Fields: [][]byte{intField(2), []byte("de")}},
			{Fields: [][]byte{intField(3), []byte("x")}},
		},
	})
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	page, recSpecs := buildTestPage(t)
	const physical = 8192

	compressed, err := zipdecomp.Compress(page, physical, 0, recSpecs)
	require.NoError(t, err)
	require.Len(t, compressed, physical)

	out := make([]byte, common.UNIV_PAGE_SIZE_ORIG)
	require.NoError(t, zipdecomp.Decompress(compressed, physical, out))

	// 尾部8字节由后续校验和落盘重算，不参与比较
	assert.Equal(t, page[:common.UNIV_PAGE_SIZE_ORIG-8],
		out[:common.UNIV_PAGE_SIZE_ORIG-8])
}

func TestDecompressPreservesPageType(t *testing.T) {
	page, recSpecs := buildTestPage(t)
	const physical = 8192

	compressed, err := zipdecomp.Compress(page, physical, 0, recSpecs)
	require.NoError(t, err)

	out := make([]byte, common.UNIV_PAGE_SIZE_ORIG)
	require.NoError(t, zipdecomp.Decompress(compressed, physical, out))

	assert.Equal(t, common.FIL_PAGE_INDEX, util.MachReadFrom2(out, common.FIL_PAGE_TYPE))
	assert.Equal(t, uint64(42), util.MachReadFrom8(out, common.PAGE_HEADER+common.PAGE_INDEX_ID))
	assert.Equal(t, uint16(3), util.MachReadFrom2(out, common.PAGE_HEADER+common.PAGE_N_RECS))
}

func TestDecompressCorruptedStream(t *testing.T) {
	page, recSpecs := buildTestPage(t)
	const physical = 8192

	compressed, err := zipdecomp.Compress(page, physical, 0, recSpecs)
	require.NoError(t, err)

	// 破坏zlib流
	for i := common.PAGE_DATA; i < common.PAGE_DATA+64; i++ {
		compressed[i] ^= 0xFF
	}

	out := make([]byte, common.UNIV_PAGE_SIZE_ORIG)
	assert.Error(t, zipdecomp.Decompress(compressed, physical, out))
}

func TestCompressOverflow(t *testing.T) {
	page, recSpecs := buildTestPage(t)

	// 物理页小到装不下流与目录
	_, err := zipdecomp.Compress(page, 128, 0, recSpecs)
	assert.Error(t, err)
}
