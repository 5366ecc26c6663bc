package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/ibdtest"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/util"
)

const extractSdiJSON = `[
  "ibd2sdi",
  {
    "type": 1,
    "id": 433,
    "object": {
      "dd_object_type": "Table",
      "dd_object": {
        "name": "clientes",
        "schema_ref": "loja",
        "se_private_data": "id=1068;root=1;",
        "row_format": 4,
        "columns": [
          {"name": "id", "type": 4, "column_type_utf8": "int",
           "is_nullable": false, "char_length": 11, "collation_id": 255},
          {"name": "name", "type": 16, "column_type_utf8": "varchar(32)",
           "is_nullable": true, "char_length": 32, "collation_id": 255}
        ],
        "indexes": [
          {"name": "PRIMARY", "type": 1,
           "se_private_data": "id=42;root=1;space_id=21;",
           "elements": [
             {"ordinal_position": 1, "length": 4294967295, "order": 2, "hidden": false, "column_opx": 0},
             {"ordinal_position": 2, "length": 4294967295, "order": 2, "hidden": true, "column_opx": 1}
           ]},
          {"name": "BY_NAME", "type": 3,
           "se_private_data": "id=43;root=2;space_id=21;",
           "elements": [
             {"ordinal_position": 1, "length": 32, "order": 2, "hidden": false, "column_opx": 1},
             {"ordinal_position": 2, "length": 4294967295, "order": 2, "hidden": true, "column_opx": 0}
           ]}
        ]
      }
    }
  }
]`

const pageSize = 16384

func intBytes(v int64) []byte {
	buf := make([]byte, 4)
	util.WriteBEIntSigned(buf, v)
	return buf
}

// buildExtractSpace 页0 + PRIMARY叶子(页1) + BY_NAME叶子(页2)
func buildExtractSpace(t *testing.T) string {
	t.Helper()

	meta, err := schema.ParseSdiJSON([]byte(extractSdiJSON))
	require.NoError(t, err)

	primarySel, err := meta.SelectIndex("PRIMARY")
	require.NoError(t, err)
	primaryTable, err := schema.BuildTableDef("clientes", primarySel.Columns)
	require.NoError(t, err)

	byNameSel, err := meta.SelectIndex("BY_NAME")
	require.NoError(t, err)
	byNameTable, err := schema.BuildTableDef("clientes", byNameSel.Columns)
	require.NoError(t, err)

	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID: 21, Flags: 0, PageSize: pageSize, NumPages: 3,
	})

	primaryLeaf, _ := ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo: 1, SpaceID: 21, IndexID: 42, PageSize: pageSize,
		Table: primaryTable,
		Rows: []ibdtest.Row{
			{Fields: [][]byte{intBytes(1), []byte("abc")}},
			{Fields: [][]byte{intBytes(2), []byte("de")}},
			{Fields: [][]byte{intBytes(3), []byte("x")}},
		},
	})

	// 二级索引记录: 键列在前, 随后是主键列; 按name升序
	byNameLeaf, _ := ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo: 2, SpaceID: 21, IndexID: 43, PageSize: pageSize,
		Table: byNameTable,
		Rows: []ibdtest.Row{
			{Fields: [][]byte{[]byte("abc"), intBytes(1)}},
			{Fields: [][]byte{[]byte("de"), intBytes(2)}},
			{Fields: [][]byte{[]byte("x"), intBytes(3)}},
		},
	})

	return ibdtest.WriteSpaceFile(t, [][]byte{page0, primaryLeaf, byNameLeaf})
}

func writeExtractSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sdi.json")
	require.NoError(t, os.WriteFile(path, []byte(extractSdiJSON), 0644))
	return path
}

func runExtract(t *testing.T, opts Options) string {
	t.Helper()
	outPath := filepath.Join(t.TempDir(), "rows.out")
	opts.OutputPath = outPath
	require.NoError(t, Run(opts))
	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	return string(data)
}

func TestExtractJSONL(t *testing.T) {
	out := runExtract(t, Options{
		InputPath:      buildExtractSpace(t),
		SchemaJSONPath: writeExtractSchema(t),
		Format:         FormatJSONL,
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"id":1,"name":"abc"}`, lines[0])
	assert.JSONEq(t, `{"id":2,"name":"de"}`, lines[1])
	assert.JSONEq(t, `{"id":3,"name":"x"}`, lines[2])
}

func TestExtractPipeFormat(t *testing.T) {
	out := runExtract(t, Options{
		InputPath:      buildExtractSpace(t),
		SchemaJSONPath: writeExtractSchema(t),
		Format:         FormatPipe,
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "id|name", lines[0])
	assert.Equal(t, "1|abc", lines[1])
	assert.Equal(t, "2|de", lines[2])
	assert.Equal(t, "3|x", lines[3])
}

func TestExtractCSVQuoting(t *testing.T) {
	// 含逗号的值必须加引号
	meta, err := schema.ParseSdiJSON([]byte(extractSdiJSON))
	require.NoError(t, err)
	sel, err := meta.SelectIndex("PRIMARY")
	require.NoError(t, err)
	table, err := schema.BuildTableDef("clientes", sel.Columns)
	require.NoError(t, err)

	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID: 21, Flags: 0, PageSize: pageSize, NumPages: 2,
	})
	leaf, _ := ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo: 1, SpaceID: 21, IndexID: 42, PageSize: pageSize,
		Table: table,
		Rows: []ibdtest.Row{
			{Fields: [][]byte{intBytes(1), []byte(`a,"b`)}},
		},
	})
	input := ibdtest.WriteSpaceFile(t, [][]byte{page0, leaf})

	out := runExtract(t, Options{
		InputPath:      input,
		SchemaJSONPath: writeExtractSchema(t),
		Format:         FormatCSV,
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,name", lines[0])
	assert.Equal(t, `1,"a,""b"`, lines[1])
}

func TestExtractSecondaryIndex(t *testing.T) {
	out := runExtract(t, Options{
		InputPath:      buildExtractSpace(t),
		SchemaJSONPath: writeExtractSchema(t),
		IndexSelector:  "BY_NAME",
		IndexExplicit:  true,
		Format:         FormatPipe,
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "name|id", lines[0])
	assert.Equal(t, "abc|1", lines[1])
	assert.Equal(t, "de|2", lines[2])
	assert.Equal(t, "x|3", lines[3])
}

func TestExtractWithMeta(t *testing.T) {
	out := runExtract(t, Options{
		InputPath:      buildExtractSpace(t),
		SchemaJSONPath: writeExtractSchema(t),
		Format:         FormatPipe,
		WithMeta:       true,
	})

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "page_no|rec_offset|rec_deleted|id|name", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1|"))
	assert.True(t, strings.HasSuffix(lines[1], "|false|1|abc"))
}

func TestExtractNullLiteral(t *testing.T) {
	meta, err := schema.ParseSdiJSON([]byte(extractSdiJSON))
	require.NoError(t, err)
	sel, err := meta.SelectIndex("PRIMARY")
	require.NoError(t, err)
	table, err := schema.BuildTableDef("clientes", sel.Columns)
	require.NoError(t, err)

	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID: 21, Flags: 0, PageSize: pageSize, NumPages: 2,
	})
	leaf, _ := ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo: 1, SpaceID: 21, IndexID: 42, PageSize: pageSize,
		Table: table,
		Rows: []ibdtest.Row{
			{Fields: [][]byte{intBytes(1), nil}},
		},
	})
	input := ibdtest.WriteSpaceFile(t, [][]byte{page0, leaf})

	out := runExtract(t, Options{
		InputPath:      input,
		SchemaJSONPath: writeExtractSchema(t),
		Format:         FormatPipe,
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "1|NULL", lines[1])
}
