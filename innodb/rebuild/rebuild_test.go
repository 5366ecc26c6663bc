package rebuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/ibdtest"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/innodb/sdi"
	"xmysql-ibd-parser/innodb/tablespace"
	"xmysql-ibd-parser/innodb/zipdecomp"
	"xmysql-ibd-parser/util"
)

const (
	physSize = 8192
	logiSize = 16384
)

func leafTable(t *testing.T) *schema.TableDef {
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

// buildCompressedSpace 合成一个两页的压缩表空间: 页0 + 一张INDEX叶子页
func buildCompressedSpace(t *testing.T, indexID uint64) string {
	t.Helper()

	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID:  21,
		Flags:    ibdtest.CompressedFlags(physSize, false),
		PageSize: physSize,
		NumPages: 2,
	})

	leaf, recSpecs := ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo:   1,
		SpaceID:  21,
		IndexID:  indexID,
		PageSize: logiSize,
		Table:    leafTable(t),
		Rows: []ibdtest.Row{
			{Fields: [][]byte{intBytes(1), []byte("abc")}},
			{Fields: [][]byte{intBytes(2), []byte("de")}},
		},
	})
	compressed, err := zipdecomp.Compress(leaf, physSize, 0, recSpecs)
	require.NoError(t, err)

	return ibdtest.WriteSpaceFile(t, [][]byte{page0, compressed})
}

func TestRebuildUncompressed(t *testing.T) {
	input := buildCompressedSpace(t, 42)
	output := filepath.Join(t.TempDir(), "out.ibd")

	require.NoError(t, Rebuild(Options{InputPath: input, OutputPath: output}))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Len(t, data, 2*logiSize)

	page0 := data[:logiSize]
	page1 := data[logiSize:]

	// 页0: zip/page ssize位清零，space id保留
	flags := util.MachReadFrom4(page0, common.FSP_HEADER_OFFSET+common.FSP_SPACE_FLAGS)
	assert.Zero(t, flags&common.FSP_FLAGS_MASK_ZIP_SSIZE)
	assert.Zero(t, flags&common.FSP_FLAGS_MASK_PAGE_SSIZE)
	assert.Equal(t, uint32(21),
		util.MachReadFrom4(page0, common.FSP_HEADER_OFFSET+common.FSP_SPACE_ID))

	// 每页: 双槽校验和一致且正确, space id落到每页槽位
	for i, page := range [][]byte{page0, page1} {
		assert.True(t, innopage.VerifyPageCrc32(page, logiSize), "page %d", i)
		assert.Equal(t, uint32(21), innopage.SpaceID(page), "page %d", i)
	}

	// INDEX页类型与记录数保留
	assert.Equal(t, common.FIL_PAGE_INDEX, innopage.PageType(page1))
	assert.Equal(t, uint16(2), innopage.NRecs(page1))
	assert.Equal(t, uint64(42), innopage.IndexID(page1))
}

func TestRebuildRejectsUncompressedInput(t *testing.T) {
	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID: 21, Flags: 0, PageSize: logiSize, NumPages: 1,
	})
	input := ibdtest.WriteSpaceFile(t, [][]byte{page0})
	output := filepath.Join(t.TempDir(), "out.ibd")

	err := Rebuild(Options{InputPath: input, OutputPath: output})
	assert.Equal(t, ErrNotCompressed, err)
}

func TestRebuildIndexIDRemap(t *testing.T) {
	input := buildCompressedSpace(t, 42)
	output := filepath.Join(t.TempDir(), "out.ibd")

	mapPath := filepath.Join(t.TempDir(), "idmap.txt")
	require.NoError(t, os.WriteFile(mapPath, []byte("# remap\n42=4711\n"), 0644))

	require.NoError(t, Rebuild(Options{
		InputPath:      input,
		OutputPath:     output,
		IndexIDMapPath: mapPath,
		ValidateRemap:  true,
	}))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	page1 := data[logiSize:]
	assert.Equal(t, uint64(4711), innopage.IndexID(page1))
	assert.True(t, innopage.VerifyPageCrc32(page1, logiSize))
}

func TestLoadIndexIDMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.txt")
	content := "# comment\n42=4711\n\n7 8\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m, err := LoadIndexIDMapFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]uint64{42: 4711, 7: 8}, m)
}

func TestLoadIndexIDMapFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.txt")
	require.NoError(t, os.WriteFile(path, []byte("not-a-mapping\n"), 0644))

	_, err := LoadIndexIDMapFile(path)
	assert.Error(t, err)
}

func TestBuildIndexIDRemapFromSdi(t *testing.T) {
	source := &schema.Metadata{}
	source.Table.Indexes = []schema.IndexInfo{
		{Name: "PRIMARY", ID: 42},
		{Name: "BY_NAME", ID: 43},
		{Name: "ONLY_SOURCE", ID: 44},
	}
	target := &schema.Metadata{}
	target.Table.Indexes = []schema.IndexInfo{
		{Name: "primary", ID: 4711},
		{Name: "by_name", ID: 4712},
	}

	remap, err := BuildIndexIDRemapFromSdi(source, target)
	require.NoError(t, err)
	assert.Equal(t, map[uint64]uint64{42: 4711, 43: 4712}, remap)
}

const rebuildSdiJSON = `[
  "ibd2sdi",
  {
    "type": 1,
    "id": 433,
    "object": {
      "dd_object_type": "Table",
      "dd_object": {
        "name": "clientes",
        "schema_ref": "loja",
        "se_private_data": "autoinc=100;id=1068;root=4;",
        "row_format": 4,
        "columns": [
          {"name": "id", "type": 4, "column_type_utf8": "int",
           "is_nullable": false, "char_length": 11, "collation_id": 255}
        ],
        "indexes": [
          {"name": "PRIMARY", "type": 1,
           "se_private_data": "id=42;root=1;space_id=21;",
           "elements": [
             {"ordinal_position": 1, "length": 4294967295, "order": 2, "hidden": false, "column_opx": 0}
           ]}
        ]
      }
    }
  },
  {
    "type": 2,
    "id": 9,
    "object": {
      "dd_object_type": "Tablespace",
      "dd_object": {
        "name": "loja/clientes",
        "se_private_data": "flags=16425;id=21;",
        "files": [{"filename": "./loja/clientes.ibd"}]
      }
    }
  }
]`

// buildCompressedSdiSpace 带SDI的压缩表空间:
// 页0(SDI头指向页2) + INDEX叶子(页1) + 压缩的空SDI根(页2) + SDI_BLOB池(页3)
func buildCompressedSdiSpace(t *testing.T) string {
	t.Helper()

	flags := ibdtest.CompressedFlags(physSize, true)
	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID:  21,
		Flags:    flags,
		PageSize: physSize,
		NumPages: 4,
	})
	sdiOffset := common.SdiOffset(physSize, logiSize)
	util.MachWriteTo4(page0, sdiOffset, common.SDI_VERSION)
	util.MachWriteTo4(page0, sdiOffset+4, 2)

	leaf, recSpecs := ibdtest.BuildLeafPage(t, ibdtest.LeafPageSpec{
		PageNo: 1, SpaceID: 21, IndexID: 42, PageSize: logiSize,
		Table: leafTable(t),
		Rows: []ibdtest.Row{
			{Fields: [][]byte{intBytes(1), []byte("abc")}},
		},
	})
	leafComp, err := zipdecomp.Compress(leaf, physSize, 0, recSpecs)
	require.NoError(t, err)

	// 空SDI根页(逻辑尺寸)压缩存储; FSEG头区域留非零字节验证保留
	sdiRoot := make([]byte, logiSize)
	sdi.InitEmptyPage(sdiRoot, logiSize, 2)
	for i := 0; i < common.FSEG_HEADER_SIZE; i++ {
		sdiRoot[common.PAGE_HEADER+common.PAGE_BTR_SEG_LEAF+i] = byte(0xA0 + i)
	}
	sdiRootComp, err := zipdecomp.Compress(sdiRoot, physSize, 0, nil)
	require.NoError(t, err)

	blob := ibdtest.RawPage(physSize, 3, common.FIL_PAGE_SDI_BLOB, 21)

	return ibdtest.WriteSpaceFile(t, [][]byte{page0, leafComp, sdiRootComp, blob})
}

func TestRebuildWithSdiJSON(t *testing.T) {
	input := buildCompressedSdiSpace(t)
	output := filepath.Join(t.TempDir(), "out.ibd")

	jsonPath := filepath.Join(t.TempDir(), "sdi.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(rebuildSdiJSON), 0644))
	cfgPath := filepath.Join(t.TempDir(), "out.cfg")

	require.NoError(t, Rebuild(Options{
		InputPath:         input,
		OutputPath:        output,
		SourceSdiJSONPath: jsonPath,
		CfgOutPath:        cfgPath,
	}))

	outSpace, err := tablespace.OpenSpaceFile(output)
	require.NoError(t, err)
	defer outSpace.Close()

	ps := outSpace.PageSize()
	assert.Equal(t, logiSize, ps.Physical)
	assert.Equal(t, logiSize, ps.Logical)

	// 新SDI头落在未压缩布局的槽位
	page0 := make([]byte, logiSize)
	require.NoError(t, outSpace.ReadPage(0, page0))
	version, root, ok := sdi.ReadSdiRoot(page0, logiSize, logiSize)
	require.True(t, ok)
	assert.Equal(t, uint32(common.SDI_VERSION), version)
	assert.Equal(t, uint32(2), root)

	// SDI根页被重建且FSEG头保留
	rootPage := make([]byte, logiSize)
	require.NoError(t, outSpace.ReadPage(2, rootPage))
	assert.Equal(t, byte(0xA0), rootPage[common.PAGE_HEADER+common.PAGE_BTR_SEG_LEAF])
	assert.True(t, innopage.VerifyPageCrc32(rootPage, logiSize))

	var types []uint64
	require.NoError(t, sdi.Iterate(outSpace, 2, func(rec sdi.Record) error {
		types = append(types, rec.Type)
		assert.NotEmpty(t, rec.JSON)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2}, types)

	// cfg产物以v7版本号开头
	cfgData, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), util.MachReadFrom4(cfgData, 0))
}
