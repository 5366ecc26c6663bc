package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/util"
)

const cfgSampleJSON = `[
  {
    "type": 1,
    "id": 433,
    "object": {
      "dd_object_type": "Table",
      "dd_object": {
        "name": "clientes",
        "schema_ref": "loja",
        "options": "",
        "se_private_data": "autoinc=100;id=1068;root=4;",
        "row_format": 4,
        "columns": [
          {"name": "id", "type": 4, "column_type_utf8": "int",
           "is_nullable": false, "char_length": 11, "collation_id": 255},
          {"name": "name", "type": 16, "column_type_utf8": "varchar(32)",
           "is_nullable": true, "char_length": 128, "collation_id": 255},
          {"name": "DB_TRX_ID", "type": 10, "column_type_utf8": "",
           "is_nullable": false, "hidden": 2, "char_length": 6},
          {"name": "DB_ROLL_PTR", "type": 9, "column_type_utf8": "",
           "is_nullable": false, "hidden": 2, "char_length": 7}
        ],
        "indexes": [
          {"name": "PRIMARY", "type": 1,
           "se_private_data": "id=42;root=4;space_id=21;",
           "elements": [
             {"ordinal_position": 1, "length": 4294967295, "order": 2, "hidden": false, "column_opx": 0},
             {"ordinal_position": 2, "length": 4294967295, "order": 2, "hidden": true, "column_opx": 2},
             {"ordinal_position": 3, "length": 4294967295, "order": 2, "hidden": true, "column_opx": 3},
             {"ordinal_position": 4, "length": 4294967295, "order": 2, "hidden": true, "column_opx": 1}
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

func loadTestMeta(t *testing.T) *schema.Metadata {
	t.Helper()
	meta, err := schema.ParseSdiJSON([]byte(cfgSampleJSON))
	require.NoError(t, err)
	return meta
}

func TestBuildTableBasics(t *testing.T) {
	meta := loadTestMeta(t)

	table, err := BuildTable(meta, common.FSP_FLAGS_MASK_SDI, 3, 21, 16384)
	require.NoError(t, err)

	assert.Equal(t, "loja/clientes", table.Name)
	assert.Equal(t, uint64(100), table.Autoinc)
	assert.True(t, table.IsComp)

	// DB_ROW_ID补插在DB_TRX_ID之前: id, name, DB_ROW_ID, DB_TRX_ID, DB_ROLL_PTR
	require.Len(t, table.Columns, 5)
	assert.Equal(t, "DB_ROW_ID", table.Columns[2].Name)
	assert.Equal(t, "DB_TRX_ID", table.Columns[3].Name)
	assert.Equal(t, "DB_ROLL_PTR", table.Columns[4].Name)
	for i, col := range table.Columns {
		assert.Equal(t, uint32(i), col.Ind)
	}

	// 系统列prtype
	assert.Equal(t, uint32(DataRowID|DataNotNull), table.Columns[2].Prtype)
	assert.Equal(t, uint32(DataTrxID|DataNotNull), table.Columns[3].Prtype)
	assert.Equal(t, uint32(DataSys), table.Columns[3].Mtype)

	// phy_pos: 主键列在前
	assert.Equal(t, uint32(0), table.Columns[0].PhyPos) // id
	assert.Equal(t, uint32(1), table.Columns[3].PhyPos) // DB_TRX_ID
	assert.Equal(t, uint32(2), table.Columns[4].PhyPos) // DB_ROLL_PTR
	assert.Equal(t, uint32(3), table.Columns[1].PhyPos) // name

	// SDI标志置位时前置CLUST_IND_SDI
	require.Len(t, table.Indexes, 2)
	assert.Equal(t, "CLUST_IND_SDI", table.Indexes[0].Name)
	assert.Equal(t, uint32(3), table.Indexes[0].Page)
	assert.Equal(t, uint32(7), table.Indexes[0].NFields)

	primary := table.Indexes[1]
	assert.Equal(t, "PRIMARY", primary.Name)
	assert.Equal(t, uint64(42), primary.ID)
	assert.Equal(t, uint32(DictClustered|DictUnique), primary.Type)
	assert.Equal(t, uint32(4), primary.NFields)
	assert.Equal(t, uint32(1), primary.NUserDefinedCols)
	assert.Equal(t, uint32(1), primary.NUniq)
}

func TestBuildTableNoSdiIndex(t *testing.T) {
	meta := loadTestMeta(t)

	table, err := BuildTable(meta, 0, common.FIL_NULL, 21, 16384)
	require.NoError(t, err)
	require.Len(t, table.Indexes, 1)
	assert.Equal(t, "PRIMARY", table.Indexes[0].Name)
}

func TestBuildTableOrdPart(t *testing.T) {
	meta := loadTestMeta(t)

	table, err := BuildTable(meta, 0, common.FIL_NULL, 21, 16384)
	require.NoError(t, err)

	// 主键首列进入排序集
	assert.Equal(t, uint32(1), table.Columns[0].OrdPart)
	assert.Equal(t, uint32(0), table.Columns[1].OrdPart)
}

func TestWriteFileLayout(t *testing.T) {
	meta := loadTestMeta(t)
	table, err := BuildTable(meta, common.FSP_FLAGS_MASK_SDI, 3, 21, 16384)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.cfg")
	require.NoError(t, WriteFile(path, table, "testhost"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// 版本v7开头
	assert.Equal(t, uint32(CfgVersionV7), util.MachReadFrom4(data, 0))

	// 主机名: u32含NUL长度 + 字节
	hostLen := util.MachReadFrom4(data, 4)
	assert.Equal(t, uint32(len("testhost")+1), hostLen)
	assert.Equal(t, "testhost", string(data[8:8+len("testhost")]))
	assert.Equal(t, byte(0), data[8+len("testhost")])

	// 表名紧随其后
	pos := 8 + int(hostLen)
	nameLen := util.MachReadFrom4(data, pos)
	assert.Equal(t, uint32(len("loja/clientes")+1), nameLen)
	assert.Equal(t, "loja/clientes", string(data[pos+4:pos+4+len("loja/clientes")]))

	// autoinc + 页尺寸
	pos += 4 + int(nameLen)
	assert.Equal(t, uint64(100), util.MachReadFrom8(data, pos))
	assert.Equal(t, uint32(16384), util.MachReadFrom4(data, pos+8))
}

func TestDictTfInit(t *testing.T) {
	assert.Equal(t, uint32(0x21), DictTfInit(true, 0, true, false, false))
	assert.Equal(t, uint32(0x29), DictTfInit(true, 4, true, false, false))
	assert.Equal(t, uint32(0), DictTfInit(false, 0, false, false, false))
}

func TestDecodeInstantDefault(t *testing.T) {
	// 半字节映射'a'..'p': 0x01 0xFF => "ab" "pp"
	kv := map[string]string{"default": "abpp"}
	value, isNull, has := decodeInstantDefault(kv)
	assert.True(t, has)
	assert.False(t, isNull)
	assert.Equal(t, []byte{0x01, 0xFF}, value)

	kv = map[string]string{"default_null": "1"}
	_, isNull, has = decodeInstantDefault(kv)
	assert.True(t, has)
	assert.True(t, isNull)
}
