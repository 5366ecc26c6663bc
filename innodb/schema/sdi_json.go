// Package schema 解析ib2sdi导出的字典JSON，构建解析记录所需的表定义。
package schema

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ErrSchemaError 字典JSON缺失Table对象或列/索引定义不一致
var ErrSchemaError = errors.New("schema error")

// ColumnInfo 字典中的列定义
type ColumnInfo struct {
	Name             string   `json:"name"`
	Type             uint32   `json:"type"` // dd::enum_column_types
	TypeUtf8         string   `json:"column_type_utf8"`
	IsNullable       bool     `json:"is_nullable"`
	IsUnsigned       bool     `json:"is_unsigned"`
	IsVirtual        bool     `json:"is_virtual"`
	Hidden           uint32   `json:"hidden"`
	CharLength       uint32   `json:"char_length"`
	NumericPrecision uint32   `json:"numeric_precision"`
	NumericScale     uint32   `json:"numeric_scale"`
	DatetimePrecision uint32  `json:"datetime_precision"`
	CollationID      uint32   `json:"collation_id"`
	SePrivateData    string   `json:"se_private_data"`
	Elements         []string `json:"-"`
}

// IndexElementInfo 索引元素
type IndexElementInfo struct {
	ColumnOpx       int    `json:"column_opx"`
	OrdinalPosition int    `json:"ordinal_position"`
	Length          uint32 `json:"length"`
	Order           uint32 `json:"order"`
	Hidden          bool   `json:"hidden"`
}

// IndexInfo 字典中的索引定义
type IndexInfo struct {
	Name          string             `json:"name"`
	Type          uint32             `json:"type"` // dd::Index::enum_index_type
	Options       string             `json:"options"`
	SePrivateData string             `json:"se_private_data"`
	Elements      []IndexElementInfo `json:"elements"`

	// 从se_private_data解析出的常用字段
	ID   uint64 `json:"-"`
	Root uint32 `json:"-"`
}

// TableInfo 字典中的表定义
type TableInfo struct {
	Name          string       `json:"name"`
	SchemaRef     string       `json:"schema_ref"`
	Options       string       `json:"options"`
	SePrivateData string       `json:"se_private_data"`
	RowFormat     uint32       `json:"row_format"`
	Columns       []ColumnInfo `json:"columns"`
	Indexes       []IndexInfo  `json:"indexes"`
}

// TablespaceInfo 字典中的表空间定义
type TablespaceInfo struct {
	Name          string   `json:"name"`
	Options       string   `json:"options"`
	SePrivateData string   `json:"se_private_data"`
	Files         []string `json:"-"`
}

// Metadata 一份sdi.json解析出的全部元数据
type Metadata struct {
	HasTable      bool
	HasTablespace bool
	Table         TableInfo
	Tablespace    TablespaceInfo
}

// FullName schema/table形式的全名
func (t *TableInfo) FullName() string {
	if t.SchemaRef != "" {
		return t.SchemaRef + "/" + t.Name
	}
	return t.Name
}

// ParseKvString 解析se_private_data/options的"k=v;k=v;"串
func ParseKvString(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			continue
		}
		out[part[:eq]] = part[eq+1:]
	}
	return out
}

// sdiElementJSON 列的enum/set元素，名称为base64编码
type sdiElementJSON struct {
	Name  string `json:"name"`
	Index uint32 `json:"index"`
}

type sdiColumnJSON struct {
	ColumnInfo
	RawElements []json.RawMessage `json:"elements"`
}

type sdiTableJSON struct {
	TableInfo
	RawColumns []sdiColumnJSON `json:"columns"`
}

type sdiFileJSON struct {
	Filename string `json:"filename"`
}

type sdiTablespaceJSON struct {
	TablespaceInfo
	RawFiles []sdiFileJSON `json:"files"`
}

type sdiObjectJSON struct {
	DdObjectType string          `json:"dd_object_type"`
	DdObject     json.RawMessage `json:"dd_object"`
}

type sdiEntryJSON struct {
	Type   uint64        `json:"type"`
	ID     uint64        `json:"id"`
	Object sdiObjectJSON `json:"object"`
}

// LoadSdiJSON 加载sdi.json并抽取Table/Tablespace对象
func LoadSdiJSON(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "open SDI JSON %s", path)
	}
	return ParseSdiJSON(data)
}

// ParseSdiJSON 解析sdi.json字节
func ParseSdiJSON(data []byte) (*Metadata, error) {
	// 顶层数组元素既有字符串"ibd2sdi"也有对象，先拆成RawMessage
	var rawEntries []json.RawMessage
	if err := json.Unmarshal(data, &rawEntries); err != nil {
		return nil, errors.Annotatef(ErrSchemaError, "top-level parse: %v", err)
	}

	meta := &Metadata{}
	for _, raw := range rawEntries {
		var entry sdiEntryJSON
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue // "ibd2sdi"等字符串元素
		}

		switch entry.Object.DdObjectType {
		case "Table":
			var tbl sdiTableJSON
			if err := json.Unmarshal(entry.Object.DdObject, &tbl); err != nil {
				return nil, errors.Annotatef(ErrSchemaError, "Table object: %v", err)
			}
			meta.Table = tbl.TableInfo
			meta.Table.Columns = make([]ColumnInfo, 0, len(tbl.RawColumns))
			for _, col := range tbl.RawColumns {
				c := col.ColumnInfo
				c.Elements = decodeElements(col.RawElements)
				meta.Table.Columns = append(meta.Table.Columns, c)
			}
			for i := range meta.Table.Indexes {
				idx := &meta.Table.Indexes[i]
				kv := ParseKvString(idx.SePrivateData)
				if v, ok := kv["id"]; ok {
					idx.ID, _ = strconv.ParseUint(v, 10, 64)
				}
				if v, ok := kv["root"]; ok {
					root, _ := strconv.ParseUint(v, 10, 32)
					idx.Root = uint32(root)
				}
			}
			meta.HasTable = true

		case "Tablespace":
			var space sdiTablespaceJSON
			if err := json.Unmarshal(entry.Object.DdObject, &space); err != nil {
				return nil, errors.Annotatef(ErrSchemaError, "Tablespace object: %v", err)
			}
			meta.Tablespace = space.TablespaceInfo
			for _, f := range space.RawFiles {
				meta.Tablespace.Files = append(meta.Tablespace.Files, f.Filename)
			}
			meta.HasTablespace = true
		}
	}

	if !meta.HasTable {
		return nil, errors.Annotate(ErrSchemaError, "SDI JSON missing Table object")
	}
	return meta, nil
}

// decodeElements 抽取enum/set元素名，兼容字符串与对象两种形态，
// 对象形态的name按base64解码。
func decodeElements(raw []json.RawMessage) []string {
	var out []string
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj sdiElementJSON
		if err := json.Unmarshal(r, &obj); err == nil {
			if decoded, err := base64.StdEncoding.DecodeString(obj.Name); err == nil {
				out = append(out, string(decoded))
			} else {
				out = append(out, obj.Name)
			}
		}
	}
	return out
}

// LoadSdiEntries 读取sdi.json中的原始(type, id, json)三元组，
// 供重建管线写回SDI根页使用，按(type, id)排序。
func LoadSdiEntries(path string) ([]SdiEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "open SDI JSON %s", path)
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(data, &rawEntries); err != nil {
		return nil, errors.Annotatef(ErrSchemaError, "top-level parse: %v", err)
	}

	var out []SdiEntry
	for _, raw := range rawEntries {
		var entry struct {
			Type   uint64          `json:"type"`
			ID     uint64          `json:"id"`
			Object json.RawMessage `json:"object"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if len(entry.Object) == 0 {
			continue
		}
		// SDI记录的JSON即object子树的紧凑序列化
		var compacted map[string]interface{}
		if err := json.Unmarshal(entry.Object, &compacted); err != nil {
			continue
		}
		serialized, err := json.Marshal(compacted)
		if err != nil {
			continue
		}
		out = append(out, SdiEntry{Type: entry.Type, ID: entry.ID, JSON: string(serialized)})
	}

	sortSdiEntries(out)
	return out, nil
}

// SdiEntry SDI根页中的一条记录
type SdiEntry struct {
	Type uint64
	ID   uint64
	JSON string
}

func sortSdiEntries(entries []SdiEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].ID < entries[j].ID
	})
}
