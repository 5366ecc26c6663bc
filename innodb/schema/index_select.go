package schema

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// dd::Index::enum_index_type
const (
	IndexTypePrimary  = 1
	IndexTypeUnique   = 2
	IndexTypeMultiple = 3
	IndexTypeFulltext = 4
	IndexTypeSpatial  = 5
)

// IndexSelection 选定的目标索引及其列投影
type IndexSelection struct {
	Name    string
	ID      uint64
	Root    uint32
	Columns []ColumnInfo
}

// FindIndexByName 按名称(大小写不敏感)查索引
func (m *Metadata) FindIndexByName(name string) *IndexInfo {
	for i := range m.Table.Indexes {
		if strings.EqualFold(m.Table.Indexes[i].Name, name) {
			return &m.Table.Indexes[i]
		}
	}
	return nil
}

// FindIndexByID 按id查索引
func (m *Metadata) FindIndexByID(id uint64) *IndexInfo {
	for i := range m.Table.Indexes {
		if m.Table.Indexes[i].ID == id && id != 0 {
			return &m.Table.Indexes[i]
		}
	}
	return nil
}

// PrintIndexes 打印SDI中全部索引(--list-indexes)
func (m *Metadata) PrintIndexes(w io.Writer) {
	if len(m.Table.Indexes) == 0 {
		fmt.Fprintln(w, "No indexes found in SDI.")
		return
	}
	fmt.Fprintln(w, "Indexes in SDI:")
	for i := range m.Table.Indexes {
		idx := &m.Table.Indexes[i]
		fmt.Fprintf(w, "  - %s (id=%d root=%d fields=%d)\n",
			idx.Name, idx.ID, idx.Root, len(idx.Elements))
	}
}

// SelectIndex 解析--index选择子(名称或数字id)，默认PRIMARY。
// 返回索引与按其元素顺序投影的列序列。
func (m *Metadata) SelectIndex(selector string) (*IndexSelection, error) {
	if len(m.Table.Indexes) == 0 {
		return nil, errors.Annotate(ErrSchemaError, "SDI does not contain index definitions")
	}

	sel := selector
	if sel == "" {
		sel = "PRIMARY"
	}

	var chosen *IndexInfo
	if id, err := strconv.ParseUint(sel, 10, 64); err == nil {
		chosen = m.FindIndexByID(id)
	}
	if chosen == nil {
		chosen = m.FindIndexByName(sel)
	}
	if chosen == nil {
		return nil, errors.Annotatef(ErrSchemaError, "requested index '%s' not found in SDI", sel)
	}

	columns, err := m.buildIndexColumns(chosen)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &IndexSelection{
		Name:    chosen.Name,
		ID:      chosen.ID,
		Root:    chosen.Root,
		Columns: columns,
	}, nil
}

// buildIndexColumns 按索引元素序投影列定义。
// 二级索引的物理记录序: 键列在前，随后是主键列与包含列，
// 字典的elements已经按该物理序给出ordinal_position。
// 前缀索引的元素长度会收窄列的最大长度。
func (m *Metadata) buildIndexColumns(idx *IndexInfo) ([]ColumnInfo, error) {
	if len(idx.Elements) == 0 {
		return nil, errors.Annotatef(ErrSchemaError, "index '%s' has no elements", idx.Name)
	}

	elems := make([]IndexElementInfo, len(idx.Elements))
	copy(elems, idx.Elements)
	sort.SliceStable(elems, func(i, j int) bool {
		return elems[i].OrdinalPosition < elems[j].OrdinalPosition
	})

	var out []ColumnInfo
	for _, elem := range elems {
		if elem.ColumnOpx < 0 || elem.ColumnOpx >= len(m.Table.Columns) {
			return nil, errors.Annotatef(ErrSchemaError,
				"index '%s' refers to invalid column_opx=%d", idx.Name, elem.ColumnOpx)
		}
		col := m.Table.Columns[elem.ColumnOpx]
		if elem.Length != 0xFFFFFFFF && elem.Length > 0 {
			if col.CharLength == 0 || elem.Length < col.CharLength {
				col.CharLength = elem.Length
			}
		}
		out = append(out, col)
	}

	if len(out) == 0 {
		return nil, errors.Annotatef(ErrSchemaError, "index '%s' has no usable columns", idx.Name)
	}
	return out, nil
}
