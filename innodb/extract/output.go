// Package extract 驱动mode 3: 扫页、解析记录、解析外部值并按选定格式输出。
package extract

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"xmysql-ibd-parser/innodb/record"
	"xmysql-ibd-parser/innodb/schema"
)

// RowFormat 输出格式
type RowFormat int

const (
	FormatPipe RowFormat = iota
	FormatCSV
	FormatJSONL
)

// ParseRowFormat 解析--format取值
func ParseRowFormat(s string) (RowFormat, bool) {
	switch s {
	case "", "pipe":
		return FormatPipe, true
	case "csv":
		return FormatCSV, true
	case "jsonl":
		return FormatJSONL, true
	}
	return FormatPipe, false
}

// RowWriter 记录流写出器。pipe/csv带一次性表头，jsonl逐行独立。
type RowWriter struct {
	w             *bufio.Writer
	format        RowFormat
	withMeta      bool
	showInternal  bool
	table         *schema.TableDef
	headerPrinted bool
}

// NewRowWriter 创建写出器
func NewRowWriter(w io.Writer, format RowFormat, withMeta, showInternal bool,
	table *schema.TableDef) *RowWriter {
	return &RowWriter{
		w:            bufio.NewWriter(w),
		format:       format,
		withMeta:     withMeta,
		showInternal: showInternal,
		table:        table,
	}
}

// Flush 刷出缓冲
func (rw *RowWriter) Flush() error {
	return rw.w.Flush()
}

func (rw *RowWriter) visible(i int) bool {
	return rw.showInternal || rw.table.Fields[i].Type != schema.FtInternal
}

func (rw *RowWriter) sep() byte {
	if rw.format == FormatCSV {
		return ','
	}
	return '|'
}

// writeHeader pipe/csv的表头行
func (rw *RowWriter) writeHeader() {
	if rw.headerPrinted || rw.format == FormatJSONL {
		return
	}
	printed := 0
	if rw.withMeta {
		rw.w.WriteString("page_no")
		rw.w.WriteByte(rw.sep())
		rw.w.WriteString("rec_offset")
		rw.w.WriteByte(rw.sep())
		rw.w.WriteString("rec_deleted")
		printed = 3
	}
	for i := range rw.table.Fields {
		if !rw.visible(i) {
			continue
		}
		if printed > 0 {
			rw.w.WriteByte(rw.sep())
		}
		rw.w.WriteString(rw.table.Fields[i].Name)
		printed++
	}
	rw.w.WriteByte('\n')
	rw.headerPrinted = true
}

// csvNeedsQuotes RFC-4180: 含逗号/引号/换行才加引号
func csvNeedsQuotes(value string) bool {
	return strings.ContainsAny(value, ",\"\n\r")
}

func (rw *RowWriter) writeCSVValue(value string) {
	if !csvNeedsQuotes(value) {
		rw.w.WriteString(value)
		return
	}
	rw.w.WriteByte('"')
	for i := 0; i < len(value); i++ {
		if value[i] == '"' {
			rw.w.WriteString(`""`)
		} else {
			rw.w.WriteByte(value[i])
		}
	}
	rw.w.WriteByte('"')
}

func (rw *RowWriter) writeJSONString(value string) {
	rw.w.WriteByte('"')
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '\\':
			rw.w.WriteString(`\\`)
		case '"':
			rw.w.WriteString(`\"`)
		case '\b':
			rw.w.WriteString(`\b`)
		case '\f':
			rw.w.WriteString(`\f`)
		case '\n':
			rw.w.WriteString(`\n`)
		case '\r':
			rw.w.WriteString(`\r`)
		case '\t':
			rw.w.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(rw.w, `\u%04X`, c)
			} else {
				rw.w.WriteByte(c)
			}
		}
	}
	rw.w.WriteByte('"')
}

// WriteRow 写出一行。values与table.Fields一一对应。
func (rw *RowWriter) WriteRow(values []record.FieldOutput, meta record.RowMeta) {
	if rw.format == FormatJSONL {
		rw.writeJSONLRow(values, meta)
		return
	}

	rw.writeHeader()

	printed := 0
	if rw.withMeta {
		metaVals := []string{
			fmt.Sprintf("%d", meta.PageNo),
			fmt.Sprintf("%d", meta.RecOffset),
			fmt.Sprintf("%t", meta.Deleted),
		}
		for _, v := range metaVals {
			if printed > 0 {
				rw.w.WriteByte(rw.sep())
			}
			if rw.format == FormatCSV {
				rw.writeCSVValue(v)
			} else {
				rw.w.WriteString(v)
			}
			printed++
		}
	}

	for i := range rw.table.Fields {
		if !rw.visible(i) {
			continue
		}
		if printed > 0 {
			rw.w.WriteByte(rw.sep())
		}
		v := values[i]
		switch {
		case v.IsNull:
			if rw.format == FormatCSV {
				rw.writeCSVValue("NULL")
			} else {
				rw.w.WriteString("NULL")
			}
		case rw.format == FormatCSV:
			rw.writeCSVValue(v.Value)
		default:
			rw.w.WriteString(v.Value)
		}
		printed++
	}
	rw.w.WriteByte('\n')
}

func (rw *RowWriter) writeJSONLRow(values []record.FieldOutput, meta record.RowMeta) {
	rw.w.WriteByte('{')
	first := true

	if rw.withMeta {
		fmt.Fprintf(rw.w, `"page_no":%d,"rec_offset":%d,"rec_deleted":%t`,
			meta.PageNo, meta.RecOffset, meta.Deleted)
		first = false
	}

	for i := range rw.table.Fields {
		if !rw.visible(i) {
			continue
		}
		if !first {
			rw.w.WriteByte(',')
		}
		rw.writeJSONString(rw.table.Fields[i].Name)
		rw.w.WriteByte(':')
		v := values[i]
		switch {
		case v.IsNull:
			rw.w.WriteString("null")
		case v.IsNumeric:
			rw.w.WriteString(v.Value)
		default:
			rw.writeJSONString(v.Value)
		}
		first = false
	}
	rw.w.WriteString("}\n")
}
