package extract

import (
	"io"
	"os"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/lob"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/record"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/innodb/tablespace"
	"xmysql-ibd-parser/logger"
)

// Options mode 3的参数面
type Options struct {
	InputPath      string
	SchemaJSONPath string
	IndexSelector  string
	IndexExplicit  bool
	ListIndexes    bool
	Format         RowFormat
	OutputPath     string
	WithMeta       bool
	LobMaxBytes    int
	IncludeDeleted bool
	ShowInternal   bool
}

// Run 执行记录抽取
func Run(opts Options) error {
	meta, err := schema.LoadSdiJSON(opts.SchemaJSONPath)
	if err != nil {
		return errors.Trace(err)
	}

	if opts.ListIndexes {
		meta.PrintIndexes(os.Stdout)
		return nil
	}

	var selection *schema.IndexSelection
	columns := meta.Table.Columns
	if len(meta.Table.Indexes) > 0 {
		if selection, err = meta.SelectIndex(opts.IndexSelector); err != nil {
			return errors.Trace(err)
		}
		columns = selection.Columns
	} else if opts.IndexExplicit {
		return errors.Annotate(schema.ErrSchemaError,
			"index selection requires SDI index metadata")
	}

	table, err := schema.BuildTableDef(meta.Table.Name, columns)
	if err != nil {
		return errors.Trace(err)
	}

	space, err := tablespace.OpenSpaceFile(opts.InputPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer space.Close()
	ps := space.PageSize()

	targetIndexID := uint64(0)
	if selection != nil && selection.ID != 0 {
		targetIndexID = selection.ID
	}
	if targetIndexID == 0 && selection != nil && selection.Root != common.FIL_NULL {
		if id, ok := readIndexIDFromRoot(space, selection.Root); ok {
			targetIndexID = id
		}
	}
	if targetIndexID == 0 {
		if opts.IndexExplicit && selection != nil {
			return errors.Errorf("could not resolve index id for selected index '%s'",
				selection.Name)
		}
		id, err := discoverIndexID(space)
		if err != nil {
			return errors.Annotatef(err, "discover index id in %s", opts.InputPath)
		}
		targetIndexID = id
	}
	logger.Infof("Target index id: %d", targetIndexID)

	var out io.Writer = os.Stdout
	if opts.OutputPath != "" {
		f, err := os.Create(opts.OutputPath)
		if err != nil {
			return errors.Trace(err)
		}
		defer f.Close()
		out = f
	}

	writer := NewRowWriter(out, opts.Format, opts.WithMeta, opts.ShowInternal, table)
	lobReader := lob.NewReader(space, opts.LobMaxBytes)
	sink := makeRowSink(writer, table, lobReader, opts.LobMaxBytes)

	physBuf := make([]byte, ps.Physical)
	logicalBuf := make([]byte, ps.Logical)
	xdes := tablespace.NewXdesCache(ps)

	var totalRecords, totalInvalid uint64
	numPages := space.NumPages()
	for pageNo := uint32(0); pageNo < numPages; pageNo++ {
		if err := space.ReadPage(pageNo, physBuf); err != nil {
			logger.Warnf("read page %d failed: %v", pageNo, err)
			continue
		}

		// 撕裂页/零页: 页头中的页号与流位置不符则跳过
		if innopage.PageNo(physBuf) != pageNo {
			continue
		}

		pageType := innopage.PageType(physBuf)
		if pageType == common.FIL_PAGE_TYPE_XDES || pageType == common.FIL_PAGE_TYPE_FSP_HDR {
			xdes.Update(pageNo, physBuf)
		}

		xdes.Load(space, pageNo)
		if xdes.IsFree(pageNo) {
			continue
		}

		if pageType != common.FIL_PAGE_INDEX {
			continue
		}

		parseBuf := physBuf
		parseSize := ps.Physical
		if ps.Compressed() {
			actual, err := innopage.DecompressPageInplace(physBuf, ps.Physical, ps.Logical, logicalBuf)
			if err != nil || actual != ps.Logical {
				logger.Warnf("decompress page %d failed, skipping: %v", pageNo, err)
				continue
			}
			parseBuf = logicalBuf
			parseSize = ps.Logical
		}

		if !innopage.IsComp(parseBuf) {
			continue
		}

		stats := record.ParseLeafPage(parseBuf, parseSize, uint64(pageNo),
			table, targetIndexID, opts.IncludeDeleted, sink)
		totalRecords += uint64(stats.Records)
		totalInvalid += uint64(stats.Invalid)

		if (pageNo+1)%100 == 0 {
			logger.Infof("[PROGRESS] Scanned %d/%d pages", pageNo+1, numPages)
		}
	}

	if err := writer.Flush(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("Parse complete. Pages read: %d, records: %d, invalid: %d",
		numPages, totalRecords, totalInvalid)
	return nil
}

// makeRowSink 组装记录回调: 字段取值、外部值解析、格式化、写出
func makeRowSink(writer *RowWriter, table *schema.TableDef,
	lobReader *lob.Reader, lobMaxBytes int) record.RowSink {

	opts := record.FormatOptions{}

	return func(page []byte, rec int, offsets []uint32, meta record.RowMeta) bool {
		values := make([]record.FieldOutput, len(table.Fields))
		for i := range table.Fields {
			raw := record.NthField(page, rec, offsets, i)
			if raw == nil {
				values[i] = record.FieldOutput{IsNull: true}
				continue
			}
			if record.NthExtern(offsets, i) {
				values[i] = resolveExternField(&table.Fields[i], raw, lobReader, opts)
				continue
			}
			values[i] = record.FormatFieldValue(&table.Fields[i], raw, false, opts)
		}
		writer.WriteRow(values, meta)
		return true
	}
}

// resolveExternField 外部存储字段: 记录内为前缀+20字节引用。
// 解析失败退回哨兵输出。
func resolveExternField(fld *schema.FieldDef, raw []byte,
	lobReader *lob.Reader, opts record.FormatOptions) record.FieldOutput {

	if lobReader == nil || len(raw) < common.FIELD_REF_SIZE {
		return record.FormatFieldValue(fld, raw, true, opts)
	}

	local := raw[:len(raw)-common.FIELD_REF_SIZE]
	ref := lob.ParseExternRef(raw[len(raw)-common.FIELD_REF_SIZE:])

	ext, truncated, err := lobReader.ReadExternal(ref)
	if err != nil {
		logger.Warnf("LOB read for column %s failed: %v", fld.Name, err)
		return record.FormatFieldValue(fld, raw, true, opts)
	}

	full := make([]byte, 0, len(local)+len(ext))
	full = append(full, local...)
	full = append(full, ext...)

	out := record.FormatFieldValue(fld, full, false, opts)
	if truncated && !out.IsNull && !out.IsNumeric {
		out.Value += "...(truncated)"
	}
	return out
}

// readIndexIDFromRoot 读取选定索引根页的PAGE_INDEX_ID
func readIndexIDFromRoot(space *tablespace.SpaceFile, root uint32) (uint64, bool) {
	ps := space.PageSize()
	if root == common.FIL_NULL || root >= space.NumPages() {
		return 0, false
	}

	buf := make([]byte, ps.Physical)
	if err := space.ReadPage(root, buf); err != nil {
		return 0, false
	}

	pageData := buf
	if ps.Compressed() {
		logicalBuf := make([]byte, ps.Logical)
		actual, err := innopage.DecompressPageInplace(buf, ps.Physical, ps.Logical, logicalBuf)
		if err != nil || actual != ps.Logical {
			return 0, false
		}
		pageData = logicalBuf
	}

	if innopage.PageType(pageData) != common.FIL_PAGE_INDEX {
		return 0, false
	}
	return innopage.IndexID(pageData), true
}

// discoverIndexID SDI无索引id时的兜底: 取文件中首个INDEX叶子页的索引id
func discoverIndexID(space *tablespace.SpaceFile) (uint64, error) {
	ps := space.PageSize()
	physBuf := make([]byte, ps.Physical)
	logicalBuf := make([]byte, ps.Logical)

	for pageNo := uint32(0); pageNo < space.NumPages(); pageNo++ {
		if err := space.ReadPage(pageNo, physBuf); err != nil {
			continue
		}
		if innopage.PageType(physBuf) != common.FIL_PAGE_INDEX {
			continue
		}

		pageData := physBuf
		if ps.Compressed() {
			actual, err := innopage.DecompressPageInplace(physBuf, ps.Physical, ps.Logical, logicalBuf)
			if err != nil || actual != ps.Logical {
				continue
			}
			pageData = logicalBuf
		}
		if innopage.PageLevel(pageData) != 0 {
			continue
		}
		return innopage.IndexID(pageData), nil
	}
	return 0, errors.New("no INDEX leaf page found")
}
