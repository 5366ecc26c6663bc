// Package rebuild 将压缩表空间重建为未压缩的16KB页文件，
// 重新合成SDI字典页并重算校验和，使产物可被活动server加载。
package rebuild

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/cfg"
	"xmysql-ibd-parser/innodb/common"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/innodb/sdi"
	"xmysql-ibd-parser/innodb/tablespace"
	"xmysql-ibd-parser/logger"
	"xmysql-ibd-parser/util"
)

var (
	// ErrNotCompressed 输入不是压缩表空间
	ErrNotCompressed = errors.New("input tablespace is not compressed")
	// ErrUnsupportedPageSize 重建只支持16KB逻辑页
	ErrUnsupportedPageSize = errors.New("only 16KB logical pages are supported for rebuild")
)

// Options 重建参数(mode 5的命令行面)
type Options struct {
	InputPath  string
	OutputPath string

	SourceSdiJSONPath string
	TargetSdiJSONPath string
	IndexIDMapPath    string
	CfgOutPath        string

	UseTargetSdiRoot      bool
	UseSourceSdiRoot      bool
	TargetSdiRootOverride uint32
	TargetSdiRootSet      bool
	TargetIbdPath         string

	UseTargetSpaceID      bool
	UseSourceSpaceID      bool
	TargetSpaceIDOverride uint32
	TargetSpaceIDSet      bool

	ValidateRemap bool

	// DataDir 解析相对表空间路径的基准目录
	DataDir string
}

// Rebuild 执行完整重建管线。
// 任何单页失败都致命: 输出文件的结构一致性要求每页都正确写出。
func Rebuild(opts Options) error {
	space, err := tablespace.OpenSpaceFile(opts.InputPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer space.Close()

	ps := space.PageSize()
	if !ps.Compressed() {
		return ErrNotCompressed
	}
	if ps.Logical != common.UNIV_PAGE_SIZE_ORIG {
		return ErrUnsupportedPageSize
	}

	st, err := os.Stat(opts.InputPath)
	if err != nil {
		return errors.Trace(err)
	}
	if st.Size()%int64(ps.Physical) != 0 {
		return errors.Errorf("file size %d is not a multiple of physical page size %d",
			st.Size(), ps.Physical)
	}
	numPages := space.NumPages()

	outputSdiJSONPath := opts.SourceSdiJSONPath
	if opts.TargetSdiJSONPath != "" {
		outputSdiJSONPath = opts.TargetSdiJSONPath
	}
	haveOutputJSON := outputSdiJSONPath != ""

	var sourceMeta, targetMeta *schema.Metadata
	if opts.SourceSdiJSONPath != "" {
		if sourceMeta, err = schema.LoadSdiJSON(opts.SourceSdiJSONPath); err != nil {
			return errors.Trace(err)
		}
	}
	if opts.TargetSdiJSONPath != "" {
		if targetMeta, err = schema.LoadSdiJSON(opts.TargetSdiJSONPath); err != nil {
			return errors.Trace(err)
		}
	}

	var sdiEntries []schema.SdiEntry
	var blobPool []uint32
	if haveOutputJSON {
		if sdiEntries, err = schema.LoadSdiEntries(outputSdiJSONPath); err != nil {
			return errors.Trace(err)
		}
		if blobPool, err = collectSdiBlobPages(space); err != nil {
			return errors.Trace(err)
		}
	}

	sdiMeta := sourceMeta
	if targetMeta != nil {
		sdiMeta = targetMeta
	}

	indexIDRemap := make(map[uint64]uint64)
	if sourceMeta != nil && targetMeta != nil {
		if indexIDRemap, err = BuildIndexIDRemapFromSdi(sourceMeta, targetMeta); err != nil {
			return errors.Trace(err)
		}
	}
	if opts.IndexIDMapPath != "" {
		fileMap, err := LoadIndexIDMapFile(opts.IndexIDMapPath)
		if err != nil {
			return errors.Trace(err)
		}
		indexIDRemap = MergeIndexIDMaps(indexIDRemap, fileMap)
	}
	if len(indexIDRemap) > 0 {
		logger.Infof("Index-id remap entries: %d", len(indexIDRemap))
	}

	targetSdiRoot, targetSdiRootSet := resolveTargetSdiRoot(&opts, targetMeta)
	if opts.UseTargetSdiRoot && !targetSdiRootSet {
		return errors.New("--use-target-sdi-root requires target SDI root data")
	}
	if opts.CfgOutPath != "" && !haveOutputJSON {
		return errors.New("--cfg-out requires SDI JSON metadata")
	}

	targetSpaceID, targetSpaceIDSet := resolveTargetSpaceID(&opts, targetMeta)
	if opts.UseTargetSpaceID && !targetSpaceIDSet {
		return errors.New("--use-target-space-id requires target space id data")
	}

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer out.Close()

	logger.Infof("========================================")
	logger.Infof("REBUILD STARTING")
	logger.Infof("Input: %s (%d bytes)", opts.InputPath, st.Size())
	logger.Infof("Physical page size: %d, Logical page size: %d", ps.Physical, ps.Logical)
	logger.Infof("Total pages: %d", numPages)
	logger.Infof("========================================")

	inBuf := make([]byte, ps.Physical)
	outBuf := make([]byte, ps.Logical)

	spaceID := uint32(common.SPACE_UNKNOWN)
	var spaceFlags uint32
	spaceFlagsSet := false
	sdiRootPage := uint32(common.FIL_NULL)
	sdiRootSet := false

	blobAlloc := &sdi.BlobAllocator{
		Pages:    blobPool,
		PageSize: ps.Logical,
		OutPages: make(map[uint32][]byte),
	}

	for pageNo := uint32(0); pageNo < numPages; pageNo++ {
		if err := space.ReadPage(pageNo, inBuf); err != nil {
			return errors.Annotatef(err, "read page %d", pageNo)
		}

		actual, err := innopage.DecompressPageInplace(inBuf, ps.Physical, ps.Logical, outBuf)
		if err != nil {
			return errors.Annotatef(err, "decompress page %d", pageNo)
		}
		_ = actual // 元数据页占用前physical字节，其余为零，整页按logical写出

		if pageNo == 0 {
			if haveOutputJSON {
				if !common.FspFlagsHasSdi(ps.Flags) {
					return errors.New("SDI JSON provided but tablespace has no SDI flag")
				}
				oldOffset := common.SdiOffset(ps.Physical, ps.Logical)
				sdiVersion := util.MachReadFrom4(inBuf, oldOffset)
				sourceRoot := util.MachReadFrom4(inBuf, oldOffset+4)
				sdiRootPage = sourceRoot

				if targetSdiRootSet &&
					(targetSdiRoot == 0 || targetSdiRoot == common.FIL_NULL) {
					logger.Warnf("target SDI root page is invalid (%d); ignoring", targetSdiRoot)
					targetSdiRootSet = false
				}
				if targetSdiRootSet && targetSdiRoot != sourceRoot {
					logger.Warnf("SDI root mismatch (source=%d target=%d)", sourceRoot, targetSdiRoot)
					if opts.UseTargetSdiRoot {
						sdiRootPage = targetSdiRoot
						logger.Warnf("using target SDI root page as requested")
					} else {
						logger.Warnf("using source SDI root page (default)")
					}
				} else if opts.UseTargetSdiRoot && targetSdiRootSet {
					sdiRootPage = targetSdiRoot
				}
				if opts.UseSourceSdiRoot {
					sdiRootPage = sourceRoot
				}
				sdiRootSet = sdiRootPage != 0 && sdiRootPage != common.FIL_NULL
				logger.Infof("SDI header: version=%d root_page=%d (json=%s)",
					sdiVersion, sdiRootPage, outputSdiJSONPath)
			}

			if spaceID, err = updateTablespaceHeader(outBuf, ps.Logical); err != nil {
				return errors.Trace(err)
			}
			if opts.UseTargetSpaceID && targetSpaceIDSet {
				spaceID = targetSpaceID
				util.MachWriteTo4(outBuf,
					common.FSP_HEADER_OFFSET+common.FSP_SPACE_ID, spaceID)
			}
			spaceFlags = util.MachReadFrom4(outBuf,
				common.FSP_HEADER_OFFSET+common.FSP_SPACE_FLAGS)
			spaceFlagsSet = true

			if haveOutputJSON {
				if !sdiRootSet || sdiRootPage >= numPages {
					return errors.Annotatef(sdi.ErrSdiRootInvalid,
						"invalid SDI root page (%d) for %d pages", sdiRootPage, numPages)
				}
				newOffset := common.SdiOffset(ps.Logical, ps.Logical)
				util.MachWriteTo4(outBuf, newOffset, common.SDI_VERSION)
				util.MachWriteTo4(outBuf, newOffset+4, sdiRootPage)
			}

			blobAlloc.SpaceID = spaceID
		}

		if spaceID == common.SPACE_UNKNOWN {
			return errors.New("space id not set after page 0 processing")
		}

		if haveOutputJSON && sdiRootSet && pageNo == sdiRootPage {
			if err := rebuildSdiRootPage(outBuf, ps.Logical, pageNo, sdiEntries, blobAlloc); err != nil {
				return errors.Annotatef(err, "SDI root page %d rebuild", pageNo)
			}
		}

		if len(indexIDRemap) > 0 {
			pageType := innopage.PageType(outBuf)
			if pageType == common.FIL_PAGE_INDEX || pageType == common.FIL_PAGE_RTREE {
				oldID := innopage.IndexID(outBuf)
				if newID, ok := indexIDRemap[oldID]; ok {
					util.MachWriteTo8(outBuf, common.PAGE_HEADER+common.PAGE_INDEX_ID, newID)
				}
			}
		}

		util.MachWriteTo4(outBuf, common.FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID, spaceID)
		innopage.StampPageLsnAndCrc32(outBuf, ps.Logical, 0)

		if _, err := out.WriteAt(outBuf, int64(pageNo)*int64(ps.Logical)); err != nil {
			return errors.Annotatef(err, "write page %d", pageNo)
		}

		if (pageNo+1)%100 == 0 || pageNo+1 == numPages {
			logger.Infof("[PROGRESS] Rebuilt %d/%d pages (%.1f%%)",
				pageNo+1, numPages, 100*float64(pageNo+1)/float64(numPages))
		}
	}

	// 合成的SDI-BLOB页覆写到各自槽位
	for pageNo, page := range blobAlloc.OutPages {
		if len(page) != ps.Logical {
			return errors.Errorf("SDI blob page %d size mismatch (%d != %d)",
				pageNo, len(page), ps.Logical)
		}
		if _, err := out.WriteAt(page, int64(pageNo)*int64(ps.Logical)); err != nil {
			return errors.Annotatef(err, "write SDI blob page %d", pageNo)
		}
	}

	logger.Infof("========================================")
	logger.Infof("REBUILD COMPLETE")
	logger.Infof("Output pages written: %d", numPages)
	logger.Infof("========================================")

	if opts.CfgOutPath != "" {
		if !spaceFlagsSet {
			return errors.New("space flags not captured for cfg output")
		}
		if common.FspFlagsHasSdi(spaceFlags) && !sdiRootSet {
			return errors.New("SDI root page not set for cfg output")
		}
		cfgRoot := uint32(common.FIL_NULL)
		if sdiRootSet {
			cfgRoot = sdiRootPage
		}
		cfgTable, err := cfg.BuildTable(sdiMeta, spaceFlags, cfgRoot, spaceID, ps.Logical)
		if err != nil {
			return errors.Trace(err)
		}
		if err := cfg.WriteFile(opts.CfgOutPath, cfgTable, ""); err != nil {
			return errors.Trace(err)
		}
		logger.Infof("CFG written to: %s", opts.CfgOutPath)
	}

	if opts.ValidateRemap {
		if err := validateRemap(opts.OutputPath, indexIDRemap); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// collectSdiBlobPages 扫描输入，枚举全部SDI_BLOB/SDI_ZBLOB页作为空闲池
func collectSdiBlobPages(space *tablespace.SpaceFile) ([]uint32, error) {
	ps := space.PageSize()
	buf := make([]byte, ps.Physical)
	var pages []uint32

	for pageNo := uint32(0); pageNo < space.NumPages(); pageNo++ {
		if err := space.ReadPage(pageNo, buf); err != nil {
			return nil, errors.Annotatef(err, "SDI scan page %d", pageNo)
		}
		t := innopage.PageType(buf)
		if t == common.FIL_PAGE_SDI_BLOB || t == common.FIL_PAGE_SDI_ZBLOB {
			pages = append(pages, pageNo)
		}
	}
	logger.Infof("SDI blob free pool: %d pages", len(pages))
	return pages, nil
}

// updateTablespaceHeader 清零页0的page-ssize/zip-ssize位。
// SDI子头偏移随标志位变化时，两枚u32搬到新槽位并清零旧槽位。
func updateTablespaceHeader(page []byte, pageSize int) (uint32, error) {
	if pageSize != common.UNIV_PAGE_SIZE_ORIG {
		return 0, ErrUnsupportedPageSize
	}

	spaceID := util.MachReadFrom4(page, common.FSP_HEADER_OFFSET+common.FSP_SPACE_ID)
	if spaceID == 0 || spaceID == common.SPACE_UNKNOWN {
		return 0, errors.Errorf("invalid space id in page 0 header: %d", spaceID)
	}

	oldFlags := util.MachReadFrom4(page, common.FSP_HEADER_OFFSET+common.FSP_SPACE_FLAGS)
	if !common.FspFlagsIsValid(oldFlags) {
		return 0, errors.Errorf("invalid FSP flags in page 0: 0x%x", oldFlags)
	}

	newFlags := oldFlags
	newFlags &^= common.FSP_FLAGS_MASK_ZIP_SSIZE
	newFlags &^= common.FSP_FLAGS_MASK_PAGE_SSIZE

	oldPhysical := common.PageSizeFromSsize(common.FspFlagsGetZipSsize(oldFlags))
	if common.FspFlagsGetZipSsize(oldFlags) == 0 {
		oldPhysical = common.PageSizeFromSsize(common.FspFlagsGetPageSsize(oldFlags))
	}
	oldLogical := common.PageSizeFromSsize(common.FspFlagsGetPageSsize(oldFlags))

	oldSdiOffset := common.SdiOffset(oldPhysical, oldLogical)
	newSdiOffset := common.SdiOffset(pageSize, pageSize)

	if common.FspFlagsHasSdi(oldFlags) && oldSdiOffset != newSdiOffset {
		sdiVersion := util.MachReadFrom4(page, oldSdiOffset)
		sdiRoot := util.MachReadFrom4(page, oldSdiOffset+4)
		if sdiVersion != 0 {
			util.MachWriteTo4(page, newSdiOffset, sdiVersion)
			util.MachWriteTo4(page, newSdiOffset+4, sdiRoot)
			util.MachWriteTo4(page, oldSdiOffset, 0)
			util.MachWriteTo4(page, oldSdiOffset+4, 0)
		}
	}

	util.MachWriteTo4(page, common.FSP_HEADER_OFFSET+common.FSP_SPACE_FLAGS, newFlags)
	util.MachWriteTo4(page, common.FSP_HEADER_OFFSET+common.FSP_SPACE_ID, spaceID)
	return spaceID, nil
}

// rebuildSdiRootPage 保留两个FSEG头，重建空SDI叶子页并回填记录
func rebuildSdiRootPage(page []byte, pageSize int, pageNo uint32,
	entries []schema.SdiEntry, alloc *sdi.BlobAllocator) error {

	var fsegLeaf, fsegTop [common.FSEG_HEADER_SIZE]byte
	copy(fsegLeaf[:], page[common.PAGE_HEADER+common.PAGE_BTR_SEG_LEAF:])
	copy(fsegTop[:], page[common.PAGE_HEADER+common.PAGE_BTR_SEG_TOP:])

	sdi.InitEmptyPage(page, pageSize, pageNo)

	copy(page[common.PAGE_HEADER+common.PAGE_BTR_SEG_LEAF:], fsegLeaf[:])
	copy(page[common.PAGE_HEADER+common.PAGE_BTR_SEG_TOP:], fsegTop[:])

	allocPtr := alloc
	if len(alloc.Pages) == 0 {
		allocPtr = nil
	}
	return sdi.PopulateRootPage(page, pageSize, entries, allocPtr)
}

// resolveTargetSdiRoot 目标SDI根的来源优先级:
// 显式覆盖 > --target-ibd > 目标元数据中的表空间文件(经datadir解析)。
func resolveTargetSdiRoot(opts *Options, targetMeta *schema.Metadata) (uint32, bool) {
	if opts.TargetSdiRootSet {
		return opts.TargetSdiRootOverride, true
	}

	if opts.TargetIbdPath != "" {
		if root, version, ok := readSdiRootFromTablespace(opts.TargetIbdPath); ok {
			logger.Infof("Target SDI header: version=%d root_page=%d (file=%s)",
				version, root, opts.TargetIbdPath)
			return root, true
		}
		logger.Warnf("unable to read target SDI root from %s", opts.TargetIbdPath)
		return 0, false
	}

	if targetMeta != nil && len(targetMeta.Tablespace.Files) > 0 {
		raw := targetMeta.Tablespace.Files[0]
		resolved, ok := resolveTablespacePath(raw, opts.DataDir)
		if !ok {
			logger.Warnf("target SDI root lookup skipped (cannot resolve %q); "+
				"set MYSQL_DATADIR, use --target-ibd, or pass --target-sdi-root", raw)
			return 0, false
		}
		if root, version, ok := readSdiRootFromTablespace(resolved); ok {
			logger.Infof("Target SDI header: version=%d root_page=%d (file=%s)",
				version, root, resolved)
			return root, true
		}
		logger.Warnf("unable to read target SDI root from %s", resolved)
	}
	return 0, false
}

// resolveTargetSpaceID 目标space id的来源优先级:
// 显式覆盖 > 目标元数据se_private_data > --target-ibd页0。
func resolveTargetSpaceID(opts *Options, targetMeta *schema.Metadata) (uint32, bool) {
	if opts.TargetSpaceIDSet {
		return opts.TargetSpaceIDOverride, true
	}
	if targetMeta != nil {
		kv := schema.ParseKvString(targetMeta.Tablespace.SePrivateData)
		if v, ok := kv["id"]; ok {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				return uint32(n), true
			}
		}
	}
	if opts.TargetIbdPath != "" {
		if space, err := tablespace.OpenSpaceFile(opts.TargetIbdPath); err == nil {
			defer space.Close()
			return space.PageSize().SpaceID, true
		}
	}
	return 0, false
}

// readSdiRootFromTablespace 读取目标.ibd页0的SDI子头
func readSdiRootFromTablespace(path string) (root, version uint32, ok bool) {
	space, err := tablespace.OpenSpaceFile(path)
	if err != nil {
		return 0, 0, false
	}
	defer space.Close()

	ps := space.PageSize()
	page0 := make([]byte, ps.Physical)
	if err := space.ReadPage(0, page0); err != nil {
		return 0, 0, false
	}

	version, root, ok = sdi.ReadSdiRoot(page0, ps.Physical, ps.Logical)
	if !ok || root == 0 || root == common.FIL_NULL {
		return 0, 0, false
	}
	return root, version, true
}

// resolveTablespacePath 相对路径经datadir解析，要求文件存在
func resolveTablespacePath(path, dataDir string) (string, bool) {
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		return "", false
	}
	if dataDir == "" {
		return "", false
	}
	resolved := filepath.Join(dataDir, path)
	if _, err := os.Stat(resolved); err == nil {
		return resolved, true
	}
	return "", false
}
