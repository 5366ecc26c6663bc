package rebuild

import (
	"sort"

	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/tablespace"
	"xmysql-ibd-parser/logger"
)

// validateRemap 重读输出文件，核对remap后不再出现任何源索引id，
// 并按索引id汇总页数与内容摘要供人工核对。
func validateRemap(outputPath string, remap map[uint64]uint64) error {
	space, err := tablespace.OpenSpaceFile(outputPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer space.Close()

	ps := space.PageSize()
	buf := make([]byte, ps.Physical)

	pageCount := make(map[uint64]uint64)
	digest := make(map[uint64]*xxhash.XXHash64)

	for pageNo := uint32(0); pageNo < space.NumPages(); pageNo++ {
		if err := space.ReadPage(pageNo, buf); err != nil {
			return errors.Annotatef(err, "validate read page %d", pageNo)
		}

		t := innopage.PageType(buf)
		if t != common.FIL_PAGE_INDEX && t != common.FIL_PAGE_RTREE {
			continue
		}

		id := innopage.IndexID(buf)
		pageCount[id]++
		h, ok := digest[id]
		if !ok {
			h = xxhash.New64()
			digest[id] = h
		}
		h.Write(buf)

		if _, wasSource := remap[id]; wasSource {
			return errors.Errorf("page %d still carries source index id %d after remap",
				pageNo, id)
		}
	}

	ids := make([]uint64, 0, len(pageCount))
	for id := range pageCount {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	logger.Infof("Remap validation passed: %d distinct index ids", len(ids))
	for _, id := range ids {
		logger.Infof("  index id %d: %d pages, digest %016x",
			id, pageCount[id], digest[id].Sum64())
	}
	return nil
}
