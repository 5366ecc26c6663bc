package record

import (
	"xmysql-ibd-parser/innodb/common"
	innopage "xmysql-ibd-parser/innodb/page"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/logger"
	"xmysql-ibd-parser/util"
)

// RowMeta 单条记录的页内元信息
type RowMeta struct {
	PageNo    uint64
	RecOffset int
	Deleted   bool
}

// RowSink 记录消费回调。返回false终止当前页的遍历。
type RowSink func(page []byte, rec int, offsets []uint32, meta RowMeta) bool

// PageStats 单页解析统计
type PageStats struct {
	Records int
	Deleted int
	Invalid int
}

// nextRecOffset 读取记录的带符号16位next增量并对页尺寸取模
func nextRecOffset(page []byte, rec int, pageSize int) (int, bool) {
	if rec < common.REC_NEXT || rec >= pageSize {
		return 0, false
	}
	delta := int16(util.MachReadFrom2(page, rec-common.REC_NEXT))
	if delta == 0 {
		return 0, false
	}

	next := (rec + int(delta)) % pageSize
	if next < 0 {
		next += pageSize
	}
	if next < common.PAGE_NEW_INFIMUM || next >= pageSize {
		return 0, false
	}
	return next, true
}

// ParseLeafPage 遍历一张INDEX叶子页的记录链并逐条回调。
// 守卫: 页面类型、层级、COMPACT标志、索引ID四重过滤。
func ParseLeafPage(page []byte, pageSize int, pageNo uint64,
	table *schema.TableDef, targetIndexID uint64, includeDeleted bool,
	sink RowSink) PageStats {

	var stats PageStats

	if innopage.PageType(page) != common.FIL_PAGE_INDEX {
		return stats
	}
	if targetIndexID != 0 && innopage.IndexID(page) != targetIndexID {
		return stats
	}
	if innopage.PageLevel(page) != 0 {
		return stats
	}
	if !innopage.IsComp(page) {
		// REDUNDANT行格式不支持
		logger.Debugf("page %d is not COMPACT, skipping", pageNo)
		return stats
	}

	logger.Debugf("page %d is a leaf of index %d, parsing records", pageNo, innopage.IndexID(page))

	offsets := make([]uint32, len(table.Fields)+2)

	nRecs := int(innopage.NRecs(page))
	maxSteps := pageSize / (common.REC_N_NEW_EXTRA_BYTES + 1)
	if maxSteps < nRecs+2 {
		maxSteps = nRecs + 2
	}

	rec := common.PAGE_NEW_INFIMUM
	for steps := 0; steps < maxSteps; steps++ {
		status := RecStatus(page, rec)
		if status == common.REC_STATUS_SUPREMUM {
			break
		}

		if status == common.REC_STATUS_ORDINARY {
			deleted := RecDeleted(page, rec)
			if !deleted || includeDeleted {
				if CheckRecord(page, rec, table, offsets) {
					stats.Records++
					meta := RowMeta{PageNo: pageNo, RecOffset: rec, Deleted: deleted}
					if !sink(page, rec, offsets, meta) {
						break
					}
				} else {
					stats.Invalid++
				}
			} else {
				stats.Deleted++
			}
		}

		next, ok := nextRecOffset(page, rec, pageSize)
		if !ok || next == rec {
			stats.Invalid++
			break
		}
		rec = next
	}

	logger.Debugf("leaf page %d had %d user records (%d deleted, %d invalid)",
		pageNo, stats.Records, stats.Deleted, stats.Invalid)
	return stats
}
