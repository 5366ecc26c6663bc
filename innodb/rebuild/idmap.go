package rebuild

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/logger"
)

// BuildIndexIDRemapFromSdi 按索引名(大小写不敏感)匹配源/目标元数据，
// 双方id均非零时产出 source_id -> target_id。
func BuildIndexIDRemapFromSdi(source, target *schema.Metadata) (map[uint64]uint64, error) {
	targetByName := make(map[string]uint64)
	for i := range target.Table.Indexes {
		idx := &target.Table.Indexes[i]
		targetByName[strings.ToLower(idx.Name)] = idx.ID
	}

	remap := make(map[uint64]uint64)
	for i := range source.Table.Indexes {
		idx := &source.Table.Indexes[i]
		if idx.ID == 0 {
			continue
		}
		targetID, ok := targetByName[strings.ToLower(idx.Name)]
		if !ok || targetID == 0 {
			logger.Warnf("index '%s' (id=%d) has no target counterpart, not remapped",
				idx.Name, idx.ID)
			continue
		}
		remap[idx.ID] = targetID
	}
	return remap, nil
}

// LoadIndexIDMapFile 加载覆盖映射文件。
// 每行 source_id=target_id 或 source_id target_id，#开头为注释。
func LoadIndexIDMapFile(path string) (map[uint64]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "open index-id map %s", path)
	}
	defer f.Close()

	out := make(map[uint64]uint64)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var fields []string
		if strings.ContainsRune(line, '=') {
			fields = strings.SplitN(line, "=", 2)
		} else {
			fields = strings.Fields(line)
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("malformed index-id map line %d: %q", lineNo, line)
		}

		src, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			return nil, errors.Errorf("bad source id on line %d: %q", lineNo, fields[0])
		}
		dst, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, errors.Errorf("bad target id on line %d: %q", lineNo, fields[1])
		}
		out[src] = dst
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

// MergeIndexIDMaps 文件映射覆盖SDI推导映射，冲突时告警
func MergeIndexIDMaps(base, override map[uint64]uint64) map[uint64]uint64 {
	for src, dst := range override {
		if old, ok := base[src]; ok && old != dst {
			logger.Warnf("index-id map override for %d (%d -> %d)", src, old, dst)
		}
		base[src] = dst
	}
	return base
}
