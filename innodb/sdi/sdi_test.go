package sdi

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/ibdtest"
	"xmysql-ibd-parser/innodb/schema"
	"xmysql-ibd-parser/innodb/tablespace"
	"xmysql-ibd-parser/util"
)

const testPageSize = 16384

// pseudoRandomJSON 构造压缩后仍超过内联上限的JSON
func pseudoRandomJSON(size int) string {
	raw := make([]byte, size/2)
	seed := uint32(99991)
	for i := range raw {
		seed = seed*1103515245 + 12345
		raw[i] = byte(seed >> 16)
	}
	return fmt.Sprintf(`{"blob":"%s"}`, hex.EncodeToString(raw))
}

func buildSdiSpace(t *testing.T, entries []schema.SdiEntry, blobPoolSize int) *tablespace.SpaceFile {
	t.Helper()

	const rootPageNo = 1
	root := make([]byte, testPageSize)
	InitEmptyPage(root, testPageSize, rootPageNo)

	blobPool := make([]uint32, blobPoolSize)
	for i := range blobPool {
		blobPool[i] = uint32(2 + i)
	}
	alloc := &BlobAllocator{
		Pages:    blobPool,
		PageSize: testPageSize,
		SpaceID:  21,
		OutPages: make(map[uint32][]byte),
	}

	var allocPtr *BlobAllocator
	if blobPoolSize > 0 {
		allocPtr = alloc
	}
	require.NoError(t, PopulateRootPage(root, testPageSize, entries, allocPtr))

	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID:  21,
		Flags:    common.FSP_FLAGS_MASK_SDI,
		PageSize: testPageSize,
		NumPages: uint32(2 + blobPoolSize),
	})

	pages := [][]byte{page0, root}
	for i := 0; i < blobPoolSize; i++ {
		pageNo := uint32(2 + i)
		if page, ok := alloc.OutPages[pageNo]; ok {
			pages = append(pages, page)
		} else {
			pages = append(pages,
				ibdtest.RawPage(testPageSize, pageNo, common.FIL_PAGE_SDI_BLOB, 21))
		}
	}

	path := ibdtest.WriteSpaceFile(t, pages)
	space, err := tablespace.OpenSpaceFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { space.Close() })
	return space
}

func TestSdiRoundTripInline(t *testing.T) {
	entries := []schema.SdiEntry{
		{Type: 1, ID: 433, JSON: `{"dd_object_type":"Table"}`},
		{Type: 2, ID: 9, JSON: `{"dd_object_type":"Tablespace"}`},
	}
	space := buildSdiSpace(t, entries, 0)

	var got []schema.SdiEntry
	require.NoError(t, Iterate(space, 1, func(rec Record) error {
		got = append(got, schema.SdiEntry{Type: rec.Type, ID: rec.ID, JSON: string(rec.JSON)})
		return nil
	}))

	assert.Equal(t, entries, got)
}

func TestSdiRoundTripExternal(t *testing.T) {
	// 大记录压缩后超过0x3FFF，必须经SDI-BLOB链
	big := pseudoRandomJSON(80000)
	entries := []schema.SdiEntry{
		{Type: 1, ID: 433, JSON: big},
		{Type: 2, ID: 9, JSON: `{"dd_object_type":"Tablespace"}`},
	}
	space := buildSdiSpace(t, entries, 8)

	var got []schema.SdiEntry
	require.NoError(t, Iterate(space, 1, func(rec Record) error {
		got = append(got, schema.SdiEntry{Type: rec.Type, ID: rec.ID, JSON: string(rec.JSON)})
		return nil
	}))

	assert.Equal(t, entries, got)
}

func TestSdiCapacityExceeded(t *testing.T) {
	big := pseudoRandomJSON(80000)
	entries := []schema.SdiEntry{{Type: 1, ID: 1, JSON: big}}

	root := make([]byte, testPageSize)
	InitEmptyPage(root, testPageSize, 1)

	// 空闲池给1页，装不下
	alloc := &BlobAllocator{
		Pages:    []uint32{2},
		PageSize: testPageSize,
		SpaceID:  21,
		OutPages: make(map[uint32][]byte),
	}
	err := PopulateRootPage(root, testPageSize, entries, alloc)
	assert.Error(t, err)
}

func TestReadSdiRoot(t *testing.T) {
	page0 := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID:  21,
		Flags:    common.FSP_FLAGS_MASK_SDI,
		PageSize: testPageSize,
		NumPages: 4,
	})
	offset := common.SdiOffset(testPageSize, testPageSize)
	util.MachWriteTo4(page0, offset, common.SDI_VERSION)
	util.MachWriteTo4(page0, offset+4, 3)

	version, root, ok := ReadSdiRoot(page0, testPageSize, testPageSize)
	require.True(t, ok)
	assert.Equal(t, uint32(common.SDI_VERSION), version)
	assert.Equal(t, uint32(3), root)

	// 无SDI标志
	plain := ibdtest.BuildPage0(ibdtest.Page0Spec{
		SpaceID: 21, Flags: 0, PageSize: testPageSize, NumPages: 4,
	})
	_, _, ok = ReadSdiRoot(plain, testPageSize, testPageSize)
	assert.False(t, ok)
}

func TestIterateRejectsInvalidRoot(t *testing.T) {
	space := buildSdiSpace(t, nil, 0)
	err := Iterate(space, 99, func(Record) error { return nil })
	assert.Error(t, err)
}
