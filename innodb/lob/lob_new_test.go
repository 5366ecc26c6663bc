package lob

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/ibdtest"
	"xmysql-ibd-parser/util"
)

// writeLobEntry 在首页的索引项数组落一个60字节索引项
func writeLobEntry(page []byte, slot int, next fileAddr, dataPageNo uint32,
	dataLen, lobVersion uint32) int {

	off := lobFirstIndexArray + slot*lobIndexEntrySize
	util.MachWriteTo4(page, off+lobEntryOffsetNext, next.pageNo)
	util.MachWriteTo2(page, off+lobEntryOffsetNext+4, next.offset)
	util.MachWriteTo4(page, off+lobEntryOffsetPageNo, dataPageNo)
	util.MachWriteTo4(page, off+lobEntryOffsetDataLen, dataLen)
	util.MachWriteTo4(page, off+lobEntryOffsetLobVersion, lobVersion)
	return off
}

func TestReadLobFirstInlineAndDataPage(t *testing.T) {
	const firstPageNo = 1
	first := ibdtest.RawPage(testPageSize, firstPageNo, common.FIL_PAGE_TYPE_LOB_FIRST, 5)

	// 两个索引项: 首页内联64字节 + LOB_DATA页100字节
	entry0 := writeLobEntry(first, 0,
		fileAddr{pageNo: firstPageNo, offset: uint16(lobFirstIndexArray + lobIndexEntrySize)},
		firstPageNo, 64, 0)
	writeLobEntry(first, 1, fileAddr{pageNo: common.FIL_NULL}, 2, 100, 0)

	// 链表基节点指向第一个索引项
	util.MachWriteTo4(first, lobFirstIndexList+flstBaseFirst, firstPageNo)
	util.MachWriteTo2(first, lobFirstIndexList+flstBaseFirst+4, uint16(entry0))

	for i := 0; i < 64; i++ {
		first[lobFirstDataBegin+i] = 'I'
	}

	dataPage := ibdtest.RawPage(testPageSize, 2, common.FIL_PAGE_TYPE_LOB_DATA, 5)
	util.MachWriteTo4(dataPage, lobDataPageLenOffset, 100)
	for i := 0; i < 100; i++ {
		dataPage[lobDataPageBegin+i] = 'D'
	}

	space := openTestSpace(t, [][]byte{first, dataPage})
	reader := NewReader(space, 0)

	ref := makeRef(firstPageNo, 0, 164) // 新格式的offset槽位承载版本号
	out, truncated, err := reader.ReadExternal(ref)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, out, 164)
	assert.Equal(t, bytes.Repeat([]byte{'I'}, 64), out[:64])
	assert.Equal(t, bytes.Repeat([]byte{'D'}, 100), out[64:])
}

func TestReadLobFirstVersionFilter(t *testing.T) {
	const firstPageNo = 1
	first := ibdtest.RawPage(testPageSize, firstPageNo, common.FIL_PAGE_TYPE_LOB_FIRST, 5)

	// 基项版本5 > 引用版本0 且无版本子链 => 跳过
	entry0 := writeLobEntry(first, 0, fileAddr{pageNo: common.FIL_NULL}, firstPageNo, 64, 5)
	util.MachWriteTo4(first, lobFirstIndexList+flstBaseFirst, firstPageNo)
	util.MachWriteTo2(first, lobFirstIndexList+flstBaseFirst+4, uint16(entry0))

	space := openTestSpace(t, [][]byte{first})
	reader := NewReader(space, 0)

	out, _, err := reader.ReadExternal(makeRef(firstPageNo, 0, 64))
	require.NoError(t, err)
	assert.Empty(t, out)
}

// writeZlobEntry 66字节ZLOB索引项
func writeZlobEntry(page []byte, slot int, zPageNo uint32, zFragID uint16,
	dataLen, zDataLen, lobVersion uint32) int {

	off := lobFirstIndexArray + slot*zlobIndexEntrySize
	util.MachWriteTo4(page, off+zlobEntryOffsetNext, common.FIL_NULL)
	util.MachWriteTo4(page, off+zlobEntryOffsetZPageNo, zPageNo)
	util.MachWriteTo2(page, off+zlobEntryOffsetZFragID, zFragID)
	util.MachWriteTo4(page, off+zlobEntryOffsetDataLen, dataLen)
	util.MachWriteTo4(page, off+zlobEntryOffsetZDataLen, zDataLen)
	util.MachWriteTo4(page, off+zlobEntryOffsetLobVersion, lobVersion)
	return off
}

func zlibBytes(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReadZlobFirstDataChain(t *testing.T) {
	const firstPageNo = 1
	plain := bytes.Repeat([]byte("zlob-data-entry."), 64)
	comp := zlibBytes(t, plain)

	first := ibdtest.RawPage(testPageSize, firstPageNo, common.FIL_PAGE_TYPE_ZLOB_FIRST, 5)
	entry0 := writeZlobEntry(first, 0, 2, zlobFragIDNull,
		uint32(len(plain)), uint32(len(comp)), 0)
	util.MachWriteTo4(first, lobFirstIndexList+flstBaseFirst, firstPageNo)
	util.MachWriteTo2(first, lobFirstIndexList+flstBaseFirst+4, uint16(entry0))

	dataPage := ibdtest.RawPage(testPageSize, 2, common.FIL_PAGE_TYPE_ZLOB_DATA, 5)
	copy(dataPage[common.FIL_PAGE_DATA:], comp)

	space := openTestSpace(t, [][]byte{first, dataPage})
	reader := NewReader(space, 0)

	out, _, err := reader.ReadExternal(makeRef(firstPageNo, 0, uint64(len(plain))))
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestReadZlobFirstFragSlot(t *testing.T) {
	const firstPageNo = 1
	plain := []byte("small fragment payload")
	comp := zlibBytes(t, plain)

	first := ibdtest.RawPage(testPageSize, firstPageNo, common.FIL_PAGE_TYPE_ZLOB_FIRST, 5)
	entry0 := writeZlobEntry(first, 0, 2, 3,
		uint32(len(plain)), uint32(len(comp)), 0)
	util.MachWriteTo4(first, lobFirstIndexList+flstBaseFirst, firstPageNo)
	util.MachWriteTo2(first, lobFirstIndexList+flstBaseFirst+4, uint16(entry0))

	// 片段页: 槽内 frag_id(2)+len(2)+数据，页尾目录(count, entries)
	frag := ibdtest.RawPage(testPageSize, 2, common.FIL_PAGE_TYPE_ZLOB_FRAG, 5)
	slotOffset := common.FIL_PAGE_DATA + 100
	util.MachWriteTo2(frag, slotOffset, 3) // frag_id
	util.MachWriteTo2(frag, slotOffset+2, uint16(len(comp)))
	copy(frag[slotOffset+4:], comp)

	dirCount := testPageSize - common.FIL_PAGE_END_LSN_OLD_CHKSUM - 2
	util.MachWriteTo2(frag, dirCount, 1)
	util.MachWriteTo2(frag, dirCount-2, uint16(slotOffset))

	space := openTestSpace(t, [][]byte{first, frag})
	reader := NewReader(space, 0)

	out, _, err := reader.ReadExternal(makeRef(firstPageNo, 0, uint64(len(plain))))
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}
