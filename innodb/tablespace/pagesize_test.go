package tablespace

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/util"
)

func page0WithFlags(size int, flags, spaceID uint32) []byte {
	page := make([]byte, size)
	util.MachWriteTo4(page, common.FSP_HEADER_OFFSET+common.FSP_SPACE_ID, spaceID)
	util.MachWriteTo4(page, common.FSP_HEADER_OFFSET+common.FSP_SPACE_FLAGS, flags)
	return page
}

func TestDeterminePageSizeUncompressed(t *testing.T) {
	page := page0WithFlags(16384, 0, 7)
	ps, err := DeterminePageSize(bytes.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, 16384, ps.Physical)
	assert.Equal(t, 16384, ps.Logical)
	assert.Equal(t, uint32(7), ps.SpaceID)
	assert.False(t, ps.Compressed())
}

func TestDeterminePageSizeCompressed(t *testing.T) {
	// zip_ssize=4 (8KB) + post_antelope + atomic_blobs
	flags := uint32(1 | 4<<1 | 1<<5)
	page := page0WithFlags(8192, flags, 11)
	ps, err := DeterminePageSize(bytes.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, 8192, ps.Physical)
	assert.Equal(t, 16384, ps.Logical)
	assert.True(t, ps.Compressed())
}

func TestDeterminePageSizeInvalidFlags(t *testing.T) {
	page := page0WithFlags(4096, 0xFFFFFFFF, 1)
	_, err := DeterminePageSize(bytes.NewReader(page))
	assert.Equal(t, ErrInvalidFspFlags, errors.Cause(err))
}

func TestDeterminePageSizeShortRead(t *testing.T) {
	_, err := DeterminePageSize(bytes.NewReader(make([]byte, 100)))
	assert.Equal(t, ErrShortRead, errors.Cause(err))
}
