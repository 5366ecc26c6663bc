package crypt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i*7 + 3)
	}
	return key
}

func testKeyIV() TablespaceKeyIV {
	var kv TablespaceKeyIV
	for i := range kv.Key {
		kv.Key[i] = byte(0xA0 + i)
	}
	for i := range kv.IV {
		kv.IV[i] = byte(0x10 + i)
	}
	return kv
}

func TestWrapReadTablespaceKeyIV(t *testing.T) {
	masterKey := testMasterKey()
	keyIV := testKeyIV()

	blob, err := WrapTablespaceKeyIV(keyIV, 7, masterKey)
	require.NoError(t, err)
	require.Len(t, blob, 64)

	got, err := ReadTablespaceKeyIV(bytes.NewReader(blob), 0, masterKey)
	require.NoError(t, err)
	assert.Equal(t, keyIV, got)
}

func TestReadTablespaceKeyIVBadMagic(t *testing.T) {
	masterKey := testMasterKey()
	keyIV := testKeyIV()

	blob, err := WrapTablespaceKeyIV(keyIV, 7, masterKey)
	require.NoError(t, err)

	// 换一把主密钥解不出正确的魔数
	other := testMasterKey()
	other[0] ^= 0xFF
	_, err = ReadTablespaceKeyIV(bytes.NewReader(blob), 0, other)
	assert.Equal(t, ErrBadMagic, errors.Cause(err))
}

func TestDecryptPageRoundTrip(t *testing.T) {
	keyIV := testKeyIV()
	const pageSize = 2048

	page := make([]byte, pageSize)
	for i := range page {
		page[i] = byte(i * 31)
	}
	orig := make([]byte, pageSize)
	copy(orig, page)

	require.NoError(t, EncryptPageInplace(page, keyIV, pageSize))
	// 页头38字节与页尾8字节保持明文
	assert.Equal(t, orig[:38], page[:38])
	assert.Equal(t, orig[pageSize-8:], page[pageSize-8:])
	assert.NotEqual(t, orig[38:pageSize-8], page[38:pageSize-8])

	require.NoError(t, DecryptPageInplace(page, keyIV, pageSize))
	assert.Equal(t, orig, page)
}

// writeTestKeyring 写一个包含单把主密钥的keyring文件
func writeTestKeyring(t *testing.T, keyID string, key []byte) string {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString(keyringFileHeader)

	obf := make([]byte, len(key))
	for i := range key {
		obf[i] = key[i] ^ keyringObfuscateStr[i%len(keyringObfuscateStr)]
	}

	keyType := "AES"
	userID := ""
	podLen := uint64(40 + len(keyID) + len(keyType) + len(userID) + len(obf))

	writeU64 := func(v uint64) {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		buf.Write(b[:])
	}
	writeU64(podLen)
	writeU64(uint64(len(keyID)))
	writeU64(uint64(len(keyType)))
	writeU64(uint64(len(userID)))
	writeU64(uint64(len(obf)))
	buf.WriteString(keyID)
	buf.WriteString(keyType)
	buf.WriteString(userID)
	buf.Write(obf)
	buf.WriteString(keyringEOFMarker)

	path := filepath.Join(t.TempDir(), "keyring")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func TestLoadMasterKey(t *testing.T) {
	key := testMasterKey()
	uuid := "11111111-2222-3333-4444-555555555555"
	path := writeTestKeyring(t, MasterKeyID(7, uuid), key)

	got, err := LoadMasterKey(path, 7, uuid)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestLoadMasterKeyMissing(t *testing.T) {
	key := testMasterKey()
	uuid := "11111111-2222-3333-4444-555555555555"
	path := writeTestKeyring(t, MasterKeyID(7, uuid), key)

	_, err := LoadMasterKey(path, 8, uuid)
	assert.Equal(t, ErrMasterKeyMissing, errors.Cause(err))
}

func TestDecryptIbdFile(t *testing.T) {
	keyIV := testKeyIV()
	const physical = 1024

	// 页0不加密，页1加密
	page0 := make([]byte, physical)
	page1 := make([]byte, physical)
	for i := range page1 {
		page1[i] = byte(i)
	}
	plain1 := make([]byte, physical)
	copy(plain1, page1)
	require.NoError(t, EncryptPageInplace(page1, keyIV, physical))

	srcPath := filepath.Join(t.TempDir(), "enc.ibd")
	dstPath := filepath.Join(t.TempDir(), "dec.ibd")
	require.NoError(t, os.WriteFile(srcPath, append(append([]byte{}, page0...), page1...), 0644))

	require.NoError(t, DecryptIbdFile(srcPath, dstPath, keyIV, physical))

	out, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, page0, out[:physical])
	assert.Equal(t, plain1, out[physical:])
}
