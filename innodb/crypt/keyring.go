// Package crypt 实现表空间的两级密钥体系与页级AES解密。
// keyring文件持有主密钥；主密钥解开页0中的表空间密钥+IV；
// 表空间密钥逐页解密页体。
package crypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/juju/errors"
)

// ErrMasterKeyMissing keyring中找不到指定的主密钥
var ErrMasterKeyMissing = errors.New("master key not found in keyring")

const (
	keyringFileHeader = "Keyring file version:2.0"
	keyringEOFMarker  = "EOF"

	masterKeyLen = 32
)

// keyring文件中密钥payload的混淆串(与server端一致)
var keyringObfuscateStr = []byte("*305=Ljt0*!@$Hnm(*-9-w;:")

// MasterKeyID 构造keyring内主密钥的标识串
func MasterKeyID(masterKeyID uint32, serverUUID string) string {
	return fmt.Sprintf("INNODBKey-%s-%d", serverUUID, masterKeyID)
}

// LoadMasterKey 从keyring文件中取出32字节主密钥。
// 文件布局: 版本头 + 若干密钥POD + "EOF"。
// 每个POD: 总长u64 + key_id长u64 + key_type长u64 + user_id长u64 + key长u64
// + 各字符串 + 混淆后的密钥字节(小端长度字段)。
func LoadMasterKey(keyringPath string, masterKeyID uint32, serverUUID string) ([]byte, error) {
	data, err := os.ReadFile(keyringPath)
	if err != nil {
		return nil, errors.Annotatef(err, "read keyring %s", keyringPath)
	}

	if !bytes.HasPrefix(data, []byte(keyringFileHeader)) {
		return nil, errors.Annotatef(ErrMasterKeyMissing,
			"bad keyring header in %s", keyringPath)
	}

	wantID := MasterKeyID(masterKeyID, serverUUID)
	pos := len(keyringFileHeader)

	for pos+8 <= len(data) {
		if bytes.HasPrefix(data[pos:], []byte(keyringEOFMarker)) {
			break
		}
		if pos+40 > len(data) {
			break
		}

		total := binary.LittleEndian.Uint64(data[pos:])
		keyIDLen := binary.LittleEndian.Uint64(data[pos+8:])
		keyTypeLen := binary.LittleEndian.Uint64(data[pos+16:])
		userIDLen := binary.LittleEndian.Uint64(data[pos+24:])
		keyLen := binary.LittleEndian.Uint64(data[pos+32:])

		if total == 0 || pos+int(total) > len(data) ||
			40+keyIDLen+keyTypeLen+userIDLen+keyLen > total {
			return nil, errors.Annotatef(ErrMasterKeyMissing,
				"corrupted keyring pod at offset %d", pos)
		}

		cursor := pos + 40
		keyID := string(data[cursor : cursor+int(keyIDLen)])
		cursor += int(keyIDLen) + int(keyTypeLen) + int(userIDLen)
		payload := data[cursor : cursor+int(keyLen)]

		if keyID == wantID {
			key := make([]byte, len(payload))
			for i := range payload {
				key[i] = payload[i] ^ keyringObfuscateStr[i%len(keyringObfuscateStr)]
			}
			if len(key) != masterKeyLen {
				return nil, errors.Annotatef(ErrMasterKeyMissing,
					"master key %s has size %d, want %d", wantID, len(key), masterKeyLen)
			}
			return key, nil
		}

		pos += int(total)
	}

	return nil, errors.Annotatef(ErrMasterKeyMissing, "key id %s", wantID)
}
