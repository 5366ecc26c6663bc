package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"io"
	"os"

	"github.com/juju/errors"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/logger"
	"xmysql-ibd-parser/util"
)

var (
	// ErrBadMagic 加密信息块魔数不匹配
	ErrBadMagic = errors.New("bad magic in tablespace encryption info")
	// ErrWrappedCrcMismatch 解开的表空间密钥校验失败
	ErrWrappedCrcMismatch = errors.New("tablespace key CRC mismatch")
	// ErrCipherError AES运算失败
	ErrCipherError = errors.New("cipher error")
)

// 加密信息块魔数(v2格式)
var encryptionMagic = []byte{'l', 'C', 'B'}

// 表空间密钥+IV在页0中的偏移:
// 压缩表空间5270(8KB物理页)，未压缩10390(16KB)。
// 偏移即XDES描述符数组之后的加密信息槽位，见common.EncryptionOffset。
const (
	wrappedPayloadSize = 64
	tablespaceKeyLen   = 32
	tablespaceIvLen    = 16
)

// TablespaceKeyIV 解开后的表空间密钥与IV
type TablespaceKeyIV struct {
	Key [tablespaceKeyLen]byte
	IV  [tablespaceIvLen]byte
}

// ReadTablespaceKeyIV 读取页0中被主密钥ECB加密的64字节信息块并解开。
// 块内布局: 魔数(3) + key_id(4) + 密钥(32) + IV(16) + CRC32(4) + 填充。
func ReadTablespaceKeyIV(r io.ReaderAt, offset int64, masterKey []byte) (TablespaceKeyIV, error) {
	var out TablespaceKeyIV

	blob := make([]byte, wrappedPayloadSize)
	if _, err := r.ReadAt(blob, offset); err != nil {
		return out, errors.Annotatef(err, "read encryption info at %d", offset)
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return out, errors.Annotatef(ErrCipherError, "master key: %v", err)
	}

	plain := make([]byte, wrappedPayloadSize)
	for i := 0; i < wrappedPayloadSize; i += aes.BlockSize {
		block.Decrypt(plain[i:i+aes.BlockSize], blob[i:i+aes.BlockSize])
	}

	if string(plain[:3]) != string(encryptionMagic) {
		return out, ErrBadMagic
	}

	keyStart := 3 + 4
	copy(out.Key[:], plain[keyStart:keyStart+tablespaceKeyLen])
	copy(out.IV[:], plain[keyStart+tablespaceKeyLen:keyStart+tablespaceKeyLen+tablespaceIvLen])

	crcStored := util.MachReadFrom4(plain, keyStart+tablespaceKeyLen+tablespaceIvLen)
	crcCalc := util.InnodbCrc32(plain[keyStart : keyStart+tablespaceKeyLen+tablespaceIvLen])
	if crcStored != crcCalc {
		return out, ErrWrappedCrcMismatch
	}

	return out, nil
}

// WrapTablespaceKeyIV ReadTablespaceKeyIV的逆操作，供测试构造加密表空间
func WrapTablespaceKeyIV(keyIV TablespaceKeyIV, keyID uint32, masterKey []byte) ([]byte, error) {
	plain := make([]byte, wrappedPayloadSize)
	copy(plain, encryptionMagic)
	util.MachWriteTo4(plain, 3, keyID)
	keyStart := 3 + 4
	copy(plain[keyStart:], keyIV.Key[:])
	copy(plain[keyStart+tablespaceKeyLen:], keyIV.IV[:])
	crc := util.InnodbCrc32(plain[keyStart : keyStart+tablespaceKeyLen+tablespaceIvLen])
	util.MachWriteTo4(plain, keyStart+tablespaceKeyLen+tablespaceIvLen, crc)

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, errors.Annotatef(ErrCipherError, "master key: %v", err)
	}
	out := make([]byte, wrappedPayloadSize)
	for i := 0; i < wrappedPayloadSize; i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], plain[i:i+aes.BlockSize])
	}
	return out, nil
}

// encryptedRange 页内参与加解密的区间: 页头38字节与页尾8字节保持明文，
// 中间部分向下取整到AES块大小。
func encryptedRange(pageSize int) (start, length int) {
	start = common.FIL_PAGE_DATA
	length = pageSize - common.FIL_PAGE_DATA - common.FIL_PAGE_END_LSN_OLD_CHKSUM
	length -= length % aes.BlockSize
	return start, length
}

// DecryptPageInplace AES-256-CBC解密单页，页头页尾保持原样。
// 压缩表空间只有物理范围被加密，pageSize应传物理页尺寸。
func DecryptPageInplace(page []byte, keyIV TablespaceKeyIV, pageSize int) error {
	block, err := aes.NewCipher(keyIV.Key[:])
	if err != nil {
		return errors.Annotatef(ErrCipherError, "tablespace key: %v", err)
	}

	start, length := encryptedRange(pageSize)
	if length <= 0 {
		return nil
	}

	mode := cipher.NewCBCDecrypter(block, keyIV.IV[:])
	mode.CryptBlocks(page[start:start+length], page[start:start+length])
	return nil
}

// EncryptPageInplace DecryptPageInplace的逆操作，供测试构造加密页
func EncryptPageInplace(page []byte, keyIV TablespaceKeyIV, pageSize int) error {
	block, err := aes.NewCipher(keyIV.Key[:])
	if err != nil {
		return errors.Annotatef(ErrCipherError, "tablespace key: %v", err)
	}

	start, length := encryptedRange(pageSize)
	if length <= 0 {
		return nil
	}

	mode := cipher.NewCBCEncrypter(block, keyIV.IV[:])
	mode.CryptBlocks(page[start:start+length], page[start:start+length])
	return nil
}

// DecryptIbdFile 逐页解密整个表空间文件。
// 页0存放密钥信息本身不加密，原样透传；
// 单页解密失败记日志后原样写出，整体继续(读路径的挽救策略)。
func DecryptIbdFile(srcPath, dstPath string, keyIV TablespaceKeyIV, physicalSize int) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return errors.Trace(err)
	}
	defer dst.Close()

	st, err := src.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	numPages := st.Size() / int64(physicalSize)

	buf := make([]byte, physicalSize)
	var failed uint64
	for pageNo := int64(0); pageNo < numPages; pageNo++ {
		if _, err := src.ReadAt(buf, pageNo*int64(physicalSize)); err != nil {
			return errors.Annotatef(err, "read page %d", pageNo)
		}

		if pageNo > 0 {
			if err := DecryptPageInplace(buf, keyIV, physicalSize); err != nil {
				logger.Warnf("decrypt page %d failed: %v", pageNo, err)
				failed++
				if _, err := src.ReadAt(buf, pageNo*int64(physicalSize)); err != nil {
					return errors.Annotatef(err, "re-read page %d", pageNo)
				}
			}
		}

		if _, err := dst.Write(buf); err != nil {
			return errors.Annotatef(err, "write page %d", pageNo)
		}

		if (pageNo+1)%100 == 0 || pageNo+1 == numPages {
			logger.Infof("[PROGRESS] Decrypted %d/%d pages", pageNo+1, numPages)
		}
	}

	logger.Infof("Decrypt complete: %d pages, %d failed", numPages, failed)
	return nil
}
