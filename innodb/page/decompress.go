package page

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"xmysql-ibd-parser/innodb/common"
	"xmysql-ibd-parser/innodb/zipdecomp"
	"xmysql-ibd-parser/logger"
	"xmysql-ibd-parser/util"
)

// ErrDecompressionFailed INDEX/SDI页解压失败
var ErrDecompressionFailed = errors.New("page decompression failed")

// 透明页压缩(FIL_PAGE_TYPE_COMPRESSED)的压缩头，位于FIL_PAGE_DATA处
const (
	compressionHeaderSize = 16

	compressionAlgoNone   = 0
	compressionAlgoZlib   = 1
	compressionAlgoLz4    = 2
	compressionAlgoSnappy = 3
)

// ShouldDecompress 仅压缩表空间中的INDEX/RTREE/SDI页需要zip解压，
// 其余页面(FSP_HDR/XDES/INODE/BLOB等)本就按物理尺寸存储。
func ShouldDecompress(pageData []byte, physical, logical int) bool {
	if physical >= logical {
		return false
	}
	t := PageType(pageData)
	return t == common.FIL_PAGE_INDEX || t == common.FIL_PAGE_RTREE ||
		t == common.FIL_PAGE_SDI
}

// DecompressPageInplace 按页面类型调度解压。
// 返回实际产出尺寸: 解压页为logical，透传页为physical。
// RTREE解压失败降级为透传；INDEX/SDI失败返回错误。
func DecompressPageInplace(src []byte, physical, logical int, out []byte) (int, error) {
	if len(out) < logical {
		return 0, errors.Errorf("output buffer too small: %d < %d", len(out), logical)
	}
	for i := range out[:logical] {
		out[i] = 0
	}

	pageType := PageType(src)

	if pageType == common.FIL_PAGE_TYPE_COMPRESSED {
		// 透明页压缩与表空间压缩无关，单独处理
		n, err := decompressTransparent(src, physical, logical, out)
		if err != nil {
			return 0, errors.Trace(err)
		}
		return n, nil
	}

	if !ShouldDecompress(src, physical, logical) {
		copy(out[:physical], src[:physical])
		return physical, nil
	}

	err := zipdecomp.Decompress(src, physical, out[:logical])
	if err != nil {
		if pageType == common.FIL_PAGE_RTREE {
			logger.Warnf("RTREE page %d decompression failed, copying as-is: %v",
				PageNo(src), err)
			for i := range out[:logical] {
				out[i] = 0
			}
			copy(out[:physical], src[:physical])
			return physical, nil
		}
		return 0, errors.Annotatef(ErrDecompressionFailed, "page %d type %d: %v",
			PageNo(src), pageType, err)
	}
	return logical, nil
}

// decompressTransparent 解开FIL_PAGE_TYPE_COMPRESSED页。
// 压缩头: 原始长度u32 + 压缩长度u32 + 算法u16 + 校验和u32 + 保留u16。
func decompressTransparent(src []byte, physical, logical int, out []byte) (int, error) {
	hdr := common.FIL_PAGE_DATA
	origSize := int(util.MachReadFrom4(src, hdr))
	compSize := int(util.MachReadFrom4(src, hdr+4))
	algo := util.MachReadFrom2(src, hdr+8)

	if compSize <= 0 || hdr+compressionHeaderSize+compSize > physical ||
		origSize <= 0 || common.FIL_PAGE_DATA+origSize > logical {
		return 0, errors.Annotate(ErrDecompressionFailed, "bad compression header")
	}

	copy(out[:common.FIL_PAGE_DATA], src[:common.FIL_PAGE_DATA])
	payload := src[hdr+compressionHeaderSize : hdr+compressionHeaderSize+compSize]
	dst := out[common.FIL_PAGE_DATA : common.FIL_PAGE_DATA+origSize]

	switch algo {
	case compressionAlgoZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return 0, errors.Annotate(ErrDecompressionFailed, "zlib init")
		}
		defer zr.Close()
		if _, err := io.ReadFull(zr, dst); err != nil {
			return 0, errors.Annotate(ErrDecompressionFailed, "zlib stream")
		}
	case compressionAlgoLz4:
		if _, err := lz4.UncompressBlock(payload, dst); err != nil {
			return 0, errors.Annotate(ErrDecompressionFailed, "lz4 block")
		}
	case compressionAlgoSnappy:
		decoded, err := snappy.Decode(dst, payload)
		if err != nil {
			return 0, errors.Annotate(ErrDecompressionFailed, "snappy block")
		}
		if len(decoded) != origSize {
			return 0, errors.Annotate(ErrDecompressionFailed, "snappy size mismatch")
		}
		copy(dst, decoded)
	case compressionAlgoNone:
		copy(dst, payload[:origSize])
	default:
		return 0, errors.Annotatef(ErrDecompressionFailed, "unknown algorithm %d", algo)
	}

	return logical, nil
}
