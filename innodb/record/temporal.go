package record

import (
	"fmt"
	"sync"
	"time"

	"xmysql-ibd-parser/logger"
	"xmysql-ibd-parser/util"
)

// 新格式时间类型(DATETIME2/TIME2/TIMESTAMP2)的磁盘解码。
// 基础部分为带符号位翻转的大端整数，小数秒按(precision+1)/2字节追加。

var (
	tzMu       sync.RWMutex
	tzLocation = time.Local
)

// SetTimezone 设置TIMESTAMP本地化时区，进程启动时调用一次
func SetTimezone(name string) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warnf("unknown timezone %q, falling back to local: %v", name, err)
		return
	}
	tzMu.Lock()
	tzLocation = loc
	tzMu.Unlock()
}

func timezone() *time.Location {
	tzMu.RLock()
	defer tzMu.RUnlock()
	return tzLocation
}

// maxDecimalsFromLen 依字段实际长度推导小数位上限
func maxDecimalsFromLen(length, baseLen int) int {
	if length <= baseLen {
		return 0
	}
	maxDec := (length - baseLen) * 2
	if maxDec > 6 {
		maxDec = 6
	}
	return maxDec
}

// readFrac 读取小数秒字节，返回微秒
func readFrac(ptr []byte, dec int) int {
	fracBytes := (dec + 1) / 2
	if fracBytes == 0 || fracBytes > len(ptr) {
		return 0
	}
	raw := int(util.ReadBEUint(ptr[:fracBytes]))
	switch fracBytes {
	case 1:
		return raw * 10000
	case 2:
		return raw * 100
	default:
		return raw
	}
}

func clampDec(dec, length, baseLen int) int {
	if dec > 6 {
		dec = 6
	}
	if maxDec := maxDecimalsFromLen(length, baseLen); dec > maxDec {
		dec = maxDec
	}
	return dec
}

func appendFrac(s string, dec, usec int) string {
	if dec <= 0 {
		return s
	}
	scale := 1
	for i := 0; i < 6-dec; i++ {
		scale *= 10
	}
	return fmt.Sprintf("%s.%0*d", s, dec, usec/scale)
}

// FormatDatetime 解码5+N字节的DATETIME2
// 基础40位: 1符号 + 17位年月日(ymd=年月*32+日,年月=年*13+月) + 17位时分秒
func FormatDatetime(ptr []byte, dec int) (string, bool) {
	if len(ptr) < 5 {
		return "", false
	}
	dec = clampDec(dec, len(ptr), 5)

	intPart := util.ReadBEUint(ptr[:5]) - 0x8000000000

	ymd := intPart >> 17
	ym := ymd >> 5
	day := ymd & 31
	month := ym % 13
	year := ym / 13

	hms := intPart & 0x1FFFF
	second := hms & 63
	minute := (hms >> 6) & 63
	hour := hms >> 12

	s := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
		year, month, day, hour, minute, second)
	return appendFrac(s, dec, readFrac(ptr[5:], dec)), true
}

// FormatTime 解码3+N字节的TIME2
// 基础24位: 1符号 + 1保留 + 10位时 + 6位分 + 6位秒
func FormatTime(ptr []byte, dec int) (string, bool) {
	if len(ptr) < 3 {
		return "", false
	}
	dec = clampDec(dec, len(ptr), 3)

	raw := int64(util.ReadBEUint(ptr[:3])) - 0x800000
	neg := raw < 0
	if neg {
		raw = -raw
	}

	hour := (raw >> 12) & 0x3FF
	minute := (raw >> 6) & 0x3F
	second := raw & 0x3F

	sign := ""
	if neg {
		sign = "-"
	}
	s := fmt.Sprintf("%s%02d:%02d:%02d", sign, hour, minute, second)
	return appendFrac(s, dec, readFrac(ptr[3:], dec)), true
}

// FormatTimestamp 解码4+N字节的TIMESTAMP2。
// 基础部分为UTC秒数(无符号大端)，经配置时区本地化输出。
func FormatTimestamp(ptr []byte, dec int) (string, bool) {
	if len(ptr) < 4 {
		return "", false
	}
	dec = clampDec(dec, len(ptr), 4)

	secs := int64(util.MachReadFrom4(ptr, 0))
	t := time.Unix(secs, 0).In(timezone())

	s := t.Format("2006-01-02 15:04:05")
	return appendFrac(s, dec, readFrac(ptr[4:], dec)), true
}

// FormatDate 解码3字节DATE: 符号位翻转后按 年:15/月:4/日:5 拆位
func FormatDate(ptr []byte) (string, bool) {
	if len(ptr) < 3 {
		return "", false
	}
	raw := uint32(util.ReadBEIntSigned(ptr[:3]))
	day := raw & 31
	month := (raw >> 5) & 15
	year := raw >> 9
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

// FormatYear 解码1字节YEAR: 1900偏置，0保持0
func FormatYear(ptr []byte) (string, bool) {
	if len(ptr) < 1 {
		return "", false
	}
	v := int(ptr[0])
	if v == 0 {
		return "0000", true
	}
	return fmt.Sprintf("%04d", 1900+v), true
}
