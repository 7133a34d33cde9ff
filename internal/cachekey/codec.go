// Package cachekey maps source identifiers (image URLs) to the fixed-length
// keys shared by every cache tier, and derives the version tag that guards
// the on-disk format.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// KeyLength 是 KeyFor 输出的固定长度（SHA-256 十六进制）。
const KeyLength = sha256.Size * 2

// KeyFor 将来源标识映射为固定长度、可作为文件名的十六进制摘要。
func KeyFor(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// Valid 判断 key 是否为 KeyFor 的合法输出，磁盘层据此拒绝任意路径片段。
func Valid(key string) bool {
	if len(key) != KeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// VersionTag 将构建版本（形如 1.4.2、v2.0.0-rc.1）折算为单调递增的整数，
// 版本号变化即视为磁盘缓存格式不兼容。无法解析时返回 1。
func VersionTag(buildIdentity string) int {
	raw := strings.TrimPrefix(strings.TrimSpace(buildIdentity), "v")
	if idx := strings.IndexAny(raw, "-+"); idx >= 0 {
		raw = raw[:idx]
	}
	parts := strings.Split(raw, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return 1
	}

	tag := 0
	for i := 0; i < 3; i++ {
		n := 0
		if i < len(parts) {
			v, err := strconv.Atoi(parts[i])
			if err != nil || v < 0 || v > 999 {
				return 1
			}
			n = v
		}
		tag = tag*1000 + n
	}
	if tag == 0 {
		return 1
	}
	return tag
}
