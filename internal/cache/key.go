package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Key 由调用方提供，用于派生缓存文件名。
type Key interface {
	CacheKey() string
}

// StringKey 原样作为缓存 key 使用。
type StringKey string

// CacheKey 实现 Key。
func (k StringKey) CacheKey() string {
	return string(k)
}

// URLKey 将资源 URL 归约为 64 位十六进制的 sha256 摘要，避免 "/" 等字符进入文件名。
type URLKey struct {
	URL *url.URL
}

// CacheKey 实现 Key。
func (k URLKey) CacheKey() string {
	return DigestKey(CanonicalURL(k.URL))
}

// DigestKey 返回 s 的 sha256 十六进制摘要。
func DigestKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CanonicalURL 输出用于 key 派生的规范形式：scheme/host 小写、去掉 fragment。
func CanonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" && c.Opaque == "" && c.Host != "" {
		c.Path = "/"
	}
	return c.String()
}
