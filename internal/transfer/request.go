package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/any-hub/any-fetch/internal/cache"
)

// Request 描述一次待获取的资源。Key 相同的请求共享同一个 Unit。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest 解析 rawURL 并构建 GET 请求。
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" {
		return nil, errors.New("url scheme required")
	}
	return &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}, nil
}

// Key 返回请求的规范形式：method、规范化 URL 与排序后的 header。
func (r *Request) Key() string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(cache.CanonicalURL(r.URL))

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, http.CanonicalHeaderKey(name))
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.Join(r.Header.Values(name), ","))
	}
	return b.String()
}

// CacheKey 派生缓存文件名，只与资源 URL 有关。
func (r *Request) CacheKey() cache.Key {
	return cache.URLKey{URL: r.URL}
}

// Clone 深拷贝请求，避免调用方后续修改影响在途传输。
func (r *Request) Clone() *Request {
	c := &Request{Method: r.Method, Header: r.Header.Clone()}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.URL != nil {
		u := *r.URL
		if r.URL.User != nil {
			user := *r.URL.User
			u.User = &user
		}
		c.URL = &u
	}
	return c
}
