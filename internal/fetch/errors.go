package fetch

import (
	"errors"
	"fmt"
)

// ErrNotCached 表示请求要求只读缓存，但缓存中不存在该资源。
var ErrNotCached = errors.New("resource not cached")

// ErrEmptyRequest 表示请求缺少 URL。
var ErrEmptyRequest = errors.New("empty request")

// LocalFileError 表示 file:// 资源读取失败。
type LocalFileError struct {
	Path string
	Err  error
}

func (e *LocalFileError) Error() string {
	return fmt.Sprintf("load local file %s: %v", e.Path, e.Err)
}

func (e *LocalFileError) Unwrap() error {
	return e.Err
}
