package cache

import (
	"context"
	"errors"
	"fmt"
)

// Store 描述持久化层（磁盘）需要提供的能力，Manager 只依赖该接口，便于测试注入故障实现。
//
// 磁盘布局：
//
//	<StoragePath>/<key>    # 原始字节，无任何头部
type Store interface {
	// Get 读取 key 对应的完整字节。不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)

	// Put 以临时文件 + rename 的方式覆盖写入。
	Put(ctx context.Context, key string, data []byte) error

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, key string) error

	// RemoveAll 清空整个缓存目录并重建。
	RemoveAll(ctx context.Context) error

	// Contains 判断条目是否存在，不允许出现假阴性。
	Contains(key string) bool
}

// Tier 标记一次命中来自哪一层缓存。
type Tier int

const (
	TierMemory Tier = iota
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrDirectoryUnavailable 表示缓存根目录无法创建或已不存在。
var ErrDirectoryUnavailable = errors.New("cache directory unavailable")

// ErrInvalidKey 表示 key 无法安全地映射为单层文件名。
var ErrInvalidKey = errors.New("invalid cache key")

// DiskError 包装磁盘读写/删除失败，Op 为 read、write 或 remove。
type DiskError struct {
	Op  string
	Key string
	Err error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *DiskError) Unwrap() error {
	return e.Err
}
