package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryStore 是按条目数与总字节数双重限制的 LRU，所有操作 O(1)。
// 写入的切片不会被复制，调用方需保证写入后不再修改。
type MemoryStore struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, []byte]
	cost      int64
	costLimit int64
}

// NewMemoryStore 构建内存层；countLimit/costLimit <= 0 表示不限制。
func NewMemoryStore(countLimit int, costLimit int64) *MemoryStore {
	if countLimit <= 0 {
		countLimit = math.MaxInt
	}
	s := &MemoryStore{costLimit: costLimit}
	lru, err := simplelru.NewLRU[string, []byte](countLimit, s.onEvict)
	if err != nil {
		// 仅在 size <= 0 时返回错误，上面已兜底。
		panic(err)
	}
	s.lru = lru
	return s
}

// onEvict 在持锁期间由 simplelru 回调，只做成本记账。
func (s *MemoryStore) onEvict(_ string, value []byte) {
	s.cost -= int64(len(value))
}

// Get 返回命中的字节并刷新其 LRU 位置。
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(key)
}

// Contains 判断 key 是否存在，不影响 LRU 顺序。
func (s *MemoryStore) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Contains(key)
}

// Put 写入并按总成本淘汰最久未使用的条目。单个条目超过 costLimit 时不会写入。
func (s *MemoryStore) Put(key string, value []byte) bool {
	size := int64(len(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.costLimit > 0 && size > s.costLimit {
		s.lru.Remove(key)
		return false
	}
	// 覆盖写入时 simplelru 不会触发淘汰回调，需要手动扣除旧值成本。
	if old, ok := s.lru.Peek(key); ok {
		s.cost -= int64(len(old))
	}
	s.lru.Add(key, value)
	s.cost += size

	for s.costLimit > 0 && s.cost > s.costLimit {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			break
		}
	}
	return true
}

// Remove 删除单个条目。
func (s *MemoryStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}

// RemoveAll 清空内存层。
func (s *MemoryStore) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
	s.cost = 0
}

// Len 返回当前条目数。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Cost 返回当前占用的字节数。
func (s *MemoryStore) Cost() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cost
}
