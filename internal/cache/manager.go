package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/metrics"
)

// PutOptions 控制一次写入的落盘方式。
type PutOptions struct {
	// MemoryOnly 跳过磁盘层。
	MemoryOnly bool
	// Sync 为 true 时阻塞等待磁盘写入完成并返回其错误；否则后台写入，失败只记录日志。
	Sync bool
}

// Manager 组合内存层与磁盘层：读时内存优先，写时同时写入两层。
// 磁盘层的读写失败只会降级为未命中或未持久化；删除类操作则会返回磁盘错误。
type Manager struct {
	memory  *MemoryStore
	disk    Store
	logger  logrus.FieldLogger
	metrics *metrics.Collector

	writes conc.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*pendingWrite
}

// pendingWrite 记录某个 key 尚未完成的后台写入，删除前需等待它们落盘，
// 否则迟到的写入会让已删除的条目重新出现。
type pendingWrite struct {
	n    int
	done chan struct{}
}

// ManagerOption 以函数式选项注入可选依赖。
type ManagerOption func(*Manager)

// WithLogger 设置日志输出。
func WithLogger(logger logrus.FieldLogger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics 设置指标采集器。
func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.metrics = c
	}
}

// NewManager 组合两层缓存；disk 为 nil 时退化为纯内存缓存。
func NewManager(memory *MemoryStore, disk Store, opts ...ManagerOption) *Manager {
	if memory == nil {
		memory = NewMemoryStore(0, 0)
	}
	m := &Manager{
		memory:  memory,
		disk:    disk,
		logger:  logrus.StandardLogger(),
		pending: make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get 先查内存，再查磁盘。磁盘读取失败按未命中处理；磁盘命中不会回填内存。
func (m *Manager) Get(ctx context.Context, key Key) ([]byte, Tier, bool) {
	k := key.CacheKey()
	if data, ok := m.memory.Get(k); ok {
		m.metrics.ObserveLookup(metrics.LookupMemory)
		return data, TierMemory, true
	}
	if m.disk == nil {
		m.metrics.ObserveLookup(metrics.LookupMiss)
		return nil, TierMemory, false
	}

	data, err := m.disk.Get(ctx, k)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.WithFields(logging.CacheFields(k, TierDisk.String())).
				WithError(err).Debug("disk_read_failed")
		}
		m.metrics.ObserveLookup(metrics.LookupMiss)
		return nil, TierDisk, false
	}
	m.metrics.ObserveLookup(metrics.LookupDisk)
	return data, TierDisk, true
}

// GetMemory 仅查询内存层。
func (m *Manager) GetMemory(key Key) ([]byte, bool) {
	data, ok := m.memory.Get(key.CacheKey())
	if ok {
		m.metrics.ObserveLookup(metrics.LookupMemory)
	} else {
		m.metrics.ObserveLookup(metrics.LookupMiss)
	}
	return data, ok
}

// Put 同步写入内存层，并按 opts 写入磁盘层。只有同步写盘失败时才返回错误。
func (m *Manager) Put(ctx context.Context, key Key, data []byte, opts PutOptions) error {
	k := key.CacheKey()
	m.PutMemory(key, data)
	if opts.MemoryOnly || m.disk == nil {
		return nil
	}

	if opts.Sync {
		err := m.disk.Put(ctx, k, data)
		m.metrics.ObserveWrite(TierDisk.String(), err)
		return err
	}

	m.beginWrite(k)
	m.writes.Go(func() {
		defer m.endWrite(k)
		err := m.disk.Put(context.Background(), k, data)
		m.metrics.ObserveWrite(TierDisk.String(), err)
		if err != nil {
			m.logger.WithFields(logging.CacheFields(k, TierDisk.String())).
				WithError(err).Warn("disk_write_failed")
		}
	})
	return nil
}

// PutMemory 仅写入内存层。
func (m *Manager) PutMemory(key Key, data []byte) {
	k := key.CacheKey()
	stored := m.memory.Put(k, data)
	if !stored {
		m.logger.WithFields(logging.CacheFields(k, TierMemory.String())).
			WithField("size", len(data)).Debug("memory_put_skipped")
	}
	m.metrics.ObserveWrite(TierMemory.String(), nil)
}

// Contains 依次检查内存、磁盘索引与文件系统。
func (m *Manager) Contains(key Key) bool {
	k := key.CacheKey()
	if m.memory.Contains(k) {
		return true
	}
	return m.disk != nil && m.disk.Contains(k)
}

// Remove 删除两层中的条目，磁盘错误会返回给调用方。
func (m *Manager) Remove(ctx context.Context, key Key) error {
	k := key.CacheKey()
	m.memory.Remove(k)
	if m.disk == nil {
		return nil
	}
	m.waitWrites(k)
	return m.disk.Remove(ctx, k)
}

// RemoveAll 清空两层，磁盘错误会返回给调用方。
func (m *Manager) RemoveAll(ctx context.Context) error {
	m.memory.RemoveAll()
	if m.disk == nil {
		return nil
	}
	m.waitWrites("")
	return m.disk.RemoveAll(ctx)
}

// Wait 等待所有后台磁盘写入结束，用于关闭流程与测试。
func (m *Manager) Wait() {
	m.writes.Wait()
}

func (m *Manager) beginWrite(key string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p := m.pending[key]
	if p == nil {
		p = &pendingWrite{done: make(chan struct{})}
		m.pending[key] = p
	}
	p.n++
}

func (m *Manager) endWrite(key string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p := m.pending[key]
	if p == nil {
		return
	}
	p.n--
	if p.n == 0 {
		close(p.done)
		delete(m.pending, key)
	}
}

// waitWrites 等待 key 的后台写入完成；key 为空时等待全部。
func (m *Manager) waitWrites(key string) {
	m.pendingMu.Lock()
	var waits []chan struct{}
	if key == "" {
		for _, p := range m.pending {
			waits = append(waits, p.done)
		}
	} else if p := m.pending[key]; p != nil {
		waits = append(waits, p.done)
	}
	m.pendingMu.Unlock()

	for _, done := range waits {
		<-done
	}
}
