package cache

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultyStore 记录调用并按需返回错误，用于验证 Manager 的降级策略。
type faultyStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	getErr    error
	putErr    error
	removeErr error
	puts      int
	release   chan struct{}
}

func newFaultyStore() *faultyStore {
	return &faultyStore{data: make(map[string][]byte)}
}

func (f *faultyStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (f *faultyStore) Put(_ context.Context, key string, data []byte) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.data[key] = data
	return nil
}

func (f *faultyStore) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.data, key)
	return nil
}

func (f *faultyStore) RemoveAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.data = make(map[string][]byte)
	return nil
}

func (f *faultyStore) Contains(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestManagerPutThenGetFromMemory(t *testing.T) {
	disk := newFaultyStore()
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))
	ctx := context.Background()
	key := StringKey("k")

	require.NoError(t, m.Put(ctx, key, []byte("v"), PutOptions{Sync: true}))

	data, tier, ok := m.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, TierMemory, tier)
	assert.Equal(t, "v", string(data))
	assert.True(t, disk.Contains("k"), "sync put should reach the disk tier")
}

func TestManagerGetFallsBackToDisk(t *testing.T) {
	disk := newFaultyStore()
	disk.data["k"] = []byte("on-disk")
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))

	data, tier, ok := m.Get(context.Background(), StringKey("k"))
	require.True(t, ok)
	assert.Equal(t, TierDisk, tier)
	assert.Equal(t, "on-disk", string(data))

	_, inMemory := m.GetMemory(StringKey("k"))
	assert.False(t, inMemory, "disk hits are not promoted to memory")
}

func TestManagerDiskReadErrorIsMiss(t *testing.T) {
	disk := newFaultyStore()
	disk.getErr = &DiskError{Op: "read", Key: "k", Err: errors.New("io failure")}
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))

	_, _, ok := m.Get(context.Background(), StringKey("k"))
	assert.False(t, ok)
}

func TestManagerMemoryOnlyPutSkipsDisk(t *testing.T) {
	disk := newFaultyStore()
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))

	require.NoError(t, m.Put(context.Background(), StringKey("k"), []byte("v"), PutOptions{MemoryOnly: true}))
	m.Wait()

	assert.Equal(t, 0, disk.puts)
	assert.True(t, m.Contains(StringKey("k")))
}

func TestManagerSyncPutReturnsDiskError(t *testing.T) {
	disk := newFaultyStore()
	disk.putErr = errors.New("disk full")
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))

	err := m.Put(context.Background(), StringKey("k"), []byte("v"), PutOptions{Sync: true})
	require.ErrorIs(t, err, disk.putErr)

	_, tier, ok := m.Get(context.Background(), StringKey("k"))
	require.True(t, ok, "memory write happens even when the disk write fails")
	assert.Equal(t, TierMemory, tier)
}

func TestManagerAsyncPutSwallowsDiskError(t *testing.T) {
	disk := newFaultyStore()
	disk.putErr = errors.New("disk full")
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))

	require.NoError(t, m.Put(context.Background(), StringKey("k"), []byte("v"), PutOptions{}))
	m.Wait()
	assert.Equal(t, 1, disk.puts)
}

func TestManagerRemoveWaitsForPendingWrite(t *testing.T) {
	disk := newFaultyStore()
	disk.release = make(chan struct{})
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, StringKey("k"), []byte("v"), PutOptions{}))

	removed := make(chan error, 1)
	go func() { removed <- m.Remove(ctx, StringKey("k")) }()

	close(disk.release)
	require.NoError(t, <-removed)
	m.Wait()

	assert.False(t, m.Contains(StringKey("k")), "a late background write must not resurrect a removed entry")
}

func TestManagerRemoveSurfacesDiskError(t *testing.T) {
	disk := newFaultyStore()
	disk.removeErr = errors.New("permission denied")
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))

	assert.ErrorIs(t, m.Remove(context.Background(), StringKey("k")), disk.removeErr)
	assert.ErrorIs(t, m.RemoveAll(context.Background()), disk.removeErr)
}

func TestManagerWithDiskStore(t *testing.T) {
	disk := newTestDiskStore(t)
	m := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))
	ctx := context.Background()

	u, err := url.Parse("https://Example.com/a.png#frag")
	require.NoError(t, err)
	key := URLKey{URL: u}

	require.NoError(t, m.Put(ctx, key, []byte("png"), PutOptions{}))
	m.Wait()

	fresh := NewManager(NewMemoryStore(0, 0), disk, WithLogger(quietLogger()))
	data, tier, ok := fresh.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, TierDisk, tier)
	assert.Equal(t, "png", string(data))

	require.NoError(t, m.RemoveAll(ctx))
	assert.False(t, m.Contains(key))
}

func TestURLKeyIgnoresFragmentAndHostCase(t *testing.T) {
	a, _ := url.Parse("https://EXAMPLE.com/img.png#one")
	b, _ := url.Parse("https://example.com/img.png")
	c, _ := url.Parse("https://example.com/img.png?v=2")

	assert.Equal(t, URLKey{URL: a}.CacheKey(), URLKey{URL: b}.CacheKey())
	assert.NotEqual(t, URLKey{URL: b}.CacheKey(), URLKey{URL: c}.CacheKey())
	assert.Len(t, URLKey{URL: b}.CacheKey(), 64)
}
