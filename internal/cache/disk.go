package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const tempPrefix = ".cache-"

// NewDiskStore 以 dir 为根目录构建磁盘层，整站复用一份实例。
// 目录创建失败不会返回错误：磁盘层进入不可用状态，读写返回 ErrDirectoryUnavailable，
// 之后的 RemoveAll 会尝试重建目录。
func NewDiskStore(dir string, logger logrus.FieldLogger) (*DiskStore, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &DiskStore{
		dir:       abs,
		logger:    logger,
		locks:     make(map[string]*entryLock),
		index:     make(map[string]struct{}),
		removed:   make(map[string]struct{}),
		indexDone: make(chan struct{}),
	}
	s.prepareDirectory()
	go s.buildIndex()
	return s, nil
}

// DiskStore 通过 entryLock 避免同一 key 并发写入；index 为启动时异步扫描出的
// "可能存在" 集合，只用于加速正向判断，从不产生假阴性。
type DiskStore struct {
	dir    string
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*entryLock

	dirMu    sync.RWMutex
	dirReady bool

	indexMu    sync.Mutex
	index      map[string]struct{}
	removed    map[string]struct{}
	indexReady bool
	cleared    bool
	indexDone  chan struct{}
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Dir 返回缓存根目录的绝对路径。
func (s *DiskStore) Dir() string {
	return s.dir
}

func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.available() {
		return nil, ErrDirectoryUnavailable
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		if info, statErr := os.Stat(filePath); statErr == nil && info.IsDir() {
			return nil, ErrNotFound
		}
		return nil, &DiskError{Op: "read", Key: key, Err: err}
	}
	return data, nil
}

func (s *DiskStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.available() {
		return ErrDirectoryUnavailable
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(key)
	defer unlock()

	tempFile, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return &DiskError{Op: "write", Key: key, Err: err}
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return &DiskError{Op: "write", Key: key, Err: err}
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return &DiskError{Op: "write", Key: key, Err: err}
	}

	s.indexMu.Lock()
	s.index[key] = struct{}{}
	delete(s.removed, key)
	s.indexMu.Unlock()
	return nil
}

func (s *DiskStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(key)
	defer unlock()

	s.indexMu.Lock()
	delete(s.index, key)
	if !s.indexReady {
		s.removed[key] = struct{}{}
	}
	s.indexMu.Unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &DiskError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *DiskStore) RemoveAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.indexMu.Lock()
	s.index = make(map[string]struct{})
	if !s.indexReady {
		s.cleared = true
	}
	s.indexMu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return &DiskError{Op: "remove", Key: "*", Err: err}
	}
	if !s.prepareDirectory() {
		return ErrDirectoryUnavailable
	}
	return nil
}

func (s *DiskStore) Contains(key string) bool {
	filePath, err := s.entryPath(key)
	if err != nil {
		return false
	}

	s.indexMu.Lock()
	_, ok := s.index[key]
	s.indexMu.Unlock()
	if ok {
		return true
	}

	// 索引未命中：可能尚未扫描完成，或条目由其他进程写入，回退到真实的文件系统检查。
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

// WaitIndex 阻塞到启动扫描完成或 ctx 结束。
func (s *DiskStore) WaitIndex(ctx context.Context) error {
	select {
	case <-s.indexDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DiskStore) buildIndex() {
	entries, err := os.ReadDir(s.dir)
	s.applyIndex(entries, err)
}

// applyIndex 合并扫描结果。扫描期间被 Remove 或 RemoveAll 的条目以墓碑记录，不会重新进入索引。
func (s *DiskStore) applyIndex(entries []os.DirEntry, err error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	defer close(s.indexDone)

	s.indexReady = true
	if err != nil {
		s.logger.WithError(err).WithField("dir", s.dir).Warn("disk_index_scan_failed")
	} else if !s.cleared {
		for _, entry := range entries {
			name := entry.Name()
			if !entry.Type().IsRegular() || strings.HasPrefix(name, tempPrefix) {
				continue
			}
			if _, gone := s.removed[name]; gone {
				continue
			}
			s.index[name] = struct{}{}
		}
	}
	s.removed = make(map[string]struct{})
	s.cleared = false
}

// prepareDirectory 创建根目录并记录可用状态。
func (s *DiskStore) prepareDirectory() bool {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.dirReady = false
		s.logger.WithError(err).WithField("dir", s.dir).Warn("cache_directory_unavailable")
		return false
	}
	s.dirReady = true
	return true
}

func (s *DiskStore) available() bool {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.dirReady
}

func (s *DiskStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPath 将 key 映射为根目录下的单层文件，拒绝任何可能逃逸目录的名称。
func (s *DiskStore) entryPath(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return "", ErrInvalidKey
	}
	if strings.ContainsAny(key, `/\`) || strings.ContainsRune(key, os.PathSeparator) || strings.ContainsRune(key, 0) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.dir, key), nil
}

var _ Store = (*DiskStore)(nil)
