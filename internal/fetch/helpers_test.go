package fetch

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/transfer"
)

const (
	waitTimeout = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// stubTransport 返回固定内容；gate 未关闭前阻塞，ctx 取消时以 ctx.Err() 结束。
type stubTransport struct {
	calls   atomic.Int32
	body    []byte
	err     error
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newStubTransport(body string) *stubTransport {
	return &stubTransport{
		body:    []byte(body),
		started: make(chan struct{}, 64),
		gate:    make(chan struct{}),
	}
}

func (s *stubTransport) Do(ctx context.Context, id transfer.TaskID, _ *transfer.Request, sink transfer.Sink) {
	s.calls.Add(1)
	s.started <- struct{}{}
	select {
	case <-s.gate:
	case <-ctx.Done():
		sink.Complete(id, ctx.Err())
		return
	}
	if s.err != nil {
		sink.Complete(id, s.err)
		return
	}
	half := len(s.body) / 2
	sink.Receive(id, s.body[:half], int64(len(s.body)))
	sink.Receive(id, s.body[half:], int64(len(s.body)))
	sink.Complete(id, nil)
}

func (s *stubTransport) release() {
	s.once.Do(func() { close(s.gate) })
}

func (s *stubTransport) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-s.started:
	case <-time.After(waitTimeout):
		t.Fatalf("transport was not started")
	}
}

type result struct {
	resp transfer.Response
	err  error
}

// collect 返回一个完成回调与等待函数，重复完成会写满容量为 1 的 channel 而阻塞，从而被超时发现。
func collect(t *testing.T) (transfer.CompletionFunc, func() result) {
	ch := make(chan result, 1)
	complete := func(resp transfer.Response, err error) {
		select {
		case ch <- result{resp: resp, err: err}:
		default:
			t.Errorf("completion delivered more than once")
		}
	}
	wait := func() result {
		t.Helper()
		select {
		case r := <-ch:
			return r
		case <-time.After(waitTimeout):
			t.Fatalf("completion was not delivered")
			return result{}
		}
	}
	return complete, wait
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestLoader(t *testing.T, transport transfer.Transport, workers int) (*Loader, *cache.DiskStore) {
	t.Helper()
	disk, err := cache.NewDiskStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	manager := cache.NewManager(cache.NewMemoryStore(0, 0), disk, cache.WithLogger(quietLogger()))
	loader := NewLoader(Config{
		Cache:         manager,
		Transport:     transport,
		MaxConcurrent: workers,
		Logger:        quietLogger(),
	})
	t.Cleanup(loader.Close)
	return loader, disk
}

func mustRequest(t *testing.T, raw string) *transfer.Request {
	t.Helper()
	req, err := transfer.NewRequest(raw)
	require.NoError(t, err)
	return req
}
