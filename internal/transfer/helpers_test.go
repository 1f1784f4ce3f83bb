package transfer

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// gatedTransport 在 gate 关闭前阻塞每一次传输，便于构造并发场景。
type gatedTransport struct {
	mu     sync.Mutex
	calls  []string
	chunks [][]byte
	err    error

	started chan TaskID
	gate    chan struct{}
}

func newGatedTransport(chunks ...string) *gatedTransport {
	t := &gatedTransport{
		started: make(chan TaskID, 64),
		gate:    make(chan struct{}),
	}
	for _, c := range chunks {
		t.chunks = append(t.chunks, []byte(c))
	}
	return t
}

func (t *gatedTransport) Do(ctx context.Context, id TaskID, req *Request, sink Sink) {
	t.mu.Lock()
	t.calls = append(t.calls, req.URL.String())
	t.mu.Unlock()
	t.started <- id

	select {
	case <-t.gate:
	case <-ctx.Done():
		sink.Complete(id, ctx.Err())
		return
	}

	var total int64
	for _, c := range t.chunks {
		total += int64(len(c))
	}
	for _, c := range t.chunks {
		sink.Receive(id, c, total)
	}
	sink.Complete(id, t.err)
}

func (t *gatedTransport) release() {
	close(t.gate)
}

func (t *gatedTransport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *gatedTransport) waitStarted(tb testing.TB) TaskID {
	tb.Helper()
	select {
	case id := <-t.started:
		return id
	case <-time.After(waitTimeout):
		tb.Fatalf("transport was not started")
		return 0
	}
}

// recorder 收集一个订阅者的全部通知；完成回调被调用两次会因重复 close 而 panic。
type recorder struct {
	mu       sync.Mutex
	progress []int64
	events   []string
	resp     Response
	err      error
	done     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) onProgress(completed, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, completed)
	r.events = append(r.events, "progress")
}

func (r *recorder) onComplete(resp Response, err error) {
	r.mu.Lock()
	r.resp, r.err = resp, err
	r.events = append(r.events, "complete")
	r.mu.Unlock()
	close(r.done)
}

func (r *recorder) wait(tb testing.TB) (Response, error) {
	tb.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		tb.Fatalf("completion was not delivered")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}

func (r *recorder) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestScheduler(t *testing.T, transport Transport, workers int) (*Scheduler, *Dispatcher) {
	t.Helper()
	d := NewDispatcher(2, quietLogger())
	s := NewScheduler(transport, WithMaxConcurrent(workers), WithLogger(quietLogger()))
	t.Cleanup(func() {
		s.Close()
		d.Close()
	})
	return s, d
}

func newTestUnit(t *testing.T, d *Dispatcher, rawURL string) *Unit {
	t.Helper()
	req, err := NewRequest(rawURL)
	require.NoError(t, err)
	return NewUnit(req, d, nil)
}

func (r *recorder) subscribe(u *Unit) *Subscription {
	return u.Subscribe(r.onProgress, r.onComplete)
}
