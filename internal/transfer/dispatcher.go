package transfer

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Dispatcher 是独立的回调投递上下文：固定数量的 worker 从无界 FIFO 中取任务执行。
// 调用方回调一律经由 Dispatcher 运行，从不在持锁路径或发起取消的 goroutine 上同步执行。
type Dispatcher struct {
	logger logrus.FieldLogger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	workers conc.WaitGroup
}

// NewDispatcher 启动 workers 个投递 goroutine，workers < 1 时按 1 处理。
func NewDispatcher(workers int, logger logrus.FieldLogger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Dispatcher{logger: logger}
	d.cond = sync.NewCond(&d.mu)
	for i := 0; i < workers; i++ {
		d.workers.Go(d.run)
	}
	return d
}

// Dispatch 将 fn 排入队列。关闭后提交的任务改由独立 goroutine 执行，保证不丢通知。
func (d *Dispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go d.invoke(fn)
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.cond.Signal()
}

// Close 停止接收新任务，等待队列中已有任务执行完毕。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	d.workers.Wait()
}

func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.invoke(fn)
	}
}

// invoke 隔离回调中的 panic，单个订阅者出错不影响其他订阅者。
func (d *Dispatcher) invoke(fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		d.logger.WithField("panic", r.Value).
			WithField("stack", string(r.Stack)).
			Error("callback_panic")
	}
}

// mailbox 将同一订阅者的通知串行化：同一时刻最多一个 drain 在 Dispatcher 上运行。
type mailbox struct {
	d *Dispatcher

	mu      sync.Mutex
	items   []func()
	running bool
}

func newMailbox(d *Dispatcher) *mailbox {
	return &mailbox{d: d}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	m.d.Dispatch(m.drain)
}

func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		if len(m.items) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		fn := m.items[0]
		m.items[0] = nil
		m.items = m.items[1:]
		m.mu.Unlock()

		m.d.invoke(fn)
	}
}
