package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/metrics"
)

// DefaultMaxConcurrent 是默认的最大并行传输数。
const DefaultMaxConcurrent = 5

// Stats 汇总调度器的队列与历史计数。
type Stats struct {
	Pending   int    `json:"pending"`
	Executing int    `json:"executing"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

// SchedulerOption 以函数式选项配置 Scheduler。
type SchedulerOption func(*Scheduler)

// WithMaxConcurrent 设置并行 worker 数量，n < 1 时忽略。
func WithMaxConcurrent(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 1 {
			s.workerCount = n
		}
	}
}

// WithLogger 设置日志输出。
func WithLogger(logger logrus.FieldLogger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics 设置指标采集器。
func WithMetrics(c *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = c
	}
}

// Scheduler 以固定数量的 worker 执行已提交的 Unit：worker 只挑选处于 ready 的单元，
// 优先级高者优先，同优先级按提交顺序；每个 worker 跑完一次传输再取下一个。
// 尚未开始的单元被取消时直接以 cancelled 退场，不会经过 executing。
type Scheduler struct {
	transport   Transport
	logger      logrus.FieldLogger
	metrics     *metrics.Collector
	workerCount int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Unit
	running map[TaskID]*Unit
	closed  bool
	stats   Stats

	workers conc.WaitGroup
}

// NewScheduler 创建调度器并立即启动 worker。
func NewScheduler(transport Transport, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		transport:   transport,
		logger:      logrus.StandardLogger(),
		workerCount: DefaultMaxConcurrent,
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[TaskID]*Unit),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < s.workerCount; i++ {
		s.workers.Go(s.work)
	}
	return s
}

// MaxConcurrent 返回 worker 数量。
func (s *Scheduler) MaxConcurrent() int {
	return s.workerCount
}

// Submit 将单元放入队列。单元在获得首个订阅者之前不会被执行；调度器已关闭时以取消结束，
// 通知与终态钩子异步投递。
func (s *Scheduler) Submit(u *Unit) {
	s.mu.Lock()
	if s.closed {
		deliver, ok := u.settle(outcomeCancelled, ErrCancelled, nil)
		if ok {
			s.stats.Cancelled++
		}
		s.mu.Unlock()
		// 调用方可能持有自己的锁（例如在途表），终态钩子改为异步执行。
		if ok {
			u.dispatch(deliver)
		}
		return
	}
	u.mu.Lock()
	u.sched = s
	u.mu.Unlock()
	s.pending = append(s.pending, u)
	s.publishLocked()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// CancelAll 取消所有排队与执行中的传输，不论订阅者数量；返回受影响的传输数。
// 返回前所有受影响订阅者的取消通知都已投递，不等待 Transport 响应 context 取消。
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	delivers, running := s.drainLocked()
	s.mu.Unlock()

	n := s.cancelDrained(delivers, running)
	s.logger.WithField("count", n).Info("transfers_cancel_all")
	return n
}

// drainLocked 摘下全部排队单元并在锁内结算为 cancelled，返回待投递的通知与执行中的单元。
func (s *Scheduler) drainLocked() ([]func(), []*Unit) {
	queued := s.pending
	s.pending = nil
	var delivers []func()
	for _, u := range queued {
		if deliver, ok := u.settle(outcomeCancelled, ErrCancelled, nil); ok {
			delivers = append(delivers, deliver)
			s.stats.Cancelled++
		}
	}
	running := make([]*Unit, 0, len(s.running))
	for _, u := range s.running {
		running = append(running, u)
	}
	s.publishLocked()
	return delivers, running
}

// cancelDrained 在锁外投递排队单元的通知，并强制结束执行中的单元。
// 执行中的单元立即通知订阅者；worker 仍等 Transport.Do 返回后才释放，
// 迟到的 Complete 只计入统计。
func (s *Scheduler) cancelDrained(delivers []func(), running []*Unit) int {
	for _, deliver := range delivers {
		deliver()
		s.metrics.ObserveTransfer(metrics.OutcomeCancelled)
	}
	n := len(delivers)
	for _, u := range running {
		if !u.abort(true) {
			continue
		}
		n++
		if deliver, ok := u.settle(outcomeCancelled, ErrCancelled, nil); ok {
			deliver()
		}
	}
	return n
}

// Stats 返回当前统计快照。
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	st.Executing = len(s.running)
	return st
}

// Close 取消全部传输并等待 worker 退出。关闭标记与排队单元的结算在同一临界区内完成，
// 之后的 Submit 一律以取消结束，不会有单元滞留在队列中。
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	delivers, running := s.drainLocked()
	s.cond.Broadcast()
	s.mu.Unlock()

	n := s.cancelDrained(delivers, running)
	s.logger.WithField("count", n).Info("scheduler_closed")
	s.cancel()
	s.workers.Wait()
}

// Receive 实现 Sink。
func (s *Scheduler) Receive(id TaskID, chunk []byte, expected int64) {
	s.mu.Lock()
	u, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		s.unknownTask(id, "receive")
	}
	u.onBytes(chunk, expected)
	s.metrics.AddBytes(len(chunk))
}

// Complete 实现 Sink：将终态路由给对应单元并移出执行表。
func (s *Scheduler) Complete(id TaskID, err error) {
	s.mu.Lock()
	u, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		s.unknownTask(id, "complete")
	}
	delete(s.running, id)

	// 被强制取消的单元即使 Transport 随后报告成功，也按取消计。
	result := metrics.OutcomeSuccess
	switch {
	case u.cancelRequested() || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled):
		result = metrics.OutcomeCancelled
		s.stats.Cancelled++
	case err == nil:
		s.stats.Completed++
	default:
		result = metrics.OutcomeFailed
		s.stats.Failed++
	}
	s.publishLocked()
	s.cond.Broadcast()
	s.mu.Unlock()

	fields := logging.TransferFields(uint64(id), u.req.Method, u.req.URL.String())
	switch result {
	case metrics.OutcomeSuccess:
		u.onSuccess()
		s.logger.WithFields(fields).Debug("transfer_complete")
	case metrics.OutcomeCancelled:
		u.onCancelled()
		s.logger.WithFields(fields).Debug("transfer_cancelled")
	default:
		err = classify(err)
		u.onError(err)
		s.logger.WithFields(fields).WithError(err).Info("transfer_failed")
	}
	s.metrics.ObserveTransfer(result)
}

func (s *Scheduler) work() {
	for {
		u, ctx := s.next()
		if u == nil {
			return
		}
		s.execute(ctx, u)
	}
}

func (s *Scheduler) next() (*Unit, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil, nil
		}
		if i := s.pickLocked(); i >= 0 {
			u := s.pending[i]
			s.pending = slices.Delete(s.pending, i, i+1)
			ctx, ok := u.start(s.ctx)
			if !ok {
				continue
			}
			s.running[u.id] = u
			s.publishLocked()
			return u, ctx
		}
		s.cond.Wait()
	}
}

// pickLocked 返回优先级最高的 ready 单元下标，同优先级取最早提交者。
func (s *Scheduler) pickLocked() int {
	best := -1
	var bestPriority int32
	for i, u := range s.pending {
		u.mu.Lock()
		ready := u.readyLocked()
		u.mu.Unlock()
		if !ready {
			continue
		}
		if p := u.Priority(); best < 0 || p > bestPriority {
			best, bestPriority = i, p
		}
	}
	return best
}

func (s *Scheduler) execute(ctx context.Context, u *Unit) {
	s.logger.WithFields(logging.TransferFields(uint64(u.id), u.req.Method, u.req.URL.String())).
		Debug("transfer_start")
	s.transport.Do(ctx, u.id, u.req, s)

	s.mu.Lock()
	_, open := s.running[u.id]
	s.mu.Unlock()
	if open {
		s.Complete(u.id, &TransportError{Err: errIncomplete})
	}
}

// wake 在单元进入 ready 时唤醒空闲 worker。持锁广播，避免 worker 检查与等待之间丢失信号。
func (s *Scheduler) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// abandon 在单元失去最后一个订阅者时调用：排队中的单元直接以 cancelled 退场，
// 执行中的单元取消其 context。
func (s *Scheduler) abandon(u *Unit) {
	s.mu.Lock()
	idx := slices.Index(s.pending, u)
	if idx < 0 {
		s.mu.Unlock()
		u.abort(false)
		return
	}
	deliver, ok := u.settle(outcomeCancelled, ErrCancelled, (*Unit).idleLocked)
	if ok {
		s.pending = slices.Delete(s.pending, idx, idx+1)
		s.stats.Cancelled++
		s.publishLocked()
	}
	s.mu.Unlock()

	if ok {
		deliver()
		s.metrics.ObserveTransfer(metrics.OutcomeCancelled)
		s.logger.WithFields(logging.TransferFields(uint64(u.id), u.req.Method, u.req.URL.String())).
			Debug("transfer_cancelled")
	}
}

func (s *Scheduler) publishLocked() {
	s.metrics.SetQueue(len(s.pending), len(s.running))
}

func (s *Scheduler) unknownTask(id TaskID, op string) {
	s.logger.WithField("task_id", uint64(id)).WithField("op", op).Error("unknown_transfer_task")
	panic(fmt.Sprintf("transfer: %s for unknown task %d", op, id))
}

// classify 保留 StatusError/TransportError，其余错误统一包装为 TransportError。
func classify(err error) error {
	var statusErr *StatusError
	var transportErr *TransportError
	if errors.As(err, &statusErr) || errors.As(err, &transportErr) {
		return err
	}
	return &TransportError{Err: err}
}

var _ Sink = (*Scheduler)(nil)
