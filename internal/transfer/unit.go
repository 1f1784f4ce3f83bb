package transfer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/any-hub/any-fetch/internal/metrics"
)

// TaskID 是 Scheduler 路由传输回调时使用的标识。
type TaskID uint64

var lastTaskID atomic.Uint64

// 优先级：数值越大越先被调度，同优先级按提交顺序。
const (
	PriorityDefault int32 = 0
	PriorityHigh    int32 = 1
)

type unitState int

const (
	stateNone unitState = iota
	stateReady
	stateExecuting
	stateFinished
	// stateCancelled 只会从 none/ready 进入：调度器从未开始执行它。
	stateCancelled
)

func (s unitState) String() string {
	switch s {
	case stateNone:
		return "none"
	case stateReady:
		return "ready"
	case stateExecuting:
		return "executing"
	case stateFinished:
		return "finished"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeSuccess
	outcomeFailed
	outcomeCancelled
)

// Unit 拥有一次底层传输：单写者追加字节，并把进度与终态广播给当前所有订阅者。
type Unit struct {
	id         TaskID
	req        *Request
	key        string
	dispatcher *Dispatcher
	metrics    *metrics.Collector
	priority   atomic.Int32

	mu         sync.Mutex
	state      unitState
	outcome    outcome
	err        error
	buf        []byte
	expected   int64
	subs       map[uint64]*Subscription
	nextSub    uint64
	abandoned  bool
	cancel     context.CancelFunc
	sched      *Scheduler
	onTerminal []func(*Unit)
}

// NewUnit 为 req 创建传输单元，req 会被拷贝。
func NewUnit(req *Request, d *Dispatcher, c *metrics.Collector) *Unit {
	r := req.Clone()
	return &Unit{
		id:         TaskID(lastTaskID.Add(1)),
		req:        r,
		key:        r.Key(),
		dispatcher: d,
		metrics:    c,
		subs:       make(map[uint64]*Subscription),
	}
}

// ID 返回传输标识。
func (u *Unit) ID() TaskID {
	return u.id
}

// Key 返回请求的规范 key。
func (u *Unit) Key() string {
	return u.key
}

// Request 返回单元持有的请求副本，调用方不得修改。
func (u *Unit) Request() *Request {
	return u.req
}

// Priority 返回当前优先级。
func (u *Unit) Priority() int32 {
	return u.priority.Load()
}

// SetPriority 调整尚未开始执行的单元在队列中的位置。
func (u *Unit) SetPriority(p int32) {
	u.priority.Store(p)
}

// State 返回状态机的当前状态名，用于诊断。
func (u *Unit) State() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.String()
}

// Joinable 报告新请求能否合并到该单元：失败、取消或已被放弃的单元不再接受合并。
func (u *Unit) Joinable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.joinableLocked()
}

func (u *Unit) joinableLocked() bool {
	if u.abandoned {
		return false
	}
	return u.outcome == outcomePending || u.outcome == outcomeSuccess
}

// OnTerminal 注册终态钩子，在所有订阅者被通知之后于锁外调用；单元已结束时立即调用。
func (u *Unit) OnTerminal(fn func(*Unit)) {
	u.mu.Lock()
	if u.outcome == outcomePending {
		u.onTerminal = append(u.onTerminal, fn)
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	fn(u)
}

// Subscribe 注册订阅者。
//   - 已成功：立即以 SourceNetworkShared 回放已缓冲的字节，返回已结束的订阅；
//   - 已失败或取消：立即以该错误通知；
//   - 否则登记回调，首个订阅者使单元从 none 进入 ready。
func (u *Unit) Subscribe(onProgress ProgressFunc, onComplete CompletionFunc) *Subscription {
	u.mu.Lock()
	if u.outcome == outcomeFailed || u.outcome == outcomeCancelled {
		err := u.err
		u.mu.Unlock()
		sub := newSubscription(0, nil, u.dispatcher, nil, onComplete)
		sub.finish(Response{}, err)
		return sub
	}
	return u.subscribeLocked(onProgress, onComplete)
}

// Join 与 Subscribe 相同，但合并判断与登记在同一次加锁内完成：
// 单元已失败、已取消或已被放弃时不登记，返回 false，调用方应改为创建新的单元。
func (u *Unit) Join(onProgress ProgressFunc, onComplete CompletionFunc) (*Subscription, bool) {
	u.mu.Lock()
	if !u.joinableLocked() {
		u.mu.Unlock()
		return nil, false
	}
	return u.subscribeLocked(onProgress, onComplete), true
}

// subscribeLocked 要求调用方持有 u.mu，返回前释放。
func (u *Unit) subscribeLocked(onProgress ProgressFunc, onComplete CompletionFunc) *Subscription {
	if u.outcome == outcomeSuccess {
		data := u.buf
		u.mu.Unlock()
		sub := newSubscription(0, nil, u.dispatcher, nil, onComplete)
		sub.finish(Response{Data: data, Source: SourceNetworkShared}, nil)
		u.metrics.ObserveSubscription(metrics.SubscriptionReplay)
		return sub
	}

	u.nextSub++
	sub := newSubscription(u.nextSub, u, u.dispatcher, onProgress, onComplete)
	u.subs[sub.id] = sub
	first := u.state == stateNone
	if first {
		u.state = stateReady
	}
	sched := u.sched
	u.mu.Unlock()

	if first && sched != nil {
		sched.wake()
	}
	return sub
}

// unsubscribe 移除订阅者；若订阅者集合因此变空且单元尚未结束，通知调度器取消传输。
func (u *Unit) unsubscribe(id uint64) {
	u.mu.Lock()
	if _, ok := u.subs[id]; !ok {
		u.mu.Unlock()
		return
	}
	delete(u.subs, id)
	idle := len(u.subs) == 0 && u.outcome == outcomePending
	sched := u.sched
	u.mu.Unlock()

	if !idle {
		return
	}
	if sched != nil {
		sched.abandon(u)
		return
	}
	if deliver, ok := u.settle(outcomeCancelled, ErrCancelled, (*Unit).idleLocked); ok {
		deliver()
	}
}

// onBytes 由调度器在传输 goroutine 上串行调用。
func (u *Unit) onBytes(chunk []byte, expected int64) {
	u.mu.Lock()
	if u.outcome != outcomePending {
		u.mu.Unlock()
		return
	}
	u.buf = append(u.buf, chunk...)
	if expected > 0 {
		u.expected = expected
	}
	completed, total := int64(len(u.buf)), u.expected
	subs := u.snapshotLocked()
	u.mu.Unlock()

	for _, sub := range subs {
		sub.progress(completed, total)
	}
}

func (u *Unit) onSuccess() bool {
	return u.finish(outcomeSuccess, nil)
}

func (u *Unit) onError(err error) bool {
	return u.finish(outcomeFailed, err)
}

func (u *Unit) onCancelled() bool {
	return u.finish(outcomeCancelled, ErrCancelled)
}

func (u *Unit) finish(o outcome, err error) bool {
	deliver, ok := u.settle(o, err, nil)
	if ok {
		deliver()
	}
	return ok
}

// settle 在锁内切换到终态并摘下全部订阅者；返回的 deliver 必须在锁外调用。
// allow 非空时在锁内作为额外前置条件。
func (u *Unit) settle(o outcome, err error, allow func(*Unit) bool) (func(), bool) {
	u.mu.Lock()
	if u.outcome != outcomePending || (allow != nil && !allow(u)) {
		u.mu.Unlock()
		return nil, false
	}
	u.outcome = o
	u.err = err
	if o == outcomeCancelled && (u.state == stateNone || u.state == stateReady) {
		u.state = stateCancelled
	} else {
		u.state = stateFinished
	}
	subs := u.snapshotLocked()
	u.subs = make(map[uint64]*Subscription)
	hooks := u.onTerminal
	u.onTerminal = nil
	data := u.buf
	if u.cancel != nil {
		defer u.cancel()
	}
	u.mu.Unlock()

	return func() {
		for i, sub := range subs {
			switch {
			case o != outcomeSuccess:
				sub.finish(Response{}, err)
			case i == 0:
				sub.finish(Response{Data: data, Source: SourceNetwork}, nil)
				u.metrics.ObserveSubscription(metrics.SubscriptionNetwork)
			default:
				sub.finish(Response{Data: data, Source: SourceNetworkShared}, nil)
				u.metrics.ObserveSubscription(metrics.SubscriptionShared)
			}
		}
		for _, hook := range hooks {
			hook(u)
		}
	}, true
}

// snapshotLocked 按订阅编号升序返回当前订阅者，编号最小者即首个订阅者。
func (u *Unit) snapshotLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(u.subs))
	for _, sub := range u.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (u *Unit) dispatch(fn func()) {
	if u.dispatcher == nil {
		go fn()
		return
	}
	u.dispatcher.Dispatch(fn)
}

func (u *Unit) idleLocked() bool {
	return len(u.subs) == 0
}

func (u *Unit) readyLocked() bool {
	return u.state == stateReady && u.outcome == outcomePending
}

// start 由调度器在持有调度锁时调用，返回传输使用的 context。
func (u *Unit) start(parent context.Context) (context.Context, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.readyLocked() {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	u.state = stateExecuting
	u.cancel = cancel
	return ctx, true
}

// abort 取消执行中的传输。force 为 false 时仅在没有订阅者时生效。
func (u *Unit) abort(force bool) bool {
	u.mu.Lock()
	if u.state != stateExecuting || u.outcome != outcomePending || (!force && len(u.subs) > 0) {
		u.mu.Unlock()
		return false
	}
	u.abandoned = true
	cancel := u.cancel
	u.mu.Unlock()

	cancel()
	return true
}

// cancelRequested 报告执行中的传输是否已被要求取消。
func (u *Unit) cancelRequested() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.abandoned
}
