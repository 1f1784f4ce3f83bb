package transfer

import "sync"

type subState int

const (
	subReady subState = iota
	subCancelled
	subFinished
)

// Subscription 是调用方对某个 Unit 的一次订阅。cancel、成功、失败三者中只有一个会生效，
// 完成回调恰好触发一次，且总是该订阅收到的最后一条通知。
type Subscription struct {
	id   uint64
	unit *Unit
	box  *mailbox

	onProgress ProgressFunc
	onComplete CompletionFunc

	mu    sync.Mutex
	state subState
}

func newSubscription(id uint64, unit *Unit, d *Dispatcher, onProgress ProgressFunc, onComplete CompletionFunc) *Subscription {
	return &Subscription{
		id:         id,
		unit:       unit,
		box:        newMailbox(d),
		onProgress: onProgress,
		onComplete: onComplete,
	}
}

// ID 返回订阅编号，同一个 Unit 内单调递增。
func (s *Subscription) ID() uint64 {
	return s.id
}

// Cancel 幂等：只有第一次调用会从 Unit 退订并以 ErrCancelled 通知完成回调。
// 若这是最后一个订阅者，底层传输随之取消。
func (s *Subscription) Cancel() {
	if !s.transition(subCancelled, Response{}, ErrCancelled) {
		return
	}
	if s.unit != nil {
		s.unit.unsubscribe(s.id)
	}
}

// Done 报告订阅是否已结束（取消或完成）。
func (s *Subscription) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != subReady
}

func (s *Subscription) finish(resp Response, err error) bool {
	return s.transition(subFinished, resp, err)
}

func (s *Subscription) transition(to subState, resp Response, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != subReady {
		return false
	}
	s.state = to
	if s.onComplete != nil {
		complete := s.onComplete
		s.box.post(func() { complete(resp, err) })
	}
	return true
}

func (s *Subscription) progress(completed, total int64) {
	if s.onProgress == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != subReady {
		return
	}
	report := s.onProgress
	s.box.post(func() { report(completed, total) })
}
