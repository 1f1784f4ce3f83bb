package fetch

import (
	"sync"

	"github.com/any-hub/any-fetch/internal/transfer"
)

// Task 是 Loader.Load 返回的句柄。Cancel 可以早于网络订阅建立，届时会在订阅挂上时重放。
type Task struct {
	canceller transfer.DeferredCanceller

	mu       sync.Mutex
	unit     *transfer.Unit
	priority int32
}

func newTask() *Task {
	return &Task{priority: transfer.PriorityDefault}
}

// Cancel 幂等地取消本次加载。若本任务是传输的最后一个订阅者，传输随之取消。
func (t *Task) Cancel() {
	t.canceller.Cancel()
}

// Cancelled 报告是否请求过取消。
func (t *Task) Cancelled() bool {
	return t.canceller.Cancelled()
}

// IncreasePriority 提升传输在调度队列中的优先级。
func (t *Task) IncreasePriority() {
	t.setPriority(transfer.PriorityHigh)
}

// ResetPriority 恢复默认优先级。
func (t *Task) ResetPriority() {
	t.setPriority(transfer.PriorityDefault)
}

func (t *Task) setPriority(p int32) {
	t.mu.Lock()
	t.priority = p
	u := t.unit
	t.mu.Unlock()
	if u != nil {
		u.SetPriority(p)
	}
}

func (t *Task) currentPriority() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *Task) attach(sub *transfer.Subscription, u *transfer.Unit) {
	t.mu.Lock()
	t.unit = u
	p := t.priority
	t.mu.Unlock()
	if u != nil && p != u.Priority() && p > transfer.PriorityDefault {
		u.SetPriority(p)
	}
	t.canceller.Attach(sub)
}
