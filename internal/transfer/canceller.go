package transfer

import "sync"

// Canceller 是任何可取消句柄的最小接口。
type Canceller interface {
	Cancel()
}

// DeferredCanceller 允许在真实句柄就绪之前请求取消：先到的取消会被缓存，
// 并在 Attach 时立即重放；之后的取消直接转发。
type DeferredCanceller struct {
	mu        sync.Mutex
	target    Canceller
	cancelled bool
}

// Attach 绑定真实句柄。若此前已请求取消，target 会被立即取消。重复 Attach 只保留第一次。
func (d *DeferredCanceller) Attach(target Canceller) {
	if target == nil {
		return
	}
	d.mu.Lock()
	if d.target != nil {
		d.mu.Unlock()
		return
	}
	d.target = target
	replay := d.cancelled
	d.mu.Unlock()

	if replay {
		target.Cancel()
	}
}

// Cancel 转发或缓存取消请求，可重复调用。
func (d *DeferredCanceller) Cancel() {
	d.mu.Lock()
	d.cancelled = true
	target := d.target
	d.mu.Unlock()

	if target != nil {
		target.Cancel()
	}
}

// Cancelled 报告是否已请求过取消。
func (d *DeferredCanceller) Cancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}
