package fetch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/transfer"
)

// Coordinator 维护在途传输表：相同请求 key 的并发请求共享同一个 Unit。
type Coordinator struct {
	scheduler  *transfer.Scheduler
	dispatcher *transfer.Dispatcher
	metrics    *metrics.Collector
	logger     logrus.FieldLogger

	mu       sync.Mutex
	inflight map[string]*transfer.Unit
}

// NewCoordinator 组合调度器与回调投递上下文。
func NewCoordinator(s *transfer.Scheduler, d *transfer.Dispatcher, logger logrus.FieldLogger, c *metrics.Collector) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		scheduler:  s,
		dispatcher: d,
		metrics:    c,
		logger:     logger,
		inflight:   make(map[string]*transfer.Unit),
	}
}

// Fetch 以回调方式发起请求。命中在途传输时只追加订阅，不会产生新的网络请求。
func (c *Coordinator) Fetch(req *transfer.Request, onProgress transfer.ProgressFunc, onComplete transfer.CompletionFunc) *transfer.Subscription {
	sub, _ := c.fetch(req, transfer.PriorityDefault, onProgress, onComplete)
	return sub
}

// FetchWait 阻塞到请求结束。ctx 结束时取消本次订阅并返回 transfer.ErrCancelled。
func (c *Coordinator) FetchWait(ctx context.Context, req *transfer.Request, onProgress transfer.ProgressFunc) (transfer.Response, error) {
	if err := ctx.Err(); err != nil {
		return transfer.Response{}, transfer.ErrCancelled
	}
	return await(ctx, func(canceller *transfer.DeferredCanceller, complete transfer.CompletionFunc) {
		canceller.Attach(c.Fetch(req, onProgress, complete))
	})
}

func (c *Coordinator) fetch(req *transfer.Request, priority int32, onProgress transfer.ProgressFunc, onComplete transfer.CompletionFunc) (*transfer.Subscription, *transfer.Unit) {
	key := req.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Join 在单元锁内完成判断与登记，最后一个订阅者的并发取消不会把新请求并入已取消的单元。
	if u, ok := c.inflight[key]; ok {
		if priority > u.Priority() {
			u.SetPriority(priority)
		}
		if sub, joined := u.Join(onProgress, onComplete); joined {
			return sub, u
		}
	}

	u := transfer.NewUnit(req, c.dispatcher, c.metrics)
	u.SetPriority(priority)
	u.OnTerminal(c.release)
	c.inflight[key] = u
	c.scheduler.Submit(u)
	c.logger.WithFields(logging.TransferFields(uint64(u.ID()), req.Method, req.URL.String())).
		Debug("transfer_created")
	return u.Subscribe(onProgress, onComplete), u
}

// release 在单元终结时将其移出在途表；表中已被同 key 的新单元替换时不做任何事。
func (c *Coordinator) release(u *transfer.Unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[u.Key()] == u {
		delete(c.inflight, u.Key())
	}
}

// InFlight 返回在途传输数量。
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// CancelAll 取消所有排队与执行中的传输。
func (c *Coordinator) CancelAll() int {
	return c.scheduler.CancelAll()
}

// Stats 返回调度器统计。
func (c *Coordinator) Stats() transfer.Stats {
	return c.scheduler.Stats()
}

// await 将回调式调用适配为阻塞调用：start 负责发起请求并把句柄挂到 canceller 上，
// ctx 结束时通过 canceller 取消，无论句柄是否已经就绪。
func await(ctx context.Context, start func(*transfer.DeferredCanceller, transfer.CompletionFunc)) (transfer.Response, error) {
	type result struct {
		resp transfer.Response
		err  error
	}
	done := make(chan result, 1)

	var canceller transfer.DeferredCanceller
	stop := context.AfterFunc(ctx, canceller.Cancel)
	defer stop()

	start(&canceller, func(resp transfer.Response, err error) {
		done <- result{resp: resp, err: err}
	})
	r := <-done
	return r.resp, r.err
}
