package fetch

import (
	"context"
	"net/url"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/transfer"
)

// Config 描述 Loader 的组装参数。
type Config struct {
	// Cache 为 nil 时使用不限量的纯内存缓存。
	Cache *cache.Manager
	// Transport 为 nil 时使用 http.DefaultClient。
	Transport transfer.Transport
	// MaxConcurrent 是最大并行传输数，默认 5。
	MaxConcurrent int
	// CallbackWorkers 是回调投递 goroutine 数，默认 4。
	CallbackWorkers int
	Logger          logrus.FieldLogger
	Metrics         *metrics.Collector
}

// Loader 在 Coordinator 之前叠加缓存与本地文件读取：缓存命中直接返回，
// 只有 provenance 为 network 的结果才会写回缓存。
type Loader struct {
	cache      *cache.Manager
	coord      *Coordinator
	scheduler  *transfer.Scheduler
	dispatcher *transfer.Dispatcher
	logger     logrus.FieldLogger
}

// NewLoader 按 cfg 组装调度器、回调投递上下文与在途表。
func NewLoader(cfg Config) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	manager := cfg.Cache
	if manager == nil {
		manager = cache.NewManager(nil, nil, cache.WithLogger(logger), cache.WithMetrics(cfg.Metrics))
	}
	transport := cfg.Transport
	if transport == nil {
		transport = transfer.NewHTTPTransport(nil)
	}
	workers := cfg.CallbackWorkers
	if workers <= 0 {
		workers = 4
	}

	dispatcher := transfer.NewDispatcher(workers, logger)
	scheduler := transfer.NewScheduler(transport,
		transfer.WithMaxConcurrent(cfg.MaxConcurrent),
		transfer.WithLogger(logger),
		transfer.WithMetrics(cfg.Metrics),
	)
	return &Loader{
		cache:      manager,
		coord:      NewCoordinator(scheduler, dispatcher, logger, cfg.Metrics),
		scheduler:  scheduler,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Coordinator 返回底层的在途表，供绕过缓存的调用方使用。
func (l *Loader) Coordinator() *Coordinator {
	return l.coord
}

// Cache 返回缓存协调器。
func (l *Loader) Cache() *cache.Manager {
	return l.cache
}

// Load 以回调方式加载资源，缓存查询也在回调投递上下文中执行，调用方 goroutine 不会被阻塞。
// onComplete 恰好调用一次。
func (l *Loader) Load(req *transfer.Request, opts Options, onProgress transfer.ProgressFunc, onComplete transfer.CompletionFunc) *Task {
	task := newTask()
	l.dispatcher.Dispatch(func() {
		l.run(task, req, opts, onProgress, onComplete)
	})
	return task
}

// LoadWait 阻塞到加载结束；ctx 结束时取消本次加载并返回 transfer.ErrCancelled。
func (l *Loader) LoadWait(ctx context.Context, req *transfer.Request, opts Options, onProgress transfer.ProgressFunc) (transfer.Response, error) {
	if err := ctx.Err(); err != nil {
		return transfer.Response{}, transfer.ErrCancelled
	}
	return await(ctx, func(canceller *transfer.DeferredCanceller, complete transfer.CompletionFunc) {
		task := newTask()
		canceller.Attach(task)
		l.run(task, req, opts, onProgress, complete)
	})
}

func (l *Loader) run(task *Task, req *transfer.Request, opts Options, onProgress transfer.ProgressFunc, onComplete transfer.CompletionFunc) {
	if task.Cancelled() {
		onComplete(transfer.Response{}, transfer.ErrCancelled)
		return
	}
	if req == nil || req.URL == nil {
		onComplete(transfer.Response{}, ErrEmptyRequest)
		return
	}
	key := req.CacheKey()

	if !opts.Has(DisableCache) {
		if !opts.Has(ForceRefresh) {
			if resp, ok := l.fromCache(key, opts); ok {
				l.logger.WithFields(logging.CacheFields(key.CacheKey(), resp.Source.String())).Debug("cache_hit")
				onComplete(resp, nil)
				return
			}
		}
		if opts.Has(OnlyFromCache) {
			onComplete(transfer.Response{}, ErrNotCached)
			return
		}
	}

	if req.URL.Scheme == "file" {
		resp, err := l.fromLocalFile(req.URL, key, opts)
		onComplete(resp, err)
		return
	}

	ctx := context.Background()
	sub, unit := l.coord.fetch(req, task.currentPriority(), onProgress, func(resp transfer.Response, err error) {
		if err == nil && resp.Source == transfer.SourceNetwork && !opts.Has(DisableCache) {
			putOpts := cache.PutOptions{MemoryOnly: opts.Has(MemoryOnly), Sync: opts.Has(SyncDiskWrite)}
			if putErr := l.cache.Put(ctx, key, resp.Data, putOpts); putErr != nil {
				l.logger.WithFields(logging.CacheFields(key.CacheKey(), cache.TierDisk.String())).
					WithError(putErr).Warn("cache_store_failed")
			}
		}
		onComplete(resp, err)
	})
	task.attach(sub, unit)
}

func (l *Loader) fromCache(key cache.Key, opts Options) (transfer.Response, bool) {
	if opts.Has(MemoryOnly) {
		data, ok := l.cache.GetMemory(key)
		if !ok {
			return transfer.Response{}, false
		}
		return transfer.Response{Data: data, Source: transfer.SourceMemory}, true
	}

	data, tier, ok := l.cache.Get(context.Background(), key)
	if !ok {
		return transfer.Response{}, false
	}
	source := transfer.SourceMemory
	if tier == cache.TierDisk {
		source = transfer.SourceDisk
	}
	return transfer.Response{Data: data, Source: source}, true
}

// fromLocalFile 读取 file:// 资源；结果只写入内存层。
func (l *Loader) fromLocalFile(u *url.URL, key cache.Key, opts Options) (transfer.Response, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return transfer.Response{}, &LocalFileError{Path: path, Err: err}
	}
	if !opts.Has(SkipLocalFileCache) && !opts.Has(DisableCache) {
		l.cache.PutMemory(key, data)
	}
	return transfer.Response{Data: data, Source: transfer.SourceLocalFile}, nil
}

// IsCached 判断资源是否存在于任一缓存层。
func (l *Loader) IsCached(req *transfer.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return l.cache.Contains(req.CacheKey())
}

// Remove 从两层缓存中删除资源，磁盘错误会返回。
func (l *Loader) Remove(ctx context.Context, req *transfer.Request) error {
	if req == nil || req.URL == nil {
		return ErrEmptyRequest
	}
	return l.cache.Remove(ctx, req.CacheKey())
}

// RemoveAll 清空两层缓存。
func (l *Loader) RemoveAll(ctx context.Context) error {
	return l.cache.RemoveAll(ctx)
}

// CancelAll 取消所有排队与执行中的传输。
func (l *Loader) CancelAll() int {
	return l.coord.CancelAll()
}

// Stats 返回调度器统计。
func (l *Loader) Stats() transfer.Stats {
	return l.coord.Stats()
}

// Close 取消全部传输，投递剩余回调并等待后台磁盘写入结束。
func (l *Loader) Close() {
	l.scheduler.Close()
	l.dispatcher.Close()
	l.cache.Wait()
}

// InFlight 返回在途表中的传输单元数量。
func (l *Loader) InFlight() int {
	return l.coord.InFlight()
}
