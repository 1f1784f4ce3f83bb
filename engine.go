package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/fetch"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/transfer"
)

// engine 聚合一次进程生命周期内共享的缓存、加载器与指标注册表。
type engine struct {
	loader   *fetch.Loader
	cache    *cache.Manager
	registry *prometheus.Registry
}

// newCacheManager 按配置组装内存层 + 磁盘层。
func newCacheManager(cfg *config.Config, logger logrus.FieldLogger, collector *metrics.Collector) (*cache.Manager, error) {
	disk, err := cache.NewDiskStore(cfg.Global.StoragePath, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	memory := cache.NewMemoryStore(cfg.Global.MemoryCountLimit, cfg.Global.MemoryCostLimit.Int64())
	return cache.NewManager(memory, disk, cache.WithLogger(logger), cache.WithMetrics(collector)), nil
}

// newEngine 遵循“指标 → 缓存 → 传输 → Loader”的顺序组装，所有请求共享同一实例。
func newEngine(cfg *config.Config, logger *logrus.Logger) (*engine, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	manager, err := newCacheManager(cfg, logger, collector)
	if err != nil {
		return nil, err
	}

	transport := transfer.NewHTTPTransport(server.NewUpstreamClient(cfg))
	loader := fetch.NewLoader(fetch.Config{
		Cache:           manager,
		Transport:       transport,
		MaxConcurrent:   cfg.Global.MaxConcurrentTransfers,
		CallbackWorkers: cfg.Global.CallbackWorkers,
		Logger:          logger,
		Metrics:         collector,
	})

	return &engine{
		loader:   loader,
		cache:    manager,
		registry: reg,
	}, nil
}

func newRegistry(cfg *config.Config) (*server.OriginRegistry, error) {
	return server.NewOriginRegistry(cfg)
}
