package routes

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/transfer"
)

// Engine 是诊断接口所需的加载器能力，*fetch.Loader 满足该接口。
type Engine interface {
	Cache() *cache.Manager
	Stats() transfer.Stats
	InFlight() int
	CancelAll() int
}

// Options 汇总诊断路由的依赖。Gatherer 为 nil 时不暴露 /-/metrics。
type Options struct {
	Registry *server.OriginRegistry
	Engine   Engine
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口，供 SRE 查询 Origin 绑定、缓存与传输状态。
func RegisterDiagnosticsRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Engine == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/origins", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"origins": encodeOriginBindings(opts.Registry.List())})
	})

	app.Get("/-/cache/:key", func(c fiber.Ctx) error {
		key, ok := parseDigest(c.Params("key"))
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_cache_key"})
		}
		if !opts.Engine.Cache().Contains(key) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"key": key.CacheKey(), "cached": false})
		}
		return c.JSON(fiber.Map{"key": key.CacheKey(), "cached": true})
	})

	app.Delete("/-/cache/:key", func(c fiber.Ctx) error {
		key, ok := parseDigest(c.Params("key"))
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_cache_key"})
		}
		if err := opts.Engine.Cache().Remove(c.Context(), key); err != nil {
			return renderCacheError(c, logger, "cache_remove", err)
		}
		logger.WithFields(logrus.Fields{"action": "cache_remove", "cache_key": key.CacheKey(), "request_id": server.RequestID(c)}).
			Info("cache_removed")
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		if err := opts.Engine.Cache().RemoveAll(c.Context()); err != nil {
			return renderCacheError(c, logger, "cache_clear", err)
		}
		logger.WithFields(logrus.Fields{"action": "cache_clear", "request_id": server.RequestID(c)}).Info("cache_cleared")
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/transfers", func(c fiber.Ctx) error {
		return c.JSON(transfersPayload{
			Stats:    opts.Engine.Stats(),
			InFlight: opts.Engine.InFlight(),
		})
	})

	app.Post("/-/transfers/cancel", func(c fiber.Ctx) error {
		n := opts.Engine.CancelAll()
		logger.WithFields(logrus.Fields{"action": "transfers_cancel", "cancelled": n, "request_id": server.RequestID(c)}).
			Info("transfers_cancelled")
		return c.JSON(fiber.Map{"cancelled": n})
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

type transfersPayload struct {
	transfer.Stats
	InFlight int `json:"in_flight"`
}

type originBindingPayload struct {
	Name     string   `json:"name"`
	Domain   string   `json:"domain"`
	Upstream string   `json:"upstream"`
	Port     int      `json:"port"`
	AuthMode string   `json:"auth_mode"`
	Options  []string `json:"options,omitempty"`
}

func encodeOriginBindings(routes []server.OriginRoute) []originBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]originBindingPayload, 0, len(routes))
	for _, route := range routes {
		item := originBindingPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.UpstreamURL.String(),
			Port:     route.ListenPort,
			AuthMode: route.Config.AuthMode(),
		}
		if s := route.Options.String(); s != "" {
			item.Options = strings.Split(s, ",")
		}
		result = append(result, item)
	}
	return result
}

// parseDigest 只接受 URLKey 派生的 64 位十六进制摘要。
func parseDigest(raw string) (cache.Key, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if len(raw) != 64 {
		return nil, false
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return nil, false
	}
	return cache.StringKey(raw), true
}

func renderCacheError(c fiber.Ctx, logger logrus.FieldLogger, action string, err error) error {
	logger.WithFields(logrus.Fields{"action": action, "request_id": server.RequestID(c)}).WithError(err).Error("cache_operation_failed")
	status := fiber.StatusInternalServerError
	if errors.Is(err, context.Canceled) {
		status = 499
	}
	return c.Status(status).JSON(fiber.Map{"error": "cache_operation_failed"})
}
