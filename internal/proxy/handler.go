package proxy

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/fetch"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/transfer"
)

// 网关响应头。
const (
	HeaderOptions = "X-Any-Fetch-Options"
	HeaderSource  = "X-Any-Fetch-Source"
	HeaderKey     = "X-Any-Fetch-Key"
)

// StatusClientClosedRequest 沿用 nginx 的 499，表示请求在完成前被取消。
const StatusClientClosedRequest = 499

// Loader 是网关依赖的加载能力，*fetch.Loader 满足该接口。
type Loader interface {
	LoadWait(ctx context.Context, req *transfer.Request, opts fetch.Options, onProgress transfer.ProgressFunc) (transfer.Response, error)
}

// Handler 将 Host 映射到的 Origin 请求交给 Loader：缓存命中直接返回，
// 未命中时与其他在途请求合并为一次上游传输。
type Handler struct {
	loader Loader
	logger *logrus.Logger
}

// NewHandler constructs a gateway handler backed by loader.
func NewHandler(loader Loader, logger *logrus.Logger) *Handler {
	return &Handler{
		loader: loader,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。handler 内部 panic 会被转换为 500 响应。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) (err error) {
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, route, r, requestID)
		}
	}()
	return h.serve(c, route, requestID)
}

func (h *Handler) serve(c fiber.Ctx, route *server.OriginRoute, requestID string) error {
	started := time.Now()

	requested, err := fetch.ParseOptions(c.Get(HeaderOptions))
	if err != nil {
		h.logResult(route, "", "", requestID, fiber.StatusBadRequest, started, err)
		return writeError(c, fiber.StatusBadRequest, "invalid_options")
	}
	opts := route.Options | requested

	// HEAD 与 GET 共用同一缓存条目与在途传输。
	req, err := route.Request(http.MethodGet, requestPath(c), string(c.Request().URI().QueryString()))
	if err != nil {
		h.logResult(route, "", "", requestID, fiber.StatusInternalServerError, started, err)
		return writeError(c, fiber.StatusInternalServerError, "route_invalid")
	}
	key := req.CacheKey().CacheKey()
	c.Set(HeaderKey, key)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.loader.LoadWait(ctx, req, opts, nil)
	if err != nil {
		status, code := classifyError(err)
		var statusErr *transfer.StatusError
		if errors.As(err, &statusErr) {
			c.Set("X-Any-Fetch-Upstream-Status", strconv.Itoa(statusErr.Code))
		}
		h.logResult(route, "", key, requestID, status, started, err)
		return writeError(c, status, code)
	}

	source := resp.Source.String()
	c.Set(HeaderSource, source)
	c.Set(fiber.HeaderContentType, contentType(req.URL.Path, resp.Data))
	h.logResult(route, source, key, requestID, fiber.StatusOK, started, nil)
	return c.Status(fiber.StatusOK).Send(resp.Data)
}

// classifyError 将加载错误映射为 HTTP 状态码与错误码。
func classifyError(err error) (int, string) {
	var statusErr *transfer.StatusError
	var transportErr *transfer.TransportError
	switch {
	case errors.Is(err, fetch.ErrNotCached):
		return fiber.StatusNotFound, "not_cached"
	case errors.Is(err, transfer.ErrCancelled):
		return StatusClientClosedRequest, "cancelled"
	case errors.As(err, &statusErr):
		return fiber.StatusBadGateway, "upstream_bad_status"
	case errors.As(err, &transportErr):
		return fiber.StatusBadGateway, "upstream_failed"
	default:
		return fiber.StatusInternalServerError, "load_failed"
	}
}

func contentType(p string, data []byte) string {
	if ext := path.Ext(p); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return http.DetectContentType(data)
}

// requestPath 返回已解码的请求路径，重新编码交由 url.URL 完成。
func requestPath(c fiber.Ctx) string {
	return string(c.Request().URI().Path())
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, route *server.OriginRoute, recovered interface{}, requestID string) error {
	h.logResult(route, "", "", requestID, fiber.StatusInternalServerError, time.Now(), fmt.Errorf("panic: %v", recovered))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return writeError(c, fiber.StatusInternalServerError, "gateway_panic")
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	source string,
	cacheKey string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, source, cacheKey)
	fields["action"] = "gateway"
	fields["auth_mode"] = route.Config.AuthMode()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if status >= fiber.StatusInternalServerError {
			h.logger.WithFields(fields).Error("gateway_failed")
		} else {
			h.logger.WithFields(fields).Warn("gateway_failed")
		}
		return
	}
	h.logger.WithFields(fields).Info("gateway_complete")
}
