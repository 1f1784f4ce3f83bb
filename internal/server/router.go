package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 网关写出的响应头。
const (
	HeaderRequestID = "X-Request-ID"
	HeaderOrigin    = "X-Any-Fetch-Origin"
	HeaderHost      = "X-Any-Fetch-Host"
)

// ProxyHandler serves gateway requests for a resolved origin. Tests inject
// fakes through ProxyHandlerFunc.
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions controls how the gateway behaves on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const contextKeyRequestID = "_anyfetch_request_id"

// NewApp builds the gateway: every request gets a request ID, requests under
// /-/ fall through to diagnostics routes the caller registers afterwards, and
// everything else is resolved to an origin by Host header and handed to Proxy.
// Handler errors and recovered panics are rendered as JSON.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	gw := &gateway{opts: opts}
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		AppName:       "any-fetch",
		ErrorHandler:  gw.renderError,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace:  true,
		StackTraceHandler: gw.logPanic,
	}))
	app.Use(assignRequestID)
	app.All("/*", gw.serve)

	return app, nil
}

type gateway struct {
	opts AppOptions
}

// serve 按 Host 解析来源，只放行 GET/HEAD。
func (g *gateway) serve(c fiber.Ctx) error {
	if isDiagnosticsPath(c.Path()) {
		return c.Next()
	}

	host := strings.TrimSpace(hostHeader(c))
	route, ok := g.opts.Registry.Lookup(host)
	if !ok {
		return g.renderHostUnmapped(c, host)
	}
	c.Set(HeaderOrigin, route.Config.Name)

	if method := c.Method(); method != fiber.MethodGet && method != fiber.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
	}
	return g.opts.Proxy.Handle(c, route)
}

func (g *gateway) renderHostUnmapped(c fiber.Ctx, host string) error {
	g.opts.Logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       g.opts.ListenPort,
		"request_id": RequestID(c),
	}).Warn("host_unmapped")

	if host != "" {
		c.Set(HeaderHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
		"host":  host,
	})
}

// renderError 是 fiber 的全局错误处理：*fiber.Error 保留其状态码，其余按 500 处理。
func (g *gateway) renderError(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	if code >= fiber.StatusInternalServerError {
		g.opts.Logger.WithFields(logrus.Fields{
			"action":     "gateway",
			"path":       c.Path(),
			"request_id": RequestID(c),
		}).WithError(err).Error("request_failed")
	}
	label := strings.ReplaceAll(strings.ToLower(http.StatusText(code)), " ", "_")
	return c.Status(code).JSON(fiber.Map{"error": label})
}

func (g *gateway) logPanic(c fiber.Ctx, recovered any) {
	g.opts.Logger.WithFields(logrus.Fields{
		"action":     "gateway",
		"path":       c.Path(),
		"request_id": RequestID(c),
		"panic":      fmt.Sprint(recovered),
		"stack":      string(debug.Stack()),
	}).Error("router_panic")
}

// assignRequestID 沿用上游传入的合法 UUID，否则生成新的请求 ID。
func assignRequestID(c fiber.Ctx) error {
	reqID := c.Get(HeaderRequestID)
	if _, err := uuid.Parse(reqID); err != nil {
		reqID = uuid.NewString()
	}
	c.Locals(contextKeyRequestID, reqID)
	c.Set(HeaderRequestID, reqID)
	return c.Next()
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RequestID returns the identifier assigned to the request by the gateway.
func RequestID(c fiber.Ctx) string {
	if reqID, ok := c.Locals(contextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
