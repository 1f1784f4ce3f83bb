package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/transfer"
)

type fakeEngine struct {
	manager   *cache.Manager
	stats     transfer.Stats
	inFlight  int
	cancelled int
	calls     int
}

func (f *fakeEngine) Cache() *cache.Manager  { return f.manager }
func (f *fakeEngine) Stats() transfer.Stats  { return f.stats }
func (f *fakeEngine) InFlight() int          { return f.inFlight }
func (f *fakeEngine) CancelAll() int         { f.calls++; return f.cancelled }

func newDiagnosticsApp(t *testing.T) (*fiber.App, *fakeEngine) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	collector.ObserveLookup(metrics.LookupMiss)

	engine := &fakeEngine{
		manager:   cache.NewManager(cache.NewMemoryStore(0, 0), nil, cache.WithLogger(logger)),
		stats:     transfer.Stats{Pending: 1, Executing: 2, Completed: 3},
		inFlight:  3,
		cancelled: 2,
	}

	registry, err := server.NewOriginRegistry(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Origins: []config.OriginConfig{
			{Name: "images", Domain: "images.local", Upstream: "https://cdn.example.com", Options: []string{"memory-only"}},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	app := fiber.New()
	RegisterDiagnosticsRoutes(app, Options{
		Registry: registry,
		Engine:   engine,
		Gatherer: reg,
		Logger:   logger,
	})
	return app, engine
}

func doRequest(t *testing.T, app *fiber.App, method, target string) (int, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestCacheInspectAndRemove(t *testing.T) {
	app, engine := newDiagnosticsApp(t)

	u, _ := url.Parse("https://cdn.example.com/logo.png")
	key := cache.URLKey{URL: u}
	if err := engine.manager.Put(context.Background(), key, []byte("png"), cache.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	status, body := doRequest(t, app, fiber.MethodGet, "/-/cache/"+key.CacheKey())
	if status != fiber.StatusOK || !strings.Contains(body, `"cached":true`) {
		t.Fatalf("expected cached entry, got %d %s", status, body)
	}

	status, _ = doRequest(t, app, fiber.MethodDelete, "/-/cache/"+key.CacheKey())
	if status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}

	status, body = doRequest(t, app, fiber.MethodGet, "/-/cache/"+key.CacheKey())
	if status != fiber.StatusNotFound || !strings.Contains(body, `"cached":false`) {
		t.Fatalf("expected removed entry, got %d %s", status, body)
	}
}

func TestCacheRejectsMalformedKey(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	status, body := doRequest(t, app, fiber.MethodGet, "/-/cache/not-a-digest")
	if status != fiber.StatusBadRequest || !strings.Contains(body, "invalid_cache_key") {
		t.Fatalf("expected 400, got %d %s", status, body)
	}
}

func TestCacheClear(t *testing.T) {
	app, engine := newDiagnosticsApp(t)

	key := cache.StringKey(strings.Repeat("a", 64))
	engine.manager.PutMemory(key, []byte("x"))

	status, _ := doRequest(t, app, fiber.MethodDelete, "/-/cache")
	if status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if engine.manager.Contains(key) {
		t.Fatalf("cache should be empty after clear")
	}
}

func TestTransfersStatsAndCancel(t *testing.T) {
	app, engine := newDiagnosticsApp(t)

	status, body := doRequest(t, app, fiber.MethodGet, "/-/transfers")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var payload map[string]int
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if payload["executing"] != 2 || payload["in_flight"] != 3 {
		t.Fatalf("unexpected payload: %s", body)
	}

	status, body = doRequest(t, app, fiber.MethodPost, "/-/transfers/cancel")
	if status != fiber.StatusOK || !strings.Contains(body, `"cancelled":2`) {
		t.Fatalf("unexpected cancel response: %d %s", status, body)
	}
	if engine.calls != 1 {
		t.Fatalf("CancelAll should be called once, got %d", engine.calls)
	}
}

func TestOriginsListing(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	status, body := doRequest(t, app, fiber.MethodGet, "/-/origins")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !strings.Contains(body, `"name":"images"`) || !strings.Contains(body, `"memory-only"`) {
		t.Fatalf("unexpected origins payload: %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, _ := newDiagnosticsApp(t)

	status, body := doRequest(t, app, fiber.MethodGet, "/-/metrics")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !strings.Contains(body, "anyfetch_cache_lookups_total") {
		t.Fatalf("expected cache lookup counter in metrics output")
	}
}
