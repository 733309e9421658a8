package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.OpenAIAPIKey = "sk-test"
	cfg.CartesiaAPIKey = "ck-test"
	return cfg
}

func testDeps() Dependencies {
	return Dependencies{
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Lifecycle: &lifecycle.Lifecycle{},
		Registry:  sessions.NewRegistry(4, time.Minute),
		Metrics:   metrics.New("test"),
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := New(testConfig(), testDeps())

	rr := get(t, s.Handler(), "/does-not-exist")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestServer_HealthReadyMetrics(t *testing.T) {
	s := New(testConfig(), testDeps())
	h := s.Handler()

	if rr := get(t, h, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	if rr := get(t, h, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}
	rr := get(t, h, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "test_calls_active") {
		t.Fatalf("metrics status=%d", rr.Code)
	}
}

func TestServer_DebugCallsGated(t *testing.T) {
	cfg := testConfig()
	if rr := get(t, New(cfg, testDeps()).Handler(), "/debug/calls"); rr.Code != http.StatusNotFound {
		t.Fatalf("debug disabled status=%d", rr.Code)
	}
	cfg.DebugEndpoints = true
	if rr := get(t, New(cfg, testDeps()).Handler(), "/debug/calls"); rr.Code != http.StatusOK {
		t.Fatalf("debug enabled status=%d", rr.Code)
	}
}

type callFunc func() error

func (f callFunc) ID() string                  { return "c_1" }
func (f callFunc) Serve(context.Context) error { return f() }

func TestServer_MediaUpgradeThroughMiddleware(t *testing.T) {
	deps := testDeps()
	served := make(chan struct{})
	deps.NewCall = func(ws *websocket.Conn, _ *slog.Logger) (handlers.Call, error) {
		return callFunc(func() error {
			defer close(served)
			return ws.Close()
		}), nil
	}
	srv := httptest.NewServer(New(testConfig(), deps).Handler())
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("call was not served")
	}
}
