package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
	"github.com/vango-go/vai-callbridge/pkg/gateway/ratelimit"
)

// Call is one upgraded media stream.
type Call interface {
	ID() string
	Serve(ctx context.Context) error
}

// CallFactory builds the call that owns an upgraded socket.
type CallFactory func(ws *websocket.Conn, logger *slog.Logger) (Call, error)

// MediaHandler accepts telephony media streams.
type MediaHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Limiter   *ratelimit.Limiter
	Metrics   RejectRecorder
	NewCall   CallFactory
}

// RejectRecorder counts refused stream attempts.
type RejectRecorder interface {
	RecordRejectedCall(reason string)
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, core.ErrInvalidRequest, "method_not_allowed", "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeError(w, r, http.StatusServiceUnavailable, core.ErrOverloaded, "draining", "bridge is draining")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, r, http.StatusBadRequest, core.ErrInvalidRequest, "websocket_required", "websocket upgrade required")
		return
	}

	dec := h.Limiter.AcquireCall(remoteHost(r), time.Now())
	if !dec.Allowed {
		if h.Metrics != nil {
			h.Metrics.RecordRejectedCall(string(dec.Reason))
		}
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		}
		status := http.StatusTooManyRequests
		if dec.Reason == ratelimit.ReasonCapacity {
			status = http.StatusServiceUnavailable
		}
		writeError(w, r, status, core.ErrRateLimit, string(dec.Reason), "call not admitted")
		return
	}
	defer dec.Permit.Release()

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		// Telephony platforms connect server to server without an Origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", reqID)

	call, err := h.NewCall(conn, logger)
	if err != nil {
		logger.Error("failed to create call", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "call setup failed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	if err := call.Serve(r.Context()); err != nil {
		logger.Warn("media stream ended with error", "connection_id", call.ID(), "error", err)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
