// Package transport owns the telephony WebSocket: one reader (the caller of
// ReadFrame) and one writer goroutine draining a priority and a normal queue.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by ReadFrame after Close.
var ErrClosed = errors.New("transport: connection closed")

// Socket is the subset of *websocket.Conn the transport uses.
type Socket interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Config struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	QueueSize       int
}

// Frame is one outbound text message. Audio frames carry the playback token
// they belong to and are dropped at write time if that token was canceled.
type Frame struct {
	Data  []byte
	Token string
}

type Conn struct {
	ws         Socket
	cfg        Config
	priority   chan Frame
	normal     chan Frame
	isCanceled func(token string) bool

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps ws. isCanceled may be nil.
func New(ws Socket, cfg Config, isCanceled func(token string) bool) *Conn {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	c := &Conn{
		ws:         ws,
		cfg:        cfg,
		priority:   make(chan Frame, 16),
		normal:     make(chan Frame, cfg.QueueSize),
		isCanceled: isCanceled,
		done:       make(chan struct{}),
	}
	if cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(cfg.MaxMessageBytes)
	}
	if cfg.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}
	return c
}

// ReadFrame blocks for the next inbound text message. Binary messages are
// skipped.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		if c.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		if mt != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

// SendControl queues a frame ahead of any pending audio. It reports false if
// the connection is closed or the priority queue is full.
func (c *Conn) SendControl(data []byte) bool {
	return c.enqueue(c.priority, Frame{Data: data}, false)
}

// SendAudio queues an audio frame tagged with token, blocking while the
// normal queue is full. It reports false once the connection is closed.
func (c *Conn) SendAudio(token string, data []byte) bool {
	return c.enqueue(c.normal, Frame{Data: data, Token: token}, true)
}

func (c *Conn) enqueue(ch chan Frame, f Frame, block bool) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if !block {
		select {
		case ch <- f:
			return true
		case <-c.done:
			return false
		default:
			return false
		}
	}
	select {
	case ch <- f:
		return true
	case <-c.done:
		return false
	}
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Run drains the outbound queues until ctx ends, Close is called, or a write
// fails. It closes the socket on return.
func (c *Conn) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	defer c.shutdown()

	var pendingNormal *Frame

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		default:
		}

		select {
		case f := <-c.priority:
			if err := c.writeFrame(f); err != nil {
				return err
			}
			continue
		default:
		}

		// A newly-queued control frame may still preempt the pending one.
		if pendingNormal != nil {
			f := *pendingNormal
			pendingNormal = nil
			if err := c.writeFrame(f); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-pingTicker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return err
			}
		case f := <-c.priority:
			if err := c.writeFrame(f); err != nil {
				return err
			}
		case f := <-c.normal:
			pendingNormal = &f
		}
	}
}

func (c *Conn) shutdown() {
	c.flushPriority()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
	c.Close()
	_ = c.ws.Close()
}

func (c *Conn) flushPriority() {
	flushTimeout := 100 * time.Millisecond
	if c.cfg.WriteTimeout < flushTimeout {
		flushTimeout = c.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case f := <-c.priority:
			_ = c.writeFrame(f)
		default:
			return
		}
	}
}

func (c *Conn) writeFrame(f Frame) error {
	if f.Token != "" && c.isCanceled != nil && c.isCanceled(f.Token) {
		return nil
	}
	if len(f.Data) == 0 {
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, f.Data)
}
