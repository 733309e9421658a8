package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWS struct {
	mu       sync.Mutex
	writes   []recordedWrite
	closed   bool
	inbound  chan []byte
	readLim  int64
	writeErr error
}

func newFakeWS() *fakeWS { return &fakeWS{inbound: make(chan []byte, 8)} }

func (f *fakeWS) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeWS) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeWS) SetReadLimit(n int64)              { f.readLim = n }
func (f *fakeWS) SetPongHandler(func(string) error) {}

func (f *fakeWS) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: mt, data: string(data)})
	return nil
}

func (f *fakeWS) WriteControl(mt int, data []byte, _ time.Time) error {
	return f.WriteMessage(mt, data)
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	if len(data) > 0 && data[0] == 0 {
		return websocket.BinaryMessage, data, nil
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if w.messageType == websocket.TextMessage {
			out = append(out, w.data)
		}
	}
	return out
}

func runConn(t *testing.T, c *Conn) (stop func() error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	return func() error {
		c.Close()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after Close")
			return nil
		}
	}
}

func TestConn_ControlBeatsQueuedAudio(t *testing.T) {
	ws := newFakeWS()
	c := New(ws, Config{PingInterval: time.Hour, WriteTimeout: time.Second}, nil)

	c.SendAudio("t1", []byte("audio-1"))
	c.SendControl([]byte("clear"))

	stop := runConn(t, c)
	deadline := time.Now().Add(2 * time.Second)
	for len(ws.texts()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := ws.texts()
	if len(got) != 2 || got[0] != "clear" || got[1] != "audio-1" {
		t.Fatalf("writes=%v, want [clear audio-1]", got)
	}
}

func TestConn_CanceledTokenDroppedAtWriteTime(t *testing.T) {
	ws := newFakeWS()
	var mu sync.Mutex
	canceled := map[string]bool{}
	c := New(ws, Config{PingInterval: time.Hour, WriteTimeout: time.Second}, func(tok string) bool {
		mu.Lock()
		defer mu.Unlock()
		return canceled[tok]
	})

	c.SendAudio("old", []byte("stale"))
	c.SendAudio("new", []byte("fresh"))
	mu.Lock()
	canceled["old"] = true
	mu.Unlock()

	stop := runConn(t, c)
	deadline := time.Now().Add(2 * time.Second)
	for len(ws.texts()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = stop()

	got := ws.texts()
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("writes=%v, want [fresh]", got)
	}
}

func TestConn_SendAfterCloseIsDropped(t *testing.T) {
	ws := newFakeWS()
	c := New(ws, Config{}, nil)
	c.Close()
	c.Close()
	if c.SendAudio("t", []byte("x")) {
		t.Fatalf("SendAudio after Close reported true")
	}
	if c.SendControl([]byte("x")) {
		t.Fatalf("SendControl after Close reported true")
	}
}

func TestConn_RunClosesSocketOnWriteError(t *testing.T) {
	ws := newFakeWS()
	ws.writeErr = errors.New("broken pipe")
	c := New(ws, Config{PingInterval: time.Hour, WriteTimeout: time.Second}, nil)
	c.SendControl([]byte("x"))

	err := c.Run(context.Background())
	if err == nil {
		t.Fatalf("Run err=nil, want write error")
	}
	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if !closed {
		t.Fatalf("socket not closed after write error")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed after Run returned")
	}
}

func TestConn_ReadFrameSkipsBinaryAndAppliesLimit(t *testing.T) {
	ws := newFakeWS()
	c := New(ws, Config{MaxMessageBytes: 1024}, nil)
	if ws.readLim != 1024 {
		t.Fatalf("read limit=%d, want 1024", ws.readLim)
	}
	ws.inbound <- []byte{0, 1}
	ws.inbound <- []byte(`{"event":"stop"}`)

	data, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(data) != `{"event":"stop"}` {
		t.Fatalf("data=%s", data)
	}

	close(ws.inbound)
	c.Close()
	if _, err := c.ReadFrame(); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadFrame after close err=%v, want ErrClosed", err)
	}
}
