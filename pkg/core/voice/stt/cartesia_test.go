package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fakeCartesia(t *testing.T, handle func(conn *websocket.Conn, q url.Values)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cartesia-Version") != cartesiaVersion {
			t.Errorf("Cartesia-Version=%q", r.Header.Get("Cartesia-Version"))
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn, r.URL.Query())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamURL_Defaults(t *testing.T) {
	c := NewCartesia("k")
	raw, err := c.streamURL(StreamOptions{})
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	want := map[string]string{
		"model":       "ink-whisper",
		"language":    "en",
		"encoding":    "pcm_mulaw",
		"sample_rate": "8000",
		"min_volume":  "0.01",
		"api_key":     "k",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Fatalf("%s=%q, want %q", k, q.Get(k), v)
		}
	}
}

func TestStream_FinalAndInterimTranscripts(t *testing.T) {
	gotAudio := make(chan []byte, 1)
	srv := fakeCartesia(t, func(conn *websocket.Conn, q url.Values) {
		if q.Get("language") != "es" {
			t.Errorf("language=%q", q.Get("language"))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotAudio <- data
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "text": "hola", "is_final": false})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "text": "Hola, amigo.", "is_final": true})
		_, _, _ = conn.ReadMessage()
	})

	s, err := NewCartesia("k", WithURL(wsURL(srv))).NewStream(context.Background(), StreamOptions{Language: "es"})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio([]byte{0xff, 0x7f}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := <-gotAudio; len(got) != 2 {
		t.Fatalf("server got %d bytes", len(got))
	}

	first := <-s.Transcripts()
	second := <-s.Transcripts()
	if first.IsFinal || first.Text != "hola" {
		t.Fatalf("first=%+v", first)
	}
	if !second.IsFinal || second.Text != "Hola, amigo." {
		t.Fatalf("second=%+v", second)
	}
}

func TestStream_IdleTimeoutError(t *testing.T) {
	srv := fakeCartesia(t, func(conn *websocket.Conn, _ url.Values) {
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": "Session timed out due to inactivity"})
	})

	s, err := NewCartesia("k", WithURL(wsURL(srv))).NewStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
	if !errors.Is(s.Err(), ErrIdleTimeout) {
		t.Fatalf("Err()=%v, want ErrIdleTimeout", s.Err())
	}
}

func TestStream_ProviderErrorIsTransient(t *testing.T) {
	srv := fakeCartesia(t, func(conn *websocket.Conn, _ url.Values) {
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "internal failure"})
	})

	s, err := NewCartesia("k", WithURL(wsURL(srv))).NewStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	<-s.Done()
	if s.Err() == nil || errors.Is(s.Err(), ErrIdleTimeout) {
		t.Fatalf("Err()=%v, want transient error", s.Err())
	}
}

func TestStream_CloseIsIdempotentAndSilent(t *testing.T) {
	srv := fakeCartesia(t, func(conn *websocket.Conn, _ url.Values) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := NewCartesia("k", WithURL(wsURL(srv))).NewStream(context.Background(), StreamOptions{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	<-s.Done()
	if s.Err() != nil {
		t.Fatalf("Err()=%v after local close, want nil", s.Err())
	}
	if err := s.SendAudio([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio after close err=%v", err)
	}
}
