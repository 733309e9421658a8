package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func fakeCartesia(t *testing.T, handle func(conn *websocket.Conn, req cartesiaWSRequest)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "k" {
			t.Errorf("api_key=%q", r.URL.Query().Get("api_key"))
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req cartesiaWSRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		handle(conn, req)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func chunk(b []byte) map[string]any {
	return map[string]any{"type": "chunk", "data": base64.StdEncoding.EncodeToString(b)}
}

func TestBuildRequest_TelephonyDefaults(t *testing.T) {
	req := buildRequest("Hello there.", SynthesizeOptions{Voice: "v1"})
	if req.OutputFormat.Container != "raw" || req.OutputFormat.Encoding != "pcm_mulaw" || req.OutputFormat.SampleRate != 8000 {
		t.Fatalf("output format=%+v", req.OutputFormat)
	}
	if req.Voice.ID != "v1" || req.Voice.Mode != "id" || req.ModelID != defaultModelID {
		t.Fatalf("request=%+v", req)
	}
	if req.ContextID == "" || req.GenerationConfig != nil {
		t.Fatalf("request=%+v", req)
	}
}

func TestSynthesizeStream_Chunks(t *testing.T) {
	u := fakeCartesia(t, func(conn *websocket.Conn, req cartesiaWSRequest) {
		if req.Transcript != "Hello there." {
			t.Errorf("transcript=%q", req.Transcript)
		}
		_ = conn.WriteJSON(chunk([]byte{1, 2}))
		_ = conn.WriteJSON(chunk([]byte{3}))
		_ = conn.WriteJSON(map[string]any{"type": "done"})
	})

	s, err := NewCartesia("k", WithURL(u)).SynthesizeStream(context.Background(), "Hello there.", SynthesizeOptions{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var got []byte
	for c := range s.Chunks() {
		got = append(got, c...)
	}
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("audio=%v", got)
	}
	if s.Err() != nil {
		t.Fatalf("Err()=%v", s.Err())
	}
}

func TestSynthesizeStream_ProviderError(t *testing.T) {
	u := fakeCartesia(t, func(conn *websocket.Conn, _ cartesiaWSRequest) {
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": "voice not found", "status_code": 404})
	})

	s, err := NewCartesia("k", WithURL(u)).SynthesizeStream(context.Background(), "x", SynthesizeOptions{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	for range s.Chunks() {
	}
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "voice not found") {
		t.Fatalf("Err()=%v", s.Err())
	}
}

func TestSynthesizeStream_CloseStopsProducer(t *testing.T) {
	release := make(chan struct{})
	u := fakeCartesia(t, func(conn *websocket.Conn, _ cartesiaWSRequest) {
		_ = conn.WriteJSON(chunk([]byte{1}))
		<-release
	})
	defer close(release)

	s, err := NewCartesia("k", WithURL(u)).SynthesizeStream(context.Background(), "x", SynthesizeOptions{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	<-s.Chunks()
	_ = s.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Chunks():
			if !ok {
				if !errors.Is(s.Err(), ErrStreamClosed) {
					t.Fatalf("Err()=%v, want ErrStreamClosed", s.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("chunks channel not closed after Close")
		}
	}
}
