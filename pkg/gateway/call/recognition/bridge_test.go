package recognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
)

type fakeStream struct {
	transcripts chan stt.TranscriptDelta
	done        chan struct{}
	once        sync.Once

	mu    sync.Mutex
	audio [][]byte
	err   error
}

func newFakeStream() *fakeStream {
	return &fakeStream{transcripts: make(chan stt.TranscriptDelta, 8), done: make(chan struct{})}
}

func (s *fakeStream) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, data)
	return nil
}

func (s *fakeStream) Transcripts() <-chan stt.TranscriptDelta { return s.transcripts }
func (s *fakeStream) Done() <-chan struct{}                   { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// end simulates the provider ending the stream with err.
func (s *fakeStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.transcripts)
		close(s.done)
	})
}

func (s *fakeStream) Close() error {
	s.end(nil)
	return nil
}

func (s *fakeStream) chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []*fakeStream
	opts    []stt.StreamOptions
	failAt  int // 1-based NewStream call that fails; 0 never
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) NewStream(_ context.Context, opts stt.StreamOptions) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = append(p.opts, opts)
	if p.failAt == len(p.opts) {
		return nil, errors.New("dial refused")
	}
	s := newFakeStream()
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) stream(i int) *fakeStream {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if i < len(p.streams) {
			s := p.streams[i]
			p.mu.Unlock()
			return s
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

type recorder struct {
	transcripts chan string
	fatal       chan error
	active      bool
}

func newRecorder() *recorder {
	return &recorder{transcripts: make(chan string, 8), fatal: make(chan error, 4), active: true}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTranscript: func(text string) { r.transcripts <- text },
		OnFatal:      func(err error) { r.fatal <- err },
		IsActive:     func() bool { return r.active },
	}
}

func TestBridge_FinalTranscriptsOnly(t *testing.T) {
	p := &fakeProvider{}
	r := newRecorder()
	b := New(p, Config{MaxReopens: 1}, r.callbacks(), nil)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if p.opts[0].Encoding != "pcm_mulaw" || p.opts[0].SampleRate != 8000 {
		t.Fatalf("opts=%+v", p.opts[0])
	}

	s := p.stream(0)
	b.Write([]byte{1, 2})
	b.Write(nil)
	if s.chunks() != 1 {
		t.Fatalf("chunks=%d, want 1", s.chunks())
	}

	s.transcripts <- stt.TranscriptDelta{Text: "tell"}
	s.transcripts <- stt.TranscriptDelta{Text: "  ", IsFinal: true}
	s.transcripts <- stt.TranscriptDelta{Text: " tell me more ", IsFinal: true}

	select {
	case got := <-r.transcripts:
		if got != "tell me more" {
			t.Fatalf("transcript=%q, want %q", got, "tell me more")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript")
	}
	select {
	case got := <-r.transcripts:
		t.Fatalf("unexpected transcript %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBridge_IdleTimeoutIsFatal(t *testing.T) {
	p := &fakeProvider{}
	r := newRecorder()
	b := New(p, Config{MaxReopens: 1}, r.callbacks(), nil)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	p.stream(0).end(stt.ErrIdleTimeout)

	select {
	case err := <-r.fatal:
		if !errors.Is(err, stt.ErrIdleTimeout) {
			t.Fatalf("fatal err=%v, want ErrIdleTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal not called")
	}
	if b.Reopens() != 0 {
		t.Fatalf("reopens=%d, want 0", b.Reopens())
	}
}

func TestBridge_TransientErrorReopensOnce(t *testing.T) {
	p := &fakeProvider{}
	r := newRecorder()
	b := New(p, Config{MaxReopens: 1}, r.callbacks(), nil)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	p.stream(0).end(errors.New("connection reset"))
	second := p.stream(1)
	if second == nil {
		t.Fatal("stream not reopened")
	}
	second.transcripts <- stt.TranscriptDelta{Text: "still here", IsFinal: true}
	select {
	case got := <-r.transcripts:
		if got != "still here" {
			t.Fatalf("transcript=%q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript from reopened stream")
	}

	second.end(errors.New("connection reset again"))
	select {
	case err := <-r.fatal:
		if err == nil {
			t.Fatal("fatal err=nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second failure was not fatal")
	}
	if b.Reopens() != 1 {
		t.Fatalf("reopens=%d, want 1", b.Reopens())
	}
}

func TestBridge_FailedReopenIsFatal(t *testing.T) {
	p := &fakeProvider{failAt: 2}
	r := newRecorder()
	b := New(p, Config{MaxReopens: 1}, r.callbacks(), nil)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	p.stream(0).end(errors.New("reset"))
	select {
	case <-r.fatal:
	case <-time.After(2 * time.Second):
		t.Fatal("failed reopen was not fatal")
	}
}

func TestBridge_InactiveSessionDoesNotReopen(t *testing.T) {
	p := &fakeProvider{}
	r := newRecorder()
	r.active = false
	b := New(p, Config{MaxReopens: 1}, r.callbacks(), nil)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	p.stream(0).end(errors.New("reset"))
	select {
	case <-r.fatal:
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal not called")
	}
	p.mu.Lock()
	n := len(p.streams)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("streams=%d, want 1", n)
	}
}

func TestBridge_CloseIsIdempotentAndQuiet(t *testing.T) {
	p := &fakeProvider{}
	r := newRecorder()
	b := New(p, Config{MaxReopens: 1}, r.callbacks(), nil)
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	b.Close()
	b.Close()

	select {
	case err := <-r.fatal:
		t.Fatalf("OnFatal after Close: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	b.Write([]byte{1})
	if err := b.Open(context.Background()); !errors.Is(err, stt.ErrClosed) {
		t.Fatalf("Open after Close err=%v, want ErrClosed", err)
	}
}
