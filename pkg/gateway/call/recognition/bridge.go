// Package recognition keeps one continuous speech-to-text stream open for a
// call and turns finalized results into transcript callbacks.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
)

// ErrStreamEnded is reported when the provider ends the stream without an error.
var ErrStreamEnded = errors.New("recognition: stream ended")

type Config struct {
	Options stt.StreamOptions
	// MaxReopens bounds how many times a transient failure may reopen the
	// stream over the life of the call.
	MaxReopens int
}

type Callbacks struct {
	// OnTranscript receives each finalized, non-empty utterance.
	OnTranscript func(text string)
	// OnFatal is called at most once when recognition cannot continue.
	OnFatal func(err error)
	// IsActive reports whether the call is still in the Active state.
	IsActive func() bool
	// OnReopen is called after a successful reopen.
	OnReopen func()
}

type Bridge struct {
	provider stt.Provider
	cfg      Config
	cb       Callbacks
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stream  stt.Stream
	reopens int
	closed  bool

	fatalOnce sync.Once
	wg        sync.WaitGroup
}

func New(provider stt.Provider, cfg Config, cb Callbacks, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxReopens < 0 {
		cfg.MaxReopens = 0
	}
	if cfg.Options.Encoding == "" {
		cfg.Options.Encoding = "pcm_mulaw"
	}
	if cfg.Options.SampleRate == 0 {
		cfg.Options.SampleRate = 8000
	}
	return &Bridge{provider: provider, cfg: cfg, cb: cb, log: log}
}

// Open starts the recognition stream. It must be called once.
func (b *Bridge) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return stt.ErrClosed
	}
	if b.ctx != nil {
		b.mu.Unlock()
		return errors.New("recognition: already open")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	s, err := b.provider.NewStream(b.ctx, b.cfg.Options)
	if err != nil {
		return fmt.Errorf("open stt stream: %w", err)
	}
	if !b.attach(s) {
		_ = s.Close()
		return stt.ErrClosed
	}
	return nil
}

func (b *Bridge) attach(s stt.Stream) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.stream = s
	b.wg.Add(1)
	go b.watch(s)
	return true
}

// Write forwards one chunk of caller audio. Audio arriving while no stream is
// open is dropped.
func (b *Bridge) Write(audio []byte) {
	if len(audio) == 0 {
		return
	}
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.SendAudio(audio); err != nil && !errors.Is(err, stt.ErrClosed) {
		b.log.Debug("stt send failed", "error", err)
	}
}

// Reopens reports how many times the stream has been reopened.
func (b *Bridge) Reopens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reopens
}

// Close ends recognition. It is safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	s := b.stream
	b.stream = nil
	cancel := b.cancel
	b.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) watch(s stt.Stream) {
	defer b.wg.Done()

	for delta := range s.Transcripts() {
		text := strings.TrimSpace(delta.Text)
		if !delta.IsFinal {
			if text != "" {
				b.log.Debug("stt interim", "text", text)
			}
			continue
		}
		if text == "" || b.cb.OnTranscript == nil {
			continue
		}
		b.cb.OnTranscript(text)
	}
	<-s.Done()

	if b.isClosed() {
		return
	}
	err := s.Err()
	if err == nil {
		err = ErrStreamEnded
	}
	// Close from a separate goroutine so Close's wg.Wait does not wait on us.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handleStreamEnd(s, err)
	}()
}

func (b *Bridge) handleStreamEnd(old stt.Stream, err error) {
	_ = old.Close()

	if errors.Is(err, stt.ErrIdleTimeout) {
		b.fatal(fmt.Errorf("stt idle: %w", err))
		return
	}
	if b.cb.IsActive != nil && !b.cb.IsActive() {
		b.fatal(fmt.Errorf("stt failed while call inactive: %w", err))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.reopens >= b.cfg.MaxReopens {
		b.mu.Unlock()
		b.fatal(fmt.Errorf("stt failed after %d reopen(s): %w", b.cfg.MaxReopens, err))
		return
	}
	b.reopens++
	b.stream = nil
	ctx := b.ctx
	b.mu.Unlock()

	b.log.Warn("stt stream failed, reopening", "error", err)

	s, openErr := b.provider.NewStream(ctx, b.cfg.Options)
	if openErr != nil {
		b.fatal(fmt.Errorf("stt reopen: %w", openErr))
		return
	}
	if !b.attach(s) {
		_ = s.Close()
		return
	}
	if b.cb.OnReopen != nil {
		b.cb.OnReopen()
	}
}

func (b *Bridge) fatal(err error) {
	if b.isClosed() {
		return
	}
	b.fatalOnce.Do(func() {
		b.log.Error("stt fatal", "error", err)
		if b.cb.OnFatal != nil {
			b.cb.OnFatal(err)
		}
	})
}
