// Package synthesis turns sentences into call audio. Sentences are
// synthesized concurrently but played strictly in dispatch order, and every
// audio chunk is checked against the active-token set before it is written.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
)

const tracerName = "github.com/vango-go/vai-callbridge/pkg/gateway/call/synthesis"

// Outcome labels how a sentence ended.
const (
	OutcomeCompleted = "completed"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
)

// Output is where synthesized audio goes. Both methods report false when the
// audio could not be queued, which the bridge treats as a dropped write.
type Output interface {
	Audio(token string, audio []byte) bool
	Mark(token, name string) bool
}

// Observer is told how each sentence ended and how long its first audio took.
type Observer func(outcome string, firstAudio time.Duration)

type Config struct {
	Options   tts.SynthesizeOptions
	QueueSize int
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observe = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(b *Bridge) {
		if t != nil {
			b.tracer = t
		}
	}
}

type job struct {
	token  string
	text   string
	seq    int
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	stream *tts.SynthesisStream
	err    error
}

type Bridge struct {
	provider tts.Provider
	out      Output
	cfg      Config
	log      *slog.Logger
	observe  Observer
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *job
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*job
	canceled map[string]struct{}
	seq      int
	closed   bool
}

func New(provider tts.Provider, out Output, cfg Config, opts ...Option) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		provider: provider,
		out:      out,
		cfg:      cfg,
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(chan *job, cfg.QueueSize),
		done:     make(chan struct{}),
		active:   make(map[string]*job),
		canceled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.play()
	return b
}

// Dispatch registers a new token for text, starts synthesis immediately and
// queues the sentence for playback. It blocks only while the playback queue
// is full. ctx bounds that wait; synthesis itself lives as long as the bridge.
//
// A sentence whose ctx is already done is dropped. The check runs under the
// same lock as ClearAll, so a caller that cancels ctx before ClearAll never
// gets a sentence past both.
func (b *Bridge) Dispatch(ctx context.Context, text string) {
	b.mu.Lock()
	if b.closed || ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.seq++
	jctx, jcancel := context.WithCancel(b.ctx)
	j := &job{
		token:  uuid.NewString(),
		text:   text,
		seq:    b.seq,
		ctx:    jctx,
		cancel: jcancel,
		ready:  make(chan struct{}),
	}
	b.active[j.token] = j
	b.mu.Unlock()

	select {
	case b.jobs <- j:
	case <-ctx.Done():
		b.finish(j, OutcomeCanceled)
		return
	case <-b.done:
		b.finish(j, OutcomeCanceled)
		return
	}

	go func() {
		defer close(j.ready)
		j.stream, j.err = b.provider.SynthesizeStream(j.ctx, j.text, b.cfg.Options)
	}()
}

// ClearAll cancels every in-flight and queued sentence. Audio for a cleared
// token is never written afterwards.
func (b *Bridge) ClearAll() int {
	b.mu.Lock()
	cleared := make([]*job, 0, len(b.active))
	for tok, j := range b.active {
		b.canceled[tok] = struct{}{}
		delete(b.active, tok)
		cleared = append(cleared, j)
	}
	b.mu.Unlock()

	for _, j := range cleared {
		j.cancel()
	}
	return len(cleared)
}

// Active returns the tokens of sentences not yet finished or cleared.
func (b *Bridge) Active() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.active))
	for tok := range b.active {
		out = append(out, tok)
	}
	return out
}

// IsActive reports whether token is still allowed to produce audio.
func (b *Bridge) IsActive(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[token]
	return ok
}

// Canceled reports whether token was cleared before it finished.
func (b *Bridge) Canceled(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.canceled[token]
	return ok
}

// Close cancels everything and stops the player. Safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.ClearAll()
	b.cancel()
	close(b.done)
	b.wg.Wait()
}

func (b *Bridge) finish(j *job, outcome string) {
	b.mu.Lock()
	delete(b.active, j.token)
	if outcome == OutcomeCanceled {
		b.canceled[j.token] = struct{}{}
	}
	b.mu.Unlock()
	j.cancel()
}

func (b *Bridge) play() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case j := <-b.jobs:
			b.playJob(j)
		}
	}
}

func (b *Bridge) playJob(j *job) {
	start := time.Now()
	_, span := b.tracer.Start(j.ctx, "synthesis.sentence", trace.WithAttributes(
		attribute.String("tts.provider", b.provider.Name()),
		attribute.Int("sentence.seq", j.seq),
		attribute.Int("sentence.chars", len(j.text)),
	))
	defer span.End()

	var firstAudio time.Duration
	outcome := b.stream(j, start, &firstAudio)
	span.SetAttributes(attribute.String("sentence.outcome", outcome))
	if b.observe != nil {
		b.observe(outcome, firstAudio)
	}
}

func (b *Bridge) stream(j *job, start time.Time, firstAudio *time.Duration) string {
	select {
	case <-j.ready:
	case <-b.done:
		b.finish(j, OutcomeCanceled)
		return OutcomeCanceled
	}

	if j.err != nil {
		if !b.IsActive(j.token) || errors.Is(j.err, context.Canceled) {
			b.finish(j, OutcomeCanceled)
			return OutcomeCanceled
		}
		b.log.Warn("synthesis failed", "seq", j.seq, "error", j.err)
		b.finish(j, OutcomeFailed)
		return OutcomeFailed
	}
	defer j.stream.Close()

	for chunk := range j.stream.Chunks() {
		if !b.IsActive(j.token) {
			b.finish(j, OutcomeCanceled)
			return OutcomeCanceled
		}
		if *firstAudio == 0 {
			*firstAudio = time.Since(start)
		}
		if !b.out.Audio(j.token, chunk) {
			b.finish(j, OutcomeCanceled)
			return OutcomeCanceled
		}
	}

	if !b.IsActive(j.token) {
		b.finish(j, OutcomeCanceled)
		return OutcomeCanceled
	}
	if err := j.stream.Err(); err != nil {
		b.log.Warn("synthesis stream failed", "seq", j.seq, "error", err)
		b.finish(j, OutcomeFailed)
		return OutcomeFailed
	}
	b.out.Mark(j.token, fmt.Sprintf("sentence-%d", j.seq))
	b.finish(j, OutcomeCompleted)
	return OutcomeCompleted
}
