// Package conversation runs the per-call dialogue: it keeps the history,
// streams the language model and hands finished sentences to synthesis.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

const tracerName = "github.com/vango-go/vai-callbridge/pkg/gateway/call/conversation"

// ErrEmptyReply is returned when the model finishes without producing text.
var ErrEmptyReply = errors.New("conversation: model returned no text")

// Sink receives sentences as soon as they are complete. Dispatch must not
// wait for the sentence to be spoken.
type Sink interface {
	Dispatch(ctx context.Context, text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, text string)

func (f SinkFunc) Dispatch(ctx context.Context, text string) { f(ctx, text) }

type Config struct {
	Model       string // bare model name passed to the provider
	MaxTokens   int
	Temperature *float64
	TurnTimeout time.Duration

	SystemPrompt         string // %s is replaced by the topic
	OpeningPrompt        string // %s is replaced by the topic
	WrapUpInstruction    string
	FinishNowInstruction string
}

// TurnResult summarizes one completed turn.
type TurnResult struct {
	Text        string
	Sentences   int
	Instruction Instruction
	StopReason  types.StopReason
	Usage       types.Usage
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTracer sets the OpenTelemetry tracer used for turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

type Engine struct {
	provider core.Provider
	cfg      Config
	flags    *Flags
	log      *slog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	history []types.Message
	opened  bool
}

func New(provider core.Provider, cfg Config, flags *Flags, opts ...Option) *Engine {
	if flags == nil {
		flags = &Flags{}
	}
	e := &Engine{
		provider: provider,
		cfg:      cfg,
		flags:    flags,
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
		history:  make([]types.Message, 0, 16),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Flags returns the lifecycle flag cell this engine consumes.
func (e *Engine) Flags() *Flags { return e.flags }

// History returns a copy of the dialogue so far.
func (e *Engine) History() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Message, len(e.history))
	copy(out, e.history)
	return out
}

// Open seeds the system prompt for topic and runs the opening turn so the
// caller hears the first line before saying anything.
func (e *Engine) Open(ctx context.Context, topic string, sink Sink) (TurnResult, error) {
	e.mu.Lock()
	if e.opened {
		e.mu.Unlock()
		return TurnResult{}, errors.New("conversation: already opened")
	}
	e.opened = true
	if prompt := strings.TrimSpace(fillTopic(e.cfg.SystemPrompt, topic)); prompt != "" {
		e.history = append(e.history, types.SystemMessage(prompt))
	}
	e.mu.Unlock()

	opening := strings.TrimSpace(fillTopic(e.cfg.OpeningPrompt, topic))
	if opening == "" {
		opening = "Hello."
	}
	return e.AdvanceTurn(ctx, opening, sink)
}

// AdvanceTurn records utterance, streams one model reply and dispatches it
// sentence by sentence. A failed or canceled model call adds no assistant
// entry and is not retried. A canceled turn gives its instruction back to the
// flags so the next turn still carries it.
func (e *Engine) AdvanceTurn(ctx context.Context, utterance string, sink Sink) (TurnResult, error) {
	if e.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TurnTimeout)
		defer cancel()
	}

	e.mu.Lock()
	e.history = append(e.history, types.UserMessage(utterance))
	msgs := make([]types.Message, len(e.history), len(e.history)+1)
	copy(msgs, e.history)
	e.mu.Unlock()

	res := TurnResult{Instruction: e.flags.Consume()}
	switch res.Instruction {
	case InstructionFinishNow:
		msgs = append(msgs, types.SystemMessage(e.cfg.FinishNowInstruction))
	case InstructionWrapUp:
		msgs = append(msgs, types.SystemMessage(e.cfg.WrapUpInstruction))
	}

	ctx, span := e.tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("llm.provider", e.provider.Name()),
		attribute.String("llm.model", e.cfg.Model),
		attribute.String("turn.instruction", res.Instruction.String()),
		attribute.Int("turn.history_len", len(msgs)),
	))
	defer span.End()

	text, err := e.stream(ctx, msgs, sink, &res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			e.flags.Restore(res.Instruction)
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			e.log.Debug("turn canceled", "error", err, "sentences", res.Sentences)
		} else {
			e.log.Warn("model call failed", "error", err, "error_type", core.TypeOf(err), "sentences", res.Sentences)
		}
		return res, err
	}

	res.Text = text
	e.mu.Lock()
	e.history = append(e.history, types.AssistantMessage(text))
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Int("turn.sentences", res.Sentences),
		attribute.Int("llm.usage.input_tokens", res.Usage.InputTokens),
		attribute.Int("llm.usage.output_tokens", res.Usage.OutputTokens),
	)
	return res, nil
}

func (e *Engine) stream(ctx context.Context, msgs []types.Message, sink Sink, res *TurnResult) (string, error) {
	req := &types.MessageRequest{
		Model:       e.cfg.Model,
		Messages:    msgs,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}
	stream, err := e.provider.StreamMessage(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start stream: %w", err)
	}
	defer stream.Close()

	var (
		seg  Segmenter
		full strings.Builder
	)
	// Providers may hand back buffered text after cancellation; none of it
	// is spoken.
	dispatch := func(sentence string) {
		if ctx.Err() != nil {
			return
		}
		res.Sentences++
		if sink != nil {
			sink.Dispatch(ctx, sentence)
		}
	}

	for {
		ev, err := stream.Next()
		if ev != nil {
			switch ev := ev.(type) {
			case types.MessageDeltaEvent:
				if ev.StopReason != "" {
					res.StopReason = ev.StopReason
				}
				res.Usage = ev.Usage
			default:
				if delta, ok := types.TextOf(ev); ok && delta != "" {
					full.WriteString(delta)
					for _, sentence := range seg.Push(delta) {
						dispatch(sentence)
					}
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if rest := seg.Flush(); rest != "" {
		dispatch(rest)
	}
	text := strings.TrimSpace(full.String())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func fillTopic(template, topic string) string {
	return strings.ReplaceAll(template, "%s", topic)
}
