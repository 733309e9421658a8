package gemini

import (
	"context"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// eventStream adapts the SDK's push iterator into a pull-style core.EventStream.
type eventStream struct {
	model    string
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	cancel   context.CancelFunc
	started  bool
	finished bool
	err      error
	stopWhy  types.StopReason
	usage    types.Usage
	pending  []types.StreamEvent
}

func newEventStream(model string, seq iter.Seq2[*genai.GenerateContentResponse, error], cancel context.CancelFunc) *eventStream {
	next, stop := iter.Pull2(seq)
	return &eventStream{model: model, next: next, stop: stop, cancel: cancel, stopWhy: types.StopReasonEndTurn}
}

// Next returns the next event. Returns nil, io.EOF when done.
func (s *eventStream) Next() (types.StreamEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.finished {
		return nil, io.EOF
	}
	if !s.started {
		s.started = true
		return types.MessageStartEvent{Model: "gemini/" + s.model}, nil
	}

	for {
		resp, err, ok := s.next()
		if !ok {
			s.finished = true
			s.pending = append(s.pending, types.MessageStopEvent{})
			return types.MessageDeltaEvent{StopReason: s.stopWhy, Usage: s.usage}, nil
		}
		if err != nil {
			s.err = core.NewProviderError("gemini", err)
			return nil, s.err
		}
		if resp == nil {
			continue
		}
		if u := resp.UsageMetadata; u != nil {
			s.usage = types.Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
			s.stopWhy = types.StopReasonMaxTokens
		}
		if text := resp.Text(); text != "" {
			return types.ContentBlockDeltaEvent{Delta: types.TextDelta{Text: text}}, nil
		}
	}
}

// Close stops the underlying iterator and its request.
func (s *eventStream) Close() error {
	s.cancel()
	s.stop()
	return nil
}
