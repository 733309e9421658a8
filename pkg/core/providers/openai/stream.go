package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// eventStream implements core.EventStream for OpenAI SSE responses.
type eventStream struct {
	reader       *bufio.Reader
	closer       io.Closer
	err          error
	model        string
	started      bool
	finished     bool
	finishReason string
	usage        types.Usage
	pending      []types.StreamEvent
}

// chatChunk is the OpenAI streaming chunk format.
type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{reader: bufio.NewReader(body), closer: body}
}

// Next returns the next event from the stream.
// Returns nil, io.EOF when the stream is complete.
func (s *eventStream) Next() (types.StreamEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pending) > 0 {
		event := s.pending[0]
		s.pending = s.pending[1:]
		return event, nil
	}
	if s.finished {
		return nil, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return s.buildFinalEvent()
			}
			s.err = err
			return nil, err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return s.buildFinalEvent()
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip unparseable chunks
		}
		if chunk.Model != "" {
			s.model = chunk.Model
		}
		if chunk.Usage != nil {
			s.usage = types.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}

		var out []types.StreamEvent
		if !s.started {
			s.started = true
			out = append(out, types.MessageStartEvent{Model: "openai/" + s.model})
		}
		if choice.Delta.Content != "" {
			out = append(out, types.ContentBlockDeltaEvent{Delta: types.TextDelta{Text: choice.Delta.Content}})
		}
		if len(out) == 0 {
			continue
		}
		s.pending = append(s.pending, out[1:]...)
		return out[0], nil
	}
}

// buildFinalEvent emits the terminal message_delta and queues message_stop.
func (s *eventStream) buildFinalEvent() (types.StreamEvent, error) {
	if s.finished {
		return nil, io.EOF
	}
	s.finished = true
	stop := types.StopReasonEndTurn
	if s.finishReason == "length" {
		stop = types.StopReasonMaxTokens
	}
	s.pending = append(s.pending, types.MessageStopEvent{})
	return types.MessageDeltaEvent{StopReason: stop, Usage: s.usage}, nil
}

// Close releases the response body.
func (s *eventStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
