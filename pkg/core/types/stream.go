package types

// StreamEvent is the interface for all streaming event types.
type StreamEvent interface {
	EventType() string
}

// Delta is the interface for all delta types in streaming.
type Delta interface {
	DeltaType() string
}

// StopReason indicates why generation stopped.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// MessageStartEvent is sent at the beginning of a message.
type MessageStartEvent struct {
	Model string `json:"model"`
}

func (e MessageStartEvent) EventType() string { return "message_start" }

// ContentBlockDeltaEvent is sent for incremental content updates.
type ContentBlockDeltaEvent struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
}

func (e ContentBlockDeltaEvent) EventType() string { return "content_block_delta" }

// MessageDeltaEvent carries message-level updates.
type MessageDeltaEvent struct {
	StopReason StopReason `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

func (e MessageDeltaEvent) EventType() string { return "message_delta" }

// MessageStopEvent is sent when the message is complete.
type MessageStopEvent struct{}

func (e MessageStopEvent) EventType() string { return "message_stop" }

// TextDelta contains incremental text content.
type TextDelta struct {
	Text string `json:"text"`
}

func (d TextDelta) DeltaType() string { return "text_delta" }

// Usage contains token counts reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TextOf returns the text carried by ev, if any.
func TextOf(ev StreamEvent) (string, bool) {
	d, ok := ev.(ContentBlockDeltaEvent)
	if !ok {
		return "", false
	}
	td, ok := d.Delta.(TextDelta)
	if !ok {
		return "", false
	}
	return td.Text, true
}
