package types

// MessageRequest is a provider-neutral streaming chat request.
type MessageRequest struct {
	Model       string    `json:"model"` // bare model name, provider prefix already stripped
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}
