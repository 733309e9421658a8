// Package gemini implements a streaming Google Gemini provider on top of the
// official genai SDK.
package gemini

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// DefaultMaxTokens caps a spoken reply.
const DefaultMaxTokens = 256

type streamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Provider implements core.Provider for Gemini.
type Provider struct {
	stream streamFunc
}

// Option configures the Gemini provider.
type Option func(*genai.ClientConfig)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(cc *genai.ClientConfig) { cc.HTTPClient = client }
}

// WithBaseURL points the client at a different endpoint (tests, proxies).
func WithBaseURL(url string) Option {
	return func(cc *genai.ClientConfig) { cc.HTTPOptions.BaseURL = url }
}

// New creates a Gemini provider using the Gemini API backend.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	for _, opt := range opts {
		opt(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Provider{stream: client.Models.GenerateContentStream}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// StreamMessage starts a streaming generation.
func (p *Provider) StreamMessage(ctx context.Context, req *types.MessageRequest) (core.EventStream, error) {
	if req == nil {
		return nil, core.NewInvalidRequestErrorWithParam("request is required", "request")
	}
	model := strings.TrimPrefix(req.Model, "gemini/")
	contents, cfg := buildRequest(req)
	if len(contents) == 0 {
		return nil, core.NewInvalidRequestErrorWithParam("at least one user or assistant message is required", "messages")
	}
	ctx, cancel := context.WithCancel(ctx)
	return newEventStream(model, p.stream(ctx, model, contents, cfg), cancel), nil
}

// buildRequest maps the dialogue onto genai contents. System messages move to
// SystemInstruction; assistant turns use the "model" role.
func buildRequest(req *types.MessageRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := types.SplitSystem(req.Messages)
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role == types.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	return contents, cfg
}
