package conversation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/providers/gemini"
	"github.com/vango-go/vai-callbridge/pkg/core/providers/openai"
)

// ProviderKeys holds upstream credentials. A provider is registered only when
// its key is set.
type ProviderKeys struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	HTTPClient    *http.Client
}

// NewProviders builds the registry of configured model providers.
func NewProviders(ctx context.Context, keys ProviderKeys) (*core.ProviderRegistry, error) {
	reg := core.NewProviderRegistry()

	if keys.OpenAIAPIKey != "" {
		var opts []openai.Option
		if keys.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(keys.OpenAIBaseURL))
		}
		if keys.HTTPClient != nil {
			opts = append(opts, openai.WithHTTPClient(keys.HTTPClient))
		}
		reg.Register(openai.New(keys.OpenAIAPIKey, opts...))
	}

	if keys.GeminiAPIKey != "" {
		var opts []gemini.Option
		if keys.HTTPClient != nil {
			opts = append(opts, gemini.WithHTTPClient(keys.HTTPClient))
		}
		p, err := gemini.New(ctx, keys.GeminiAPIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini provider: %w", err)
		}
		reg.Register(p)
	}

	return reg, nil
}
