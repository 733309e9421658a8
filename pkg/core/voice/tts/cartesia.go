package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"

	// Default voice ID - deployments should configure their own.
	defaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
	defaultModelID = "sonic-2"
)

// CartesiaProvider implements Provider using Cartesia's TTS WebSocket.
type CartesiaProvider struct {
	apiKey string
	wsURL  string
	dialer *websocket.Dialer
}

// CartesiaOption configures the Cartesia provider.
type CartesiaOption func(*CartesiaProvider)

// WithURL overrides the WebSocket endpoint.
func WithURL(u string) CartesiaOption {
	return func(c *CartesiaProvider) {
		if u != "" {
			c.wsURL = u
		}
	}
}

// NewCartesia creates a new Cartesia TTS provider.
func NewCartesia(apiKey string, opts ...CartesiaOption) *CartesiaProvider {
	c := &CartesiaProvider{
		apiKey: apiKey,
		wsURL:  cartesiaWSURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

type cartesiaWSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
	Language         string                    `json:"language,omitempty"`
	ContextID        string                    `json:"context_id"`
}

type cartesiaWSResponse struct {
	Type       string `json:"type"` // "chunk", "done", "error"
	Data       string `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func buildRequest(text string, opts SynthesizeOptions) cartesiaWSRequest {
	req := cartesiaWSRequest{
		ModelID:    opts.Model,
		Transcript: text,
		Voice:      cartesiaVoiceSpec{Mode: "id", ID: opts.Voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   opts.Encoding,
			SampleRate: opts.SampleRate,
		},
		Language:  opts.Language,
		ContextID: uuid.NewString(),
	}
	if req.ModelID == "" {
		req.ModelID = defaultModelID
	}
	if req.Voice.ID == "" {
		req.Voice.ID = defaultVoiceID
	}
	if req.OutputFormat.Encoding == "" {
		req.OutputFormat.Encoding = "pcm_mulaw"
	}
	if req.OutputFormat.SampleRate == 0 {
		req.OutputFormat.SampleRate = 8000
	}
	if opts.Speed != 0 {
		req.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}
	return req
}

// SynthesizeStream opens one WebSocket per call and streams raw audio chunks.
func (c *CartesiaProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	if err := conn.WriteJSON(buildRequest(text, opts)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}

	stream := NewSynthesisStream()

	// Unblock ReadJSON when the caller cancels or closes.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.SetError(ctx.Err())
		case <-stream.done:
			stream.SetError(ErrStreamClosed)
		case <-stop:
			return
		}
		conn.Close()
	}()

	go func() {
		defer stream.FinishSending()
		defer close(stop)
		defer conn.Close()

		for {
			var msg cartesiaWSResponse
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					stream.SetError(fmt.Errorf("tts read: %w", err))
				}
				return
			}

			switch msg.Type {
			case "chunk":
				audio, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					stream.SetError(fmt.Errorf("decode audio: %w", err))
					return
				}
				if !stream.Send(audio) {
					return
				}
			case "done":
				return
			case "error":
				stream.SetError(fmt.Errorf("cartesia error (status %d): %s", msg.StatusCode, msg.Error))
				return
			}
		}
	}()

	return stream, nil
}
