package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
)

// CartesiaProvider implements Provider using Cartesia's streaming STT WebSocket.
type CartesiaProvider struct {
	apiKey string
	wsURL  string
	dialer *websocket.Dialer
}

// CartesiaOption configures the Cartesia provider.
type CartesiaOption func(*CartesiaProvider)

// WithURL overrides the WebSocket endpoint (tests, regional endpoints).
func WithURL(u string) CartesiaOption {
	return func(c *CartesiaProvider) {
		if u != "" {
			c.wsURL = u
		}
	}
}

// NewCartesia creates a new Cartesia STT provider.
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

func (c *CartesiaProvider) streamURL(opts StreamOptions) (string, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()

	model := opts.Model
	if model == "" {
		model = "ink-whisper"
	}
	q.Set("model", model)

	language := opts.Language
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	encoding := opts.Encoding
	if encoding == "" {
		encoding = "pcm_mulaw"
	}
	q.Set("encoding", encoding)

	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	q.Set("sample_rate", strconv.Itoa(sampleRate))

	minVolume := opts.MinVolume
	if minVolume <= 0 {
		minVolume = 0.01
	}
	q.Set("min_volume", strconv.FormatFloat(minVolume, 'f', -1, 64))
	q.Set("api_key", c.apiKey)

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewStream opens a streaming recognition session.
func (c *CartesiaProvider) NewStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	wsURL, err := c.streamURL(opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &cartesiaStream{
		conn:        conn,
		transcripts: make(chan TranscriptDelta, 100),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	go s.readLoop()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	return s, nil
}

type cartesiaStream struct {
	conn        *websocket.Conn
	transcripts chan TranscriptDelta
	done        chan struct{}
	closed      atomic.Bool
	writeMu     sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc

	errMu sync.Mutex
	err   error
}

type cartesiaSTTResponse struct {
	Type      string  `json:"type"`     // "transcript", "flush_done", "done", "error"
	Text      string  `json:"text"`     // Transcribed text
	IsFinal   bool    `json:"is_final"` // Whether this is final
	Duration  float64 `json:"duration"` // Audio duration
	RequestID string  `json:"request_id"`
	Error     string  `json:"error"`
	Message   string  `json:"message"`
}

func (s *cartesiaStream) readLoop() {
	defer func() {
		close(s.transcripts)
		close(s.done)
		s.cancel()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.setErr(classifyReadError(err))
			}
			return
		}

		var msg cartesiaSTTResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			delta := TranscriptDelta{Text: msg.Text, IsFinal: msg.IsFinal, Timestamp: msg.Duration}
			select {
			case s.transcripts <- delta:
			case <-s.ctx.Done():
				return
			}
		case "flush_done":
			continue
		case "done":
			if !s.closed.Load() {
				s.setErr(errors.New("stt: stream ended by server"))
			}
			return
		case "error":
			text := msg.Error
			if text == "" {
				text = msg.Message
			}
			s.setErr(classifyMessage(text))
			return
		}
	}
}

func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && isIdleText(ce.Text) {
		return ErrIdleTimeout
	}
	return fmt.Errorf("stt read: %w", err)
}

func classifyMessage(text string) error {
	if isIdleText(text) {
		return fmt.Errorf("%w: %s", ErrIdleTimeout, text)
	}
	return fmt.Errorf("stt: provider error: %s", text)
}

func isIdleText(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "timeout") || strings.Contains(t, "timed out") ||
		strings.Contains(t, "idle") || strings.Contains(t, "inactivity")
}

func (s *cartesiaStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// SendAudio sends raw audio in the stream's configured encoding.
func (s *cartesiaStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *cartesiaStream) Transcripts() <-chan TranscriptDelta { return s.transcripts }

func (s *cartesiaStream) Done() <-chan struct{} { return s.done }

func (s *cartesiaStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the session. It is safe to call more than once.
func (s *cartesiaStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	s.cancel()
	return nil
}
