// Package tts provides streaming text-to-speech.
package tts

import (
	"context"
	"errors"
	"sync"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// SynthesizeStream converts text to streaming audio. Chunks arrive on the
	// returned stream until it finishes, fails or is closed.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier (Cartesia voice ID)
	Model      string  // Model identifier (default: "sonic-2")
	Language   string  // Language code
	Encoding   string  // Raw output encoding (default: "pcm_mulaw")
	SampleRate int     // Output sample rate (default: 8000)
	Speed      float64 // Speed multiplier, 0 for provider default
}

// ErrStreamClosed is reported when a stream was closed before it finished.
var ErrStreamClosed = errors.New("tts: stream closed")

// SynthesisStream provides streaming audio output.
type SynthesisStream struct {
	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. It is closed when the producer finishes.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the error that ended the stream, if any. Valid once Chunks is closed.
func (s *SynthesisStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer. Safe to call more than once.
func (s *SynthesisStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done is closed by Close.
func (s *SynthesisStream) Done() <-chan struct{} {
	return s.done
}

// SetError records the first stream error.
func (s *SynthesisStream) SetError(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Send sends a chunk to the stream. Returns false if stream is closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
}
