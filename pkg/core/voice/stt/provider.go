// Package stt provides streaming speech-to-text.
package stt

import (
	"context"
	"errors"
)

// Provider opens continuous recognition streams.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewStream opens a streaming recognition session. Audio is pushed with
	// SendAudio and results arrive on Transcripts until Done is closed.
	NewStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	SendAudio(data []byte) error
	Transcripts() <-chan TranscriptDelta
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err reports why the session ended. It is nil after a local Close.
	Err() error
	Close() error
}

// StreamOptions configures a recognition stream.
type StreamOptions struct {
	Model      string  // Provider-specific model (default: "ink-whisper")
	Language   string  // ISO language code (default: "en")
	Encoding   string  // Raw audio encoding (default: "pcm_mulaw")
	SampleRate int     // Audio sample rate in Hz (default: 8000)
	MinVolume  float64 // Volume gate below which audio is treated as silence
}

// TranscriptDelta is a streaming transcript update.
type TranscriptDelta struct {
	Text      string  // Transcript text, punctuated by the recognizer
	IsFinal   bool    // True if this is a final segment
	Timestamp float64 // Audio offset in seconds
}

var (
	// ErrIdleTimeout is reported when the recognizer gives up on a silent stream.
	ErrIdleTimeout = errors.New("stt: recognizer idle timeout")

	// ErrClosed is returned when writing to a closed stream.
	ErrClosed = errors.New("stt: stream closed")
)
