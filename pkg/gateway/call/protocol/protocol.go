// Package protocol encodes and decodes media-stream frames exchanged with the
// telephony provider. Frames are JSON text messages; audio is base64 mu-law at
// 8 kHz mono.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventType names a frame.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
	EventClear     EventType = "clear"
)

const (
	// AudioEncoding is the only inbound encoding accepted.
	AudioEncoding = "audio/x-mulaw"
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000
)

// Inbound is one decoded frame from the telephony side. Exactly one of the
// event-specific pointers is set, matching Event.
type Inbound struct {
	Event     EventType
	Sequence  string
	StreamSID string

	Connected *Connected
	Start     *Start
	Media     *Media
	Stop      *Stop
	Mark      *Mark
	DTMF      *DTMF
}

type Connected struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Start struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// CallID returns the telephony call identifier, preferring the value the
// signaling layer passed through custom parameters.
func (s *Start) CallID() string {
	if v := strings.TrimSpace(s.CustomParameters["callSid"]); v != "" {
		return v
	}
	return s.CallSID
}

// Topic returns the conversation topic supplied by the signaling layer.
func (s *Start) Topic() string {
	return strings.TrimSpace(s.CustomParameters["topic"])
}

type Media struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`

	// Audio is the decoded payload.
	Audio []byte `json:"-"`
}

type Stop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type Mark struct {
	Name string `json:"name"`
}

type DTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// DecodeError describes a frame that could not be used. Callers log and drop it.
type DecodeError struct {
	Code    string // "bad_frame", "unknown_event", "bad_payload"
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type wireInbound struct {
	Event          EventType `json:"event"`
	SequenceNumber string    `json:"sequenceNumber"`
	StreamSID      string    `json:"streamSid"`

	Protocol string `json:"protocol"`
	Version  string `json:"version"`

	Start *Start `json:"start"`
	Media *Media `json:"media"`
	Stop  *Stop  `json:"stop"`
	Mark  *Mark  `json:"mark"`
	DTMF  *DTMF  `json:"dtmf"`
}

// DecodeInbound parses one inbound frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, &DecodeError{Code: "bad_frame", Message: "invalid json", Err: err}
	}
	in := Inbound{Event: w.Event, Sequence: w.SequenceNumber, StreamSID: w.StreamSID}

	switch w.Event {
	case EventConnected:
		in.Connected = &Connected{Protocol: w.Protocol, Version: w.Version}

	case EventStart:
		if w.Start == nil {
			return Inbound{}, &DecodeError{Code: "bad_frame", Message: "start frame missing start object"}
		}
		if w.Start.StreamSID == "" {
			w.Start.StreamSID = w.StreamSID
		}
		if in.StreamSID == "" {
			in.StreamSID = w.Start.StreamSID
		}
		if in.StreamSID == "" {
			return Inbound{}, &DecodeError{Code: "bad_frame", Message: "start frame missing streamSid"}
		}
		if enc := w.Start.MediaFormat.Encoding; enc != "" && enc != AudioEncoding {
			return Inbound{}, &DecodeError{Code: "bad_frame", Message: "unsupported media encoding " + enc}
		}
		in.Start = w.Start

	case EventMedia:
		if w.Media == nil || w.Media.Payload == "" {
			return Inbound{}, &DecodeError{Code: "bad_payload", Message: "media frame missing payload"}
		}
		audio, err := DecodeMediaPayload(w.Media.Payload)
		if err != nil {
			return Inbound{}, err
		}
		w.Media.Audio = audio
		in.Media = w.Media

	case EventStop:
		in.Stop = w.Stop
		if in.Stop == nil {
			in.Stop = &Stop{}
		}

	case EventMark:
		in.Mark = w.Mark
		if in.Mark == nil {
			in.Mark = &Mark{}
		}

	case EventDTMF:
		if w.DTMF == nil {
			return Inbound{}, &DecodeError{Code: "bad_frame", Message: "dtmf frame missing dtmf object"}
		}
		in.DTMF = w.DTMF

	case "":
		return Inbound{}, &DecodeError{Code: "bad_frame", Message: "missing event"}

	default:
		return Inbound{}, &DecodeError{Code: "unknown_event", Message: "unknown event " + string(w.Event)}
	}
	return in, nil
}

// DecodeMediaPayload base64-decodes a media payload into raw mu-law bytes.
func DecodeMediaPayload(payload string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &DecodeError{Code: "bad_payload", Message: "invalid base64 payload", Err: err}
	}
	return audio, nil
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundFrame struct {
	Event     EventType      `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *Mark          `json:"mark,omitempty"`
}

// EncodeMedia frames one chunk of mu-law audio for streamSID.
func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// EncodeClear asks the telephony side to discard audio it has buffered but
// not yet played.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: EventClear, StreamSID: streamSID})
}

// EncodeMark asks the telephony side to echo name back once all audio sent
// before it has played.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: EventMark, StreamSID: streamSID, Mark: &Mark{Name: name}})
}
