package gemini

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
	}
}

func TestBuildRequest_MapsRolesAndSystem(t *testing.T) {
	temp := 0.5
	contents, cfg := buildRequest(&types.MessageRequest{
		Messages: []types.Message{
			types.SystemMessage("keep it short"),
			types.UserMessage("hi"),
			types.AssistantMessage("hello"),
			types.SystemMessage("wrap up now"),
			types.UserMessage("ok"),
		},
		Temperature: &temp,
	})
	if len(contents) != 3 {
		t.Fatalf("len(contents)=%d, want 3", len(contents))
	}
	if contents[0].Role != genai.RoleUser || contents[1].Role != genai.RoleModel || contents[2].Role != genai.RoleUser {
		t.Fatalf("roles=%q,%q,%q", contents[0].Role, contents[1].Role, contents[2].Role)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "keep it short\n\nwrap up now" {
		t.Fatalf("system instruction=%+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != DefaultMaxTokens {
		t.Fatalf("max tokens=%d", cfg.MaxOutputTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.5 {
		t.Fatalf("temperature=%v", cfg.Temperature)
	}
}

func TestProvider_StreamMessage(t *testing.T) {
	var gotModel string
	p := &Provider{stream: func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		gotModel = model
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, s := range []string{"Hello there.", "", " Great!"} {
				if !yield(textResponse(s), nil) {
					return
				}
			}
		}
	}}

	stream, err := p.StreamMessage(context.Background(), &types.MessageRequest{
		Model:    "gemini/gemini-2.0-flash",
		Messages: []types.Message{types.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("StreamMessage error = %v", err)
	}
	defer stream.Close()

	var b strings.Builder
	var sawStop bool
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if text, ok := types.TextOf(ev); ok {
			b.WriteString(text)
		}
		if _, ok := ev.(types.MessageStopEvent); ok {
			sawStop = true
		}
	}
	if gotModel != "gemini-2.0-flash" {
		t.Fatalf("model=%q", gotModel)
	}
	if b.String() != "Hello there. Great!" {
		t.Fatalf("text=%q", b.String())
	}
	if !sawStop {
		t.Fatalf("missing message_stop")
	}
}

func TestProvider_StreamErrorIsProviderError(t *testing.T) {
	boom := errors.New("quota")
	p := &Provider{stream: func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			yield(nil, boom)
		}
	}}
	stream, err := p.StreamMessage(context.Background(), &types.MessageRequest{Model: "m", Messages: []types.Message{types.UserMessage("x")}})
	if err != nil {
		t.Fatalf("StreamMessage error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != nil {
		t.Fatalf("start event error = %v", err)
	}
	_, err = stream.Next()
	if !errors.Is(err, boom) || core.TypeOf(err) != core.ErrProvider {
		t.Fatalf("err=%v", err)
	}
}

func TestProvider_RequiresDialogue(t *testing.T) {
	p := &Provider{}
	_, err := p.StreamMessage(context.Background(), &types.MessageRequest{Messages: []types.Message{types.SystemMessage("x")}})
	if core.TypeOf(err) != core.ErrInvalidRequest {
		t.Fatalf("err=%v", err)
	}
}
