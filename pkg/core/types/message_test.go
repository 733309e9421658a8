package types

import "testing"

func TestSplitSystem(t *testing.T) {
	msgs := []Message{
		SystemMessage("be brief"),
		UserMessage("hi"),
		AssistantMessage("hello"),
		SystemMessage("  wrap up  "),
		UserMessage("bye"),
	}
	sys, rest := SplitSystem(msgs)
	if sys != "be brief\n\nwrap up" {
		t.Fatalf("system=%q", sys)
	}
	if len(rest) != 3 {
		t.Fatalf("len(rest)=%d, want 3", len(rest))
	}
	if rest[0].Role != RoleUser || rest[1].Role != RoleAssistant || rest[2].Content != "bye" {
		t.Fatalf("rest=%+v", rest)
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant} {
		if !r.Valid() {
			t.Fatalf("%q should be valid", r)
		}
	}
	if Role("tool").Valid() {
		t.Fatalf("tool should not be valid")
	}
}

func TestTextOf(t *testing.T) {
	if s, ok := TextOf(ContentBlockDeltaEvent{Delta: TextDelta{Text: "abc"}}); !ok || s != "abc" {
		t.Fatalf("TextOf=%q,%v", s, ok)
	}
	if _, ok := TextOf(MessageStopEvent{}); ok {
		t.Fatalf("stop event should carry no text")
	}
}
