package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventRoundTrip(t *testing.T) {
	cases := []Event{
		&MessageReceived{EventScope: BranchScope("s1", "b1"), MessageID: "m1", Role: RoleUser},
		&StreamEnded{EventScope: BranchScope("s1", "b1"), InputTokens: 12, OutputTokens: 34},
		&ToolCallCompleted{
			EventScope: BranchScope("s1", "b1"),
			ToolCallID: "tc1",
			ToolName:   "read_file",
			IsError:    true,
			Summary:    "no such file",
			Output:     json.RawMessage(`{"error":"no such file"}`),
		},
		&AgentSwitched{EventScope: BranchScope("s1", "b1"), FromAgent: "baseline", ToAgent: "planner"},
		&BranchSwitched{SessionID: "s1", FromBranchID: "b1", ToBranchID: "b2"},
	}

	for _, event := range cases {
		data, err := MarshalEvent(event)
		if err != nil {
			t.Fatalf("MarshalEvent(%s): %v", event.Tag(), err)
		}
		decoded, err := UnmarshalEvent(data)
		if err != nil {
			t.Fatalf("UnmarshalEvent(%s): %v", event.Tag(), err)
		}
		if decoded.Tag() != event.Tag() {
			t.Fatalf("tag changed: %s -> %s", event.Tag(), decoded.Tag())
		}
		redone, err := MarshalEvent(decoded)
		if err != nil {
			t.Fatalf("re-marshal(%s): %v", event.Tag(), err)
		}
		if string(redone) != string(data) {
			t.Fatalf("%s not stable:\n%s\n%s", event.Tag(), data, redone)
		}
	}
}

func TestUnmarshalEventUnknownTag(t *testing.T) {
	if _, err := UnmarshalEvent([]byte(`{"_tag":"Mystery"}`)); err == nil {
		t.Fatal("unknown tag must fail")
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := &EventEnvelope{
		ID:        7,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Event:     &StreamStarted{EventScope: BranchScope("s1", "b1")},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded EventEnvelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != 7 || decoded.Event.Tag() != "StreamStarted" {
		t.Fatalf("round trip: %+v", decoded)
	}
	if decoded.Event.EventBranchID() != "b1" {
		t.Fatalf("scope lost: %+v", decoded.Event)
	}
}

func TestBranchSwitchedIsSessionWide(t *testing.T) {
	var event Event = &BranchSwitched{SessionID: "s1", FromBranchID: "b1", ToBranchID: "b2"}
	if event.EventBranchID() != "" {
		t.Fatal("BranchSwitched must carry no branch id")
	}
}

func TestToolOutputHelpers(t *testing.T) {
	ok := JSONOutput(map[string]int{"n": 1})
	if ok.IsError() || ok.ErrorMessage() != "" {
		t.Fatalf("success output: %+v", ok)
	}

	bad := JSONOutput(make(chan int)) // unserialisable
	if !bad.IsError() {
		t.Fatal("unserialisable value must degrade to an error output")
	}

	failed := ErrorOutput("disk full")
	if !failed.IsError() || failed.ErrorMessage() != "disk full" {
		t.Fatalf("error output: %+v", failed)
	}
}

func TestAgentDefinitionAllowsTool(t *testing.T) {
	unrestricted := &AgentDefinition{Name: "open"}
	if !unrestricted.AllowsTool("anything") {
		t.Fatal("empty filters allow everything")
	}

	scoped := &AgentDefinition{
		Name:         "scoped",
		AllowedTools: []string{"read_file", "run_shell"},
		DeniedTools:  []string{"run_shell"},
	}
	if !scoped.AllowsTool("read_file") {
		t.Fatal("allowed tool rejected")
	}
	if scoped.AllowsTool("run_shell") {
		t.Fatal("deny must beat allow")
	}
	if scoped.AllowsTool("write_file") {
		t.Fatal("tool outside the allow list accepted")
	}
}

func TestSteerCommandInterrupting(t *testing.T) {
	for kind, want := range map[SteerKind]bool{
		SteerCancel:      true,
		SteerInterrupt:   true,
		SteerInterject:   true,
		SteerSwitchAgent: false,
	} {
		if got := (SteerCommand{Kind: kind}).Interrupting(); got != want {
			t.Fatalf("%s: got %v", kind, got)
		}
	}
}

func TestMessageAccessors(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("let me check "),
			ToolCallPart(ToolCall{ID: "tc1", Name: "read_file", Input: json.RawMessage(`{}`)}),
			TextPart("that file"),
		},
	}
	if msg.Text() != "let me check that file" {
		t.Fatalf("Text: %q", msg.Text())
	}
	if msg.FirstText() != "let me check " {
		t.Fatalf("FirstText: %q", msg.FirstText())
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "tc1" {
		t.Fatalf("ToolCalls: %+v", calls)
	}
}
