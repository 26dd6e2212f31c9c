package core

import "testing"

func TestSession_ApplyStateDeltaAndClone(t *testing.T) {
	s := NewSession("s1")

	delta := map[string]any{"a": 1, "b": "x"}

	s.ApplyStateDelta(delta)
	if v, ok := s.GetState("a"); !ok || v.(int) != 1 {
		t.Fatalf("State not applied: %+v", s.State)
	}

	clone := s.Clone()
	if clone == s {
		t.Error("Clone should be a different pointer")
	}

	clone.SetState("c", 2)
	if _, exists := s.GetState("c"); exists {
		t.Error("Original should not have clone's new key")
	}
}

func TestSession_AddEventAndHistory(t *testing.T) {
	userEv := NewUserMessageEvent("task-123", "hi")
	assistantEv := NewMessageEvent("assistant", "hello")
	s := NewSession("s2")
	s.AddEvent(assistantEv)
	s.AddEvent(userEv)

	all := s.GetEvents()
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	orig := all[0].Author
	all[0].Author = "changed"
	if s.GetEvents()[0].Author != orig {
		t.Error("events slice should be copied on read")
	}

	partial := NewMessageEvent("assistant", "chunk")
	p := true
	partial.Partial = &p
	s.AddEvent(partial)

	history := s.GetConversationHistory()
	for _, hev := range history {
		if hev.IsPartial() {
			t.Error("partial events must not appear in conversation history")
		}
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history events, got %d", len(history))
	}
}

func TestCoerceHistoryEntries(t *testing.T) {
	canonical := []HistoryEntry{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	if got := CoerceHistoryEntries(canonical); len(got) != 2 {
		t.Fatalf("canonical slice should coerce, got %v", got)
	}

	// JSON round-trip shape.
	loose := []any{
		map[string]any{"role": "user", "content": "hi"},
		map[string]any{"author": "assistant", "text": "hello"},
	}
	got := CoerceHistoryEntries(loose)
	if len(got) != 2 {
		t.Fatalf("loose slice should coerce, got %v", got)
	}
	if got[1].Role != "assistant" || got[1].Content != "hello" {
		t.Errorf("author should backfill role: %+v", got[1])
	}

	if CoerceHistoryEntries("not a list") != nil {
		t.Error("scalar should not coerce")
	}
	if CoerceHistoryEntries([]any{map[string]any{"foo": "bar"}}) != nil {
		t.Error("non message-shaped maps should not coerce")
	}
	if CoerceHistoryEntries([]any{map[string]any{"role": "user", "content": "ok"}, 42}) != nil {
		t.Error("mixed slices should not coerce")
	}
}

func TestEvent_ApprovalHelpers(t *testing.T) {
	fc := FunctionCall{ID: "call-1", Name: "send_mail", Arguments: `{"to":"x"}`}
	ev := NewApprovalRequestEvent("agent", "call-1", fc)

	if !ev.RequiresApproval() {
		t.Fatal("approval request must require approval")
	}
	calls := ev.GetFunctionCalls()
	if len(calls) != 1 || calls[0].Name != "send_mail" {
		t.Fatalf("unexpected calls: %v", calls)
	}
	if ev.IsFinalResponse() {
		t.Error("approval request is not a final response")
	}

	final := NewMessageEvent("agent", "done")
	done := true
	final.TurnComplete = &done
	if !final.IsFinalResponse() {
		t.Error("plain assistant message should be final")
	}
}
