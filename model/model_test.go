package model

import (
	"context"
	"testing"

	"github.com/hupe1980/agentrelay/core"
)

func collect(t *testing.T, respCh <-chan Response, errCh <-chan error) ([]Response, error) {
	t.Helper()
	var out []Response
	for resp := range respCh {
		out = append(out, resp)
	}
	return out, <-errCh
}

func TestScriptedModel_CannedResponse(t *testing.T) {
	m := NewScriptedModel("test")
	m.AddResponse("ping", "pong")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.TextContent("user", "ping")},
	})
	responses, err := collect(t, respCh, errCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if got := responses[0].Content.Text(); got != "pong" {
		t.Errorf("expected pong, got %q", got)
	}
	if m.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", m.CallCount())
	}
}

func TestScriptedModel_EchoFallback(t *testing.T) {
	m := NewScriptedModel("test")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.TextContent("user", "anything")},
	})
	responses, err := collect(t, respCh, errCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := responses[0].Content.Text(); got == "" {
		t.Error("expected a fallback completion")
	}
}

func TestScriptedModel_StreamingChunks(t *testing.T) {
	m := NewScriptedModel("test")
	m.AddResponse("hi", "abc")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.TextContent("user", "hi")},
		Stream:   true,
	})
	responses, err := collect(t, respCh, errCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	partials := 0
	for _, resp := range responses {
		if resp.Partial {
			partials++
		}
	}
	if partials != 3 {
		t.Errorf("expected 3 partial chunks, got %d", partials)
	}
	final := responses[len(responses)-1]
	if final.Partial || final.Content.Text() != "abc" {
		t.Errorf("unexpected final response: %+v", final)
	}
}

func TestScriptedModel_QueuedTurnsReplayFirst(t *testing.T) {
	m := NewScriptedModel("test")
	m.QueueTurn(Turn{FunctionCalls: []core.FunctionCall{{ID: "c1", Name: "lookup", Arguments: "{}"}}})
	m.AddResponse("go", "done")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.TextContent("user", "go")},
	})
	responses, err := collect(t, respCh, errCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].FinishReason != "tool_calls" {
		t.Errorf("expected tool_calls finish reason, got %q", responses[0].FinishReason)
	}

	// Second call falls through to the canned response.
	respCh, errCh = m.Generate(context.Background(), Request{
		Contents: []core.Content{core.TextContent("user", "go")},
	})
	responses, err = collect(t, respCh, errCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := responses[0].Content.Text(); got != "done" {
		t.Errorf("expected done, got %q", got)
	}
}

func TestScriptedModel_NoContents(t *testing.T) {
	m := NewScriptedModel("test")

	respCh, errCh := m.Generate(context.Background(), Request{})
	_, err := collect(t, respCh, errCh)
	if err == nil {
		t.Fatal("expected an error for empty contents")
	}
}
