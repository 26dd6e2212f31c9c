package agentrelay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r := New(func(o *Options) { o.EnableStreaming = false })
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func TestRelay_SubmitRoundTrip(t *testing.T) {
	r := newTestRelay(t)

	llm := model.NewScriptedModel("m")
	llm.AddResponse("hello", "hi there")
	r.RegisterModelAgent(agent.NewModelAgent("assistant", llm))

	result, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1",
		AgentID:       "assistant",
		UserID:        "u1",
		Content:       core.TextContent("user", "hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.FinalText)
	assert.True(t, result.Binding.Bound())
	assert.Equal(t, "assistant", result.Binding.ActiveAgentID)

	info, ok := r.SessionInfo("chat-1")
	require.True(t, ok)
	assert.Equal(t, result.Binding.ActiveSessionID, info.ActiveSessionID)

	// Same session, same binding on the next turn.
	llm.AddResponse("again", "still here")
	second, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1",
		AgentID:       "assistant",
		UserID:        "u1",
		Content:       core.TextContent("user", "again"),
	})
	require.NoError(t, err)
	assert.Equal(t, result.Binding.ActiveSessionID, second.Binding.ActiveSessionID)
	assert.Equal(t, "still here", second.FinalText)
}

func TestRelay_UnregisteredAgent(t *testing.T) {
	r := newTestRelay(t)

	_, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1",
		AgentID:       "ghost",
		UserID:        "u1",
		Content:       core.TextContent("user", "hi"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRelay_AgentSwitch(t *testing.T) {
	r := newTestRelay(t)

	llmA := model.NewScriptedModel("a")
	llmA.AddResponse("hello", "support here")
	r.RegisterModelAgent(agent.NewModelAgent("support", llmA))

	llmB := model.NewScriptedModel("b")
	r.RegisterModelAgent(agent.NewModelAgent("billing", llmB))

	first, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1", AgentID: "support", UserID: "u1",
		Content: core.TextContent("user", "hello"),
	})
	require.NoError(t, err)

	switched, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1", AgentID: "billing", UserID: "u1",
		Content: core.TextContent("user", "my invoice"),
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", switched.Binding.ActiveAgentID)
	assert.NotEqual(t, first.Binding.ActiveSessionID, switched.Binding.ActiveSessionID)
}

func TestRelay_ApprovalFlow(t *testing.T) {
	r := newTestRelay(t)

	refund := tool.NewFunctionTool("issue_refund", "Issue a refund",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(tc *core.ToolContext, args map[string]any) (any, error) { return "refunded", nil },
		tool.WithApproval(),
	)

	llm := model.NewScriptedModel("m")
	llm.QueueTurn(model.Turn{FunctionCalls: []core.FunctionCall{
		{ID: "call-refund", Name: "issue_refund", Arguments: "{}"},
	}})
	llm.AddResponse("please refund order 7", "your refund is on its way")

	r.RegisterModelAgent(agent.NewModelAgent("billing", llm, func(o *agent.ModelAgentOptions) {
		o.Tools = []tool.Tool{refund}
	}))

	stream, err := r.SubmitStream(context.Background(), TaskRequest{
		ChatSessionID: "chat-1", AgentID: "billing", UserID: "u1",
		Content: core.TextContent("user", "please refund order 7"),
	})
	require.NoError(t, err)

	go func() {
		for {
			pending := r.PendingInteractions()
			if len(pending) > 0 {
				r.ResolveInteraction(pending[0].InteractionID, true, "looks fine")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var events []core.Event
	for ev := range stream.Events {
		events = append(events, ev)
	}
	require.NoError(t, <-stream.Errors)

	var sawProposal, sawResult bool
	finalText := ""
	for _, ev := range events {
		if ev.RequiresApproval() {
			sawProposal = true
		}
		for _, resp := range ev.GetFunctionResponses() {
			assert.Equal(t, "refunded", resp.Response)
			sawResult = true
		}
		if !ev.IsPartial() && ev.Content != nil && ev.Content.Role == "assistant" {
			if text := ev.Content.Text(); text != "" {
				finalText = text
			}
		}
	}
	assert.True(t, sawProposal)
	assert.True(t, sawResult)
	assert.Equal(t, "your refund is on its way", finalText)
	assert.Empty(t, r.PendingInteractions())
}

func TestRelay_ClearAndRecoverSession(t *testing.T) {
	r := newTestRelay(t)

	llm := model.NewScriptedModel("m")
	llm.AddResponse("hello", "hi there")
	r.RegisterModelAgent(agent.NewModelAgent("assistant", llm))

	_, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1", AgentID: "assistant", UserID: "u1",
		Content: core.TextContent("user", "hello"),
	})
	require.NoError(t, err)

	require.True(t, r.ClearSession(context.Background(), "chat-1"))
	assert.False(t, r.ClearSession(context.Background(), "never-seen"))

	_, err = r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1", AgentID: "assistant", UserID: "u1",
		Content: core.TextContent("user", "hello"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionCleared)

	r.RecoverSession("chat-1")

	llm.AddResponse("back again", "welcome back")
	result, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1", AgentID: "assistant", UserID: "u1",
		Content: core.TextContent("user", "back again"),
	})
	require.NoError(t, err)
	assert.Equal(t, "welcome back", result.FinalText)
	assert.True(t, result.Binding.Bound())
}

func TestRelay_AbandonedStreamReleasedOnCancel(t *testing.T) {
	r := New(func(o *Options) {
		o.EnableStreaming = true
		o.Settings.EventBufferSize = 1
	})
	t.Cleanup(func() { r.Close(context.Background()) })

	llm := model.NewScriptedModel("m")
	llm.AddResponse("hi", strings.Repeat("x", 64))
	r.RegisterModelAgent(agent.NewModelAgent("assistant", llm))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := r.SubmitStream(ctx, TaskRequest{
		ChatSessionID: "chat-1", AgentID: "assistant", UserID: "u1",
		Content: core.TextContent("user", "hi"),
	})
	require.NoError(t, err)

	// Never drain; the tiny buffers fill and the pump blocks on its send.
	time.Sleep(50 * time.Millisecond)
	cancel()

	// The pump must notice the cancellation and tear the stream down.
	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, live := r.streams[stream.TaskID]
		return !live
	}, time.Second, 5*time.Millisecond)
}

func TestRelay_SubmitAfterClose(t *testing.T) {
	r := New(func(o *Options) { o.EnableStreaming = false })
	r.Close(context.Background())
	r.Close(context.Background())

	_, err := r.Submit(context.Background(), TaskRequest{
		ChatSessionID: "chat-1", AgentID: "assistant", UserID: "u1",
		Content: core.TextContent("user", "hi"),
	})
	assert.Error(t, err)
}
