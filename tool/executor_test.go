package tool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentrelay/approval"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func newEnv() ExecEnv {
	return ExecEnv{
		TaskID:          "task-1",
		RunnerSessionID: "sess-1",
		AgentName:       "agent",
		Session:         testutil.NewSessionBuilder("sess-1").Build(),
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *eventSink) emit(ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) all() []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Event(nil), s.events...)
}

func TestExecutor_SingleCall(t *testing.T) {
	echo := NewFunctionTool("echo", "Echo", emptySchema(),
		func(tc *core.ToolContext, args map[string]any) (any, error) { return "hello", nil })

	e := NewExecutor(map[string]Tool{"echo": echo}, nil, ExecutorConfig{}, nil)
	sink := &eventSink{}

	e.Execute(context.Background(), newEnv(), []core.FunctionCall{{ID: "c1", Name: "echo", Arguments: "{}"}}, sink.emit)

	events := sink.all()
	require.Len(t, events, 1)
	responses := events[0].GetFunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "hello", responses[0].Response)
	assert.Equal(t, "task-1", events[0].TaskID)
}

func TestExecutor_UnknownTool(t *testing.T) {
	e := NewExecutor(map[string]Tool{}, nil, ExecutorConfig{}, nil)
	sink := &eventSink{}

	e.Execute(context.Background(), newEnv(), []core.FunctionCall{{ID: "c1", Name: "ghost", Arguments: "{}"}}, sink.emit)

	events := sink.all()
	require.Len(t, events, 1)
	responses := events[0].GetFunctionResponses()
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Error, "not found")
}

func TestExecutor_PanicRecovery(t *testing.T) {
	boom := NewFunctionTool("boom", "Panics", emptySchema(),
		func(tc *core.ToolContext, args map[string]any) (any, error) { panic("boom") })

	e := NewExecutor(map[string]Tool{"boom": boom}, nil, ExecutorConfig{}, nil)
	sink := &eventSink{}

	e.Execute(context.Background(), newEnv(), []core.FunctionCall{{ID: "c1", Name: "boom", Arguments: "{}"}}, sink.emit)

	events := sink.all()
	require.Len(t, events, 1)
	responses := events[0].GetFunctionResponses()
	require.Len(t, responses, 1)
	assert.NotEmpty(t, responses[0].Error)
}

func TestExecutor_BatchPreservesOrder(t *testing.T) {
	slow := NewFunctionTool("slow", "Slow", emptySchema(),
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			return "slow", nil
		})
	fast := NewFunctionTool("fast", "Fast", emptySchema(),
		func(tc *core.ToolContext, args map[string]any) (any, error) { return "fast", nil })

	e := NewExecutor(map[string]Tool{"slow": slow, "fast": fast}, nil, ExecutorConfig{PreserveOrder: true}, nil)
	sink := &eventSink{}

	e.Execute(context.Background(), newEnv(), []core.FunctionCall{
		{ID: "c1", Name: "slow", Arguments: "{}"},
		{ID: "c2", Name: "fast", Arguments: "{}"},
	}, sink.emit)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, "slow", events[0].GetFunctionResponses()[0].Response)
	assert.Equal(t, "fast", events[1].GetFunctionResponses()[0].Response)
}

func TestExecutor_ApprovalApproved(t *testing.T) {
	gated := NewFunctionTool("gated", "Gated", emptySchema(),
		func(tc *core.ToolContext, args map[string]any) (any, error) { return "ran", nil },
		WithApproval(),
	)
	broker := approval.NewBroker()
	e := NewExecutor(map[string]Tool{"gated": gated}, broker, ExecutorConfig{}, nil)
	sink := &eventSink{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(context.Background(), newEnv(), []core.FunctionCall{{ID: "c1", Name: "gated", Arguments: "{}"}}, sink.emit)
	}()

	// The proposal is registered synchronously before the wait begins.
	require.Eventually(t, func() bool {
		return broker.Resolve("c1", approval.Decision{Approved: true})
	}, time.Second, 5*time.Millisecond)
	<-done

	events := sink.all()
	require.Len(t, events, 2, "proposal chunk + response")
	assert.True(t, events[0].RequiresApproval())
	assert.Equal(t, "ran", events[1].GetFunctionResponses()[0].Response)
	assert.Equal(t, "task-1", events[0].CustomMetadata["task_id"])
}

func TestExecutor_ApprovalDenied(t *testing.T) {
	ran := false
	gated := NewFunctionTool("gated", "Gated", emptySchema(),
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			ran = true
			return "ran", nil
		},
		WithApproval(),
	)
	broker := approval.NewBroker()
	e := NewExecutor(map[string]Tool{"gated": gated}, broker, ExecutorConfig{}, nil)
	sink := &eventSink{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(context.Background(), newEnv(), []core.FunctionCall{{ID: "c1", Name: "gated", Arguments: "{}"}}, sink.emit)
	}()

	require.Eventually(t, func() bool {
		return broker.Resolve("c1", approval.Decision{Approved: false, Reason: "nope"})
	}, time.Second, 5*time.Millisecond)
	<-done

	assert.False(t, ran, "denied tool must not execute")
	events := sink.all()
	require.Len(t, events, 2)
	responses := events[1].GetFunctionResponses()
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Error, CodeApprovalDenied)
}

func TestExecutor_UngatedBypassesBroker(t *testing.T) {
	plain := NewFunctionTool("plain", "Plain", emptySchema(),
		func(tc *core.ToolContext, args map[string]any) (any, error) { return "done", nil })
	broker := approval.NewBroker()
	e := NewExecutor(map[string]Tool{"plain": plain}, broker, ExecutorConfig{}, nil)
	sink := &eventSink{}

	e.Execute(context.Background(), newEnv(), []core.FunctionCall{{ID: "c1", Name: "plain", Arguments: "{}"}}, sink.emit)

	events := sink.all()
	require.Len(t, events, 1, "no proposal chunk for ungated tools")
	assert.Equal(t, 0, broker.PendingCount())
}
