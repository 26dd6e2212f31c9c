package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentrelay/logging"
)

// ToolContext provides a constrained, auditable surface for tool / function
// implementations invoked during a turn. It accumulates a state delta without
// directly mutating the underlying runner session until applied to the
// emitted response event.
type ToolContext struct {
	ctx             context.Context
	taskID          string
	runnerSessionID string
	functionCallID  string
	agentName       string
	session         *Session
	memoryStore     MemoryStore
	stateDelta      map[string]any

	*loggerAdapter
}

// NewToolContext constructs a tool context bound to one function call within
// a task. session may be nil for tools that need no conversational context.
func NewToolContext(
	ctx context.Context,
	taskID, runnerSessionID, functionCallID, agentName string,
	session *Session,
	memoryStore MemoryStore,
	logger logging.Logger,
) *ToolContext {
	return &ToolContext{
		ctx:             ctx,
		taskID:          taskID,
		runnerSessionID: runnerSessionID,
		functionCallID:  functionCallID,
		agentName:       agentName,
		session:         session,
		memoryStore:     memoryStore,
		stateDelta:      map[string]any{},
		loggerAdapter:   newLoggerAdapter(logger),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// TaskID returns the task ID associated with the tool invocation.
func (tc *ToolContext) TaskID() string { return tc.taskID }

// RunnerSessionID returns the runner session backing the invocation.
func (tc *ToolContext) RunnerSessionID() string { return tc.runnerSessionID }

// FunctionCallID returns the function call ID associated with the invocation.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// AgentName returns the agent on whose behalf the tool runs.
func (tc *ToolContext) AgentName() string { return tc.agentName }

// Logger returns the logger associated with the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }

// GetState returns a staged (delta) value if present, else the session value.
func (tc *ToolContext) GetState(k string) (any, bool) {
	if v, ok := tc.stateDelta[k]; ok {
		return v, true
	}
	if tc.session != nil {
		return tc.session.GetState(k)
	}
	return nil, false
}

// SetState stages a state mutation in the local delta for emission with the
// function response event.
func (tc *ToolContext) SetState(k string, v any) { tc.stateDelta[k] = v }

// SearchMemory performs a recall query against the configured MemoryStore.
func (tc *ToolContext) SearchMemory(q string, limit int) ([]SearchResult, error) {
	if tc.memoryStore == nil {
		return nil, fmt.Errorf("memory store not configured")
	}
	return tc.memoryStore.Search(tc.runnerSessionID, q, limit)
}

// StoreMemory appends new content to the session's memory store with metadata.
func (tc *ToolContext) StoreMemory(content string, md map[string]any) error {
	if tc.memoryStore == nil {
		return fmt.Errorf("memory store not configured")
	}
	return tc.memoryStore.Store(tc.runnerSessionID, content, md)
}

// GetSessionHistory returns conversation history (filtered) for context.
func (tc *ToolContext) GetSessionHistory() []Event {
	if tc.session == nil {
		return nil
	}
	return tc.session.GetConversationHistory()
}

// ApplyActions merges the accumulated state delta into the provided event.
func (tc *ToolContext) ApplyActions(ev *Event) {
	if len(tc.stateDelta) == 0 {
		return
	}
	if ev.Actions.StateDelta == nil {
		ev.Actions.StateDelta = map[string]any{}
	}
	for k, v := range tc.stateDelta {
		ev.Actions.StateDelta[k] = v
	}
}
