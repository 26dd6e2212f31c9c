// Package model defines the provider-agnostic language model abstraction and
// the wire types shared by all adapters. Concrete providers live in the
// subpackages (anthropic, openai); tests and examples use ScriptedModel.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction describes the concrete function target of a tool call.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"` // JSON string of arguments
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input produced by a runner turn.
type Request struct {
	Instructions string           `json:"instructions"` // System prompt for the model
	Contents     []core.Content   `json:"contents"`     // Conversation converted to provider messages
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface runners need to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Turn is one scripted generation result for ScriptedModel: either plain text
// or a batch of function calls (in which case FinishReason is "tool_calls").
type Turn struct {
	Text          string
	FunctionCalls []core.FunctionCall
}

// ScriptedModel is a deterministic in-memory Model for tests and examples.
// It replays queued turns in order; once the queue is exhausted it answers
// each prompt with a canned (or echoed) text completion.
type ScriptedModel struct {
	mu        sync.Mutex
	info      Info
	turns     []Turn
	responses map[string]string
	calls     int
}

// NewScriptedModel constructs a ScriptedModel with tool support enabled.
func NewScriptedModel(name string) *ScriptedModel {
	return &ScriptedModel{
		info: Info{
			Name:          name,
			Provider:      "scripted",
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *ScriptedModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// QueueTurn appends a scripted turn replayed ahead of any canned responses.
func (m *ScriptedModel) QueueTurn(t Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
}

// CallCount reports how many Generate invocations have completed.
func (m *ScriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Model. Scripted turns are emitted first; afterwards the
// last user text selects a canned response (or an echo when none matches).
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		m.mu.Lock()
		m.calls++
		var turn *Turn
		if len(m.turns) > 0 {
			t := m.turns[0]
			m.turns = m.turns[1:]
			turn = &t
		}
		m.mu.Unlock()

		if turn != nil {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
			case respCh <- turn.response():
			}
			return
		}

		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}

		inputText := lastUserText(req.Contents)

		m.mu.Lock()
		full, ok := m.responses[inputText]
		m.mu.Unlock()
		if !ok {
			full = fmt.Sprintf("Scripted response to: %s", inputText)
		}

		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.TextContent("assistant", string(r)),
				}:
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{
			Partial:      false,
			Content:      core.TextContent("assistant", full),
			FinishReason: "stop",
		}:
		}
	}()

	return respCh, errCh
}

// Info implements the Model interface.
func (m *ScriptedModel) Info() Info { return m.info }

func (t Turn) response() Response {
	if len(t.FunctionCalls) > 0 {
		parts := make([]core.Part, 0, len(t.FunctionCalls)+1)
		if t.Text != "" {
			parts = append(parts, core.TextPart{Text: t.Text})
		}
		for _, fc := range t.FunctionCalls {
			parts = append(parts, core.FunctionCallPart{FunctionCall: fc})
		}
		return Response{
			Content:      core.Content{Role: "assistant", Parts: parts},
			FinishReason: "tool_calls",
		}
	}
	return Response{
		Content:      core.TextContent("assistant", t.Text),
		FinishReason: "stop",
	}
}

func lastUserText(contents []core.Content) string {
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role == "user" {
			return contents[i].Text()
		}
	}
	return contents[len(contents)-1].Text()
}
