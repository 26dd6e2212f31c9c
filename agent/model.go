package agent

import (
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/tool"
)

// ModelAgentOptions configures a ModelAgent instance.
//
// Use functional options with NewModelAgent to override defaults.
type ModelAgentOptions struct {
	Description  string
	Instructions string
	Tools        []tool.Tool
}

// ModelAgent is the default language-model backed core.Agent implementation.
// It bundles a persona (name, description, instructions), a model, and the
// tools the model may call. A ModelAgent has no mutable state after
// construction and is safe for concurrent use.
type ModelAgent struct {
	name         string
	description  string
	instructions string
	llm          model.Model
	tools        map[string]tool.Tool
}

// NewModelAgent creates a model-backed agent with sensible defaults: a
// generic assistant instruction derived from the name and an empty tool set.
func NewModelAgent(name string, llm model.Model, optFns ...func(o *ModelAgentOptions)) *ModelAgent {
	opts := ModelAgentOptions{
		Instructions: fmt.Sprintf("You are %s, a helpful AI assistant.", name),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	tools := make(map[string]tool.Tool, len(opts.Tools))
	for _, t := range opts.Tools {
		tools[t.Name()] = t
	}

	return &ModelAgent{
		name:         name,
		description:  opts.Description,
		instructions: opts.Instructions,
		llm:          llm,
		tools:        tools,
	}
}

// Name returns the agent's unique name.
func (a *ModelAgent) Name() string { return a.name }

// Description returns the short human-readable description.
func (a *ModelAgent) Description() string { return a.description }

// Instructions returns the system prompt the agent runs with.
func (a *ModelAgent) Instructions() string { return a.instructions }

// Model returns the language model backing this agent.
func (a *ModelAgent) Model() model.Model { return a.llm }

// ToolRegistry returns the registered tools keyed by name. Callers must not
// mutate the returned map.
func (a *ModelAgent) ToolRegistry() map[string]tool.Tool { return a.tools }

// ToolDefinitions converts the registered tools into the declarative form
// passed to the model, sorted by name for request determinism.
func (a *ModelAgent) ToolDefinitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(a.tools))
	for _, t := range a.tools {
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// Cleanup implements core.Agent. ModelAgent holds no external resources.
func (a *ModelAgent) Cleanup(ctx context.Context) error { return nil }
