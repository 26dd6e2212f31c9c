// Package anthropic adapts the Anthropic Messages API to the generic
// model.Model interface, including function/tool calling.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
)

// Options configures the Anthropic adapter. Extend via functional options to
// preserve call-site stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind model.Model.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates an adapter backed by a fresh client. The API key falls
// back to the SDK's environment lookup when not set explicitly.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions(optFns)

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates an adapter around an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Generate implements model.Model. Streamed requests are currently served by
// a single final chunk; the Messages API call itself is not streamed.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if system := systemBlocks(req); len(system) > 0 {
			params.System = system
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		out <- toResponse(resp)
	}()

	return out, errCh
}

// Info returns metadata describing this adapter.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

func toResponse(resp *anthropic.Message) model.Response {
	var parts []core.Part
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				parts = append(parts, core.TextPart{Text: text})
			}
		case "tool_use":
			tu := block.AsToolUse()
			args := ""
			if tu.Input != nil {
				if raw, err := json.Marshal(tu.Input); err == nil {
					args = string(raw)
				}
			}
			parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			}})
		}
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}

	return model.Response{
		ID:           resp.ID,
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

// buildMessages converts normalized contents into Anthropic message params.
// Tool results are embedded directly after the assistant turn that issued the
// matching tool_use blocks, as the Messages API requires.
func buildMessages(req model.Request) []anthropic.MessageParam {
	toolResults := map[string]string{}
	for _, c := range req.Contents {
		if c.Role != "tool" {
			continue
		}
		for _, p := range c.Parts {
			fr, ok := p.(core.FunctionResponsePart)
			if !ok || fr.FunctionResponse.ID == "" {
				continue
			}
			if s, ok := fr.FunctionResponse.Response.(string); ok {
				toolResults[fr.FunctionResponse.ID] = s
			} else {
				toolResults[fr.FunctionResponse.ID] = fmt.Sprintf("%v", fr.FunctionResponse.Response)
			}
		}
	}

	var messages []anthropic.MessageParam
	for _, c := range req.Contents {
		switch c.Role {
		case "system", "tool":
			// System text is passed via params.System, tool results are
			// attached to the assistant turns below.
		case "assistant":
			if blocks := assistantBlocks(c.Parts, toolResults); len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			if blocks := textBlocks(c.Parts); len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return messages
}

func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, c := range req.Contents {
		if c.Role != "system" {
			continue
		}
		for _, p := range c.Parts {
			if tp, ok := p.(core.TextPart); ok && tp.Text != "" {
				blocks = append(blocks, anthropic.TextBlockParam{Text: tp.Text})
			}
		}
	}
	return blocks
}

func textBlocks(parts []core.Part) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		if tp, ok := p.(core.TextPart); ok && tp.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(tp.Text))
		}
	}
	return blocks
}

func assistantBlocks(parts []core.Part, toolResults map[string]string) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	var callIDs []string

	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case core.FunctionCallPart:
			var input any
			if part.FunctionCall.Arguments != "" {
				if err := json.Unmarshal([]byte(part.FunctionCall.Arguments), &input); err != nil {
					input = part.FunctionCall.Arguments
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(part.FunctionCall.ID, input, part.FunctionCall.Name))
			callIDs = append(callIDs, part.FunctionCall.ID)
		}
	}

	for _, id := range callIDs {
		if result, ok := toolResults[id]; ok {
			blocks = append(blocks, anthropic.NewToolResultBlock(id, result, false))
			delete(toolResults, id)
		}
	}
	return blocks
}

func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if params := t.Function.Parameters; params != nil {
			if props, ok := params["properties"]; ok {
				schema.Properties = props
			}
			schema.Required = requiredList(params["required"])
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, t.Function.Name)
	}
	return out
}

func requiredList(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
