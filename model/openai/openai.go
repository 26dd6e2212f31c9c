// Package openai adapts the OpenAI Chat Completions API (streaming and
// non-streaming, with function/tool calling) to the generic model.Model
// interface.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configures the OpenAI adapter. The fields mirror a deliberately
// small subset of Chat Completion parameters.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Model wraps the OpenAI Chat Completions API behind model.Model.
type Model struct {
	client *openai.Client
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
	client := openai.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates an adapter around an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)
		if req.Stream {
			m.generateStreaming(ctx, params, out, errCh)
			return
		}
		m.generateOnce(ctx, params, out, errCh)
	}()

	return out, errCh
}

// Info returns metadata describing this adapter.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}

func (m *Model) buildParams(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Function.Name,
					Description: openai.String(t.Function.Description),
					Parameters:  t.Function.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	return params
}

// buildMessages converts normalized contents into chat messages. Tool
// responses are attached immediately after the assistant turn that issued the
// matching calls; any orphaned responses are appended at the end in first
// seen order.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	toolResponses, order := indexToolResponses(req.Contents)

	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, c := range req.Contents {
		if c.Role == "tool" {
			continue
		}
		text := contentText(c)
		switch c.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(text))
		case "assistant":
			toolCalls, callIDs := assistantToolCalls(c)
			if len(toolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
			for _, id := range callIDs {
				if resp, ok := toolResponses[id]; ok {
					messages = append(messages, openai.ToolMessage(resp, id))
					delete(toolResponses, id)
				}
			}
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}

	for _, id := range order {
		if resp, ok := toolResponses[id]; ok {
			messages = append(messages, openai.ToolMessage(resp, id))
		}
	}
	return messages
}

func indexToolResponses(contents []core.Content) (map[string]string, []string) {
	responses := map[string]string{}
	var order []string
	for _, c := range contents {
		if c.Role != "tool" {
			continue
		}
		for _, p := range c.Parts {
			fr, ok := p.(core.FunctionResponsePart)
			if !ok || fr.FunctionResponse.ID == "" {
				continue
			}
			if _, seen := responses[fr.FunctionResponse.ID]; seen {
				continue
			}
			if s, ok := fr.FunctionResponse.Response.(string); ok {
				responses[fr.FunctionResponse.ID] = s
			} else {
				responses[fr.FunctionResponse.ID] = fmt.Sprintf("%v", fr.FunctionResponse.Response)
			}
			order = append(order, fr.FunctionResponse.ID)
		}
	}
	return responses, order
}

func contentText(c core.Content) string {
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(core.TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

func assistantToolCalls(c core.Content) ([]openai.ChatCompletionMessageToolCallParam, []string) {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	var callIDs []string
	for _, p := range c.Parts {
		fc, ok := p.(core.FunctionCallPart)
		if !ok {
			continue
		}
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   fc.FunctionCall.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.FunctionCall.Name,
				Arguments: fc.FunctionCall.Arguments,
			},
		})
		if fc.FunctionCall.ID != "" {
			callIDs = append(callIDs, fc.FunctionCall.ID)
		}
	}
	return toolCalls, callIDs
}

func (m *Model) generateOnce(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("no choices returned")
		return
	}

	choice := resp.Choices[0]
	parts := make([]core.Part, 0, len(choice.Message.ToolCalls)+1)
	if choice.Message.Content != "" {
		parts = append(parts, core.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}

	out <- model.Response{
		ID:           resp.ID,
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: choice.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// aggCall accumulates streamed tool call deltas until the finish reason
// arrives and the complete function call can be reconstructed.
type aggCall struct{ id, name, args string }

func (m *Model) generateStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)

	var text strings.Builder
	agg := map[int64]*aggCall{}

	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				out <- model.Response{
					Partial: true,
					Content: core.TextContent("assistant", choice.Delta.Content),
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				ac, ok := agg[tc.Index]
				if !ok {
					ac = &aggCall{}
					agg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				out <- finalStreamResponse(&text, agg, choice.FinishReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

func finalStreamResponse(text *strings.Builder, agg map[int64]*aggCall, finishReason string) model.Response {
	parts := make([]core.Part, 0, len(agg)+1)
	if text.Len() > 0 {
		parts = append(parts, core.TextPart{Text: text.String()})
	}
	for _, ac := range agg {
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        ac.id,
			Name:      ac.name,
			Arguments: ac.args,
		}})
	}
	return model.Response{
		Partial:      false,
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finishReason,
	}
}
