package tool

import (
	"context"
	"testing"

	"github.com/hupe1980/agentrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToolContext(t *testing.T) *core.ToolContext {
	t.Helper()
	sess := core.NewSession("sess-1")
	return core.NewToolContext(context.Background(), "task-1", "sess-1", "call-1", "agent", sess, nil, nil)
}

func TestFunctionTool_Call(t *testing.T) {
	sum := NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)

	assert.Equal(t, "calculate_sum", sum.Name())
	assert.False(t, sum.RequiresApproval())

	result, err := sum.Call(testToolContext(t), map[string]any{"a": 1.5, "b": 2.5})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	echo := NewFunctionTool(
		"echo",
		"Echo input",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"msg": map[string]any{"type": "string"}},
			"required":   []string{"msg"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	)

	_, err := echo.Call(testToolContext(t), map[string]any{})
	require.Error(t, err)

	toolErr, ok := err.(*ToolError)
	require.True(t, ok)
	assert.Equal(t, CodeValidationError, toolErr.Code)
}

func TestFunctionTool_ExecutionErrorWrapped(t *testing.T) {
	failing := NewFunctionTool(
		"fail",
		"Always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			return nil, assert.AnError
		},
	)

	_, err := failing.Call(testToolContext(t), map[string]any{})
	require.Error(t, err)

	toolErr, ok := err.(*ToolError)
	require.True(t, ok)
	assert.Equal(t, CodeExecutionError, toolErr.Code)
}

func TestFunctionTool_WithApproval(t *testing.T) {
	gated := NewFunctionTool(
		"dangerous",
		"Needs sign-off",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(tc *core.ToolContext, args map[string]any) (any, error) { return "ok", nil },
		WithApproval(),
	)
	assert.True(t, gated.RequiresApproval())
}

func TestNewFunctionToolFromStruct(t *testing.T) {
	type params struct {
		City  string `json:"city" description:"City name"`
		Limit *int   `json:"limit,omitempty"`
	}

	weather := NewFunctionToolFromStruct(
		"weather",
		"Look up weather",
		params{},
		func(tc *core.ToolContext, args map[string]any) (any, error) { return "sunny", nil },
	)

	schema := weather.Parameters()
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "limit")

	required, ok := schema["required"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"city"}, required)
}
