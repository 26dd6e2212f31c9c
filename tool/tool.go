// Package tool implements the function / tool calling subsystem: structured
// capabilities agents can invoke with schema validated arguments, consistent
// error handling, and an execution path that routes approval-gated tools
// through the broker before anything runs.
package tool

import (
	"fmt"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
)

// Tool defines the interface for extending agent capabilities with external
// functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if used concurrently
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]interface{}

	// RequiresApproval reports whether invocations of this tool must pass the
	// approval broker before execution. Tools returning false never produce a
	// proposal chunk and execute immediately.
	RequiresApproval() bool

	// Call executes the tool with structured arguments and ToolContext.
	// Arguments are parsed from JSON and validated against the tool's schema.
	Call(toolCtx *core.ToolContext, args map[string]interface{}) (interface{}, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes attached to ToolError for uniform downstream handling.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
	CodeApprovalDenied  = "APPROVAL_DENIED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string      `json:"tool"`              // Name of the tool that failed
	Message string      `json:"message"`           // Error message
	Code    string      `json:"code"`              // Error code for categorization
	Details interface{} `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
