package core

import (
	"time"

	"github.com/google/uuid"
)

// EventActions encodes side-effects or coordination signals attached to an
// Event. All fields are optional pointers / maps so absence can be
// distinguished from zero values.
type EventActions struct {
	StateDelta       map[string]any `json:"state_delta,omitempty"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
	ApprovalID       *string        `json:"approval_id,omitempty"`
}

// Event is the unit of communication between runners, the coordination layer
// and clients consuming a live task stream. After emission an event should be
// treated as immutable. It carries:
//   - Correlation (TaskID, ID, Author)
//   - Conversational content (optional role-based Parts)
//   - Coordination directives (Actions, including approval gating)
//   - Error / interruption metadata
//
// Content may be nil for control or error-only events.
type Event struct {
	ID             string            `json:"id"`
	TaskID         string            `json:"task_id"`
	Author         string            `json:"author"`
	Actions        EventActions      `json:"actions"`
	Timestamp      time.Time         `json:"timestamp"`
	Content        *Content          `json:"content,omitempty"`
	Partial        *bool             `json:"partial,omitempty"`
	TurnComplete   *bool             `json:"turn_complete,omitempty"`
	ErrorCode      *string           `json:"error_code,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

// NewEvent creates a bare event authored by 'author' bound to a task.
func NewEvent(taskID, author string) Event {
	return Event{
		ID:        NewID(),
		TaskID:    taskID,
		Author:    author,
		Timestamp: time.Now().UTC(),
		Actions:   EventActions{},
	}
}

// NewMessageEvent creates an assistant-style message event with a single text part.
func NewMessageEvent(author, message string) Event {
	e := NewEvent("", author)
	e.Content = &Content{Role: "assistant", Parts: []Part{TextPart{Text: message}}}
	return e
}

// NewUserMessageEvent creates a user-authored text message event.
func NewUserMessageEvent(taskID, message string) Event {
	e := NewEvent(taskID, "user")
	e.Content = &Content{Role: "user", Parts: []Part{TextPart{Text: message}}}
	return e
}

// NewUserContentEvent creates a user-authored event with arbitrary Content.
func NewUserContentEvent(taskID string, content *Content) Event {
	e := NewEvent(taskID, "user")
	e.Content = content
	return e
}

// NewFunctionCallEvent represents an agent requesting execution of a named
// function/tool.
func NewFunctionCallEvent(author, functionName, args string) Event {
	e := NewEvent("", author)
	e.Content = &Content{
		Role: "assistant",
		Parts: []Part{
			FunctionCallPart{
				FunctionCall: FunctionCall{Name: functionName, Arguments: args},
			},
		},
	}
	return e
}

// NewFunctionResponseEvent records the completion result (or error) of a
// tool/function invocation. If err is non-nil its message is copied into the
// response.Error field.
func NewFunctionResponseEvent(author, id, functionName string, result interface{}, err error) Event {
	e := NewEvent("", author)
	fr := FunctionResponse{ID: id, Name: functionName, Response: result}
	if err != nil {
		fr.Error = err.Error()
	}
	e.Content = &Content{Role: "tool", Parts: []Part{FunctionResponsePart{FunctionResponse: fr}}}
	return e
}

// NewApprovalRequestEvent emits a tool-call proposal that requires an
// out-of-band approval decision before execution. The approvalID keys the
// pending interaction registered by the broker observing the stream.
func NewApprovalRequestEvent(author, approvalID string, fc FunctionCall) Event {
	e := NewEvent("", author)
	t := true
	e.Actions.RequiresApproval = &t
	e.Actions.ApprovalID = &approvalID
	e.Content = &Content{
		Role:  "assistant",
		Parts: []Part{FunctionCallPart{FunctionCall: fc}},
	}
	return e
}

// NewErrorEvent creates a control event carrying an error code and message.
func NewErrorEvent(author, code, message string) Event {
	e := NewEvent("", author)
	e.ErrorCode = &code
	e.ErrorMessage = &message
	return e
}

// NewID generates a new UUID-based unique identifier used for events, tasks,
// runners and interactions.
func NewID() string { return uuid.NewString() }

// IsPartial reports whether this event represents a streaming fragment that
// will be followed by additional events composing the final assistant turn.
func (e Event) IsPartial() bool { return e.Partial != nil && *e.Partial }

// RequiresApproval reports whether this event is a tool-call proposal gated on
// an out-of-band decision.
func (e Event) RequiresApproval() bool {
	return e.Actions.RequiresApproval != nil && *e.Actions.RequiresApproval
}

// GetFunctionCalls returns any FunctionCall parts contained within the event
// content preserving their original order.
func (e Event) GetFunctionCalls() []FunctionCall {
	if e.Content == nil {
		return nil
	}
	var calls []FunctionCall
	for _, p := range e.Content.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// GetFunctionResponses returns any FunctionResponse parts contained within the
// event content preserving their original order.
func (e Event) GetFunctionResponses() []FunctionResponse {
	if e.Content == nil {
		return nil
	}
	var responses []FunctionResponse
	for _, p := range e.Content.Parts {
		if fr, ok := p.(FunctionResponsePart); ok {
			responses = append(responses, fr.FunctionResponse)
		}
	}
	return responses
}

// IsFinalResponse implements the heuristic used by higher layers to decide
// when an assistant turn is complete (no pending tool calls/responses, not a
// partial fragment).
func (e Event) IsFinalResponse() bool {
	return len(e.GetFunctionCalls()) == 0 &&
		len(e.GetFunctionResponses()) == 0 &&
		!e.IsPartial() &&
		!e.RequiresApproval()
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
