package core

import "context"

// Runner is the opaque runtime capability the coordination layer binds chat
// sessions to. A single runner may back multiple runner sessions
// (multi-tenant); each runner session belongs to exactly one runner.
//
// Semantics & Guarantees:
//   - Event Ordering: events emitted within a single task are delivered in
//     the order produced by the underlying execution pipeline.
//   - Channel Lifecycle: the returned events channel is closed after the task
//     completes (success, error, or cancellation). The error channel carries
//     at most one terminal error then closes (buffered size 1).
//   - Cancellation: context cancellation stops further event emission.
type Runner interface {
	// ExecuteTurn runs one conversational turn inside the given runner
	// session. It returns:
	//   taskID   - stable identifier for tracking
	//   eventsCh - ordered stream of events (closed on completion)
	//   errorsCh - terminal error channel (size 1, closed after send/none)
	// The immediate error return covers startup failures (e.g. session load).
	ExecuteTurn(ctx context.Context, runnerSessionID string, userContent Content) (string, <-chan Event, <-chan error, error)

	// Close releases the runner's underlying resources. It must be safe to
	// call once all runner sessions have been detached.
	Close(ctx context.Context) error
}

// HistoryAccessor is the optional runner capability used during agent-switch
// migration: reading a runner session's state and events, and seeding a fresh
// session's state before its first turn. Runners that do not implement it
// migrate with empty history.
type HistoryAccessor interface {
	// SessionState returns a snapshot of the session's state map.
	SessionState(ctx context.Context, runnerSessionID string) (map[string]any, error)

	// SessionEvents returns the session's recorded events in order.
	SessionEvents(ctx context.Context, runnerSessionID string) ([]Event, error)

	// SeedSessionState merges the given entries into the session's state.
	SeedSessionState(ctx context.Context, runnerSessionID string, state map[string]any) error
}

// Agent is a configured conversational entity (persona/tools/model). The
// coordination layer treats it as opaque: it only needs identity and a
// cleanup hook; execution happens through the Runner bound to it.
type Agent interface {
	Name() string
	Description() string
	Cleanup(ctx context.Context) error
}

// RunnerFactory creates the runtime instance backing an agent. Creation may
// be slow and fallible; callers wrap it with their own deadline if needed and
// are responsible for retry policy.
type RunnerFactory func(ctx context.Context, agentID string, agent Agent) (Runner, error)

// AgentFactory is a caller-supplied closure producing a configured Agent.
// Invoked at most once per session key even under concurrent callers.
type AgentFactory func(ctx context.Context) (Agent, error)
