package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/approval"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// ExecEnv carries the per-turn execution scope an Executor needs: identities
// for correlation, the session snapshot tools may read, and the shared memory
// service.
type ExecEnv struct {
	TaskID          string
	RunnerSessionID string
	AgentName       string
	Session         *core.Session
	MemoryStore     core.MemoryStore
}

// ExecutorConfig configures the batch executor.
type ExecutorConfig struct {
	MaxParallel    int  // 0 or <1 => no explicit limit (len(fnCalls))
	PreserveOrder  bool // if true, buffer results and emit in original order
	LogStartEvents bool // log a start line per function
}

// Executor executes a batch of function/tool calls, possibly in parallel, and
// emits function response events through the provided emit callback.
// Approval-gated tools are routed through the broker first: a proposal chunk
// is registered and emitted, then execution blocks until a decision arrives;
// denied decisions produce an APPROVAL_DENIED response event instead of
// running the tool. The executor:
//   - Respects ctx cancellation
//   - Never panics (recovers internally and emits error responses)
//   - Emits exactly one FunctionResponse event per incoming FunctionCall
//   - Applies ToolContext accumulated state deltas to emitted events
type Executor struct {
	registry map[string]Tool
	broker   *approval.Broker
	cfg      ExecutorConfig
	logger   logging.Logger
}

// NewExecutor constructs an executor over the given tool registry. broker may
// be nil, in which case every tool executes ungated.
func NewExecutor(registry map[string]Tool, broker *approval.Broker, cfg ExecutorConfig, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Executor{registry: registry, broker: broker, cfg: cfg, logger: logger}
}

// Execute runs all function calls of one batch and emits their responses.
func (e *Executor) Execute(
	ctx context.Context,
	env ExecEnv,
	fnCalls []core.FunctionCall,
	emit func(core.Event) error,
) {
	n := len(fnCalls)
	if n == 0 {
		return
	}

	// Fast path: single call, execute inline.
	if n == 1 {
		e.executeSingle(ctx, env, fnCalls[0], emit)
		return
	}

	maxPar := e.cfg.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	results := make([]core.Event, n) // used only if PreserveOrder
	var mu sync.Mutex                // protects unordered emit & results writes
	var wg sync.WaitGroup

	sem := make(chan struct{}, maxPar)

	batchStart := time.Now()
	for i := range fnCalls {
		if ctx.Err() != nil { // pre-check cancellation
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, fc core.FunctionCall) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			safeEmit := func(ev core.Event) error {
				mu.Lock()
				defer mu.Unlock()
				return emit(ev)
			}

			respEv := e.runOne(ctx, env, fc, safeEmit)

			if e.cfg.PreserveOrder {
				mu.Lock()
				results[idx] = respEv
				mu.Unlock()
				return
			}
			if err := safeEmit(respEv); err != nil {
				e.logger.Error("tool.executor.emit.error", "function", fc.Name, "error", err.Error())
			}
		}(i, fnCalls[i])
	}

	wg.Wait()

	if e.cfg.PreserveOrder {
		for i := 0; i < n; i++ {
			ev := results[i]
			if ev.ID == "" {
				continue
			}
			if err := emit(ev); err != nil {
				e.logger.Error("tool.executor.emit.error", "function", fnCalls[i].Name, "error", err.Error())
			}
		}
	}

	e.logger.Debug("tool.executor.batch.complete",
		"agent", env.AgentName,
		"count", n,
		"parallelism", maxPar,
		"preserve_order", e.cfg.PreserveOrder,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)
}

func (e *Executor) executeSingle(
	ctx context.Context,
	env ExecEnv,
	fc core.FunctionCall,
	emit func(core.Event) error,
) {
	respEv := e.runOne(ctx, env, fc, emit)
	if err := emit(respEv); err != nil {
		e.logger.Error("tool.executor.emit.error", "function", fc.Name, "error", err.Error())
	}
}

// runOne executes one function call end to end (approval gate, invocation,
// panic recovery) and returns the response event to emit. The emit callback
// is used only for the intermediate proposal chunk of gated tools.
func (e *Executor) runOne(ctx context.Context, env ExecEnv, fc core.FunctionCall, emit func(core.Event) error) core.Event {
	impl, registered := e.registry[fc.Name]

	if registered && impl.RequiresApproval() && e.broker != nil {
		decision, err := e.gate(ctx, env, fc, emit)
		if err != nil {
			return finishEvent(env, fc, nil, fmt.Errorf("approval wait aborted: %w", err))
		}
		if !decision.Approved {
			e.logger.Info("tool.executor.denied", "function", fc.Name, "reason", decision.Reason)
			return finishEvent(env, fc, nil, NewToolError(fc.Name, decision.Reason, CodeApprovalDenied))
		}
	}

	toolCtx := core.NewToolContext(ctx, env.TaskID, env.RunnerSessionID, fc.ID, env.AgentName, env.Session, env.MemoryStore, e.logger)
	if e.cfg.LogStartEvents {
		e.logger.Info("tool.executor.start", "agent", env.AgentName, "function", fc.Name, "function_call_id", fc.ID)
	}

	execStart := time.Now()
	var (
		result any
		err    error
	)
	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
				e.logger.Error("tool.executor.panic", "agent", env.AgentName, "function", fc.Name, "recover", r)
			}
		}()
		result, err = e.executeTool(toolCtx, fc.Name, fc.Arguments)
	}()

	e.logger.Info("tool.executor.executed",
		"agent", env.AgentName,
		"function", fc.Name,
		"duration_ms", time.Since(execStart).Milliseconds(),
		"error", err != nil,
	)

	respEv := finishEvent(env, fc, result, err)
	toolCtx.ApplyActions(&respEv)
	return respEv
}

// gate registers the tool-call proposal with the broker, forwards the
// proposal chunk downstream so clients can surface it, and blocks until the
// interaction resolves. Registration happens synchronously at the emission
// point so the waiter can never outrun the tap.
func (e *Executor) gate(ctx context.Context, env ExecEnv, fc core.FunctionCall, emit func(core.Event) error) (approval.Decision, error) {
	proposal := core.NewApprovalRequestEvent(env.AgentName, approval.InteractionID(fc), fc)
	proposal.TaskID = env.TaskID
	proposal.CustomMetadata = map[string]string{"task_id": env.TaskID}

	e.broker.OnChunk(proposal)

	if err := emit(proposal); err != nil {
		e.logger.Error("tool.executor.proposal.emit.error", "function", fc.Name, "error", err.Error())
	}

	return e.broker.WaitForToolApproval(ctx, fc.Name, fc.Arguments)
}

// executeTool centralizes tool lookup & execution against the registry.
func (e *Executor) executeTool(toolCtx *core.ToolContext, toolName, args string) (any, error) {
	impl, ok := e.registry[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %s not found", toolName)
	}

	var argMap map[string]any
	if args == "" {
		argMap = map[string]any{}
	} else if err := json.Unmarshal([]byte(args), &argMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}

	return impl.Call(toolCtx, argMap)
}

func finishEvent(env ExecEnv, fc core.FunctionCall, result any, err error) core.Event {
	ev := core.NewFunctionResponseEvent(env.AgentName, fc.ID, fc.Name, result, err)
	ev.TaskID = env.TaskID
	return ev
}

// panicError converts a recovered panic value to an error without pulling
// external dependencies.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return "panic recovered" }
