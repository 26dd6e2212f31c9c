package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/approval"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/memory"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/tool"
)

// ModelCapable is the agent contract ModelRunner executes against: identity
// plus the model, instructions and tool surface driving each turn.
type ModelCapable interface {
	core.Agent

	Model() model.Model
	Instructions() string
	ToolRegistry() map[string]tool.Tool
	ToolDefinitions() []model.ToolDefinition
}

// ModelRunnerOptions holds dependency and configuration overrides for
// NewModelRunner.
type ModelRunnerOptions struct {
	EventBufferSize  int
	MaxModelCalls    int
	MaxParallelTools int
	EnableStreaming  bool
	SessionStore     core.SessionStore
	MemoryStore      core.MemoryStore
	Broker           *approval.Broker
	Logger           logging.Logger
}

// ModelRunner is the default core.Runner: it drives a model-backed agent
// through the generate/execute-tools loop of one conversational turn,
// streaming events as they are produced and persisting non-partial events to
// its session store. Public methods are safe for concurrent use.
type ModelRunner struct {
	agent ModelCapable

	eventBufferSize int
	maxModelCalls   int
	enableStreaming bool

	store       core.SessionStore
	memoryStore core.MemoryStore
	executor    *tool.Executor
	logger      logging.Logger

	mu          sync.Mutex
	activeTasks map[string]context.CancelFunc
	closed      bool
}

// NewModelRunner constructs a runner for one agent with optional overrides.
func NewModelRunner(agent ModelCapable, optFns ...func(o *ModelRunnerOptions)) *ModelRunner {
	defaults := config.Default()
	opts := ModelRunnerOptions{
		EventBufferSize:  defaults.EventBufferSize,
		MaxModelCalls:    defaults.MaxModelCalls,
		MaxParallelTools: defaults.MaxParallelTools,
		EnableStreaming:  true,
		SessionStore:     session.NewInMemoryStore(),
		MemoryStore:      memory.NewInMemoryStore(),
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	executor := tool.NewExecutor(
		agent.ToolRegistry(),
		opts.Broker,
		tool.ExecutorConfig{MaxParallel: opts.MaxParallelTools},
		opts.Logger,
	)

	return &ModelRunner{
		agent:           agent,
		eventBufferSize: opts.EventBufferSize,
		maxModelCalls:   opts.MaxModelCalls,
		enableStreaming: opts.EnableStreaming,
		store:           opts.SessionStore,
		memoryStore:     opts.MemoryStore,
		executor:        executor,
		logger:          opts.Logger,
	}
}

// ExecuteTurn implements core.Runner.
func (r *ModelRunner) ExecuteTurn(ctx context.Context, runnerSessionID string, userContent core.Content) (string, <-chan core.Event, <-chan error, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", nil, nil, fmt.Errorf("runner for agent %s is closed", r.agent.Name())
	}
	r.mu.Unlock()

	if _, err := r.store.Get(runnerSessionID); err != nil {
		return "", nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	taskID := core.NewID()

	userEvent := core.NewUserContentEvent(taskID, &userContent)
	if err := r.store.AppendEvent(runnerSessionID, userEvent); err != nil {
		return "", nil, nil, fmt.Errorf("failed to append user event: %w", err)
	}

	eventsCh := make(chan core.Event, r.eventBufferSize)
	errorsCh := make(chan error, 1)

	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.activeTasks == nil {
		r.activeTasks = make(map[string]context.CancelFunc)
	}
	r.activeTasks[taskID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			close(eventsCh)
			close(errorsCh)
			cancel()
			r.mu.Lock()
			delete(r.activeTasks, taskID)
			r.mu.Unlock()
		}()
		r.runTurn(taskCtx, taskID, runnerSessionID, eventsCh, errorsCh)
	}()

	return taskID, eventsCh, errorsCh, nil
}

// Cancel aborts a running task by id.
func (r *ModelRunner) Cancel(taskID string) error {
	r.mu.Lock()
	cancel, ok := r.activeTasks[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	cancel()
	return nil
}

// Close implements core.Runner: cancels active tasks and refuses new turns.
func (r *ModelRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	cancels := make([]context.CancelFunc, 0, len(r.activeTasks))
	for _, cancel := range r.activeTasks {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// SessionState implements core.HistoryAccessor.
func (r *ModelRunner) SessionState(ctx context.Context, runnerSessionID string) (map[string]any, error) {
	sess, err := r.store.Get(runnerSessionID)
	if err != nil {
		return nil, err
	}
	state := map[string]any{}
	for _, key := range sess.StateKeys() {
		if v, ok := sess.GetState(key); ok {
			state[key] = v
		}
	}
	return state, nil
}

// SessionEvents implements core.HistoryAccessor.
func (r *ModelRunner) SessionEvents(ctx context.Context, runnerSessionID string) ([]core.Event, error) {
	sess, err := r.store.Get(runnerSessionID)
	if err != nil {
		return nil, err
	}
	return sess.GetEvents(), nil
}

// SeedSessionState implements core.HistoryAccessor.
func (r *ModelRunner) SeedSessionState(ctx context.Context, runnerSessionID string, state map[string]any) error {
	return r.store.ApplyDelta(runnerSessionID, state)
}

// runTurn drives the generate / execute-tools loop until the model produces a
// final response without function calls or the call budget runs out. The
// session is re-read from the store before every model call so each request
// sees the user event and the tool responses appended so far.
func (r *ModelRunner) runTurn(
	ctx context.Context,
	taskID, runnerSessionID string,
	eventsCh chan<- core.Event,
	errorsCh chan<- error,
) {
	agentName := r.agent.Name()

	emit := func(ev core.Event) error {
		if len(ev.Actions.StateDelta) > 0 {
			if err := r.store.ApplyDelta(runnerSessionID, ev.Actions.StateDelta); err != nil {
				return fmt.Errorf("failed to apply state delta: %w", err)
			}
		}
		if !ev.IsPartial() {
			if err := r.store.AppendEvent(runnerSessionID, ev); err != nil {
				return fmt.Errorf("failed to append event: %w", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case eventsCh <- ev:
			return nil
		}
	}

	fail := func(code string, err error) {
		ev := core.NewErrorEvent(agentName, code, err.Error())
		ev.TaskID = taskID
		_ = emit(ev)
		select {
		case errorsCh <- err:
		default:
		}
	}

	for call := 0; call < r.maxModelCalls; call++ {
		sess, err := r.store.Get(runnerSessionID)
		if err != nil {
			fail("SESSION_ERROR", fmt.Errorf("failed to get session: %w", err))
			return
		}

		req := model.Request{
			Instructions: r.agent.Instructions(),
			Contents:     r.requestContents(sess),
			Tools:        r.agent.ToolDefinitions(),
			Stream:       r.enableStreaming,
		}

		final, err := r.generate(ctx, taskID, req, emit)
		if err != nil {
			fail("MODEL_ERROR", fmt.Errorf("model generation failed: %w", err))
			return
		}

		ev := core.NewEvent(taskID, agentName)
		content := final.Content
		ev.Content = &content

		fnCalls := ev.GetFunctionCalls()
		if len(fnCalls) == 0 {
			done := true
			ev.TurnComplete = &done
			if err := emit(ev); err != nil {
				return
			}
			r.logger.Debug("runner.turn.complete", "agent", agentName, "task_id", taskID, "model_calls", call+1)
			return
		}

		if err := emit(ev); err != nil {
			return
		}

		env := tool.ExecEnv{
			TaskID:          taskID,
			RunnerSessionID: runnerSessionID,
			AgentName:       agentName,
			Session:         sess,
			MemoryStore:     r.memoryStore,
		}
		r.executor.Execute(ctx, env, fnCalls, emit)

		if ctx.Err() != nil {
			return
		}
	}

	fail("MAX_MODEL_CALLS_EXCEEDED", fmt.Errorf("turn exceeded %d model calls", r.maxModelCalls))
}

// generate consumes one model invocation, forwarding partial chunks and
// returning the final response.
func (r *ModelRunner) generate(
	ctx context.Context,
	taskID string,
	req model.Request,
	emit func(core.Event) error,
) (model.Response, error) {
	respCh, errCh := r.agent.Model().Generate(ctx, req)

	var final *model.Response
	for resp := range respCh {
		if resp.Partial {
			ev := core.NewEvent(taskID, r.agent.Name())
			content := resp.Content
			ev.Content = &content
			partial := true
			ev.Partial = &partial
			if err := emit(ev); err != nil {
				return model.Response{}, err
			}
			continue
		}
		f := resp
		final = &f
	}

	if err := <-errCh; err != nil {
		return model.Response{}, err
	}
	if final == nil {
		return model.Response{}, fmt.Errorf("model closed stream without final response")
	}
	return *final, nil
}

// requestContents assembles the model input: migrated history seeded into the
// session state comes first, followed by the session's own conversation
// events.
func (r *ModelRunner) requestContents(sess *core.Session) []core.Content {
	var contents []core.Content

	if raw, ok := sess.GetState(core.StateKeyConversationHistory); ok {
		for _, entry := range core.CoerceHistoryEntries(raw) {
			role := entry.Role
			if role == "" {
				role = "user"
			}
			contents = append(contents, core.TextContent(role, entry.Content))
		}
	}

	for _, ev := range sess.GetConversationHistory() {
		contents = append(contents, *ev.Content)
	}
	return contents
}
