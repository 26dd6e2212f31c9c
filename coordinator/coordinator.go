// Package coordinator implements the orchestration core binding chat sessions
// to agents and runners: create, reuse, agent-switch migration with
// conversation-history carryover, idle eviction, and cleanup that respects
// runners shared across chat sessions.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/runner"
	"github.com/hupe1980/agentrelay/session"
)

// Options configures a Coordinator. Timeouts are passed explicitly rather
// than read from ambient configuration so behavior stays deterministic.
type Options struct {
	RunnerIdleTimeout time.Duration
	AgentIdleTimeout  time.Duration
	Logger            logging.Logger
}

// Coordinator drives the per-chat-session binding state machine. Coordination
// calls for the same chat session are serialized through a per-key lock;
// unrelated sessions proceed independently.
type Coordinator struct {
	registry *session.Registry
	runners  *runner.Manager
	agents   *agent.Manager

	runnerIdleTimeout time.Duration
	agentIdleTimeout  time.Duration
	logger            logging.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is a reference-counted per-chat-session mutex. The map entry is
// dropped once the last holder releases, so the lock table does not grow with
// the number of sessions ever seen.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New constructs a Coordinator over the given collaborators.
func New(registry *session.Registry, runners *runner.Manager, agents *agent.Manager, optFns ...func(o *Options)) *Coordinator {
	defaults := config.Default()
	opts := Options{
		RunnerIdleTimeout: defaults.RunnerIdleTimeout,
		AgentIdleTimeout:  defaults.AgentIdleTimeout,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Coordinator{
		registry:          registry,
		runners:           runners,
		agents:            agents,
		runnerIdleTimeout: opts.RunnerIdleTimeout,
		agentIdleTimeout:  opts.AgentIdleTimeout,
		logger:            opts.Logger,
		locks:             make(map[string]*sessionLock),
	}
}

// AgentKey is the agent-manager session key for one (chat session, agent)
// binding. Switching agents binds a fresh key so the old instance ages out
// through the idle sweep.
func AgentKey(chatSessionID, agentID string) string {
	return chatSessionID + "/" + agentID
}

// Coordinate resolves the binding for one chat session and target agent:
//
//  1. no binding        -> create runner session and bind
//  2. same agent, live  -> reuse unchanged
//  3. same agent, stale -> recreate as if unbound
//  4. different agent   -> migrate history into a fresh binding, then release
//     the old runner session
//
// Coordination on a cleared chat session fails fast with *session.ClearedError;
// callers must call RecoverSession first. Factory errors bubble unchanged.
func (c *Coordinator) Coordinate(
	ctx context.Context,
	chatSessionID, targetAgentID, userID string,
	factory core.AgentFactory,
) (session.ChatSessionInfo, error) {
	release := c.lockSession(chatSessionID)
	defer release()

	start := time.Now()

	info, err := c.registry.GetOrCreate(chatSessionID, userID)
	if err != nil {
		return session.ChatSessionInfo{}, err
	}

	ag, err := c.agents.GetOrCreateSessionAgent(ctx, AgentKey(chatSessionID, targetAgentID), factory)
	if err != nil {
		return session.ChatSessionInfo{}, err
	}

	if info.Bound() {
		if info.ActiveAgentID == targetAgentID {
			if c.bindingLive(info) {
				c.runners.Touch(info.ActiveRunnerID)
				c.logCoordination(chatSessionID, targetAgentID, info.ActiveRunnerID, "reused", start)
				return info, nil
			}
			// Runner or session vanished out-of-band (idle eviction or a
			// recovered clear); rebuild, restoring staged history if any.
			c.logger.Warn("coordinator.binding.stale",
				"chat_session_id", chatSessionID,
				"runner_id", info.ActiveRunnerID,
				"runner_session_id", info.ActiveSessionID,
			)
			return c.bind(ctx, chatSessionID, targetAgentID, userID, ag, c.registry.TakeArchivedHistory(chatSessionID), start)
		}

		// Agent switch: carry the conversation across.
		history := c.extractHistory(ctx, info)
		bound, err := c.bind(ctx, chatSessionID, targetAgentID, userID, ag, history, start)
		if err != nil {
			return session.ChatSessionInfo{}, err
		}
		c.runners.RemoveSession(info.ActiveRunnerID, info.ActiveSessionID)
		return bound, nil
	}

	history := c.registry.TakeArchivedHistory(chatSessionID)
	return c.bind(ctx, chatSessionID, targetAgentID, userID, ag, history, start)
}

// bind creates a runner session for the target agent, seeds migrated history
// into it, and atomically updates the registry binding.
func (c *Coordinator) bind(
	ctx context.Context,
	chatSessionID, agentID, userID string,
	ag core.Agent,
	history []core.HistoryEntry,
	start time.Time,
) (session.ChatSessionInfo, error) {
	runnerID, err := c.runners.GetRunnerForAgent(ctx, agentID, ag)
	if err != nil {
		return session.ChatSessionInfo{}, err
	}

	runnerSessionID, err := c.runners.CreateSession(runnerID, userID, "")
	if err != nil {
		return session.ChatSessionInfo{}, err
	}

	if len(history) > 0 {
		c.injectHistory(ctx, runnerID, runnerSessionID, history)
	}

	if err := c.registry.Rebind(chatSessionID, agentID, runnerID, runnerSessionID); err != nil {
		c.runners.RemoveSession(runnerID, runnerSessionID)
		return session.ChatSessionInfo{}, err
	}

	info, _ := c.registry.Get(chatSessionID)
	c.logCoordination(chatSessionID, agentID, runnerID, "bound", start)
	return info, nil
}

// bindingLive checks the runner manager's bookkeeping for the recorded pair.
func (c *Coordinator) bindingLive(info session.ChatSessionInfo) bool {
	runnerID, ok := c.runners.RunnerBySession(info.ActiveSessionID)
	return ok && runnerID == info.ActiveRunnerID
}

// extractHistory pulls the prior conversation out of the currently bound
// runner session. Best effort: any failure is logged and yields empty history
// rather than failing the coordination.
//
// Lookup order: the canonical history key, then any state value that is
// message-shaped (keys visited in sorted order, first match wins), then the
// session's recorded conversational events.
func (c *Coordinator) extractHistory(ctx context.Context, info session.ChatSessionInfo) []core.HistoryEntry {
	r, ok := c.runners.Runner(info.ActiveRunnerID)
	if !ok {
		return nil
	}
	accessor, ok := r.(core.HistoryAccessor)
	if !ok {
		c.logger.Debug("coordinator.history.unsupported", "runner_id", info.ActiveRunnerID)
		return nil
	}

	state, err := accessor.SessionState(ctx, info.ActiveSessionID)
	if err != nil {
		c.logger.Warn("coordinator.history.extract.failed",
			"chat_session_id", info.ChatSessionID,
			"runner_session_id", info.ActiveSessionID,
			"error", err.Error(),
		)
		return nil
	}

	if entries := core.CoerceHistoryEntries(state[core.StateKeyConversationHistory]); len(entries) > 0 {
		return entries
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		if k == core.StateKeyConversationHistory {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if entries := core.CoerceHistoryEntries(state[k]); len(entries) > 0 {
			c.logger.Debug("coordinator.history.extracted", "state_key", k, "entries", len(entries))
			return entries
		}
	}

	events, err := accessor.SessionEvents(ctx, info.ActiveSessionID)
	if err != nil {
		c.logger.Warn("coordinator.history.extract.failed",
			"chat_session_id", info.ChatSessionID,
			"runner_session_id", info.ActiveSessionID,
			"error", err.Error(),
		)
		return nil
	}
	return historyFromEvents(events)
}

// injectHistory seeds extracted entries into a fresh runner session under the
// canonical key, before the session serves its first turn. Failures are
// logged and non-fatal.
func (c *Coordinator) injectHistory(ctx context.Context, runnerID, runnerSessionID string, history []core.HistoryEntry) {
	r, ok := c.runners.Runner(runnerID)
	if !ok {
		return
	}
	accessor, ok := r.(core.HistoryAccessor)
	if !ok {
		return
	}
	err := accessor.SeedSessionState(ctx, runnerSessionID, map[string]any{
		core.StateKeyConversationHistory: history,
	})
	if err != nil {
		c.logger.Warn("coordinator.history.inject.failed",
			"runner_id", runnerID,
			"runner_session_id", runnerSessionID,
			"error", err.Error(),
		)
		return
	}
	c.logger.Info("coordinator.history.migrated",
		"runner_id", runnerID,
		"runner_session_id", runnerSessionID,
		"entries", len(history),
	)
}

// EvaluateRunnerAgentIdle applies the idle policy to one (runner, agent
// session) pair. A runner is evicted only when it backs zero live sessions
// and has been idle past the runner threshold; liveness always wins over
// timers. The agent session is evicted once idle past the agent threshold.
func (c *Coordinator) EvaluateRunnerAgentIdle(ctx context.Context, runnerID, agentSessionKey string) (runnerEvicted, agentEvicted bool) {
	now := time.Now()

	if last, ok := c.runners.LastActivity(runnerID); ok {
		if c.runners.SessionCount(runnerID) == 0 && now.Sub(last) > c.runnerIdleTimeout {
			runnerEvicted = c.runners.CleanupRunner(ctx, runnerID)
		}
	}

	if last, ok := c.agents.LastActivity(agentSessionKey); ok {
		if now.Sub(last) > c.agentIdleTimeout {
			agentEvicted = c.agents.CleanupSession(ctx, agentSessionKey)
		}
	}

	if runnerEvicted || agentEvicted {
		c.logger.Info("coordinator.idle.evicted",
			"runner_id", runnerID,
			"agent_session_key", agentSessionKey,
			"runner_evicted", runnerEvicted,
			"agent_evicted", agentEvicted,
		)
	}
	return runnerEvicted, agentEvicted
}

// SweepIdle evaluates the idle policy for every bound chat session. Errors on
// one binding never abort the sweep of the others.
func (c *Coordinator) SweepIdle(ctx context.Context) {
	for _, info := range c.registry.List() {
		if !info.Bound() {
			continue
		}
		c.EvaluateRunnerAgentIdle(ctx, info.ActiveRunnerID, AgentKey(info.ChatSessionID, info.ActiveAgentID))
	}
}

// CleanupChatSession tears down one chat session: its history is archived for
// later recovery, its runner session detached, its runner destroyed only when
// no other chat session still uses it, its agent binding cleaned, and the id
// marked cleared. Returns false for unknown sessions.
func (c *Coordinator) CleanupChatSession(ctx context.Context, chatSessionID string) bool {
	release := c.lockSession(chatSessionID)
	defer release()

	info, ok := c.registry.Get(chatSessionID)
	if !ok {
		return false
	}

	if info.Bound() {
		if history := c.extractHistory(ctx, info); len(history) > 0 {
			c.registry.ArchiveHistory(chatSessionID, history)
		}

		c.runners.RemoveSession(info.ActiveRunnerID, info.ActiveSessionID)
		if c.runners.SessionCount(info.ActiveRunnerID) == 0 {
			c.runners.CleanupRunner(ctx, info.ActiveRunnerID)
		}
		c.agents.CleanupSession(ctx, AgentKey(chatSessionID, info.ActiveAgentID))
	}

	c.registry.MarkCleared(chatSessionID)
	c.logger.Info("coordinator.session.cleared", "chat_session_id", chatSessionID)
	return true
}

// RecoverSession removes a chat session from the cleared set so it can be
// coordinated again. Archived history, when present, is migrated into the
// next binding.
func (c *Coordinator) RecoverSession(chatSessionID string) {
	c.registry.Recover(chatSessionID)
}

// lockSession serializes coordination per chat session and returns the
// release func. Acquisition bumps a reference count so a concurrent holder
// and a waiter share one mutex; release drops the map entry when nobody else
// references it.
func (c *Coordinator) lockSession(chatSessionID string) func() {
	c.mu.Lock()
	lock, ok := c.locks[chatSessionID]
	if !ok {
		lock = &sessionLock{}
		c.locks[chatSessionID] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, chatSessionID)
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) logCoordination(chatSessionID, agentID, runnerID, outcome string, start time.Time) {
	if rl, ok := c.logger.(*logging.RelayLogger); ok {
		rl.LogCoordination(chatSessionID, agentID, runnerID, outcome, time.Since(start))
		return
	}
	c.logger.Info("coordinator.coordinate",
		"chat_session_id", chatSessionID,
		"agent_id", agentID,
		"runner_id", runnerID,
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func historyFromEvents(events []core.Event) []core.HistoryEntry {
	var out []core.HistoryEntry
	for _, ev := range events {
		if ev.Content == nil || ev.IsPartial() {
			continue
		}
		role := ev.Content.Role
		if role != "user" && role != "assistant" {
			continue
		}
		text := ev.Content.Text()
		if text == "" {
			continue
		}
		out = append(out, core.HistoryEntry{Role: role, Author: ev.Author, Content: text})
	}
	return out
}
