package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"golang.org/x/sync/singleflight"
)

// runnerContext is the Manager's bookkeeping record for one live runner. A
// runner may back multiple runner sessions; each session belongs to exactly
// one runner.
type runnerContext struct {
	runnerID string
	agentID  string
	runner   core.Runner

	sessions       map[string]time.Time // runnerSessionID -> created
	sessionUserIDs map[string]string    // runnerSessionID -> userID

	created      time.Time
	lastActivity time.Time
}

// Info is the inspection snapshot of one runner.
type Info struct {
	RunnerID     string    `json:"runner_id"`
	AgentID      string    `json:"agent_id"`
	SessionCount int       `json:"session_count"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// IdleTimeout is the advisory idle threshold for runners. The Manager
	// never enforces it itself; the coordinator's sweep reads it.
	IdleTimeout time.Duration
	Logger      logging.Logger
}

// Manager owns agent-to-runner mappings and per-runner session bookkeeping.
// Runner creation is the only slow/fallible path and is single-flight per
// agent id: concurrent callers requesting a runner for the same unbound agent
// trigger exactly one factory invocation.
type Manager struct {
	mu            sync.RWMutex
	runners       map[string]*runnerContext
	agentRunners  map[string]string // agentID -> runnerID
	sessionRunner map[string]string // runnerSessionID -> runnerID
	group         singleflight.Group

	factory     core.RunnerFactory
	idleTimeout time.Duration
	logger      logging.Logger
}

// NewManager constructs a Manager around the given runner factory.
func NewManager(factory core.RunnerFactory, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		IdleTimeout: config.Default().RunnerIdleTimeout,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Manager{
		runners:       make(map[string]*runnerContext),
		agentRunners:  make(map[string]string),
		sessionRunner: make(map[string]string),
		factory:       factory,
		idleTimeout:   opts.IdleTimeout,
		logger:        opts.Logger,
	}
}

// IdleTimeout returns the advisory idle threshold configured for runners.
func (m *Manager) IdleTimeout() time.Duration { return m.idleTimeout }

// GetRunnerForAgent returns the runner id mapped to agentID, creating the
// runner via the factory when no mapping exists. A factory failure leaves no
// mapping behind.
func (m *Manager) GetRunnerForAgent(ctx context.Context, agentID string, agent core.Agent) (string, error) {
	m.mu.RLock()
	if runnerID, ok := m.agentRunners[agentID]; ok {
		m.mu.RUnlock()
		m.Touch(runnerID)
		return runnerID, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(agentID, func() (any, error) {
		m.mu.RLock()
		if runnerID, ok := m.agentRunners[agentID]; ok {
			m.mu.RUnlock()
			return runnerID, nil
		}
		m.mu.RUnlock()

		r, err := m.factory(ctx, agentID, agent)
		if err != nil {
			return "", fmt.Errorf("runner factory for agent %s: %w", agentID, err)
		}

		runnerID := "runner-" + core.NewID()
		now := time.Now()

		m.mu.Lock()
		m.runners[runnerID] = &runnerContext{
			runnerID:       runnerID,
			agentID:        agentID,
			runner:         r,
			sessions:       make(map[string]time.Time),
			sessionUserIDs: make(map[string]string),
			created:        now,
			lastActivity:   now,
		}
		m.agentRunners[agentID] = runnerID
		m.mu.Unlock()

		m.logger.Info("runner.created", "runner_id", runnerID, "agent_id", agentID)
		return runnerID, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Runner returns the runtime handle for a runner id.
func (m *Manager) Runner(runnerID string) (core.Runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.runners[runnerID]
	if !ok {
		return nil, false
	}
	return rc.runner, true
}

// CreateSession registers a new runner session inside an existing runner and
// records the user association. When externalSessionID is non-empty it is
// used as the session id, otherwise one is generated.
func (m *Manager) CreateSession(runnerID, userID, externalSessionID string) (string, error) {
	sessionID := externalSessionID
	if sessionID == "" {
		sessionID = "sess-" + core.NewID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rc, ok := m.runners[runnerID]
	if !ok {
		return "", fmt.Errorf("runner %s not found", runnerID)
	}
	if owner, bound := m.sessionRunner[sessionID]; bound {
		return "", fmt.Errorf("session %s already bound to runner %s", sessionID, owner)
	}

	now := time.Now()
	rc.sessions[sessionID] = now
	rc.sessionUserIDs[sessionID] = userID
	rc.lastActivity = now
	m.sessionRunner[sessionID] = runnerID

	m.logger.Debug("runner.session.created", "runner_id", runnerID, "session_id", sessionID, "user_id", userID)
	return sessionID, nil
}

// RunnerBySession resolves the runner id backing a runner session.
func (m *Manager) RunnerBySession(runnerSessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runnerID, ok := m.sessionRunner[runnerSessionID]
	return runnerID, ok
}

// SessionUserID returns the user id recorded for a runner session.
func (m *Manager) SessionUserID(runnerSessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runnerID, ok := m.sessionRunner[runnerSessionID]
	if !ok {
		return "", false
	}
	rc, ok := m.runners[runnerID]
	if !ok {
		return "", false
	}
	userID, ok := rc.sessionUserIDs[runnerSessionID]
	return userID, ok
}

// RemoveSession detaches one session from a runner without destroying the
// runner. Returns false when the runner or session is unknown.
func (m *Manager) RemoveSession(runnerID, runnerSessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc, ok := m.runners[runnerID]
	if !ok {
		return false
	}
	if _, ok := rc.sessions[runnerSessionID]; !ok {
		return false
	}

	delete(rc.sessions, runnerSessionID)
	delete(rc.sessionUserIDs, runnerSessionID)
	delete(m.sessionRunner, runnerSessionID)
	rc.lastActivity = time.Now()

	m.logger.Debug("runner.session.removed", "runner_id", runnerID, "session_id", runnerSessionID, "remaining", len(rc.sessions))
	return true
}

// CleanupRunner destroys a runner's underlying resource and drops all
// bookkeeping. It refuses while the runner still has sessions; callers must
// detach them first. Returns true only when the runner was actually
// destroyed.
func (m *Manager) CleanupRunner(ctx context.Context, runnerID string) bool {
	m.mu.Lock()
	rc, ok := m.runners[runnerID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if len(rc.sessions) > 0 {
		m.mu.Unlock()
		m.logger.Warn("runner.cleanup.refused", "runner_id", runnerID, "live_sessions", len(rc.sessions))
		return false
	}
	delete(m.runners, runnerID)
	if m.agentRunners[rc.agentID] == runnerID {
		delete(m.agentRunners, rc.agentID)
	}
	m.mu.Unlock()

	if err := rc.runner.Close(ctx); err != nil {
		m.logger.Warn("runner.cleanup.close.error", "runner_id", runnerID, "error", err.Error())
	}

	m.logger.Info("runner.destroyed", "runner_id", runnerID, "agent_id", rc.agentID)
	return true
}

// SessionCount returns the number of live sessions in a runner. Unknown
// runners count zero.
func (m *Manager) SessionCount(runnerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.runners[runnerID]
	if !ok {
		return 0
	}
	return len(rc.sessions)
}

// Touch bumps a runner's activity timestamp.
func (m *Manager) Touch(runnerID string) {
	m.mu.Lock()
	if rc, ok := m.runners[runnerID]; ok {
		rc.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// LastActivity exposes the runner's activity timestamp for idle checks.
func (m *Manager) LastActivity(runnerID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.runners[runnerID]
	if !ok {
		return time.Time{}, false
	}
	return rc.lastActivity, true
}

// RunnerInfo returns the inspection snapshot for one runner.
func (m *Manager) RunnerInfo(runnerID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.runners[runnerID]
	if !ok {
		return Info{}, false
	}
	return Info{
		RunnerID:     rc.runnerID,
		AgentID:      rc.agentID,
		SessionCount: len(rc.sessions),
		Created:      rc.created,
		LastActivity: rc.lastActivity,
	}, true
}

// ListRunners returns all live runner ids, sorted for determinism.
func (m *Manager) ListRunners() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runners))
	for id := range m.runners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close destroys every runner regardless of idle state. Runners with live
// sessions have their sessions detached first; used at relay shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	contexts := make([]*runnerContext, 0, len(m.runners))
	for _, rc := range m.runners {
		contexts = append(contexts, rc)
		for sessionID := range rc.sessions {
			delete(m.sessionRunner, sessionID)
		}
		rc.sessions = make(map[string]time.Time)
		rc.sessionUserIDs = make(map[string]string)
	}
	m.runners = make(map[string]*runnerContext)
	m.agentRunners = make(map[string]string)
	m.mu.Unlock()

	for _, rc := range contexts {
		if err := rc.runner.Close(ctx); err != nil {
			m.logger.Warn("runner.close.error", "runner_id", rc.runnerID, "error", err.Error())
		}
	}
}
