package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"golang.org/x/sync/singleflight"
)

// entry is the bookkeeping record the Manager keeps per session key.
type entry struct {
	agent        core.Agent
	agentType    string
	created      time.Time
	lastActivity time.Time
}

// SessionStatus is the inspection snapshot for one managed agent session.
type SessionStatus struct {
	SessionID    string        `json:"session_id"`
	AgentType    string        `json:"agent_type"`
	AgentName    string        `json:"agent_name"`
	Created      time.Time     `json:"created"`
	LastActivity time.Time     `json:"last_activity"`
	IdleFor      time.Duration `json:"idle_for"`
}

// HealthStatus aggregates manager-wide health for monitoring endpoints.
type HealthStatus struct {
	TotalSessions int           `json:"total_sessions"`
	AverageIdle   time.Duration `json:"average_idle"`
	MaxIdle       time.Duration `json:"max_idle"`
	Healthy       bool          `json:"healthy"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// MaxIdle is the idle threshold the health verdict compares against. It
	// does not trigger eviction by itself; CleanupExpiredSessions does that.
	MaxIdle time.Duration
	Logger  logging.Logger
}

// Manager owns the session-to-agent bindings. Creation is single-flight per
// session key: N concurrent first requests for the same key invoke the
// factory exactly once and all receive the same instance. A factory failure
// leaves no partial registration behind.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group

	maxIdle time.Duration
	logger  logging.Logger
}

// NewManager constructs an empty Manager.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		MaxIdle: time.Hour,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Manager{
		entries: make(map[string]*entry),
		maxIdle: opts.MaxIdle,
		logger:  opts.Logger,
	}
}

// GetOrCreateSessionAgent returns the agent bound to sessionID, invoking
// factory when none exists yet. Repeated lookups bump the session's activity
// timestamp.
func (m *Manager) GetOrCreateSessionAgent(ctx context.Context, sessionID string, factory core.AgentFactory) (core.Agent, error) {
	if a, ok := m.lookup(sessionID); ok {
		return a, nil
	}

	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		// A racing caller may have completed registration between the fast
		// path and this closure.
		if a, ok := m.lookup(sessionID); ok {
			return a, nil
		}

		a, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("agent factory for session %s: %w", sessionID, err)
		}

		now := time.Now()
		m.mu.Lock()
		m.entries[sessionID] = &entry{
			agent:        a,
			agentType:    a.Name(),
			created:      now,
			lastActivity: now,
		}
		m.mu.Unlock()

		m.logger.Info("agent.session.created", "session_id", sessionID, "agent_type", a.Name())
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(core.Agent), nil
}

// GetSessionAgent returns the agent bound to sessionID, or nil when none is.
func (m *Manager) GetSessionAgent(sessionID string) core.Agent {
	a, _ := m.lookup(sessionID)
	return a
}

// Touch bumps the activity timestamp of a session without returning its agent.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		e.lastActivity = time.Now()
	}
	m.mu.Unlock()
}

// CleanupSession runs the agent's cleanup hook and drops the bookkeeping.
// Cleaning up an unknown session is a no-op returning false. Cleanup hook
// errors are logged; the bookkeeping is removed regardless so a broken agent
// cannot pin its slot forever.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if ok {
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	if err := e.agent.Cleanup(ctx); err != nil {
		m.logger.Warn("agent.session.cleanup.error", "session_id", sessionID, "error", err.Error())
	}

	m.logger.Info("agent.session.cleaned", "session_id", sessionID, "agent_type", e.agentType)
	return true
}

// GetSessionStatus returns the status snapshot for one session, or nil when
// the session is unknown.
func (m *Manager) GetSessionStatus(sessionID string) *SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	return &SessionStatus{
		SessionID:    sessionID,
		AgentType:    e.agentType,
		AgentName:    e.agent.Name(),
		Created:      e.created,
		LastActivity: e.lastActivity,
		IdleFor:      time.Since(e.lastActivity),
	}
}

// ListActiveSessions returns all managed session ids, sorted for determinism.
func (m *Manager) ListActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetHealthStatus reports aggregate idle statistics. The manager is judged
// unhealthy when the most idle session exceeds twice the configured MaxIdle,
// which indicates the expiry sweep is not running.
func (m *Manager) GetHealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hs := HealthStatus{
		TotalSessions: len(m.entries),
		Healthy:       true,
	}
	if len(m.entries) == 0 {
		return hs
	}

	var total time.Duration
	now := time.Now()
	for _, e := range m.entries {
		idle := now.Sub(e.lastActivity)
		total += idle
		if idle > hs.MaxIdle {
			hs.MaxIdle = idle
		}
	}
	hs.AverageIdle = total / time.Duration(len(m.entries))
	hs.Healthy = hs.MaxIdle <= 2*m.maxIdle
	return hs
}

// CleanupExpiredSessions evicts every session idle for longer than maxIdle
// and returns the evicted ids. Individual cleanup failures do not abort the
// sweep.
func (m *Manager) CleanupExpiredSessions(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.RLock()
	var expired []string
	for id, e := range m.entries {
		if e.lastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(expired)

	evicted := make([]string, 0, len(expired))
	for _, id := range expired {
		if m.CleanupSession(ctx, id) {
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		m.logger.Info("agent.sweep.complete", "evicted", len(evicted))
	}
	return evicted
}

// LastActivity exposes the activity timestamp used by external idle checks.
// The second result is false for unknown sessions.
func (m *Manager) LastActivity(sessionID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastActivity, true
}

func (m *Manager) lookup(sessionID string) (core.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, false
	}
	e.lastActivity = time.Now()
	return e.agent, true
}
