package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// ErrSessionCleared is the sentinel matched by errors.Is for cleared-session
// rejections. The concrete error is *ClearedError carrying the session id.
var ErrSessionCleared = errors.New("chat session cleared")

// ClearedError reports an attempt to use a chat session that was explicitly
// evicted. Callers must Recover the session before reuse; retrying without
// recovery will keep failing.
type ClearedError struct {
	ChatSessionID string
}

// Error implements the error interface.
func (e *ClearedError) Error() string {
	return fmt.Sprintf("chat session %s has been cleared; recover it before reuse", e.ChatSessionID)
}

// Unwrap lets errors.Is(err, ErrSessionCleared) succeed.
func (e *ClearedError) Unwrap() error { return ErrSessionCleared }

// ChatSessionInfo is the authoritative record of one logical chat session.
// The Active* fields describe the current binding and change together via
// Rebind; at most one live (runner id, runner session id) pair exists per
// chat session at any time.
type ChatSessionInfo struct {
	ChatSessionID   string    `json:"chat_session_id"`
	UserID          string    `json:"user_id"`
	ActiveAgentID   string    `json:"active_agent_id,omitempty"`
	ActiveRunnerID  string    `json:"active_runner_id,omitempty"`
	ActiveSessionID string    `json:"active_session_id,omitempty"` // runner-internal session handle
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
}

// Bound reports whether the session currently has an active binding.
func (i ChatSessionInfo) Bound() bool { return i.ActiveRunnerID != "" && i.ActiveSessionID != "" }

// Registry is the in-memory chat session registry. Records are never
// physically deleted; eviction marks the id cleared so audit and inspection
// can still see the last-known state. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ChatSessionInfo
	cleared  map[string]struct{}
	archived map[string][]core.HistoryEntry

	// archive is the optional durable sink for cleared-session history.
	archive core.MemoryStore
	logger  logging.Logger
}

// RegistryOptions holds optional collaborators for a Registry.
type RegistryOptions struct {
	// Archive receives cleared-session history for durable storage. Nil keeps
	// archival in memory only.
	Archive core.MemoryStore
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// NewRegistry constructs an empty chat session registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Registry{
		sessions: make(map[string]*ChatSessionInfo),
		cleared:  make(map[string]struct{}),
		archived: make(map[string][]core.HistoryEntry),
		archive:  opts.Archive,
		logger:   opts.Logger,
	}
}

// GetOrCreate returns the existing record for chatSessionID or creates a new
// blank one. It fails with *ClearedError when the id has been cleared.
func (r *Registry) GetOrCreate(chatSessionID, userID string) (ChatSessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, cleared := r.cleared[chatSessionID]; cleared {
		return ChatSessionInfo{}, &ClearedError{ChatSessionID: chatSessionID}
	}

	if info, ok := r.sessions[chatSessionID]; ok {
		return *info, nil
	}

	now := time.Now()
	info := &ChatSessionInfo{ChatSessionID: chatSessionID, UserID: userID, Created: now, Updated: now}
	r.sessions[chatSessionID] = info

	r.logger.Debug("registry.session.created", "chat_session_id", chatSessionID, "user_id", userID)

	return *info, nil
}

// Get returns the last-known record for chatSessionID, including cleared
// sessions (inspection only).
func (r *Registry) Get(chatSessionID string) (ChatSessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[chatSessionID]
	if !ok {
		return ChatSessionInfo{}, false
	}
	return *info, true
}

// IsCleared reports whether chatSessionID is in the cleared set.
func (r *Registry) IsCleared(chatSessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, cleared := r.cleared[chatSessionID]
	return cleared
}

// Rebind atomically updates the active binding fields of a chat session.
func (r *Registry) Rebind(chatSessionID, agentID, runnerID, runnerSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[chatSessionID]
	if !ok {
		return fmt.Errorf("chat session %s not found", chatSessionID)
	}

	info.ActiveAgentID = agentID
	info.ActiveRunnerID = runnerID
	info.ActiveSessionID = runnerSessionID
	info.Updated = time.Now()

	r.logger.Debug("registry.session.rebound",
		"chat_session_id", chatSessionID,
		"agent_id", agentID,
		"runner_id", runnerID,
		"runner_session_id", runnerSessionID,
	)

	return nil
}

// MarkCleared adds the id to the cleared set. The record is kept so the
// last-known binding remains inspectable.
func (r *Registry) MarkCleared(chatSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared[chatSessionID] = struct{}{}
	r.logger.Info("registry.session.cleared", "chat_session_id", chatSessionID)
}

// Recover removes the id from the cleared set. Archived history (if any)
// stays staged and is handed to the next binding via TakeArchivedHistory.
func (r *Registry) Recover(chatSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cleared, chatSessionID)
	r.logger.Info("registry.session.recovered", "chat_session_id", chatSessionID)
}

// ArchiveHistory stages extracted conversation history for a chat session so
// recovery can restore it, and forwards it to the durable archive when one is
// configured. Archive write failures are logged, never propagated: archival
// is best-effort.
func (r *Registry) ArchiveHistory(chatSessionID string, entries []core.HistoryEntry) {
	r.mu.Lock()
	r.archived[chatSessionID] = entries
	r.mu.Unlock()

	if r.archive == nil || len(entries) == 0 {
		return
	}
	for _, entry := range entries {
		if err := r.archive.Store(chatSessionID, entry.Content, map[string]any{"role": entry.Role, "author": entry.Author}); err != nil {
			r.logger.Warn("registry.archive.store_failed", "chat_session_id", chatSessionID, "error", err.Error())
			return
		}
	}
}

// TakeArchivedHistory removes and returns staged history for a chat session.
// Returns nil when nothing is staged.
func (r *Registry) TakeArchivedHistory(chatSessionID string) []core.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.archived[chatSessionID]
	if !ok {
		return nil
	}
	delete(r.archived, chatSessionID)
	return entries
}

// List returns a snapshot of all known chat session records.
func (r *Registry) List() []ChatSessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChatSessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, *info)
	}
	return out
}
