package core

import (
	"sync"
	"time"
)

// StateKeyConversationHistory is the canonical state field under which
// migrated conversation history is stored. Extraction during an agent switch
// checks this key first; injection always writes it so future extractions are
// well-defined regardless of how the history originally arrived.
const StateKeyConversationHistory = "conversation_history"

// HistoryEntry is one migrated conversation turn in canonical form.
type HistoryEntry struct {
	Role    string `json:"role"`
	Author  string `json:"author,omitempty"`
	Content string `json:"content"`
}

// CoerceHistoryEntries converts a state value into canonical history entries.
// It accepts the canonical slice form as well as loosely typed variants that
// survive JSON round-trips (slices of maps keyed by role/author and
// content/text/message). Values that are not message-shaped yield nil.
func CoerceHistoryEntries(v any) []HistoryEntry {
	switch entries := v.(type) {
	case []HistoryEntry:
		return entries
	case []map[string]any:
		out := make([]HistoryEntry, 0, len(entries))
		for _, m := range entries {
			e, ok := historyEntryFromMap(m)
			if !ok {
				return nil
			}
			out = append(out, e)
		}
		return out
	case []any:
		out := make([]HistoryEntry, 0, len(entries))
		for _, item := range entries {
			switch it := item.(type) {
			case HistoryEntry:
				out = append(out, it)
			case map[string]any:
				e, ok := historyEntryFromMap(it)
				if !ok {
					return nil
				}
				out = append(out, e)
			default:
				return nil
			}
		}
		return out
	default:
		return nil
	}
}

func historyEntryFromMap(m map[string]any) (HistoryEntry, bool) {
	var e HistoryEntry
	if role, ok := m["role"].(string); ok {
		e.Role = role
	}
	if author, ok := m["author"].(string); ok {
		e.Author = author
		if e.Role == "" {
			e.Role = author
		}
	}
	for _, key := range []string{"content", "text", "message"} {
		if content, ok := m[key].(string); ok {
			e.Content = content
			break
		}
	}
	if (e.Role == "" && e.Author == "") || e.Content == "" {
		return HistoryEntry{}, false
	}
	return e, true
}

// Session is a runner-internal conversational container tracking mutable
// key/value state plus an ordered event history. It is safe for concurrent
// access.
//
// Contract:
//   - State mutations update the Updated timestamp
//   - GetEvents returns a copy; callers cannot mutate the stored slice
//   - GetConversationHistory filters events to user/assistant/tool roles and
//     excludes partial streaming fragments
//   - Clone performs deep copies of maps/slices for safe divergence.
type Session struct {
	ID       string            `json:"id"`
	State    map[string]any    `json:"state"`
	Events   []Event           `json:"events"`
	Created  time.Time         `json:"created"`
	Updated  time.Time         `json:"updated"`
	Metadata map[string]string `json:"metadata"`
	mu       sync.RWMutex
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{ID: id, State: map[string]any{}, Events: []Event{}, Created: now, Updated: now, Metadata: map[string]string{}}
}

// GetState returns the value and existence flag for a state key.
func (s *Session) GetState(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// SetState sets a key/value pair in session state updating the Updated timestamp.
func (s *Session) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State[key] = value
	s.Updated = time.Now()
}

// ApplyStateDelta merges the provided key/value pairs into State.
func (s *Session) ApplyStateDelta(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.State[k] = v
	}
	s.Updated = time.Now()
}

// StateKeys returns the session's state keys (unordered).
func (s *Session) StateKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.State))
	for k := range s.State {
		keys = append(keys, k)
	}
	return keys
}

// AddEvent appends an event to the history updating the Updated timestamp.
func (s *Session) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	s.Updated = time.Now()
}

// GetEvents returns a copy of the full event slice.
func (s *Session) GetEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, len(s.Events))
	copy(events, s.Events)
	return events
}

// GetConversationHistory returns filtered events suitable for providing
// conversational context (excludes partials and non-conversational roles).
func (s *Session) GetConversationHistory() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := map[string]bool{"user": true, "assistant": true, "tool": true}
	res := make([]Event, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.Content == nil || !allowed[ev.Content.Role] {
			continue
		}
		if ev.IsPartial() {
			continue
		}
		res = append(res, ev)
	}
	return res
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{ID: s.ID, State: make(map[string]any, len(s.State)), Events: make([]Event, len(s.Events)), Created: s.Created, Updated: s.Updated, Metadata: make(map[string]string, len(s.Metadata))}
	for k, v := range s.State {
		clone.State[k] = v
	}
	copy(clone.Events, s.Events)
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// SessionStore persists runner sessions and their evolving state / event history.
type SessionStore interface {
	Create(id string) (*Session, error)
	Get(id string) (*Session, error)
	AppendEvent(sessionID string, event Event) error
	ApplyDelta(sessionID string, delta map[string]any) error
	Delete(sessionID string) error
}

// SearchResult is one hit returned by a MemoryStore search.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryStore defines persistence + retrieval for conversational memory.
// Runner contexts hold a reference to a shared MemoryStore; the registry uses
// it as the optional durable archive for cleared-session history.
type MemoryStore interface {
	Get(sessionID string) (map[string]any, error)
	Put(sessionID string, delta map[string]any) error
	Search(sessionID string, query string, limit int) ([]SearchResult, error)
	Store(sessionID string, content string, metadata map[string]any) error
	Delete(sessionID string, memoryID string) error
}
