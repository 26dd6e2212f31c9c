// Package session owns the authoritative record of logical chat sessions: who
// owns each conversation, which agent and runner currently serve it, and
// whether it has been cleared. It also ships an in-memory core.SessionStore
// for the runner-internal sessions a runner multiplexes.
//
// A cleared chat session is a tombstone, not a deletion: fetch-or-create
// against a cleared id fails with ErrSessionCleared until an explicit Recover,
// preventing stale callers from silently starting a fresh conversation under
// an id they believe still has history.
package session
