// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer RelayLogger with contextual
// helpers (chat session, task, component) and domain specific helpers for
// tool calls, approval decisions and coordination outcomes.
package logging
