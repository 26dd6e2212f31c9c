// Package runner provides the runtime layer that executes agent turns and
// the Manager that owns runner lifecycle: agent-to-runner mappings with
// single-flight creation, per-runner session bookkeeping, and destruction
// that refuses to tear down a runner still serving sessions.
package runner
