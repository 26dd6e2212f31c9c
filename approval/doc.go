// Package approval mediates human-in-the-loop tool execution during live
// streaming tasks. The broker observes outgoing stream chunks for tool-call
// proposals that require approval, registers them as pending interactions,
// and blocks the tool execution path until an out-of-band decision arrives or
// the per-interaction timeout resolves it via the configured fallback policy.
//
// Deliberate policy: a WaitForToolApproval call with no matching pending
// interaction fails open (unconditionally approved). Only tools flagged as
// requiring approval ever produce a proposal chunk, so an unmatched wait
// means the tool was never gated; failing open avoids deadlocking ungated
// tools. The branch is logged at Warn so deployments can audit it.
package approval
