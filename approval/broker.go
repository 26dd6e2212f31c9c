package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// BrokerAuthor is the author name stamped on synthetic events the broker
// injects into the outgoing channel (timeout / cancellation notifications).
const BrokerAuthor = "approval_broker"

// Decision is the payload delivered to the single waiter of an interaction.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// PendingInteraction is the inspection snapshot of one outstanding tool-call
// approval request. ExpiresAt lets a client render a countdown.
type PendingInteraction struct {
	InteractionID string            `json:"interaction_id"`
	ToolName      string            `json:"tool_name"`
	Arguments     string            `json:"arguments"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// pending is the broker-internal state of one interaction. The decision
// channel is buffered size 1 and written exactly once, guarded by resolved.
type pending struct {
	snapshot   PendingInteraction
	decisionCh chan Decision
	timer      *time.Timer
	resolved   bool
	claimed    bool
}

// Options configures a Broker.
type Options struct {
	// Timeout bounds each interaction's wait for a decision.
	Timeout time.Duration
	// Fallback decides the automatic resolution on timeout or Finalize.
	Fallback config.FallbackPolicy
	// Notify receives synthetic events for auto-resolved interactions. Nil
	// disables notifications. Sends are non-blocking; a full channel drops
	// the notification with a warning.
	Notify chan<- core.Event
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Broker tracks pending tool-call interactions for one live task stream.
// Multiple interactions may be pending simultaneously; each is independently
// resolvable and a resolution is delivered exactly once to the single waiter
// blocked on it.
type Broker struct {
	mu        sync.Mutex
	pending   map[string]*pending
	order     []string            // registration order, for deterministic matching
	unclaimed map[string]*pending // resolved before any waiter claimed them

	timeout  time.Duration
	fallback config.FallbackPolicy
	notify   chan<- core.Event
	logger   logging.Logger
}

// NewBroker constructs a broker with the given overrides. Defaults come from
// config.Default().
func NewBroker(optFns ...func(o *Options)) *Broker {
	defaults := config.Default()
	opts := Options{
		Timeout:  defaults.ApprovalTimeout,
		Fallback: defaults.ApprovalFallback,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Broker{
		pending:   make(map[string]*pending),
		unclaimed: make(map[string]*pending),
		timeout:   opts.Timeout,
		fallback:  opts.Fallback,
		notify:    opts.Notify,
		logger:    opts.Logger,
	}
}

// InteractionID derives the stable id for a tool-call proposal: the function
// call id when present, otherwise a deterministic digest of name + arguments.
func InteractionID(fc core.FunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	sum := sha256.Sum256([]byte(fc.Name + "\x00" + fc.Arguments))
	return hex.EncodeToString(sum[:8])
}

// OnChunk inspects an outgoing stream event. Tool-call proposals that require
// approval are registered as pending interactions with an expiry computed
// from the broker timeout. Other events pass through untouched; re-observing
// an already registered interaction is a no-op.
func (b *Broker) OnChunk(ev core.Event) {
	if !ev.RequiresApproval() {
		return
	}

	for _, fc := range ev.GetFunctionCalls() {
		id := InteractionID(fc)
		if ev.Actions.ApprovalID != nil && *ev.Actions.ApprovalID != "" && len(ev.GetFunctionCalls()) == 1 {
			id = *ev.Actions.ApprovalID
		}
		b.register(id, fc, ev.CustomMetadata)
	}
}

func (b *Broker) register(id string, fc core.FunctionCall, metadata map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[id]; exists {
		return
	}

	now := time.Now()
	p := &pending{
		snapshot: PendingInteraction{
			InteractionID: id,
			ToolName:      fc.Name,
			Arguments:     fc.Arguments,
			CreatedAt:     now,
			ExpiresAt:     now.Add(b.timeout),
			Metadata:      metadata,
		},
		decisionCh: make(chan Decision, 1),
	}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })

	b.pending[id] = p
	b.order = append(b.order, id)

	b.logger.Info("approval.interaction.registered",
		"interaction_id", id,
		"tool_name", fc.Name,
		"expires_at", p.snapshot.ExpiresAt,
	)
}

// WaitForToolApproval blocks until the pending interaction matching the given
// tool name and arguments is resolved, then returns the decision. A decision
// delivered before the waiter arrived (Resolve or expiry winning the race
// against the executor's wait) is picked up from the unclaimed set, never
// lost. When no matching interaction was ever registered the call is treated
// as unconditionally approved (fail-open; see package documentation). Exactly
// one waiter may claim each interaction.
func (b *Broker) WaitForToolApproval(ctx context.Context, toolName, arguments string) (Decision, error) {
	b.mu.Lock()
	var match *pending
	for _, id := range b.order {
		p, ok := b.pending[id]
		if !ok || p.resolved || p.claimed {
			continue
		}
		if p.snapshot.ToolName == toolName && p.snapshot.Arguments == arguments {
			match = p
			break
		}
	}

	if match == nil {
		for id, p := range b.unclaimed {
			if p.snapshot.ToolName == toolName && p.snapshot.Arguments == arguments {
				delete(b.unclaimed, id)
				b.mu.Unlock()
				d := <-p.decisionCh // buffered, written at resolution
				b.logger.Debug("approval.wait.resolved", "interaction_id", id, "approved", d.Approved)
				return d, nil
			}
		}
		b.mu.Unlock()
		b.logger.Warn("approval.fail_open",
			"tool_name", toolName,
			"detail", "no pending interaction registered for tool call; approving by policy",
		)
		return Decision{Approved: true, Reason: "no pending interaction; fail-open policy"}, nil
	}

	match.claimed = true
	ch := match.decisionCh
	id := match.snapshot.InteractionID
	b.mu.Unlock()

	select {
	case d := <-ch:
		b.logger.Debug("approval.wait.resolved", "interaction_id", id, "approved", d.Approved)
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers an out-of-band decision for a pending interaction. It
// returns false (no-op) when the interaction is unknown, already resolved, or
// already timed out.
func (b *Broker) Resolve(interactionID string, d Decision) bool {
	b.mu.Lock()
	p, ok := b.pending[interactionID]
	if !ok || p.resolved {
		b.mu.Unlock()
		return false
	}
	b.resolveLocked(p, d)
	b.mu.Unlock()

	b.logger.Info("approval.interaction.resolved",
		"interaction_id", interactionID,
		"approved", d.Approved,
		"timed_out", false,
	)

	return true
}

// expire auto-resolves a pending interaction whose timeout elapsed, applying
// the fallback policy and emitting exactly one notification on the outgoing
// channel.
func (b *Broker) expire(interactionID string) {
	b.mu.Lock()
	p, ok := b.pending[interactionID]
	if !ok || p.resolved {
		b.mu.Unlock()
		return
	}
	d := b.fallbackDecision("approval timed out")
	b.resolveLocked(p, d)
	snap := p.snapshot
	b.mu.Unlock()

	b.logger.Info("approval.interaction.timeout",
		"interaction_id", interactionID,
		"tool_name", snap.ToolName,
		"approved", d.Approved,
	)

	b.sendNotification(snap, "APPROVAL_TIMEOUT", d)
}

// Finalize is called at broker teardown: any still-pending interactions are
// resolved according to the fallback policy, each producing one notification.
func (b *Broker) Finalize() {
	d := b.fallbackDecision("stream finalized before decision")
	for _, snap := range b.resolveAll(d, "") {
		b.logger.Info("approval.interaction.finalized",
			"interaction_id", snap.InteractionID,
			"tool_name", snap.ToolName,
			"approved", d.Approved,
		)
		b.sendNotification(snap, "APPROVAL_CANCELLED", d)
	}
}

// FinalizeTask resolves, per the fallback policy, every interaction still
// pending for one task (matched via the "task_id" metadata stamped by the
// executor). The synthetic resolution events are returned to the caller for
// delivery on that task's own stream instead of the shared Notify channel, so
// tearing down one stream never disturbs interactions of concurrent tasks.
func (b *Broker) FinalizeTask(taskID string) []core.Event {
	if taskID == "" {
		return nil
	}

	d := b.fallbackDecision("task stream closed before decision")
	resolved := b.resolveAll(d, taskID)

	events := make([]core.Event, 0, len(resolved))
	for _, snap := range resolved {
		b.logger.Info("approval.interaction.finalized",
			"interaction_id", snap.InteractionID,
			"tool_name", snap.ToolName,
			"task_id", taskID,
			"approved", d.Approved,
		)
		events = append(events, b.notificationEvent(snap, "APPROVAL_CANCELLED", d))
	}
	return events
}

// resolveAll resolves every unresolved interaction (optionally filtered by
// task id) and returns the affected snapshots in registration order.
func (b *Broker) resolveAll(d Decision, taskID string) []PendingInteraction {
	b.mu.Lock()
	defer b.mu.Unlock()

	order := append([]string(nil), b.order...) // resolveLocked splices b.order
	var resolved []PendingInteraction
	for _, id := range order {
		p, ok := b.pending[id]
		if !ok || p.resolved {
			continue
		}
		if taskID != "" && p.snapshot.Metadata["task_id"] != taskID {
			continue
		}
		b.resolveLocked(p, d)
		resolved = append(resolved, p.snapshot)
	}
	return resolved
}

// ListPendingInteractions returns a snapshot of outstanding interactions in
// registration order.
func (b *Broker) ListPendingInteractions() []PendingInteraction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingInteraction, 0, len(b.pending))
	for _, id := range b.order {
		if p, ok := b.pending[id]; ok && !p.resolved {
			out = append(out, p.snapshot)
		}
	}
	return out
}

// PendingCount returns the number of unresolved interactions.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// resolveLocked marks an interaction resolved, delivers the decision and
// drops the bookkeeping entry. Entries resolved before any waiter claimed
// them are parked in the unclaimed set so the decision survives until the
// executor's wait arrives. Caller holds b.mu; the resolved guard makes
// delivery exactly-once.
func (b *Broker) resolveLocked(p *pending, d Decision) {
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.decisionCh <- d // buffered size 1, single write by construction

	delete(b.pending, p.snapshot.InteractionID)
	for i, id := range b.order {
		if id == p.snapshot.InteractionID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	if !p.claimed {
		b.unclaimed[p.snapshot.InteractionID] = p
	}
}

func (b *Broker) fallbackDecision(reason string) Decision {
	if b.fallback == config.FallbackAutoApprove {
		return Decision{Approved: true, Reason: reason + "; auto-approved by fallback policy"}
	}
	return Decision{Approved: false, Reason: reason + "; denied by fallback policy"}
}

// notificationEvent builds the synthetic resolution event for an
// auto-resolved interaction. Snapshot metadata (including the task id stamped
// by the executor) is carried along so consumers can route the event to the
// right stream.
func (b *Broker) notificationEvent(snap PendingInteraction, code string, d Decision) core.Event {
	ev := core.NewErrorEvent(BrokerAuthor, code, fmt.Sprintf("tool %s: %s", snap.ToolName, d.Reason))
	ev.CustomMetadata = map[string]string{
		"interaction_id": snap.InteractionID,
		"tool_name":      snap.ToolName,
		"approved":       fmt.Sprintf("%t", d.Approved),
	}
	for k, v := range snap.Metadata {
		if _, taken := ev.CustomMetadata[k]; !taken {
			ev.CustomMetadata[k] = v
		}
	}
	return ev
}

// sendNotification injects a synthetic resolution event onto the outgoing
// channel. Sends never block the broker; a saturated channel drops the
// notification with a warning.
func (b *Broker) sendNotification(snap PendingInteraction, code string, d Decision) {
	if b.notify == nil {
		return
	}

	ev := b.notificationEvent(snap, code, d)

	select {
	case b.notify <- ev:
	default:
		b.logger.Warn("approval.notification.dropped", "interaction_id", snap.InteractionID)
	}
}
