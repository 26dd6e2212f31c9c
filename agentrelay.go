// Package agentrelay provides a high-level façade over the coordination core
// (chat-session registry, runner and agent managers, coordinator and approval
// broker) enabling multi-agent conversations with stable session identity.
// Most applications interact with this package by:
//  1. Creating a Relay via New() (optionally overriding defaults)
//  2. Registering one or more agent types (id + factory)
//  3. Submitting tasks asynchronously (SubmitStream) or synchronously (Submit)
//  4. Resolving tool-approval interactions surfaced on the event stream
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable memory store and a structured
// logger.
package agentrelay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/approval"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/coordinator"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/memory"
	"github.com/hupe1980/agentrelay/runner"
	"github.com/hupe1980/agentrelay/session"
)

// Options configures the Relay instance.
type Options struct {
	// Settings carries the coordination knobs (idle timeouts, approval
	// timeout and fallback, buffer sizes).
	Settings config.Settings

	// EnableStreaming determines whether model output is streamed as partial
	// events or delivered only as final chunks.
	EnableStreaming bool

	// MemoryStore backs tool memory access and the durable archive of
	// cleared-session history. Defaults to an in-memory implementation.
	MemoryStore core.MemoryStore

	// RunnerFactory overrides how runners are built for agents. The default
	// builds a ModelRunner and requires agents to satisfy runner.ModelCapable.
	RunnerFactory core.RunnerFactory

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// TaskRequest describes one conversational turn to coordinate and execute.
type TaskRequest struct {
	ChatSessionID string
	AgentID       string
	UserID        string
	Content       core.Content
}

// TaskStream is a live handle on an executing task.
type TaskStream struct {
	TaskID  string
	Binding session.ChatSessionInfo
	Events  <-chan core.Event
	Errors  <-chan error
}

// TaskResult is the drained form of a completed task.
type TaskResult struct {
	TaskID    string
	Binding   session.ChatSessionInfo
	Events    []core.Event
	FinalText string
}

// Relay aggregates the coordination core behind a small surface. All methods
// are safe for concurrent use.
type Relay struct {
	settings config.Settings
	logger   logging.Logger

	registry *session.Registry
	runners  *runner.Manager
	agents   *agent.Manager
	coord    *coordinator.Coordinator
	broker   *approval.Broker

	memoryStore     core.MemoryStore
	enableStreaming bool

	mu        sync.RWMutex
	factories map[string]core.AgentFactory
	streams   map[string]chan core.Event // taskID -> notification channel

	notify chan core.Event
	done   chan struct{}
	closed bool
}

// New creates a Relay with optional overrides.
func New(optFns ...func(o *Options)) *Relay {
	opts := Options{
		Settings:        config.Default(),
		EnableStreaming: true,
		MemoryStore:     memory.NewInMemoryStore(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	r := &Relay{
		settings:        opts.Settings,
		logger:          opts.Logger,
		memoryStore:     opts.MemoryStore,
		enableStreaming: opts.EnableStreaming,
		factories:       make(map[string]core.AgentFactory),
		streams:         make(map[string]chan core.Event),
		notify:          make(chan core.Event, opts.Settings.EventBufferSize),
		done:            make(chan struct{}),
	}

	r.registry = session.NewRegistry(func(o *session.RegistryOptions) {
		o.Archive = opts.MemoryStore
		o.Logger = opts.Logger
	})
	r.broker = approval.NewBroker(func(o *approval.Options) {
		o.Timeout = opts.Settings.ApprovalTimeout
		o.Fallback = opts.Settings.ApprovalFallback
		o.Notify = r.notify
		o.Logger = opts.Logger
	})

	factory := opts.RunnerFactory
	if factory == nil {
		factory = r.defaultRunnerFactory
	}

	r.runners = runner.NewManager(factory, func(o *runner.ManagerOptions) {
		o.IdleTimeout = opts.Settings.RunnerIdleTimeout
		o.Logger = opts.Logger
	})
	r.agents = agent.NewManager(func(o *agent.ManagerOptions) {
		o.MaxIdle = opts.Settings.AgentIdleTimeout
		o.Logger = opts.Logger
	})
	r.coord = coordinator.New(r.registry, r.runners, r.agents, func(o *coordinator.Options) {
		o.RunnerIdleTimeout = opts.Settings.RunnerIdleTimeout
		o.AgentIdleTimeout = opts.Settings.AgentIdleTimeout
		o.Logger = opts.Logger
	})

	go r.dispatchNotifications()

	return r
}

// RegisterAgentType makes an agent id submittable by binding it to a factory.
// Registering the same id twice replaces the factory for future bindings.
func (r *Relay) RegisterAgentType(agentID string, factory core.AgentFactory) {
	r.mu.Lock()
	r.factories[agentID] = factory
	r.mu.Unlock()
}

// RegisterModelAgent is a convenience wrapper registering a ready-built
// ModelAgent under its own name.
func (r *Relay) RegisterModelAgent(a *agent.ModelAgent) {
	r.RegisterAgentType(a.Name(), func(ctx context.Context) (core.Agent, error) {
		return a, nil
	})
}

// SubmitStream coordinates the chat-session binding for the request and
// executes one turn, returning a live stream. Broker notifications (approval
// timeouts, teardown cancellations) for this task are merged into the same
// event stream.
func (r *Relay) SubmitStream(ctx context.Context, req TaskRequest) (*TaskStream, error) {
	factory, err := r.factoryFor(req.AgentID)
	if err != nil {
		return nil, err
	}

	info, err := r.coord.Coordinate(ctx, req.ChatSessionID, req.AgentID, req.UserID, factory)
	if err != nil {
		return nil, err
	}

	rn, ok := r.runners.Runner(info.ActiveRunnerID)
	if !ok {
		return nil, fmt.Errorf("runner %s vanished after coordination", info.ActiveRunnerID)
	}

	taskID, eventsCh, errorsCh, err := rn.ExecuteTurn(ctx, info.ActiveSessionID, req.Content)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, r.settings.EventBufferSize)
	notifyCh := make(chan core.Event, 16)

	r.mu.Lock()
	r.streams[taskID] = notifyCh
	r.mu.Unlock()

	go r.pumpStream(ctx, taskID, eventsCh, notifyCh, out)

	return &TaskStream{
		TaskID:  taskID,
		Binding: info,
		Events:  out,
		Errors:  errorsCh,
	}, nil
}

// Submit executes one turn synchronously, draining the stream and returning
// the accumulated events plus the final assistant text.
func (r *Relay) Submit(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	stream, err := r.SubmitStream(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &TaskResult{TaskID: stream.TaskID, Binding: stream.Binding}
	var finalText strings.Builder

	for ev := range stream.Events {
		result.Events = append(result.Events, ev)
		if ev.Content != nil && ev.Content.Role == "assistant" && !ev.IsPartial() {
			if text := ev.Content.Text(); text != "" {
				finalText.Reset()
				finalText.WriteString(text)
			}
		}
	}
	result.FinalText = finalText.String()

	if err := <-stream.Errors; err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// ResolveInteraction delivers an out-of-band approval decision. Returns false
// when the interaction is unknown, already resolved, or timed out.
func (r *Relay) ResolveInteraction(interactionID string, approved bool, reason string) bool {
	return r.broker.Resolve(interactionID, approval.Decision{Approved: approved, Reason: reason})
}

// PendingInteractions snapshots the outstanding approval requests.
func (r *Relay) PendingInteractions() []approval.PendingInteraction {
	return r.broker.ListPendingInteractions()
}

// SessionInfo returns the current binding of a chat session.
func (r *Relay) SessionInfo(chatSessionID string) (session.ChatSessionInfo, bool) {
	return r.registry.Get(chatSessionID)
}

// ClearSession evicts a chat session: history is archived, resources released
// and the id marked cleared. Further submissions fail with
// *session.ClearedError until RecoverSession is called.
func (r *Relay) ClearSession(ctx context.Context, chatSessionID string) bool {
	return r.coord.CleanupChatSession(ctx, chatSessionID)
}

// RecoverSession un-clears a chat session so it can be coordinated again.
func (r *Relay) RecoverSession(chatSessionID string) {
	r.coord.RecoverSession(chatSessionID)
}

// SweepIdle applies the idle eviction policy across all bound sessions.
func (r *Relay) SweepIdle(ctx context.Context) {
	r.coord.SweepIdle(ctx)
	r.agents.CleanupExpiredSessions(ctx, r.settings.AgentIdleTimeout)
}

// Close finalizes pending approvals and destroys all runners. The relay must
// not be used afterwards.
func (r *Relay) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.broker.Finalize()
	r.runners.Close(ctx)
	close(r.done)
}

// defaultRunnerFactory builds a ModelRunner wired to the relay's broker,
// memory store and settings. Agents must satisfy runner.ModelCapable.
func (r *Relay) defaultRunnerFactory(ctx context.Context, agentID string, ag core.Agent) (core.Runner, error) {
	mc, ok := ag.(runner.ModelCapable)
	if !ok {
		return nil, fmt.Errorf("agent %s does not support model execution", agentID)
	}
	return runner.NewModelRunner(mc, func(o *runner.ModelRunnerOptions) {
		o.EventBufferSize = r.settings.EventBufferSize
		o.MaxModelCalls = r.settings.MaxModelCalls
		o.MaxParallelTools = r.settings.MaxParallelTools
		o.EnableStreaming = r.enableStreaming
		o.MemoryStore = r.memoryStore
		o.Broker = r.broker
		o.Logger = r.logger
	}), nil
}

func (r *Relay) factoryFor(agentID string) (core.AgentFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("relay is closed")
	}
	factory, ok := r.factories[agentID]
	if !ok {
		return nil, fmt.Errorf("agent type %s not registered", agentID)
	}
	return factory, nil
}

// pumpStream forwards runner events and routed broker notifications to the
// caller-facing channel, then finalizes the task's pending interactions at
// teardown so an abandoned stream cannot strand approval waiters. Sends give
// up when the submit context is cancelled or the relay shuts down, so a
// consumer that stops draining cannot pin the goroutine forever.
func (r *Relay) pumpStream(ctx context.Context, taskID string, eventsCh <-chan core.Event, notifyCh chan core.Event, out chan<- core.Event) {
	defer close(out)
	defer func() {
		// Resolve anything the task still has pending, then detach the route.
		r.broker.FinalizeTask(taskID)
		r.mu.Lock()
		delete(r.streams, taskID)
		r.mu.Unlock()
	}()

	send := func(ev core.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		}
	}

	for eventsCh != nil {
		select {
		case ev, ok := <-eventsCh:
			if !ok {
				eventsCh = nil
				continue
			}
			if !send(ev) {
				return
			}
		case nev := <-notifyCh:
			if !send(nev) {
				return
			}
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}

	for _, nev := range r.broker.FinalizeTask(taskID) {
		if !send(nev) {
			return
		}
	}

	// Forward notifications routed while finalizing.
	for {
		select {
		case nev := <-notifyCh:
			if !send(nev) {
				return
			}
		default:
			return
		}
	}
}

// dispatchNotifications routes broker notifications (approval timeouts) to
// the stream of the task that raised them. Notifications without a live
// stream are dropped with a warning.
func (r *Relay) dispatchNotifications() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.notify:
			taskID := ev.CustomMetadata["task_id"]
			r.mu.RLock()
			notifyCh, ok := r.streams[taskID]
			r.mu.RUnlock()
			if !ok {
				r.logger.Warn("relay.notification.unrouted", "interaction_id", ev.CustomMetadata["interaction_id"])
				continue
			}
			select {
			case notifyCh <- ev:
			default:
				r.logger.Warn("relay.notification.dropped", "task_id", taskID)
			}
		}
	}
}
