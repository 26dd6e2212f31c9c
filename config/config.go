// Package config holds the tunable knobs of the relay. Settings are plain
// values passed explicitly into constructors; nothing in the relay reads
// ambient global configuration, so behavior stays deterministic and testable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FallbackPolicy decides how a pending tool interaction is resolved when its
// timeout elapses or the stream is torn down before a decision arrives.
type FallbackPolicy string

const (
	// FallbackAutoCancel denies the interaction and notifies the outgoing
	// channel. This is the default.
	FallbackAutoCancel FallbackPolicy = "auto_cancel"
	// FallbackAutoApprove approves the interaction. Opting into this must be
	// explicit; it is never the implicit behavior.
	FallbackAutoApprove FallbackPolicy = "auto_approve"
)

// Settings groups the operational parameters of the coordination layer.
type Settings struct {
	// RunnerIdleTimeout is how long a runner with zero live sessions may sit
	// idle before the sweep destroys it. Runners still serving any session
	// are never destroyed regardless of this value.
	RunnerIdleTimeout time.Duration `yaml:"runner_idle_timeout"`

	// AgentIdleTimeout is the maximum idle age of a session-scoped agent
	// before the sweep cleans it up.
	AgentIdleTimeout time.Duration `yaml:"agent_idle_timeout"`

	// ApprovalTimeout bounds how long a pending tool interaction waits for an
	// out-of-band decision before the fallback policy resolves it.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	// ApprovalFallback selects the automatic resolution applied on timeout or
	// stream teardown.
	ApprovalFallback FallbackPolicy `yaml:"approval_fallback"`

	// EventBufferSize sets channel buffering for task event streams.
	EventBufferSize int `yaml:"event_buffer_size"`

	// MaxModelCalls limits model round-trips within a single turn.
	MaxModelCalls int `yaml:"max_model_calls"`

	// MaxParallelTools bounds concurrent tool executions within one batch of
	// function calls. 0 means no explicit limit.
	MaxParallelTools int `yaml:"max_parallel_tools"`
}

// Default returns the baseline settings: a long runner idle window (half a
// day), an hour of agent idle tolerance and a five minute approval timeout
// resolved by auto-cancel.
func Default() Settings {
	return Settings{
		RunnerIdleTimeout: 12 * time.Hour,
		AgentIdleTimeout:  time.Hour,
		ApprovalTimeout:   5 * time.Minute,
		ApprovalFallback:  FallbackAutoCancel,
		EventBufferSize:   100,
		MaxModelCalls:     100,
		MaxParallelTools:  0,
	}
}

// Load parses a YAML settings file, overlaying the defaults so partial files
// are valid.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, fmt.Errorf("settings path is empty")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings file: %w", err)
	}

	return s, s.Validate()
}

// Validate rejects settings combinations the relay cannot honor.
func (s Settings) Validate() error {
	if s.RunnerIdleTimeout <= 0 {
		return fmt.Errorf("runner_idle_timeout must be positive, got %s", s.RunnerIdleTimeout)
	}
	if s.AgentIdleTimeout <= 0 {
		return fmt.Errorf("agent_idle_timeout must be positive, got %s", s.AgentIdleTimeout)
	}
	if s.ApprovalTimeout <= 0 {
		return fmt.Errorf("approval_timeout must be positive, got %s", s.ApprovalTimeout)
	}
	switch s.ApprovalFallback {
	case FallbackAutoCancel, FallbackAutoApprove:
	default:
		return fmt.Errorf("unknown approval_fallback %q", s.ApprovalFallback)
	}
	if s.EventBufferSize < 0 {
		return fmt.Errorf("event_buffer_size must not be negative")
	}
	return nil
}
