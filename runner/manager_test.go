package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu     sync.Mutex
	closed bool
}

func (s *stubRunner) ExecuteTurn(ctx context.Context, runnerSessionID string, userContent core.Content) (string, <-chan core.Event, <-chan error, error) {
	eventsCh := make(chan core.Event)
	errorsCh := make(chan error, 1)
	close(eventsCh)
	close(errorsCh)
	return core.NewID(), eventsCh, errorsCh, nil
}

func (s *stubRunner) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubRunner) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func stubFactory(calls *int32) core.RunnerFactory {
	return func(ctx context.Context, agentID string, agent core.Agent) (core.Runner, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return &stubRunner{}, nil
	}
}

func TestManager_GetRunnerForAgent(t *testing.T) {
	var calls int32
	m := NewManager(stubFactory(&calls))

	r1, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, r1)

	r2, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	other, err := m.GetRunnerForAgent(context.Background(), "agent-B", nil)
	require.NoError(t, err)
	assert.NotEqual(t, r1, other)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestManager_SingleFlightCreation(t *testing.T) {
	var calls int32
	slow := func(ctx context.Context, agentID string, agent core.Agent) (core.Runner, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &stubRunner{}, nil
	}
	m := NewManager(slow)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
			assert.NoError(t, err)
			ids[idx] = id
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "factory must run exactly once")
	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestManager_FactoryFailureLeavesNoMapping(t *testing.T) {
	failing := func(ctx context.Context, agentID string, agent core.Agent) (core.Runner, error) {
		return nil, fmt.Errorf("provisioning failed")
	}
	m := NewManager(failing)

	_, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.Error(t, err)
	assert.Empty(t, m.ListRunners())

	// Recovery: a working factory is not blocked by the earlier failure.
	var calls int32
	m2 := NewManager(stubFactory(&calls))
	_, err = m2.GetRunnerForAgent(context.Background(), "agent-A", nil)
	assert.NoError(t, err)
}

func TestManager_CreateSession(t *testing.T) {
	m := NewManager(stubFactory(nil))
	runnerID, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)

	sessionID, err := m.CreateSession(runnerID, "u1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	owner, ok := m.RunnerBySession(sessionID)
	require.True(t, ok)
	assert.Equal(t, runnerID, owner)

	userID, ok := m.SessionUserID(sessionID)
	require.True(t, ok)
	assert.Equal(t, "u1", userID)

	// External ids are honored, duplicates rejected.
	got, err := m.CreateSession(runnerID, "u2", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", got)

	_, err = m.CreateSession(runnerID, "u3", "ext-1")
	assert.Error(t, err)

	_, err = m.CreateSession("no-such-runner", "u1", "")
	assert.Error(t, err)

	assert.Equal(t, 2, m.SessionCount(runnerID))
}

func TestManager_RemoveSession(t *testing.T) {
	m := NewManager(stubFactory(nil))
	runnerID, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)

	sessionID, err := m.CreateSession(runnerID, "u1", "")
	require.NoError(t, err)

	assert.True(t, m.RemoveSession(runnerID, sessionID))
	assert.False(t, m.RemoveSession(runnerID, sessionID))
	assert.Equal(t, 0, m.SessionCount(runnerID))

	_, ok := m.RunnerBySession(sessionID)
	assert.False(t, ok)
}

func TestManager_CleanupRunnerRefusesWithLiveSessions(t *testing.T) {
	m := NewManager(stubFactory(nil))
	runnerID, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)

	sessionID, err := m.CreateSession(runnerID, "u1", "")
	require.NoError(t, err)

	r, ok := m.Runner(runnerID)
	require.True(t, ok)
	stub := r.(*stubRunner)

	assert.False(t, m.CleanupRunner(context.Background(), runnerID), "must refuse while sessions are attached")
	assert.False(t, stub.isClosed())

	m.RemoveSession(runnerID, sessionID)
	assert.True(t, m.CleanupRunner(context.Background(), runnerID))
	assert.True(t, stub.isClosed())

	_, ok = m.Runner(runnerID)
	assert.False(t, ok)

	// The agent mapping is gone too, so a new runner can be created.
	var calls int32
	m.factory = stubFactory(&calls)
	fresh, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)
	assert.NotEqual(t, runnerID, fresh)
}

func TestManager_Close(t *testing.T) {
	m := NewManager(stubFactory(nil))

	r1, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)
	_, err = m.CreateSession(r1, "u1", "")
	require.NoError(t, err)
	r2, err := m.GetRunnerForAgent(context.Background(), "agent-B", nil)
	require.NoError(t, err)

	h1, _ := m.Runner(r1)
	h2, _ := m.Runner(r2)

	m.Close(context.Background())

	assert.Empty(t, m.ListRunners())
	assert.True(t, h1.(*stubRunner).isClosed())
	assert.True(t, h2.(*stubRunner).isClosed())
}

func TestManager_RunnerInfo(t *testing.T) {
	m := NewManager(stubFactory(nil))

	_, ok := m.RunnerInfo("missing")
	assert.False(t, ok)

	runnerID, err := m.GetRunnerForAgent(context.Background(), "agent-A", nil)
	require.NoError(t, err)
	_, err = m.CreateSession(runnerID, "u1", "")
	require.NoError(t, err)

	info, ok := m.RunnerInfo(runnerID)
	require.True(t, ok)
	assert.Equal(t, "agent-A", info.AgentID)
	assert.Equal(t, 1, info.SessionCount)
	assert.False(t, info.Created.IsZero())
}
