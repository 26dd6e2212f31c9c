package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory(name string, calls *int32) core.AgentFactory {
	return func(ctx context.Context) (core.Agent, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return NewModelAgent(name, model.NewScriptedModel(name+"-model")), nil
	}
}

func TestManager_GetOrCreateSessionAgent(t *testing.T) {
	m := NewManager()

	var calls int32
	a, err := m.GetOrCreateSessionAgent(context.Background(), "sess-1", testFactory("helper", &calls))
	require.NoError(t, err)
	assert.Equal(t, "helper", a.Name())

	again, err := m.GetOrCreateSessionAgent(context.Background(), "sess-1", testFactory("helper", &calls))
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestManager_SingleFlightFactory(t *testing.T) {
	m := NewManager()

	var calls int32
	slowFactory := func(ctx context.Context) (core.Agent, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return NewModelAgent("single", model.NewScriptedModel("m")), nil
	}

	const n = 16
	agents := make([]core.Agent, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a, err := m.GetOrCreateSessionAgent(context.Background(), "sess-1", slowFactory)
			assert.NoError(t, err)
			agents[idx] = a
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "factory must run exactly once")
	for i := 1; i < n; i++ {
		assert.Same(t, agents[0], agents[i], "all callers must see the same instance")
	}
}

func TestManager_FactoryFailureLeavesNoRegistration(t *testing.T) {
	m := NewManager()

	failing := func(ctx context.Context) (core.Agent, error) {
		return nil, fmt.Errorf("backend unavailable")
	}
	_, err := m.GetOrCreateSessionAgent(context.Background(), "sess-1", failing)
	require.Error(t, err)

	assert.Nil(t, m.GetSessionAgent("sess-1"))
	assert.Empty(t, m.ListActiveSessions())

	// A subsequent successful factory works for the same key.
	var calls int32
	_, err = m.GetOrCreateSessionAgent(context.Background(), "sess-1", testFactory("retry", &calls))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestManager_CleanupSessionIdempotent(t *testing.T) {
	m := NewManager()

	_, err := m.GetOrCreateSessionAgent(context.Background(), "sess-1", testFactory("helper", nil))
	require.NoError(t, err)

	assert.True(t, m.CleanupSession(context.Background(), "sess-1"))
	assert.False(t, m.CleanupSession(context.Background(), "sess-1"), "second cleanup is a no-op")
	assert.False(t, m.CleanupSession(context.Background(), "never-existed"))
	assert.Nil(t, m.GetSessionAgent("sess-1"))
}

func TestManager_StatusAndHealth(t *testing.T) {
	m := NewManager()

	assert.Nil(t, m.GetSessionStatus("missing"))
	hs := m.GetHealthStatus()
	assert.True(t, hs.Healthy)
	assert.Zero(t, hs.TotalSessions)

	_, err := m.GetOrCreateSessionAgent(context.Background(), "sess-1", testFactory("helper", nil))
	require.NoError(t, err)

	status := m.GetSessionStatus("sess-1")
	require.NotNil(t, status)
	assert.Equal(t, "helper", status.AgentType)
	assert.False(t, status.Created.IsZero())

	hs = m.GetHealthStatus()
	assert.Equal(t, 1, hs.TotalSessions)
	assert.True(t, hs.Healthy)

	assert.Equal(t, []string{"sess-1"}, m.ListActiveSessions())
}

func TestManager_CleanupExpiredSessions(t *testing.T) {
	m := NewManager()

	_, err := m.GetOrCreateSessionAgent(context.Background(), "old", testFactory("helper", nil))
	require.NoError(t, err)
	_, err = m.GetOrCreateSessionAgent(context.Background(), "fresh", testFactory("helper", nil))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.Touch("fresh")

	evicted := m.CleanupExpiredSessions(context.Background(), 10*time.Millisecond)
	assert.Equal(t, []string{"old"}, evicted)
	assert.Nil(t, m.GetSessionAgent("old"))
	assert.NotNil(t, m.GetSessionAgent("fresh"))
}
