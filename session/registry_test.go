package session

import (
	"errors"
	"testing"

	"github.com/hupe1980/agentrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()

	info, err := r.GetOrCreate("chat-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", info.ChatSessionID)
	assert.Equal(t, "u1", info.UserID)
	assert.False(t, info.Bound())

	// Second call returns the existing record, not a fresh one.
	again, err := r.GetOrCreate("chat-1", "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "u1", again.UserID)
}

func TestRegistry_ClearedRejection(t *testing.T) {
	r := NewRegistry()

	_, err := r.GetOrCreate("chat-1", "u1")
	require.NoError(t, err)

	r.MarkCleared("chat-1")

	_, err = r.GetOrCreate("chat-1", "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionCleared)

	var cleared *ClearedError
	require.True(t, errors.As(err, &cleared))
	assert.Equal(t, "chat-1", cleared.ChatSessionID)

	// Record stays inspectable after clearing.
	_, ok := r.Get("chat-1")
	assert.True(t, ok)
	assert.True(t, r.IsCleared("chat-1"))

	r.Recover("chat-1")
	_, err = r.GetOrCreate("chat-1", "u1")
	assert.NoError(t, err)
}

func TestRegistry_Rebind(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Rebind("missing", "a", "r1", "s1"))

	_, err := r.GetOrCreate("chat-1", "u1")
	require.NoError(t, err)
	require.NoError(t, r.Rebind("chat-1", "agent-A", "r1", "s1"))

	info, ok := r.Get("chat-1")
	require.True(t, ok)
	assert.True(t, info.Bound())
	assert.Equal(t, "agent-A", info.ActiveAgentID)
	assert.Equal(t, "r1", info.ActiveRunnerID)
	assert.Equal(t, "s1", info.ActiveSessionID)

	// Rebinding replaces the full pair.
	require.NoError(t, r.Rebind("chat-1", "agent-B", "r2", "s2"))
	info, _ = r.Get("chat-1")
	assert.Equal(t, "r2", info.ActiveRunnerID)
	assert.Equal(t, "s2", info.ActiveSessionID)
}

func TestRegistry_ArchiveRoundTrip(t *testing.T) {
	r := NewRegistry()

	history := []core.HistoryEntry{
		{Role: "user", Content: "m1"},
		{Role: "assistant", Content: "m2"},
	}
	r.ArchiveHistory("chat-1", history)

	got := r.TakeArchivedHistory("chat-1")
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].Content)

	// Taking is destructive.
	assert.Nil(t, r.TakeArchivedHistory("chat-1"))
	assert.Nil(t, r.TakeArchivedHistory("never-archived"))
}
