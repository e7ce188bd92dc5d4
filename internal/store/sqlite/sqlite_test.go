package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/shardproxy/internal/store"
)

func TestShardStateRoundTrip(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	_, err = s.LoadShardState(ctx, 3)
	require.ErrorIs(t, err, store.ErrNotFound)

	state := &store.ShardState{
		ShardID:   3,
		SessionID: "abc",
		Sequence:  42,
		ResumeURL: "wss://resume.example",
		Ready:     json.RawMessage(`{"v":10}`),
		Cache:     json.RawMessage(`[{"op":0,"t":"READY","s":0,"d":{"guilds":[]}}]`),
	}
	require.NoError(t, s.SaveShardState(ctx, state))

	got, err := s.LoadShardState(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.SessionID)
	assert.Equal(t, int64(42), got.Sequence)
	assert.Equal(t, "wss://resume.example", got.ResumeURL)
	assert.JSONEq(t, `{"v":10}`, string(got.Ready))
	assert.JSONEq(t, string(state.Cache), string(got.Cache))
	assert.True(t, got.Resumable(), "state with a session id should be resumable")

	// clearing the session overwrites the row
	require.NoError(t, s.SaveShardState(ctx, &store.ShardState{ShardID: 3}))
	got, err = s.LoadShardState(ctx, 3)
	require.NoError(t, err)
	assert.False(t, got.Resumable())
	assert.Zero(t, got.Sequence)
	assert.Nil(t, got.Ready)
	assert.Nil(t, got.Cache)
}

func TestSaveWithoutCacheDropsOldCache(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveShardState(ctx, &store.ShardState{ShardID: 0, SessionID: "a", Cache: json.RawMessage(`[]`)}))
	require.NoError(t, s.SaveShardState(ctx, &store.ShardState{ShardID: 0, SessionID: "a", Sequence: 7}))

	got, err := s.LoadShardState(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Sequence)
	assert.Nil(t, got.Cache, "a cache is only valid with the sequence it was saved at")
}

func TestListShardStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.db")
	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, id := range []int{2, 0, 1} {
		require.NoError(t, s.SaveShardState(ctx, &store.ShardState{ShardID: id, SessionID: "s"}))
	}

	states, err := s.ListShardStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 3)
	for i, st := range states {
		assert.Equal(t, i, st.ShardID, "states ordered by shard id")
	}
}

func TestNewAddsCacheColumnToOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	old, err := NewWithSetup(path, func(db *sql.DB) error {
		_, err := db.Exec(`CREATE TABLE shard_sessions (
			shard_id   INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			sequence   INTEGER NOT NULL DEFAULT 0,
			resume_url TEXT NOT NULL DEFAULT '',
			ready      BLOB,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
		if err != nil {
			return err
		}
		_, err = db.Exec(`INSERT INTO shard_sessions (shard_id, session_id, sequence) VALUES (1, 'kept', 9)`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, old.Close())

	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	got, err := s.LoadShardState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.SessionID)
	assert.Nil(t, got.Cache)

	require.NoError(t, s.SaveShardState(ctx, &store.ShardState{ShardID: 1, SessionID: "kept", Cache: json.RawMessage(`[]`)}))
	got, err = s.LoadShardState(ctx, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(got.Cache))
}

func TestNewWithSetupError(t *testing.T) {
	_, err := NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(`CREATE TABLE broken (`)
		return err
	})
	require.Error(t, err)
}
