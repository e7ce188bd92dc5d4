package core

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const testToken = "secret"

func newTestHub(t *testing.T, mutate func(*Config)) (*Hub, *clock.Mock) {
	t.Helper()

	cfg := Config{
		Token:         testToken,
		ValidateToken: true,
		ShardCount:    2,
		FirstShard:    0,
		LastShard:     1,
		ResumeGrace:   time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mock := clock.NewMock()
	return NewHub(cfg, WithClock(mock)), mock
}

func mustIdentify(t *testing.T, h *Hub, shardID int) *Session {
	t.Helper()

	s, err := h.Identify(shardID, 2, testToken, false)
	require.NoError(t, err, "identify shard %d", shardID)
	return s
}

func expectCode(t *testing.T, err error, code string, target error) {
	t.Helper()

	require.Error(t, err)
	require.Equal(t, code, Code(err), "error %v", err)
	if target != nil {
		require.ErrorIs(t, err, target)
	}
}
