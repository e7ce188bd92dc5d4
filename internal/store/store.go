package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("not found")

// ShardState is the upstream session of one shard as last persisted.
type ShardState struct {
	ShardID   int
	SessionID string
	Sequence  int64
	ResumeURL string
	// Ready holds the top-level READY fields the shard replays to clients.
	Ready json.RawMessage
	// Cache holds the snapshot frames of the entity cache, written on clean
	// shutdown only. Nil means the cache cannot be rebuilt without a fresh
	// identify.
	Cache     json.RawMessage
	UpdatedAt time.Time
}

// Resumable reports whether the state names a session that can be resumed.
func (s *ShardState) Resumable() bool {
	return s != nil && s.SessionID != ""
}

// ShardStore persists shard session state across restarts.
type ShardStore interface {
	// LoadShardState returns the last saved state or ErrNotFound.
	LoadShardState(ctx context.Context, shardID int) (*ShardState, error)

	// SaveShardState replaces the saved state of the shard.
	SaveShardState(ctx context.Context, state *ShardState) error

	// ListShardStates returns every saved state ordered by shard id.
	ListShardStates(ctx context.Context) ([]*ShardState, error)

	// Close closes the underlying database connection.
	Close() error
}
