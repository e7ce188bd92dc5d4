package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session is a downstream client session bound to one shard.
type Session struct {
	ID        string
	ShardID   int
	Compress  bool
	CreatedAt time.Time

	// last sequence number handed to the client
	seq atomic.Int64

	mu         sync.Mutex
	owner      string
	kick       context.CancelCauseFunc
	detachedAt time.Time
}

// Sequence returns the last sequence number delivered to the client.
func (s *Session) Sequence() int64 {
	return s.seq.Load()
}

// SetSequence moves the counter, typically past a snapshot.
func (s *Session) SetSequence(n int64) {
	s.seq.Store(n)
}

// NextSequence reserves the next client-local sequence number.
func (s *Session) NextSequence() int64 {
	return s.seq.Add(1)
}

// Attached reports whether a connection currently owns the session.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != ""
}

func (s *Session) expired(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner == "" && now.Sub(s.detachedAt) >= grace
}
