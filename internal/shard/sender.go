package shard

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// The upstream allows 120 commands per minute per connection. Client
// commands share 115 of them; heartbeats bypass the limiter.
const (
	commandsPerMinute = 115
	commandBurst      = 3
)

func newCommandLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/commandsPerMinute), commandBurst)
}

// Send forwards a client command upstream. It waits for the command rate
// limit and fails with ErrNotReady when no ready connection exists.
func (s *Shard) Send(ctx context.Context, frame []byte) error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateReady {
		return ErrNotReady
	}
	return conn.Write(ctx, frame)
}
