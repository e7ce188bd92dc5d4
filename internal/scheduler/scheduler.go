// Package scheduler gates upstream handshakes. Shards are grouped into
// buckets by shardID % MaxConcurrency; each bucket admits one handshake at
// a time and spaces consecutive handshakes by the rate window. Fresh
// identifies additionally draw from the daily session-start budget.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultWindow is the upstream's per-bucket identify spacing.
const DefaultWindow = 5 * time.Second

// budgetPeriod is how long a refilled session-start budget lasts.
const budgetPeriod = 24 * time.Hour

// Limits are the rate parameters reported by the gateway lookup.
type Limits struct {
	MaxConcurrency int
	Window         time.Duration
	// session-start budget; Total <= 0 disables it
	Total      int
	Remaining  int
	ResetAfter time.Duration
}

// BucketStats describes one bucket.
type BucketStats struct {
	Bucket       int       `json:"bucket"`
	LastDispatch time.Time `json:"last_dispatch"`
	InFlight     bool      `json:"in_flight"`
	Grants       uint64    `json:"grants"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler hands out connect grants. It is safe for concurrent use.
type Scheduler struct {
	clock   clock.Clock
	logger  zerolog.Logger
	window  time.Duration
	buckets []*bucket

	mu        sync.Mutex
	total     int
	remaining int
	resetAt   time.Time
}

type bucket struct {
	index int
	// one slot; held from grant until release
	slot *semaphore.Weighted

	mu       sync.Mutex
	last     time.Time
	inFlight bool
	grants   uint64
}

// New creates a scheduler for the given limits.
func New(limits Limits, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock.New(),
		logger: zerolog.Nop(),
		window: limits.Window,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.window < 0 {
		s.window = 0
	}
	n := limits.MaxConcurrency
	if n < 1 {
		n = 1
	}
	s.buckets = make([]*bucket, n)
	for i := range s.buckets {
		s.buckets[i] = &bucket{index: i, slot: semaphore.NewWeighted(1)}
	}

	s.total = limits.Total
	s.remaining = min(limits.Remaining, limits.Total)
	resetAfter := limits.ResetAfter
	if resetAfter <= 0 {
		resetAfter = budgetPeriod
	}
	s.resetAt = s.clock.Now().Add(resetAfter)
	return s
}

// Buckets returns the number of concurrency buckets.
func (s *Scheduler) Buckets() int {
	return len(s.buckets)
}

// BucketOf returns the bucket index of a shard.
func (s *Scheduler) BucketOf(shardID int) int {
	return shardID % len(s.buckets)
}

// Request blocks until the shard may start a handshake. fresh marks an
// identify that consumes the session-start budget; resumes pass false.
// The only error is the context's.
func (s *Scheduler) Request(ctx context.Context, shardID int, fresh bool) (*Grant, error) {
	b := s.buckets[s.BucketOf(shardID)]
	if err := b.slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := s.waitWindow(ctx, b); err != nil {
		b.slot.Release(1)
		return nil, err
	}
	if fresh {
		if err := s.takeBudget(ctx); err != nil {
			b.slot.Release(1)
			return nil, err
		}
	}

	now := s.clock.Now()
	b.mu.Lock()
	b.last = now
	b.inFlight = true
	b.grants++
	b.mu.Unlock()

	s.logger.Debug().Int("shard", shardID).Int("bucket", b.index).Bool("fresh", fresh).Msg("connect granted")
	return &Grant{ShardID: shardID, Bucket: b.index, At: now, b: b}, nil
}

// waitWindow sleeps until the bucket's last dispatch is at least one window
// old, re-reading the clock after every wake-up.
func (s *Scheduler) waitWindow(ctx context.Context, b *bucket) error {
	for {
		b.mu.Lock()
		last := b.last
		b.mu.Unlock()
		if last.IsZero() {
			return nil
		}
		wait := last.Add(s.window).Sub(s.clock.Now())
		if wait <= 0 {
			return nil
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Scheduler) takeBudget(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.total <= 0 {
			s.mu.Unlock()
			return nil
		}
		now := s.clock.Now()
		if !now.Before(s.resetAt) {
			s.remaining = s.total
			s.resetAt = now.Add(budgetPeriod)
		}
		if s.remaining > 0 {
			s.remaining--
			s.mu.Unlock()
			return nil
		}
		wait := s.resetAt.Sub(now)
		s.mu.Unlock()

		s.logger.Warn().Dur("reset_in", wait).Msg("session start budget exhausted")
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Remaining returns the unused session-start budget.
func (s *Scheduler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Stats returns a copy of every bucket's state.
func (s *Scheduler) Stats() []BucketStats {
	out := make([]BucketStats, 0, len(s.buckets))
	for _, b := range s.buckets {
		b.mu.Lock()
		out = append(out, BucketStats{Bucket: b.index, LastDispatch: b.last, InFlight: b.inFlight, Grants: b.grants})
		b.mu.Unlock()
	}
	return out
}

// Grant is a held handshake slot. Release it once the handshake finished,
// successfully or not.
type Grant struct {
	ShardID int
	Bucket  int
	// At is the dispatch instant used for window spacing.
	At time.Time

	b    *bucket
	once sync.Once
}

// Release frees the bucket. Extra calls are no-ops.
func (g *Grant) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.b.mu.Lock()
		g.b.inFlight = false
		g.b.mu.Unlock()
		g.b.slot.Release(1)
	})
}
