package shard

import "context"

// Set is the contiguous range of shards one process hosts.
type Set struct {
	first  int
	shards []*Shard
}

// NewSet groups shards whose ids run from shards[0].ID() upwards.
func NewSet(shards ...*Shard) *Set {
	s := &Set{shards: shards}
	if len(shards) > 0 {
		s.first = shards[0].ID()
	}
	return s
}

// Get returns the shard with the given id.
func (s *Set) Get(id int) (*Shard, bool) {
	i := id - s.first
	if i < 0 || i >= len(s.shards) {
		return nil, false
	}
	return s.shards[i], true
}

// All returns the shards in id order.
func (s *Set) All() []*Shard {
	return s.shards
}

// Statuses collects the status of every shard.
func (s *Set) Statuses() []Status {
	out := make([]Status, 0, len(s.shards))
	for _, sh := range s.shards {
		out = append(out, sh.Status())
	}
	return out
}

// Ready reports whether every shard is Ready.
func (s *Set) Ready() bool {
	for _, sh := range s.shards {
		if sh.State() != StateReady {
			return false
		}
	}
	return true
}

// WaitReady blocks until every shard is Ready or ctx ends.
func (s *Set) WaitReady(ctx context.Context) error {
	for _, sh := range s.shards {
		if err := sh.waitReady(ctx); err != nil {
			return err
		}
	}
	return nil
}
