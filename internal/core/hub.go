// Package core keeps the table of downstream client sessions.
package core

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/shardproxy/internal/metrics"
	"github.com/vovakirdan/shardproxy/internal/utils"
)

// DefaultResumeGrace is how long a detached session stays resumable.
const DefaultResumeGrace = 2 * time.Minute

// Config describes what clients may identify for.
type Config struct {
	Token         string
	ValidateToken bool
	// ShardCount is the deployment-wide shard count clients must send.
	ShardCount int
	// FirstShard and LastShard bound the shards this process hosts, inclusive.
	FirstShard  int
	LastShard   int
	ResumeGrace time.Duration
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock swaps the clock used for expiry.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithLogger sets the hub logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub owns every client session. Connections only hold pointers handed out
// by Identify and Resume and release them through Detach or Remove.
type Hub struct {
	cfg     Config
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub constructs an empty session table.
func NewHub(cfg Config, opts ...Option) *Hub {
	if cfg.ResumeGrace <= 0 {
		cfg.ResumeGrace = DefaultResumeGrace
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	h := &Hub{
		cfg:      cfg,
		clock:    clock.New(),
		log:      zerolog.Nop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckIdentify validates identify parameters without creating a session.
func (h *Hub) CheckIdentify(shardID, shardCount int, token string) error {
	switch {
	case shardCount != h.cfg.ShardCount:
		return coreError(ErrCodeProtocolViolation, ErrShardCountMismatch)
	case shardID < 0 || shardID >= shardCount:
		return coreError(ErrCodeProtocolViolation, ErrShardOutOfRange)
	case shardID < h.cfg.FirstShard || shardID > h.cfg.LastShard:
		return coreError(ErrCodeProtocolViolation, ErrShardNotHosted)
	case !h.tokenValid(token):
		return coreError(ErrCodeProtocolViolation, ErrBadToken)
	}
	return nil
}

// Identify validates the parameters and registers a new session.
func (h *Hub) Identify(shardID, shardCount int, token string, compress bool) (*Session, error) {
	if err := h.CheckIdentify(shardID, shardCount, token); err != nil {
		return nil, err
	}

	s := &Session{
		ID:        utils.NewID(),
		ShardID:   shardID,
		Compress:  compress,
		CreatedAt: h.clock.Now(),
	}
	s.detachedAt = s.CreatedAt

	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()

	h.metrics.RecordSessions(n)
	h.log.Debug().Str("session_id", s.ID).Int("shard", shardID).Msg("session created")
	return s, nil
}

// Resume looks up a detached or live session for a resuming client.
// Expired sessions are removed on the way.
func (h *Hub) Resume(sessionID string, seq int64, token string) (*Session, error) {
	if !h.tokenValid(token) {
		return nil, coreError(ErrCodeInvalidSession, ErrBadToken)
	}

	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok && s.expired(h.clock.Now(), h.cfg.ResumeGrace) {
		delete(h.sessions, sessionID)
		n := len(h.sessions)
		h.mu.Unlock()
		h.metrics.RecordSessions(n)
		return nil, coreError(ErrCodeInvalidSession, ErrSessionExpired)
	}
	h.mu.Unlock()

	if !ok {
		return nil, coreError(ErrCodeInvalidSession, ErrUnknownSession)
	}
	if seq > s.Sequence() {
		return nil, coreError(ErrCodeInvalidSession, ErrSequenceAhead)
	}
	return s, nil
}

// Bind hands the session to a connection. A connection that owned it
// before is cancelled with ErrSessionReplaced.
func (h *Hub) Bind(s *Session, connID string, kick context.CancelCauseFunc) {
	s.mu.Lock()
	prev, prevOwner := s.kick, s.owner
	s.owner, s.kick = connID, kick
	s.mu.Unlock()

	if prev != nil && prevOwner != connID {
		prev(ErrSessionReplaced)
	}
}

// Detach releases the session from connID and starts the resume grace
// period. It is a no-op when another connection owns the session.
func (h *Hub) Detach(s *Session, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != connID {
		return
	}
	s.owner, s.kick = "", nil
	s.detachedAt = h.clock.Now()
}

// Remove deletes a session immediately.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	_, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	n := len(h.sessions)
	h.mu.Unlock()

	if ok {
		h.metrics.RecordSessions(n)
	}
}

// Get returns a session by id.
func (h *Hub) Get(sessionID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

// Count returns the number of sessions, attached or not.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Run sweeps expired sessions until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.ResumeGrace / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.sweep(); n > 0 {
				h.log.Debug().Int("expired", n).Msg("swept detached sessions")
			}
		}
	}
}

func (h *Hub) sweep() int {
	now := h.clock.Now()

	h.mu.Lock()
	removed := 0
	for id, s := range h.sessions {
		if s.expired(now, h.cfg.ResumeGrace) {
			delete(h.sessions, id)
			removed++
		}
	}
	n := len(h.sessions)
	h.mu.Unlock()

	if removed > 0 {
		h.metrics.RecordSessions(n)
	}
	return removed
}

func (h *Hub) tokenValid(token string) bool {
	if !h.cfg.ValidateToken {
		return true
	}
	got := strings.TrimPrefix(token, "Bot ")
	want := strings.TrimPrefix(h.cfg.Token, "Bot ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
