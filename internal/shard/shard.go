// Package shard owns one upstream gateway connection: its readiness state
// machine, its entity cache and the broadcast point clients attach to.
//
// All cache mutation and snapshot synthesis happen on the goroutine that
// runs Run. Clients reach that goroutine through Attach, which queues the
// snapshot-and-subscribe step behind the frames already received.
package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gojson "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/shardproxy/internal/cache"
	"github.com/vovakirdan/shardproxy/internal/metrics"
	"github.com/vovakirdan/shardproxy/internal/proto"
	"github.com/vovakirdan/shardproxy/internal/scheduler"
	"github.com/vovakirdan/shardproxy/internal/store"
)

var (
	// ErrClosed is returned once the shard stopped for good.
	ErrClosed = errors.New("shard closed")
	// ErrNotReady is returned when the shard has no ready upstream session.
	ErrNotReady = errors.New("shard not ready")

	errZombie         = errors.New("heartbeat not acknowledged")
	errReconnect      = errors.New("upstream requested reconnect")
	errInvalidSession = errors.New("upstream invalidated session")
)

// closeResumable is sent when the proxy drops an upstream connection it
// still wants to resume. 1000 and 1001 would invalidate the session.
const closeResumable = 4000

// FatalCloseError reports an upstream close code after which reconnecting
// cannot succeed (bad token, bad shard, disallowed intents).
type FatalCloseError struct {
	Code int
}

func (e *FatalCloseError) Error() string {
	return fmt.Sprintf("upstream closed with fatal code %d", e.Code)
}

// Gate admits connection attempts.
type Gate interface {
	Request(ctx context.Context, shardID int, fresh bool) (*scheduler.Grant, error)
}

// Config describes one shard.
type Config struct {
	ID    int
	Count int

	Token          string
	Intents        uint64
	LargeThreshold int
	GatewayURL     string
	// ExternalURL replaces resume_gateway_url in READY sent to clients.
	ExternalURL string

	Cache           cache.Flags
	SubscriberQueue int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// ResumeOnStart resumes the persisted upstream session instead of
	// identifying. The cache is rebuilt from the frames saved at the last
	// clean shutdown; without them the shard identifies fresh.
	ResumeOnStart bool
}

// Status is a point-in-time view of a shard.
type Status struct {
	ID          int         `json:"id"`
	State       State       `json:"state"`
	Sequence    int64       `json:"sequence"`
	Resumable   bool        `json:"resumable"`
	LatencyMs   int64       `json:"latency_ms"`
	Subscribers int         `json:"subscribers"`
	Cache       cache.Stats `json:"cache"`
}

// Option configures a Shard.
type Option func(*Shard)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Shard) { s.dialer = d }
}

// WithStore persists resume state.
func WithStore(st store.ShardStore) Option {
	return func(s *Shard) { s.store = st }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Shard) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Shard) { s.logger = l }
}

// WithClock replaces the wall clock used for heartbeats and backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Shard) { s.clock = c }
}

// Shard is one upstream session and its fan-out point.
type Shard struct {
	cfg     Config
	gate    Gate
	dialer  Dialer
	store   store.ShardStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
	clock   clock.Clock
	limiter *rate.Limiter

	// owned by the Run goroutine
	cache *cache.Cache
	ready map[string]json.RawMessage

	bc   *Broadcaster
	reqs chan func()
	done chan struct{}

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	sessionID string
	resumeURL string
	seq       int64
	latency   time.Duration
	conn      Conn
	stats     cache.Stats
}

// New creates a shard. Run starts it.
func New(cfg Config, gate Gate, opts ...Option) *Shard {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = 512
	}

	s := &Shard{
		cfg:     cfg,
		gate:    gate,
		dialer:  WSDialer{},
		logger:  zerolog.Nop(),
		clock:   clock.New(),
		limiter: newCommandLimiter(),
		cache:   cache.New(cfg.Cache),
		bc:      NewBroadcaster(cfg.SubscriberQueue),
		reqs:    make(chan func()),
		done:    make(chan struct{}),
		state:   StateConnecting,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Int("shard", cfg.ID).Logger()
	return s
}

// ID returns the shard id.
func (s *Shard) ID() int {
	return s.cfg.ID
}

// State returns the current readiness.
func (s *Shard) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the shard's observable state.
func (s *Shard) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:          s.cfg.ID,
		State:       s.state,
		Sequence:    s.seq,
		Resumable:   s.sessionID != "",
		LatencyMs:   s.latency.Milliseconds(),
		Subscribers: s.bc.Len(),
		Cache:       s.stats,
	}
}

// Done is closed when Run returned.
func (s *Shard) Done() <-chan struct{} {
	return s.done
}

// Run keeps the upstream session alive until ctx is cancelled or the
// upstream closes with a fatal code.
func (s *Shard) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.bc.Close()

	if s.cfg.ResumeOnStart {
		s.restore(ctx)
	}

	backoff := s.cfg.ReconnectMin
	for {
		readied, err := s.connect(ctx)

		if ctx.Err() != nil {
			s.persistWithCache(context.Background())
			s.setState(StateClosed)
			s.logger.Info().Msg("shard stopped")
			return nil
		}

		var fatal *FatalCloseError
		if errors.As(err, &fatal) {
			s.invalidate()
			s.setState(StateClosed)
			s.logger.Error().Int("code", fatal.Code).Msg("upstream closed the shard for good")
			return err
		}

		s.metrics.RecordReconnect(s.cfg.ID, reconnectReason(err))
		if readied {
			backoff = s.cfg.ReconnectMin
		}
		delay := jitter(backoff)
		if errors.Is(err, errInvalidSession) {
			// between one and five ReconnectMin, 1-5 s by default
			delay = s.cfg.ReconnectMin + time.Duration(rand.Int64N(int64(4*s.cfg.ReconnectMin)))
		}
		s.logger.Debug().Err(err).Dur("delay", delay).Msg("reconnecting")

		s.sleep(ctx, delay)
		backoff = min(backoff*2, s.cfg.ReconnectMax)
	}
}

// connection is the per-connection state of the event loop.
type connection struct {
	conn     Conn
	grant    *scheduler.Grant
	resume   bool
	interval time.Duration
	acked    bool
	sentAt   time.Time
	readied  bool
}

// connect runs one upstream connection from grant to close. It reports
// whether the connection reached Ready.
func (s *Shard) connect(ctx context.Context) (bool, error) {
	resume := s.resumable()

	start := s.clock.Now()
	grant, err := s.gate.Request(ctx, s.cfg.ID, !resume)
	if err != nil {
		return false, err
	}
	defer grant.Release()
	s.metrics.RecordGrantWait(grant.Bucket, s.clock.Now().Sub(start))

	target := s.cfg.GatewayURL
	if resume {
		s.mu.Lock()
		if s.resumeURL != "" {
			target = s.resumeURL
		}
		s.mu.Unlock()
	}

	conn, err := s.dialer.Dial(ctx, target)
	if err != nil {
		return false, fmt.Errorf("%w: %w", errDial, err)
	}
	s.setConn(conn)
	defer s.setConn(nil)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go readLoop(connCtx, conn, frames, readErr)

	c := &connection{conn: conn, grant: grant, resume: resume, acked: true}
	err = s.loop(ctx, c, frames, readErr)

	if code := CloseCode(err); code < 0 {
		_ = conn.Close(closeResumable, "reconnecting")
	}

	switch {
	case s.resumable():
		s.setState(StateResuming)
	case s.State() != StateNotReady:
		s.setState(StateConnecting)
	}
	return c.readied, err
}

var errDial = errors.New("dial upstream")

func readLoop(ctx context.Context, conn Conn, frames chan<- []byte, errc chan<- error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Shard) loop(ctx context.Context, c *connection, frames <-chan []byte, readErr <-chan error) error {
	var (
		ticker *clock.Ticker
		beat   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			// frames read before the error are already queued
		drain:
			for {
				select {
				case data := <-frames:
					if herr := s.handleFrame(ctx, c, data); herr != nil {
						return herr
					}
				default:
					break drain
				}
			}
			return s.upstreamClosed(err)

		case data := <-frames:
			if err := s.handleFrame(ctx, c, data); err != nil {
				return err
			}
			if ticker == nil && c.interval > 0 {
				ticker = s.clock.Ticker(c.interval)
				beat = ticker.C
			}

		case <-beat:
			if !c.acked {
				s.logger.Warn().Msg("heartbeat not acknowledged, reconnecting")
				return errZombie
			}
			if err := s.heartbeat(ctx, c); err != nil {
				return err
			}

		case req := <-s.reqs:
			req()
		}
	}
}

func (s *Shard) upstreamClosed(err error) error {
	code := CloseCode(err)
	if proto.FatalClose(code) {
		return &FatalCloseError{Code: code}
	}
	if proto.SessionLost(code) {
		s.invalidate()
	}

	ev := s.logger.Info()
	if s.State() == StateReady {
		ev = s.logger.Warn()
	}
	ev.Err(err).Int("code", code).Msg("upstream connection closed")
	return fmt.Errorf("upstream closed: %w", err)
}

func (s *Shard) handleFrame(ctx context.Context, c *connection, data []byte) error {
	ev, err := proto.ReadEvent(data)
	if err != nil {
		s.metrics.RecordMalformed("upstream")
		s.logger.Debug().Err(err).Int("len", len(data)).Msg("dropping upstream frame")
		return nil
	}
	if ev.HasSeq {
		s.mu.Lock()
		s.seq = ev.Seq
		s.mu.Unlock()
	}

	switch ev.Op {
	case proto.OpHello:
		var hello proto.HelloData
		if err := decodeData(data, &hello); err != nil {
			return fmt.Errorf("decode hello: %w", err)
		}
		c.interval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		if c.resume {
			return s.sendResume(ctx, c)
		}
		s.setState(StateIdentifying)
		return s.sendIdentify(ctx, c)

	case proto.OpHeartbeat:
		return s.heartbeat(ctx, c)

	case proto.OpHeartbeatAck:
		c.acked = true
		latency := s.clock.Now().Sub(c.sentAt)
		s.mu.Lock()
		s.latency = latency
		s.mu.Unlock()
		s.metrics.RecordLatency(s.cfg.ID, latency)

	case proto.OpReconnect:
		s.logger.Info().Msg("upstream requested reconnect")
		return errReconnect

	case proto.OpInvalidSession:
		var resumable bool
		_ = decodeData(data, &resumable)
		if resumable && s.resumable() {
			s.setState(StateResuming)
		} else {
			s.invalidate()
		}
		s.logger.Info().Bool("resumable", resumable).Msg("upstream invalidated session")
		return errInvalidSession

	case proto.OpDispatch:
		return s.dispatch(ctx, c, ev, data)
	}
	return nil
}

func (s *Shard) dispatch(ctx context.Context, c *connection, ev proto.Event, data []byte) error {
	s.metrics.RecordDispatch(s.cfg.ID, ev.Type)

	switch ev.Type {
	case "READY":
		if err := s.onReady(ctx, data); err != nil {
			return err
		}
		c.readied = true
		c.grant.Release()
		return nil
	case "RESUMED":
		s.setState(StateReady)
		c.readied = true
		c.grant.Release()
		s.persist(ctx)
		s.logger.Info().Msg("upstream session resumed")
		return nil
	}

	if cache.Relevant(ev.Type) {
		s.applyToCache(ev.Type, data)
	}

	if s.State() == StateReady {
		if dropped := s.bc.Publish(Frame{Data: data, Event: ev}); dropped > 0 {
			s.logger.Warn().Int("dropped", dropped).Msg("dropped slow subscribers")
			s.metrics.RecordSubscribers(s.cfg.ID, s.bc.Len())
		}
	}
	return nil
}

func (s *Shard) applyToCache(eventType string, frame []byte) {
	var env proto.Inbound
	if err := gojson.Unmarshal(frame, &env); err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("decode dispatch")
		return
	}
	updates, err := cache.Classify(eventType, env.Data)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("classify dispatch")
		return
	}
	for _, u := range updates {
		s.cache.Apply(u)
	}

	stats := s.cache.Stats()
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

func (s *Shard) onReady(ctx context.Context, frame []byte) error {
	var env proto.Inbound
	if err := gojson.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("decode ready: %w", err)
	}
	var ready map[string]json.RawMessage
	if err := gojson.Unmarshal(env.Data, &ready); err != nil {
		return fmt.Errorf("decode ready: %w", err)
	}
	var info struct {
		SessionID string `json:"session_id"`
		ResumeURL string `json:"resume_gateway_url"`
	}
	if err := gojson.Unmarshal(env.Data, &info); err != nil {
		return fmt.Errorf("decode ready: %w", err)
	}

	s.applyToCache("READY", frame)

	ready["guilds"] = json.RawMessage(`[]`)
	if s.cfg.ExternalURL != "" {
		external, _ := gojson.Marshal(s.cfg.ExternalURL)
		ready["resume_gateway_url"] = external
	}
	s.ready = ready

	s.mu.Lock()
	s.sessionID = info.SessionID
	s.resumeURL = info.ResumeURL
	s.mu.Unlock()

	s.setState(StateReady)
	s.persist(ctx)
	s.logger.Info().Msg("upstream session ready")
	return nil
}

func (s *Shard) sendIdentify(ctx context.Context, c *connection) error {
	frame, err := proto.Command(proto.OpIdentify, proto.UpstreamIdentify{
		Token:   s.cfg.Token,
		Intents: s.cfg.Intents,
		Shard:   [2]int{s.cfg.ID, s.cfg.Count},
		Properties: proto.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "shardproxy",
			Device:  "shardproxy",
		},
		LargeThreshold: s.cfg.LargeThreshold,
	})
	if err != nil {
		return fmt.Errorf("encode identify: %w", err)
	}
	return c.conn.Write(ctx, frame)
}

func (s *Shard) sendResume(ctx context.Context, c *connection) error {
	s.mu.Lock()
	body := proto.ResumeData{Token: s.cfg.Token, SessionID: s.sessionID, Seq: s.seq}
	s.mu.Unlock()

	frame, err := proto.Command(proto.OpResume, body)
	if err != nil {
		return fmt.Errorf("encode resume: %w", err)
	}
	return c.conn.Write(ctx, frame)
}

func (s *Shard) heartbeat(ctx context.Context, c *connection) error {
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()

	var d any
	if seq > 0 {
		d = seq
	}
	frame, err := proto.Command(proto.OpHeartbeat, d)
	if err != nil {
		return err
	}
	c.acked = false
	c.sentAt = s.clock.Now()
	return c.conn.Write(ctx, frame)
}

// Attachment is what a freshly identified client receives: the snapshot
// frames and a subscription taken at the same instant.
type Attachment struct {
	Snapshot [][]byte
	Sub      *Subscription
}

// Attach waits until the shard is Ready, then builds a snapshot for the
// client session and subscribes it without missing or repeating a frame.
func (s *Shard) Attach(ctx context.Context, sessionID string) (*Attachment, error) {
	for {
		if err := s.waitReady(ctx); err != nil {
			return nil, err
		}

		type result struct {
			att *Attachment
			err error
		}
		res := make(chan result, 1)
		req := func() {
			if s.State() != StateReady {
				res <- result{err: ErrNotReady}
				return
			}
			frames, err := s.cache.Snapshot(s.clientReady(sessionID), 0)
			if err != nil {
				res <- result{err: err}
				return
			}
			res <- result{att: &Attachment{Snapshot: frames, Sub: s.bc.Subscribe()}}
		}

		select {
		case s.reqs <- req:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		}

		// the loop ran req before accepting anything else
		r := <-res
		if errors.Is(r.err, ErrNotReady) {
			continue
		}
		if r.err == nil {
			s.metrics.RecordSubscribers(s.cfg.ID, s.bc.Len())
		}
		return r.att, r.err
	}
}

// Reattach subscribes a resumed client without a snapshot.
func (s *Shard) Reattach() (*Subscription, error) {
	if s.State() != StateReady {
		return nil, ErrNotReady
	}
	sub := s.bc.Subscribe()
	s.metrics.RecordSubscribers(s.cfg.ID, s.bc.Len())
	return sub, nil
}

func (s *Shard) clientReady(sessionID string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.ready)+2)
	maps.Copy(out, s.ready)
	id, _ := gojson.Marshal(sessionID)
	out["session_id"] = id
	pair, _ := gojson.Marshal([2]int{s.cfg.ID, s.cfg.Count})
	out["shard"] = pair
	return out
}

func (s *Shard) waitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.changed
		s.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateClosed:
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Shard) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.metrics.RecordShardState(s.cfg.ID, int(next))
	s.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("shard state")
}

func (s *Shard) setConn(c Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Shard) resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != ""
}

// invalidate forgets the upstream session. The cache is kept so clients
// attaching after the next READY still see every known guild.
func (s *Shard) invalidate() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.mu.Unlock()
	s.ready = nil
	s.setState(StateNotReady)
	s.persist(context.Background())
}

func (s *Shard) persist(ctx context.Context) {
	s.save(ctx, nil)
}

// persistWithCache also saves the entity cache as snapshot frames.
func (s *Shard) persistWithCache(ctx context.Context) {
	if s.store == nil {
		return
	}
	frames, err := s.cache.Snapshot(map[string]json.RawMessage{}, 0)
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot cache for persistence")
		s.persist(ctx)
		return
	}
	raw := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		raw[i] = f
	}
	dump, err := gojson.Marshal(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode cache for persistence")
		s.persist(ctx)
		return
	}
	s.save(ctx, dump)
}

func (s *Shard) save(ctx context.Context, cacheDump json.RawMessage) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	st := &store.ShardState{
		ShardID:   s.cfg.ID,
		SessionID: s.sessionID,
		Sequence:  s.seq,
		ResumeURL: s.resumeURL,
		Cache:     cacheDump,
	}
	s.mu.Unlock()
	if s.ready != nil {
		if raw, err := gojson.Marshal(s.ready); err == nil {
			st.Ready = raw
		}
	}
	if err := s.store.SaveShardState(ctx, st); err != nil {
		s.logger.Warn().Err(err).Msg("persist shard state")
	}
}

func (s *Shard) restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	st, err := s.store.LoadShardState(ctx, s.cfg.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("load shard state")
		}
		return
	}
	if !st.Resumable() {
		return
	}
	if err := s.replayCache(st.Cache); err != nil {
		s.logger.Info().Err(err).Msg("saved session cannot be resumed, identifying")
		return
	}
	if len(st.Ready) > 0 {
		var ready map[string]json.RawMessage
		if err := gojson.Unmarshal(st.Ready, &ready); err == nil {
			s.ready = ready
		}
	}

	s.mu.Lock()
	s.sessionID = st.SessionID
	s.resumeURL = st.ResumeURL
	s.seq = st.Sequence
	s.mu.Unlock()
	s.setState(StateResuming)
	s.logger.Info().Int64("seq", st.Sequence).Msg("resuming persisted session")
}

// replayCache rebuilds the entity cache from saved snapshot frames. A
// resumed upstream stream never repeats GUILD_CREATE.
func (s *Shard) replayCache(dump json.RawMessage) error {
	if len(dump) == 0 {
		return errors.New("no cache saved")
	}
	var frames []json.RawMessage
	if err := gojson.Unmarshal(dump, &frames); err != nil {
		return fmt.Errorf("decode saved cache: %w", err)
	}
	for _, frame := range frames {
		ev, err := proto.ReadEvent(frame)
		if err != nil {
			return fmt.Errorf("saved cache frame: %w", err)
		}
		s.applyToCache(ev.Type, frame)
	}
	return nil
}

// sleep waits for d or until ctx ends.
func (s *Shard) sleep(ctx context.Context, d time.Duration) {
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

func reconnectReason(err error) string {
	switch {
	case errors.Is(err, errZombie):
		return "zombie"
	case errors.Is(err, errReconnect):
		return "reconnect"
	case errors.Is(err, errInvalidSession):
		return "invalid_session"
	case errors.Is(err, errDial):
		return "dial"
	default:
		return "closed"
	}
}

func decodeData(frame []byte, v any) error {
	var env proto.Inbound
	if err := gojson.Unmarshal(frame, &env); err != nil {
		return err
	}
	return gojson.Unmarshal(env.Data, v)
}
