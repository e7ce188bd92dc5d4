package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"sync"

	"github.com/coder/websocket"
	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/shardproxy/internal/compress"
	"github.com/vovakirdan/shardproxy/internal/core"
	"github.com/vovakirdan/shardproxy/internal/metrics"
	"github.com/vovakirdan/shardproxy/internal/proto"
	"github.com/vovakirdan/shardproxy/internal/shard"
)

const (
	defaultReadLimit = 1 << 20
	compressQuery    = "zlib-stream"
)

var (
	errBadPayload   = errors.New("undecodable payload")
	errBackpressure = &core.CoreError{Code: core.ErrCodeBackpressure, Message: "client too slow"}
	errShardGone    = &core.CoreError{Code: core.ErrCodeUpstreamDisconnect, Message: "shard stopped"}
)

// WSConfig tunes downstream connections.
type WSConfig struct {
	// HeartbeatInterval is advertised in HELLO, in milliseconds.
	HeartbeatInterval int
	// Backpressure bounds the outbound queue of every connection.
	Backpressure int
	ReadLimit    int64
}

// WSHandler upgrades HTTP connections and bridges them to client sessions.
type WSHandler struct {
	hub     *core.Hub
	shards  *shard.Set
	cfg     WSConfig
	metrics *metrics.Metrics
	log     *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, shards *shard.Set, cfg WSConfig, m *metrics.Metrics, logger *zerolog.Logger) stdhttp.Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = proto.DefaultHeartbeatInterval
	}
	if cfg.Backpressure <= 0 {
		cfg.Backpressure = 100
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &WSHandler{hub: hub, shards: shards, cfg: cfg, metrics: m, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	h.metrics.RecordConnection(1)
	defer h.metrics.RecordConnection(-1)

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	defer conn.CloseNow()

	c := &clientConn{
		h:      h,
		id:     uuid.NewString(),
		ws:     conn,
		out:    make(chan outFrame, h.cfg.Backpressure),
		cancel: cancel,
	}
	c.log = h.log.With().Str("conn_id", c.id).Logger()

	// HELLO is the first frame, compressed already when the query asks for it
	if r.URL.Query().Get("compress") == compressQuery {
		c.out <- outFrame{startCompression: true}
	}
	c.out <- outFrame{data: proto.Hello(h.cfg.HeartbeatInterval)}

	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	// socket reads and writes outlive gctx; a cancelled write would drop the
	// connection without a close frame. Closing the connection below ends them.
	g.Go(func() error { return c.writeLoop(gctx, context.WithoutCancel(gctx)) })
	g.Go(func() error { return c.readLoop(gctx, context.WithoutCancel(gctx)) })

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-gctx.Done()
		cause := context.Cause(gctx)
		status, reason := closeStatus(cause)
		if status == websocket.StatusInternalError {
			c.log.Warn().Err(cause).Msg("ws connection closed with error")
		} else {
			c.log.Debug().Err(cause).Int("code", int(status)).Msg("ws connection closed")
		}
		h.metrics.RecordClose(int(status))
		_ = conn.Close(status, reason)
	}()

	_ = g.Wait()
	<-closed
	c.teardown(context.Cause(gctx))
}

type outFrame struct {
	data []byte
	// switches the connection to the compressed stream from the next frame on
	startCompression bool
}

// binding is one subscription of the connection to a shard.
type binding struct {
	sub      *shard.Subscription
	done     chan struct{}
	released bool
}

// clientConn is the per-connection state. readLoop owns session and bind;
// writeLoop owns stream.
type clientConn struct {
	h      *WSHandler
	id     string
	ws     *websocket.Conn
	out    chan outFrame
	log    zerolog.Logger
	cancel context.CancelCauseFunc
	group  *errgroup.Group

	stream *compress.Stream

	mu      sync.Mutex
	session *core.Session
	shard   *shard.Shard
	bind    *binding
}

func (c *clientConn) readLoop(ctx, readCtx context.Context) error {
	for {
		_, data, err := c.ws.Read(readCtx)
		if err != nil {
			return err
		}

		ev, err := proto.ReadEvent(data)
		if err != nil {
			c.h.metrics.RecordMalformed("downstream")
			c.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch ev.Op {
		case proto.OpHeartbeat:
			err = c.send(ctx, outFrame{data: proto.HeartbeatAck})
		case proto.OpIdentify:
			err = c.identify(ctx, data)
		case proto.OpResume:
			err = c.resume(ctx, data)
		default:
			err = c.forward(ctx, data)
		}
		if err != nil {
			return err
		}
	}
}

func (c *clientConn) identify(ctx context.Context, data []byte) error {
	var body proto.IdentifyData
	if err := decodeBody(data, &body); err != nil {
		return err
	}
	shardID, count, ok := body.ShardPair()
	if !ok {
		return &core.CoreError{Code: core.ErrCodeProtocolViolation, Message: "shard must be [id, count]", Err: errBadPayload}
	}

	session, err := c.h.hub.Identify(shardID, count, body.Token, body.Compress)
	if err != nil {
		c.log.Info().Err(err).Int("shard", shardID).Int("count", count).Msg("identify rejected")
		return err
	}
	sh, ok := c.h.shards.Get(shardID)
	if !ok {
		c.h.hub.Remove(session.ID)
		return &core.CoreError{Code: core.ErrCodeProtocolViolation, Message: "shard not hosted", Err: core.ErrShardNotHosted}
	}

	// a second identify replaces the previous session of this connection
	if prev := c.unbind(); prev != nil {
		c.h.hub.Remove(prev.ID)
	}
	c.h.hub.Bind(session, c.id, c.cancel)

	if body.Compress && c.stream == nil {
		if err := c.send(ctx, outFrame{startCompression: true}); err != nil {
			return err
		}
	}

	att, err := sh.Attach(ctx, session.ID)
	if err != nil {
		c.h.hub.Remove(session.ID)
		if errors.Is(err, shard.ErrClosed) {
			return errShardGone
		}
		return err
	}
	for _, frame := range att.Snapshot {
		if err := c.send(ctx, outFrame{data: frame}); err != nil {
			att.Sub.Close()
			return err
		}
	}
	session.SetSequence(int64(len(att.Snapshot)))

	c.log.Info().Str("session_id", session.ID).Int("shard", shardID).Int("snapshot", len(att.Snapshot)).Msg("client identified")
	c.bindTo(session, sh, att.Sub)
	return nil
}

func (c *clientConn) resume(ctx context.Context, data []byte) error {
	var body proto.ResumeData
	if err := decodeBody(data, &body); err != nil {
		return err
	}

	session, err := c.h.hub.Resume(body.SessionID, body.Seq, body.Token)
	if err != nil {
		c.log.Info().Err(err).Str("session_id", body.SessionID).Msg("resume rejected")
		return c.send(ctx, outFrame{data: proto.InvalidSession(false)})
	}
	sh, ok := c.h.shards.Get(session.ShardID)
	if !ok {
		return c.send(ctx, outFrame{data: proto.InvalidSession(false)})
	}
	sub, err := sh.Reattach()
	if err != nil {
		c.log.Info().Err(err).Str("session_id", session.ID).Msg("resume while shard not ready")
		return c.send(ctx, outFrame{data: proto.InvalidSession(false)})
	}

	if prev := c.unbind(); prev != nil && prev != session {
		c.h.hub.Detach(prev, c.id)
	}
	c.h.hub.Bind(session, c.id, c.cancel)

	if err := c.send(ctx, outFrame{data: proto.Resumed}); err != nil {
		sub.Close()
		return err
	}

	c.log.Info().Str("session_id", session.ID).Int64("seq", session.Sequence()).Msg("client resumed")
	c.bindTo(session, sh, sub)
	return nil
}

// forward relays any other command to the bound shard. Commands from a
// connection without a session, or while the shard is not ready, are dropped.
func (c *clientConn) forward(ctx context.Context, data []byte) error {
	c.mu.Lock()
	sh := c.shard
	c.mu.Unlock()
	if sh == nil {
		return nil
	}

	err := sh.Send(ctx, data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, shard.ErrNotReady):
		c.log.Debug().Msg("dropping command, shard not ready")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		c.log.Warn().Err(err).Msg("forward command upstream")
		return nil
	}
}

func (c *clientConn) bindTo(session *core.Session, sh *shard.Shard, sub *shard.Subscription) {
	b := &binding{sub: sub, done: make(chan struct{})}

	c.mu.Lock()
	c.session, c.shard, c.bind = session, sh, b
	c.mu.Unlock()

	c.group.Go(func() error { return c.pump(session, b) })
}

// unbind drops the current subscription and waits for its pump to stop so
// that no frame of the old binding follows frames of the new one.
func (c *clientConn) unbind() *core.Session {
	c.mu.Lock()
	session, b := c.session, c.bind
	if b != nil {
		b.released = true
	}
	c.session, c.shard, c.bind = nil, nil, nil
	c.mu.Unlock()

	if b != nil {
		b.sub.Close()
		<-b.done
	}
	return session
}

// pump moves broadcast frames into the outbound queue, numbering them with
// the session's own sequence.
func (c *clientConn) pump(session *core.Session, b *binding) error {
	defer close(b.done)

	for f := range b.sub.C {
		seq := session.NextSequence()
		select {
		case c.out <- outFrame{data: proto.RewriteSequence(f.Data, f.Event, seq)}:
		default:
			c.h.metrics.RecordOverflow()
			return errBackpressure
		}
	}

	c.mu.Lock()
	released := b.released
	c.mu.Unlock()
	switch {
	case released:
		return nil
	case b.sub.Overflowed():
		c.h.metrics.RecordOverflow()
		return errBackpressure
	default:
		return errShardGone
	}
}

func (c *clientConn) writeLoop(ctx, writeCtx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.out:
			if f.startCompression {
				if c.stream == nil {
					stream, err := compress.NewStream()
					if err != nil {
						return &core.CoreError{Code: core.ErrCodeCompressorFault, Message: "compressor fault", Err: err}
					}
					c.stream = stream
				}
				continue
			}

			typ, data := websocket.MessageText, f.data
			if c.stream != nil {
				compressed, err := c.stream.Compress(data)
				if err != nil {
					return &core.CoreError{Code: core.ErrCodeCompressorFault, Message: "compressor fault", Err: err}
				}
				typ, data = websocket.MessageBinary, compressed
			}
			if err := c.ws.Write(writeCtx, typ, data); err != nil {
				return err
			}
			c.h.metrics.RecordFrameSent(c.stream != nil)
		}
	}
}

func (c *clientConn) send(ctx context.Context, f outFrame) error {
	select {
	case c.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown releases the session: kept for resume unless the stream broke.
func (c *clientConn) teardown(err error) {
	session := c.unbind()
	if c.stream != nil {
		c.stream.Close()
	}
	if session == nil {
		return
	}
	if core.Code(err) == core.ErrCodeCompressorFault {
		c.h.hub.Remove(session.ID)
		return
	}
	c.h.hub.Detach(session, c.id)
}

func decodeBody(frame []byte, v any) error {
	var env proto.Inbound
	if err := gojson.Unmarshal(frame, &env); err != nil {
		return &core.CoreError{Code: core.ErrCodeProtocolViolation, Message: "undecodable frame", Err: errBadPayload}
	}
	if err := gojson.Unmarshal(env.Data, v); err != nil {
		return &core.CoreError{Code: core.ErrCodeProtocolViolation, Message: "undecodable payload", Err: errBadPayload}
	}
	return nil
}

// closeStatus maps the reason a connection ended to the close frame sent.
func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return websocket.StatusNormalClosure, "closing"
	case errors.Is(err, core.ErrSessionReplaced):
		return websocket.StatusNormalClosure, err.Error()
	case errors.Is(err, errBadPayload):
		return websocket.StatusProtocolError, err.Error()
	}

	switch core.Code(err) {
	case core.ErrCodeProtocolViolation, core.ErrCodeBackpressure:
		return websocket.StatusPolicyViolation, err.Error()
	case core.ErrCodeCompressorFault:
		return websocket.StatusInternalError, err.Error()
	case core.ErrCodeUpstreamDisconnect:
		return websocket.StatusGoingAway, err.Error()
	}

	// the peer closed first; the close frame is only echoed
	if s := websocket.CloseStatus(err); s != -1 {
		return websocket.StatusNormalClosure, "closing"
	}
	return websocket.StatusInternalError, "internal error"
}
