package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/shardproxy/internal/cache"
	"github.com/vovakirdan/shardproxy/internal/config"
	"github.com/vovakirdan/shardproxy/internal/core"
	"github.com/vovakirdan/shardproxy/internal/metrics"
	"github.com/vovakirdan/shardproxy/internal/proto"
	"github.com/vovakirdan/shardproxy/internal/scheduler"
	"github.com/vovakirdan/shardproxy/internal/shard"
)

const testToken = "secret"

// upstream is a scripted gateway the shard connects to.
type upstream struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{conns: make(chan *websocket.Conn, 2)}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		u.conns <- c
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type testEnv struct {
	ts       *httptest.Server
	hub      *core.Hub
	shard    *shard.Shard
	upstream *websocket.Conn
	upFrames chan proto.Inbound
	metrics  *metrics.Metrics
}

// startTestServer runs one Ready shard behind the proxy server.
func startTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.Token = testToken
	cfg.Shards = 1
	cfg.ShardEnd = 0
	cfg.ReadHeaderTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	up := newUpstream(t)
	m := metrics.New()
	logger := zerolog.Nop()

	sh := shard.New(shard.Config{
		ID:              0,
		Count:           1,
		Token:           testToken,
		GatewayURL:      up.srv.URL,
		Cache:           cache.AllFlags(),
		SubscriberQueue: cfg.Backpressure,
		ReconnectMin:    10 * time.Millisecond,
	}, scheduler.New(scheduler.Limits{MaxConcurrency: 1}), shard.WithMetrics(m))

	hub := core.NewHub(core.Config{
		Token:         cfg.Token,
		ValidateToken: cfg.ValidateToken,
		ShardCount:    cfg.Shards,
		FirstShard:    0,
		LastShard:     0,
		ResumeGrace:   cfg.ResumeGrace,
	}, core.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	shardDone := make(chan struct{})
	go func() {
		_ = sh.Run(ctx)
		close(shardDone)
	}()
	go hub.Run(ctx)

	server := NewServer(hub, shard.NewSet(sh), &cfg, m, &logger)
	ts := httptest.NewServer(server.Handler)

	env := &testEnv{ts: ts, hub: hub, shard: sh, metrics: m, upFrames: make(chan proto.Inbound, 16)}
	t.Cleanup(func() {
		cancel()
		<-shardDone
		ts.Close()
	})

	env.handshakeUpstream(t, up)
	return env
}

func (e *testEnv) handshakeUpstream(t *testing.T, up *upstream) {
	t.Helper()

	var conn *websocket.Conn
	select {
	case conn = <-up.conns:
	case <-time.After(3 * time.Second):
		require.FailNow(t, "shard did not connect upstream")
	}
	e.upstream = conn
	t.Cleanup(func() { conn.CloseNow() })

	e.upSend(t, `{"t":null,"s":null,"op":10,"d":{"heartbeat_interval":45000}}`)
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var in proto.Inbound
			if json.Unmarshal(data, &in) == nil {
				e.upFrames <- in
			}
		}
	}()
	require.Equal(t, proto.OpIdentify, e.upRecv(t).Op, "expected upstream identify")
	e.upSend(t, `{"t":"READY","s":1,"op":0,"d":{"v":10,"session_id":"up","resume_gateway_url":"ws://up","user":{"id":"9"},"guilds":[]}}`)

	require.Eventually(t, func() bool { return e.shard.State() == shard.StateReady }, 3*time.Second, 5*time.Millisecond, "shard not ready")
}

func (e *testEnv) upSend(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.upstream.Write(ctx, websocket.MessageText, []byte(frame)), "upstream write")
}

func (e *testEnv) upRecv(t *testing.T) proto.Inbound {
	t.Helper()
	select {
	case in := <-e.upFrames:
		return in
	case <-time.After(3 * time.Second):
		require.FailNow(t, "no frame reached upstream")
		return proto.Inbound{}
	}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := strings.Replace(e.ts.URL, "http", "ws", 1) + "/" + query
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err, "dial")
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// clientFrame is a decoded downstream frame.
type clientFrame struct {
	Type *string         `json:"t"`
	Seq  *int64          `json:"s"`
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
}

func readFrame(t *testing.T, conn *websocket.Conn) clientFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err, "read frame")
	var f clientFrame
	require.NoError(t, json.Unmarshal(data, &f), "decode %s", data)
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)), "write frame")
}

func identifyFrame(shardID, count int, token string) string {
	return `{"op":2,"d":{"token":"` + token + `","shard":[` + itoa(shardID) + `,` + itoa(count) + `]}}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
