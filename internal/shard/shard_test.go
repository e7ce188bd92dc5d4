package shard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/shardproxy/internal/cache"
	"github.com/vovakirdan/shardproxy/internal/metrics"
	"github.com/vovakirdan/shardproxy/internal/proto"
	"github.com/vovakirdan/shardproxy/internal/scheduler"
	"github.com/vovakirdan/shardproxy/internal/store"
	"github.com/vovakirdan/shardproxy/internal/store/sqlite"
)

const helloSlow = `{"t":null,"s":null,"op":10,"d":{"heartbeat_interval":45000}}`

func readyFrame(seq int, resumeURL string) string {
	return `{"t":"READY","s":` + itoa(seq) + `,"op":0,"d":{"v":10,"session_id":"up-1","resume_gateway_url":"` + resumeURL +
		`","user":{"id":"9","username":"bot"},"guilds":[{"id":"100","unavailable":true}]}}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type harness struct {
	up     *fakeUpstream
	shard  *Shard
	cancel context.CancelFunc
	errc   chan error
}

func startShard(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	up := newFakeUpstream(t)
	cfg := Config{
		ID:              0,
		Count:           1,
		Token:           "secret",
		Intents:         513,
		GatewayURL:      up.URL(),
		ExternalURL:     "ws://proxy.local",
		Cache:           cache.AllFlags(),
		SubscriberQueue: 8,
		ReconnectMin:    10 * time.Millisecond,
		ReconnectMax:    50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sched := scheduler.New(scheduler.Limits{MaxConcurrency: 1})
	sh := New(cfg, sched, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{up: up, shard: sh, cancel: cancel, errc: make(chan error, 1)}
	go func() { h.errc <- sh.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(10 * time.Second):
		require.FailNow(t, "shard did not stop")
		return nil
	}
}

// handshake answers the identify on a fresh connection and reaches Ready.
func (h *harness) handshake(t *testing.T, resumeURL string) *fakeConn {
	t.Helper()
	conn := h.up.accept(t)
	conn.send(t, helloSlow)

	in := conn.recv(t)
	require.Equal(t, proto.OpIdentify, in.Op)
	var id proto.UpstreamIdentify
	require.NoError(t, json.Unmarshal(in.Data, &id))
	assert.Equal(t, "secret", id.Token)
	assert.Equal(t, [2]int{0, 1}, id.Shard)
	assert.Equal(t, uint64(513), id.Intents)

	conn.send(t, readyFrame(1, resumeURL))
	require.Eventually(t, func() bool { return h.shard.State() == StateReady }, 3*time.Second, 5*time.Millisecond)
	return conn
}

func TestShardReadyAttachAndBroadcast(t *testing.T) {
	h := startShard(t, nil)
	conn := h.handshake(t, "ws://resume.example")

	conn.send(t, `{"t":"GUILD_CREATE","s":2,"op":0,"d":{"id":"100","name":"Lobby","channels":[{"id":"1","type":0}]}}`)
	require.Eventually(t, func() bool { return h.shard.Status().Cache.Guilds == 1 }, 3*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	att, err := h.shard.Attach(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, att.Snapshot, 2)

	var ready struct {
		Seq  int64 `json:"s"`
		Data struct {
			SessionID string          `json:"session_id"`
			ResumeURL string          `json:"resume_gateway_url"`
			Shard     [2]int          `json:"shard"`
			User      json.RawMessage `json:"user"`
			Guilds    []struct {
				ID          string `json:"id"`
				Unavailable bool   `json:"unavailable"`
			} `json:"guilds"`
		} `json:"d"`
	}
	require.NoError(t, json.Unmarshal(att.Snapshot[0], &ready))
	assert.Equal(t, int64(1), ready.Seq)
	assert.Equal(t, "client-1", ready.Data.SessionID)
	assert.Equal(t, "ws://proxy.local", ready.Data.ResumeURL)
	assert.Equal(t, [2]int{0, 1}, ready.Data.Shard)
	assert.JSONEq(t, `{"id":"9","username":"bot"}`, string(ready.Data.User))
	require.Len(t, ready.Data.Guilds, 1)
	assert.True(t, ready.Data.Guilds[0].Unavailable)

	conn.send(t, `{"t":"MESSAGE_CREATE","s":3,"op":0,"d":{"content":"hi"}}`)
	select {
	case f := <-att.Sub.C:
		assert.Equal(t, "MESSAGE_CREATE", f.Event.Type)
		assert.Equal(t, int64(3), f.Event.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast frame not delivered")
	}

	st := h.shard.Status()
	assert.Equal(t, int64(3), st.Sequence)
	assert.Equal(t, 1, st.Subscribers)
	assert.True(t, st.Resumable)

	conn.discard()
	require.NoError(t, h.stop(t))
	assert.Equal(t, StateClosed, h.shard.State())

	_, open := <-att.Sub.C
	assert.False(t, open, "subscription should end when the shard stops")
	assert.False(t, att.Sub.Overflowed())
}

func TestNonResumableInvalidSessionIdentifiesAgain(t *testing.T) {
	h := startShard(t, nil)
	conn := h.handshake(t, "ws://resume.example")
	conn.send(t, `{"t":"GUILD_CREATE","s":2,"op":0,"d":{"id":"100","name":"Lobby"}}`)
	require.Eventually(t, func() bool { return h.shard.Status().Cache.Guilds == 1 }, 3*time.Second, 5*time.Millisecond)

	conn.send(t, `{"t":null,"s":null,"op":9,"d":false}`)
	conn.discard()
	require.Eventually(t, func() bool { return h.shard.State() == StateNotReady }, 3*time.Second, 5*time.Millisecond)

	st := h.shard.Status()
	assert.False(t, st.Resumable)
	assert.Equal(t, 1, st.Cache.Guilds, "cache is kept across invalidation")

	next := h.up.accept(t)
	next.send(t, helloSlow)
	in := next.recv(t)
	assert.Equal(t, proto.OpIdentify, in.Op, "a fresh identify follows a non-resumable invalidation")

	next.discard()
	require.NoError(t, h.stop(t))
}

func TestReconnectRequestResumes(t *testing.T) {
	h := startShard(t, nil)
	conn := h.handshake(t, "")

	conn.send(t, `{"t":null,"s":null,"op":7,"d":null}`)
	conn.discard()

	next := h.up.accept(t)
	next.send(t, helloSlow)
	in := next.recv(t)
	require.Equal(t, proto.OpResume, in.Op)

	var resume proto.ResumeData
	require.NoError(t, json.Unmarshal(in.Data, &resume))
	assert.Equal(t, "up-1", resume.SessionID)
	assert.Equal(t, int64(1), resume.Seq)
	assert.Equal(t, "secret", resume.Token)
	assert.Equal(t, StateResuming, h.shard.State())

	next.send(t, `{"t":"RESUMED","s":2,"op":0,"d":{}}`)
	require.Eventually(t, func() bool { return h.shard.State() == StateReady }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), h.shard.Status().Sequence)

	next.discard()
	require.NoError(t, h.stop(t))
}

func TestFatalCloseStopsShard(t *testing.T) {
	h := startShard(t, nil)
	conn := h.up.accept(t)
	conn.send(t, helloSlow)
	require.Equal(t, proto.OpIdentify, conn.recv(t).Op)

	go conn.c.Close(4004, "authentication failed")

	select {
	case err := <-h.errc:
		var fatal *FatalCloseError
		require.True(t, errors.As(err, &fatal), "got %v", err)
		assert.Equal(t, 4004, fatal.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("shard kept running after a fatal close")
	}
	assert.Equal(t, StateClosed, h.shard.State())

	_, err := h.shard.Attach(context.Background(), "late")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMissingHeartbeatAckReconnects(t *testing.T) {
	m := metrics.New()
	h := startShard(t, nil, WithMetrics(m))

	conn := h.up.accept(t)
	conn.send(t, `{"t":null,"s":null,"op":10,"d":{"heartbeat_interval":30}}`)
	require.Equal(t, proto.OpIdentify, conn.recv(t).Op)
	conn.discard()

	next := h.up.accept(t)
	next.discard()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ShardReconnects.WithLabelValues("0", "zombie")) == 1
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, h.stop(t))
}

func TestSendRequiresReady(t *testing.T) {
	h := startShard(t, nil)
	err := h.shard.Send(context.Background(), []byte(`{"op":8,"d":{}}`))
	assert.True(t, errors.Is(err, ErrNotReady))

	conn := h.handshake(t, "")
	require.NoError(t, h.shard.Send(context.Background(), []byte(`{"op":8,"d":{"guild_id":"100"}}`)))
	in := conn.recv(t)
	assert.Equal(t, proto.OpRequestGuildMembers, in.Op)

	conn.discard()
	require.NoError(t, h.stop(t))
}

func TestReadyStateIsPersisted(t *testing.T) {
	st, err := sqlite.New("")
	require.NoError(t, err)
	defer st.Close()

	h := startShard(t, nil, WithStore(st))
	conn := h.handshake(t, "wss://resume.example")
	conn.send(t, `{"t":"GUILD_CREATE","s":2,"op":0,"d":{"id":"100","name":"Lobby","channels":[{"id":"1","type":0}]}}`)
	require.Eventually(t, func() bool { return h.shard.Status().Cache.Guilds == 1 }, 3*time.Second, 5*time.Millisecond)
	conn.discard()
	require.NoError(t, h.stop(t))

	saved, err := st.LoadShardState(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "up-1", saved.SessionID)
	assert.Equal(t, "wss://resume.example", saved.ResumeURL)
	assert.Equal(t, int64(2), saved.Sequence)
	assert.Contains(t, string(saved.Ready), `"resume_gateway_url":"ws://proxy.local"`)
	require.NotEmpty(t, saved.Cache, "clean shutdown saves the cache")

	// a restarted shard picks the saved session and guilds up before connecting
	restarted := New(Config{ID: 0, Count: 1, Cache: cache.AllFlags(), ResumeOnStart: true}, nil, WithStore(st))
	restarted.restore(context.Background())
	assert.Equal(t, StateResuming, restarted.State())
	status := restarted.Status()
	assert.True(t, status.Resumable)
	assert.Equal(t, int64(2), status.Sequence)
	assert.Equal(t, 1, status.Cache.Guilds)
	assert.Equal(t, 1, status.Cache.Channels)
	assert.JSONEq(t, `"ws://proxy.local"`, string(restarted.ready["resume_gateway_url"]))

	frames, err := restarted.cache.Snapshot(restarted.clientReady("client-1"), 0)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	var ready struct {
		Guilds json.RawMessage `json:"guilds"`
	}
	require.NoError(t, decodeData(frames[0], &ready))
	assert.JSONEq(t, `[{"id":"100","unavailable":true}]`, string(ready.Guilds))
	ev, err := proto.ReadEvent(frames[1])
	require.NoError(t, err)
	assert.Equal(t, "GUILD_CREATE", ev.Type)
}

func TestRestoreWithoutSavedCacheIdentifies(t *testing.T) {
	st, err := sqlite.New("")
	require.NoError(t, err)
	defer st.Close()

	// READY is persisted without the cache; a crash leaves it like that
	require.NoError(t, st.SaveShardState(context.Background(), &store.ShardState{
		ShardID:   0,
		SessionID: "up-1",
		Sequence:  40,
		ResumeURL: "wss://resume.example",
	}))

	h := startShard(t, func(c *Config) { c.ResumeOnStart = true }, WithStore(st))
	conn := h.up.accept(t)
	conn.send(t, helloSlow)
	assert.Equal(t, proto.OpIdentify, conn.recv(t).Op)
	assert.False(t, h.shard.Status().Resumable)

	conn.discard()
	require.NoError(t, h.stop(t))
}

func TestReplayedFramesUpdateCacheWithoutBroadcast(t *testing.T) {
	h := startShard(t, nil)
	conn := h.handshake(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	att, err := h.shard.Attach(ctx, "client-1")
	require.NoError(t, err)

	conn.send(t, `{"t":null,"s":null,"op":7,"d":null}`)
	conn.discard()

	next := h.up.accept(t)
	next.send(t, helloSlow)
	require.Equal(t, proto.OpResume, next.recv(t).Op)
	require.Equal(t, StateResuming, h.shard.State())

	next.send(t, `{"t":"GUILD_CREATE","s":2,"op":0,"d":{"id":"200","name":"Replayed"}}`)
	require.Eventually(t, func() bool { return h.shard.Status().Cache.Guilds == 1 }, 3*time.Second, 5*time.Millisecond)
	select {
	case f := <-att.Sub.C:
		require.FailNow(t, "frame broadcast while resuming", "%s", f.Data)
	case <-time.After(50 * time.Millisecond):
	}

	next.send(t, `{"t":"RESUMED","s":3,"op":0,"d":{}}`)
	require.Eventually(t, func() bool { return h.shard.State() == StateReady }, 3*time.Second, 5*time.Millisecond)
	next.send(t, `{"t":"MESSAGE_CREATE","s":4,"op":0,"d":{"content":"live"}}`)

	select {
	case f := <-att.Sub.C:
		assert.Equal(t, "MESSAGE_CREATE", f.Event.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("live frame not delivered after RESUMED")
	}

	next.discard()
	require.NoError(t, h.stop(t))
}

func TestAttachHonoursContext(t *testing.T) {
	sh := New(Config{ID: 1, Count: 2}, scheduler.New(scheduler.Limits{MaxConcurrency: 1}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sh.Attach(ctx, "x")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = sh.Reattach()
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestGatewayURL(t *testing.T) {
	assert.Equal(t, "wss://gateway.example?encoding=json&v=10", GatewayURL("wss://gateway.example"))
	assert.Equal(t, "wss://gateway.example/?encoding=json&v=9", GatewayURL("wss://gateway.example/?v=9"))
}
