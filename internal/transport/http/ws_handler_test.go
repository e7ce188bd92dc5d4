package http

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/shardproxy/internal/config"
	"github.com/vovakirdan/shardproxy/internal/proto"
)

func TestHealthAndStatusEndpoints(t *testing.T) {
	env := startTestServer(t, nil)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp, err := env.ts.Client().Get(env.ts.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode, path)
	}

	resp, err := env.ts.Client().Get(env.ts.URL + "/shards")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status struct {
		Shards []struct {
			ID    int    `json:"id"`
			State string `json:"state"`
		} `json:"shards"`
		Sessions int `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Len(t, status.Shards, 1)
	assert.Equal(t, "ready", status.Shards[0].State)
}

func TestIdentifyReceivesHelloAndSnapshot(t *testing.T) {
	env := startTestServer(t, func(c *config.Config) { c.HeartbeatInterval = 1234 })
	conn := env.dial(t, "")

	hello := readFrame(t, conn)
	require.Equal(t, proto.OpHello, hello.Op)
	assert.JSONEq(t, `{"heartbeat_interval":1234}`, string(hello.Data))

	writeFrame(t, conn, identifyFrame(0, 1, testToken))
	ready := readFrame(t, conn)
	expectDispatch(t, ready, "READY", 1)
	var body struct {
		SessionID string            `json:"session_id"`
		Guilds    []json.RawMessage `json:"guilds"`
	}
	require.NoError(t, json.Unmarshal(ready.Data, &body))
	assert.Empty(t, body.Guilds)
	assert.Len(t, body.SessionID, 32)
	assert.Equal(t, 1, env.hub.Count())

	// live frames carry the client's own sequence
	env.upSend(t, `{"t":"MESSAGE_CREATE","s":57,"op":0,"d":{"content":"hi"}}`)
	expectDispatch(t, readFrame(t, conn), "MESSAGE_CREATE", 2)
}

func TestIdentifyOutOfRangeShardIsClosed(t *testing.T) {
	env := startTestServer(t, nil)
	conn := env.dial(t, "")
	readFrame(t, conn)

	writeFrame(t, conn, identifyFrame(1, 1, testToken))
	expectClose(t, conn, websocket.StatusPolicyViolation)
	assert.Zero(t, env.hub.Count(), "rejected identify created a session")
}

func TestIdentifyBadTokenIsClosed(t *testing.T) {
	env := startTestServer(t, nil)
	conn := env.dial(t, "")
	readFrame(t, conn)

	writeFrame(t, conn, identifyFrame(0, 1, "wrong"))
	expectClose(t, conn, websocket.StatusPolicyViolation)
}

func TestResumeUnknownSessionKeepsConnection(t *testing.T) {
	env := startTestServer(t, nil)
	conn := env.dial(t, "")
	readFrame(t, conn)

	writeFrame(t, conn, `{"op":6,"d":{"token":"secret","session_id":"nope","seq":0}}`)
	invalid := readFrame(t, conn)
	require.Equal(t, proto.OpInvalidSession, invalid.Op)
	assert.Equal(t, "false", string(invalid.Data))

	writeFrame(t, conn, `{"op":1,"d":null}`)
	assert.Equal(t, proto.OpHeartbeatAck, readFrame(t, conn).Op)
}

func TestResumeAfterDisconnect(t *testing.T) {
	env := startTestServer(t, nil)

	first := env.dial(t, "")
	readFrame(t, first)
	writeFrame(t, first, identifyFrame(0, 1, testToken))
	sessionID := sessionOf(t, readFrame(t, first))
	first.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, func() bool {
		s, ok := env.hub.Get(sessionID)
		return ok && !s.Attached()
	})

	second := env.dial(t, "")
	readFrame(t, second)
	writeFrame(t, second, `{"op":6,"d":{"token":"secret","session_id":"`+sessionID+`","seq":1}}`)
	resumed := readFrame(t, second)
	require.NotNil(t, resumed.Type)
	assert.Equal(t, "RESUMED", *resumed.Type)
	assert.Nil(t, resumed.Seq)

	env.upSend(t, `{"t":"TYPING_START","s":2,"op":0,"d":{}}`)
	expectDispatch(t, readFrame(t, second), "TYPING_START", 2)
}

func TestHeartbeatAndForwarding(t *testing.T) {
	env := startTestServer(t, nil)
	conn := env.dial(t, "")
	readFrame(t, conn)

	// nothing is forwarded before a session exists
	writeFrame(t, conn, `{"op":8,"d":{"guild_id":"1"}}`)
	writeFrame(t, conn, `not json`)

	writeFrame(t, conn, identifyFrame(0, 1, testToken))
	readFrame(t, conn)

	writeFrame(t, conn, `{"op":8,"d":{"guild_id":"2","query":"","limit":0}}`)
	in := env.upRecv(t)
	require.Equal(t, proto.OpRequestGuildMembers, in.Op)
	assert.Contains(t, string(in.Data), `"2"`)

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.MalformedFrames.WithLabelValues("downstream")))
}

func TestCompressedStreamDecodes(t *testing.T) {
	env := startTestServer(t, nil)
	conn := env.dial(t, "?v=10&compress=zlib-stream")

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	reader := flate.NewReader(pr)
	dec := json.NewDecoder(reader)

	go func() {
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if typ != websocket.MessageBinary || !bytes.HasSuffix(data, []byte{0, 0, 0xff, 0xff}) {
				pw.CloseWithError(errors.New("frame is not a flushed binary message"))
				return
			}
			if _, err := pw.Write(data); err != nil {
				return
			}
		}
	}()

	next := func() clientFrame {
		t.Helper()
		var f clientFrame
		require.NoError(t, dec.Decode(&f), "decode compressed frame")
		return f
	}

	assert.Equal(t, proto.OpHello, next().Op)
	writeFrame(t, conn, identifyFrame(0, 1, testToken))
	expectDispatch(t, next(), "READY", 1)
	env.upSend(t, `{"t":"MESSAGE_CREATE","s":2,"op":0,"d":{"content":"zip"}}`)
	expectDispatch(t, next(), "MESSAGE_CREATE", 2)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	env := startTestServer(t, func(c *config.Config) { c.Backpressure = 2 })
	conn := env.dial(t, "")
	conn.SetReadLimit(1 << 20)
	readFrame(t, conn)
	writeFrame(t, conn, identifyFrame(0, 1, testToken))
	sessionID := sessionOf(t, readFrame(t, conn))

	// the client stops reading while the shard keeps publishing
	payload := `{"t":"MESSAGE_CREATE","s":1,"op":0,"d":{"content":"` + string(bytes.Repeat([]byte("x"), 64<<10)) + `"}}`
	for range 256 {
		if testutil.ToFloat64(env.metrics.ClientOverflows) > 0 {
			break
		}
		env.upSend(t, payload)
	}
	waitFor(t, func() bool { return testutil.ToFloat64(env.metrics.ClientOverflows) > 0 })
	expectClose(t, conn, websocket.StatusPolicyViolation)

	// the session survives for a later resume
	waitFor(t, func() bool {
		s, ok := env.hub.Get(sessionID)
		return ok && !s.Attached()
	})
}

func sessionOf(t *testing.T, ready clientFrame) string {
	t.Helper()
	var body struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(ready.Data, &body))
	require.NotEmpty(t, body.SessionID, "no session id in %s", ready.Data)
	return body.SessionID
}

func expectDispatch(t *testing.T, f clientFrame, eventType string, seq int64) {
	t.Helper()
	require.NotNil(t, f.Type, "expected %s, got op %d", eventType, f.Op)
	assert.Equal(t, eventType, *f.Type)
	require.NotNil(t, f.Seq)
	assert.Equal(t, seq, *f.Seq)
}

func expectClose(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		require.Equal(t, want, websocket.CloseStatus(err), "close status, read error: %v", err)
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 5*time.Millisecond)
}
