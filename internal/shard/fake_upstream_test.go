package shard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/shardproxy/internal/proto"
)

// fakeUpstream accepts gateway connections and hands them to the test.
type fakeUpstream struct {
	srv   *httptest.Server
	conns chan *fakeConn
}

type fakeConn struct {
	c    *websocket.Conn
	done chan struct{}
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{conns: make(chan *fakeConn, 4)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{c: c, done: make(chan struct{})}
		f.conns <- fc
		<-fc.done
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) URL() string {
	return f.srv.URL
}

func (f *fakeUpstream) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-f.conns:
		t.Cleanup(func() {
			fc.c.CloseNow()
			close(fc.done)
		})
		return fc
	case <-time.After(3 * time.Second):
		require.FailNow(t, "shard did not connect")
		return nil
	}
}

func (fc *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fc.c.Write(ctx, websocket.MessageText, []byte(frame)), "fake upstream write")
}

func (fc *fakeConn) recv(t *testing.T) proto.Inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := fc.c.Read(ctx)
	require.NoError(t, err, "fake upstream read")
	var in proto.Inbound
	require.NoError(t, json.Unmarshal(data, &in), "decode %s", data)
	return in
}

// discard keeps reading so heartbeats and close handshakes are answered.
func (fc *fakeConn) discard() {
	go func() {
		for {
			if _, _, err := fc.c.Read(context.Background()); err != nil {
				return
			}
		}
	}()
}
