package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/shardproxy/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:7878/?v=10&encoding=json", "proxy address")
	token := flag.String("token", os.Getenv("SHARDPROXY_TOKEN"), "bot token the proxy validates")
	shardID := flag.Int("shard", 0, "shard id to identify for")
	shardCount := flag.Int("shards", 1, "total shard count")
	frames := flag.Int("frames", 5, "frames to print after the snapshot starts")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(64 << 20)

	var hello struct {
		Op   int             `json:"op"`
		Data proto.HelloData `json:"d"`
	}
	if err := readJSON(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != proto.OpHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	log.Printf("hello: heartbeat every %dms", hello.Data.HeartbeatInterval)

	identify, err := proto.Command(proto.OpIdentify, proto.IdentifyData{
		Token: *token,
		Shard: []int{*shardID, *shardCount},
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, identify); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	for i := 0; i < *frames; i++ {
		var f struct {
			Type *string `json:"t"`
			Seq  *int64  `json:"s"`
			Op   int     `json:"op"`
		}
		if err := readJSON(ctx, conn, &f); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		t, s := "-", int64(0)
		if f.Type != nil {
			t = *f.Type
		}
		if f.Seq != nil {
			s = *f.Seq
		}
		log.Printf("op=%d t=%s s=%d", f.Op, t, s)
	}
	return nil
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
