package proto

import (
	"encoding/json"
	"strconv"

	gojson "github.com/goccy/go-json"
)

// Gateway opcodes shared by the upstream and downstream sides.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatAck        = 11
)

// Control frames sent to downstream clients. Their byte layout is part of the protocol.
var (
	HeartbeatAck = []byte(`{"t":null,"s":null,"op":11,"d":null}`)
	Resumed      = []byte(`{"t":"RESUMED","s":null,"op":0,"d":{}}`)
)

// DefaultHeartbeatInterval is advertised in HELLO when nothing else is configured, in milliseconds.
const DefaultHeartbeatInterval = 41250

// Hello builds the HELLO control frame with the given heartbeat interval in milliseconds.
func Hello(intervalMs int) []byte {
	return []byte(`{"t":null,"s":null,"op":10,"d":{"heartbeat_interval":` + strconv.Itoa(intervalMs) + `}}`)
}

// InvalidSession builds the INVALID_SESSION control frame.
func InvalidSession(resumable bool) []byte {
	return []byte(`{"t":null,"s":null,"op":9,"d":` + strconv.FormatBool(resumable) + `}`)
}

// Inbound is the envelope for frames coming from either side.
type Inbound struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
}

// Outbound is the envelope for frames the proxy produces.
// Field order matches what the remote service emits.
type Outbound struct {
	Type *string `json:"t"`
	Seq  *int64  `json:"s"`
	Op   int     `json:"op"`
	Data any     `json:"d"`
}

// Dispatch encodes a dispatch frame of the given type and sequence.
func Dispatch(eventType string, seq int64, data any) ([]byte, error) {
	return gojson.Marshal(Outbound{Type: &eventType, Seq: &seq, Op: OpDispatch, Data: data})
}

// Command encodes a frame sent upstream.
func Command(op int, data any) ([]byte, error) {
	return gojson.Marshal(struct {
		Op   int `json:"op"`
		Data any `json:"d"`
	}{Op: op, Data: data})
}

// IdentifyData is the downstream identify body.
type IdentifyData struct {
	Token    string `json:"token"`
	Shard    []int  `json:"shard,omitempty"`
	Compress bool   `json:"compress,omitempty"`
	Intents  uint64 `json:"intents,omitempty"`
}

// ShardPair returns the [id, count] pair, defaulting to [0, 1] when omitted.
func (d IdentifyData) ShardPair() (id, count int, ok bool) {
	switch len(d.Shard) {
	case 0:
		return 0, 1, true
	case 2:
		return d.Shard[0], d.Shard[1], true
	default:
		return 0, 0, false
	}
}

// ResumeData is the resume body used on both sides.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// HelloData is the upstream HELLO body.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// UpstreamIdentify is the identify body the proxy sends for each shard.
type UpstreamIdentify struct {
	Token          string             `json:"token"`
	Intents        uint64             `json:"intents"`
	Shard          [2]int             `json:"shard"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Presence       json.RawMessage    `json:"presence,omitempty"`
}

// IdentifyProperties describes the connecting library.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}
