// Package compress implements the per-connection zlib-stream transport
// compression: one raw deflate context shared by every frame sent on a
// connection, each frame terminated by a sync flush.
package compress

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/flate"
)

// ErrCompressorFault reports that the stream can no longer produce valid
// output. The connection using it must be closed.
var ErrCompressorFault = errors.New("compressor fault")

// SyncMarker terminates every sync-flushed frame.
var SyncMarker = []byte{0x00, 0x00, 0xff, 0xff}

// Stream keeps the sliding window across frames. It is not safe for
// concurrent use; the connection write loop owns it.
type Stream struct {
	buf    bytes.Buffer
	w      *flate.Writer
	failed error
}

// NewStream creates a stream at the fastest compression level.
func NewStream() (*Stream, error) {
	s := &Stream{}
	w, err := flate.NewWriter(&s.buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("new flate writer: %w", err)
	}
	s.w = w
	return s, nil
}

// Compress deflates frame and returns the bytes to send. The returned slice
// is owned by the caller.
func (s *Stream) Compress(frame []byte) ([]byte, error) {
	if s.failed != nil {
		return nil, s.failed
	}

	s.buf.Reset()
	if _, err := s.w.Write(frame); err != nil {
		return nil, s.fail(err)
	}
	if err := s.w.Flush(); err != nil {
		return nil, s.fail(err)
	}

	out := s.buf.Bytes()
	if !bytes.HasSuffix(out, SyncMarker) {
		return nil, s.fail(errors.New("output lacks sync marker"))
	}
	return bytes.Clone(out), nil
}

// Failed reports whether the stream hit a fault.
func (s *Stream) Failed() bool {
	return s.failed != nil
}

// Close releases the writer. The trailing bytes it produces are discarded
// because the peer never sees a final block on a live connection.
func (s *Stream) Close() error {
	if s.failed == nil {
		s.failed = fmt.Errorf("%w: stream closed", ErrCompressorFault)
	}
	return s.w.Close()
}

func (s *Stream) fail(cause error) error {
	s.failed = fmt.Errorf("%w: %v", ErrCompressorFault, cause)
	return s.failed
}
