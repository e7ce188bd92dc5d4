package proto

import (
	"errors"
	"strconv"
)

// ErrMalformedFrame is returned when a frame carries no usable opcode.
var ErrMalformedFrame = errors.New("malformed frame")

// Event holds the routing fields of a frame. The frame itself is never decoded.
type Event struct {
	Op     int
	Seq    int64
	HasSeq bool
	Type   string

	// byte range of the "s" value inside the frame, -1 when absent
	seqStart, seqEnd int
}

// ReadEvent scans the top level of a JSON object for "op", "s" and "t".
// Nested values are skipped without being decoded and the scan stops as
// soon as all three keys were seen.
func ReadEvent(frame []byte) (Event, error) {
	ev := Event{seqStart: -1, seqEnd: -1}

	i := skipSpace(frame, 0)
	if i >= len(frame) || frame[i] != '{' {
		return ev, ErrMalformedFrame
	}
	i++

	var haveOp, haveSeq, haveType bool
	for !(haveOp && haveSeq && haveType) {
		i = skipSpace(frame, i)
		if i >= len(frame) {
			return ev, ErrMalformedFrame
		}
		switch frame[i] {
		case '}':
			if !haveOp {
				return ev, ErrMalformedFrame
			}
			return ev, nil
		case ',':
			i++
			continue
		case '"':
		default:
			return ev, ErrMalformedFrame
		}

		keyEnd, ok := skipString(frame, i)
		if !ok {
			return ev, ErrMalformedFrame
		}
		key := frame[i+1 : keyEnd-1]

		i = skipSpace(frame, keyEnd)
		if i >= len(frame) || frame[i] != ':' {
			return ev, ErrMalformedFrame
		}
		i = skipSpace(frame, i+1)

		valStart := i
		valEnd, ok := skipValue(frame, i)
		if !ok {
			return ev, ErrMalformedFrame
		}
		val := frame[valStart:valEnd]
		i = valEnd

		switch string(key) {
		case "op":
			op, err := strconv.Atoi(string(val))
			if err != nil {
				return ev, ErrMalformedFrame
			}
			ev.Op = op
			haveOp = true
		case "s":
			haveSeq = true
			ev.seqStart, ev.seqEnd = valStart, valEnd
			if isNull(val) {
				continue
			}
			seq, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				// a non-integer sequence is treated like null
				continue
			}
			ev.Seq = seq
			ev.HasSeq = true
		case "t":
			haveType = true
			if isNull(val) || len(val) < 2 || val[0] != '"' {
				continue
			}
			t, err := strconv.Unquote(string(val))
			if err != nil {
				return ev, ErrMalformedFrame
			}
			ev.Type = t
		}
	}

	return ev, nil
}

// RewriteSequence returns a copy of frame with its "s" value replaced by seq.
// Frames without an "s" key are returned unchanged.
func RewriteSequence(frame []byte, ev Event, seq int64) []byte {
	if ev.seqStart < 0 || ev.seqEnd > len(frame) {
		return frame
	}

	num := strconv.AppendInt(nil, seq, 10)
	out := make([]byte, 0, len(frame)-(ev.seqEnd-ev.seqStart)+len(num))
	out = append(out, frame[:ev.seqStart]...)
	out = append(out, num...)
	out = append(out, frame[ev.seqEnd:]...)
	return out
}

func isNull(v []byte) bool {
	return string(v) == "null"
}

func skipSpace(b []byte, i int) int {
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// skipString expects b[i] == '"' and returns the index just past the closing quote.
func skipString(b []byte, i int) (int, bool) {
	for i++; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '"':
			return i + 1, true
		}
	}
	return i, false
}

// skipValue returns the index just past the JSON value starting at b[i].
func skipValue(b []byte, i int) (int, bool) {
	if i >= len(b) {
		return i, false
	}

	switch b[i] {
	case '"':
		return skipString(b, i)
	case '{', '[':
		depth := 0
		for i < len(b) {
			switch b[i] {
			case '"':
				end, ok := skipString(b, i)
				if !ok {
					return end, false
				}
				i = end
				continue
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return i + 1, true
				}
			}
			i++
		}
		return i, false
	default:
		start := i
		for i < len(b) {
			switch b[i] {
			case ',', '}', ']', ' ', '\t', '\n', '\r':
				return i, i > start
			}
			i++
		}
		return i, i > start
	}
}
