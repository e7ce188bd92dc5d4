package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeMalformedFrame     = "malformed_frame"
	ErrCodeProtocolViolation  = "protocol_violation"
	ErrCodeUpstreamDisconnect = "upstream_disconnect"
	ErrCodeCompressorFault    = "compressor_fault"
	ErrCodeInvalidSession     = "invalid_session"
	ErrCodeBackpressure       = "backpressure"
)

var (
	ErrShardCountMismatch = errors.New("shard count mismatch")
	ErrShardOutOfRange    = errors.New("shard id out of range")
	ErrShardNotHosted     = errors.New("shard not hosted by this proxy")
	ErrBadToken           = errors.New("invalid token")
	ErrUnknownSession     = errors.New("unknown session")
	ErrSessionExpired     = errors.New("session expired")
	ErrSequenceAhead      = errors.New("sequence ahead of session")
	ErrSessionReplaced    = errors.New("session resumed elsewhere")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func coreError(code string, err error) *CoreError {
	return &CoreError{Code: code, Message: err.Error(), Err: err}
}

// Code extracts the domain code from err, or "" when err carries none.
func Code(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
