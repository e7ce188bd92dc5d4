package shard

// State is the readiness of a shard's upstream session.
type State int

const (
	StateConnecting State = iota
	StateIdentifying
	StateResuming
	StateReady
	StateNotReady
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:  "connecting",
	StateIdentifying: "identifying",
	StateResuming:    "resuming",
	StateReady:       "ready",
	StateNotReady:    "not_ready",
	StateClosed:      "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
