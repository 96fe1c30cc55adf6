package credential

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one user's credential.
type State int

const (
	Active State = iota
	Refreshing
	Backoff
	Disconnected
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Refreshing:
		return "REFRESHING"
	case Backoff:
		return "BACKOFF"
	case Disconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Active, Refreshing, Backoff, Disconnected} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown credential state %q", b)
}

// Status is a point-in-time view of a user's credential lifecycle.
type Status struct {
	UserID         string     `json:"user_id"`
	State          State      `json:"state"`
	Failures       int        `json:"failures"`
	NextAttempt    *time.Time `json:"next_attempt,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}
