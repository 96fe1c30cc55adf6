package halo

import (
	"errors"
	"fmt"
)

// ErrSessionInvalid matches any error caused by an expired or revoked
// session token pair.
var ErrSessionInvalid = errors.New("halo session invalid")

// SessionError is returned when the upstream rejects a credential.
type SessionError struct {
	Op      string
	Message string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("halo %s: session rejected: %s", e.Op, e.Message)
}

func (e *SessionError) Is(target error) bool {
	return target == ErrSessionInvalid
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}
