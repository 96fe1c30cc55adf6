// Package event defines the change notifications emitted by the pollers and
// the bus that routes them to delivery handlers.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names the kind of change an Event reports.
type Type string

const (
	TypeAnnouncement Type = "announcement"
	TypeGrade        Type = "grade"
	TypeInbox        Type = "inbox"
	TypeDisconnected Type = "disconnected"
)

// Event is one newly detected item, or a credential disconnection.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	ClassID    string    `json:"class_id,omitempty"`
	CourseCode string    `json:"course_code,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Item       any       `json:"item,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// New returns an event of type t carrying item, stamped with a fresh id and
// the current time.
func New(t Type, item any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Item:       item,
		DetectedAt: time.Now().UTC(),
	}
}

// Sink receives emitted events. A non-nil error means the event may not have
// been delivered and the caller must not treat it as done.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Handler processes one event.
type Handler func(ctx context.Context, e Event) error

// Disconnection reports that userID's session could not be renewed and the
// user must link again.
func Disconnection(userID string) Event {
	e := New(TypeDisconnected, nil)
	e.UserID = userID
	e.Recipients = []string{userID}
	e.Summary = "Halo session expired; link your account again to resume notifications."
	return e
}
