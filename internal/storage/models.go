package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Class stages that are polled.
const (
	StagePreStart = "PRE_START"
	StageCurrent  = "CURRENT"
	StagePost     = "POST"
)

// Membership statuses.
const (
	MemberActive   = "ACTIVE"
	MemberInactive = "INACTIVE"
)

type SnapshotRecord struct {
	Kind      string
	Key       string
	ItemsJSON []byte
	UpdatedAt time.Time
}

// Credential is a user's stored session token pair.
type Credential struct {
	UserID         string
	Auth           string
	Context        string
	HaloUserID     string
	NextRefreshAt  time.Time  // zero when never scheduled
	DisconnectedAt *time.Time // nil while usable
	UpdatedAt      time.Time
}

// CredentialChange describes a write to the credentials table.
// Credential is nil when the user's credential was deleted.
type CredentialChange struct {
	UserID     string
	Credential *Credential
}

type Class struct {
	ID         string    `json:"id"`
	SlugID     string    `json:"slug_id"`
	ClassCode  string    `json:"class_code"`
	CourseCode string    `json:"course_code"`
	Name       string    `json:"name"`
	Stage      string    `json:"stage"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ClassMember struct {
	ClassID            string    `json:"class_id"`
	UserID             string    `json:"user_id"`
	Status             string    `json:"status"`
	GradeNotifications bool      `json:"grade_notifications"`
	JoinedAt           time.Time `json:"joined_at"`
}

// ActiveClass is a class in an active stage together with its active
// members, ordered by join time.
type ActiveClass struct {
	Class
	Members []ClassMember `json:"members"`
}

type InboxForum struct {
	UserID  string `json:"user_id"`
	ForumID string `json:"forum_id"`
}
