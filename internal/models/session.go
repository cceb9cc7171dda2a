package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a browser session.
// Transitions are one-directional except active <-> paused; completed is terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// SessionIdleTimeout is how long a session may sit without activity before it
// is auto-completed on the next read.
const SessionIdleTimeout = 30 * time.Minute

// BrowserTab mirrors the state of one tab in the remote browser. Tabs are
// refreshed from the bridge on session-state reads and are not independently
// persisted.
type BrowserTab struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// BrowserSession is a long-lived control-plane handle on a browser running on
// a user-owned device. At most one active session per user exists at a time;
// the store enforces this with a partial unique index.
type BrowserSession struct {
	ID     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Status   SessionStatus `gorm:"size:20;not null;default:'active'" json:"status"`
	DeviceID string        `gorm:"size:100;not null" json:"device_id"`

	// Remote browser state
	Tabs []BrowserTab `gorm:"serializer:json;type:jsonb" json:"tabs"`

	TaskDescription string `gorm:"type:text" json:"task_description,omitempty"`

	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdleExpired reports whether the session has been inactive past the timeout.
func (s *BrowserSession) IdleExpired(now time.Time) bool {
	return now.Sub(s.LastActivityAt) > SessionIdleTimeout
}

// DeviceInfo describes a device known to the bridge.
type DeviceInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
