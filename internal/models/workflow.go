package models

import (
	"time"

	"github.com/google/uuid"
)

// BrowserWorkflow is a recorded sequence of browser actions that can be
// replayed against a live session, either interactively or by the scheduler.
type BrowserWorkflow struct {
	ID     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Name        string `gorm:"size:200;not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	Steps []BrowserAction `gorm:"serializer:json;type:jsonb" json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
