package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessLevel is the per-domain permission tier.
type AccessLevel string

const (
	AccessFull     AccessLevel = "full"
	AccessReadOnly AccessLevel = "read-only"
	AccessBlocked  AccessLevel = "blocked"
)

// SitePermission is a user's grant for one domain. Keyed uniquely by
// (user_id, domain); the domain is stored normalized (lowercase, no www).
type SitePermission struct {
	ID     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_domain" json:"user_id"`
	Domain string    `gorm:"size:255;not null;uniqueIndex:idx_user_domain" json:"domain"`

	AccessLevel AccessLevel `gorm:"size:20;not null;default:'read-only'" json:"access_level"`

	// Action types the user has allowed on this domain (full access only).
	AllowedActions []ActionType `gorm:"serializer:json;type:jsonb" json:"allowed_actions"`

	// High-risk categories that still need a fresh confirmation on this
	// domain. purchase/payment/delete always confirm regardless.
	RequiresConfirmation []RiskType `gorm:"serializer:json;type:jsonb" json:"requires_confirmation"`

	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the grant has lapsed.
func (p *SitePermission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// AllowsAction reports whether an action type is in the grant's allowed set.
func (p *SitePermission) AllowsAction(action ActionType) bool {
	for _, a := range p.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// ConfirmationTTL is how long a minted confirmation token stays valid.
const ConfirmationTTL = 5 * time.Minute

// PendingConfirmation is a single-use approval request for one high-risk
// action. It lives in Redis with a TTL and is deleted on confirm or deny.
type PendingConfirmation struct {
	Token       string        `json:"token"`
	UserID      uuid.UUID     `json:"user_id"`
	Action      BrowserAction `json:"action"`
	Domain      string        `json:"domain"`
	Description string        `json:"description"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}
