// Package store is the persistence boundary of the control plane. Components
// depend on these interfaces; the gorm and redis implementations live beside
// them, and tests substitute in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/browserpilot/backend/internal/models"
)

// Common errors
var (
	ErrNotFound            = errors.New("record not found")
	ErrActiveSessionExists = errors.New("user already has an active session")
	ErrTaskNotClaimable    = errors.New("task is not in a claimable state")
)

// SessionStore persists browser sessions. Create must fail with
// ErrActiveSessionExists when the user already has an active session; the
// postgres implementation backs this with a partial unique index so the
// invariant holds even under concurrent creates.
type SessionStore interface {
	Create(ctx context.Context, session *models.BrowserSession) error
	Get(ctx context.Context, id uuid.UUID) (*models.BrowserSession, error)
	Update(ctx context.Context, session *models.BrowserSession) error
	LatestActive(ctx context.Context, userID uuid.UUID) (*models.BrowserSession, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.BrowserSession, error)
}

// PermissionStore persists per-user, per-domain site permissions. Domains are
// stored normalized; Upsert preserves the original GrantedAt on update.
type PermissionStore interface {
	Get(ctx context.Context, userID uuid.UUID, domain string) (*models.SitePermission, error)
	Upsert(ctx context.Context, perm *models.SitePermission) error
	Delete(ctx context.Context, userID uuid.UUID, domain string) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.SitePermission, error)
}

// ConfirmationStore holds pending high-risk confirmations. Take atomically
// consumes a confirmation so a confirm/deny race admits at most one winner.
type ConfirmationStore interface {
	Put(ctx context.Context, pending *models.PendingConfirmation) error
	Take(ctx context.Context, token string) (*models.PendingConfirmation, error)
	Delete(ctx context.Context, token string) error
}

// TaskStore persists scheduled browser tasks. Claim performs the optimistic
// scheduled -> running transition and fails with ErrTaskNotClaimable if
// another executor got there first.
type TaskStore interface {
	Create(ctx context.Context, task *models.BrowserTask) error
	Get(ctx context.Context, id uuid.UUID) (*models.BrowserTask, error)
	Update(ctx context.Context, task *models.BrowserTask) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.BrowserTask, error)
	Due(ctx context.Context, now time.Time, limit int) ([]models.BrowserTask, error)
	Claim(ctx context.Context, id uuid.UUID) (*models.BrowserTask, error)
}

// WorkflowStore persists recorded workflows.
type WorkflowStore interface {
	Create(ctx context.Context, wf *models.BrowserWorkflow) error
	Get(ctx context.Context, id uuid.UUID) (*models.BrowserWorkflow, error)
	Update(ctx context.Context, wf *models.BrowserWorkflow) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.BrowserWorkflow, error)
}
