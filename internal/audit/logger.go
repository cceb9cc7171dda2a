// Package audit records every decision the control plane makes about a
// browser action: validation outcomes, permission denials, confirmations and
// executions. Entries carry masked action descriptions, never raw values.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/browserpilot/backend/internal/models"
)

// Event identifies what happened.
type Event string

const (
	EventActionValidated Event = "action_validated"
	EventActionDenied    Event = "action_denied"
	EventActionConfirmed Event = "action_confirmed"
	EventActionRejected  Event = "action_rejected"
	EventActionExecuted  Event = "action_executed"

	EventSessionCreated   Event = "session_created"
	EventSessionEnded     Event = "session_ended"
	EventPermissionGrant  Event = "permission_granted"
	EventPermissionRevoke Event = "permission_revoked"

	EventTaskRun Event = "task_run"
)

// Result represents the outcome of an event.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
	ResultDenied  Result = "denied"
)

// AuditLog is one persisted audit entry.
type AuditLog struct {
	ID     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Event  Event  `gorm:"size:50;not null;index" json:"event"`
	Result Result `gorm:"size:20;not null;index" json:"result"`

	SessionID *uuid.UUID `gorm:"type:uuid;index" json:"session_id,omitempty"`
	TaskID    *uuid.UUID `gorm:"type:uuid;index" json:"task_id,omitempty"`

	// Domain the action targeted and a masked human-readable description.
	Domain      string `gorm:"size:200;index" json:"domain,omitempty"`
	Description string `gorm:"size:500" json:"description,omitempty"`

	ActionType models.ActionType `gorm:"size:30" json:"action_type,omitempty"`
	RiskType   models.RiskType   `gorm:"size:30" json:"risk_type,omitempty"`
	Reason     string            `gorm:"type:text" json:"reason,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Entry is the write-side shape; the logger fills in ID and timestamps.
type Entry struct {
	UserID      uuid.UUID
	Event       Event
	Result      Result
	SessionID   *uuid.UUID
	TaskID      *uuid.UUID
	Domain      string
	Description string
	ActionType  models.ActionType
	RiskType    models.RiskType
	Reason      string
}

// Logger writes audit entries, batching in the background so the hot path
// never waits on the database.
type Logger struct {
	db        *gorm.DB
	batchSize int
	batch     chan *AuditLog
	stop      chan struct{}
}

// NewLogger creates an audit logger and starts its batch writer.
func NewLogger(db *gorm.DB) *Logger {
	l := &Logger{
		db:        db,
		batchSize: 100,
		batch:     make(chan *AuditLog, 1000),
		stop:      make(chan struct{}),
	}
	go l.processBatch()
	return l
}

// Log records an entry asynchronously. When the buffer is full the write
// falls through to a direct insert instead of dropping the entry.
func (l *Logger) Log(ctx context.Context, entry *Entry) error {
	record := &AuditLog{
		ID:          uuid.New(),
		UserID:      entry.UserID,
		Event:       entry.Event,
		Result:      entry.Result,
		SessionID:   entry.SessionID,
		TaskID:      entry.TaskID,
		Domain:      entry.Domain,
		Description: entry.Description,
		ActionType:  entry.ActionType,
		RiskType:    entry.RiskType,
		Reason:      entry.Reason,
		CreatedAt:   time.Now(),
	}

	select {
	case l.batch <- record:
		return nil
	default:
		return l.db.WithContext(ctx).Create(record).Error
	}
}

func (l *Logger) processBatch() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var batch []*AuditLog

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.db.CreateInBatches(batch, l.batchSize).Error; err != nil {
			// On error, try one by one
			for _, record := range batch {
				l.db.Create(record)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			flush()
			return
		case record := <-l.batch:
			batch = append(batch, record)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop flushes and halts the batch writer.
func (l *Logger) Stop() {
	close(l.stop)
}

// QueryParams filters an audit log query.
type QueryParams struct {
	UserID    *uuid.UUID
	Event     *Event
	Result    *Result
	Domain    string
	SessionID *uuid.UUID
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query returns matching entries newest first plus the total count.
func (l *Logger) Query(ctx context.Context, params *QueryParams) ([]AuditLog, int64, error) {
	var logs []AuditLog
	var total int64

	query := l.db.WithContext(ctx).Model(&AuditLog{})

	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.Event != nil {
		query = query.Where("event = ?", *params.Event)
	}
	if params.Result != nil {
		query = query.Where("result = ?", *params.Result)
	}
	if params.Domain != "" {
		query = query.Where("domain = ?", params.Domain)
	}
	if params.SessionID != nil {
		query = query.Where("session_id = ?", *params.SessionID)
	}
	if params.StartTime != nil {
		query = query.Where("created_at >= ?", *params.StartTime)
	}
	if params.EndTime != nil {
		query = query.Where("created_at <= ?", *params.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}

	if err := query.Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}

// Cleanup removes entries older than the retention window.
func (l *Logger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result := l.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&AuditLog{})
	return result.RowsAffected, result.Error
}
