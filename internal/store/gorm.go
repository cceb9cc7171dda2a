package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/browserpilot/backend/internal/models"
)

// GormSessionStore persists sessions in postgres.
type GormSessionStore struct {
	db *gorm.DB
}

func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db}
}

func (s *GormSessionStore) Create(ctx context.Context, session *models.BrowserSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		// The partial unique index on (user_id) WHERE status='active'
		// turns a create race into a duplicate-key error.
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrActiveSessionExists
		}
		return err
	}
	return nil
}

func (s *GormSessionStore) Get(ctx context.Context, id uuid.UUID) (*models.BrowserSession, error) {
	var session models.BrowserSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (s *GormSessionStore) Update(ctx context.Context, session *models.BrowserSession) error {
	return s.db.WithContext(ctx).Save(session).Error
}

func (s *GormSessionStore) LatestActive(ctx context.Context, userID uuid.UUID) (*models.BrowserSession, error) {
	var session models.BrowserSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SessionActive).
		Order("started_at DESC").
		First(&session).Error
	if err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (s *GormSessionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.BrowserSession, error) {
	var sessions []models.BrowserSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// GormPermissionStore persists site permissions in postgres.
type GormPermissionStore struct {
	db *gorm.DB
}

func NewGormPermissionStore(db *gorm.DB) *GormPermissionStore {
	return &GormPermissionStore{db: db}
}

func (s *GormPermissionStore) Get(ctx context.Context, userID uuid.UUID, domain string) (*models.SitePermission, error) {
	var perm models.SitePermission
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND domain = ?", userID, domain).
		First(&perm).Error
	if err != nil {
		return nil, translate(err)
	}
	return &perm, nil
}

func (s *GormPermissionStore) Upsert(ctx context.Context, perm *models.SitePermission) error {
	// granted_at is deliberately absent from the update set: the original
	// grant time survives re-grants.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_level", "allowed_actions", "requires_confirmation", "expires_at", "updated_at",
		}),
	}).Create(perm).Error
}

func (s *GormPermissionStore) Delete(ctx context.Context, userID uuid.UUID, domain string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND domain = ?", userID, domain).
		Delete(&models.SitePermission{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormPermissionStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.SitePermission, error) {
	var perms []models.SitePermission
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("domain ASC").
		Find(&perms).Error
	return perms, err
}

// GormTaskStore persists browser tasks in postgres.
type GormTaskStore struct {
	db *gorm.DB
}

func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{db: db}
}

func (s *GormTaskStore) Create(ctx context.Context, task *models.BrowserTask) error {
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *GormTaskStore) Get(ctx context.Context, id uuid.UUID) (*models.BrowserTask, error) {
	var task models.BrowserTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (s *GormTaskStore) Update(ctx context.Context, task *models.BrowserTask) error {
	return s.db.WithContext(ctx).Save(task).Error
}

func (s *GormTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.BrowserTask{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormTaskStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.BrowserTask, error) {
	var tasks []models.BrowserTask
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tasks).Error
	return tasks, err
}

func (s *GormTaskStore) Due(ctx context.Context, now time.Time, limit int) ([]models.BrowserTask, error) {
	var tasks []models.BrowserTask
	err := s.db.WithContext(ctx).
		Where("status = ? AND enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?",
			models.TaskScheduled, true, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// Claim flips a task from scheduled to running with a conditional update, so
// a concurrent poll and runNow cannot both start the same task.
func (s *GormTaskStore) Claim(ctx context.Context, id uuid.UUID) (*models.BrowserTask, error) {
	result := s.db.WithContext(ctx).
		Model(&models.BrowserTask{}).
		Where("id = ? AND status = ? AND enabled = ?", id, models.TaskScheduled, true).
		Updates(map[string]interface{}{
			"status":     models.TaskRunning,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Distinguish "gone" from "already claimed" for callers that care.
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrTaskNotClaimable
	}
	return s.Get(ctx, id)
}

// GormWorkflowStore persists recorded workflows in postgres.
type GormWorkflowStore struct {
	db *gorm.DB
}

func NewGormWorkflowStore(db *gorm.DB) *GormWorkflowStore {
	return &GormWorkflowStore{db: db}
}

func (s *GormWorkflowStore) Create(ctx context.Context, wf *models.BrowserWorkflow) error {
	return s.db.WithContext(ctx).Create(wf).Error
}

func (s *GormWorkflowStore) Get(ctx context.Context, id uuid.UUID) (*models.BrowserWorkflow, error) {
	var wf models.BrowserWorkflow
	if err := s.db.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &wf, nil
}

func (s *GormWorkflowStore) Update(ctx context.Context, wf *models.BrowserWorkflow) error {
	return s.db.WithContext(ctx).Save(wf).Error
}

func (s *GormWorkflowStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.BrowserWorkflow{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormWorkflowStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.BrowserWorkflow, error) {
	var wfs []models.BrowserWorkflow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&wfs).Error
	return wfs, err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
