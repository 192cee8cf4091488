package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

type GormIntentRepo struct {
	db *gorm.DB
}

var _ IntentRepository = (*GormIntentRepo)(nil)

func NewGormIntentRepo(db *gorm.DB) *GormIntentRepo {
	return &GormIntentRepo{db: db}
}

func (r *GormIntentRepo) Upsert(ctx context.Context, rec *domain.IntentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "gateway_intent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "contribution_id", "flags", "description",
				"referrer_url", "fingerprint", "extra_data", "updated_at",
			}),
		}).
		Create(rec).Error
}

func (r *GormIntentRepo) GetByGatewayID(ctx context.Context, gatewayIntentID string) (*domain.IntentRecord, error) {
	var rec domain.IntentRecord
	err := r.db.WithContext(ctx).
		Where("gateway_intent_id = ?", gatewayIntentID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *GormIntentRepo) MarkCanceled(ctx context.Context, gatewayIntentID string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.IntentRecord{}).
		Where("gateway_intent_id = ?", gatewayIntentID).
		Update("status", domain.IntentCanceled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormIntentRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []domain.IntentStatus{
			domain.IntentSucceeded, domain.IntentCanceled, domain.IntentFailed,
		}, cutoff).
		Delete(&domain.IntentRecord{})
	return result.RowsAffected, result.Error
}

func (r *GormIntentRepo) ListNonTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.IntentRecord, error) {
	var recs []domain.IntentRecord
	err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND created_at < ?", []domain.IntentStatus{
			domain.IntentSucceeded, domain.IntentCanceled, domain.IntentFailed,
		}, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *GormIntentRepo) CountFailedByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int64, error) {
	if fingerprint == "" {
		return 0, nil
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.IntentRecord{}).
		Where("fingerprint = ? AND status = ? AND created_at >= ?",
			fingerprint, domain.IntentFailed, since).
		Count(&count).Error
	return count, err
}
