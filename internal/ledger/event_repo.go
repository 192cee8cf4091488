package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

type GormEventRepo struct {
	db *gorm.DB
}

var _ EventRepository = (*GormEventRepo)(nil)

func NewGormEventRepo(db *gorm.DB) *GormEventRepo {
	return &GormEventRepo{db: db}
}

func (r *GormEventRepo) Create(ctx context.Context, l *domain.WebhookEventLog) error {
	if err := l.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(l).Error
}

func (r *GormEventRepo) FirstSequence(ctx context.Context, eventID string) (int64, error) {
	var l domain.WebhookEventLog
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("id ASC").
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return l.ID, nil
}

func (r *GormEventRepo) SetOutcome(ctx context.Context, id int64, outcome domain.WebhookOutcome, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.WebhookEventLog{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"outcome": outcome,
			"reason":  reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
