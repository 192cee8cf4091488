package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

type GormRecurringRepo struct {
	db *gorm.DB
}

var _ RecurringRepository = (*GormRecurringRepo)(nil)

func NewGormRecurringRepo(db *gorm.DB) *GormRecurringRepo {
	return &GormRecurringRepo{db: db}
}

func (r *GormRecurringRepo) Create(ctx context.Context, rc *domain.RecurringContribution) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(rc).Error
}

func (r *GormRecurringRepo) GetByID(ctx context.Context, id int64) (*domain.RecurringContribution, error) {
	var rc domain.RecurringContribution
	err := r.db.WithContext(ctx).First(&rc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *GormRecurringRepo) FindBySubscriptionReference(ctx context.Context, subscriptionRef string) (*domain.RecurringContribution, error) {
	var rc domain.RecurringContribution
	err := r.db.WithContext(ctx).
		Where("subscription_reference = ?", subscriptionRef).
		First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *GormRecurringRepo) SetStatus(ctx context.Context, id int64, status domain.RecurringStatus) error {
	if !status.IsValid() {
		return domain.ErrValidation
	}
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecurringRepo) Activate(ctx context.Context, id int64, subscriptionRef, orderRef string, next time.Time, cycleDay int, end *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"subscription_reference": subscriptionRef,
			"latest_order_reference": orderRef,
			"next_scheduled_date":    next,
			"cycle_day":              cycleDay,
			"auto_renew":             true,
			"end_date":               end,
			"status":                 domain.RecurringInProgress,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecurringRepo) SetLatestOrderReference(ctx context.Context, id int64, orderRef string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Update("latest_order_reference", orderRef)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecurringRepo) SetNextScheduledDate(ctx context.Context, id int64, next time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Update("next_scheduled_date", next)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecurringRepo) UpdateBilling(ctx context.Context, id int64, amount decimal.Decimal, currency string, unit domain.FrequencyUnit, interval int) error {
	if !unit.IsValid() || interval < 1 {
		return domain.ErrValidation
	}
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"amount":             amount,
			"currency":           currency,
			"frequency_unit":     unit,
			"frequency_interval": interval,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecurringRepo) IncrementFailureCount(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Update("failure_count", gorm.Expr("failure_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecurringRepo) ResetFailureCount(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Update("failure_count", 0)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRecurringRepo) Cancel(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RecurringContribution{}).
		Where("id = ?", id).
		Update("status", domain.RecurringCancelled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
