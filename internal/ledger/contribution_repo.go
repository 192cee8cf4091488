package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

type GormContributionRepo struct {
	db *gorm.DB
}

var _ ContributionRepository = (*GormContributionRepo)(nil)

func NewGormContributionRepo(db *gorm.DB) *GormContributionRepo {
	return &GormContributionRepo{db: db}
}

func (r *GormContributionRepo) Create(ctx context.Context, c *domain.Contribution) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *GormContributionRepo) GetByID(ctx context.Context, id int64) (*domain.Contribution, error) {
	var c domain.Contribution
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormContributionRepo) FindByTrxnID(ctx context.Context, trxnID string) (*domain.Contribution, error) {
	var c domain.Contribution
	err := r.db.WithContext(ctx).
		Where("trxn_id = ?", trxnID).
		First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// The charge id may only be present on a payment row, for example
	// when a repeat charge completed an already-created contribution.
	var p domain.Payment
	err = r.db.WithContext(ctx).
		Where("trxn_id = ?", trxnID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, p.ContributionID)
}

func (r *GormContributionRepo) FindByOrderReference(ctx context.Context, orderReference string) (*domain.Contribution, error) {
	var c domain.Contribution
	err := r.db.WithContext(ctx).
		Where("order_reference = ?", orderReference).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormContributionRepo) Complete(ctx context.Context, id int64, trxnID string, fee decimal.Decimal, receiveDate time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("id = ? AND status IN ?", id, []domain.ContributionStatus{
			domain.ContributionPending, domain.ContributionInProgress,
		}).
		Updates(map[string]any{
			"status":       domain.ContributionCompleted,
			"trxn_id":      trxnID,
			"fee_amount":   fee,
			"receive_date": receiveDate,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormContributionRepo) MarkFailed(ctx context.Context, id int64, note string) error {
	updates := map[string]any{"status": domain.ContributionFailed}
	if note != "" {
		updates["note"] = note
	}
	result := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormContributionRepo) Cancel(ctx context.Context, id int64) error {
	return r.SetStatus(ctx, id, domain.ContributionCancelled)
}

func (r *GormContributionRepo) SetStatus(ctx context.Context, id int64, status domain.ContributionStatus) error {
	if !status.IsValid() {
		return domain.ErrValidation
	}
	result := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
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

func (r *GormContributionRepo) UpdateAmount(ctx context.Context, id int64, total decimal.Decimal, currency string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_amount": total,
			"currency":     currency,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormContributionRepo) SetOrderReference(ctx context.Context, id int64, orderReference string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("id = ?", id).
		Update("order_reference", orderReference)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormContributionRepo) AddNote(ctx context.Context, id int64, note string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("id = ?", id).
		Update("note", gorm.Expr("CASE WHEN note = '' THEN ? ELSE note || E'\\n' || ? END", note, note))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormContributionRepo) LatestForRecurring(ctx context.Context, recurringID int64) (*domain.Contribution, error) {
	var c domain.Contribution
	err := r.db.WithContext(ctx).
		Where("recurring_contribution_id = ?", recurringID).
		Order("created_at DESC, id DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormContributionRepo) CreatePayment(ctx context.Context, p *domain.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *GormContributionRepo) ListPayments(ctx context.Context, contributionID int64) ([]domain.Payment, error) {
	var payments []domain.Payment
	err := r.db.WithContext(ctx).
		Where("contribution_id = ?", contributionID).
		Order("created_at ASC, id ASC").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *GormContributionRepo) FindPaymentByTrxnID(ctx context.Context, trxnID string) (*domain.Payment, error) {
	var p domain.Payment
	err := r.db.WithContext(ctx).
		Where("trxn_id = ?", trxnID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
