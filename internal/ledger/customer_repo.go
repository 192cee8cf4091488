package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

type GormCustomerRepo struct {
	db *gorm.DB
}

var _ CustomerRepository = (*GormCustomerRepo)(nil)

func NewGormCustomerRepo(db *gorm.DB) *GormCustomerRepo {
	return &GormCustomerRepo{db: db}
}

func (r *GormCustomerRepo) Find(ctx context.Context, contactID int64, processorID int) (*domain.CustomerMapping, error) {
	var m domain.CustomerMapping
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND processor_id = ?", contactID, processorID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *GormCustomerRepo) Add(ctx context.Context, m *domain.CustomerMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *GormCustomerRepo) Delete(ctx context.Context, contactID int64, processorID int) error {
	return r.db.WithContext(ctx).
		Where("contact_id = ? AND processor_id = ?", contactID, processorID).
		Delete(&domain.CustomerMapping{}).Error
}
