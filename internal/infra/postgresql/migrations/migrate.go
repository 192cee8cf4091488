package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_contributions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&domain.Contribution{}, &domain.Payment{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_contributions_trxn_id ON contributions (trxn_id) WHERE trxn_id IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_contributions_order_reference ON contributions (order_reference) WHERE order_reference IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_contributions_recurring_created ON contributions (recurring_contribution_id, created_at DESC) WHERE recurring_contribution_id IS NOT NULL`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&domain.Payment{}, &domain.Contribution{})
			},
		},
		{
			ID: "000002_create_recurring_contributions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&domain.RecurringContribution{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&domain.RecurringContribution{})
			},
		},
		{
			ID: "000003_create_intent_records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&domain.IntentRecord{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_intent_records_fingerprint_status ON intent_records (fingerprint, status, created_at) WHERE fingerprint <> ''`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&domain.IntentRecord{})
			},
		},
		{
			ID: "000004_create_customer_mappings",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&domain.CustomerMapping{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&domain.CustomerMapping{})
			},
		},
		{
			ID: "000005_create_webhook_event_logs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&domain.WebhookEventLog{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&domain.WebhookEventLog{})
			},
		},
	})

	return m.Migrate()
}
