package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDefaultPages = "2026-09-14_backfill_default_pages"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDefaultPages, apply: backfillDefaultPages},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDefaultPages gives accounts created before default pages existed a
// page whose slug matches their username.
func backfillDefaultPages(db *gorm.DB) error {
	var accounts []users.Account
	if err := db.Find(&accounts).Error; err != nil {
		return err
	}
	for _, account := range accounts {
		var count int64
		if err := db.Model(&pages.Page{}).
			Where("user_id = ? AND slug = ?", account.ID, account.Username).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		page := pages.Page{UserID: account.ID, Slug: account.Username, Title: account.Username}
		if err := db.Create(&page).Error; err != nil {
			return err
		}
	}
	return nil
}
