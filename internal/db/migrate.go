package db

import (
	"activityindexer/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Account{},
		&models.Activity{},
		&models.SyncState{},
	); err != nil {
		return err
	}

	// Reply-link resolution scans by content hash across all accounts.
	if !db.Gorm.Migrator().HasIndex(&models.Activity{}, "idx_activities_content_hash") {
		if err := db.Gorm.Exec("CREATE INDEX IF NOT EXISTS idx_activities_content_hash ON activities (content_hash, published_at, id)").Error; err != nil {
			return err
		}
	}
	return nil
}
