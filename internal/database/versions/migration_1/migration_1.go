package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type Chain struct {
	ImageKey string
	ClientId string `gorm:"index:idx_chains_client_state,priority:1"`
	State    string `gorm:"index:idx_chains_client_state,priority:2"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Chain{}, "ImageKey"); err != nil {
		return fmt.Errorf("error adding ImageKey column: %w", err)
	}

	if err := db.Model(&Chain{}).
		Where("image_key IS NULL").
		Update("image_key", "").Error; err != nil {
		return fmt.Errorf("error setting default value for ImageKey: %w", err)
	}

	if err := db.Migrator().CreateIndex(&Chain{}, "idx_chains_client_state"); err != nil {
		return fmt.Errorf("error creating chain client/state index: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropIndex(&Chain{}, "idx_chains_client_state"); err != nil {
		return fmt.Errorf("error dropping chain client/state index: %w", err)
	}

	if err := db.Migrator().DropColumn(&Chain{}, "ImageKey"); err != nil {
		return fmt.Errorf("error dropping ImageKey column: %w", err)
	}

	return nil
}
