package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Chain struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClientId  string    `gorm:"not null"`
	ModelId   string    `gorm:"not null"`
	FileName  string
	SourceKey string
	State     string `gorm:"size:20;not null"`
	Error     sql.NullString

	Metadata  datatypes.JSON
	ImageInfo datatypes.JSON
	Inference datatypes.JSON
	Report    datatypes.JSON

	CreationTime   time.Time
	CompletionTime sql.NullTime
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Chain{}); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
