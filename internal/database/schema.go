package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ChainCreated   string = "CREATED"
	ChainParsing   string = "PARSING"
	ChainInference string = "INFERENCE"
	ChainReport    string = "REPORT"
	ChainCompleted string = "COMPLETED"
	ChainFailed    string = "FAILED"
)

func IsTerminal(state string) bool {
	return state == ChainCompleted || state == ChainFailed
}

// Chain tracks one upload through parse, detect and report. Stage outputs are
// stored as json so a chain can be inspected after its temp files are gone.
type Chain struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClientId  string    `gorm:"not null;index:idx_chains_client_state,priority:1"`
	ModelId   string    `gorm:"not null"`
	FileName  string
	SourceKey string
	ImageKey  string
	State     string `gorm:"size:20;not null;index:idx_chains_client_state,priority:2"`
	Error     sql.NullString

	Metadata  datatypes.JSON
	ImageInfo datatypes.JSON
	Inference datatypes.JSON
	Report    datatypes.JSON

	CreationTime   time.Time
	CompletionTime sql.NullTime
}
