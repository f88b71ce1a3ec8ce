package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrChainNotFound      = errors.New("chain not found")
	ErrTransitionRejected = errors.New("chain state transition rejected")
)

var nonTerminalStates = []string{ChainCreated, ChainParsing, ChainInference, ChainReport}

func CreateChain(ctx context.Context, db *gorm.DB, chain *Chain) error {
	if chain.State == "" {
		chain.State = ChainCreated
	}
	if chain.CreationTime.IsZero() {
		chain.CreationTime = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(chain).Error; err != nil {
		return fmt.Errorf("error creating chain %s: %w", chain.Id, err)
	}
	return nil
}

func GetChain(ctx context.Context, db *gorm.DB, id uuid.UUID) (*Chain, error) {
	var chain Chain
	if err := db.WithContext(ctx).First(&chain, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChainNotFound
		}
		return nil, fmt.Errorf("error getting chain %s: %w", id, err)
	}
	return &chain, nil
}

// Transition moves the chain to state `to` only if it is currently in one of
// the `from` states. The check and the update are a single statement, so two
// deliveries of the same task cannot both succeed.
func Transition(ctx context.Context, db *gorm.DB, id uuid.UUID, from []string, to string, updates map[string]any) error {
	values := map[string]any{"state": to}
	for k, v := range updates {
		values[k] = v
	}
	if IsTerminal(to) {
		values["completion_time"] = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	result := db.WithContext(ctx).Model(&Chain{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("error moving chain %s to %s: %w", id, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("chain %s cannot move to %s: %w", id, to, ErrTransitionRejected)
	}
	return nil
}

// FailChain moves a non-terminal chain to FAILED. It returns false if the chain
// had already reached a terminal state.
func FailChain(ctx context.Context, db *gorm.DB, id uuid.UUID, reason string) (bool, error) {
	err := Transition(ctx, db, id, nonTerminalStates, ChainFailed, map[string]any{
		"error": sql.NullString{String: reason, Valid: true},
	})
	if errors.Is(err, ErrTransitionRejected) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type ChainFilter struct {
	ClientId string
	State    string
	Limit    int
}

func ListChains(ctx context.Context, db *gorm.DB, filter ChainFilter) ([]Chain, error) {
	query := db.WithContext(ctx).Model(&Chain{})
	if filter.ClientId != "" {
		query = query.Where("client_id = ?", filter.ClientId)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var chains []Chain
	if err := query.Order("creation_time DESC").Find(&chains).Error; err != nil {
		return nil, fmt.Errorf("error listing chains: %w", err)
	}
	return chains, nil
}

// ListUnfinishedChains returns every chain that has not reached a terminal
// state, oldest first.
func ListUnfinishedChains(ctx context.Context, db *gorm.DB) ([]Chain, error) {
	var chains []Chain
	if err := db.WithContext(ctx).Where("state IN ?", nonTerminalStates).Order("creation_time ASC").Find(&chains).Error; err != nil {
		return nil, fmt.Errorf("error listing unfinished chains: %w", err)
	}
	return chains, nil
}

func ToJSON(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding chain field: %w", err)
	}
	return datatypes.JSON(data), nil
}

// FromJSON decodes a stored column into dst. It returns false for empty columns.
func FromJSON(data datatypes.JSON, dst any) (bool, error) {
	if len(data) == 0 || string(data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("error decoding chain field: %w", err)
	}
	return true, nil
}
