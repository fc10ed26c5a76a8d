package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/vault/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SnapshotRecord is the vault_snapshots row.
type SnapshotRecord struct {
	ID        int64           `gorm:"primaryKey;autoIncrement:false"`
	Version   int64           `gorm:"not null;index"`
	Total     decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Config    datatypes.JSON  `gorm:"type:json;not null"`
	State     datatypes.JSON  `gorm:"type:json;not null"`
	CreatedAt time.Time       `gorm:"not null"`
}

func (SnapshotRecord) TableName() string {
	return "vault_snapshots"
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, snapshot domain.Snapshot) error {
	cfg, err := json.Marshal(snapshot.Config)
	if err != nil {
		return fmt.Errorf("encode vault config: %w", err)
	}
	state, err := json.Marshal(snapshot.State)
	if err != nil {
		return fmt.Errorf("encode vault state: %w", err)
	}

	return db.WithContext(ctx).Create(&SnapshotRecord{
		ID:        snapshot.ID,
		Version:   snapshot.Version,
		Total:     snapshot.Total,
		Config:    datatypes.JSON(cfg),
		State:     datatypes.JSON(state),
		CreatedAt: snapshot.CreatedAt,
	}).Error
}

func (r *repo) Latest(ctx context.Context, db *gorm.DB) (*domain.Snapshot, error) {
	var row SnapshotRecord
	err := db.WithContext(ctx).
		Order("version DESC").
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snapshot := domain.Snapshot{
		ID:        row.ID,
		Version:   row.Version,
		Total:     row.Total,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.Config, &snapshot.Config); err != nil {
		return nil, fmt.Errorf("decode vault config: %w", err)
	}
	if err := json.Unmarshal(row.State, &snapshot.State); err != nil {
		return nil, fmt.Errorf("decode vault state: %w", err)
	}
	return &snapshot, nil
}
