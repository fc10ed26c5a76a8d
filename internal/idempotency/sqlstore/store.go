package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/idempotency/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the idempotency_records row.
type Record struct {
	Fingerprint   string         `gorm:"primaryKey;size:64"`
	Status        string         `gorm:"size:16;not null;index"`
	ResultSummary datatypes.JSON `gorm:"type:json"`
	FirstSeenAt   time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null;index"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

// Store uses the unique primary key as the atomic claim: the insert that
// affects a row owns the fingerprint.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(db *gorm.DB, c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{db: db, clock: c}
}

func (s *Store) Backend() string {
	return "sql"
}

func (s *Store) Reserve(ctx context.Context, fingerprint string) (domain.Reservation, error) {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return domain.Reservation{}, err
	}

	now := s.clock.Now()
	row := Record{
		Fingerprint: fingerprint,
		Status:      string(domain.StatusProcessing),
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return domain.Reservation{}, unavailable(res.Error)
	}
	if res.RowsAffected > 0 {
		return domain.Reservation{Outcome: domain.OutcomeClaimed, FirstSeenAt: now}, nil
	}

	var existing Record
	err = s.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Purged between our insert and read; the caller may retry.
		return domain.Reservation{Outcome: domain.OutcomeAlreadyInProgress, FirstSeenAt: now}, nil
	}
	if err != nil {
		return domain.Reservation{}, unavailable(err)
	}

	switch domain.Status(existing.Status) {
	case domain.StatusCompleted:
		result, err := decodeResult(existing.ResultSummary)
		if err != nil {
			return domain.Reservation{}, err
		}
		return domain.Reservation{
			Outcome:     domain.OutcomeAlreadyCompleted,
			Result:      result,
			FirstSeenAt: existing.FirstSeenAt,
		}, nil
	case domain.StatusFailed:
		reclaim := s.db.WithContext(ctx).Exec(
			`UPDATE idempotency_records
			 SET status = ?, result_summary = NULL, updated_at = ?
			 WHERE fingerprint = ? AND status = ?`,
			string(domain.StatusProcessing),
			now,
			fingerprint,
			string(domain.StatusFailed),
		)
		if reclaim.Error != nil {
			return domain.Reservation{}, unavailable(reclaim.Error)
		}
		if reclaim.RowsAffected > 0 {
			return domain.Reservation{Outcome: domain.OutcomeClaimed, FirstSeenAt: existing.FirstSeenAt}, nil
		}
	}
	return domain.Reservation{Outcome: domain.OutcomeAlreadyInProgress, FirstSeenAt: existing.FirstSeenAt}, nil
}

func (s *Store) Complete(ctx context.Context, fingerprint string, result map[string]any) error {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, result_summary = ?, updated_at = ?
		 WHERE fingerprint = ? AND status = ?`,
		string(domain.StatusCompleted),
		datatypes.JSON(payload),
		s.clock.Now(),
		fingerprint,
		string(domain.StatusProcessing),
	)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotClaimed
	}
	return nil
}

func (s *Store) Release(ctx context.Context, fingerprint string) error {
	fingerprint, err := domain.NormalizeFingerprint(fingerprint)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		 SET status = ?, updated_at = ?
		 WHERE fingerprint = ? AND status = ?`,
		string(domain.StatusFailed),
		s.clock.Now(),
		fingerprint,
		string(domain.StatusProcessing),
	).Error
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE updated_at < ?`,
		olderThan,
	)
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return res.RowsAffected, nil
}

func decodeResult(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode idempotency result: %w", err)
	}
	return out, nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

var _ domain.Store = (*Store)(nil)
