package engine

import (
	"context"
	"errors"
	"time"

	"crm-automation/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDuplicateSuccess is returned when a success row for the same
// (rule, trigger key) already exists; the caller records a skip instead.
var ErrDuplicateSuccess = errors.New("execution already succeeded for this trigger key")

// Store persists executions and dedup claims. All idempotency guarantees
// live at this layer (unique indexes and transactions), so they hold across
// multiple engine processes, not just goroutines.
type Store struct {
	db *gorm.DB
	tz *time.Location
}

func NewStore(db *gorm.DB, tz *time.Location) *Store {
	if tz == nil {
		tz = time.UTC
	}
	return &Store{db: db, tz: tz}
}

// HasSuccess reports whether a successful execution exists for the key.
func (s *Store) HasSuccess(ctx context.Context, ruleID uint, triggerKey string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ActionExecution{}).
		Where("rule_id = ? AND triggered_by = ? AND status = ?", ruleID, triggerKey, models.StatusSuccess).
		Count(&n).Error
	return n > 0, err
}

// Claim reserves (rule, trigger key) for one in-flight dispatch. It returns
// false when another delivery already holds the claim. The insert races only
// against the unique index, so the check-and-set is atomic.
func (s *Store) Claim(ctx context.Context, ruleID uint, triggerKey string, ttl time.Duration) (bool, error) {
	claim := models.ExecutionClaim{
		RuleID:     ruleID,
		TriggerKey: triggerKey,
		ExpiresAt:  time.Now().Add(ttl),
	}
	err := s.db.WithContext(ctx).Create(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReleaseClaim frees the key after a non-success outcome so a later
// redelivery may try again. Only success blocks reprocessing.
func (s *Store) ReleaseClaim(ctx context.Context, ruleID uint, triggerKey string) error {
	return s.db.WithContext(ctx).
		Where("rule_id = ? AND trigger_key = ?", ruleID, triggerKey).
		Delete(&models.ExecutionClaim{}).Error
}

// PruneExpiredClaims removes claims abandoned by a crashed dispatch.
func (s *Store) PruneExpiredClaims(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&models.ExecutionClaim{}).Error
}

// CountSuccessesToday counts successful executions on the current calendar
// day in the configured timezone; this is the daily-quota gate's input. The
// execution log, not the rule counters, is the source of truth here.
func (s *Store) CountSuccessesToday(ctx context.Context, ruleID uint, now time.Time) (int64, error) {
	local := now.In(s.tz)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.tz)

	var n int64
	err := s.db.WithContext(ctx).Model(&models.ActionExecution{}).
		Where("rule_id = ? AND status = ? AND executed_at >= ?", ruleID, models.StatusSuccess, dayStart).
		Count(&n).Error
	return n, err
}

// RecordSkip appends a skipped audit row. Skips are observable for
// debugging, never silent drops.
func (s *Store) RecordSkip(ctx context.Context, ruleID uint, triggerKey string, triggerData []byte, reason models.SkipReason, took time.Duration) (*models.ActionExecution, error) {
	exec := models.ActionExecution{
		ID:               uuid.New(),
		RuleID:           ruleID,
		TriggeredBy:      triggerKey,
		TriggerData:      triggerData,
		Status:           models.StatusSkipped,
		SkipReason:       reason,
		ExecutedAt:       time.Now().UTC(),
		ProcessingTimeMs: took.Milliseconds(),
	}
	if err := s.db.WithContext(ctx).Create(&exec).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

// RecordFailure appends a failed audit row. Rule counters are not advanced:
// only successful dispatch consumes cooldown and quota.
func (s *Store) RecordFailure(ctx context.Context, ruleID uint, triggerKey string, triggerData []byte, errMsg string, took time.Duration) (*models.ActionExecution, error) {
	exec := models.ActionExecution{
		ID:               uuid.New(),
		RuleID:           ruleID,
		TriggeredBy:      triggerKey,
		TriggerData:      triggerData,
		Status:           models.StatusFailed,
		ErrorMessage:     errMsg,
		ExecutedAt:       time.Now().UTC(),
		ProcessingTimeMs: took.Milliseconds(),
	}
	if err := s.db.WithContext(ctx).Create(&exec).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}

// RecordSuccess writes the success row, advances the rule counters and
// removes the claim in one transaction, so the rate limiter always observes
// a consistent view. The partial unique index converts a concurrent second
// success into ErrDuplicateSuccess.
func (s *Store) RecordSuccess(ctx context.Context, ruleID uint, triggerKey string, triggerData []byte, result string, took time.Duration) (*models.ActionExecution, error) {
	now := time.Now().UTC()
	exec := models.ActionExecution{
		ID:               uuid.New(),
		RuleID:           ruleID,
		TriggeredBy:      triggerKey,
		TriggerData:      triggerData,
		Status:           models.StatusSuccess,
		Result:           result,
		ExecutedAt:       now,
		ProcessingTimeMs: took.Milliseconds(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&exec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateSuccess
			}
			return err
		}
		err := tx.Model(&models.ActionRule{}).Where("id = ?", ruleID).
			Updates(map[string]interface{}{
				"total_executions": gorm.Expr("total_executions + 1"),
				"last_executed_at": now,
			}).Error
		if err != nil {
			return err
		}
		return tx.Where("rule_id = ? AND trigger_key = ?", ruleID, triggerKey).
			Delete(&models.ExecutionClaim{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}
