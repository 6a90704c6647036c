package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"crm-automation/internal/database"
	"crm-automation/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database with the production schema.
// A single connection keeps sqlite happy under the engine's concurrency.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func seedRule(t *testing.T, db *gorm.DB, rule *models.ActionRule) *models.ActionRule {
	t.Helper()
	if rule.Name == "" {
		rule.Name = "test rule"
	}
	if rule.OwnerID == "" {
		rule.OwnerID = "owner-1"
	}
	rule.IsActive = true
	require.NoError(t, db.Create(rule).Error)
	return rule
}

func TestClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.UTC)
	ctx := context.Background()

	ok, err := store.Claim(ctx, 1, "msg123:✅:bob@x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, 1, "msg123:✅:bob@x", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different rule or key is an independent claim.
	ok, err = store.Claim(ctx, 2, "msg123:✅:bob@x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Claim(ctx, 1, "msg123:❤️:bob@x", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseClaimAllowsRetry(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.UTC)
	ctx := context.Background()

	ok, err := store.Claim(ctx, 1, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.ReleaseClaim(ctx, 1, "key"))

	ok, err = store.Claim(ctx, 1, "key", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPruneExpiredClaims(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.UTC)
	ctx := context.Background()

	ok, err := store.Claim(ctx, 1, "stale", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Claim(ctx, 1, "fresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.PruneExpiredClaims(ctx))

	var remaining []models.ExecutionClaim
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].TriggerKey)
}

func TestRecordSuccessAdvancesCountersAndFreesClaim(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.UTC)
	ctx := context.Background()
	rule := seedRule(t, db, &models.ActionRule{TriggerType: models.TriggerReaction, ActionType: models.ActionCreateTask})

	ok, err := store.Claim(ctx, rule.ID, "key", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	exec, err := store.RecordSuccess(ctx, rule.ID, "key", []byte(`{}`), "task created", 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, exec.Status)

	var fresh models.ActionRule
	require.NoError(t, db.First(&fresh, rule.ID).Error)
	assert.Equal(t, int64(1), fresh.TotalExecutions)
	require.NotNil(t, fresh.LastExecutedAt)

	var claims int64
	require.NoError(t, db.Model(&models.ExecutionClaim{}).Count(&claims).Error)
	assert.Zero(t, claims)
}

func TestRecordSuccessDuplicateKey(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.UTC)
	ctx := context.Background()
	rule := seedRule(t, db, &models.ActionRule{TriggerType: models.TriggerReaction, ActionType: models.ActionCreateTask})

	_, err := store.RecordSuccess(ctx, rule.ID, "key", nil, "first", time.Millisecond)
	require.NoError(t, err)

	_, err = store.RecordSuccess(ctx, rule.ID, "key", nil, "second", time.Millisecond)
	assert.ErrorIs(t, err, ErrDuplicateSuccess)

	// The counter reflects the single committed success.
	var fresh models.ActionRule
	require.NoError(t, db.First(&fresh, rule.ID).Error)
	assert.Equal(t, int64(1), fresh.TotalExecutions)

	// Failed and skipped rows for the same key are still allowed.
	_, err = store.RecordFailure(ctx, rule.ID, "key", nil, "boom", time.Millisecond)
	assert.NoError(t, err)
	_, err = store.RecordSkip(ctx, rule.ID, "key", nil, models.SkipDuplicate, time.Millisecond)
	assert.NoError(t, err)
}

func TestHasSuccessIgnoresNonSuccess(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.UTC)
	ctx := context.Background()
	rule := seedRule(t, db, &models.ActionRule{TriggerType: models.TriggerReaction, ActionType: models.ActionCreateTask})

	_, err := store.RecordFailure(ctx, rule.ID, "key", nil, "boom", time.Millisecond)
	require.NoError(t, err)

	done, err := store.HasSuccess(ctx, rule.ID, "key")
	require.NoError(t, err)
	assert.False(t, done)

	_, err = store.RecordSuccess(ctx, rule.ID, "key", nil, "ok", time.Millisecond)
	require.NoError(t, err)

	done, err = store.HasSuccess(ctx, rule.ID, "key")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCountSuccessesToday(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.UTC)
	ctx := context.Background()
	rule := seedRule(t, db, &models.ActionRule{TriggerType: models.TriggerKeyword, ActionType: models.ActionCreateNote})

	_, err := store.RecordSuccess(ctx, rule.ID, "k1", nil, "ok", time.Millisecond)
	require.NoError(t, err)
	_, err = store.RecordSuccess(ctx, rule.ID, "k2", nil, "ok", time.Millisecond)
	require.NoError(t, err)
	// A skip on the same day does not count toward the quota.
	_, err = store.RecordSkip(ctx, rule.ID, "k3", nil, models.SkipCooldown, time.Millisecond)
	require.NoError(t, err)

	// Yesterday's success is outside the window.
	old := models.ActionExecution{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		TriggeredBy: "old",
		Status:      models.StatusSuccess,
		ExecutedAt:  time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, db.Create(&old).Error)

	n, err := store.CountSuccessesToday(ctx, rule.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
