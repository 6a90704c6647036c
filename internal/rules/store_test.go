package rules

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"crm-automation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.ActionRule{}))
	return db
}

func seed(t *testing.T, db *gorm.DB, rule models.ActionRule) models.ActionRule {
	t.Helper()
	if rule.Name == "" {
		rule.Name = "r"
	}
	if rule.OwnerID == "" {
		rule.OwnerID = "owner-1"
	}
	require.NoError(t, db.Create(&rule).Error)
	return rule
}

func TestCandidateRulesFiltersTypeInstanceAndActive(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, 0)
	ctx := context.Background()

	match := seed(t, db, models.ActionRule{TriggerType: models.TriggerReaction, IsActive: true})
	seed(t, db, models.ActionRule{TriggerType: models.TriggerKeyword, IsActive: true})
	seed(t, db, models.ActionRule{TriggerType: models.TriggerReaction, IsActive: false})
	seed(t, db, models.ActionRule{TriggerType: models.TriggerReaction, IsActive: true, InstanceID: "other-inst"})
	global := seed(t, db, models.ActionRule{TriggerType: models.TriggerReaction, IsActive: true, InstanceID: ""})

	got, err := store.CandidateRules(ctx, []models.TriggerType{models.TriggerReaction}, Scope{InstanceID: "inst-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []uint{got[0].ID, got[1].ID}
	assert.Contains(t, ids, match.ID)
	assert.Contains(t, ids, global.ID)
}

func TestTimeBasedRules(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, 0)

	cronRule := seed(t, db, models.ActionRule{TriggerType: models.TriggerTimeBased, IsActive: true})
	seed(t, db, models.ActionRule{TriggerType: models.TriggerReaction, IsActive: true})

	got, err := store.TimeBasedRules(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cronRule.ID, got[0].ID)
}

func TestCacheInvalidation(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, time.Hour)
	ctx := context.Background()

	seed(t, db, models.ActionRule{TriggerType: models.TriggerReaction, IsActive: true})

	got, err := store.CandidateRules(ctx, []models.TriggerType{models.TriggerReaction}, Scope{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A write behind the cache is invisible until invalidation.
	seed(t, db, models.ActionRule{TriggerType: models.TriggerReaction, IsActive: true})

	got, err = store.CandidateRules(ctx, []models.TriggerType{models.TriggerReaction}, Scope{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	store.Invalidate()
	got, err = store.CandidateRules(ctx, []models.TriggerType{models.TriggerReaction}, Scope{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
