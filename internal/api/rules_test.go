package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crm-automation/internal/database"
	"crm-automation/internal/models"
	"crm-automation/internal/rules"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	handler := NewRuleHandler(db, rules.NewStore(db, 0))

	r := gin.New()
	r.GET("/api/rules", handler.GetRules)
	r.POST("/api/rules", handler.CreateRule)
	r.PUT("/api/rules/:id", handler.UpdateRule)
	r.DELETE("/api/rules/:id", handler.DeleteRule)
	r.POST("/api/rules/:id/toggle", handler.ToggleRule)
	return r, db
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateRule(t *testing.T) {
	r, db := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/rules", `{
		"name": "task on checkmark",
		"owner_id": "user-1",
		"trigger_type": "reaction",
		"trigger_conditions": {"emoji": "✅"},
		"action_type": "create_task",
		"action_config": {"title": "Follow up"}
	}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var saved models.ActionRule
	require.NoError(t, db.First(&saved).Error)
	assert.True(t, saved.IsActive)
	assert.Equal(t, models.PerformerBoth, saved.PerformerFilter)
}

func TestCreateRuleRejectsBadConditions(t *testing.T) {
	r, db := newTestRouter(t)

	cases := []struct {
		name string
		body string
	}{
		{"hashtag without hash", `{"name":"n","owner_id":"u","trigger_type":"hashtag","trigger_conditions":{"pattern":"urgent"},"action_type":"create_task"}`},
		{"bad cron", `{"name":"n","owner_id":"u","trigger_type":"time_based","trigger_conditions":{"cron":"whenever"},"action_type":"create_task"}`},
		{"unknown trigger type", `{"name":"n","owner_id":"u","trigger_type":"poll","trigger_conditions":{},"action_type":"create_task"}`},
		{"unknown action type", `{"name":"n","owner_id":"u","trigger_type":"reaction","trigger_conditions":{"emoji":"✅"},"action_type":"rocket_launch"}`},
		{"missing owner", `{"name":"n","trigger_type":"reaction","trigger_conditions":{"emoji":"✅"},"action_type":"create_task"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/api/rules", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	var n int64
	require.NoError(t, db.Model(&models.ActionRule{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestUpdateRuleRevalidatesConditions(t *testing.T) {
	r, db := newTestRouter(t)
	rule := models.ActionRule{
		Name: "r", OwnerID: "u",
		TriggerType:       models.TriggerReaction,
		TriggerConditions: []byte(`{"emoji":"✅"}`),
		ActionType:        models.ActionCreateTask,
		IsActive:          true,
	}
	require.NoError(t, db.Create(&rule).Error)

	w := doJSON(r, http.MethodPut, fmt.Sprintf("/api/rules/%d", rule.ID), `{"trigger_conditions":{"emoji":""}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPut, fmt.Sprintf("/api/rules/%d", rule.ID), `{"trigger_conditions":{"emoji":"❤️"},"cooldown_minutes":15}`)
	require.Equal(t, http.StatusOK, w.Code)

	var fresh models.ActionRule
	require.NoError(t, db.First(&fresh, rule.ID).Error)
	assert.JSONEq(t, `{"emoji":"❤️"}`, string(fresh.TriggerConditions))
	assert.Equal(t, 15, fresh.CooldownMinutes)
}

func TestDeleteRuleWithHistoryDeactivates(t *testing.T) {
	r, db := newTestRouter(t)
	rule := models.ActionRule{
		Name: "r", OwnerID: "u",
		TriggerType:       models.TriggerReaction,
		TriggerConditions: []byte(`{"emoji":"✅"}`),
		ActionType:        models.ActionCreateTask,
		IsActive:          true,
	}
	require.NoError(t, db.Create(&rule).Error)
	require.NoError(t, db.Create(&models.ActionExecution{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		TriggeredBy: "key",
		Status:      models.StatusSuccess,
		ExecutedAt:  time.Now().UTC(),
	}).Error)

	w := doJSON(r, http.MethodDelete, fmt.Sprintf("/api/rules/%d", rule.ID), "")
	require.Equal(t, http.StatusOK, w.Code)

	// The rule survives for the audit trail, deactivated.
	var fresh models.ActionRule
	require.NoError(t, db.First(&fresh, rule.ID).Error)
	assert.False(t, fresh.IsActive)
}

func TestDeleteRuleWithoutHistoryRemoves(t *testing.T) {
	r, db := newTestRouter(t)
	rule := models.ActionRule{
		Name: "r", OwnerID: "u",
		TriggerType:       models.TriggerReaction,
		TriggerConditions: []byte(`{"emoji":"✅"}`),
		ActionType:        models.ActionCreateTask,
		IsActive:          true,
	}
	require.NoError(t, db.Create(&rule).Error)

	w := doJSON(r, http.MethodDelete, fmt.Sprintf("/api/rules/%d", rule.ID), "")
	require.Equal(t, http.StatusOK, w.Code)

	var n int64
	require.NoError(t, db.Model(&models.ActionRule{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestToggleRule(t *testing.T) {
	r, db := newTestRouter(t)
	rule := models.ActionRule{
		Name: "r", OwnerID: "u",
		TriggerType:       models.TriggerReaction,
		TriggerConditions: []byte(`{"emoji":"✅"}`),
		ActionType:        models.ActionCreateTask,
		IsActive:          true,
	}
	require.NoError(t, db.Create(&rule).Error)

	w := doJSON(r, http.MethodPost, fmt.Sprintf("/api/rules/%d/toggle", rule.ID), `{"is_active":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	var fresh models.ActionRule
	require.NoError(t, db.First(&fresh, rule.ID).Error)
	assert.False(t, fresh.IsActive)
}
