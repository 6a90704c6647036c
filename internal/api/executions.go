package api

import (
	"net/http"
	"strconv"
	"time"

	"crm-automation/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ExecutionHandler struct {
	db *gorm.DB
	tz *time.Location
}

func NewExecutionHandler(db *gorm.DB, tz *time.Location) *ExecutionHandler {
	return &ExecutionHandler{db: db, tz: tz}
}

// GetExecutions returns the most recent execution records, newest first.
// Supports rule_id and status query filters.
func (h *ExecutionHandler) GetExecutions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	q := h.db.Order("executed_at DESC").Limit(limit)
	if ruleID := c.Query("rule_id"); ruleID != "" {
		q = q.Where("rule_id = ?", ruleID)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var list []models.ActionExecution
	if err := q.Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.ActionExecution{}
	}
	c.JSON(http.StatusOK, list)
}

// GetAnalytics summarizes execution outcomes since the start of the
// current day in the configured timezone.
func (h *ExecutionHandler) GetAnalytics(c *gin.Context) {
	now := time.Now().In(h.tz)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.tz)

	counts := map[models.ExecutionStatus]int64{}
	for _, status := range []models.ExecutionStatus{models.StatusSuccess, models.StatusFailed, models.StatusSkipped} {
		var n int64
		err := h.db.Model(&models.ActionExecution{}).
			Where("status = ? AND executed_at >= ?", status, dayStart).
			Count(&n).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		counts[status] = n
	}

	var activeRules int64
	if err := h.db.Model(&models.ActionRule{}).Where("is_active = ?", true).Count(&activeRules).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type ruleRow struct {
		RuleID uint  `json:"rule_id"`
		Count  int64 `json:"count"`
	}
	var topRules []ruleRow
	err := h.db.Model(&models.ActionExecution{}).
		Select("rule_id, COUNT(*) as count").
		Where("status = ? AND executed_at >= ?", models.StatusSuccess, dayStart).
		Group("rule_id").
		Order("count DESC").
		Limit(10).
		Scan(&topRules).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"day_start":    dayStart,
		"success":      counts[models.StatusSuccess],
		"failed":       counts[models.StatusFailed],
		"skipped":      counts[models.StatusSkipped],
		"active_rules": activeRules,
		"top_rules":    topRules,
	})
}
