package api

import (
	"encoding/json"
	"net/http"

	"crm-automation/internal/models"
	"crm-automation/internal/rules"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var validActionTypes = map[models.ActionType]bool{
	models.ActionCreateTask:          true,
	models.ActionCreateNote:          true,
	models.ActionSendMessage:         true,
	models.ActionAddLabel:            true,
	models.ActionCreateCalendarEvent: true,
	models.ActionWebhook:             true,
}

type RuleHandler struct {
	db    *gorm.DB
	store *rules.Store
}

func NewRuleHandler(db *gorm.DB, store *rules.Store) *RuleHandler {
	return &RuleHandler{db: db, store: store}
}

// GetRules returns all rules, optionally filtered by owner.
func (h *RuleHandler) GetRules(c *gin.Context) {
	q := h.db.Order("created_at DESC")
	if owner := c.Query("owner_id"); owner != "" {
		q = q.Where("owner_id = ?", owner)
	}

	var list []models.ActionRule
	if err := q.Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.ActionRule{}
	}
	c.JSON(http.StatusOK, list)
}

type ruleRequest struct {
	Name              string          `json:"name" binding:"required"`
	OwnerID           string          `json:"owner_id" binding:"required"`
	WorkspaceID       *string         `json:"workspace_id"`
	TriggerType       string          `json:"trigger_type" binding:"required"`
	TriggerConditions json.RawMessage `json:"trigger_conditions" binding:"required"`
	ActionType        string          `json:"action_type" binding:"required"`
	ActionConfig      json.RawMessage `json:"action_config"`

	InstanceID      string          `json:"instance_id"`
	ContactJIDs     json.RawMessage `json:"contact_jids"`
	ContactGroupID  string          `json:"contact_group_id"`
	PerformerFilter string          `json:"performer_filter"`
	TimeWindowStart string          `json:"time_window_start"`
	TimeWindowEnd   string          `json:"time_window_end"`

	CooldownMinutes     int `json:"cooldown_minutes"`
	MaxExecutionsPerDay int `json:"max_executions_per_day"`
}

// CreateRule validates the trigger conditions against the trigger type
// before anything is stored, so malformed rules never reach the engine.
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	triggerType := models.TriggerType(req.TriggerType)
	if _, err := rules.ParseConditions(triggerType, req.TriggerConditions); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validActionTypes[models.ActionType(req.ActionType)] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action type: " + req.ActionType})
		return
	}

	rule := models.ActionRule{
		Name:                req.Name,
		OwnerID:             req.OwnerID,
		WorkspaceID:         req.WorkspaceID,
		TriggerType:         triggerType,
		TriggerConditions:   []byte(req.TriggerConditions),
		ActionType:          models.ActionType(req.ActionType),
		ActionConfig:        []byte(req.ActionConfig),
		InstanceID:          req.InstanceID,
		ContactJIDs:         []byte(req.ContactJIDs),
		ContactGroupID:      req.ContactGroupID,
		PerformerFilter:     models.PerformerFilter(req.PerformerFilter),
		TimeWindowStart:     req.TimeWindowStart,
		TimeWindowEnd:       req.TimeWindowEnd,
		CooldownMinutes:     req.CooldownMinutes,
		MaxExecutionsPerDay: req.MaxExecutionsPerDay,
		IsActive:            true,
	}
	if rule.PerformerFilter == "" {
		rule.PerformerFilter = models.PerformerBoth
	}

	if err := h.db.Create(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.store.Invalidate()
	c.JSON(http.StatusCreated, gin.H{"id": rule.ID, "message": "Rule created successfully"})
}

// UpdateRule applies a partial update; changed conditions are re-validated
// against the (possibly changed) trigger type.
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	id := c.Param("id")

	var existing models.ActionRule
	if err := h.db.First(&existing, "id = ?", id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}

	var req struct {
		Name              string          `json:"name"`
		TriggerType       string          `json:"trigger_type"`
		TriggerConditions json.RawMessage `json:"trigger_conditions"`
		ActionType        string          `json:"action_type"`
		ActionConfig      json.RawMessage `json:"action_config"`

		InstanceID      *string `json:"instance_id"`
		ContactGroupID  *string `json:"contact_group_id"`
		PerformerFilter string  `json:"performer_filter"`
		TimeWindowStart *string `json:"time_window_start"`
		TimeWindowEnd   *string `json:"time_window_end"`

		CooldownMinutes     *int `json:"cooldown_minutes"`
		MaxExecutionsPerDay *int `json:"max_executions_per_day"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	triggerType := existing.TriggerType
	if req.TriggerType != "" {
		triggerType = models.TriggerType(req.TriggerType)
	}
	conditions := []byte(existing.TriggerConditions)
	if len(req.TriggerConditions) > 0 {
		conditions = req.TriggerConditions
	}
	if _, err := rules.ParseConditions(triggerType, conditions); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ActionType != "" && !validActionTypes[models.ActionType(req.ActionType)] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action type: " + req.ActionType})
		return
	}

	update := map[string]interface{}{
		"trigger_type":       triggerType,
		"trigger_conditions": string(conditions),
	}
	if req.Name != "" {
		update["name"] = req.Name
	}
	if req.ActionType != "" {
		update["action_type"] = req.ActionType
	}
	if len(req.ActionConfig) > 0 {
		update["action_config"] = string(req.ActionConfig)
	}
	if req.InstanceID != nil {
		update["instance_id"] = *req.InstanceID
	}
	if req.ContactGroupID != nil {
		update["contact_group_id"] = *req.ContactGroupID
	}
	if req.PerformerFilter != "" {
		update["performer_filter"] = req.PerformerFilter
	}
	if req.TimeWindowStart != nil {
		update["time_window_start"] = *req.TimeWindowStart
	}
	if req.TimeWindowEnd != nil {
		update["time_window_end"] = *req.TimeWindowEnd
	}
	if req.CooldownMinutes != nil {
		update["cooldown_minutes"] = *req.CooldownMinutes
	}
	if req.MaxExecutionsPerDay != nil {
		update["max_executions_per_day"] = *req.MaxExecutionsPerDay
	}

	if err := h.db.Model(&models.ActionRule{}).Where("id = ?", id).Updates(update).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.store.Invalidate()
	c.JSON(http.StatusOK, gin.H{"message": "Rule updated successfully"})
}

// DeleteRule removes a rule, unless execution history still references it;
// then it is only deactivated so the audit trail keeps a valid parent.
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	id := c.Param("id")

	var refs int64
	if err := h.db.Model(&models.ActionExecution{}).Where("rule_id = ?", id).Count(&refs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if refs > 0 {
		err := h.db.Model(&models.ActionRule{}).Where("id = ?", id).Update("is_active", false).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.store.Invalidate()
		c.JSON(http.StatusOK, gin.H{"message": "Rule has execution history; deactivated instead of deleted"})
		return
	}

	if err := h.db.Delete(&models.ActionRule{}, id).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.store.Invalidate()
	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted successfully"})
}

// ToggleRule enables or disables a rule.
func (h *RuleHandler) ToggleRule(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.Model(&models.ActionRule{}).Where("id = ?", id).Update("is_active", req.IsActive).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.store.Invalidate()
	c.JSON(http.StatusOK, gin.H{"message": "Rule toggled successfully"})
}
