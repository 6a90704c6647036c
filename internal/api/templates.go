package api

import (
	"net/http"

	"crm-automation/internal/models"
	"crm-automation/internal/rules"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type TemplateHandler struct {
	db    *gorm.DB
	store *rules.Store
}

func NewTemplateHandler(db *gorm.DB, store *rules.Store) *TemplateHandler {
	return &TemplateHandler{db: db, store: store}
}

// GetTemplates lists the reusable rule blueprints.
func (h *TemplateHandler) GetTemplates(c *gin.Context) {
	var list []models.ActionTemplate
	if err := h.db.Order("name ASC").Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.ActionTemplate{}
	}
	c.JSON(http.StatusOK, list)
}

// InstantiateTemplate creates a rule from a template blueprint. The
// template's conditions still go through the same validation as a
// hand-written rule, since templates are editable rows.
func (h *TemplateHandler) InstantiateTemplate(c *gin.Context) {
	id := c.Param("id")

	var tpl models.ActionTemplate
	if err := h.db.First(&tpl, "id = ?", id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
		return
	}

	var req struct {
		OwnerID    string `json:"owner_id" binding:"required"`
		Name       string `json:"name"`
		InstanceID string `json:"instance_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := rules.ParseConditions(tpl.TriggerType, []byte(tpl.Conditions)); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "template conditions invalid: " + err.Error()})
		return
	}

	name := req.Name
	if name == "" {
		name = tpl.Name
	}

	rule := models.ActionRule{
		Name:              name,
		OwnerID:           req.OwnerID,
		TriggerType:       tpl.TriggerType,
		TriggerConditions: tpl.Conditions,
		ActionType:        tpl.ActionType,
		ActionConfig:      tpl.Config,
		InstanceID:        req.InstanceID,
		PerformerFilter:   models.PerformerBoth,
		IsActive:          true,
	}
	if err := h.db.Create(&rule).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.store.Invalidate()
	c.JSON(http.StatusCreated, gin.H{"id": rule.ID, "message": "Rule created from template"})
}
