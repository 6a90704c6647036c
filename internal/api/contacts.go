package api

import (
	"net/http"

	"crm-automation/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContactHandler struct {
	db *gorm.DB
}

func NewContactHandler(db *gorm.DB) *ContactHandler {
	return &ContactHandler{db: db}
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	q := h.db.Order("name ASC")
	if group := c.Query("group_id"); group != "" {
		q = q.Where("group_ids LIKE ?", "%\""+group+"\"%")
	}

	var list []models.Contact
	if err := q.Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.Contact{}
	}
	c.JSON(http.StatusOK, list)
}

// UpsertContact creates or replaces a contact record keyed by JID.
func (h *ContactHandler) UpsertContact(c *gin.Context) {
	var contact models.Contact
	if err := c.ShouldBindJSON(&contact); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if contact.JID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jid is required"})
		return
	}

	err := h.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "jid"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "labels", "group_ids", "updated_at"}),
	}).Create(&contact).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Contact saved"})
}

func (h *ContactHandler) DeleteContact(c *gin.Context) {
	jid := c.Param("jid")
	if err := h.db.Delete(&models.Contact{}, "jid = ?", jid).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Contact deleted"})
}
