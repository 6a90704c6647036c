package webhook

import (
	"encoding/json"
	"net/http"

	"crm-automation/internal/config"
	"crm-automation/internal/engine"
	"crm-automation/internal/event"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler receives provider deliveries, normalizes them and hands them to
// the engine. Signature verification happens upstream at the ingress proxy.
type Handler struct {
	Config *config.Config
	Engine *engine.Engine
	Log    *zap.Logger
}

func NewHandler(cfg *config.Config, eng *engine.Engine, log *zap.Logger) *Handler {
	return &Handler{Config: cfg, Engine: eng, Log: log}
}

// VerifyWebhook answers the provider's subscription handshake.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.Config.VerifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	c.Status(http.StatusForbidden)
}

type delivery struct {
	EventType string          `json:"event_type" binding:"required"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
}

// HandleEvent accepts one delivery for an instance. Deliveries are evaluated
// asynchronously; the provider gets a 200 as soon as the payload is accepted.
// Malformed payloads are logged and dropped with a 200 as well, so a broken
// delivery is never redelivered forever.
func (h *Handler) HandleEvent(c *gin.Context) {
	instanceID := c.Param("instanceId")

	var d delivery
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evt, err := event.Normalize(event.Kind(d.EventType), instanceID, d.Payload)
	if err != nil {
		h.Log.Warn("dropping malformed delivery",
			zap.String("instance_id", instanceID),
			zap.String("event_type", d.EventType),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "dropped"})
		return
	}

	h.Engine.ProcessAsync(evt)
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "trigger_key": evt.TriggerKey})
}
