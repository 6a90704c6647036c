// Package actions holds the built-in handlers behind the dispatcher's
// capability registry. Each handler receives the rule's action config merged
// with the event context; the heavy business logic lives in the CRM backend
// these handlers call into.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crm-automation/internal/engine"
	"crm-automation/internal/event"
	"crm-automation/internal/messaging"
	"crm-automation/internal/models"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Deps struct {
	DB         *gorm.DB
	Messaging  *messaging.Client
	CRMBaseURL string
	HTTP       *http.Client
	Log        *zap.Logger
}

// RegisterAll wires every built-in action type into the registry.
func RegisterAll(reg *engine.Registry, deps Deps) {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	a := &builtins{deps: deps}
	reg.Register(models.ActionCreateTask, engine.HandlerFunc(a.createTask))
	reg.Register(models.ActionCreateNote, engine.HandlerFunc(a.createNote))
	reg.Register(models.ActionSendMessage, engine.HandlerFunc(a.sendMessage))
	reg.Register(models.ActionAddLabel, engine.HandlerFunc(a.addLabel))
	reg.Register(models.ActionCreateCalendarEvent, engine.HandlerFunc(a.createCalendarEvent))
	reg.Register(models.ActionWebhook, engine.HandlerFunc(a.webhook))
}

type builtins struct {
	deps Deps
}

func (a *builtins) createTask(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	title, _ := config["title"].(string)
	if title == "" {
		return "", engine.Permanent(fmt.Errorf("create_task requires a title"))
	}
	body := map[string]interface{}{
		"title":       renderPlaceholders(title, evt),
		"description": renderPlaceholders(stringOr(config, "description"), evt),
		"contact_jid": evt.PerformerJID,
		"source":      "automation",
		"trigger_key": evt.TriggerKey,
	}
	if due, ok := config["due_in_hours"].(float64); ok && due > 0 {
		body["due_at"] = time.Now().Add(time.Duration(due) * time.Hour).UTC().Format(time.RFC3339)
	}
	return a.postCRM(ctx, "/api/tasks", body)
}

func (a *builtins) createNote(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	content, _ := config["content"].(string)
	if content == "" {
		return "", engine.Permanent(fmt.Errorf("create_note requires content"))
	}
	body := map[string]interface{}{
		"content":     renderPlaceholders(content, evt),
		"contact_jid": evt.PerformerJID,
		"source":      "automation",
		"trigger_key": evt.TriggerKey,
	}
	return a.postCRM(ctx, "/api/notes", body)
}

func (a *builtins) createCalendarEvent(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	title, _ := config["title"].(string)
	if title == "" {
		return "", engine.Permanent(fmt.Errorf("create_calendar_event requires a title"))
	}
	startsIn, _ := config["starts_in_hours"].(float64)
	if startsIn <= 0 {
		startsIn = 1
	}
	body := map[string]interface{}{
		"title":       renderPlaceholders(title, evt),
		"starts_at":   time.Now().Add(time.Duration(startsIn) * time.Hour).UTC().Format(time.RFC3339),
		"contact_jid": evt.PerformerJID,
		"trigger_key": evt.TriggerKey,
	}
	return a.postCRM(ctx, "/api/calendar/events", body)
}

func (a *builtins) sendMessage(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	text, _ := config["message"].(string)
	if text == "" {
		return "", engine.Permanent(fmt.Errorf("send_message requires a message"))
	}
	to, _ := config["to"].(string)
	if to == "" {
		to = evt.ChatJID
	}
	if to == "" {
		return "", engine.Permanent(fmt.Errorf("send_message has no recipient"))
	}

	err := a.deps.Messaging.SendText(ctx, to, renderPlaceholders(text, evt))
	if err != nil {
		var se *messaging.StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			return "", engine.Permanent(err)
		}
		return "", err
	}
	return "message sent to " + to, nil
}

// addLabel adds a label to the performer's contact record; adding an
// existing label is a no-op success.
func (a *builtins) addLabel(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	label, _ := config["label"].(string)
	if label == "" {
		return "", engine.Permanent(fmt.Errorf("add_label requires a label"))
	}
	if evt.PerformerJID == "" {
		return "", engine.Permanent(fmt.Errorf("add_label requires a performer"))
	}

	var contact models.Contact
	err := a.deps.DB.WithContext(ctx).First(&contact, "jid = ?", evt.PerformerJID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			contact = models.Contact{JID: evt.PerformerJID}
		} else {
			return "", err
		}
	}

	var labels []string
	if len(contact.Labels) > 0 {
		_ = json.Unmarshal(contact.Labels, &labels)
	}
	for _, l := range labels {
		if l == label {
			return "label already present", nil
		}
	}
	labels = append(labels, label)
	raw, _ := json.Marshal(labels)
	contact.Labels = datatypes.JSON(raw)

	if err := a.deps.DB.WithContext(ctx).Save(&contact).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("label %q added to %s", label, evt.PerformerJID), nil
}

// webhook POSTs the action config's static payload merged with the event
// context to the configured URL.
func (a *builtins) webhook(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return "", engine.Permanent(fmt.Errorf("webhook requires a url"))
	}
	body := map[string]interface{}{"event": evt}
	if payload, ok := config["payload"].(map[string]interface{}); ok {
		for k, v := range payload {
			body[k] = v
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", engine.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", engine.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.deps.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("webhook target returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", engine.Permanent(fmt.Errorf("webhook target returned %d", resp.StatusCode))
	}
	return fmt.Sprintf("webhook delivered (%d)", resp.StatusCode), nil
}

func (a *builtins) postCRM(ctx context.Context, path string, body map[string]interface{}) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", engine.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.deps.CRMBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return "", engine.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.deps.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("CRM backend returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", engine.Permanent(fmt.Errorf("CRM backend rejected request with %d: %s", resp.StatusCode, respBody))
	}
	return string(respBody), nil
}

// renderPlaceholders substitutes event context into user-authored text.
func renderPlaceholders(text string, evt *event.InboundEvent) string {
	text = strings.ReplaceAll(text, "{{performer}}", evt.PerformerJID)
	text = strings.ReplaceAll(text, "{{chat}}", evt.ChatJID)
	if evt.Message != nil {
		text = strings.ReplaceAll(text, "{{message}}", evt.Message.Text)
	}
	if evt.Reaction != nil {
		text = strings.ReplaceAll(text, "{{emoji}}", evt.Reaction.Emoji)
	}
	return text
}

func stringOr(config map[string]interface{}, key string) string {
	s, _ := config[key].(string)
	return s
}
