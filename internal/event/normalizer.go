package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Raw payload shapes as delivered by the messaging provider. Fields the
// normalizer does not use are intentionally omitted; unknown fields are
// ignored by encoding/json.

type rawMessage struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	ChatJID   string  `json:"chat_jid"`
	FromMe    bool    `json:"from_me"`
	Timestamp int64   `json:"timestamp"`
	Text      string  `json:"text"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type rawReaction struct {
	MessageID  string `json:"message_id"`
	ReactorJID string `json:"reactor_jid"`
	Emoji      string `json:"emoji"`
	ChatJID    string `json:"chat_jid"`
	FromMe     bool   `json:"from_me"`
	Timestamp  int64  `json:"timestamp"`
}

type rawCall struct {
	CallID          string `json:"call_id"`
	From            string `json:"from"`
	ChatJID         string `json:"chat_jid"`
	Timestamp       int64  `json:"timestamp"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"duration_seconds"`
}

var ErrMalformedPayload = errors.New("malformed event payload")

// Normalize converts a provider payload of the declared category into a
// canonical InboundEvent. The trigger key is derived only from payload
// content, so an identical redelivery normalizes to an identical key.
func Normalize(kind Kind, instanceID string, raw []byte) (*InboundEvent, error) {
	switch kind {
	case KindMessage, KindLocation:
		return normalizeMessage(kind, instanceID, raw)
	case KindReaction:
		return normalizeReaction(instanceID, raw)
	case KindCall:
		return normalizeCall(instanceID, raw)
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrMalformedPayload, kind)
	}
}

func normalizeMessage(kind Kind, instanceID string, raw []byte) (*InboundEvent, error) {
	var m rawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if m.ID == "" || m.From == "" {
		return nil, fmt.Errorf("%w: message requires id and from", ErrMalformedPayload)
	}

	evt := &InboundEvent{
		Kind:         kind,
		TriggerKey:   m.ID,
		InstanceID:   instanceID,
		ChatJID:      chatOrSender(m.ChatJID, m.From),
		PerformerJID: m.From,
		FromOwner:    m.FromMe,
		Timestamp:    tsOrNow(m.Timestamp),
	}
	if kind == KindLocation {
		evt.Location = &LocationPayload{MessageID: m.ID, Latitude: m.Latitude, Longitude: m.Longitude}
	} else {
		evt.Message = &MessagePayload{MessageID: m.ID, Text: m.Text}
	}
	return evt, nil
}

func normalizeReaction(instanceID string, raw []byte) (*InboundEvent, error) {
	var r rawReaction
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if r.MessageID == "" || r.ReactorJID == "" || r.Emoji == "" {
		return nil, fmt.Errorf("%w: reaction requires message_id, reactor_jid and emoji", ErrMalformedPayload)
	}

	// The same emoji from the same reactor on the same message is one
	// logical event no matter how often it is redelivered; a different
	// emoji is a new event.
	key := strings.Join([]string{r.MessageID, r.Emoji, r.ReactorJID}, ":")

	return &InboundEvent{
		Kind:         KindReaction,
		TriggerKey:   key,
		InstanceID:   instanceID,
		ChatJID:      chatOrSender(r.ChatJID, r.ReactorJID),
		PerformerJID: r.ReactorJID,
		FromOwner:    r.FromMe,
		Timestamp:    tsOrNow(r.Timestamp),
		Reaction:     &ReactionPayload{MessageID: r.MessageID, Emoji: r.Emoji, ReactorJID: r.ReactorJID},
	}, nil
}

func normalizeCall(instanceID string, raw []byte) (*InboundEvent, error) {
	var c rawCall
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if c.CallID == "" || c.From == "" {
		return nil, fmt.Errorf("%w: call requires call_id and from", ErrMalformedPayload)
	}

	return &InboundEvent{
		Kind:         KindCall,
		TriggerKey:   "call:" + c.CallID,
		InstanceID:   instanceID,
		ChatJID:      chatOrSender(c.ChatJID, c.From),
		PerformerJID: c.From,
		Timestamp:    tsOrNow(c.Timestamp),
		Call:         &CallPayload{CallID: c.CallID, Status: c.Status, DurationSeconds: c.DurationSeconds},
	}, nil
}

func chatOrSender(chat, sender string) string {
	if chat != "" {
		return chat
	}
	return sender
}

func tsOrNow(unix int64) time.Time {
	if unix <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
