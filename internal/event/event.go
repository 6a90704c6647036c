package event

import "time"

// Kind is the event category declared by the ingress layer alongside the raw
// payload.
type Kind string

const (
	KindMessage  Kind = "message"
	KindReaction Kind = "reaction"
	KindCall     Kind = "call"
	KindLocation Kind = "location"
	KindTime     Kind = "time_based"
)

// InboundEvent is the canonical, ephemeral form every delivery is reduced to
// before rule evaluation. It is never persisted on its own; the execution log
// stores a snapshot as trigger data.
type InboundEvent struct {
	Kind Kind `json:"kind"`

	// TriggerKey is stable across redeliveries of the same upstream event.
	TriggerKey string `json:"trigger_key"`

	InstanceID   string    `json:"instance_id"`
	ChatJID      string    `json:"chat_jid"`
	PerformerJID string    `json:"performer_jid"`
	FromOwner    bool      `json:"from_owner"`
	Timestamp    time.Time `json:"timestamp"`

	Message  *MessagePayload  `json:"message,omitempty"`
	Reaction *ReactionPayload `json:"reaction,omitempty"`
	Call     *CallPayload     `json:"call,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
}

type MessagePayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type ReactionPayload struct {
	MessageID  string `json:"message_id"`
	Emoji      string `json:"emoji"`
	ReactorJID string `json:"reactor_jid"`
}

type CallPayload struct {
	CallID          string `json:"call_id"`
	Status          string `json:"status"` // missed, answered, rejected
	DurationSeconds int    `json:"duration_seconds"`
}

type LocationPayload struct {
	MessageID string  `json:"message_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
