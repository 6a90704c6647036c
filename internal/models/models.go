package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TriggerType is the class of inbound event a rule listens for.
type TriggerType string

const (
	TriggerReaction     TriggerType = "reaction"
	TriggerHashtag      TriggerType = "hashtag"
	TriggerKeyword      TriggerType = "keyword"
	TriggerTimeBased    TriggerType = "time_based"
	TriggerLocation     TriggerType = "location"
	TriggerContactGroup TriggerType = "contact_group"
)

// ActionType identifies the handler a rule invokes when it fires.
type ActionType string

const (
	ActionCreateTask          ActionType = "create_task"
	ActionCreateNote          ActionType = "create_note"
	ActionSendMessage         ActionType = "send_message"
	ActionAddLabel            ActionType = "add_label"
	ActionCreateCalendarEvent ActionType = "create_calendar_event"
	ActionWebhook             ActionType = "webhook"
)

// PerformerFilter restricts who may trigger a rule.
type PerformerFilter string

const (
	PerformerOwnerOnly    PerformerFilter = "owner_only"
	PerformerContactsOnly PerformerFilter = "contacts_only"
	PerformerBoth         PerformerFilter = "both"
)

type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
)

// SkipReason explains why a matched rule did not dispatch.
type SkipReason string

const (
	SkipDuplicate     SkipReason = "duplicate"
	SkipCooldown      SkipReason = "cooldown"
	SkipQuotaExceeded SkipReason = "quota_exceeded"
	// SkipQuotaUnverified marks a dispatch blocked because the quota count
	// could not be read, not because the quota was actually hit.
	SkipQuotaUnverified SkipReason = "quota_unverified"
)

// ActionRule is a standing automation definition owned by a user.
// TriggerConditions is a JSON blob whose shape depends on TriggerType; it is
// validated when the rule is saved, never on the hot path.
type ActionRule struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	OwnerID     string  `gorm:"type:varchar(100);not null;index" json:"owner_id"`
	WorkspaceID *string `gorm:"type:varchar(100);index" json:"workspace_id"`
	Name        string  `gorm:"type:varchar(255);not null" json:"name"`

	TriggerType       TriggerType    `gorm:"type:varchar(50);not null;index" json:"trigger_type"`
	TriggerConditions datatypes.JSON `gorm:"type:text" json:"trigger_conditions"`
	ActionType        ActionType     `gorm:"type:varchar(50);not null" json:"action_type"`
	ActionConfig      datatypes.JSON `gorm:"type:text" json:"action_config"`

	// Scoping filters. Empty values mean "no restriction".
	InstanceID      string          `gorm:"type:varchar(100);index" json:"instance_id"`
	ContactJIDs     datatypes.JSON  `gorm:"type:text" json:"contact_jids"`
	ContactGroupID  string          `gorm:"type:varchar(100)" json:"contact_group_id"`
	PerformerFilter PerformerFilter `gorm:"type:varchar(20);default:'both'" json:"performer_filter"`
	TimeWindowStart string          `gorm:"type:varchar(5)" json:"time_window_start"` // "HH:MM"
	TimeWindowEnd   string          `gorm:"type:varchar(5)" json:"time_window_end"`

	// Gating. Zero disables the corresponding gate.
	CooldownMinutes     int `gorm:"default:0" json:"cooldown_minutes"`
	MaxExecutionsPerDay int `gorm:"default:0" json:"max_executions_per_day"`

	IsActive bool `gorm:"default:true;index" json:"is_active"`

	// Counters maintained by the engine after a successful dispatch. The
	// execution log is the source of truth; these are a cache.
	TotalExecutions int64      `gorm:"default:0" json:"total_executions"`
	LastExecutedAt  *time.Time `json:"last_executed_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ActionRule) TableName() string {
	return "action_rules"
}

// ActionExecution is one immutable audit row per dispatch attempt or skip.
// A partial unique index on (rule_id, triggered_by) where status='success'
// enforces at most one success per trigger key; see database.Migrate.
type ActionExecution struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	RuleID           uint            `gorm:"not null;index" json:"rule_id"`
	TriggeredBy      string          `gorm:"type:varchar(255);not null;index" json:"triggered_by"`
	TriggerData      datatypes.JSON  `gorm:"type:text" json:"trigger_data"`
	Status           ExecutionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	SkipReason       SkipReason      `gorm:"type:varchar(30)" json:"skip_reason,omitempty"`
	Result           string          `gorm:"type:text" json:"result,omitempty"`
	ErrorMessage     string          `gorm:"type:text" json:"error_message,omitempty"`
	ExecutedAt       time.Time       `gorm:"not null;index" json:"executed_at"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
}

func (ActionExecution) TableName() string {
	return "action_executions"
}

// ExecutionClaim reserves a (rule, trigger key) pair while a dispatch is in
// flight so concurrent redeliveries cannot run the same action twice. Claims
// expire so a crash mid-dispatch cannot block a key forever.
type ExecutionClaim struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RuleID     uint      `gorm:"not null;uniqueIndex:idx_claims_rule_key" json:"rule_id"`
	TriggerKey string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_claims_rule_key" json:"trigger_key"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`
}

func (ExecutionClaim) TableName() string {
	return "execution_claims"
}

// ActionTemplate is a pre-built rule blueprint used at authoring time only.
type ActionTemplate struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"type:varchar(255);not null" json:"name"`
	Description string         `gorm:"type:text" json:"description"`
	TriggerType TriggerType    `gorm:"type:varchar(50);not null" json:"trigger_type"`
	ActionType  ActionType     `gorm:"type:varchar(50);not null" json:"action_type"`
	Conditions  datatypes.JSON `gorm:"type:text" json:"conditions"`
	Config      datatypes.JSON `gorm:"type:text" json:"config"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (ActionTemplate) TableName() string {
	return "action_templates"
}

// Contact backs the contact-group trigger, contact filters and the add_label
// action.
type Contact struct {
	JID       string         `gorm:"primaryKey;type:varchar(100)" json:"jid"`
	Name      string         `gorm:"type:varchar(255)" json:"name"`
	Labels    datatypes.JSON `gorm:"type:text" json:"labels"` // JSON string array
	GroupIDs  datatypes.JSON `gorm:"type:text" json:"group_ids"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}
