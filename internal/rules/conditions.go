package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"crm-automation/internal/models"

	"github.com/robfig/cron/v3"
)

// Condition is the parsed, trigger-type-specific predicate of a rule.
// Conditions are validated when a rule is saved so malformed rules are
// rejected before they ever reach the evaluation path.
type Condition interface {
	Validate() error
}

type ReactionCondition struct {
	Emoji string `json:"emoji"`
}

func (c *ReactionCondition) Validate() error {
	if strings.TrimSpace(c.Emoji) == "" {
		return errors.New("reaction condition requires an emoji")
	}
	return nil
}

type HashtagCondition struct {
	Pattern string `json:"pattern"`
}

func (c *HashtagCondition) Validate() error {
	p := strings.TrimSpace(c.Pattern)
	if p == "" {
		return errors.New("hashtag condition requires a pattern")
	}
	if !strings.HasPrefix(p, "#") {
		return fmt.Errorf("hashtag pattern %q must start with '#'", p)
	}
	return nil
}

// KeywordCondition matches message text against a keyword list.
type KeywordCondition struct {
	Keywords []string `json:"keywords"`
	// Match is one of exact, contains, starts_with, regex. Empty means
	// contains.
	Match string `json:"match"`
}

func (c *KeywordCondition) Validate() error {
	if len(c.Keywords) == 0 {
		return errors.New("keyword condition requires at least one keyword")
	}
	switch c.Match {
	case "", "exact", "contains", "starts_with":
	case "regex":
		for _, k := range c.Keywords {
			if _, err := regexp.Compile(k); err != nil {
				return fmt.Errorf("invalid keyword regex %q: %w", k, err)
			}
		}
	default:
		return fmt.Errorf("unknown keyword match mode %q", c.Match)
	}
	return nil
}

type TimeBasedCondition struct {
	Cron string `json:"cron"`
}

func (c *TimeBasedCondition) Validate() error {
	if strings.TrimSpace(c.Cron) == "" {
		return errors.New("time_based condition requires a cron expression")
	}
	if _, err := cron.ParseStandard(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", c.Cron, err)
	}
	return nil
}

type LocationCondition struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

func (c *LocationCondition) Validate() error {
	if c.RadiusMeters <= 0 {
		return errors.New("location condition requires a positive radius")
	}
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return errors.New("location condition has out-of-range coordinates")
	}
	return nil
}

type ContactGroupCondition struct {
	GroupID string `json:"group_id"`
}

func (c *ContactGroupCondition) Validate() error {
	if strings.TrimSpace(c.GroupID) == "" {
		return errors.New("contact_group condition requires a group id")
	}
	return nil
}

// ParseConditions decodes and validates the condition payload for the given
// trigger type.
func ParseConditions(t models.TriggerType, raw []byte) (Condition, error) {
	var c Condition
	switch t {
	case models.TriggerReaction:
		c = &ReactionCondition{}
	case models.TriggerHashtag:
		c = &HashtagCondition{}
	case models.TriggerKeyword:
		c = &KeywordCondition{}
	case models.TriggerTimeBased:
		c = &TimeBasedCondition{}
	case models.TriggerLocation:
		c = &LocationCondition{}
	case models.TriggerContactGroup:
		c = &ContactGroupCondition{}
	default:
		return nil, fmt.Errorf("unknown trigger type %q", t)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("trigger type %q requires conditions", t)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("conditions for trigger %q: %w", t, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
