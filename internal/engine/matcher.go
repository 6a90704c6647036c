package engine

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"crm-automation/internal/event"
	"crm-automation/internal/models"
	"crm-automation/internal/rules"
)

// Matches evaluates a rule's filters and trigger predicate against an event.
// It is pure: the performer contact, when known, is resolved by the caller.
// Filters run cheapest-first and short-circuit; a malformed rule never
// matches.
func Matches(rule *models.ActionRule, cond rules.Condition, evt *event.InboundEvent, performer *models.Contact, loc *time.Location) bool {
	if rule.InstanceID != "" && rule.InstanceID != evt.InstanceID {
		return false
	}
	if !performerAllowed(rule.PerformerFilter, evt.FromOwner) {
		return false
	}
	if !contactAllowed(rule, evt, performer) {
		return false
	}
	if !withinTimeWindow(rule.TimeWindowStart, rule.TimeWindowEnd, evt.Timestamp.In(loc)) {
		return false
	}
	return triggerMatches(cond, evt, performer)
}

func performerAllowed(f models.PerformerFilter, fromOwner bool) bool {
	switch f {
	case models.PerformerOwnerOnly:
		return fromOwner
	case models.PerformerContactsOnly:
		return !fromOwner
	case models.PerformerBoth, "":
		return true
	default:
		return false
	}
}

func contactAllowed(rule *models.ActionRule, evt *event.InboundEvent, performer *models.Contact) bool {
	if len(rule.ContactJIDs) > 0 {
		var jids []string
		if err := json.Unmarshal(rule.ContactJIDs, &jids); err != nil {
			return false
		}
		if len(jids) > 0 && !containsString(jids, evt.PerformerJID) {
			return false
		}
	}
	if rule.ContactGroupID != "" {
		if performer == nil || !inGroup(performer, rule.ContactGroupID) {
			return false
		}
	}
	return true
}

// withinTimeWindow checks "HH:MM" boundaries in the engine timezone. Windows
// may wrap midnight (e.g. 22:00-06:00). Empty boundaries disable the filter;
// unparsable boundaries never match.
func withinTimeWindow(start, end string, t time.Time) bool {
	if start == "" || end == "" {
		return true
	}
	sh, sm, okS := parseClock(start)
	eh, em, okE := parseClock(end)
	if !okS || !okE {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	from := sh*60 + sm
	until := eh*60 + em
	if from <= until {
		return now >= from && now <= until
	}
	return now >= from || now <= until
}

func parseClock(s string) (h, m int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

func triggerMatches(cond rules.Condition, evt *event.InboundEvent, performer *models.Contact) bool {
	switch c := cond.(type) {
	case *rules.ReactionCondition:
		return evt.Reaction != nil && evt.Reaction.Emoji == c.Emoji
	case *rules.HashtagCondition:
		return evt.Message != nil && containsHashtag(evt.Message.Text, c.Pattern)
	case *rules.KeywordCondition:
		return evt.Message != nil && matchKeywords(evt.Message.Text, c)
	case *rules.TimeBasedCondition:
		return evt.Kind == event.KindTime
	case *rules.LocationCondition:
		if evt.Location == nil {
			return false
		}
		return haversineMeters(c.Latitude, c.Longitude, evt.Location.Latitude, evt.Location.Longitude) <= c.RadiusMeters
	case *rules.ContactGroupCondition:
		return performer != nil && inGroup(performer, c.GroupID)
	default:
		return false
	}
}

func containsHashtag(text, pattern string) bool {
	for _, tok := range strings.Fields(text) {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '#'
		})
		if strings.EqualFold(tok, pattern) {
			return true
		}
	}
	return false
}

func matchKeywords(text string, c *rules.KeywordCondition) bool {
	msg := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range c.Keywords {
		needle := strings.ToLower(kw)
		switch c.Match {
		case "exact":
			if msg == needle {
				return true
			}
		case "starts_with":
			if strings.HasPrefix(msg, needle) {
				return true
			}
		case "regex":
			// Patterns were validated at rule save time; a compile
			// failure here means the rule is malformed and must not
			// match.
			re, err := regexp.Compile(kw)
			if err == nil && re.MatchString(text) {
				return true
			}
		default: // contains
			if strings.Contains(msg, needle) {
				return true
			}
		}
	}
	return false
}

func inGroup(c *models.Contact, groupID string) bool {
	var groups []string
	if err := json.Unmarshal(c.GroupIDs, &groups); err != nil {
		return false
	}
	return containsString(groups, groupID)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
