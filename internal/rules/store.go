package rules

import (
	"context"
	"sync"
	"time"

	"crm-automation/internal/models"

	"gorm.io/gorm"
)

// Scope identifies where an event happened; rules outside the scope are not
// candidates.
type Scope struct {
	InstanceID string
	OwnerID    string
}

// Store serves the active rule set to the engine. Reads hit the database so
// concurrent rule edits take effect without a restart; a short TTL cache
// bounds the query rate under webhook bursts without letting staleness grow.
type Store struct {
	db  *gorm.DB
	ttl time.Duration

	mu        sync.Mutex
	cached    []models.ActionRule
	fetchedAt time.Time
}

func NewStore(db *gorm.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// CandidateRules returns active rules with one of the given trigger types
// whose scope matches. A rule with an empty instance filter applies to every
// instance.
func (s *Store) CandidateRules(ctx context.Context, triggerTypes []models.TriggerType, scope Scope) ([]models.ActionRule, error) {
	all, err := s.activeRules(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[models.TriggerType]bool, len(triggerTypes))
	for _, t := range triggerTypes {
		wanted[t] = true
	}

	var out []models.ActionRule
	for _, r := range all {
		if !wanted[r.TriggerType] {
			continue
		}
		if r.InstanceID != "" && r.InstanceID != scope.InstanceID {
			continue
		}
		if scope.OwnerID != "" && r.OwnerID != scope.OwnerID && r.WorkspaceID == nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// TimeBasedRules returns every active time_based rule; used by the scheduler
// to reconcile cron entries.
func (s *Store) TimeBasedRules(ctx context.Context) ([]models.ActionRule, error) {
	all, err := s.activeRules(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.ActionRule
	for _, r := range all {
		if r.TriggerType == models.TriggerTimeBased {
			out = append(out, r)
		}
	}
	return out, nil
}

// Invalidate drops the cache; called after rule writes so edits are visible
// immediately on the same process.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Store) activeRules(ctx context.Context) ([]models.ActionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl > 0 && time.Since(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	var rows []models.ActionRule
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	s.cached = rows
	s.fetchedAt = time.Now()
	return rows, nil
}
