// Package scheduler fires time_based rules on their cron expressions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"crm-automation/internal/engine"
	"crm-automation/internal/models"
	"crm-automation/internal/rules"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Scheduler struct {
	ruleStore *rules.Store
	engine    *engine.Engine
	log       *zap.Logger

	cron        *cron.Cron
	reloadEvery time.Duration

	mu      sync.Mutex
	entries map[uint]cron.EntryID
	specs   map[uint]string
}

func New(ruleStore *rules.Store, eng *engine.Engine, log *zap.Logger) *Scheduler {
	return &Scheduler{
		ruleStore:   ruleStore,
		engine:      eng,
		log:         log,
		cron:        cron.New(),
		reloadEvery: 30 * time.Second,
		entries:     map[uint]cron.EntryID{},
		specs:       map[uint]string{},
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.reconcile(ctx)
	s.cron.Start()
	go s.reloadLoop(ctx)
}

// Stop halts new firings and waits for cron-invoked jobs to return, up to
// ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) reloadLoop(ctx context.Context) {
	t := time.NewTicker(s.reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile aligns cron entries with the active time_based rules: new rules
// get an entry, changed cron specs are recreated, removed or disabled rules
// lose theirs.
func (s *Scheduler) reconcile(ctx context.Context) {
	active, err := s.ruleStore.TimeBasedRules(ctx)
	if err != nil {
		s.log.Warn("loading time_based rules failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expected := map[uint]bool{}
	for i := range active {
		rule := active[i]

		cond, err := rules.ParseConditions(models.TriggerTimeBased, rule.TriggerConditions)
		if err != nil {
			s.log.Warn("time_based rule has invalid conditions",
				zap.Uint("rule_id", rule.ID), zap.Error(err))
			continue
		}
		spec := cond.(*rules.TimeBasedCondition).Cron
		expected[rule.ID] = true

		if old, ok := s.specs[rule.ID]; ok && old != spec {
			s.cron.Remove(s.entries[rule.ID])
			delete(s.entries, rule.ID)
			delete(s.specs, rule.ID)
		}
		if _, ok := s.entries[rule.ID]; ok {
			continue
		}

		ruleCopy := rule
		id, err := s.cron.AddFunc(spec, func() {
			// Truncate to the minute so every process in a cluster
			// derives the same trigger key and dedup elects one
			// executor.
			scheduledAt := time.Now().Truncate(time.Minute)
			s.engine.FireTimeBased(context.Background(), &ruleCopy, scheduledAt)
		})
		if err != nil {
			s.log.Warn("invalid cron expression",
				zap.Uint("rule_id", rule.ID), zap.String("cron", spec), zap.Error(err))
			continue
		}
		s.entries[rule.ID] = id
		s.specs[rule.ID] = spec
	}

	for ruleID, entryID := range s.entries {
		if expected[ruleID] {
			continue
		}
		s.cron.Remove(entryID)
		delete(s.entries, ruleID)
		delete(s.specs, ruleID)
	}
}
