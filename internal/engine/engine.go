package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"crm-automation/internal/event"
	"crm-automation/internal/models"
	"crm-automation/internal/rules"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// kindTriggers maps an event kind to the trigger types it can fire.
var kindTriggers = map[event.Kind][]models.TriggerType{
	event.KindMessage:  {models.TriggerKeyword, models.TriggerHashtag, models.TriggerContactGroup},
	event.KindReaction: {models.TriggerReaction},
	event.KindCall:     {models.TriggerContactGroup},
	event.KindLocation: {models.TriggerLocation},
}

type Options struct {
	// ClaimTTL bounds how long a crashed dispatch can hold a trigger key.
	ClaimTTL time.Duration
	// MaxParallelRules bounds rule fan-out per event.
	MaxParallelRules int
	// Timezone for the time-of-day filter and the daily quota window.
	Timezone *time.Location
}

// Engine drives one event through the full pipeline: candidate lookup,
// condition matching, dedup guard, rate gates, dispatch and audit logging.
// Events are processed concurrently; per (rule, trigger key) correctness is
// enforced by the store, not by in-process locks.
type Engine struct {
	db         *gorm.DB
	ruleStore  *rules.Store
	store      *Store
	dispatcher *Dispatcher
	log        *zap.Logger

	claimTTL    time.Duration
	maxParallel int
	tz          *time.Location

	// notify, when set, receives every recorded execution (used by the
	// websocket hub).
	notify func(models.ActionExecution)

	wg sync.WaitGroup
}

func New(db *gorm.DB, ruleStore *rules.Store, store *Store, dispatcher *Dispatcher, log *zap.Logger, opts Options) *Engine {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 10 * time.Minute
	}
	if opts.MaxParallelRules <= 0 {
		opts.MaxParallelRules = 8
	}
	if opts.Timezone == nil {
		opts.Timezone = time.UTC
	}
	return &Engine{
		db:          db,
		ruleStore:   ruleStore,
		store:       store,
		dispatcher:  dispatcher,
		log:         log,
		claimTTL:    opts.ClaimTTL,
		maxParallel: opts.MaxParallelRules,
		tz:          opts.Timezone,
	}
}

// SetNotifier installs a callback invoked after every audit row is written.
func (e *Engine) SetNotifier(fn func(models.ActionExecution)) {
	e.notify = fn
}

// ProcessAsync evaluates the event on its own goroutine. The engine tracks
// the goroutine so Shutdown can drain in-flight work; an in-flight dispatch
// either completes or is recorded as failed, never left unrecorded.
func (e *Engine) ProcessAsync(evt *event.InboundEvent) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ProcessEvent(context.Background(), evt); err != nil {
			e.log.Error("event processing failed", zap.String("trigger_key", evt.TriggerKey), zap.Error(err))
		}
	}()
}

// Shutdown waits for in-flight evaluations to finish, up to ctx's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessEvent evaluates every candidate rule for the event. Rule
// evaluations are independent: one rule panicking or failing never affects
// the others.
func (e *Engine) ProcessEvent(ctx context.Context, evt *event.InboundEvent) error {
	triggerTypes, ok := kindTriggers[evt.Kind]
	if !ok {
		return fmt.Errorf("no trigger types for event kind %q", evt.Kind)
	}

	candidates, err := e.ruleStore.CandidateRules(ctx, triggerTypes, rules.Scope{InstanceID: evt.InstanceID})
	if err != nil {
		return fmt.Errorf("candidate rules: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	performer := e.lookupContact(ctx, evt.PerformerJID)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for i := range candidates {
		rule := candidates[i]
		g.Go(func() error {
			e.evaluateRule(ctx, &rule, evt, performer)
			return nil
		})
	}
	return g.Wait()
}

// FireTimeBased synthesizes an event for one scheduled rule firing. The
// trigger key embeds the scheduled instant, so every process in a cluster
// derives the same key and the dedup guard elects exactly one executor.
// The firing counts as in-flight work, so Shutdown drains it like any
// webhook-driven evaluation.
func (e *Engine) FireTimeBased(ctx context.Context, rule *models.ActionRule, scheduledAt time.Time) {
	e.wg.Add(1)
	defer e.wg.Done()

	evt := &event.InboundEvent{
		Kind:       event.KindTime,
		TriggerKey: fmt.Sprintf("time:%d:%d", rule.ID, scheduledAt.Unix()),
		InstanceID: rule.InstanceID,
		Timestamp:  scheduledAt,
	}
	e.evaluateRule(ctx, rule, evt, nil)
}

// evaluateRule runs the gate sequence for one (rule, event) pair:
// match → dedup → rate → dispatch → log. Every terminal outcome writes
// exactly one audit row; only success advances the rule counters.
func (e *Engine) evaluateRule(ctx context.Context, rule *models.ActionRule, evt *event.InboundEvent, performer *models.Contact) {
	start := time.Now()
	held := false

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("rule evaluation panicked",
				zap.Uint("rule_id", rule.ID),
				zap.String("trigger_key", evt.TriggerKey),
				zap.Any("panic", r))
			e.recordFailure(ctx, rule, evt, fmt.Sprintf("panic: %v", r), start)
			// A panic is a failure, and failures free the trigger key for
			// redelivery just like an ordinary dispatch error.
			if held {
				e.releaseClaim(ctx, rule, evt)
			}
		}
	}()

	cond, err := rules.ParseConditions(rule.TriggerType, rule.TriggerConditions)
	if err != nil {
		// Conditions are validated at save time; a rule that slipped
		// through silently never fires.
		e.log.Warn("rule has malformed conditions",
			zap.Uint("rule_id", rule.ID), zap.Error(err))
		return
	}

	if !Matches(rule, cond, evt, performer, e.tz) {
		return
	}

	triggerData, _ := json.Marshal(evt)

	// Dedup guard: a prior success for this key ends processing here.
	if done, err := e.store.HasSuccess(ctx, rule.ID, evt.TriggerKey); err != nil {
		e.log.Error("dedup lookup failed", zap.Uint("rule_id", rule.ID), zap.Error(err))
		return
	} else if done {
		e.recordSkip(ctx, rule, evt, triggerData, models.SkipDuplicate, start)
		return
	}

	claimed, err := e.store.Claim(ctx, rule.ID, evt.TriggerKey, e.claimTTL)
	if err != nil {
		e.log.Error("claim failed", zap.Uint("rule_id", rule.ID), zap.Error(err))
		return
	}
	if !claimed {
		e.recordSkip(ctx, rule, evt, triggerData, models.SkipDuplicate, start)
		return
	}
	held = true

	// Re-check after acquiring the claim: a concurrent delivery may have
	// committed its success between our first check and the claim insert.
	if done, err := e.store.HasSuccess(ctx, rule.ID, evt.TriggerKey); err == nil && done {
		e.releaseClaim(ctx, rule, evt)
		e.recordSkip(ctx, rule, evt, triggerData, models.SkipDuplicate, start)
		return
	}

	// Rate gates. The candidate snapshot may be a few seconds stale, so
	// the counters are re-read from the database; they commit in the same
	// transaction as the success row, so this view is consistent.
	now := time.Now()
	if blocked, reason := e.rateBlocked(ctx, rule, now); blocked {
		e.releaseClaim(ctx, rule, evt)
		e.recordSkip(ctx, rule, evt, triggerData, reason, start)
		return
	}

	result, dispatchErr := e.dispatcher.Execute(ctx, rule, evt)
	if dispatchErr != nil {
		e.recordFailure(ctx, rule, evt, dispatchErr.Error(), start)
		e.releaseClaim(ctx, rule, evt)
		return
	}

	exec, err := e.store.RecordSuccess(ctx, rule.ID, evt.TriggerKey, triggerData, result, time.Since(start))
	if err != nil {
		if errors.Is(err, ErrDuplicateSuccess) {
			// Another process won the race; our dispatch outcome is
			// folded into a skip so the audit trail stays complete.
			e.releaseClaim(ctx, rule, evt)
			e.recordSkip(ctx, rule, evt, triggerData, models.SkipDuplicate, start)
			return
		}
		e.log.Error("recording success failed",
			zap.Uint("rule_id", rule.ID),
			zap.String("trigger_key", evt.TriggerKey),
			zap.Error(err))
		return
	}

	e.log.Info("rule executed",
		zap.Uint("rule_id", rule.ID),
		zap.String("action_type", string(rule.ActionType)),
		zap.String("trigger_key", evt.TriggerKey),
		zap.Int64("took_ms", exec.ProcessingTimeMs))
	if e.notify != nil {
		e.notify(*exec)
	}
}

// rateBlocked applies the cooldown gate, then the calendar-day quota gate.
func (e *Engine) rateBlocked(ctx context.Context, rule *models.ActionRule, now time.Time) (bool, models.SkipReason) {
	var fresh models.ActionRule
	if err := e.db.WithContext(ctx).First(&fresh, rule.ID).Error; err == nil {
		rule.LastExecutedAt = fresh.LastExecutedAt
		rule.TotalExecutions = fresh.TotalExecutions
	}
	if rule.CooldownMinutes > 0 && rule.LastExecutedAt != nil {
		cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
		if now.Sub(*rule.LastExecutedAt) < cooldown {
			return true, models.SkipCooldown
		}
	}
	if rule.MaxExecutionsPerDay > 0 {
		n, err := e.store.CountSuccessesToday(ctx, rule.ID, now)
		if err != nil {
			e.log.Error("quota lookup failed", zap.Uint("rule_id", rule.ID), zap.Error(err))
			// Fail closed: without a reliable count the quota cannot be
			// enforced. The distinct reason keeps a storage fault
			// distinguishable from an exhausted quota in the audit trail.
			return true, models.SkipQuotaUnverified
		}
		if n >= int64(rule.MaxExecutionsPerDay) {
			return true, models.SkipQuotaExceeded
		}
	}
	return false, ""
}

// StartClaimPruner periodically removes expired dedup claims.
func (e *Engine) StartClaimPruner(ctx context.Context, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := e.store.PruneExpiredClaims(ctx); err != nil {
					e.log.Warn("pruning expired claims failed", zap.Error(err))
				}
			}
		}
	}()
}

func (e *Engine) lookupContact(ctx context.Context, jid string) *models.Contact {
	if jid == "" {
		return nil
	}
	var c models.Contact
	if err := e.db.WithContext(ctx).First(&c, "jid = ?", jid).Error; err != nil {
		return nil
	}
	return &c
}

func (e *Engine) releaseClaim(ctx context.Context, rule *models.ActionRule, evt *event.InboundEvent) {
	if err := e.store.ReleaseClaim(ctx, rule.ID, evt.TriggerKey); err != nil {
		e.log.Warn("releasing claim failed",
			zap.Uint("rule_id", rule.ID),
			zap.String("trigger_key", evt.TriggerKey),
			zap.Error(err))
	}
}

func (e *Engine) recordSkip(ctx context.Context, rule *models.ActionRule, evt *event.InboundEvent, triggerData []byte, reason models.SkipReason, start time.Time) {
	exec, err := e.store.RecordSkip(ctx, rule.ID, evt.TriggerKey, triggerData, reason, time.Since(start))
	if err != nil {
		e.log.Error("recording skip failed", zap.Uint("rule_id", rule.ID), zap.Error(err))
		return
	}
	e.log.Debug("rule skipped",
		zap.Uint("rule_id", rule.ID),
		zap.String("trigger_key", evt.TriggerKey),
		zap.String("reason", string(reason)))
	if e.notify != nil {
		e.notify(*exec)
	}
}

func (e *Engine) recordFailure(ctx context.Context, rule *models.ActionRule, evt *event.InboundEvent, errMsg string, start time.Time) {
	triggerData, _ := json.Marshal(evt)
	exec, err := e.store.RecordFailure(ctx, rule.ID, evt.TriggerKey, triggerData, errMsg, time.Since(start))
	if err != nil {
		e.log.Error("recording failure failed", zap.Uint("rule_id", rule.ID), zap.Error(err))
		return
	}
	e.log.Warn("rule execution failed",
		zap.Uint("rule_id", rule.ID),
		zap.String("trigger_key", evt.TriggerKey),
		zap.String("error", errMsg))
	if e.notify != nil {
		e.notify(*exec)
	}
}
