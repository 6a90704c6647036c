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
	"crm-automation/internal/retry"

	"go.uber.org/zap"
)

// Handler executes one action type. Concrete handlers live outside the
// engine and are registered by action-type key.
type Handler interface {
	Execute(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	return f(ctx, config, evt)
}

// ErrPermanent marks a handler failure that retrying cannot fix (validation
// errors, bad configuration). Wrap with Permanent().
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the dispatcher will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Registry maps action types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.ActionType]Handler)}
}

func (r *Registry) Register(t models.ActionType, h Handler) {
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

func (r *Registry) Get(t models.ActionType) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	return h, ok
}

// Dispatcher invokes the handler for a rule's action type with bounded retry
// on transient failures. Each attempt runs under its own timeout; a timeout
// counts as transient.
type Dispatcher struct {
	registry *Registry
	policy   *retry.Policy
	timeout  time.Duration
	log      *zap.Logger
}

func NewDispatcher(registry *Registry, policy *retry.Policy, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if policy == nil {
		policy = retry.Exponential(3, 250*time.Millisecond, 5*time.Second)
	}
	// Copy the policy before adding ErrPermanent so a policy shared across
	// dispatchers is not mutated.
	p := *policy
	p.NonRetryableErrors = append(append([]error(nil), policy.NonRetryableErrors...), ErrPermanent)
	return &Dispatcher{registry: registry, policy: &p, timeout: timeout, log: log}
}

// Execute runs the rule's action against the event. A missing handler or an
// unparsable action config is a configuration error: reported as a permanent
// failure with a message the rule author can act on, never a crash.
func (d *Dispatcher) Execute(ctx context.Context, rule *models.ActionRule, evt *event.InboundEvent) (string, error) {
	handler, ok := d.registry.Get(rule.ActionType)
	if !ok {
		return "", Permanent(fmt.Errorf("no handler registered for action type %q", rule.ActionType))
	}

	config := map[string]interface{}{}
	if len(rule.ActionConfig) > 0 {
		if err := json.Unmarshal(rule.ActionConfig, &config); err != nil {
			return "", Permanent(fmt.Errorf("unparsable action config: %v", err))
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := d.attempt(ctx, handler, config, evt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !d.policy.ShouldRetry(attempt, err) {
			return "", lastErr
		}
		d.log.Debug("action attempt failed, retrying",
			zap.Uint("rule_id", rule.ID),
			zap.String("action_type", string(rule.ActionType)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-time.After(d.policy.GetDelay(attempt)):
		case <-ctx.Done():
			return "", lastErr
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, h Handler, config map[string]interface{}, evt *event.InboundEvent) (string, error) {
	attemptCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	result, err := h.Execute(attemptCtx, config, evt)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		// Treat a timed-out handler as a transient failure.
		return "", fmt.Errorf("handler timed out after %s: %w", d.timeout, err)
	}
	return result, err
}
