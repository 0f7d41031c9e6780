package routing

import (
	"context"
	"log/slog"

	"github.com/relaysms/triage-gateway/internal/core_domain"
)

// TriageProvider is the capability interface for an external urgency
// scoring engine. The keyword rule set remains the fallback: a provider
// error never surfaces to callers of Evaluate.
type TriageProvider interface {
	Classify(ctx context.Context, msg core_domain.NormalizedMessage) (Decision, error)
}

// Engine classifies normalized messages into a (priority, action) decision
// by evaluating an ordered rule list, first match wins. Evaluation is total:
// the rule list always ends in a catch-all, so Evaluate never fails to
// produce a decision.
//
// Rule evaluation and rule-list mutation (AddRule/ResetRules) are not safe
// to run concurrently; callers must serialize configuration changes.
type Engine struct {
	rules    *RuleList
	provider TriageProvider
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTriageProvider makes the engine delegate classification to an
// external provider, falling back to the rule list when it errors.
func WithTriageProvider(p TriageProvider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithRules replaces the built-in default rule set. The function must
// return rules ending in a catch-all.
func WithRules(defaults func() []Rule) Option {
	return func(e *Engine) { e.rules = NewRuleList(defaults) }
}

// NewEngine creates an Engine with the built-in default rules.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:  NewRuleList(DefaultRules),
		logger: logger.With("component", "routing_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate classifies a message. When a triage provider is configured it is
// consulted first; on provider failure the rule list decides. The returned
// decision is always valid.
func (e *Engine) Evaluate(ctx context.Context, msg core_domain.NormalizedMessage) Decision {
	if e.provider != nil {
		decision, err := e.provider.Classify(ctx, msg)
		if err == nil {
			e.logger.DebugContext(ctx, "Triage provider classified message",
				"sender", msg.Sender, "priority", decision.Priority, "action", decision.Action)
			return decision
		}
		e.logger.WarnContext(ctx, "Triage provider failed, falling back to rules",
			"error", err, "sender", msg.Sender)
	}

	for _, rule := range e.rules.Rules() {
		if rule.Condition(msg) {
			e.logger.DebugContext(ctx, "Rule matched",
				"rule", rule.Name, "sender", msg.Sender,
				"priority", rule.Decision.Priority, "action", rule.Decision.Action)
			return rule.Decision
		}
	}

	// Unreachable while the catch-all is in place; kept so a broken custom
	// default set still yields a classification.
	return Decision{Priority: core_domain.PriorityNormal, Action: core_domain.ActionQueue}
}

// AddRule inserts a custom rule immediately before the catch-all.
func (e *Engine) AddRule(r Rule) {
	e.rules.InsertBeforeCatchAll(r)
}

// ResetRules discards custom rules and restores the defaults.
func (e *Engine) ResetRules() {
	e.rules.Reset()
}

// Rules exposes the current rule order for inspection.
func (e *Engine) Rules() []Rule {
	return e.rules.Rules()
}
