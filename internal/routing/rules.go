package routing

import (
	"strings"

	"github.com/relaysms/triage-gateway/internal/core_domain"
)

// Decision is what rule evaluation produces for a message: the priority and
// action to record, plus an optional auto-response when Action is
// auto-respond.
type Decision struct {
	Priority     core_domain.Priority
	Action       core_domain.RoutingAction
	AutoResponse *AutoResponse
}

// AutoResponse describes the templated reply attached to an auto-respond
// decision. Template placeholders use {{variable}} syntax and are resolved
// by the dispatcher at send time.
type AutoResponse struct {
	Template string
	Channel  core_domain.Channel
}

// Condition is a predicate over a normalized message. Conditions must be
// pure: a panicking condition is a programming error, not a runtime
// condition the engine recovers from.
type Condition func(msg core_domain.NormalizedMessage) bool

// Rule pairs a condition with the decision to apply when it matches.
type Rule struct {
	Name      string
	Condition Condition
	Decision  Decision
}

// RuleList is an ordered rule set whose last element is always a catch-all
// rule that matches every message. Position is the contract: evaluation is
// first-match-wins in list order, and InsertBeforeCatchAll is the only way
// to add rules, so totality cannot be broken by mutation.
type RuleList struct {
	rules    []Rule
	defaults func() []Rule
}

// NewRuleList builds a list from the given default set. The defaults
// function must return rules ending in a catch-all; it is re-invoked by
// Reset.
func NewRuleList(defaults func() []Rule) *RuleList {
	return &RuleList{rules: defaults(), defaults: defaults}
}

// InsertBeforeCatchAll appends a custom rule immediately before the final
// catch-all rule, so it is evaluated after existing custom rules but before
// the default fallback.
func (l *RuleList) InsertBeforeCatchAll(r Rule) {
	i := len(l.rules) - 1
	l.rules = append(l.rules[:i], r, l.rules[i])
}

// Reset discards all custom rules and restores the built-in defaults.
func (l *RuleList) Reset() {
	l.rules = l.defaults()
}

// Rules returns a copy of the current rule order for inspection.
func (l *RuleList) Rules() []Rule {
	out := make([]Rule, len(l.rules))
	copy(out, l.rules)
	return out
}

// Len reports the number of rules including the catch-all.
func (l *RuleList) Len() int { return len(l.rules) }

// Default keyword sets for the built-in rules. Matching is case-insensitive
// substring containment over the message content.
var (
	defaultUrgentKeywords = []string{
		"urgent", "emergency", "asap", "critical", "immediately", "down", "outage",
	}
	defaultImportantKeywords = []string{
		"important", "priority", "deadline", "reminder",
	}
	defaultSpamKeywords = []string{
		"free prize", "click here", "winner", "congratulations you", "claim now", "unsubscribe",
	}
	questionWords = []string{
		"who", "what", "when", "where", "why", "how", "can you", "could you", "is there", "are there", "do you",
	}
)

func containsAny(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// looksLikeQuestion reports whether the content is question-shaped: it ends
// with a question mark or opens with an interrogative.
func looksLikeQuestion(content string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(content))
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") || strings.Contains(trimmed, "? ") {
		return true
	}
	for _, w := range questionWords {
		if strings.HasPrefix(trimmed, w+" ") {
			return true
		}
	}
	return false
}

// DefaultRules returns the built-in rule order. First match wins:
// urgent keywords, important keywords, question-shaped content, spam
// keywords, then the catch-all producing {normal, queue}.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "urgent-keywords",
			Condition: func(msg core_domain.NormalizedMessage) bool {
				return containsAny(msg.Content, defaultUrgentKeywords)
			},
			Decision: Decision{Priority: core_domain.PriorityUrgent, Action: core_domain.ActionNotify},
		},
		{
			Name: "important-keywords",
			Condition: func(msg core_domain.NormalizedMessage) bool {
				return containsAny(msg.Content, defaultImportantKeywords)
			},
			Decision: Decision{Priority: core_domain.PriorityHigh, Action: core_domain.ActionNotify},
		},
		{
			Name: "question",
			Condition: func(msg core_domain.NormalizedMessage) bool {
				return looksLikeQuestion(msg.Content)
			},
			Decision: Decision{Priority: core_domain.PriorityNormal, Action: core_domain.ActionQueue},
		},
		{
			Name: "spam-keywords",
			Condition: func(msg core_domain.NormalizedMessage) bool {
				return containsAny(msg.Content, defaultSpamKeywords)
			},
			Decision: Decision{Priority: core_domain.PriorityLow, Action: core_domain.ActionIgnore},
		},
		{
			Name:      "catch-all",
			Condition: func(core_domain.NormalizedMessage) bool { return true },
			Decision:  Decision{Priority: core_domain.PriorityNormal, Action: core_domain.ActionQueue},
		},
	}
}
