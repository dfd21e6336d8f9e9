package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Engine evaluates policy requests. Evaluation is context-aware because a
// rule may defer to a remote approver; callers bound it with a deadline.
type Engine interface {
	Evaluate(ctx context.Context, req *Request) (Decision, error)
}

// Approver resolves an escalation, typically by asking a human or a
// remote governance service. Implementations must respect the context
// deadline.
type Approver interface {
	Approve(ctx context.Context, req *Request) (Decision, error)
}

// Matcher selects the requests a rule applies to. Zero-valued fields
// match anything.
type Matcher struct {
	// Action narrows to one action kind; empty matches all kinds.
	Action ActionKind
	// Subject narrows to an exact subject; empty matches all subjects.
	Subject string
	// SubjectPrefix narrows to subjects with the given prefix.
	SubjectPrefix string
	// Scopes must all be present on the request.
	Scopes []string
	// Metadata entries must all be present with equal values.
	Metadata map[string]string
}

// Matches reports whether the request satisfies every constraint.
func (m Matcher) Matches(req *Request) bool {
	if m.Action != "" && m.Action != req.Action {
		return false
	}
	if m.Subject != "" && m.Subject != req.Subject {
		return false
	}
	if m.SubjectPrefix != "" && !strings.HasPrefix(req.Subject, m.SubjectPrefix) {
		return false
	}
	for _, scope := range m.Scopes {
		if !req.HasScope(scope) {
			return false
		}
	}
	for key, want := range m.Metadata {
		if req.Metadata[key] != want {
			return false
		}
	}
	return true
}

// Rule pairs a matcher with the decision it yields. An optional Approver
// turns the rule into a deferred escalation: the engine consults the
// approver and, when it times out, returns Escalate with a timeout reason
// and the rule's approvers.
type Rule struct {
	Name     string
	Matcher  Matcher
	Decision Decision
	Approver Approver
}

// NewRule validates and builds a rule.
func NewRule(name string, matcher Matcher, decision Decision) (Rule, error) {
	if strings.TrimSpace(name) == "" {
		return Rule{}, errors.New("policy: rule name cannot be empty")
	}
	return Rule{Name: name, Matcher: matcher, Decision: decision}, nil
}

// WithApprover attaches an approver and returns the rule.
func (r Rule) WithApprover(a Approver) Rule {
	r.Approver = a
	return r
}

// EngineConfig configures a RuleEngine.
type EngineConfig struct {
	// DefaultDecision applies when no rule matches. Typically Allow.
	DefaultDecision Decision
	// EscalationDeadline bounds how long a deferred approval may take
	// before the engine gives up with Escalate{timeout}.
	EscalationDeadline time.Duration
}

// DefaultEscalationDeadline bounds deferred approvals when the config
// leaves the deadline unset.
const DefaultEscalationDeadline = 5 * time.Minute

// RuleEngine is the ordered, first-match-wins rule evaluator. Rules are
// immutable after construction; rule conflicts are resolved by
// declaration order. Changing the rule set means building a new engine.
type RuleEngine struct {
	rules              []Rule
	defaultDecision    Decision
	escalationDeadline time.Duration
}

// NewRuleEngine builds an engine over the supplied rules.
func NewRuleEngine(cfg EngineConfig, rules ...Rule) *RuleEngine {
	deadline := cfg.EscalationDeadline
	if deadline <= 0 {
		deadline = DefaultEscalationDeadline
	}
	owned := make([]Rule, len(rules))
	copy(owned, rules)
	return &RuleEngine{
		rules:              owned,
		defaultDecision:    cfg.DefaultDecision,
		escalationDeadline: deadline,
	}
}

// Evaluate scans the rules in declaration order and returns the decision
// of the first match, or the default decision when none match.
func (e *RuleEngine) Evaluate(ctx context.Context, req *Request) (Decision, error) {
	if req == nil {
		return Decision{}, errors.New("policy: nil request")
	}

	for _, rule := range e.rules {
		if !rule.Matcher.Matches(req) {
			continue
		}
		if rule.Approver != nil {
			return e.consultApprover(ctx, rule, req)
		}
		return rule.Decision, nil
	}

	return e.defaultDecision, nil
}

func (e *RuleEngine) consultApprover(ctx context.Context, rule Rule, req *Request) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.escalationDeadline)
	defer cancel()

	decision, err := rule.Approver.Approve(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			log.Printf("policy: rule %s approval timed out for %s %q", rule.Name, req.Action, req.Subject)
			return Escalate(
				fmt.Sprintf("approval timed out after %s", e.escalationDeadline),
				rule.Decision.Approvers...,
			), nil
		}
		return Decision{}, fmt.Errorf("policy: rule %s approver: %w", rule.Name, err)
	}
	return decision, nil
}
