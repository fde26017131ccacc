/*
resolver.go - Selects the single rule in force for a service

PURPOSE:
  A service can carry many EARN and BURN rules over time (history, planned
  changes). Administrators should keep validity windows from overlapping,
  but the resolver must still produce one deterministic winner.

ALGORITHM:
  1. Load all non-deleted rules for (service, type)
  2. Keep rules that are active and whose window contains asOf
  3. Pick the latest ValidFrom (most recently activated wins)
  4. Break remaining ties by latest CreatedAt, then highest ID

NOT FOUND:
  No matching rule is a recoverable condition ("no earning rule
  configured"), returned as ErrRuleNotFound.
*/
package points

import (
	"context"
	"fmt"
	"time"
)

// Resolver picks the active rule for a service at an instant.
type Resolver struct {
	Rules RuleStore
}

func NewResolver(rules RuleStore) *Resolver {
	return &Resolver{Rules: rules}
}

// Resolve returns the rule in force for (serviceID, ruleType) at asOf.
func (r *Resolver) Resolve(ctx context.Context, serviceID ServiceID, ruleType RuleType, asOf time.Time) (Rule, error) {
	rules, err := r.Rules.ListRules(ctx, serviceID, ruleType)
	if err != nil {
		return Rule{}, fmt.Errorf("list %s rules for %s: %w", ruleType, serviceID, err)
	}

	winner, ok := SelectRule(rules, ruleType, asOf)
	if !ok {
		return Rule{}, fmt.Errorf("%s rule for service %s at %s: %w",
			ruleType, serviceID, asOf.Format(time.RFC3339), ErrRuleNotFound)
	}
	return winner, nil
}

// SelectRule applies the resolution algorithm to an in-memory rule list.
func SelectRule(rules []Rule, ruleType RuleType, asOf time.Time) (Rule, bool) {
	var (
		winner Rule
		found  bool
	)
	for _, rule := range rules {
		if rule.Type != ruleType || !rule.EffectiveAt(asOf) {
			continue
		}
		if !found || supersedes(rule, winner) {
			winner = rule
			found = true
		}
	}
	return winner, found
}

func supersedes(a, b Rule) bool {
	if !a.ValidFrom.Equal(b.ValidFrom) {
		return a.ValidFrom.After(b.ValidFrom)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
