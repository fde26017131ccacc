/*
presets.go - Ready-made rule definitions

AVAILABLE PRESETS:
  StandardEarnRule:
    - PointsPerUnit points per UnitAmount spent
    - Batches expire after expiryDays (0 = never)

  CappedEarnRule:
    - Standard earn with a minimum spend and a per-transaction cap

  StandardBurnRule:
    - Redemption value per point, with an optional minimum redemption value

  EarnRuleJSON / BurnRuleJSON:
    - The same presets as JSON documents for the admin API and fixtures

EXAMPLE:
  rule := catalog.StandardEarnRule("fuel-earn", "fuel", "1", "10", 365, time.Now())
  res, err := cat.AddRule(ctx, rule)
*/
package catalog

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// StandardEarnRule earns pointsPerUnit points per unitAmount spent.
// expiryDays <= 0 means batches never expire.
func StandardEarnRule(id, serviceID, pointsPerUnit, unitAmount string, expiryDays int, validFrom time.Time) points.Rule {
	r := points.Rule{
		ID:            points.RuleID(id),
		ServiceID:     points.ServiceID(serviceID),
		Type:          points.RuleEarn,
		PointsPerUnit: decimal.RequireFromString(pointsPerUnit),
		UnitAmount:    decimal.RequireFromString(unitAmount),
		ValidFrom:     validFrom.UTC(),
		IsActive:      true,
	}
	if expiryDays > 0 {
		days := expiryDays
		r.ExpiryDays = &days
	}
	return r
}

// CappedEarnRule is StandardEarnRule with a minimum spend and a cap on the
// points awarded per transaction.
func CappedEarnRule(id, serviceID, pointsPerUnit, unitAmount, minAmount, maxPoints string, expiryDays int, validFrom time.Time) points.Rule {
	r := StandardEarnRule(id, serviceID, pointsPerUnit, unitAmount, expiryDays, validFrom)
	minA := decimal.RequireFromString(minAmount)
	maxP := decimal.RequireFromString(maxPoints)
	r.MinAmount = &minA
	r.MaxPoints = &maxP
	return r
}

// StandardBurnRule redeems unitAmount of value per pointsPerUnit points.
// An empty minValue means no minimum.
func StandardBurnRule(id, serviceID, pointsPerUnit, unitAmount, minValue string, validFrom time.Time) points.Rule {
	r := points.Rule{
		ID:            points.RuleID(id),
		ServiceID:     points.ServiceID(serviceID),
		Type:          points.RuleBurn,
		PointsPerUnit: decimal.RequireFromString(pointsPerUnit),
		UnitAmount:    decimal.RequireFromString(unitAmount),
		ValidFrom:     validFrom.UTC(),
		IsActive:      true,
	}
	if minValue != "" {
		m := decimal.RequireFromString(minValue)
		r.MinAmount = &m
	}
	return r
}

// EarnRuleJSON renders StandardEarnRule as JSON.
func EarnRuleJSON(id, serviceID, pointsPerUnit, unitAmount string, expiryDays int, validFrom time.Time) string {
	return mustJSON(NewFactory().ToJSON(StandardEarnRule(id, serviceID, pointsPerUnit, unitAmount, expiryDays, validFrom)))
}

// BurnRuleJSON renders StandardBurnRule as JSON.
func BurnRuleJSON(id, serviceID, pointsPerUnit, unitAmount, minValue string, validFrom time.Time) string {
	return mustJSON(NewFactory().ToJSON(StandardBurnRule(id, serviceID, pointsPerUnit, unitAmount, minValue, validFrom)))
}

func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return string(b)
}
