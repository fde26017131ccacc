package points

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS CALCULATOR - Pure conversions, no I/O
// =============================================================================

// ComputeEarnedPoints converts a spent amount into points under an EARN rule.
//
//   - amount below MinAmount accrues nothing (zero, not an error)
//   - points = amount * PointsPerUnit / UnitAmount
//   - rounded by Round
//   - clamped to MaxPoints, itself floored to Scale, so the cap is never
//     exceeded by rounding
//
// The multiplication is done before the division so exact ratios stay exact.
func ComputeEarnedPoints(amount decimal.Decimal, rule Rule) decimal.Decimal {
	if rule.MinAmount != nil && amount.LessThan(*rule.MinAmount) {
		return decimal.Zero
	}
	if !rule.UnitAmount.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}

	pts := Round(amount.Mul(rule.PointsPerUnit).Div(rule.UnitAmount))
	if rule.MaxPoints != nil {
		if limit := rule.MaxPoints.RoundFloor(Scale); pts.GreaterThan(limit) {
			pts = limit
		}
	}
	return pts
}

// ComputeRedemptionValue converts points into their monetary value under a
// BURN rule. The value is informational; available balance is the binding
// constraint and is enforced by the BatchLedger.
func ComputeRedemptionValue(pts decimal.Decimal, rule Rule) decimal.Decimal {
	if !rule.PointsPerUnit.IsPositive() || !pts.IsPositive() {
		return decimal.Zero
	}
	return Round(pts.Mul(rule.UnitAmount).Div(rule.PointsPerUnit))
}
