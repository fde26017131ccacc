package points_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertPoints(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, dec(want).StringFixed(points.Scale), got.StringFixed(points.Scale), msgAndArgs...)
}

func TestComputeEarnedPoints_RoundsToTwoPlaces(t *testing.T) {
	rule := points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("10")}

	got := points.ComputeEarnedPoints(dec("33.33"), rule)

	assertPoints(t, "3.33", got)
	assert.Equal(t, "3.33", got.String())
}

func TestComputeRedemptionValue_RoundTripLosesOnlyRounding(t *testing.T) {
	rule := points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("10")}

	// GIVEN: 33.33 earned 3.33 points
	pts := points.ComputeEarnedPoints(dec("33.33"), rule)

	// WHEN: those points are redeemed under the same ratio
	value := points.ComputeRedemptionValue(pts, rule)

	// THEN: the value is 33.30, not 33.33
	assertPoints(t, "33.30", value)
}

func TestComputeEarnedPoints_MinimumGate(t *testing.T) {
	rule := points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("10"), MinAmount: decPtr("50")}

	assert.True(t, points.ComputeEarnedPoints(dec("49.99"), rule).IsZero())
	assertPoints(t, "5.00", points.ComputeEarnedPoints(dec("50"), rule))
}

func TestComputeEarnedPoints_MaxClamp(t *testing.T) {
	rule := points.Rule{PointsPerUnit: dec("2"), UnitAmount: dec("1"), MaxPoints: decPtr("500")}

	assertPoints(t, "500", points.ComputeEarnedPoints(dec("1000"), rule))
	assertPoints(t, "400", points.ComputeEarnedPoints(dec("200"), rule))
}

func TestComputeEarnedPoints_HalfAwayFromZero(t *testing.T) {
	rule := points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("1000")}

	// 5 / 1000 = 0.005 -> 0.01
	assertPoints(t, "0.01", points.ComputeEarnedPoints(dec("5"), rule))
	// 4 / 1000 = 0.004 -> 0.00
	assert.True(t, points.ComputeEarnedPoints(dec("4"), rule).IsZero())
}

func TestComputeEarnedPoints_DegenerateInputs(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		rule   points.Rule
	}{
		{"zero unit amount", "100", points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("0")}},
		{"zero amount", "0", points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("10")}},
		{"negative amount", "-10", points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("10")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, points.ComputeEarnedPoints(dec(tt.amount), tt.rule).IsZero())
		})
	}
}

func TestComputeRedemptionValue_ZeroRatio(t *testing.T) {
	rule := points.Rule{PointsPerUnit: dec("0"), UnitAmount: dec("10")}
	assert.True(t, points.ComputeRedemptionValue(dec("10"), rule).IsZero())
}

func TestComputeEarnedPoints_FractionalRatio(t *testing.T) {
	// 3 points per 7 currency: 100 * 3 / 7 = 42.857... -> 42.86
	rule := points.Rule{PointsPerUnit: dec("3"), UnitAmount: dec("7")}
	assertPoints(t, "42.86", points.ComputeEarnedPoints(dec("100"), rule))
}

func TestComputeEarnedPoints_ClampNeverExceedsCap(t *testing.T) {
	tests := []struct {
		name   string
		cap    string
		amount string
		want   string
	}{
		{"rounding up past the cap", "5.55", "5.556", "5.55"},
		{"cap finer than points", "5.555", "6", "5.55"},
		{"under the cap", "5.55", "5.544", "5.54"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := points.Rule{PointsPerUnit: dec("1"), UnitAmount: dec("1"), MaxPoints: decPtr(tt.cap)}

			got := points.ComputeEarnedPoints(dec(tt.amount), rule)

			assert.Equal(t, tt.want, got.StringFixed(points.Scale))
			assert.True(t, got.LessThanOrEqual(dec(tt.cap)), "%s exceeds cap %s", got, tt.cap)
			assert.True(t, points.IsRounded(got))
		})
	}
}
