package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/catalog"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points/store"
)

func newCatalog(t *testing.T) (*catalog.Catalog, *points.ManualClock) {
	t.Helper()
	clock := points.NewManualClock(points.Date(2025, 3, 1))
	cat := catalog.New(store.NewMemory(), clock, zerolog.Nop())
	_, err := cat.CreateService(context.Background(), points.Service{ID: "fuel", Name: "Fuel", IsActive: true})
	require.NoError(t, err)
	return cat, clock
}

// =============================================================================
// FACTORY
// =============================================================================

func TestParseRule(t *testing.T) {
	f := catalog.NewFactory()

	rule, err := f.ParseRule(`{
		"id": "fuel-earn",
		"service_id": "fuel",
		"type": "EARN",
		"points_per_unit": "1",
		"unit_amount": 10,
		"min_amount": "5",
		"expiry_days": 365,
		"valid_from": "2025-01-01T00:00:00Z"
	}`)

	require.NoError(t, err)
	assert.Equal(t, points.RuleID("fuel-earn"), rule.ID)
	assert.Equal(t, points.RuleEarn, rule.Type)
	assert.True(t, rule.UnitAmount.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, rule.MinAmount)
	assert.Equal(t, "5", rule.MinAmount.String())
	require.NotNil(t, rule.ExpiryDays)
	assert.Equal(t, 365, *rule.ExpiryDays)
	assert.True(t, rule.IsActive, "is_active defaults to true")
	assert.Nil(t, rule.MaxPoints)
}

func TestParseRule_GeneratesID(t *testing.T) {
	rule, err := catalog.NewFactory().ParseRule(`{"service_id":"fuel","type":"BURN","points_per_unit":"1","unit_amount":"1","valid_from":"2025-01-01T00:00:00Z"}`)

	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
}

func TestParseRule_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown type", `{"service_id":"fuel","type":"GIFT","points_per_unit":"1","unit_amount":"1","valid_from":"2025-01-01T00:00:00Z"}`},
		{"zero unit amount", `{"service_id":"fuel","type":"EARN","points_per_unit":"1","unit_amount":"0","valid_from":"2025-01-01T00:00:00Z"}`},
		{"negative rate", `{"service_id":"fuel","type":"EARN","points_per_unit":"-1","unit_amount":"1","valid_from":"2025-01-01T00:00:00Z"}`},
		{"expiry on burn", `{"service_id":"fuel","type":"BURN","points_per_unit":"1","unit_amount":"1","expiry_days":30,"valid_from":"2025-01-01T00:00:00Z"}`},
		{"window reversed", `{"service_id":"fuel","type":"EARN","points_per_unit":"1","unit_amount":"1","valid_from":"2025-02-01T00:00:00Z","valid_until":"2025-01-01T00:00:00Z"}`},
		{"missing valid_from", `{"service_id":"fuel","type":"EARN","points_per_unit":"1","unit_amount":"1"}`},
		{"zero cap", `{"service_id":"fuel","type":"EARN","points_per_unit":"1","unit_amount":"1","max_points":"0","valid_from":"2025-01-01T00:00:00Z"}`},
		{"cap finer than points", `{"service_id":"fuel","type":"EARN","points_per_unit":"1","unit_amount":"1","max_points":"5.555","valid_from":"2025-01-01T00:00:00Z"}`},
		{"minimum finer than money", `{"service_id":"fuel","type":"EARN","points_per_unit":"1","unit_amount":"1","min_amount":"1.005","valid_from":"2025-01-01T00:00:00Z"}`},
		{"rate beyond stored precision", `{"service_id":"fuel","type":"EARN","points_per_unit":"0.00001","unit_amount":"1","valid_from":"2025-01-01T00:00:00Z"}`},
		{"unit beyond stored precision", `{"service_id":"fuel","type":"EARN","points_per_unit":"1","unit_amount":"10.00005","valid_from":"2025-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.NewFactory().ParseRule(tt.json)
			require.ErrorIs(t, err, points.ErrInvalidRule)
			assert.True(t, points.IsClientError(err))
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := catalog.NewFactory()
	orig := catalog.CappedEarnRule("r1", "fuel", "2", "100", "20", "500", 90, points.Date(2025, 1, 1))

	back, err := f.ParseRule(catalog.EarnRuleJSON("r1", "fuel", "2", "100", 90, points.Date(2025, 1, 1)))
	require.NoError(t, err)
	assert.Equal(t, orig.ID, back.ID)
	assert.True(t, orig.PointsPerUnit.Equal(back.PointsPerUnit))
	assert.Equal(t, *orig.ExpiryDays, *back.ExpiryDays)

	rj := f.ToJSON(orig)
	require.NotNil(t, rj.MaxPoints)
	assert.Equal(t, "500", rj.MaxPoints.String())
}

// =============================================================================
// CATALOG OPERATIONS
// =============================================================================

func TestCreateService_RejectsDuplicate(t *testing.T) {
	cat, _ := newCatalog(t)

	_, err := cat.CreateService(context.Background(), points.Service{ID: "fuel", Name: "Fuel again"})

	require.ErrorIs(t, err, catalog.ErrServiceExists)
}

func TestCreateService_DeletedIDStaysTaken(t *testing.T) {
	ctx := context.Background()
	cat, _ := newCatalog(t)

	// GIVEN: the fuel service was deleted
	require.NoError(t, cat.DeleteService(ctx, "fuel"))

	// WHEN: a different service tries to take over its ID
	_, err := cat.CreateService(ctx, points.Service{ID: "fuel", Name: "Groceries", IsActive: true})

	// THEN: rejected, and the deleted service is not revived
	require.ErrorIs(t, err, catalog.ErrServiceExists)
	_, err = cat.GetService(ctx, "fuel")
	require.ErrorIs(t, err, points.ErrServiceNotFound)
}

func TestDeactivateAndDeleteService(t *testing.T) {
	ctx := context.Background()
	cat, _ := newCatalog(t)

	svc, err := cat.DeactivateService(ctx, "fuel")
	require.NoError(t, err)
	assert.False(t, svc.IsActive)
	assert.False(t, svc.Available())

	svc, err = cat.ActivateService(ctx, "fuel")
	require.NoError(t, err)
	assert.True(t, svc.Available())

	require.NoError(t, cat.DeleteService(ctx, "fuel"))
	_, err = cat.GetService(ctx, "fuel")
	require.ErrorIs(t, err, points.ErrServiceNotFound)

	services, err := cat.ListServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestAddRule_UnknownService(t *testing.T) {
	cat, _ := newCatalog(t)

	_, err := cat.AddRule(context.Background(), catalog.StandardEarnRule("r1", "hotel", "1", "10", 0, points.Date(2025, 1, 1)))

	require.ErrorIs(t, err, points.ErrServiceNotFound)
}

func TestAddRule_OverlapIsAWarning(t *testing.T) {
	ctx := context.Background()
	cat, clock := newCatalog(t)

	// GIVEN: an open-ended rule from January
	res, err := cat.AddRule(ctx, catalog.StandardEarnRule("r-jan", "fuel", "1", "10", 30, points.Date(2025, 1, 1)))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	// WHEN: a second rule starts in February
	res, err = cat.AddRule(ctx, catalog.StandardEarnRule("r-feb", "fuel", "2", "10", 30, points.Date(2025, 2, 1)))

	// THEN: saved with a warning, and the later rule is the one in force
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "r-jan")
	assert.Equal(t, clock.Now(), res.Rule.CreatedAt)

	active, err := cat.ActiveRule(ctx, "fuel", points.RuleEarn)
	require.NoError(t, err)
	assert.Equal(t, points.RuleID("r-feb"), active.ID)
}

func TestAddRule_DisjointWindowsNoWarning(t *testing.T) {
	ctx := context.Background()
	cat, _ := newCatalog(t)

	jan := catalog.StandardEarnRule("r-jan", "fuel", "1", "10", 30, points.Date(2025, 1, 1))
	end := points.Date(2025, 1, 31)
	jan.ValidUntil = &end
	_, err := cat.AddRule(ctx, jan)
	require.NoError(t, err)

	res, err := cat.AddRule(ctx, catalog.StandardEarnRule("r-feb", "fuel", "1", "10", 30, points.Date(2025, 2, 1)))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	// a BURN rule never conflicts with EARN rules
	res, err = cat.AddRule(ctx, catalog.StandardBurnRule("b1", "fuel", "1", "1", "", points.Date(2025, 1, 1)))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}

func TestAddRule_DuplicateID(t *testing.T) {
	ctx := context.Background()
	cat, _ := newCatalog(t)
	r := catalog.StandardEarnRule("r1", "fuel", "1", "10", 0, points.Date(2025, 1, 1))

	_, err := cat.AddRule(ctx, r)
	require.NoError(t, err)
	_, err = cat.AddRule(ctx, r)

	require.ErrorIs(t, err, points.ErrInvalidInput)
}

func TestAddRule_DeletedIDStaysTaken(t *testing.T) {
	ctx := context.Background()
	cat, _ := newCatalog(t)

	// GIVEN: a rule that was added and then deleted
	_, err := cat.AddRule(ctx, catalog.StandardEarnRule("r1", "fuel", "1", "10", 30, points.Date(2025, 1, 1)))
	require.NoError(t, err)
	require.NoError(t, cat.DeleteRule(ctx, "r1"))

	// WHEN: a rule with different terms reuses the ID
	_, err = cat.AddRule(ctx, catalog.StandardEarnRule("r1", "fuel", "99", "10", 30, points.Date(2025, 1, 1)))

	// THEN: rejected, and nothing under that ID comes back to life
	require.ErrorIs(t, err, points.ErrInvalidInput)
	_, err = cat.GetRule(ctx, "r1")
	require.ErrorIs(t, err, points.ErrRuleNotFound)
	rules, err := cat.ListRules(ctx, "fuel", "")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestDeactivateRule_FallsBackToPreviousVersion(t *testing.T) {
	ctx := context.Background()
	cat, clock := newCatalog(t)
	_, err := cat.AddRule(ctx, catalog.StandardEarnRule("v1", "fuel", "1", "10", 30, points.Date(2025, 1, 1)))
	require.NoError(t, err)
	_, err = cat.AddRule(ctx, catalog.StandardEarnRule("v2", "fuel", "3", "10", 30, points.Date(2025, 2, 1)))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	r, err := cat.DeactivateRule(ctx, "v2")
	require.NoError(t, err)
	assert.False(t, r.IsActive)

	active, err := cat.ActiveRule(ctx, "fuel", points.RuleEarn)
	require.NoError(t, err)
	assert.Equal(t, points.RuleID("v1"), active.ID)

	// soft delete removes the rule from listings
	require.NoError(t, cat.DeleteRule(ctx, "v2"))
	rules, err := cat.ListRules(ctx, "fuel", "")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, points.RuleID("v1"), rules[0].ID)
}

func TestListRules_InvalidType(t *testing.T) {
	cat, _ := newCatalog(t)

	_, err := cat.ListRules(context.Background(), "fuel", "GIFT")

	require.ErrorIs(t, err, points.ErrInvalidInput)
}
