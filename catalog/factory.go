/*
Package catalog manages partner services and their earn/burn rules.

PURPOSE:
  Converts JSON rule definitions into points.Rule values and exposes the
  administrator operations on the catalog. Rule changes are new rows:
  an existing rule is never rewritten in place except to deactivate or
  soft-delete it, so history keeps pointing at the rule that applied.

JSON SCHEMA:
  {
    "id": "fuel-earn-2025",
    "service_id": "fuel",
    "type": "EARN",
    "points_per_unit": "1",
    "unit_amount": "10",
    "min_amount": "5",
    "max_points": "500",
    "expiry_days": 365,
    "valid_from": "2025-01-01T00:00:00Z",
    "valid_until": null,
    "is_active": true
  }

  Decimals are strings so "0.10" survives the round trip exactly. Plain
  JSON numbers are accepted too.

USAGE:
  factory := catalog.NewFactory()
  rule, err := factory.ParseRule(jsonString)

  cat := catalog.New(store, clock, logger)
  res, err := cat.AddRule(ctx, *rule)
  for _, w := range res.Warnings {
      log.Println(w)
  }

SEE ALSO:
  - catalog.go: Administrator operations
  - presets.go: Ready-made rule definitions
  - points/resolver.go: How the applicable rule is chosen at runtime
*/
package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID            string           `json:"id,omitempty"`
	ServiceID     string           `json:"service_id"`
	Type          string           `json:"type"`
	PointsPerUnit decimal.Decimal  `json:"points_per_unit"`
	UnitAmount    decimal.Decimal  `json:"unit_amount"`
	MinAmount     *decimal.Decimal `json:"min_amount,omitempty"`
	MaxPoints     *decimal.Decimal `json:"max_points,omitempty"`
	ExpiryDays    *int             `json:"expiry_days,omitempty"`
	ValidFrom     time.Time        `json:"valid_from"`
	ValidUntil    *time.Time       `json:"valid_until,omitempty"`
	IsActive      *bool            `json:"is_active,omitempty"` // default true
}

// ServiceJSON is the JSON representation of a service.
type ServiceJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"` // default true
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON definitions to domain values.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// ParseRule parses and validates a JSON rule.
func (f *Factory) ParseRule(jsonStr string) (*points.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON converts RuleJSON to a validated points.Rule. A missing ID is
// generated.
func (f *Factory) FromJSON(rj RuleJSON) (*points.Rule, error) {
	id := rj.ID
	if id == "" {
		id = uuid.NewString()
	}
	active := true
	if rj.IsActive != nil {
		active = *rj.IsActive
	}

	rule := &points.Rule{
		ID:            points.RuleID(id),
		ServiceID:     points.ServiceID(rj.ServiceID),
		Type:          points.RuleType(rj.Type),
		PointsPerUnit: rj.PointsPerUnit,
		UnitAmount:    rj.UnitAmount,
		MinAmount:     rj.MinAmount,
		MaxPoints:     rj.MaxPoints,
		ExpiryDays:    rj.ExpiryDays,
		ValidFrom:     rj.ValidFrom.UTC(),
		IsActive:      active,
	}
	if rj.ValidUntil != nil {
		until := rj.ValidUntil.UTC()
		rule.ValidUntil = &until
	}

	if err := Validate(*rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// ToJSON converts a rule back to its JSON form.
func (f *Factory) ToJSON(r points.Rule) RuleJSON {
	active := r.IsActive
	return RuleJSON{
		ID:            string(r.ID),
		ServiceID:     string(r.ServiceID),
		Type:          string(r.Type),
		PointsPerUnit: r.PointsPerUnit,
		UnitAmount:    r.UnitAmount,
		MinAmount:     r.MinAmount,
		MaxPoints:     r.MaxPoints,
		ExpiryDays:    r.ExpiryDays,
		ValidFrom:     r.ValidFrom,
		ValidUntil:    r.ValidUntil,
		IsActive:      &active,
	}
}

// ParseService parses a JSON service definition.
func (f *Factory) ParseService(jsonStr string) (*points.Service, error) {
	var sj ServiceJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, fmt.Errorf("failed to parse service JSON: %w", err)
	}
	if sj.ID == "" || sj.Name == "" {
		return nil, fmt.Errorf("service id and name are required: %w", points.ErrInvalidInput)
	}
	active := true
	if sj.IsActive != nil {
		active = *sj.IsActive
	}
	return &points.Service{
		ID:          points.ServiceID(sj.ID),
		Name:        sj.Name,
		Description: sj.Description,
		IsActive:    active,
	}, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ratioScale is the precision every store keeps for points_per_unit and
// unit_amount.
const ratioScale int32 = 4

// Validate checks a rule's own fields. Overlap with other rules is not an
// error; see Catalog.AddRule.
func Validate(r points.Rule) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("rule %s: %s: %w", r.ID, fmt.Sprintf(format, args...), points.ErrInvalidRule)
	}

	switch {
	case r.ServiceID == "":
		return invalid("service_id is required")
	case !r.Type.Valid():
		return invalid("type must be EARN or BURN, got %q", r.Type)
	case !r.PointsPerUnit.IsPositive():
		return invalid("points_per_unit must be positive")
	case !r.UnitAmount.IsPositive():
		return invalid("unit_amount must be positive")
	case !r.PointsPerUnit.Equal(r.PointsPerUnit.Round(ratioScale)):
		return invalid("points_per_unit has more than %d decimal places", ratioScale)
	case !r.UnitAmount.Equal(r.UnitAmount.Round(ratioScale)):
		return invalid("unit_amount has more than %d decimal places", ratioScale)
	case r.MinAmount != nil && r.MinAmount.IsNegative():
		return invalid("min_amount must not be negative")
	case r.MinAmount != nil && !points.IsRounded(*r.MinAmount):
		return invalid("min_amount has more than %d decimal places", points.Scale)
	case r.MaxPoints != nil && !r.MaxPoints.IsPositive():
		return invalid("max_points must be positive")
	case r.MaxPoints != nil && !points.IsRounded(*r.MaxPoints):
		return invalid("max_points has more than %d decimal places", points.Scale)
	case r.ExpiryDays != nil && r.Type != points.RuleEarn:
		return invalid("expiry_days only applies to EARN rules")
	case r.ExpiryDays != nil && *r.ExpiryDays <= 0:
		return invalid("expiry_days must be positive")
	case r.ValidFrom.IsZero():
		return invalid("valid_from is required")
	case r.ValidUntil != nil && r.ValidUntil.Before(r.ValidFrom):
		return invalid("valid_until is before valid_from")
	}
	return nil
}
