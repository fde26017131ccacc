package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// ErrServiceExists is returned when creating a service whose ID is taken.
var ErrServiceExists = errors.New("service already exists")

// Catalog is the administrator surface over services and rules.
type Catalog struct {
	store    points.CatalogStore
	resolver *points.Resolver
	clock    points.Clock
	log      zerolog.Logger
}

func New(store points.CatalogStore, clock points.Clock, logger zerolog.Logger) *Catalog {
	if clock == nil {
		clock = points.SystemClock{}
	}
	return &Catalog{
		store:    store,
		resolver: points.NewResolver(store),
		clock:    clock,
		log:      logger.With().Str("component", "catalog").Logger(),
	}
}

// =============================================================================
// SERVICES
// =============================================================================

func (c *Catalog) CreateService(ctx context.Context, svc points.Service) (*points.Service, error) {
	if svc.ID == "" || svc.Name == "" {
		return nil, fmt.Errorf("service id and name are required: %w", points.ErrInvalidInput)
	}
	// Deleted IDs stay taken: old transactions still name them.
	if taken, err := c.store.ServiceExists(ctx, svc.ID); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("service %s: %w", svc.ID, ErrServiceExists)
	}

	now := c.clock.Now()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	svc.DeletedAt = nil
	if err := c.store.SaveService(ctx, svc); err != nil {
		return nil, err
	}
	c.log.Info().Str("service_id", string(svc.ID)).Bool("active", svc.IsActive).Msg("service created")
	return &svc, nil
}

// ServiceUpdate carries the fields UpdateService may change. Nil fields
// are left alone.
type ServiceUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
}

func (c *Catalog) UpdateService(ctx context.Context, id points.ServiceID, u ServiceUpdate) (*points.Service, error) {
	svc, err := c.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		if *u.Name == "" {
			return nil, fmt.Errorf("service name must not be empty: %w", points.ErrInvalidInput)
		}
		svc.Name = *u.Name
	}
	if u.Description != nil {
		svc.Description = *u.Description
	}
	if u.IsActive != nil {
		svc.IsActive = *u.IsActive
	}
	svc.UpdatedAt = c.clock.Now()
	if err := c.store.SaveService(ctx, *svc); err != nil {
		return nil, err
	}
	c.log.Info().Str("service_id", string(id)).Bool("active", svc.IsActive).Msg("service updated")
	return svc, nil
}

// ActivateService and DeactivateService toggle earn/burn for a service.
// Rules and existing batches are untouched.
func (c *Catalog) ActivateService(ctx context.Context, id points.ServiceID) (*points.Service, error) {
	active := true
	return c.UpdateService(ctx, id, ServiceUpdate{IsActive: &active})
}

func (c *Catalog) DeactivateService(ctx context.Context, id points.ServiceID) (*points.Service, error) {
	active := false
	return c.UpdateService(ctx, id, ServiceUpdate{IsActive: &active})
}

// DeleteService soft-deletes the service. Batches earned on it stay
// spendable; new earn/burn against it fail as inactive.
func (c *Catalog) DeleteService(ctx context.Context, id points.ServiceID) error {
	svc, err := c.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	svc.DeletedAt = &now
	svc.UpdatedAt = now
	if err := c.store.SaveService(ctx, *svc); err != nil {
		return err
	}
	c.log.Info().Str("service_id", string(id)).Msg("service deleted")
	return nil
}

func (c *Catalog) GetService(ctx context.Context, id points.ServiceID) (*points.Service, error) {
	return c.store.GetService(ctx, id)
}

func (c *Catalog) ListServices(ctx context.Context) ([]points.Service, error) {
	return c.store.ListServices(ctx)
}

// =============================================================================
// RULES
// =============================================================================

// RuleResult is a saved rule plus advisory warnings.
type RuleResult struct {
	Rule     points.Rule
	Warnings []string
}

// AddRule validates and stores a new rule version. Windows overlapping
// another live rule of the same type are reported as warnings; the
// resolver still picks one winner deterministically.
func (c *Catalog) AddRule(ctx context.Context, r points.Rule) (*RuleResult, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	if _, err := c.store.GetService(ctx, r.ServiceID); err != nil {
		return nil, err
	}
	if taken, err := c.store.RuleExists(ctx, r.ID); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("rule %s already exists: %w", r.ID, points.ErrInvalidInput)
	}

	existing, err := c.store.ListRules(ctx, r.ServiceID, r.Type)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.DeletedAt = nil
	if err := c.store.SaveRule(ctx, r); err != nil {
		return nil, err
	}

	res := &RuleResult{Rule: r, Warnings: OverlapWarnings(r, existing)}
	ev := c.log.Info().
		Str("rule_id", string(r.ID)).
		Str("service_id", string(r.ServiceID)).
		Str("type", string(r.Type))
	if len(res.Warnings) > 0 {
		ev = c.log.Warn().
			Str("rule_id", string(r.ID)).
			Str("service_id", string(r.ServiceID)).
			Strs("warnings", res.Warnings)
	}
	ev.Msg("rule added")
	return res, nil
}

func (c *Catalog) GetRule(ctx context.Context, id points.RuleID) (*points.Rule, error) {
	return c.store.GetRule(ctx, id)
}

// DeactivateRule stops a rule from being selected. History keeps its ID.
func (c *Catalog) DeactivateRule(ctx context.Context, id points.RuleID) (*points.Rule, error) {
	r, err := c.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	r.IsActive = false
	r.UpdatedAt = c.clock.Now()
	if err := c.store.SaveRule(ctx, *r); err != nil {
		return nil, err
	}
	c.log.Info().Str("rule_id", string(id)).Msg("rule deactivated")
	return r, nil
}

func (c *Catalog) DeleteRule(ctx context.Context, id points.RuleID) error {
	r, err := c.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	r.DeletedAt = &now
	r.UpdatedAt = now
	if err := c.store.SaveRule(ctx, *r); err != nil {
		return err
	}
	c.log.Info().Str("rule_id", string(id)).Msg("rule deleted")
	return nil
}

// ListRules returns the live rules of a service. An empty ruleType lists
// both EARN and BURN.
func (c *Catalog) ListRules(ctx context.Context, serviceID points.ServiceID, ruleType points.RuleType) ([]points.Rule, error) {
	if _, err := c.store.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	types := []points.RuleType{points.RuleEarn, points.RuleBurn}
	if ruleType != "" {
		if !ruleType.Valid() {
			return nil, fmt.Errorf("rule type %q: %w", ruleType, points.ErrInvalidInput)
		}
		types = []points.RuleType{ruleType}
	}

	var out []points.Rule
	for _, t := range types {
		rules, err := c.store.ListRules(ctx, serviceID, t)
		if err != nil {
			return nil, err
		}
		out = append(out, rules...)
	}
	return out, nil
}

// ActiveRule returns the rule the engine would apply right now.
func (c *Catalog) ActiveRule(ctx context.Context, serviceID points.ServiceID, ruleType points.RuleType) (points.Rule, error) {
	return c.resolver.Resolve(ctx, serviceID, ruleType, c.clock.Now())
}

// =============================================================================
// OVERLAP DETECTION
// =============================================================================

// OverlapWarnings describes every live rule among existing whose window
// intersects r's.
func OverlapWarnings(r points.Rule, existing []points.Rule) []string {
	if !r.IsActive {
		return nil
	}
	var warnings []string
	for _, other := range existing {
		if other.ID == r.ID || other.Type != r.Type || !other.IsActive || other.DeletedAt != nil {
			continue
		}
		if windowsOverlap(r.ValidFrom, r.ValidUntil, other.ValidFrom, other.ValidUntil) {
			warnings = append(warnings, fmt.Sprintf(
				"%s rule %s overlaps rule %s (valid from %s); the later valid_from wins",
				r.Type, r.ID, other.ID, other.ValidFrom.Format(time.RFC3339)))
		}
	}
	return warnings
}

// windowsOverlap treats both bounds as inclusive and a nil end as open.
func windowsOverlap(aFrom time.Time, aUntil *time.Time, bFrom time.Time, bUntil *time.Time) bool {
	if aUntil != nil && aUntil.Before(bFrom) {
		return false
	}
	if bUntil != nil && bUntil.Before(aFrom) {
		return false
	}
	return true
}
