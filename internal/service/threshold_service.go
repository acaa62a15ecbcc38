package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// Threshold scopes.
const (
	ScopeDefault = "default"
	ScopeOutlet  = "outlet"
)

// ThresholdSet is the tier set in force for a scope.
type ThresholdSet struct {
	OutletID *string                     `json:"outlet_id,omitempty"`
	Scope    string                      `json:"scope"`
	Tiers    []*repository.ThresholdTier `json:"tiers"`
}

// ThresholdService resolves and maintains approval threshold tiers.
type ThresholdService struct {
	store     repository.Store
	machine   *machine
	adminRole string
	log       *logger.Logger
}

// NewThresholdService creates a new ThresholdService. Only actors holding
// adminRole may change tiers.
func NewThresholdService(store repository.Store, events client.EventPublisher, adminRole string, log *logger.Logger) *ThresholdService {
	return &ThresholdService{
		store:     store,
		machine:   newMachine(events, nil),
		adminRole: adminRole,
		log:       log,
	}
}

// ── Resolution ────────────────────────────────────────────────────────────────

// effectiveSet loads the outlet override, falling back to the default set when
// the outlet has none.
func (s *ThresholdService) effectiveSet(ctx context.Context, r repository.Repositories, outletID string) (*ThresholdSet, error) {
	if outletID != "" {
		override, err := r.Thresholds.ListForScope(ctx, &outletID)
		if err != nil {
			return nil, err
		}
		if len(override) > 0 {
			return &ThresholdSet{OutletID: &outletID, Scope: ScopeOutlet, Tiers: override}, nil
		}
	}

	defaults, err := r.Thresholds.ListForScope(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &ThresholdSet{Scope: ScopeDefault, Tiers: defaults}, nil
}

// resolveTier returns the tier for an order total inside an open transaction.
func (s *ThresholdService) resolveTier(ctx context.Context, r repository.Repositories, outletID string, total decimal.Decimal) (workflow.Tier, error) {
	set, err := s.effectiveSet(ctx, r, outletID)
	if err != nil {
		return workflow.Tier{}, err
	}
	return workflow.Resolve(repository.Tiers(set.Tiers), total)
}

// Resolve returns the tier an order of total at outletID would route to.
func (s *ThresholdService) Resolve(ctx context.Context, outletID string, total decimal.Decimal) (workflow.Tier, error) {
	var tier workflow.Tier
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		tier, err = s.resolveTier(ctx, r, outletID, total)
		return err
	})
	return tier, err
}

// Get returns the tier set in force for outletID, or the default set when
// outletID is empty.
func (s *ThresholdService) Get(ctx context.Context, outletID string) (*ThresholdSet, error) {
	var set *ThresholdSet
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		set, err = s.effectiveSet(ctx, r, outletID)
		return err
	})
	return set, err
}

// ── Administration ────────────────────────────────────────────────────────────

// Replace swaps the whole tier set of a scope. An empty outletID targets the
// default scope.
func (s *ThresholdService) Replace(ctx context.Context, actor auth.Actor, outletID string, tiers []workflow.Tier) (*ThresholdSet, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	for i := range tiers {
		tiers[i].EligibleRoles = normaliseRoles(tiers[i].EligibleRoles)
	}
	if err := workflow.ValidateTiers(tiers); err != nil {
		return nil, err
	}

	scope := scopeOf(outletID)
	set := &ThresholdSet{OutletID: scope, Scope: ScopeDefault}
	if scope != nil {
		set.Scope = ScopeOutlet
	}

	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		stored, err := r.Thresholds.ReplaceScope(ctx, scope, workflow.SortTiers(tiers))
		if err != nil {
			return err
		}
		set.Tiers = stored
		s.machine.publish(ctx, client.Event{
			EventType: client.EventThresholdsChanged,
			OutletID:  outletID,
			ActorID:   actor.ID,
			Payload:   map[string]any{"scope": set.Scope, "tiers": len(stored)},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("scope", set.Scope).
		Str("outlet_id", outletID).
		Int("tiers", len(set.Tiers)).
		Str("actor_id", actor.ID).
		Msg("Approval thresholds replaced")

	return set, nil
}

// DeleteOverride removes an outlet's override so it falls back to the default
// tiers. The default set cannot be deleted.
func (s *ThresholdService) DeleteOverride(ctx context.Context, actor auth.Actor, outletID string) (int, error) {
	if err := s.requireAdmin(actor); err != nil {
		return 0, err
	}
	if outletID == "" {
		return 0, errors.InvalidInput("outlet_id", "the default threshold set cannot be deleted")
	}

	var removed int
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		var err error
		removed, err = r.Thresholds.DeleteScope(ctx, outletID)
		if err != nil {
			return err
		}
		if removed == 0 {
			return errors.NotFound("threshold_override", outletID)
		}
		s.machine.publish(ctx, client.Event{
			EventType: client.EventThresholdsChanged,
			OutletID:  outletID,
			ActorID:   actor.ID,
			Payload:   map[string]any{"scope": ScopeOutlet, "deleted": removed},
		})
		return nil
	})
	return removed, err
}

// SeedDefaults installs the built-in default tiers when the default scope is
// empty. It reports whether anything was written.
func (s *ThresholdService) SeedDefaults(ctx context.Context) (bool, error) {
	seeded := false
	err := s.store.InTx(ctx, func(ctx context.Context, r repository.Repositories) error {
		existing, err := r.Thresholds.ListForScope(ctx, nil)
		if err != nil || len(existing) > 0 {
			return err
		}
		if _, err := r.Thresholds.ReplaceScope(ctx, nil, workflow.DefaultTiers()); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	return seeded, err
}

func (s *ThresholdService) requireAdmin(actor auth.Actor) error {
	if !actor.HasRole(s.adminRole) {
		return errors.New(errors.ErrCodeForbidden, "only "+s.adminRole+" users may change approval thresholds")
	}
	return nil
}

func scopeOf(outletID string) *string {
	if outletID == "" {
		return nil
	}
	return &outletID
}

func normaliseRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := map[string]bool{}
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
