package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// Tier is one approval threshold band. MinAmount is inclusive, MaxAmount is
// exclusive and nil means unbounded.
type Tier struct {
	Number            int              `json:"tier_number"`
	MinAmount         decimal.Decimal  `json:"min_amount"`
	MaxAmount         *decimal.Decimal `json:"max_amount"`
	RequiredApprovers int              `json:"required_approvers"`
	EligibleRoles     []string         `json:"eligible_roles"`
}

// Contains reports whether total falls inside the band.
func (t Tier) Contains(total decimal.Decimal) bool {
	if total.LessThan(t.MinAmount) {
		return false
	}
	if t.MaxAmount != nil && !total.LessThan(*t.MaxAmount) {
		return false
	}
	return true
}

// AllowsRole reports whether role may decide on orders in this tier.
func (t Tier) AllowsRole(role string) bool {
	for _, r := range t.EligibleRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// AutoApproves reports whether orders in this tier skip approval entirely.
func (t Tier) AutoApproves() bool {
	return t.RequiredApprovers == 0
}

// SelectTierSet returns the outlet override when one exists. An override
// replaces the default set as a whole, it is never merged with it.
func SelectTierSet(defaults, override []Tier) []Tier {
	if len(override) > 0 {
		return override
	}
	return defaults
}

// SortTiers returns a copy of tiers ordered by ascending MinAmount.
func SortTiers(tiers []Tier) []Tier {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinAmount.LessThan(sorted[j].MinAmount)
	})
	return sorted
}

// Resolve returns the first tier, walking by ascending MinAmount, whose band
// contains total. A gap in the configuration is an error: an order is never
// routed without a matching tier.
func Resolve(tiers []Tier, total decimal.Decimal) (Tier, error) {
	if len(tiers) == 0 {
		return Tier{}, errors.New(errors.ErrCodeThresholdConfig, "no approval thresholds configured")
	}
	for _, t := range SortTiers(tiers) {
		if t.Contains(total) {
			return t, nil
		}
	}
	return Tier{}, errors.New(errors.ErrCodeThresholdConfig,
		fmt.Sprintf("no approval threshold covers order total %s", total.StringFixed(2)))
}

// ValidateTiers checks that tiers form a contiguous cover of [0, ∞): numbered
// 1..N in amount order, starting at zero, each band starting where the
// previous one ends and only the last band unbounded.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return errors.InvalidInput("tiers", "at least one tier is required")
	}

	sorted := SortTiers(tiers)
	if !sorted[0].MinAmount.IsZero() {
		return errors.InvalidInput("tiers", "the lowest tier must start at 0")
	}

	for i, t := range sorted {
		field := fmt.Sprintf("tiers[%d]", i)
		if t.Number != i+1 {
			return errors.InvalidInput(field, fmt.Sprintf("tier numbers must be 1..%d in amount order", len(sorted)))
		}
		if t.RequiredApprovers < 0 {
			return errors.InvalidInput(field, "required_approvers cannot be negative")
		}
		if t.RequiredApprovers > 0 && len(t.EligibleRoles) == 0 {
			return errors.InvalidInput(field, "eligible_roles is required when approvers are needed")
		}

		last := i == len(sorted)-1
		if t.MaxAmount == nil {
			if !last {
				return errors.InvalidInput(field, "only the highest tier may be unbounded")
			}
			continue
		}
		if !t.MaxAmount.GreaterThan(t.MinAmount) {
			return errors.InvalidInput(field, "max_amount must be greater than min_amount")
		}
		if last {
			return errors.InvalidInput(field, "the highest tier must be unbounded")
		}
		if !sorted[i+1].MinAmount.Equal(*t.MaxAmount) {
			return errors.InvalidInput(field, "tiers must be contiguous: each min_amount must equal the previous max_amount")
		}
	}
	return nil
}

// DefaultTiers is the tier set installed when no default scope exists. It
// matches the rows seeded by the database migrations.
func DefaultTiers() []Tier {
	managers := []string{"manager", "owner", "admin"}
	fiveHundred := decimal.NewFromInt(500)
	twoThousand := decimal.NewFromInt(2000)
	return []Tier{
		{Number: 1, MinAmount: decimal.Zero, MaxAmount: &fiveHundred, RequiredApprovers: 0, EligibleRoles: []string{}},
		{Number: 2, MinAmount: fiveHundred, MaxAmount: &twoThousand, RequiredApprovers: 1, EligibleRoles: managers},
		{Number: 3, MinAmount: twoThousand, RequiredApprovers: 2, EligibleRoles: managers},
	}
}
