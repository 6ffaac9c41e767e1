package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrEmptyTierSet       = errors.New("empty_tier_set")
	ErrMixedTierModes     = errors.New("mixed_tier_modes")
	ErrTierAmountRequired = errors.New("tier_amount_required")
	ErrTierGap            = errors.New("tier_gap")
	ErrTierOverlap        = errors.New("tier_overlap")
	ErrQuantityOutOfRange = errors.New("quantity_out_of_range")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
)

// ConfigurationError wraps a tier set defect with enough context to report
// which feature's pricing is broken. Configuration errors are surfaced at
// load and never computed around.
type ConfigurationError struct {
	FeatureID string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tier configuration for feature %s: %v", e.FeatureID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidateTierSet checks that tiers form a contiguous, non-overlapping
// curve from quantity zero with at most one unbounded terminal tier, all
// in one pricing mode. The slice is sorted in place by FromQuantity.
func ValidateTierSet(tiers []UsageTier) error {
	if len(tiers) == 0 {
		return ErrEmptyTierSet
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].FromQuantity < tiers[j].FromQuantity })

	unitMode := tiers[0].UnitAmountCents != nil
	for i, tier := range tiers {
		hasUnit := tier.UnitAmountCents != nil
		hasFlat := tier.FlatAmountCents != nil
		if hasUnit == hasFlat {
			return ErrTierAmountRequired
		}
		if hasUnit != unitMode {
			return ErrMixedTierModes
		}
		if tier.ToQuantity != nil && *tier.ToQuantity <= tier.FromQuantity {
			return ErrTierOverlap
		}
		if tier.Unbounded() && i != len(tiers)-1 {
			return ErrTierOverlap
		}

		if i == 0 {
			if tier.FromQuantity != 0 {
				return ErrTierGap
			}
			continue
		}
		prev := tiers[i-1]
		if prev.Unbounded() {
			return ErrTierOverlap
		}
		switch {
		case tier.FromQuantity > *prev.ToQuantity:
			return ErrTierGap
		case tier.FromQuantity < *prev.ToQuantity:
			return ErrTierOverlap
		}
	}
	return nil
}

// CalculateCharge prices quantity against a validated tier set and returns
// the charge in cents.
//
// Unit tiers accumulate: every band the quantity spans is billed at that
// band's own rate. Flat tiers are exclusive: the single band containing
// the quantity prices the whole charge. A quantity past the last bounded
// tier with no unbounded terminal tier is rejected.
func CalculateCharge(quantity float64, tiers []UsageTier) (int64, error) {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) || quantity < 0 {
		return 0, ErrInvalidQuantity
	}
	if len(tiers) == 0 {
		return 0, ErrEmptyTierSet
	}
	if quantity == 0 {
		return 0, nil
	}

	if tiers[0].FlatAmountCents != nil {
		return flatCharge(quantity, tiers)
	}
	return unitCharge(quantity, tiers)
}

func unitCharge(quantity float64, tiers []UsageTier) (int64, error) {
	var total int64
	for _, tier := range tiers {
		upper := quantity
		if tier.ToQuantity != nil && *tier.ToQuantity < upper {
			upper = *tier.ToQuantity
		}
		span := upper - tier.FromQuantity
		if span <= 0 {
			continue
		}
		total += roundMoney(span * float64(*tier.UnitAmountCents))
	}

	last := tiers[len(tiers)-1]
	if !last.Unbounded() && quantity > *last.ToQuantity {
		return 0, ErrQuantityOutOfRange
	}
	return total, nil
}

func flatCharge(quantity float64, tiers []UsageTier) (int64, error) {
	for _, tier := range tiers {
		if quantity < tier.FromQuantity {
			continue
		}
		if tier.Unbounded() || quantity < *tier.ToQuantity {
			return *tier.FlatAmountCents, nil
		}
	}
	return 0, ErrQuantityOutOfRange
}

func roundMoney(raw float64) int64 {
	return int64(math.Floor(raw + 0.5))
}
