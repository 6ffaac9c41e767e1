package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// LoadTierSet fetches and validates the tier set for a feature.
	// A defective set returns a ConfigurationError; callers report it
	// and never price around it.
	LoadTierSet(ctx context.Context, orgID, featureID snowflake.ID) ([]UsageTier, error)

	// PriceQuantity loads the tier set and prices quantity in one call.
	PriceQuantity(ctx context.Context, orgID, featureID snowflake.ID, quantity float64) (int64, error)
}
