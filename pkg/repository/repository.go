package repository

import (
	"context"

	"github.com/smallbiznis/meterline/pkg/db/option"
)

// Repository is a generic gorm-backed read store for a single model type.
// Writes stay on the services' own transactions; only lookups that share
// filter-and-order plumbing go through here.
type Repository[T any] interface {
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
}
