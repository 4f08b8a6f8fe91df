// Package repo defines the generic Repository interface used by the record stores.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entity matches the requested id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
}
