package result

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the result and its items. A second result for the same
	// detail is a Conflict.
	Create(ctx context.Context, r *Result) error
	Get(ctx context.Context, id uuid.UUID) (*Result, error)
	GetByDetail(ctx context.Context, detailID uuid.UUID) (*Result, error)
	// Update writes the scalar fields and, when replaceItems is set, the items.
	Update(ctx context.Context, r *Result, replaceItems bool) error
}
