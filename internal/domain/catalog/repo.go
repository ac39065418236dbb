package catalog

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// GetService returns an apperr NotFound for missing or inactive services.
	GetService(ctx context.Context, id uuid.UUID) (*Service, error)
	ListServices(ctx context.Context, f ServiceFilter, limit, offset int) ([]*Service, int, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	ListTypes(ctx context.Context) ([]*Type, error)
	ListRooms(ctx context.Context) ([]*Room, error)
}
