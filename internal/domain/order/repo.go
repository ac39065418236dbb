package order

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/emr/internal/platform/codegen"
)

// Repository persists service orders and their details. Lock* methods take
// row locks that hold until the surrounding transaction ends; callers lock
// details before their order.
type Repository interface {
	codegen.Store

	CreateOrder(ctx context.Context, o *ServiceOrder) error
	GetOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	DeleteOrder(ctx context.Context, id uuid.UUID) error
	ListOrders(ctx context.Context, f ListFilter, limit, offset int) ([]*ServiceOrder, int, error)

	AddDetail(ctx context.Context, d *Detail) error
	GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error)
	LockDetail(ctx context.Context, id uuid.UUID) (*Detail, error)
	LockDetailsByOrder(ctx context.Context, orderID uuid.UUID) ([]*Detail, error)
	UpdateDetail(ctx context.Context, d *Detail) error
	DeleteDetail(ctx context.Context, id uuid.UUID) error
	ListDetails(ctx context.Context, orderID uuid.UUID) ([]*Detail, error)
	ListDetailsByOrders(ctx context.Context, orderIDs []uuid.UUID) ([]*Detail, error)
}
