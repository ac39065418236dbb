// Package workflow is the read side of the order lifecycle: order listings
// and views with payment and completion flags.
package workflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/emr/internal/domain/order"
)

// Reader is the read-only part of the order store.
type Reader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*order.ServiceOrder, error)
	ListOrders(ctx context.Context, f order.ListFilter, limit, offset int) ([]*order.ServiceOrder, int, error)
	ListDetails(ctx context.Context, orderID uuid.UUID) ([]*order.Detail, error)
	ListDetailsByOrders(ctx context.Context, orderIDs []uuid.UUID) ([]*order.Detail, error)
}

type Service struct {
	orders Reader
}

func NewService(orders Reader) *Service {
	return &Service{orders: orders}
}

// ListServiceOrders returns a page of orders with their flags. Details for
// the whole page are loaded in one query.
func (s *Service) ListServiceOrders(ctx context.Context, f order.ListFilter, limit, offset int) ([]*OrderView, int, error) {
	orders, total, err := s.orders.ListOrders(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	details, err := s.orders.ListDetailsByOrders(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	byOrder := make(map[uuid.UUID][]*order.Detail, len(orders))
	for _, d := range details {
		byOrder[d.ServiceOrderID] = append(byOrder[d.ServiceOrderID], d)
	}

	views := make([]*OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, newView(o, byOrder[o.ID]))
	}
	return views, total, nil
}

func (s *Service) GetServiceOrder(ctx context.Context, id uuid.UUID) (*OrderView, error) {
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	details, err := s.orders.ListDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	return newView(o, details), nil
}

// GetServiceOrderDetails lists the details of an order with their payment
// state and result reference.
func (s *Service) GetServiceOrderDetails(ctx context.Context, orderID uuid.UUID) ([]*order.Detail, error) {
	if _, err := s.orders.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	details, err := s.orders.ListDetails(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if details == nil {
		details = []*order.Detail{}
	}
	return details, nil
}
