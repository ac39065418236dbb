package result

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/domain/registry"
	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/db"
	"github.com/clinic/emr/internal/platform/events"
)

// OrderLocker is the part of the order store results depend on. The detail
// is locked before its order, matching settlement.
type OrderLocker interface {
	LockDetail(ctx context.Context, id uuid.UUID) (*order.Detail, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*order.ServiceOrder, error)
}

type Service struct {
	repo     Repository
	orders   OrderLocker
	registry registry.Repository
	tx       db.Transactor

	pub events.Publisher
	log zerolog.Logger
}

func NewService(repo Repository, orders OrderLocker, reg registry.Repository, tx db.Transactor) *Service {
	return &Service{
		repo:     repo,
		orders:   orders,
		registry: reg,
		tx:       tx,
		pub:      events.Nop{},
		log:      zerolog.Nop(),
	}
}

func (s *Service) SetPublisher(p events.Publisher) { s.pub = p }

func (s *Service) SetLogger(l zerolog.Logger) { s.log = l }

// CreateResult records the result of a detail whose order has been received.
func (s *Service) CreateResult(ctx context.Context, in CreateInput) (*Result, error) {
	if in.ServiceOrderDetailID == uuid.Nil {
		return nil, apperr.Validation("service_order_detail_id is required")
	}
	if err := CheckChronology(in.ReceivedAt, in.PerformedAt, in.DeliveredAt); err != nil {
		return nil, err
	}
	if in.PerformedBy != nil {
		if err := registry.RequireEmployee(ctx, s.registry, *in.PerformedBy); err != nil {
			return nil, err
		}
	}

	res := &Result{
		ID:                   uuid.New(),
		ServiceOrderDetailID: in.ServiceOrderDetailID,
		ReceivedAt:           in.ReceivedAt,
		PerformedAt:          in.PerformedAt,
		DeliveredAt:          in.DeliveredAt,
		ResultText:           in.ResultText,
		Conclusion:           in.Conclusion,
		Note:                 in.Note,
		URL:                  in.URL,
		PerformedBy:          in.PerformedBy,
		Items:                buildItems(in.Items),
	}
	var orderID uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		d, err := s.orders.LockDetail(ctx, in.ServiceOrderDetailID)
		if err != nil {
			return err
		}
		o, err := s.orders.LockOrder(ctx, d.ServiceOrderID)
		if err != nil {
			return err
		}
		if o.Status != order.StatusInProgress {
			return apperr.Conflict("results can only be entered for orders that have been received")
		}
		if d.HasResult() {
			return apperr.Conflict("a result already exists for this service")
		}
		orderID = o.ID
		return s.repo.Create(ctx, res)
	})
	if err != nil {
		return nil, err
	}

	evt, err := events.New(events.TopicResultRecorded, Recorded{
		ResultID:             res.ID,
		ServiceOrderDetailID: res.ServiceOrderDetailID,
		ServiceOrderID:       orderID,
	})
	if err == nil {
		err = s.pub.Publish(ctx, evt)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("result_id", res.ID.String()).Msg("event publish failed")
	}
	return res, nil
}

// UpdateResult merges in into the stored result until the order is
// delivered. Chronology is checked on the merged timestamps.
func (s *Service) UpdateResult(ctx context.Context, id uuid.UUID, in UpdateInput) (*Result, error) {
	if in.PerformedBy != nil {
		if err := registry.RequireEmployee(ctx, s.registry, *in.PerformedBy); err != nil {
			return nil, err
		}
	}
	var out *Result
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		d, err := s.orders.LockDetail(ctx, current.ServiceOrderDetailID)
		if err != nil {
			return err
		}
		o, err := s.orders.LockOrder(ctx, d.ServiceOrderID)
		if err != nil {
			return err
		}
		if o.Status == order.StatusCompleted {
			return apperr.Conflict("results of a completed order cannot be changed")
		}
		// Re-read under the detail lock.
		if current, err = s.repo.Get(ctx, id); err != nil {
			return err
		}
		in.apply(current)
		if err := CheckChronology(current.ReceivedAt, current.PerformedAt, current.DeliveredAt); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, current, in.Items != nil); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetResultByDetail(ctx context.Context, detailID uuid.UUID) (*Result, error) {
	return s.repo.GetByDetail(ctx, detailID)
}
