package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/emr/internal/domain/catalog"
	"github.com/clinic/emr/internal/domain/registry"
	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/codegen"
	"github.com/clinic/emr/internal/platform/db"
	"github.com/clinic/emr/internal/platform/events"
	"github.com/clinic/emr/internal/platform/metrics"
)

// CatalogLookup resolves the service a detail is ordered for.
type CatalogLookup interface {
	GetService(ctx context.Context, id uuid.UUID) (*catalog.Service, error)
}

// StatusChanged is the payload of service_order.status_changed events.
type StatusChanged struct {
	ServiceOrderID  uuid.UUID `json:"service_order_id"`
	MedicalRecordID uuid.UUID `json:"medical_record_id"`
	From            Status    `json:"from"`
	To              Status    `json:"to"`
	Cause           string    `json:"cause"`
}

// Causes reported on status change events.
const (
	CauseManual           = "manual"
	CauseSettlement       = "settlement"
	CauseInvoiceCancelled = "invoice_cancelled"
)

type Service struct {
	repo     Repository
	tx       db.Transactor
	catalog  CatalogLookup
	registry registry.Repository
	codes    *codegen.Generator

	pub     events.Publisher
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewService(repo Repository, tx db.Transactor, cat CatalogLookup, reg registry.Repository, codePrefix string, codeAttempts int) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		catalog:  cat,
		registry: reg,
		codes:    codegen.New(repo, codePrefix, codeAttempts),
		pub:      events.Nop{},
		log:      zerolog.Nop(),
	}
}

// SetPublisher attaches the event publisher used after commit.
func (s *Service) SetPublisher(p events.Publisher) { s.pub = p }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.log = l }

// Codes returns the order code generator.
func (s *Service) Codes() *codegen.Generator { return s.codes }

func (s *Service) publish(ctx context.Context, topic string, payload interface{}) {
	evt, err := events.New(topic, payload)
	if err == nil {
		err = s.pub.Publish(ctx, evt)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

func (s *Service) newDetail(ctx context.Context, in DetailInput) (*Detail, error) {
	if in.Quantity < 1 {
		return nil, apperr.Validation("quantity must be at least 1")
	}
	svc, err := s.catalog.GetService(ctx, in.ServiceID)
	if err != nil {
		return nil, err
	}
	requireResult := true
	if in.RequireResult != nil {
		requireResult = *in.RequireResult
	}
	return &Detail{
		ID:            uuid.New(),
		ServiceID:     svc.ID,
		ServiceCode:   svc.Code,
		ServiceName:   svc.Name,
		Quantity:      in.Quantity,
		UnitPrice:     svc.UnitPrice,
		Amount:        LineAmount(svc.UnitPrice, in.Quantity),
		RequireResult: requireResult,
		Payment:       Unpaid{},
	}, nil
}

// CreateOrder inserts an order and its details in one transaction. A sent
// order starts Pending and must carry at least one detail.
func (s *Service) CreateOrder(ctx context.Context, in CreateInput) (*ServiceOrder, error) {
	if in.MedicalRecordID == uuid.Nil {
		return nil, apperr.Validation("medical_record_id is required")
	}
	if err := registry.RequireMedicalRecord(ctx, s.registry, in.MedicalRecordID); err != nil {
		return nil, err
	}
	if in.StaffID != nil {
		if err := registry.RequireEmployee(ctx, s.registry, *in.StaffID); err != nil {
			return nil, err
		}
	}

	details := make([]*Detail, 0, len(in.Details))
	for _, di := range in.Details {
		d, err := s.newDetail(ctx, di)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}

	o := &ServiceOrder{
		ID:              uuid.New(),
		Status:          StatusNotSent,
		MedicalRecordID: in.MedicalRecordID,
		StaffID:         in.StaffID,
		Note:            in.Note,
	}
	if in.Send {
		if err := CheckTransition(StatusNotSent, StatusPending, details); err != nil {
			return nil, err
		}
		o.Status = StatusPending
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		_, err := s.codes.Insert(ctx, func(ctx context.Context, code string) error {
			o.Code = code
			return s.repo.CreateOrder(ctx, o)
		})
		if err != nil {
			if errors.Is(err, codegen.ErrExhausted) {
				return apperr.Conflict("could not allocate a service order code, please retry")
			}
			return err
		}
		for _, d := range details {
			d.ServiceOrderID = o.ID
			if err := s.repo.AddDetail(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.CodeAllocated(s.codes.Prefix)
	o.Details = details
	return o, nil
}

// AddDetail appends a line item while the order is not yet executing.
func (s *Service) AddDetail(ctx context.Context, orderID uuid.UUID, in DetailInput) (*Detail, error) {
	d, err := s.newDetail(ctx, in)
	if err != nil {
		return nil, err
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if IsExecuting(o.Status) {
			return apperr.Conflict("cannot add services to an order that is already being executed")
		}
		d.ServiceOrderID = o.ID
		return s.repo.AddDetail(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDetail changes quantity or require_result. The amount is recomputed
// from the unit price captured when the detail was added.
func (s *Service) UpdateDetail(ctx context.Context, detailID uuid.UUID, in UpdateDetailInput) (*Detail, error) {
	if in.Quantity != nil && *in.Quantity < 1 {
		return nil, apperr.Validation("quantity must be at least 1")
	}
	var out *Detail
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		d, err := s.repo.LockDetail(ctx, detailID)
		if err != nil {
			return err
		}
		o, err := s.repo.LockOrder(ctx, d.ServiceOrderID)
		if err != nil {
			return err
		}
		if IsExecuting(o.Status) {
			return apperr.Conflict("cannot change services of an order that is already being executed")
		}
		if in.Quantity != nil && *in.Quantity != d.Quantity {
			if d.IsPaid() {
				return apperr.Conflict("quantity of a paid service cannot be changed")
			}
			d.Quantity = *in.Quantity
			d.Amount = LineAmount(d.UnitPrice, d.Quantity)
		}
		if in.RequireResult != nil {
			d.RequireResult = *in.RequireResult
		}
		if err := s.repo.UpdateDetail(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) DeleteDetail(ctx context.Context, detailID uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		d, err := s.repo.LockDetail(ctx, detailID)
		if err != nil {
			return err
		}
		o, err := s.repo.LockOrder(ctx, d.ServiceOrderID)
		if err != nil {
			return err
		}
		if !CanDeleteServiceOrder(o.Status) {
			return apperr.Conflict("cannot delete services of an order that is already being executed")
		}
		if d.IsPaid() {
			return apperr.Conflict("cannot delete a paid service")
		}
		if d.HasResult() {
			return apperr.Conflict("cannot delete a service that has a result")
		}
		return s.repo.DeleteDetail(ctx, detailID)
	})
}

// DeleteOrder removes an order that is not executing and has no paid
// detail and no result.
func (s *Service) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		details, err := s.repo.LockDetailsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		o, err := s.repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !CanDeleteServiceOrder(o.Status) {
			return apperr.Conflict("cannot delete an order that is already being executed")
		}
		for _, d := range details {
			if d.IsPaid() {
				return apperr.Conflict("cannot delete an order with paid services")
			}
			if d.HasResult() {
				return apperr.Conflict("cannot delete an order with results")
			}
		}
		return s.repo.DeleteOrder(ctx, orderID)
	})
}

// UpdateStatus moves an order along the transition table. The guard runs
// against the details as committed while the order row is locked.
func (s *Service) UpdateStatus(ctx context.Context, orderID uuid.UUID, target Status) (*ServiceOrder, error) {
	var o *ServiceOrder
	var from Status
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		details, err := s.repo.ListDetails(ctx, orderID)
		if err != nil {
			return err
		}
		if err := CheckTransition(o.Status, target, details); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, orderID, target); err != nil {
			return err
		}
		from = o.Status
		o.Status = target
		o.Details = details
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.OrderTransition(from.String(), target.String())
	s.publish(ctx, events.TopicServiceOrderStatusChange, StatusChanged{
		ServiceOrderID:  o.ID,
		MedicalRecordID: o.MedicalRecordID,
		From:            from,
		To:              target,
		Cause:           CauseManual,
	})
	return o, nil
}

// GetOrder returns the order with its details.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Details, err = s.repo.ListDetails(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) GetDetails(ctx context.Context, orderID uuid.UUID) ([]*Detail, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListDetails(ctx, orderID)
}
