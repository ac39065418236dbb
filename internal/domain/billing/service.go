package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/domain/registry"
	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/codegen"
	"github.com/clinic/emr/internal/platform/db"
	"github.com/clinic/emr/internal/platform/events"
	"github.com/clinic/emr/internal/platform/metrics"
)

// Service is the settlement engine. Every settlement or cancellation is one
// transaction; events and metrics follow the commit.
type Service struct {
	repo     Repository
	tx       db.Transactor
	registry registry.Repository
	codes    *codegen.Generator

	pub     events.Publisher
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, tx db.Transactor, reg registry.Repository, codePrefix string, codeAttempts int) *Service {
	return &Service{
		repo:     repo,
		tx:       tx,
		registry: reg,
		codes:    codegen.New(repo, codePrefix, codeAttempts),
		pub:      events.Nop{},
		log:      zerolog.Nop(),
		now:      time.Now,
	}
}

func (s *Service) SetPublisher(p events.Publisher) { s.pub = p }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.log = l }

// Codes returns the invoice code generator.
func (s *Service) Codes() *codegen.Generator { return s.codes }

func outcome(err error) string {
	if apperr.KindOf(err) == apperr.KindInternal {
		return metrics.OutcomeError
	}
	return metrics.OutcomeRejected
}

func (s *Service) publish(ctx context.Context, topic string, payload interface{}) {
	evt, err := events.New(topic, payload)
	if err == nil {
		err = s.pub.Publish(ctx, evt)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

func (s *Service) orderMoved(ctx context.Context, ids []uuid.UUID, medicalRecordID uuid.UUID, from, to order.Status, cause string) {
	for _, id := range ids {
		s.metrics.OrderTransition(from.String(), to.String())
		s.publish(ctx, events.TopicServiceOrderStatusChange, order.StatusChanged{
			ServiceOrderID:  id,
			MedicalRecordID: medicalRecordID,
			From:            from,
			To:              to,
			Cause:           cause,
		})
	}
}

// Settle pays for a set of unpaid details of one medical record with a new
// invoice. Orders whose details are now all paid move from Pending to
// InProgress in the same transaction.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	res, promoted, err := s.settle(ctx, req)
	if err != nil {
		s.metrics.Settlement(outcome(err), decimal.Zero)
		return nil, err
	}
	s.metrics.Settlement(metrics.OutcomeSuccess, res.Payment.Total)
	s.metrics.CodeAllocated(s.codes.Prefix)

	s.orderMoved(ctx, promoted, req.MedicalRecordID, order.StatusPending, order.StatusInProgress, order.CauseSettlement)
	ids := make([]uuid.UUID, 0, len(res.Invoice.Details))
	for _, d := range res.Invoice.Details {
		ids = append(ids, d.ServiceOrderDetailID)
	}
	s.publish(ctx, events.TopicInvoiceSettled, Settled{
		InvoiceID:        res.Invoice.ID,
		Code:             res.Invoice.Code,
		MedicalRecordID:  res.Invoice.MedicalRecordID,
		Total:            res.Invoice.Total,
		DetailIDs:        ids,
		PromotedOrderIDs: promoted,
	})
	return res, nil
}

func (s *Service) settle(ctx context.Context, req SettleRequest) (*SettleResult, []uuid.UUID, error) {
	ids := dedupe(req.DetailIDs)
	if len(ids) == 0 {
		return nil, nil, apperr.Validation("at least one service must be selected for payment")
	}
	if req.MedicalRecordID == uuid.Nil {
		return nil, nil, apperr.Validation("medical_record_id is required")
	}
	if req.CollectorID == uuid.Nil {
		return nil, nil, apperr.Validation("collector_id is required")
	}
	if err := checkAmountReceived(req.AmountReceived); err != nil {
		return nil, nil, err
	}
	if err := registry.RequireMedicalRecord(ctx, s.registry, req.MedicalRecordID); err != nil {
		return nil, nil, err
	}
	if err := registry.RequireEmployee(ctx, s.registry, req.CollectorID); err != nil {
		return nil, nil, err
	}
	issuedAt := s.now()
	if req.InvoiceDate != nil {
		issuedAt = *req.InvoiceDate
	}

	var res *SettleResult
	var promoted []uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		lines, err := s.repo.LockDetails(ctx, ids)
		if err != nil {
			return err
		}
		if err := checkSettlement(req.MedicalRecordID, ids, lines); err != nil {
			return err
		}
		payment, err := computePayment(sumAmounts(lines), req.AmountReceived)
		if err != nil {
			return err
		}

		inv := &Invoice{
			ID:              uuid.New(),
			IssuedAt:        issuedAt,
			Total:           payment.Total,
			AmountReceived:  payment.Received,
			Change:          payment.Change,
			Status:          InvoiceActive,
			CollectorID:     req.CollectorID,
			MedicalRecordID: req.MedicalRecordID,
			Note:            req.Note,
		}
		_, err = s.codes.Insert(ctx, func(ctx context.Context, code string) error {
			inv.Code = code
			return s.repo.CreateInvoice(ctx, inv)
		})
		if err != nil {
			if errors.Is(err, codegen.ErrExhausted) {
				return apperr.Conflict("could not allocate an invoice code, please retry")
			}
			return err
		}

		inv.Details = make([]InvoiceDetail, 0, len(lines))
		for _, l := range lines {
			inv.Details = append(inv.Details, InvoiceDetail{
				ID:                   uuid.New(),
				InvoiceID:            inv.ID,
				ServiceOrderDetailID: l.DetailID,
				ServiceOrderID:       l.ServiceOrderID,
				Quantity:             l.Quantity,
				Amount:               l.Amount,
			})
		}
		if err := s.repo.AddInvoiceDetails(ctx, inv.Details); err != nil {
			return err
		}
		if err := s.repo.MarkPaid(ctx, detailIDs(lines)); err != nil {
			return err
		}

		orderIDs := distinctOrders(lines)
		if _, err := s.repo.LockOrders(ctx, orderIDs); err != nil {
			return err
		}
		if promoted, err = s.repo.PromoteFullyPaid(ctx, orderIDs); err != nil {
			return err
		}
		res = &SettleResult{Invoice: inv, Payment: payment}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res, promoted, nil
}

// Cancel reverses an invoice: its lines are removed, the details become
// unpaid and received orders go back to Pending. Invoices whose services
// already have results, or whose orders are completed, cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, invoiceID uuid.UUID, req CancelRequest) (*Invoice, error) {
	var inv *Invoice
	var lines []Line
	var demoted []uuid.UUID
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if inv, err = s.repo.LockInvoice(ctx, invoiceID); err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return apperr.BadRequest("invoice has already been cancelled")
		}
		if lines, err = s.repo.LockInvoiceLines(ctx, invoiceID); err != nil {
			return err
		}
		orderIDs := distinctOrders(lines)
		statuses, err := s.repo.LockOrders(ctx, orderIDs)
		if err != nil {
			return err
		}
		if err := checkCancellable(lines, statuses); err != nil {
			return err
		}

		if err := s.repo.DeleteInvoiceDetails(ctx, invoiceID); err != nil {
			return err
		}
		if len(lines) > 0 {
			if err := s.repo.MarkUnpaid(ctx, detailIDs(lines)); err != nil {
				return err
			}
		}
		if demoted, err = s.repo.DemoteInProgress(ctx, orderIDs); err != nil {
			return err
		}
		at := s.now()
		if err := s.repo.MarkCancelled(ctx, invoiceID, req.Reason, at); err != nil {
			return err
		}
		inv.Status = InvoiceCancelled
		inv.Total = decimal.Zero
		inv.CancelReason = req.Reason
		inv.CancelledAt = &at
		inv.Details = []InvoiceDetail{}
		return nil
	})
	if err != nil {
		s.metrics.Cancellation(outcome(err))
		return nil, err
	}
	s.metrics.Cancellation(metrics.OutcomeSuccess)

	s.orderMoved(ctx, demoted, inv.MedicalRecordID, order.StatusInProgress, order.StatusPending, order.CauseInvoiceCancelled)
	s.publish(ctx, events.TopicInvoiceCancelled, Cancelled{
		InvoiceID:       inv.ID,
		Code:            inv.Code,
		MedicalRecordID: inv.MedicalRecordID,
		DetailIDs:       detailIDs(lines),
		DemotedOrderIDs: demoted,
		Reason:          req.Reason,
	})
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	return s.repo.ListInvoices(ctx, f, limit, offset)
}
