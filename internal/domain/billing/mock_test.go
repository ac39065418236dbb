package billing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/domain/registry"
	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/codegen"
	"github.com/clinic/emr/internal/platform/events"
)

var errDuplicate = errors.New("duplicate invoice code")

type memOrder struct {
	ID              uuid.UUID
	MedicalRecordID uuid.UUID
	Status          order.Status
}

type memDetail struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	Quantity  int
	Amount    decimal.Decimal
	IsPaid    bool
	HasResult bool
}

// memStore models the tables settlement touches.
type memStore struct {
	orders         map[uuid.UUID]*memOrder
	details        map[uuid.UUID]*memDetail
	invoices       map[uuid.UUID]*Invoice
	invoiceDetails map[uuid.UUID]InvoiceDetail

	// takenCodes simulates codes committed by a concurrent settlement that
	// the probe did not see.
	takenCodes map[string]bool
	failMark   bool
}

func newMemStore() *memStore {
	return &memStore{
		orders:         map[uuid.UUID]*memOrder{},
		details:        map[uuid.UUID]*memDetail{},
		invoices:       map[uuid.UUID]*Invoice{},
		invoiceDetails: map[uuid.UUID]InvoiceDetail{},
		takenCodes:     map[string]bool{},
	}
}

func (m *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range m.orders {
		o := *v
		c.orders[k] = &o
	}
	for k, v := range m.details {
		d := *v
		c.details[k] = &d
	}
	for k, v := range m.invoices {
		inv := *v
		c.invoices[k] = &inv
	}
	for k, v := range m.invoiceDetails {
		c.invoiceDetails[k] = v
	}
	for k, v := range m.takenCodes {
		c.takenCodes[k] = v
	}
	c.failMark = m.failMark
	return c
}

// memRepo implements Repository over a memStore that fakeTx can swap.
type memRepo struct {
	s *memStore
}

func (r *memRepo) MaxCodeSequence(_ context.Context, prefix string) (int64, error) {
	var max int64
	for _, inv := range r.s.invoices {
		if n, ok := codegen.ParseSequence(prefix, inv.Code); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func (r *memRepo) CodeExists(_ context.Context, code string) (bool, error) {
	for _, inv := range r.s.invoices {
		if inv.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) line(d *memDetail) Line {
	o := r.s.orders[d.OrderID]
	return Line{
		DetailID:        d.ID,
		ServiceOrderID:  d.OrderID,
		MedicalRecordID: o.MedicalRecordID,
		OrderStatus:     o.Status,
		Quantity:        d.Quantity,
		Amount:          d.Amount,
		IsPaid:          d.IsPaid,
		HasResult:       d.HasResult,
	}
}

func sortLines(lines []Line) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].DetailID.String() < lines[j].DetailID.String() })
}

func (r *memRepo) LockDetails(_ context.Context, ids []uuid.UUID) ([]Line, error) {
	var out []Line
	for _, id := range ids {
		if d, ok := r.s.details[id]; ok {
			out = append(out, r.line(d))
		}
	}
	sortLines(out)
	return out, nil
}

func (r *memRepo) LockInvoiceLines(_ context.Context, invoiceID uuid.UUID) ([]Line, error) {
	var out []Line
	for _, idt := range r.s.invoiceDetails {
		if idt.InvoiceID == invoiceID {
			out = append(out, r.line(r.s.details[idt.ServiceOrderDetailID]))
		}
	}
	sortLines(out)
	return out, nil
}

func (r *memRepo) LockOrders(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]order.Status, error) {
	out := map[uuid.UUID]order.Status{}
	for _, id := range ids {
		if o, ok := r.s.orders[id]; ok {
			out[id] = o.Status
		}
	}
	return out, nil
}

func (r *memRepo) setPaid(ids []uuid.UUID, paid bool) error {
	if r.s.failMark {
		return apperr.Internal(errors.New("connection reset"), "update payment state")
	}
	for _, id := range ids {
		r.s.details[id].IsPaid = paid
	}
	return nil
}

func (r *memRepo) MarkPaid(_ context.Context, ids []uuid.UUID) error   { return r.setPaid(ids, true) }
func (r *memRepo) MarkUnpaid(_ context.Context, ids []uuid.UUID) error { return r.setPaid(ids, false) }

func (r *memRepo) PromoteFullyPaid(_ context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	var moved []uuid.UUID
	for _, id := range orderIDs {
		o := r.s.orders[id]
		if o.Status != order.StatusPending {
			continue
		}
		unpaid := false
		for _, d := range r.s.details {
			if d.OrderID == id && !d.IsPaid {
				unpaid = true
			}
		}
		if !unpaid {
			o.Status = order.StatusInProgress
			moved = append(moved, id)
		}
	}
	return moved, nil
}

func (r *memRepo) DemoteInProgress(_ context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	var moved []uuid.UUID
	for _, id := range orderIDs {
		if o := r.s.orders[id]; o.Status == order.StatusInProgress {
			o.Status = order.StatusPending
			moved = append(moved, id)
		}
	}
	return moved, nil
}

func (r *memRepo) CreateInvoice(_ context.Context, inv *Invoice) error {
	if r.s.takenCodes[inv.Code] {
		return errDuplicate
	}
	for _, existing := range r.s.invoices {
		if existing.Code == inv.Code {
			return errDuplicate
		}
	}
	c := *inv
	c.Details = nil
	r.s.invoices[inv.ID] = &c
	return nil
}

func (r *memRepo) AddInvoiceDetails(_ context.Context, details []InvoiceDetail) error {
	for _, d := range details {
		for _, existing := range r.s.invoiceDetails {
			if existing.ServiceOrderDetailID == d.ServiceOrderDetailID {
				return apperr.Conflict("some services were already paid, please re-select")
			}
		}
		r.s.invoiceDetails[d.ID] = d
	}
	return nil
}

func (r *memRepo) DeleteInvoiceDetails(_ context.Context, invoiceID uuid.UUID) error {
	for k, d := range r.s.invoiceDetails {
		if d.InvoiceID == invoiceID {
			delete(r.s.invoiceDetails, k)
		}
	}
	return nil
}

func (r *memRepo) MarkCancelled(_ context.Context, id uuid.UUID, reason *string, at time.Time) error {
	inv := r.s.invoices[id]
	if inv.Status == InvoiceCancelled {
		return apperr.BadRequest("invoice has already been cancelled")
	}
	inv.Status = InvoiceCancelled
	inv.Total = decimal.Zero
	inv.CancelReason = reason
	inv.CancelledAt = &at
	return nil
}

func (r *memRepo) LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := r.s.invoices[id]
	if !ok {
		return nil, apperr.NotFound("invoice %s not found", id)
	}
	c := *inv
	return &c, nil
}

func (r *memRepo) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := r.LockInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Details = []InvoiceDetail{}
	for _, d := range r.s.invoiceDetails {
		if d.InvoiceID == id {
			inv.Details = append(inv.Details, d)
		}
	}
	return inv, nil
}

func (r *memRepo) ListInvoices(_ context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	var out []*Invoice
	for _, inv := range r.s.invoices {
		if f.MedicalRecordID != nil && inv.MedicalRecordID != *f.MedicalRecordID {
			continue
		}
		if f.Status != nil && inv.Status != *f.Status {
			continue
		}
		c := *inv
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code > out[j].Code })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// fakeTx works on a copy of the store and swaps it in on success, so a
// failed transaction leaves nothing behind.
type fakeTx struct {
	repo *memRepo
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	committed := f.repo.s
	f.repo.s = committed.clone()
	if err := fn(ctx); err != nil {
		f.repo.s = committed
		return err
	}
	return nil
}

type fixture struct {
	repo   *memRepo
	reg    *registry.Static
	events *events.Recorder
	svc    *Service

	record    uuid.UUID
	collector uuid.UUID
}

func newFixture() *fixture {
	repo := &memRepo{s: newMemStore()}
	f := &fixture{
		repo:      repo,
		reg:       registry.NewStatic(),
		events:    &events.Recorder{},
		record:    uuid.New(),
		collector: uuid.New(),
	}
	f.reg.MedicalRecords[f.record] = true
	f.reg.Employees[f.collector] = true

	f.svc = NewService(repo, &fakeTx{repo: repo}, f.reg, "HD", 5)
	f.svc.Codes().Savepoint = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	f.svc.Codes().IsCollision = func(err error) bool { return errors.Is(err, errDuplicate) }
	f.svc.SetPublisher(f.events)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return f
}

// order adds an order for record in status with one unpaid detail per amount.
func (f *fixture) order(record uuid.UUID, status order.Status, amounts ...string) (uuid.UUID, []uuid.UUID) {
	o := &memOrder{ID: uuid.New(), MedicalRecordID: record, Status: status}
	f.repo.s.orders[o.ID] = o
	var ids []uuid.UUID
	for _, a := range amounts {
		d := &memDetail{ID: uuid.New(), OrderID: o.ID, Quantity: 1, Amount: decimal.RequireFromString(a)}
		f.repo.s.details[d.ID] = d
		ids = append(ids, d.ID)
	}
	return o.ID, ids
}

func (f *fixture) status(orderID uuid.UUID) order.Status { return f.repo.s.orders[orderID].Status }

func (f *fixture) paid(detailID uuid.UUID) bool { return f.repo.s.details[detailID].IsPaid }

func (f *fixture) request(amount string, ids ...uuid.UUID) SettleRequest {
	return SettleRequest{
		MedicalRecordID: f.record,
		CollectorID:     f.collector,
		AmountReceived:  decimal.RequireFromString(amount),
		DetailIDs:       ids,
	}
}
