package order

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/emr/internal/domain/catalog"
	"github.com/clinic/emr/internal/domain/registry"
	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/codegen"
	"github.com/clinic/emr/internal/platform/events"
)

var errDuplicate = errors.New("duplicate code")

// -- Mock Repository --

type memRepo struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*ServiceOrder
	details map[uuid.UUID]*Detail

	failAddDetailAfter int
	addDetailCalls     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:  make(map[uuid.UUID]*ServiceOrder),
		details: make(map[uuid.UUID]*Detail),
	}
}

func copyOrder(o *ServiceOrder) *ServiceOrder {
	c := *o
	c.Details = nil
	return &c
}

func copyDetail(d *Detail) *Detail {
	c := *d
	return &c
}

type memSnapshot struct {
	orders  map[uuid.UUID]*ServiceOrder
	details map[uuid.UUID]*Detail
}

func (m *memRepo) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{orders: map[uuid.UUID]*ServiceOrder{}, details: map[uuid.UUID]*Detail{}}
	for k, v := range m.orders {
		s.orders[k] = copyOrder(v)
	}
	for k, v := range m.details {
		s.details[k] = copyDetail(v)
	}
	return s
}

func (m *memRepo) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = s.orders
	m.details = s.details
}

func (m *memRepo) MaxCodeSequence(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, o := range m.orders {
		if n, ok := codegen.ParseSequence(prefix, o.Code); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func (m *memRepo) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) CreateOrder(_ context.Context, o *ServiceOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.Code == o.Code {
			return errDuplicate
		}
	}
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *memRepo) GetOrder(_ context.Context, id uuid.UUID) (*ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("service order %s not found", id)
	}
	return copyOrder(o), nil
}

func (m *memRepo) LockOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error) {
	return m.GetOrder(ctx, id)
}

func (m *memRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return apperr.NotFound("service order %s not found", id)
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (m *memRepo) DeleteOrder(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return apperr.NotFound("service order %s not found", id)
	}
	delete(m.orders, id)
	for k, d := range m.details {
		if d.ServiceOrderID == id {
			delete(m.details, k)
		}
	}
	return nil
}

func (m *memRepo) ListOrders(_ context.Context, f ListFilter, limit, offset int) ([]*ServiceOrder, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ServiceOrder
	for _, o := range m.orders {
		if f.MedicalRecordID != nil && o.MedicalRecordID != *f.MedicalRecordID {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		if f.Code != "" && !strings.Contains(o.Code, f.Code) {
			continue
		}
		out = append(out, copyOrder(o))
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

func (m *memRepo) AddDetail(_ context.Context, d *Detail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addDetailCalls++
	if m.failAddDetailAfter > 0 && m.addDetailCalls > m.failAddDetailAfter {
		return apperr.Internal(errors.New("disk full"), "insert service order detail")
	}
	if _, ok := m.orders[d.ServiceOrderID]; !ok {
		return apperr.Internal(errors.New("foreign key violation"), "insert service order detail")
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	d.Payment = Unpaid{}
	m.details[d.ID] = copyDetail(d)
	return nil
}

func (m *memRepo) GetDetail(_ context.Context, id uuid.UUID) (*Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[id]
	if !ok {
		return nil, apperr.NotFound("service order detail %s not found", id)
	}
	return copyDetail(d), nil
}

func (m *memRepo) LockDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	return m.GetDetail(ctx, id)
}

func (m *memRepo) LockDetailsByOrder(ctx context.Context, orderID uuid.UUID) ([]*Detail, error) {
	return m.ListDetails(ctx, orderID)
}

func (m *memRepo) UpdateDetail(_ context.Context, d *Detail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.details[d.ID]
	if !ok {
		return apperr.NotFound("service order detail %s not found", d.ID)
	}
	cur.Quantity = d.Quantity
	cur.Amount = d.Amount
	cur.RequireResult = d.RequireResult
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *memRepo) DeleteDetail(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.details[id]; !ok {
		return apperr.NotFound("service order detail %s not found", id)
	}
	delete(m.details, id)
	return nil
}

func (m *memRepo) ListDetails(_ context.Context, orderID uuid.UUID) ([]*Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Detail
	for _, d := range m.details {
		if d.ServiceOrderID == orderID {
			out = append(out, copyDetail(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *memRepo) ListDetailsByOrders(ctx context.Context, orderIDs []uuid.UUID) ([]*Detail, error) {
	var out []*Detail
	for _, id := range orderIDs {
		ds, _ := m.ListDetails(ctx, id)
		out = append(out, ds...)
	}
	return out, nil
}

// markPaid and attachResult stand in for settlement and result entry.
func (m *memRepo) markPaid(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[id].Payment = Paid{InvoiceDetailID: uuid.New()}
}

func (m *memRepo) attachResult(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rid := uuid.New()
	m.details[id].ResultID = &rid
}

func (m *memRepo) status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

// fakeTx restores the repository when fn fails, the way a rollback would.
type fakeTx struct {
	repo  *memRepo
	calls int
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	snap := f.repo.snapshot()
	if err := fn(ctx); err != nil {
		f.repo.restore(snap)
		return err
	}
	return nil
}

type fakeCatalog struct {
	services map[uuid.UUID]*catalog.Service
}

func (f *fakeCatalog) GetService(_ context.Context, id uuid.UUID) (*catalog.Service, error) {
	s, ok := f.services[id]
	if !ok {
		return nil, apperr.NotFound("service %s not found", id)
	}
	return s, nil
}

func (f *fakeCatalog) add(code, price string) *catalog.Service {
	s := &catalog.Service{
		ID:        uuid.New(),
		Code:      code,
		Name:      "Service " + code,
		UnitPrice: decimal.RequireFromString(price),
		Active:    true,
	}
	f.services[s.ID] = s
	return s
}

type fixture struct {
	repo     *memRepo
	tx       *fakeTx
	catalog  *fakeCatalog
	registry *registry.Static
	events   *events.Recorder
	svc      *Service

	record uuid.UUID
	staff  uuid.UUID
}

func newFixture() *fixture {
	repo := newMemRepo()
	f := &fixture{
		repo:     repo,
		tx:       &fakeTx{repo: repo},
		catalog:  &fakeCatalog{services: map[uuid.UUID]*catalog.Service{}},
		registry: registry.NewStatic(),
		events:   &events.Recorder{},
		record:   uuid.New(),
		staff:    uuid.New(),
	}
	f.registry.MedicalRecords[f.record] = true
	f.registry.Employees[f.staff] = true

	f.svc = NewService(repo, f.tx, f.catalog, f.registry, "PCD", 5)
	f.svc.Codes().Savepoint = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	f.svc.Codes().IsCollision = func(err error) bool { return errors.Is(err, errDuplicate) }
	f.svc.SetPublisher(f.events)
	return f
}

// order creates an order for the fixture record with one detail per price.
func (f *fixture) order(send bool, prices ...string) *ServiceOrder {
	in := CreateInput{MedicalRecordID: f.record, Send: send}
	for i, p := range prices {
		svc := f.catalog.add("DV"+string(rune('A'+i)), p)
		in.Details = append(in.Details, DetailInput{ServiceID: svc.ID, Quantity: 1})
	}
	o, err := f.svc.CreateOrder(context.Background(), in)
	if err != nil {
		panic(err)
	}
	return o
}
