//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clinic/emr/internal/domain/billing"
	"github.com/clinic/emr/internal/domain/catalog"
	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/domain/registry"
	"github.com/clinic/emr/internal/domain/result"
	"github.com/clinic/emr/internal/domain/workflow"
	"github.com/clinic/emr/internal/platform/db"
	"github.com/clinic/emr/internal/platform/events"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	pool, err = db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, findMigrationsDir()).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

func startPostgres(ctx context.Context) (string, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "emrtest",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = container.Terminate(context.Background()) }

	host, err := container.Host(ctx)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("container port: %w", err)
	}
	return fmt.Sprintf("postgres://test:testpass@%s:%s/emrtest?sslmode=disable", host, port.Port()), cleanup, nil
}

// findMigrationsDir locates the migrations directory relative to this file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// clinic bundles the services wired the same way the server wires them.
type clinic struct {
	orders   *order.Service
	billing  *billing.Service
	results  *result.Service
	workflow *workflow.Service
	events   *events.Recorder

	collector uuid.UUID
	record    uuid.UUID
}

func newClinic(t *testing.T) *clinic {
	t.Helper()
	tx := db.NewTxManager(pool)
	reg := registry.NewRepoPG(pool)
	orderRepo := order.NewRepoPG(pool)
	rec := &events.Recorder{}

	orders := order.NewService(orderRepo, tx, catalog.NewRepoPG(pool), reg, "PCD", 5)
	orders.SetPublisher(rec)
	orders.SetLogger(zerolog.Nop())
	bill := billing.NewService(billing.NewRepoPG(pool), tx, reg, "HD", 5)
	bill.SetPublisher(rec)
	bill.SetLogger(zerolog.Nop())
	res := result.NewService(result.NewRepoPG(pool), orderRepo, reg, tx)
	res.SetPublisher(rec)

	return &clinic{
		orders:    orders,
		billing:   bill,
		results:   res,
		workflow:  workflow.NewService(orderRepo),
		events:    rec,
		collector: seedEmployee(t),
		record:    seedMedicalRecord(t),
	}
}

func shortCode(prefix string) string {
	return prefix + uuid.NewString()[:8]
}

func seedEmployee(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO employee (id, code, name) VALUES ($1, $2, $3)`, id, shortCode("E"), "Cashier "+id.String()[:4])
	if err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	return id
}

func seedMedicalRecord(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO medical_record (id, code, patient_name) VALUES ($1, $2, $3)`, id, shortCode("BA"), "Patient "+id.String()[:4])
	if err != nil {
		t.Fatalf("seed medical record: %v", err)
	}
	return id
}

func seedService(t *testing.T, price string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO service (id, code, name, unit_price) VALUES ($1, $2, $3, $4)`,
		id, shortCode("DV"), "Service "+price, decimal.RequireFromString(price))
	if err != nil {
		t.Fatalf("seed service: %v", err)
	}
	return id
}

// sentOrder creates a Pending order with one detail per price and returns
// the order and its detail ids in creation order.
func (c *clinic) sentOrder(t *testing.T, record uuid.UUID, prices ...string) (*order.ServiceOrder, []uuid.UUID) {
	t.Helper()
	in := order.CreateInput{MedicalRecordID: record, Send: true}
	for _, p := range prices {
		in.Details = append(in.Details, order.DetailInput{ServiceID: seedService(t, p), Quantity: 1})
	}
	o, err := c.orders.CreateOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	ids := make([]uuid.UUID, 0, len(o.Details))
	for _, d := range o.Details {
		ids = append(ids, d.ID)
	}
	return o, ids
}

func (c *clinic) settleReq(record uuid.UUID, received string, ids ...uuid.UUID) billing.SettleRequest {
	return billing.SettleRequest{
		MedicalRecordID: record,
		CollectorID:     c.collector,
		AmountReceived:  decimal.RequireFromString(received),
		DetailIDs:       ids,
	}
}

// assertLedger checks that active invoice totals for a record equal the
// amounts of its paid details and that every paid detail has exactly one
// invoice line.
func assertLedger(t *testing.T, record uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	var invoiced, paid decimal.Decimal
	err := pool.QueryRow(ctx, `
SELECT COALESCE(SUM(total), 0) FROM invoice WHERE medical_record_id = $1 AND status = 0`, record).Scan(&invoiced)
	if err != nil {
		t.Fatalf("sum invoices: %v", err)
	}
	err = pool.QueryRow(ctx, `
SELECT COALESCE(SUM(d.amount), 0)
FROM service_order_detail d JOIN service_order o ON o.id = d.service_order_id
WHERE o.medical_record_id = $1 AND d.is_paid`, record).Scan(&paid)
	if err != nil {
		t.Fatalf("sum paid details: %v", err)
	}
	if !invoiced.Equal(paid) {
		t.Errorf("invoiced %s != paid %s", invoiced, paid)
	}

	var orphans int
	err = pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM service_order_detail d
JOIN service_order o ON o.id = d.service_order_id
LEFT JOIN invoice_detail idt ON idt.service_order_detail_id = d.id
WHERE o.medical_record_id = $1 AND d.is_paid <> (idt.id IS NOT NULL)`, record).Scan(&orphans)
	if err != nil {
		t.Fatalf("count mismatched details: %v", err)
	}
	if orphans != 0 {
		t.Errorf("%d details disagree with their invoice lines", orphans)
	}
}
