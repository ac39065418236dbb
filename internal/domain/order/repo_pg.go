package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/codegen"
	"github.com/clinic/emr/internal/platform/db"
)

type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG { return &RepoPG{pool: pool} }

func (r *RepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const orderCols = `id, code, status, medical_record_id, staff_id, note, created_at, updated_at`

func scanOrder(row pgx.Row) (*ServiceOrder, error) {
	var o ServiceOrder
	var status int16
	err := row.Scan(&o.ID, &o.Code, &status, &o.MedicalRecordID, &o.StaffID, &o.Note,
		&o.CreatedAt, &o.UpdatedAt)
	o.Status = Status(status)
	return &o, err
}

// Payment and result state are derived from the 1:1 invoice line and result.
const detailSelect = `SELECT d.id, d.service_order_id, d.service_id, s.code, s.name, d.quantity,
	d.unit_price, d.amount, d.require_result, d.is_paid, idt.id, r.id, d.created_at, d.updated_at
FROM service_order_detail d
JOIN service s ON s.id = d.service_id
LEFT JOIN invoice_detail idt ON idt.service_order_detail_id = d.id
LEFT JOIN result r ON r.service_order_detail_id = d.id`

func scanDetail(row pgx.Row) (*Detail, error) {
	var d Detail
	var isPaid bool
	var invoiceDetailID *uuid.UUID
	err := row.Scan(&d.ID, &d.ServiceOrderID, &d.ServiceID, &d.ServiceCode, &d.ServiceName,
		&d.Quantity, &d.UnitPrice, &d.Amount, &d.RequireResult, &isPaid, &invoiceDetailID,
		&d.ResultID, &d.CreatedAt, &d.UpdatedAt)
	d.SetPaid(isPaid, invoiceDetailID)
	return &d, err
}

func (r *RepoPG) MaxCodeSequence(ctx context.Context, prefix string) (int64, error) {
	var max int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(CAST(SUBSTRING(code FROM $2::int) AS BIGINT)), 0)
		FROM service_order WHERE code ~ $1`,
		codegen.SequencePattern(prefix), len(prefix)+1).Scan(&max)
	if err != nil {
		return 0, apperr.Internal(err, "scan service order codes")
	}
	return max, nil
}

func (r *RepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM service_order WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, apperr.Internal(err, "probe service order code")
	}
	return exists, nil
}

// CreateOrder inserts the order row only. Unique violations are returned
// unwrapped so the code generator can retry.
func (r *RepoPG) CreateOrder(ctx context.Context, o *ServiceOrder) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_order (id, code, status, medical_record_id, staff_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		o.ID, o.Code, int16(o.Status), o.MedicalRecordID, o.StaffID, o.Note,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return err
		}
		return apperr.Internal(err, "insert service order")
	}
	return nil
}

func (r *RepoPG) getOrder(ctx context.Context, query string, id uuid.UUID) (*ServiceOrder, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("service order %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load service order")
	}
	return o, nil
}

func (r *RepoPG) GetOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error) {
	return r.getOrder(ctx, `SELECT `+orderCols+` FROM service_order WHERE id = $1`, id)
}

func (r *RepoPG) LockOrder(ctx context.Context, id uuid.UUID) (*ServiceOrder, error) {
	return r.getOrder(ctx, `SELECT `+orderCols+` FROM service_order WHERE id = $1 FOR UPDATE`, id)
}

func (r *RepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE service_order SET status = $2, updated_at = NOW() WHERE id = $1`, id, int16(status))
	if err != nil {
		return apperr.Internal(err, "update service order status")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("service order %s not found", id)
	}
	return nil
}

// DeleteOrder removes the order; details go with it through ON DELETE CASCADE.
func (r *RepoPG) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM service_order WHERE id = $1`, id)
	if err != nil {
		return apperr.Internal(err, "delete service order")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("service order %s not found", id)
	}
	return nil
}

func (r *RepoPG) ListOrders(ctx context.Context, f ListFilter, limit, offset int) ([]*ServiceOrder, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.MedicalRecordID != nil {
		add("o.medical_record_id = $%d", *f.MedicalRecordID)
	}
	if f.Status != nil {
		add("o.status = $%d", int16(*f.Status))
	}
	if code := strings.TrimSpace(f.Code); code != "" {
		add("o.code ILIKE $%d", "%"+code+"%")
	}
	if f.From != nil {
		add("o.created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("o.created_at < $%d", *f.To)
	}
	if f.UnpaidOnly {
		where = append(where, `EXISTS (SELECT 1 FROM service_order_detail d
			WHERE d.service_order_id = o.id AND NOT d.is_paid)`)
	}
	if f.AwaitingResults {
		where = append(where, `o.status = 2 AND EXISTS (SELECT 1 FROM service_order_detail d
			LEFT JOIN result r ON r.service_order_detail_id = d.id
			WHERE d.service_order_id = o.id AND d.require_result AND r.id IS NULL)`)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM service_order o`+clause, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Internal(err, "count service orders")
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT o.id, o.code, o.status, o.medical_record_id, o.staff_id, o.note, o.created_at, o.updated_at
		FROM service_order o%s ORDER BY o.created_at DESC, o.code DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, apperr.Internal(err, "list service orders")
	}
	defer rows.Close()
	var items []*ServiceOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, apperr.Internal(err, "scan service order")
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Internal(err, "list service orders")
	}
	return items, total, nil
}

func (r *RepoPG) AddDetail(ctx context.Context, d *Detail) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO service_order_detail (id, service_order_id, service_id, quantity, unit_price,
			amount, require_result, is_paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		RETURNING created_at, updated_at`,
		d.ID, d.ServiceOrderID, d.ServiceID, d.Quantity, d.UnitPrice, d.Amount, d.RequireResult,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return apperr.Internal(err, "insert service order detail")
	}
	d.Payment = Unpaid{}
	return nil
}

func (r *RepoPG) getDetail(ctx context.Context, query string, id uuid.UUID) (*Detail, error) {
	d, err := scanDetail(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("service order detail %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load service order detail")
	}
	return d, nil
}

func (r *RepoPG) GetDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	return r.getDetail(ctx, detailSelect+` WHERE d.id = $1`, id)
}

func (r *RepoPG) LockDetail(ctx context.Context, id uuid.UUID) (*Detail, error) {
	return r.getDetail(ctx, detailSelect+` WHERE d.id = $1 FOR UPDATE OF d`, id)
}

func (r *RepoPG) queryDetails(ctx context.Context, query string, args ...interface{}) ([]*Detail, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err, "list service order details")
	}
	defer rows.Close()
	var items []*Detail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan service order detail")
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list service order details")
	}
	return items, nil
}

func (r *RepoPG) LockDetailsByOrder(ctx context.Context, orderID uuid.UUID) ([]*Detail, error) {
	return r.queryDetails(ctx,
		detailSelect+` WHERE d.service_order_id = $1 ORDER BY d.id FOR UPDATE OF d`, orderID)
}

func (r *RepoPG) ListDetails(ctx context.Context, orderID uuid.UUID) ([]*Detail, error) {
	return r.queryDetails(ctx,
		detailSelect+` WHERE d.service_order_id = $1 ORDER BY d.created_at, d.id`, orderID)
}

func (r *RepoPG) ListDetailsByOrders(ctx context.Context, orderIDs []uuid.UUID) ([]*Detail, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	return r.queryDetails(ctx,
		detailSelect+` WHERE d.service_order_id = ANY($1) ORDER BY d.service_order_id, d.created_at, d.id`,
		orderIDs)
}

// UpdateDetail writes quantity, amount and require_result. Payment state is
// owned by settlement and never written here.
func (r *RepoPG) UpdateDetail(ctx context.Context, d *Detail) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE service_order_detail
		SET quantity = $2, amount = $3, require_result = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.Quantity, d.Amount, d.RequireResult,
	).Scan(&d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("service order detail %s not found", d.ID)
	}
	if err != nil {
		return apperr.Internal(err, "update service order detail")
	}
	return nil
}

func (r *RepoPG) DeleteDetail(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM service_order_detail WHERE id = $1`, id)
	if err != nil {
		return apperr.Internal(err, "delete service order detail")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("service order detail %s not found", id)
	}
	return nil
}
