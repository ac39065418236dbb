package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/codegen"
	"github.com/clinic/emr/internal/platform/db"
)

type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG { return &RepoPG{pool: pool} }

func (r *RepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *RepoPG) MaxCodeSequence(ctx context.Context, prefix string) (int64, error) {
	var max int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(CAST(SUBSTRING(code FROM $2::int) AS BIGINT)), 0)
		FROM invoice WHERE code ~ $1`,
		codegen.SequencePattern(prefix), len(prefix)+1).Scan(&max)
	if err != nil {
		return 0, apperr.Internal(err, "scan invoice codes")
	}
	return max, nil
}

func (r *RepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoice WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, apperr.Internal(err, "probe invoice code")
	}
	return exists, nil
}

const lineSelect = `SELECT d.id, d.service_order_id, o.medical_record_id, o.status, d.quantity, d.amount,
	d.is_paid, EXISTS (SELECT 1 FROM result r WHERE r.service_order_detail_id = d.id)
FROM service_order_detail d
JOIN service_order o ON o.id = d.service_order_id`

func (r *RepoPG) lockLines(ctx context.Context, query string, arg interface{}) ([]Line, error) {
	rows, err := r.conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, apperr.Internal(err, "lock service order details")
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Line, error) {
		var l Line
		var status int16
		err := row.Scan(&l.DetailID, &l.ServiceOrderID, &l.MedicalRecordID, &status, &l.Quantity,
			&l.Amount, &l.IsPaid, &l.HasResult)
		l.OrderStatus = order.Status(status)
		return l, err
	})
	if err != nil {
		return nil, apperr.Internal(err, "scan service order details")
	}
	return lines, nil
}

// LockDetails takes the detail row locks that serialize overlapping
// settlements; the second settlement sees is_paid once the first commits.
func (r *RepoPG) LockDetails(ctx context.Context, ids []uuid.UUID) ([]Line, error) {
	return r.lockLines(ctx, lineSelect+` WHERE d.id = ANY($1) ORDER BY d.id FOR UPDATE OF d`, ids)
}

func (r *RepoPG) LockInvoiceLines(ctx context.Context, invoiceID uuid.UUID) ([]Line, error) {
	return r.lockLines(ctx, lineSelect+`
		JOIN invoice_detail idt ON idt.service_order_detail_id = d.id
		WHERE idt.invoice_id = $1 ORDER BY d.id FOR UPDATE OF d`, invoiceID)
}

func (r *RepoPG) LockOrders(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]order.Status, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, status FROM service_order WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, apperr.Internal(err, "lock service orders")
	}
	defer rows.Close()
	out := make(map[uuid.UUID]order.Status, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var status int16
		if err := rows.Scan(&id, &status); err != nil {
			return nil, apperr.Internal(err, "scan service order")
		}
		out[id] = order.Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "lock service orders")
	}
	return out, nil
}

func (r *RepoPG) setPaid(ctx context.Context, ids []uuid.UUID, paid bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE service_order_detail SET is_paid = $2, updated_at = NOW() WHERE id = ANY($1)`, ids, paid)
	if err != nil {
		return apperr.Internal(err, "update payment state")
	}
	if int(tag.RowsAffected()) != len(ids) {
		return apperr.Internal(fmt.Errorf("updated %d of %d details", tag.RowsAffected(), len(ids)),
			"update payment state")
	}
	return nil
}

func (r *RepoPG) MarkPaid(ctx context.Context, ids []uuid.UUID) error { return r.setPaid(ctx, ids, true) }

func (r *RepoPG) MarkUnpaid(ctx context.Context, ids []uuid.UUID) error {
	return r.setPaid(ctx, ids, false)
}

func (r *RepoPG) moveStatus(ctx context.Context, query string, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, apperr.Internal(err, "update service order status")
	}
	moved, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, apperr.Internal(err, "update service order status")
	}
	return moved, nil
}

func (r *RepoPG) PromoteFullyPaid(ctx context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	return r.moveStatus(ctx, `
		UPDATE service_order o SET status = 2, updated_at = NOW()
		WHERE o.id = ANY($1) AND o.status = 1
		  AND NOT EXISTS (SELECT 1 FROM service_order_detail d
		                  WHERE d.service_order_id = o.id AND NOT d.is_paid)
		RETURNING o.id`, orderIDs)
}

func (r *RepoPG) DemoteInProgress(ctx context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error) {
	return r.moveStatus(ctx, `
		UPDATE service_order SET status = 1, updated_at = NOW()
		WHERE id = ANY($1) AND status = 2
		RETURNING id`, orderIDs)
}

// CreateInvoice inserts the invoice row. Unique violations come back
// unwrapped so the code generator can retry.
func (r *RepoPG) CreateInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice (id, code, issued_at, total, amount_received, change_amount, status,
			collector_id, medical_record_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		inv.ID, inv.Code, inv.IssuedAt, inv.Total, inv.AmountReceived, inv.Change, int16(inv.Status),
		inv.CollectorID, inv.MedicalRecordID, inv.Note,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) && db.ConstraintName(err) == "invoice_code_key" {
			return err
		}
		return apperr.Internal(err, "insert invoice")
	}
	return nil
}

func (r *RepoPG) AddInvoiceDetails(ctx context.Context, details []InvoiceDetail) error {
	for _, d := range details {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO invoice_detail (id, invoice_id, service_order_detail_id, quantity, amount)
			VALUES ($1, $2, $3, $4, $5)`,
			d.ID, d.InvoiceID, d.ServiceOrderDetailID, d.Quantity, d.Amount)
		if err != nil {
			if db.ConstraintName(err) == "invoice_detail_service_order_detail_id_key" {
				return apperr.Conflict("some services were already paid, please re-select")
			}
			return apperr.Internal(err, "insert invoice detail")
		}
	}
	return nil
}

func (r *RepoPG) DeleteInvoiceDetails(ctx context.Context, invoiceID uuid.UUID) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM invoice_detail WHERE invoice_id = $1`, invoiceID); err != nil {
		return apperr.Internal(err, "delete invoice details")
	}
	return nil
}

func (r *RepoPG) MarkCancelled(ctx context.Context, id uuid.UUID, reason *string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET status = 1, total = 0, cancel_reason = $2, cancelled_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 0`, id, reason, at)
	if err != nil {
		return apperr.Internal(err, "cancel invoice")
	}
	if tag.RowsAffected() == 0 {
		return apperr.BadRequest("invoice has already been cancelled")
	}
	return nil
}

const invoiceCols = `id, code, issued_at, total, amount_received, change_amount, status, collector_id,
	medical_record_id, note, cancel_reason, cancelled_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var status int16
	err := row.Scan(&inv.ID, &inv.Code, &inv.IssuedAt, &inv.Total, &inv.AmountReceived, &inv.Change,
		&status, &inv.CollectorID, &inv.MedicalRecordID, &inv.Note, &inv.CancelReason, &inv.CancelledAt,
		&inv.CreatedAt, &inv.UpdatedAt)
	inv.Status = InvoiceStatus(status)
	return &inv, err
}

func (r *RepoPG) getInvoice(ctx context.Context, query string, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("invoice %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load invoice")
	}
	return inv, nil
}

func (r *RepoPG) LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.getInvoice(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id)
}

func (r *RepoPG) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := r.getInvoice(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT idt.id, idt.invoice_id, idt.service_order_detail_id, d.service_order_id, idt.quantity, idt.amount
		FROM invoice_detail idt
		JOIN service_order_detail d ON d.id = idt.service_order_detail_id
		WHERE idt.invoice_id = $1
		ORDER BY d.service_order_id, d.created_at, d.id`, id)
	if err != nil {
		return nil, apperr.Internal(err, "list invoice details")
	}
	inv.Details, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (InvoiceDetail, error) {
		var d InvoiceDetail
		err := row.Scan(&d.ID, &d.InvoiceID, &d.ServiceOrderDetailID, &d.ServiceOrderID, &d.Quantity, &d.Amount)
		return d, err
	})
	if err != nil {
		return nil, apperr.Internal(err, "scan invoice details")
	}
	return inv, nil
}

func (r *RepoPG) ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.MedicalRecordID != nil {
		add("medical_record_id = $%d", *f.MedicalRecordID)
	}
	if f.Status != nil {
		add("status = $%d", int16(*f.Status))
	}
	if f.From != nil {
		add("issued_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("issued_at < $%d", *f.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoice`+clause, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Internal(err, "count invoices")
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+invoiceCols+` FROM invoice%s ORDER BY issued_at DESC, code DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, apperr.Internal(err, "list invoices")
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, apperr.Internal(err, "scan invoice")
		}
		items = append(items, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Internal(err, "list invoices")
	}
	return items, total, nil
}
