package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/platform/codegen"
)

// Repository is the storage side of settlement. It is the only writer of
// service_order_detail.is_paid and writes order status only for payment
// driven transitions. Lock order: invoice, details, orders.
type Repository interface {
	codegen.Store

	// LockDetails locks the given details ordered by id. Unknown ids are
	// simply absent from the result.
	LockDetails(ctx context.Context, ids []uuid.UUID) ([]Line, error)
	// LockInvoiceLines locks the details paid by an invoice.
	LockInvoiceLines(ctx context.Context, invoiceID uuid.UUID) ([]Line, error)
	LockOrders(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]order.Status, error)

	MarkPaid(ctx context.Context, detailIDs []uuid.UUID) error
	MarkUnpaid(ctx context.Context, detailIDs []uuid.UUID) error
	// PromoteFullyPaid moves Pending orders without unpaid details to
	// InProgress and returns the ids it moved.
	PromoteFullyPaid(ctx context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error)
	// DemoteInProgress moves InProgress orders back to Pending.
	DemoteInProgress(ctx context.Context, orderIDs []uuid.UUID) ([]uuid.UUID, error)

	CreateInvoice(ctx context.Context, inv *Invoice) error
	AddInvoiceDetails(ctx context.Context, details []InvoiceDetail) error
	DeleteInvoiceDetails(ctx context.Context, invoiceID uuid.UUID) error
	MarkCancelled(ctx context.Context, id uuid.UUID, reason *string, at time.Time) error
	LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error)
}
