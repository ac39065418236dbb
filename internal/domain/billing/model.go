package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/emr/internal/domain/order"
)

type InvoiceStatus int

const (
	InvoiceActive    InvoiceStatus = 0
	InvoiceCancelled InvoiceStatus = 1
)

type Invoice struct {
	ID              uuid.UUID       `json:"id"`
	Code            string          `json:"code"`
	IssuedAt        time.Time       `json:"issued_at"`
	Total           decimal.Decimal `json:"total"`
	AmountReceived  decimal.Decimal `json:"amount_received"`
	Change          decimal.Decimal `json:"change"`
	Status          InvoiceStatus   `json:"status"`
	CollectorID     uuid.UUID       `json:"collector_id"`
	MedicalRecordID uuid.UUID       `json:"medical_record_id"`
	Note            *string         `json:"note,omitempty"`
	CancelReason    *string         `json:"cancel_reason,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Details         []InvoiceDetail `json:"details"`
}

// InvoiceDetail snapshots one paid service order detail.
type InvoiceDetail struct {
	ID                   uuid.UUID       `json:"id"`
	InvoiceID            uuid.UUID       `json:"invoice_id"`
	ServiceOrderDetailID uuid.UUID       `json:"service_order_detail_id"`
	ServiceOrderID       uuid.UUID       `json:"service_order_id"`
	Quantity             int             `json:"quantity"`
	Amount               decimal.Decimal `json:"amount"`
}

type PaymentSummary struct {
	Total    decimal.Decimal `json:"total"`
	Received decimal.Decimal `json:"received"`
	Change   decimal.Decimal `json:"change"`
}

type SettleRequest struct {
	MedicalRecordID uuid.UUID       `json:"medical_record_id" validate:"required"`
	CollectorID     uuid.UUID       `json:"collector_id"`
	InvoiceDate     *time.Time      `json:"invoice_date,omitempty"`
	AmountReceived  decimal.Decimal `json:"amount_received" validate:"gte=0"`
	DetailIDs       []uuid.UUID     `json:"detail_ids" validate:"required,min=1"`
	Note            *string         `json:"note,omitempty" validate:"omitempty,max=2000"`
}

type SettleResult struct {
	Invoice *Invoice       `json:"invoice"`
	Payment PaymentSummary `json:"payment"`
}

type CancelRequest struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=2000"`
}

type InvoiceFilter struct {
	MedicalRecordID *uuid.UUID
	Status          *InvoiceStatus
	From            *time.Time
	To              *time.Time
}

// Line is a locked service order detail together with the order facts
// settlement and cancellation decide on.
type Line struct {
	DetailID        uuid.UUID
	ServiceOrderID  uuid.UUID
	MedicalRecordID uuid.UUID
	OrderStatus     order.Status
	Quantity        int
	Amount          decimal.Decimal
	IsPaid          bool
	HasResult       bool
}

// Settled is the payload of invoice.settled events.
type Settled struct {
	InvoiceID        uuid.UUID       `json:"invoice_id"`
	Code             string          `json:"code"`
	MedicalRecordID  uuid.UUID       `json:"medical_record_id"`
	Total            decimal.Decimal `json:"total"`
	DetailIDs        []uuid.UUID     `json:"detail_ids"`
	PromotedOrderIDs []uuid.UUID     `json:"promoted_order_ids"`
}

// Cancelled is the payload of invoice.cancelled events.
type Cancelled struct {
	InvoiceID       uuid.UUID   `json:"invoice_id"`
	Code            string      `json:"code"`
	MedicalRecordID uuid.UUID   `json:"medical_record_id"`
	DetailIDs       []uuid.UUID `json:"detail_ids"`
	DemotedOrderIDs []uuid.UUID `json:"demoted_order_ids"`
	Reason          *string     `json:"reason,omitempty"`
}
