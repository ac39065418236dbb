package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is persisted and exchanged as the integer value.
type Status int

const (
	StatusNotSent    Status = 0
	StatusPending    Status = 1
	StatusInProgress Status = 2
	StatusCompleted  Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNotSent:
		return "not_sent"
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) Valid() bool {
	return s >= StatusNotSent && s <= StatusCompleted
}

type ServiceOrder struct {
	ID              uuid.UUID  `json:"id"`
	Code            string     `json:"code"`
	Status          Status     `json:"status"`
	MedicalRecordID uuid.UUID  `json:"medical_record_id"`
	StaffID         *uuid.UUID `json:"staff_id,omitempty"`
	Note            *string    `json:"note,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Details         []*Detail  `json:"details,omitempty"`
}

// PaymentState is either Unpaid or Paid.
type PaymentState interface {
	isPaymentState()
}

type Unpaid struct{}

// Paid points at the invoice line that settled the detail.
type Paid struct {
	InvoiceDetailID uuid.UUID
}

func (Unpaid) isPaymentState() {}
func (Paid) isPaymentState()   {}

// Detail is one line item of a service order.
type Detail struct {
	ID             uuid.UUID
	ServiceOrderID uuid.UUID
	ServiceID      uuid.UUID
	ServiceCode    string
	ServiceName    string
	Quantity       int
	UnitPrice      decimal.Decimal
	Amount         decimal.Decimal
	RequireResult  bool
	Payment        PaymentState
	ResultID       *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (d *Detail) IsPaid() bool {
	_, ok := d.Payment.(Paid)
	return ok
}

func (d *Detail) HasResult() bool { return d.ResultID != nil }

// SetPaid maps the persisted is_paid flag and invoice line onto Payment.
func (d *Detail) SetPaid(isPaid bool, invoiceDetailID *uuid.UUID) {
	if !isPaid {
		d.Payment = Unpaid{}
		return
	}
	p := Paid{}
	if invoiceDetailID != nil {
		p.InvoiceDetailID = *invoiceDetailID
	}
	d.Payment = p
}

// LineAmount is unitPrice * quantity.
func LineAmount(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

type detailJSON struct {
	ID              uuid.UUID       `json:"id"`
	ServiceOrderID  uuid.UUID       `json:"service_order_id"`
	ServiceID       uuid.UUID       `json:"service_id"`
	ServiceCode     string          `json:"service_code,omitempty"`
	ServiceName     string          `json:"service_name,omitempty"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Amount          decimal.Decimal `json:"amount"`
	RequireResult   bool            `json:"require_result"`
	IsPaid          bool            `json:"is_paid"`
	InvoiceDetailID *uuid.UUID      `json:"invoice_detail_id,omitempty"`
	ResultID        *uuid.UUID      `json:"result_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (d *Detail) MarshalJSON() ([]byte, error) {
	out := detailJSON{
		ID:             d.ID,
		ServiceOrderID: d.ServiceOrderID,
		ServiceID:      d.ServiceID,
		ServiceCode:    d.ServiceCode,
		ServiceName:    d.ServiceName,
		Quantity:       d.Quantity,
		UnitPrice:      d.UnitPrice,
		Amount:         d.Amount,
		RequireResult:  d.RequireResult,
		ResultID:       d.ResultID,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if p, ok := d.Payment.(Paid); ok {
		out.IsPaid = true
		if p.InvoiceDetailID != uuid.Nil {
			id := p.InvoiceDetailID
			out.InvoiceDetailID = &id
		}
	}
	return json.Marshal(out)
}

func (d *Detail) UnmarshalJSON(data []byte) error {
	var in detailJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*d = Detail{
		ID:             in.ID,
		ServiceOrderID: in.ServiceOrderID,
		ServiceID:      in.ServiceID,
		ServiceCode:    in.ServiceCode,
		ServiceName:    in.ServiceName,
		Quantity:       in.Quantity,
		UnitPrice:      in.UnitPrice,
		Amount:         in.Amount,
		RequireResult:  in.RequireResult,
		ResultID:       in.ResultID,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
	}
	d.SetPaid(in.IsPaid, in.InvoiceDetailID)
	return nil
}

// ListFilter selects orders for the workflow listing.
type ListFilter struct {
	MedicalRecordID *uuid.UUID
	Status          *Status
	Code            string
	From            *time.Time
	To              *time.Time
	UnpaidOnly      bool
	AwaitingResults bool
}

type CreateInput struct {
	MedicalRecordID uuid.UUID     `json:"medical_record_id" validate:"required"`
	StaffID         *uuid.UUID    `json:"staff_id,omitempty"`
	Send            bool          `json:"send"`
	Note            *string       `json:"note,omitempty" validate:"omitempty,max=2000"`
	Details         []DetailInput `json:"details" validate:"omitempty,dive"`
}

type DetailInput struct {
	ServiceID     uuid.UUID `json:"service_id" validate:"required"`
	Quantity      int       `json:"quantity" validate:"gte=1"`
	RequireResult *bool     `json:"require_result,omitempty"`
}

type UpdateDetailInput struct {
	Quantity      *int  `json:"quantity,omitempty" validate:"omitempty,gte=1"`
	RequireResult *bool `json:"require_result,omitempty"`
}

type StatusInput struct {
	Status *Status `json:"status" validate:"required"`
}
