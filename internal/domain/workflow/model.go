package workflow

import (
	"github.com/shopspring/decimal"

	"github.com/clinic/emr/internal/domain/order"
)

// OrderView is an order with the flags the front desk acts on. Flags are
// derived from the details on every read.
type OrderView struct {
	*order.ServiceOrder
	HasUnpaidServices   bool            `json:"has_unpaid_services"`
	AllResultsCompleted bool            `json:"all_results_completed"`
	IsExecuting         bool            `json:"is_executing"`
	CanDelete           bool            `json:"can_delete"`
	Total               decimal.Decimal `json:"total"`
	PaidTotal           decimal.Decimal `json:"paid_total"`
}

func newView(o *order.ServiceOrder, details []*order.Detail) *OrderView {
	o.Details = details
	v := &OrderView{
		ServiceOrder:        o,
		HasUnpaidServices:   order.HasUnpaidServices(details),
		AllResultsCompleted: order.AllResultsCompleted(details),
		IsExecuting:         order.IsExecuting(o.Status),
		Total:               decimal.Zero,
		PaidTotal:           decimal.Zero,
	}
	v.CanDelete = order.CanDeleteServiceOrder(o.Status)
	for _, d := range details {
		v.Total = v.Total.Add(d.Amount)
		if d.IsPaid() {
			v.PaidTotal = v.PaidTotal.Add(d.Amount)
		}
		if d.IsPaid() || d.HasResult() {
			v.CanDelete = false
		}
	}
	return v
}
