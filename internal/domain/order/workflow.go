package order

import (
	"github.com/clinic/emr/internal/platform/apperr"
)

// HasUnpaidServices reports whether any detail is still unpaid.
func HasUnpaidServices(details []*Detail) bool {
	for _, d := range details {
		if !d.IsPaid() {
			return true
		}
	}
	return false
}

// AllResultsCompleted reports whether every detail that requires a result
// has one. Vacuously true for an order without such details.
func AllResultsCompleted(details []*Detail) bool {
	for _, d := range details {
		if d.RequireResult && !d.HasResult() {
			return false
		}
	}
	return true
}

func anyResult(details []*Detail) bool {
	for _, d := range details {
		if d.HasResult() {
			return true
		}
	}
	return false
}

// IsExecuting reports whether the order has been received by the
// performing department.
func IsExecuting(s Status) bool { return s >= StatusInProgress }

// CanDeleteServiceOrder reports whether orders or their details may still be
// removed in status s.
func CanDeleteServiceOrder(s Status) bool { return s < StatusInProgress }

type transition struct {
	from, to Status
}

type guard func(details []*Detail) error

var transitions = map[transition]guard{
	{StatusNotSent, StatusPending}: func(details []*Detail) error {
		if len(details) == 0 {
			return apperr.Conflict("order has no services to send")
		}
		return nil
	},
	{StatusPending, StatusInProgress}: func(details []*Detail) error {
		if HasUnpaidServices(details) {
			return apperr.Conflict("order must be fully paid before receiving")
		}
		return nil
	},
	{StatusInProgress, StatusPending}: func(details []*Detail) error {
		if anyResult(details) {
			return apperr.Conflict("cannot cancel receipt of an order that already has results")
		}
		return nil
	},
	{StatusInProgress, StatusCompleted}: func(details []*Detail) error {
		if !AllResultsCompleted(details) {
			return apperr.Conflict("all required results must be entered before delivery")
		}
		return nil
	},
	{StatusCompleted, StatusInProgress}: func([]*Detail) error { return nil },
	{StatusPending, StatusNotSent}:      func([]*Detail) error { return nil },
}

// CheckTransition validates moving an order with details from one status to
// another. Pairs outside the table, including from == to, are rejected.
func CheckTransition(from, to Status, details []*Detail) error {
	if !to.Valid() {
		return apperr.Validation("invalid status %d", int(to))
	}
	g, ok := transitions[transition{from, to}]
	if !ok {
		return apperr.Conflict("cannot change order status from %s to %s", from, to)
	}
	return g(details)
}
