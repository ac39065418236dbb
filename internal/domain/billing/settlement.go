package billing

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/platform/apperr"
)

// dedupe drops repeated ids and returns the rest sorted, which is also the
// order rows are locked in.
func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// checkSettlement validates the locked lines against the requested ids.
// Checks run in a fixed order so the caller sees the most basic problem
// first.
func checkSettlement(medicalRecordID uuid.UUID, ids []uuid.UUID, lines []Line) error {
	found := make(map[uuid.UUID]Line, len(lines))
	for _, l := range lines {
		found[l.DetailID] = l
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return apperr.NotFound("service order detail %s not found", id)
		}
	}
	for _, id := range ids {
		if found[id].MedicalRecordID != medicalRecordID {
			return apperr.BadRequest("service order detail %s belongs to another medical record", id)
		}
	}
	for _, id := range ids {
		if found[id].IsPaid {
			return apperr.Conflict("some services were already paid, please re-select")
		}
	}
	return nil
}

func sumAmounts(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}
	return total
}

// Money columns are NUMERIC(14,2).
const moneyScale = 2

var maxMoney = decimal.New(1, 12)

// checkAmountReceived rejects amounts the invoice columns cannot store
// exactly, so the settlement response matches what is persisted.
func checkAmountReceived(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Validation("amount_received cannot be negative")
	}
	if !amount.Equal(amount.Truncate(moneyScale)) {
		return apperr.Validation("amount_received must have at most %d decimal places", moneyScale)
	}
	if amount.GreaterThanOrEqual(maxMoney) {
		return apperr.Validation("amount_received must be less than %s", maxMoney.String())
	}
	return nil
}

// computePayment rejects an empty bill or an insufficient amount and
// returns the change due.
func computePayment(total, received decimal.Decimal) (PaymentSummary, error) {
	if !total.IsPositive() {
		return PaymentSummary{}, apperr.BadRequest("invoice total must be greater than zero")
	}
	if received.LessThan(total) {
		return PaymentSummary{}, apperr.BadRequest("amount received is less than the invoice total")
	}
	return PaymentSummary{
		Total:    total,
		Received: received,
		Change:   decimal.Max(received.Sub(total), decimal.Zero),
	}, nil
}

// checkCancellable refuses to reverse payment for work that has already
// produced results or been delivered.
func checkCancellable(lines []Line, statuses map[uuid.UUID]order.Status) error {
	for _, l := range lines {
		if l.HasResult {
			return apperr.Conflict("cannot cancel an invoice for services that already have results")
		}
	}
	for _, l := range lines {
		if statuses[l.ServiceOrderID] == order.StatusCompleted {
			return apperr.Conflict("cannot cancel an invoice for a completed service order")
		}
	}
	return nil
}

func distinctOrders(lines []Line) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, l := range lines {
		if !seen[l.ServiceOrderID] {
			seen[l.ServiceOrderID] = true
			out = append(out, l.ServiceOrderID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func detailIDs(lines []Line) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.DetailID)
	}
	return out
}
