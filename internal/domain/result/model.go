package result

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/emr/internal/platform/apperr"
)

// Result is the clinical outcome recorded against one service order detail.
type Result struct {
	ID                   uuid.UUID  `json:"id"`
	ServiceOrderDetailID uuid.UUID  `json:"service_order_detail_id"`
	ReceivedAt           *time.Time `json:"received_at,omitempty"`
	PerformedAt          *time.Time `json:"performed_at,omitempty"`
	DeliveredAt          *time.Time `json:"delivered_at,omitempty"`
	ResultText           string     `json:"result_text"`
	Conclusion           string     `json:"conclusion"`
	Note                 *string    `json:"note,omitempty"`
	URL                  *string    `json:"url,omitempty"`
	PerformedBy          *uuid.UUID `json:"performed_by,omitempty"`
	Items                []Item     `json:"items"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Item is one measured value of a result, e.g. a single analyte of a panel.
type Item struct {
	ID             uuid.UUID `json:"id"`
	Position       int       `json:"position"`
	Name           string    `json:"name"`
	Value          string    `json:"value"`
	Unit           *string   `json:"unit,omitempty"`
	ReferenceRange *string   `json:"reference_range,omitempty"`
	Flag           *string   `json:"flag,omitempty"`
}

type ItemInput struct {
	Name           string  `json:"name" validate:"required,max=255"`
	Value          string  `json:"value"`
	Unit           *string `json:"unit,omitempty" validate:"omitempty,max=64"`
	ReferenceRange *string `json:"reference_range,omitempty" validate:"omitempty,max=255"`
	Flag           *string `json:"flag,omitempty" validate:"omitempty,oneof=L N H LL HH A"`
}

type CreateInput struct {
	ServiceOrderDetailID uuid.UUID   `json:"service_order_detail_id" validate:"required"`
	ReceivedAt           *time.Time  `json:"received_at,omitempty"`
	PerformedAt          *time.Time  `json:"performed_at,omitempty"`
	DeliveredAt          *time.Time  `json:"delivered_at,omitempty"`
	ResultText           string      `json:"result_text"`
	Conclusion           string      `json:"conclusion"`
	Note                 *string     `json:"note,omitempty"`
	URL                  *string     `json:"url,omitempty" validate:"omitempty,url"`
	PerformedBy          *uuid.UUID  `json:"performed_by,omitempty"`
	Items                []ItemInput `json:"items" validate:"omitempty,dive"`
}

// UpdateInput holds the fields to change. Items replace the stored list when
// present, including an empty list.
type UpdateInput struct {
	ReceivedAt  *time.Time  `json:"received_at,omitempty"`
	PerformedAt *time.Time  `json:"performed_at,omitempty"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
	ResultText  *string     `json:"result_text,omitempty"`
	Conclusion  *string     `json:"conclusion,omitempty"`
	Note        *string     `json:"note,omitempty"`
	URL         *string     `json:"url,omitempty" validate:"omitempty,url"`
	PerformedBy *uuid.UUID  `json:"performed_by,omitempty"`
	Items       []ItemInput `json:"items,omitempty" validate:"omitempty,dive"`
}

// Recorded is the payload of result.recorded events.
type Recorded struct {
	ResultID             uuid.UUID `json:"result_id"`
	ServiceOrderDetailID uuid.UUID `json:"service_order_detail_id"`
	ServiceOrderID       uuid.UUID `json:"service_order_id"`
}

// CheckChronology requires received <= performed <= delivered for the
// timestamps that are set.
func CheckChronology(received, performed, delivered *time.Time) error {
	if received != nil && performed != nil && performed.Before(*received) {
		return apperr.BadRequest("performed time cannot be earlier than received time")
	}
	if performed != nil && delivered != nil && delivered.Before(*performed) {
		return apperr.BadRequest("delivered time cannot be earlier than performed time")
	}
	if received != nil && delivered != nil && delivered.Before(*received) {
		return apperr.BadRequest("delivered time cannot be earlier than received time")
	}
	return nil
}

func buildItems(in []ItemInput) []Item {
	items := make([]Item, 0, len(in))
	for i, it := range in {
		items = append(items, Item{
			ID:             uuid.New(),
			Position:       i + 1,
			Name:           it.Name,
			Value:          it.Value,
			Unit:           it.Unit,
			ReferenceRange: it.ReferenceRange,
			Flag:           it.Flag,
		})
	}
	return items
}

// apply merges the supplied fields of in into r.
func (in UpdateInput) apply(r *Result) {
	if in.ReceivedAt != nil {
		r.ReceivedAt = in.ReceivedAt
	}
	if in.PerformedAt != nil {
		r.PerformedAt = in.PerformedAt
	}
	if in.DeliveredAt != nil {
		r.DeliveredAt = in.DeliveredAt
	}
	if in.ResultText != nil {
		r.ResultText = *in.ResultText
	}
	if in.Conclusion != nil {
		r.Conclusion = *in.Conclusion
	}
	if in.Note != nil {
		r.Note = in.Note
	}
	if in.URL != nil {
		r.URL = in.URL
	}
	if in.PerformedBy != nil {
		r.PerformedBy = in.PerformedBy
	}
	if in.Items != nil {
		r.Items = buildItems(in.Items)
	}
}
