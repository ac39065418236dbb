package validate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/emr/internal/platform/apperr"
)

type line struct {
	ServiceID uuid.UUID `json:"service_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"gte=1"`
}

type payload struct {
	MedicalRecordID uuid.UUID       `json:"medical_record_id" validate:"required"`
	Received        decimal.Decimal `json:"amount_received" validate:"gte=0"`
	Lines           []line          `json:"details" validate:"omitempty,dive"`
	Note            string          `json:"note" validate:"max=10"`
}

func TestValidate_OK(t *testing.T) {
	v := New()
	err := v.Validate(&payload{
		MedicalRecordID: uuid.New(),
		Received:        decimal.RequireFromString("100.50"),
		Lines:           []line{{ServiceID: uuid.New(), Quantity: 2}},
	})
	assert.NoError(t, err)
}

func TestValidate_NilUUIDIsMissing(t *testing.T) {
	err := New().Validate(&payload{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "medical_record_id is required")
}

func TestValidate_NegativeMoney(t *testing.T) {
	err := New().Validate(&payload{
		MedicalRecordID: uuid.New(),
		Received:        decimal.RequireFromString("-1"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount_received must be greater than or equal to 0")
}

func TestValidate_NestedFieldNames(t *testing.T) {
	err := New().Validate(&payload{
		MedicalRecordID: uuid.New(),
		Lines:           []line{{ServiceID: uuid.New(), Quantity: 0}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "details[0].quantity")
}
