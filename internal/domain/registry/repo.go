// Package registry answers existence questions about patients' medical
// records and staff. Their maintenance lives outside this service.
package registry

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	MedicalRecordExists(ctx context.Context, id uuid.UUID) (bool, error)
	// EmployeeExists reports active employees only.
	EmployeeExists(ctx context.Context, id uuid.UUID) (bool, error)
}
