package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/emr/internal/platform/apperr"
)

// RequireMedicalRecord returns NotFound unless id names an existing record.
func RequireMedicalRecord(ctx context.Context, r Repository, id uuid.UUID) error {
	ok, err := r.MedicalRecordExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("medical record %s not found", id)
	}
	return nil
}

// RequireEmployee returns NotFound unless id names an active employee.
func RequireEmployee(ctx context.Context, r Repository, id uuid.UUID) error {
	ok, err := r.EmployeeExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("employee %s not found", id)
	}
	return nil
}

// Static is an in-memory Repository for tests and local tooling.
type Static struct {
	MedicalRecords map[uuid.UUID]bool
	Employees      map[uuid.UUID]bool
}

func NewStatic() *Static {
	return &Static{MedicalRecords: map[uuid.UUID]bool{}, Employees: map[uuid.UUID]bool{}}
}

func (s *Static) MedicalRecordExists(_ context.Context, id uuid.UUID) (bool, error) {
	return s.MedicalRecords[id], nil
}

func (s *Static) EmployeeExists(_ context.Context, id uuid.UUID) (bool, error) {
	return s.Employees[id], nil
}
