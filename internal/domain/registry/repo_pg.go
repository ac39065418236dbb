package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/db"
)

type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG { return &RepoPG{pool: pool} }

func (r *RepoPG) MedicalRecordExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM medical_record WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, apperr.Internal(err, "check medical record")
	}
	return ok, nil
}

func (r *RepoPG) EmployeeExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM employee WHERE id = $1 AND active)`, id).Scan(&ok)
	if err != nil {
		return false, apperr.Internal(err, "check employee")
	}
	return ok, nil
}
