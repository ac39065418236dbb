package result

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/db"
)

const (
	constraintOnePerDetail = "result_service_order_detail_id_key"
	constraintChronology   = "result_chronology_check"
)

type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG { return &RepoPG{pool: pool} }

func (r *RepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const resultCols = `id, service_order_detail_id, received_at, performed_at, delivered_at, result_text,
	conclusion, note, url, performed_by, created_at, updated_at`

func scanResult(row pgx.Row) (*Result, error) {
	var res Result
	err := row.Scan(&res.ID, &res.ServiceOrderDetailID, &res.ReceivedAt, &res.PerformedAt,
		&res.DeliveredAt, &res.ResultText, &res.Conclusion, &res.Note, &res.URL, &res.PerformedBy,
		&res.CreatedAt, &res.UpdatedAt)
	return &res, err
}

// storageError maps constraint violations raised by the schema onto the
// matching caller-visible errors.
func storageError(err error, action string) error {
	switch db.ConstraintName(err) {
	case constraintOnePerDetail:
		return apperr.Conflict("a result already exists for this service")
	case constraintChronology:
		return apperr.BadRequest("result timestamps must satisfy received <= performed <= delivered")
	}
	return apperr.Internal(err, "%s", action)
}

func (r *RepoPG) Create(ctx context.Context, res *Result) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO result (id, service_order_detail_id, received_at, performed_at, delivered_at,
			result_text, conclusion, note, url, performed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		res.ID, res.ServiceOrderDetailID, res.ReceivedAt, res.PerformedAt, res.DeliveredAt,
		res.ResultText, res.Conclusion, res.Note, res.URL, res.PerformedBy,
	).Scan(&res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return storageError(err, "insert result")
	}
	return r.insertItems(ctx, res.ID, res.Items)
}

func (r *RepoPG) insertItems(ctx context.Context, resultID uuid.UUID, items []Item) error {
	for _, it := range items {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO result_item (id, result_id, position, name, value, unit, reference_range, flag)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, resultID, it.Position, it.Name, it.Value, it.Unit, it.ReferenceRange, it.Flag)
		if err != nil {
			return apperr.Internal(err, "insert result item")
		}
	}
	return nil
}

func (r *RepoPG) items(ctx context.Context, resultID uuid.UUID) ([]Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, position, name, value, unit, reference_range, flag
		FROM result_item WHERE result_id = $1 ORDER BY position`, resultID)
	if err != nil {
		return nil, apperr.Internal(err, "list result items")
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var it Item
		err := row.Scan(&it.ID, &it.Position, &it.Name, &it.Value, &it.Unit, &it.ReferenceRange, &it.Flag)
		return it, err
	})
	if err != nil {
		return nil, apperr.Internal(err, "scan result items")
	}
	return items, nil
}

func (r *RepoPG) get(ctx context.Context, query string, id uuid.UUID, what string) (*Result, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("%s %s not found", what, id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load result")
	}
	if res.Items, err = r.items(ctx, res.ID); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *RepoPG) Get(ctx context.Context, id uuid.UUID) (*Result, error) {
	return r.get(ctx, `SELECT `+resultCols+` FROM result WHERE id = $1`, id, "result")
}

func (r *RepoPG) GetByDetail(ctx context.Context, detailID uuid.UUID) (*Result, error) {
	return r.get(ctx, `SELECT `+resultCols+` FROM result WHERE service_order_detail_id = $1`,
		detailID, "result for service order detail")
}

func (r *RepoPG) Update(ctx context.Context, res *Result, replaceItems bool) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE result SET received_at = $2, performed_at = $3, delivered_at = $4, result_text = $5,
			conclusion = $6, note = $7, url = $8, performed_by = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		res.ID, res.ReceivedAt, res.PerformedAt, res.DeliveredAt, res.ResultText, res.Conclusion,
		res.Note, res.URL, res.PerformedBy,
	).Scan(&res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("result %s not found", res.ID)
	}
	if err != nil {
		return storageError(err, "update result")
	}
	if !replaceItems {
		return nil
	}
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM result_item WHERE result_id = $1`, res.ID); err != nil {
		return apperr.Internal(err, "clear result items")
	}
	return r.insertItems(ctx, res.ID, res.Items)
}
