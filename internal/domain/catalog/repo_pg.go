package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/db"
)

type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG { return &RepoPG{pool: pool} }

func (r *RepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const serviceCols = `id, code, name, unit_price, group_id, type_id, room_id, active, created_at, updated_at`

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.UnitPrice, &s.GroupID, &s.TypeID, &s.RoomID,
		&s.Active, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *RepoPG) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	s, err := scanService(r.conn(ctx).QueryRow(ctx,
		`SELECT `+serviceCols+` FROM service WHERE id = $1 AND active`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("service %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load service")
	}
	return s, nil
}

func (r *RepoPG) ListServices(ctx context.Context, f ServiceFilter, limit, offset int) ([]*Service, int, error) {
	where := []string{"active"}
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.GroupID != nil {
		add("group_id = $%d", *f.GroupID)
	}
	if f.TypeID != nil {
		add("type_id = $%d", *f.TypeID)
	}
	if f.RoomID != nil {
		add("room_id = $%d", *f.RoomID)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+q+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR code ILIKE $%d)", n, n))
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM service`+clause, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Internal(err, "count services")
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+serviceCols+` FROM service%s ORDER BY name, code LIMIT $%d OFFSET $%d`,
			clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, apperr.Internal(err, "list services")
	}
	defer rows.Close()
	var items []*Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, 0, apperr.Internal(err, "scan service")
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Internal(err, "list services")
	}
	return items, total, nil
}

func (r *RepoPG) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name FROM service_group ORDER BY name`)
	if err != nil {
		return nil, apperr.Internal(err, "list service groups")
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Group, error) {
		var g Group
		err := row.Scan(&g.ID, &g.Name)
		return &g, err
	})
	if err != nil {
		return nil, apperr.Internal(err, "scan service groups")
	}
	return items, nil
}

func (r *RepoPG) ListTypes(ctx context.Context) ([]*Type, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name FROM service_type ORDER BY name`)
	if err != nil {
		return nil, apperr.Internal(err, "list service types")
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Type, error) {
		var t Type
		err := row.Scan(&t.ID, &t.Name)
		return &t, err
	})
	if err != nil {
		return nil, apperr.Internal(err, "scan service types")
	}
	return items, nil
}

func (r *RepoPG) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, code, name FROM room ORDER BY code`)
	if err != nil {
		return nil, apperr.Internal(err, "list rooms")
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Room, error) {
		var rm Room
		err := row.Scan(&rm.ID, &rm.Code, &rm.Name)
		return &rm, err
	})
	if err != nil {
		return nil, apperr.Internal(err, "scan rooms")
	}
	return items, nil
}
