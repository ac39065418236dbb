package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats is the subset of pgxpool statistics exposed on /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthReport is the /health/db body. SchemaVersion is the highest applied
// migration, zero before the first `migrate up`.
type HealthReport struct {
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	SchemaVersion int        `json:"schema_version"`
	Pool          *PoolStats `json:"pool,omitempty"`
}

type prober interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// HealthHandler pings the pool and reports the applied schema version.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool, func() *PoolStats { return GetPoolStats(pool) })
}

func healthHandler(p prober, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		report := HealthReport{Status: "healthy"}
		if stats != nil {
			report.Pool = stats()
		}

		if err := p.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = "database unreachable"
			if report.Pool != nil {
				report.Pool.Healthy = false
			}
			return c.JSON(http.StatusServiceUnavailable, report)
		}

		version, err := schemaVersion(ctx, p)
		if err != nil {
			report.Status = "unhealthy"
			report.Error = "schema version unavailable"
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		report.SchemaVersion = version
		return c.JSON(http.StatusOK, report)
	}
}

func schemaVersion(ctx context.Context, p prober) (int, error) {
	var version int
	err := p.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		// undefined_table: nothing migrated yet
		if pgCode(err) == "42P01" {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}
