// Package queryparam parses optional filter values from the query string.
// A malformed value is a 400 naming the parameter.
package queryparam

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const dateLayout = "2006-01-02"

func invalid(name string) error {
	return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
}

// UUID returns nil when the parameter is absent.
func UUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, invalid(name)
	}
	return &id, nil
}

func Int(c echo.Context, name string) (*int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, invalid(name)
	}
	return &n, nil
}

func Bool(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalid(name)
	}
	return b, nil
}

// Time accepts RFC 3339 or a plain date. With endOfDay a plain date means
// the start of the following day, so it can serve as an exclusive bound.
func Time(c echo.Context, name string, endOfDay bool) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, invalid(name)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}
