package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/emr/internal/platform/metrics"
)

// Metrics records request count and latency per route template, so that
// /api/v1/service-orders/:id is one series regardless of the id.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
