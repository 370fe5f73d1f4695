package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/assessments/internal/platform/metrics"
)

// Metrics records request counts and latency per route template.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/metrics" {
				return next(c)
			}
			done := metrics.RequestStarted()
			defer done()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveRequest(c.Request().Method, route, strconv.Itoa(responseStatus(c, err)), time.Since(start))
			return err
		}
	}
}
