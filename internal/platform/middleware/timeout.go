package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout puts a deadline on each request context. The handler runs
// on the request goroutine and sees the deadline through its context; an
// error returned after the deadline passed becomes 504. Zero disables it.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	if timeout <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout:      timeout,
		ErrorHandler: timeoutError,
	})
}

func timeoutError(err error, c echo.Context) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(c.Request().Context().Err(), context.DeadlineExceeded) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit").SetInternal(err)
	}
	return err
}
