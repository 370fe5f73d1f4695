package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/assessments/internal/platform/auth"
)

// Audit logs every access to patient assessment data: who, which type,
// which patient, what action and the outcome. Routes outside
// /assessments and /attachments are not audited.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			evt := logger.Info()
			if req.Method == http.MethodDelete {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", requestID(c)).
				Str("clinician_id", auth.UserIDFromContext(ctx)).
				Strs("roles", auth.RolesFromContext(ctx)).
				Str("action", httpMethodToAction(req.Method, c.Path())).
				Str("assessment_type", c.Param("type")).
				Str("record_id", c.Param("id")).
				Str("patient", c.QueryParam("patient")).
				Int("status", responseStatus(c, err)).
				Str("remote_ip", c.RealIP()).
				Msg("audit")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.Contains(path, "/assessments/") || strings.Contains(path, "/attachments/")
}

func httpMethodToAction(method, route string) string {
	switch method {
	case http.MethodGet:
		return "read"
	case http.MethodDelete:
		return "delete"
	case http.MethodPost:
		if strings.HasSuffix(route, "/evaluate") || strings.HasSuffix(route, "/fields") {
			return "compute"
		}
		return "create"
	default:
		return strings.ToLower(method)
	}
}
