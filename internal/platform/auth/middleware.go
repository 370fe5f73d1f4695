package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserNameKey  contextKey = "user_name"
	UserRolesKey contextKey = "user_roles"
)

// Dev-mode identity headers. They are honoured only by DevAuthMiddleware.
const (
	HeaderClinicianID   = "X-Clinician-ID"
	HeaderClinicianName = "X-Clinician-Name"
)

// Claims is the bearer token payload. Subject is the clinician id and Name
// the display name recorded as the author of submissions.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 tokens for standalone deployments and tests.
	SigningKey []byte
}

// Clinician is the authenticated caller.
type Clinician struct {
	ID    string
	Name  string
	Roles []string
}

// WithClinician stores c on ctx.
func WithClinician(ctx context.Context, c Clinician) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, c.ID)
	ctx = context.WithValue(ctx, UserNameKey, c.Name)
	ctx = context.WithValue(ctx, UserRolesKey, c.Roles)
	return ctx
}

// ClinicianFromContext returns the caller, or false when the request is
// unauthenticated.
func ClinicianFromContext(ctx context.Context) (Clinician, bool) {
	id := UserIDFromContext(ctx)
	if id == "" {
		return Clinician{}, false
	}
	name, _ := ctx.Value(UserNameKey).(string)
	return Clinician{ID: id, Name: name, Roles: RolesFromContext(ctx)}, true
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = jwksKeyFunc(cfg.JWKSURL)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			ctx := WithClinician(c.Request().Context(), Clinician{
				ID:    claims.Subject,
				Name:  claims.Name,
				Roles: claims.Roles,
			})
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// act as def unless they name another clinician through the
// X-Clinician-ID and X-Clinician-Name headers.
func DevAuthMiddleware(def Clinician) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			who := def
			if id := c.Request().Header.Get(HeaderClinicianID); id != "" {
				who.ID = id
				who.Name = c.Request().Header.Get(HeaderClinicianName)
			}
			ctx := WithClinician(c.Request().Context(), who)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
