package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsedi/internal/platform/auth"
)

// AuditEntry records who touched which claim or payer through the API.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	PracticeID   string
	Action       string
	ResourceType string
	ResourceID   string
	Method       string
	Path         string
	IPAddress    string
	UserAgent    string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// routeActions names the audited operation for each registered route.
var routeActions = map[string]string{
	"/api/v1/claims/:id/edi/submit":          "edi.submit",
	"/api/v1/claims/:id/edi/837d":            "edi.preview",
	"/api/v1/edi/payers":                     "payer.list",
	"/api/v1/edi/payers/:id/test-connection": "payer.test_connection",
}

// Audit logs one entry per /api/v1 request after the handler has run, so
// the entry carries the response status.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Method:       req.Method,
				Path:         req.URL.Path,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   c.Response().Status,
				UserID:       auth.UserIDFromContext(req.Context()),
				UserRoles:    auth.RolesFromContext(req.Context()),
				Action:       auditAction(c.Path(), req.Method),
				ResourceType: resourceType(c.Path()),
				ResourceID:   c.Param("id"),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.PracticeID, _ = c.Get("practice_id").(string)
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}

			logger.Info().
				Str("type", "edi_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("practice_id", entry.PracticeID).
				Str("action", entry.Action).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// auditAction returns the named action for a route, falling back to the
// HTTP verb for routes without one.
func auditAction(route, method string) string {
	if a, ok := routeActions[route]; ok {
		return a
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceType is "claim" or "payer" for EDI routes, otherwise the first
// path segment after /api/v1/.
func resourceType(route string) string {
	rest := strings.TrimPrefix(route, "/api/v1/")
	switch {
	case strings.HasPrefix(rest, "claims"):
		return "claim"
	case strings.HasPrefix(rest, "edi/payers"):
		return "payer"
	}
	if seg, _, _ := strings.Cut(rest, "/"); seg != "" {
		return seg
	}
	return "unknown"
}
