package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	PracticeIDKey contextKey = "practice_id"
	DBConnKey     contextKey = "db_conn"
)

var practiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the PostgreSQL schema holding a practice's claims.
func SchemaName(practiceID string) (string, error) {
	if !practiceIDPattern.MatchString(practiceID) {
		return "", fmt.Errorf("invalid practice identifier: %q", practiceID)
	}
	return "practice_" + practiceID, nil
}

// PracticeMiddleware resolves the practice for the request, acquires a
// connection with search_path set to its schema and stores both in the
// request context for the repositories.
func PracticeMiddleware(pool *pgxpool.Pool, defaultPractice string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			practiceID := extractPracticeID(c, defaultPractice)
			schema, err := SchemaName(practiceID)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid practice identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "practice resolution failed")
			}

			ctx = context.WithValue(ctx, PracticeIDKey, practiceID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("practice_id", practiceID)

			return next(c)
		}
	}
}

// extractPracticeID prefers the token claim, then the X-Practice-ID header,
// then the practice_id query parameter.
func extractPracticeID(c echo.Context, defaultPractice string) string {
	if pid, ok := c.Get("jwt_practice_id").(string); ok && pid != "" {
		return pid
	}
	if pid := c.Request().Header.Get("X-Practice-ID"); pid != "" {
		return pid
	}
	if pid := c.QueryParam("practice_id"); pid != "" {
		return pid
	}
	return defaultPractice
}

// ConnFromContext retrieves the practice-scoped connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// PracticeFromContext retrieves the practice ID from context.
func PracticeFromContext(ctx context.Context) string {
	pid, _ := ctx.Value(PracticeIDKey).(string)
	return pid
}
