package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestPrincipal_HasAnyRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  []string
		ok    bool
	}{
		{"billing", []string{RoleBilling}, []string{RoleBilling}, true},
		{"one of several", []string{"front_desk", RoleBilling}, []string{"auditor", RoleBilling}, true},
		{"admin holds every role", []string{RoleAdmin}, []string{RoleBilling}, true},
		{"wrong role", []string{"front_desk"}, []string{RoleBilling}, false},
		{"no roles", nil, []string{RoleBilling}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Principal{Roles: tt.roles}).HasAnyRole(tt.want...); got != tt.ok {
				t.Errorf("HasAnyRole(%v) with %v = %v, want %v", tt.want, tt.roles, got, tt.ok)
			}
		})
	}
}

func TestPrincipalFromContext(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("expected no principal on a bare context")
	}
	if UserIDFromContext(context.Background()) != "" || RolesFromContext(context.Background()) != nil {
		t.Error("expected empty accessors on a bare context")
	}

	ctx := WithPrincipal(context.Background(), Principal{UserID: "biller-1", Roles: []string{RoleBilling}})
	if got := UserIDFromContext(ctx); got != "biller-1" {
		t.Errorf("expected biller-1, got %q", got)
	}
	if got := RolesFromContext(ctx); len(got) != 1 || got[0] != RoleBilling {
		t.Errorf("expected [billing], got %v", got)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		roles  []string
		status int
	}{
		{"billing allowed", []string{RoleBilling}, http.StatusOK},
		{"admin allowed", []string{RoleAdmin}, http.StatusOK},
		{"front desk denied", []string{"front_desk"}, http.StatusForbidden},
		{"anonymous denied", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.roles != nil {
				req = req.WithContext(WithPrincipal(req.Context(), Principal{UserID: "u", Roles: tt.roles}))
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleBilling)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)

			if tt.status == http.StatusOK {
				if err != nil || rec.Code != http.StatusOK {
					t.Fatalf("expected 200, got %d (%v)", rec.Code, err)
				}
				return
			}
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != tt.status {
				t.Fatalf("expected %d, got %v", tt.status, err)
			}
			if he.Message != "required role: billing" {
				t.Errorf("unexpected message %v", he.Message)
			}
		})
	}
}
