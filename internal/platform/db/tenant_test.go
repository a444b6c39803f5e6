package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		jwt    *string
		want   string
	}{
		{name: "default", url: "/", want: "default"},
		{name: "query", url: "/?tenant_id=clinic_xyz", want: "clinic_xyz"},
		{name: "header", url: "/", header: "practice_abc", want: "practice_abc"},
		{name: "header over query", url: "/?tenant_id=query_tenant", header: "header_tenant", want: "header_tenant"},
		{name: "jwt over header", url: "/?tenant_id=q", header: "h", jwt: strPtr("jwt_tenant"), want: "jwt_tenant"},
		{name: "empty jwt falls through", url: "/", header: "header_tenant", jwt: strPtr(""), want: "header_tenant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.jwt != nil {
				c.Set("jwt_tenant_id", *tt.jwt)
			}

			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("extractTenantID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"practice_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := ValidTenantID(tt.input); got != tt.valid {
			t.Errorf("ValidTenantID(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("default"); got != "tenant_default" {
		t.Errorf("expected tenant_default, got %s", got)
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx from empty context")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant from empty context")
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, TenantIDKey, 12345)

	if ConnFromContext(ctx) != nil {
		t.Error("expected nil when conn value is wrong type")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil when tx value is wrong type")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty string when tenant value is wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if !errors.Is(err, ErrNoConn) {
		t.Fatalf("expected ErrNoConn, got %v", err)
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"tenant-with-dash", "tenant.with.dot", "ten ant", "drop;table", "invalid-id!"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

// joinedTx satisfies pgx.Tx; InTx must never call into it when joining.
type joinedTx struct{ pgx.Tx }

func TestTxManager_JoinsExistingTx(t *testing.T) {
	m := NewTxManager(nil, "default")
	ctx := context.WithValue(context.Background(), DBTxKey, pgx.Tx(joinedTx{}))

	called := false
	err := m.InTx(ctx, func(ctx context.Context) error {
		called = true
		if TxFromContext(ctx) == nil {
			t.Error("expected transaction to remain in context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fn to run")
	}
}

func TestTxManager_JoinedErrorPropagates(t *testing.T) {
	m := NewTxManager(nil, "default")
	ctx := context.WithValue(context.Background(), DBTxKey, pgx.Tx(joinedTx{}))
	boom := errors.New("boom")

	if err := m.InTx(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestTxManager_NoPool(t *testing.T) {
	m := NewTxManager(nil, "default")
	err := m.InTx(context.Background(), func(context.Context) error {
		t.Error("fn must not run without a connection")
		return nil
	})
	if !errors.Is(err, ErrNoConn) {
		t.Errorf("expected ErrNoConn, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
