package permissions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
)

func TestCheckAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.giveRole(t, userAlice, roleEditor, permDocsRead, permDocsWrite, permReportsExp)
	f.giveRole(t, userBob, roleEditor)
	f.seed(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: userBob, PermissionID: permDocsWrite, IsGranted: false})
		return err
	})

	tests := []struct {
		name     string
		p        Principal
		resource string
		action   string
		scope    string
		allowed  bool
		reason   string
	}{
		{name: "super user", p: User{ID: userCarol, Super: true}, resource: "anything", action: "delete", allowed: true, reason: ReasonSuperUser},
		{name: "no principal", p: nil, resource: "documents", action: "read", reason: ReasonNoPrincipal},
		{name: "wildcard scope", p: User{ID: userAlice}, resource: "documents", action: "read", scope: "team", allowed: true, reason: ReasonGranted},
		{name: "case insensitive", p: User{ID: userAlice}, resource: "Documents", action: "WRITE", scope: "own", allowed: true, reason: ReasonGranted},
		{name: "scope mismatch", p: User{ID: userAlice}, resource: "reports", action: "export", scope: "hr", reason: ReasonNoMatch},
		{name: "empty scope matches any", p: User{ID: userAlice}, resource: "reports", action: "export", allowed: true, reason: ReasonGranted},
		{name: "explicit deny beats role", p: User{ID: userBob}, resource: "documents", action: "write", scope: "own", reason: ReasonExplicitDeny},
		{name: "default deny", p: User{ID: userCarol}, resource: "documents", action: "read", reason: ReasonNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.calc.CheckAccess(ctx, tt.p, tt.resource, tt.action, tt.scope)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestCheckAccessReportsSource(t *testing.T) {
	f := newFixture(t)
	f.giveRole(t, userAlice, roleViewer, permDocsRead)

	result, err := f.calc.CheckAccess(context.Background(), User{ID: userAlice}, "documents", "read", "")
	require.NoError(t, err)
	assert.Equal(t, permDocsRead, result.PermissionID)
	assert.Equal(t, "documents.read", result.Code)
	assert.Equal(t, domain.SourceRole, result.Source)
	assert.Equal(t, "viewer", result.RoleName)
	assert.False(t, result.Denied)
}

func TestHasPermission(t *testing.T) {
	f := newFixture(t)
	f.giveRole(t, userAlice, roleViewer, permDocsRead)

	ok, err := f.calc.HasPermission(context.Background(), userAlice, " Documents.Read ")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.calc.HasPermission(context.Background(), userAlice, "documents.write")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := ContextWithPrincipal(context.Background(), User{ID: userAlice})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, userAlice, p.GetID())
	assert.False(t, p.IsSuperUser())
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	f.giveRole(t, userAlice, roleEditor, permDocsRead, permDocsWrite)
	f.giveRole(t, userBob, roleViewer, permDocsRead)
	mw := Middleware{Checker: f.calc}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		guard  func(http.Handler) http.Handler
		p      Principal
		status int
	}{
		{name: "access without principal", guard: mw.RequireAccess("documents", "write", "own"), status: http.StatusUnauthorized},
		{name: "access granted", guard: mw.RequireAccess("documents", "write", "own"), p: User{ID: userAlice}, status: http.StatusNoContent},
		{name: "access denied", guard: mw.RequireAccess("documents", "write", "own"), p: User{ID: userBob}, status: http.StatusForbidden},
		{name: "any matches one", guard: mw.RequireAny("documents.write", "DOCUMENTS.READ"), p: User{ID: userBob}, status: http.StatusNoContent},
		{name: "all needs every code", guard: mw.RequireAll("documents.write", "documents.read"), p: User{ID: userBob}, status: http.StatusForbidden},
		{name: "all satisfied", guard: mw.RequireAll("documents.write", "documents.read"), p: User{ID: userAlice}, status: http.StatusNoContent},
		{name: "super user bypasses codes", guard: mw.RequireAll("reports.export"), p: User{ID: userCarol, Super: true}, status: http.StatusNoContent},
		{name: "empty code list passes", guard: mw.RequireAny(" "), status: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/documents", nil)
			if tt.p != nil {
				req = req.WithContext(ContextWithPrincipal(req.Context(), tt.p))
			}
			rec := httptest.NewRecorder()
			tt.guard(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
