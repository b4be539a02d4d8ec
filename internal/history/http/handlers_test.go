package historyhttp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/permissions"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/repository/memory"
)

const (
	auditor int64 = 5
	subject int64 = 8
	perm    int64 = 30
)

type stubAccess struct {
	allowed map[string]bool
}

func (s stubAccess) CheckAccess(_ context.Context, _ permissions.Principal, resource, action, _ string) (permissions.PermissionResult, error) {
	return permissions.PermissionResult{Allowed: resource == Resource && s.allowed[action]}, nil
}

type testServer struct {
	router chi.Router
	store  *memory.Store
	ledger *history.Ledger
}

func newTestServer(t *testing.T, actions ...string) *testServer {
	t.Helper()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	store.AddUsers(auditor, subject)
	store.PutPermission(domain.Permission{ID: perm, Code: "payroll.view", Resource: "payroll", Action: "view", Scope: domain.ScopeAny, IsActive: true})
	ledger := history.NewLedger(store, nil, nil, nil)

	allowed := make(map[string]bool, len(actions))
	for _, a := range actions {
		allowed[a] = true
	}
	h := NewHandler(nil, ledger, stubAccess{allowed: allowed})
	h.now = func() time.Time { return now }
	r := chi.NewRouter()
	h.MountRoutes(r)
	return &testServer{router: r, store: store, ledger: ledger}
}

// grant inserts a direct grant and its ASSIGN entry.
func (s *testServer) grant(t *testing.T) domain.ChangeEntry {
	t.Helper()
	var entry domain.ChangeEntry
	require.NoError(t, s.store.WithTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		g, err := tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: subject, PermissionID: perm, IsGranted: true})
		if err != nil {
			return err
		}
		entry, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityUserPermission,
			EntityID:    domain.PairID(subject, perm),
			Operation:   domain.OpAssign,
			New:         g,
			PerformedBy: auditor,
		})
		return err
	}))
	return entry
}

func (s *testServer) do(method, target string, p permissions.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if p != nil {
		req = req.WithContext(permissions.ContextWithPrincipal(req.Context(), p))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHistoryRequiresPrincipalAndPermission(t *testing.T) {
	srv := newTestServer(t, ActionRead)

	assert.Equal(t, http.StatusUnauthorized, srv.do(http.MethodGet, "/history", nil).Code)
	assert.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/history", permissions.User{ID: auditor}).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(http.MethodGet, "/history/export", permissions.User{ID: auditor}).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(http.MethodPost, "/history/1/rollback", permissions.User{ID: auditor}).Code)
}

func TestHistoryListAndEntity(t *testing.T) {
	srv := newTestServer(t, ActionRead)
	entry := srv.grant(t)
	who := permissions.User{ID: auditor}

	rec := srv.do(http.MethodGet, "/history?entityType=user_permission&performedBy=5&limit=10", who)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, entry.ID, list.Entries[0].ID)
	assert.Equal(t, 10, list.Limit)

	rec = srv.do(http.MethodGet, "/history/user_permission/8:30", who)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Entries, 1)

	rec = srv.do(http.MethodGet, "/history/1", who)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.ChangeEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.OpAssign, got.Operation)

	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodGet, "/history/77", who).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/history?limit=0", who).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/history?from=yesterday", who).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/history/groups/1", who).Code)
}

func TestHistoryCompare(t *testing.T) {
	srv := newTestServer(t, ActionRead, ActionRollback)
	first := srv.grant(t)
	who := permissions.User{ID: auditor}

	rec := srv.do(http.MethodPost, "/history/1/rollback", who)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(http.MethodGet, "/history/compare?a=1&b=2", who)
	require.Equal(t, http.StatusOK, rec.Code)
	var diff history.Diff
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	assert.Equal(t, first.ID, diff.First.ID)
	assert.NotEmpty(t, diff.Changes)

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/history/compare?a=1", who).Code)
}

func TestHistoryRollback(t *testing.T) {
	srv := newTestServer(t, ActionRollback)
	srv.grant(t)
	who := permissions.User{ID: auditor}

	rec := srv.do(http.MethodPost, "/history/1/rollback", who)
	require.Equal(t, http.StatusCreated, rec.Code)
	var entry domain.ChangeEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, domain.OpRollback, entry.Operation)
	assert.Equal(t, auditor, entry.PerformedBy)
	assert.EqualValues(t, 1, entry.Metadata["rollbackOf"])

	_, err := srv.store.GetUserGrant(context.Background(), subject, perm)
	require.Error(t, err)

	assert.Equal(t, http.StatusUnprocessableEntity, srv.do(http.MethodPost, "/history/2/rollback", who).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(http.MethodPost, "/history/9/rollback", who).Code)
}

func TestHistoryExport(t *testing.T) {
	srv := newTestServer(t, ActionExport)
	srv.grant(t)
	who := permissions.User{ID: auditor}

	rec := srv.do(http.MethodGet, "/history/export?entityType=user_permission&from=2026-05-01&to=2026-05-04", who)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "permission-history-20260504.csv")
	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	rec = srv.do(http.MethodGet, "/history/export?format=json", who)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var entries []domain.ChangeEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)

	assert.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/history/export?format=xml", who).Code)
}

func TestParseTimeBareUpperBoundCoversDay(t *testing.T) {
	got, err := parseTime("2026-05-04", "to", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 23, 59, 59, 999999999, time.UTC), got)

	got, err = parseTime("2026-05-04T08:00:00+02:00", "from", false)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)))
}
