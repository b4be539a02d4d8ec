package permissions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/cache"
	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/repository/memory"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	permDocsRead   int64 = 1
	permDocsWrite  int64 = 2
	permReportsExp int64 = 3
	permRetired    int64 = 4
	roleEditor     int64 = 1
	roleViewer     int64 = 2
	userAlice      int64 = 10
	userBob        int64 = 11
	userCarol      int64 = 12
	adminID        int64 = 99
)

type fixture struct {
	clock  *testClock
	store  *memory.Store
	cache  *cache.Memory
	calc   *Calculator
	ledger *history.Ledger
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: baseTime}
	store := memory.New(memory.WithClock(clock.Now))
	store.AddUsers(userAlice, userBob, userCarol, adminID)
	store.PutPermission(domain.Permission{ID: permDocsRead, Code: "documents.read", Resource: "documents", Action: "read", Scope: domain.ScopeAny, IsActive: true})
	store.PutPermission(domain.Permission{ID: permDocsWrite, Code: "documents.write", Resource: "documents", Action: "write", Scope: "own", IsActive: true})
	store.PutPermission(domain.Permission{ID: permReportsExp, Code: "reports.export", Resource: "reports", Action: "export", Scope: "finance", IsActive: true})
	store.PutPermission(domain.Permission{ID: permRetired, Code: "legacy.sync", Resource: "legacy", Action: "sync", Scope: domain.ScopeAny, IsActive: false})
	store.PutRole(domain.Role{ID: roleEditor, Name: "editor", Level: 50, IsActive: true})
	store.PutRole(domain.Role{ID: roleViewer, Name: "viewer", Level: 10, IsActive: true})

	mem := cache.NewMemory(128, time.Hour)
	lists := cache.NewGenerations(mem, "test:")
	calc := NewCalculator(store, mem, CalculatorConfig{Prefix: "test:", TTL: time.Minute, Now: clock.Now}, nil, nil)
	inv := NewInvalidation(calc, lists, nil)
	ledger := history.NewLedger(store, inv, nil, nil)
	svc := NewService(ServiceDeps{
		Store:        store,
		Calculator:   calc,
		Ledger:       ledger,
		Invalidation: inv,
		Cache:        mem,
		Lists:        lists,
	}, ServiceConfig{ListTTL: time.Minute, Now: clock.Now})

	return &fixture{clock: clock, store: store, cache: mem, calc: calc, ledger: ledger, svc: svc}
}

// seed writes rows directly, bypassing the service and its ledger.
func (f *fixture) seed(t *testing.T, fn func(ctx context.Context, tx repository.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), fn))
}

func (f *fixture) giveRole(t *testing.T, userID, roleID int64, permissionIDs ...int64) {
	t.Helper()
	f.seed(t, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetUserRoleAssignment(ctx, userID, roleID); err != nil {
			if _, err := tx.InsertUserRoleAssignment(ctx, domain.UserRoleAssignment{UserID: userID, RoleID: roleID, IsActive: true, AssignedBy: adminID}); err != nil {
				return err
			}
		}
		for _, id := range permissionIDs {
			if _, err := tx.GetRolePermission(ctx, roleID, id); err == nil {
				continue
			}
			if _, err := tx.InsertRolePermission(ctx, domain.RolePermission{RoleID: roleID, PermissionID: id, IsGranted: true}); err != nil {
				return err
			}
		}
		return nil
	})
}

func timePtr(t time.Time) *time.Time { return &t }
