package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestStoreWithTxCommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	store := New()
	store.AddUsers(1)
	perm := store.PutPermission(domain.Permission{Code: "reports.view", Resource: "reports", Action: "view", Scope: "*", IsActive: true})

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: 1, PermissionID: perm.ID, IsGranted: true}); err != nil {
			return err
		}
		_, err := tx.GetUserGrant(ctx, 1, perm.ID)
		require.NoError(t, err, "tx observes its own writes")
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = store.GetUserGrant(ctx, 1, perm.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	err = store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: 1, PermissionID: perm.ID, IsGranted: true})
		return err
	})
	require.NoError(t, err)
	grant, err := store.GetUserGrant(ctx, 1, perm.ID)
	require.NoError(t, err)
	assert.NotZero(t, grant.ID)
}

func TestStoreInsertRejectsDuplicatesAndMissingTargets(t *testing.T) {
	ctx := context.Background()
	store := New()
	store.AddUsers(1)
	perm := store.PutPermission(domain.Permission{Code: "a.b", Resource: "a", Action: "b", IsActive: true})

	insert := func(g domain.UserPermissionGrant) error {
		return store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			_, err := tx.InsertUserGrant(ctx, g)
			return err
		})
	}
	require.NoError(t, insert(domain.UserPermissionGrant{UserID: 1, PermissionID: perm.ID, IsGranted: true}))
	assert.ErrorIs(t, insert(domain.UserPermissionGrant{UserID: 1, PermissionID: perm.ID}), shared.ErrConflict)
	assert.ErrorIs(t, insert(domain.UserPermissionGrant{UserID: 2, PermissionID: perm.ID}), shared.ErrNotFound)
	assert.ErrorIs(t, insert(domain.UserPermissionGrant{UserID: 1, PermissionID: 99}), shared.ErrNotFound)
}

func TestStoreUpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New(WithClock(func() time.Time { return clock }))
	store.AddUsers(1)
	perm := store.PutPermission(domain.Permission{Code: "a.b", Resource: "a", Action: "b", IsActive: true})

	var created, updated domain.UserPermissionGrant
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		created, err = tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: 1, PermissionID: perm.ID, IsGranted: true})
		return err
	}))
	clock = clock.Add(time.Minute)
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		updated, err = tx.UpdateUserGrant(ctx, domain.UserPermissionGrant{UserID: 1, PermissionID: perm.ID, Priority: 3})
		return err
	}))
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, clock, updated.UpdatedAt)
	assert.Equal(t, 3, updated.Priority)
}

func TestStoreListUsersWithBoundaries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := New(WithClock(func() time.Time { return now }))
	store.AddUsers(1, 2, 3)
	perm := store.PutPermission(domain.Permission{Code: "a.b", Resource: "a", Action: "b", IsActive: true})
	role := store.PutRole(domain.Role{Name: "viewer", IsActive: true})

	soon := now.Add(30 * time.Second)
	later := now.Add(time.Hour)
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: 1, PermissionID: perm.ID, IsGranted: true, ValidUntil: &soon}); err != nil {
			return err
		}
		if _, err := tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: 2, PermissionID: perm.ID, IsGranted: true, ValidUntil: &later}); err != nil {
			return err
		}
		if _, err := tx.InsertRolePermission(ctx, domain.RolePermission{RoleID: role.ID, PermissionID: perm.ID, IsGranted: true, ValidFrom: &soon}); err != nil {
			return err
		}
		_, err := tx.InsertUserRoleAssignment(ctx, domain.UserRoleAssignment{UserID: 3, RoleID: role.ID, IsActive: true})
		return err
	}))

	users, err := store.ListUsersWithBoundaries(ctx, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, users)
}

func TestStoreListChangesFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		for i, op := range []domain.Operation{domain.OpAssign, domain.OpUpdate, domain.OpRevoke} {
			if _, err := tx.AppendChange(ctx, domain.ChangeEntry{
				EntityType:  domain.EntityUserPermission,
				EntityID:    domain.PairID(1, 1),
				Operation:   op,
				PerformedBy: int64(i + 1),
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := store.ListChanges(ctx, domain.ChangeFilter{EntityID: "1:1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].ID, all[1].ID, all[2].ID})

	paged, err := store.ListChanges(ctx, domain.ChangeFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, domain.OpUpdate, paged[0].Operation)

	revokes, err := store.ListChanges(ctx, domain.ChangeFilter{Operation: domain.OpRevoke})
	require.NoError(t, err)
	require.Len(t, revokes, 1)
	assert.EqualValues(t, 3, revokes[0].PerformedBy)
}
