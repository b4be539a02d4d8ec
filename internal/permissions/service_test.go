package permissions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestRoleGrantReachesEffectiveSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.giveRole(t, userAlice, roleViewer, permDocsRead)

	set, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	entry, ok := set.Lookup(permDocsRead)
	require.True(t, ok)
	assert.Equal(t, domain.SourceRole, entry.Source)
}

func TestDirectDenyRemovesRoleGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.giveRole(t, userAlice, roleViewer, permDocsRead)

	before, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	require.True(t, before.Has(permDocsRead))

	deny, err := f.svc.DenyPermission(ctx, GrantInput{UserID: userAlice, PermissionID: permDocsRead, Reason: "offboarding"}, adminID)
	require.NoError(t, err)
	assert.False(t, deny.IsGranted)
	assert.Equal(t, adminID, deny.GrantedBy)

	after, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	assert.False(t, after.Has(permDocsRead))
	assert.Equal(t, 1, after.Counts.DeniedCount)

	entries, err := f.ledger.EntityHistory(ctx, domain.EntityUserPermission, domain.PairID(userAlice, permDocsRead), domain.ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OpAssign, entries[0].Operation)
	assert.JSONEq(t, "null", string(entries[0].PreviousState))
	assert.Equal(t, "offboarding", entries[0].Metadata["reason"])
	assert.Equal(t, adminID, entries[0].PerformedBy)
}

func TestExpiredTemporaryGrantIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	yesterday := baseTime.Add(-24 * time.Hour)

	_, err := f.svc.GrantPermission(ctx, GrantInput{
		UserID: userAlice, PermissionID: permReportsExp, IsTemporary: true, ValidUntil: &yesterday,
	}, adminID)
	require.NoError(t, err)
	_, err = f.svc.GrantPermission(ctx, GrantInput{
		UserID: userAlice, PermissionID: permDocsWrite, IsTemporary: true, ValidUntil: timePtr(baseTime.Add(time.Hour)),
	}, adminID)
	require.NoError(t, err)

	set, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	assert.False(t, set.Has(permReportsExp))
	assert.True(t, set.Has(permDocsWrite))

	temporary, err := f.svc.GetTemporaryPermissions(ctx, userAlice)
	require.NoError(t, err)
	require.Len(t, temporary, 1)
	assert.Equal(t, permDocsWrite, temporary[0].PermissionID)
}

func TestRevokeMissingGrantIsNotFound(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RevokePermission(context.Background(), userAlice, permDocsRead, adminID, "cleanup")
	require.ErrorIs(t, err, shared.ErrNotFound)

	entries, err := f.ledger.Query(context.Background(), domain.ChangeFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		in   GrantInput
		kind error
	}{
		{name: "missing user", in: GrantInput{PermissionID: permDocsRead}, kind: shared.ErrInvalidInput},
		{name: "inverted window", in: GrantInput{UserID: userAlice, PermissionID: permDocsRead, ValidFrom: timePtr(baseTime), ValidUntil: timePtr(baseTime.Add(-time.Minute))}, kind: shared.ErrInvalidInput},
		{name: "temporary without end", in: GrantInput{UserID: userAlice, PermissionID: permDocsRead, IsTemporary: true}, kind: shared.ErrInvalidInput},
		{name: "malformed conditions", in: GrantInput{UserID: userAlice, PermissionID: permDocsRead, Conditions: domain.Conditions(`{"a":`)}, kind: shared.ErrInvalidInput},
		{name: "inactive permission", in: GrantInput{UserID: userAlice, PermissionID: permRetired}, kind: shared.ErrInvalidInput},
		{name: "unknown permission", in: GrantInput{UserID: userAlice, PermissionID: 404}, kind: shared.ErrNotFound},
		{name: "unknown user", in: GrantInput{UserID: 404, PermissionID: permDocsRead}, kind: shared.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.GrantPermission(ctx, tt.in, adminID)
			require.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestGrantTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := GrantInput{UserID: userAlice, PermissionID: permDocsRead}

	_, err := f.svc.GrantPermission(ctx, in, adminID)
	require.NoError(t, err)
	_, err = f.svc.DenyPermission(ctx, in, adminID)
	require.ErrorIs(t, err, shared.ErrConflict)

	entries, err := f.ledger.Query(ctx, domain.ChangeFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGrantMutationsRecordHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pair := domain.PairID(userAlice, permDocsWrite)

	_, err := f.svc.GrantPermission(ctx, GrantInput{UserID: userAlice, PermissionID: permDocsWrite}, adminID)
	require.NoError(t, err)
	deny := false
	updated, err := f.svc.UpdateGrant(ctx, userAlice, permDocsWrite, UpdateGrantInput{IsGranted: &deny, ValidUntil: timePtr(baseTime.Add(time.Hour))}, adminID)
	require.NoError(t, err)
	assert.False(t, updated.IsGranted)
	require.NotNil(t, updated.ValidUntil)

	updated, err = f.svc.UpdatePriority(ctx, userAlice, permDocsWrite, 7, adminID)
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Priority)
	assert.False(t, updated.IsGranted)

	require.NoError(t, f.svc.RevokePermission(ctx, userAlice, permDocsWrite, adminID, ""))

	entries, err := f.ledger.EntityHistory(ctx, domain.EntityUserPermission, pair, domain.ChangeFilter{})
	require.NoError(t, err)
	ops := make([]domain.Operation, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []domain.Operation{domain.OpAssign, domain.OpUpdate, domain.OpUpdatePriority, domain.OpRevoke}, ops)
	assert.JSONEq(t, "null", string(entries[3].NewState))
	assert.NotEqual(t, "null", string(entries[3].PreviousState))
}

func TestUpdateMissingGrantIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdatePriority(context.Background(), userAlice, permDocsRead, 1, adminID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestMutationsInvalidateCachedSets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	empty, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	require.Empty(t, empty.Permissions)

	_, err = f.svc.GrantPermission(ctx, GrantInput{UserID: userAlice, PermissionID: permDocsRead}, adminID)
	require.NoError(t, err)
	set, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	assert.True(t, set.Has(permDocsRead))

	_, err = f.svc.AssignRole(ctx, RoleAssignmentInput{UserID: userBob, RoleID: roleViewer}, adminID)
	require.NoError(t, err)
	bob, err := f.calc.Effective(ctx, userBob)
	require.NoError(t, err)
	require.Empty(t, bob.Permissions)

	_, err = f.svc.GrantRolePermission(ctx, roleViewer, RolePermissionInput{PermissionID: permDocsWrite}, adminID)
	require.NoError(t, err)
	bob, err = f.calc.Effective(ctx, userBob)
	require.NoError(t, err)
	assert.True(t, bob.Has(permDocsWrite))

	require.NoError(t, f.svc.RevokeRolePermission(ctx, roleViewer, permDocsWrite, adminID))
	bob, err = f.calc.Effective(ctx, userBob)
	require.NoError(t, err)
	assert.False(t, bob.Has(permDocsWrite))
}

func TestListGrantsCachesPerGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	filter := domain.GrantFilter{UserID: userAlice}

	grants, err := f.svc.ListGrants(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, grants)

	// Rows written around the service are not seen until the generation moves.
	f.seed(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.InsertUserGrant(ctx, domain.UserPermissionGrant{UserID: userAlice, PermissionID: permDocsWrite, IsGranted: true})
		return err
	})
	grants, err = f.svc.ListGrants(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, grants)

	_, err = f.svc.GrantPermission(ctx, GrantInput{UserID: userAlice, PermissionID: permDocsRead}, adminID)
	require.NoError(t, err)
	grants, err = f.svc.ListGrants(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, grants, 2)

	_, err = f.svc.ListGrants(ctx, domain.GrantFilter{Limit: -1})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRoleAssignmentLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.giveRole(t, userCarol, roleEditor)
	f.seed(t, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.InsertRolePermission(ctx, domain.RolePermission{RoleID: roleViewer, PermissionID: permDocsRead, IsGranted: true})
		return err
	})

	assignment, err := f.svc.AssignRole(ctx, RoleAssignmentInput{UserID: userAlice, RoleID: roleViewer}, adminID)
	require.NoError(t, err)
	assert.True(t, assignment.IsActive)
	assert.Equal(t, adminID, assignment.AssignedBy)

	_, err = f.svc.AssignRole(ctx, RoleAssignmentInput{UserID: userAlice, RoleID: roleViewer}, adminID)
	require.ErrorIs(t, err, shared.ErrConflict)

	inactive := false
	_, err = f.svc.UpdateRoleAssignment(ctx, userAlice, roleViewer, UpdateAssignmentInput{IsActive: &inactive}, adminID)
	require.NoError(t, err)
	set, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	assert.False(t, set.Has(permDocsRead))

	require.NoError(t, f.svc.RevokeRole(ctx, userAlice, roleViewer, adminID, "rotation"))
	require.ErrorIs(t, f.svc.RevokeRole(ctx, userAlice, roleViewer, adminID, ""), shared.ErrNotFound)

	entries, err := f.ledger.EntityHistory(ctx, domain.EntityUserRole, domain.PairID(userAlice, roleViewer), domain.ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.OpRevoke, entries[2].Operation)
	assert.Equal(t, "rotation", entries[2].Metadata["reason"])
}

func TestAssignRoleRejectsInactiveRole(t *testing.T) {
	f := newFixture(t)
	f.store.PutRole(domain.Role{ID: 3, Name: "retired", IsActive: false})

	_, err := f.svc.AssignRole(context.Background(), RoleAssignmentInput{UserID: userAlice, RoleID: 3}, adminID)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestAssignPermissionsToRoleIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.giveRole(t, userAlice, roleViewer, permDocsRead)

	_, err := f.svc.AssignPermissionsToRole(ctx, roleViewer, []RolePermissionInput{{PermissionID: permDocsWrite}, {PermissionID: permDocsRead}}, adminID)
	require.ErrorIs(t, err, shared.ErrConflict)
	rows, err := f.store.ListRolePermissions(ctx, roleViewer)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "the failed call attached nothing")

	_, err = f.svc.AssignPermissionsToRole(ctx, roleViewer, []RolePermissionInput{{PermissionID: permDocsWrite}, {PermissionID: permDocsWrite}}, adminID)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	set, err := f.svc.AssignPermissionsToRole(ctx, roleViewer, []RolePermissionInput{{PermissionID: permDocsWrite}, {PermissionID: permReportsExp, ValidUntil: timePtr(baseTime.Add(time.Hour))}}, adminID)
	require.NoError(t, err)
	assert.Len(t, set.Permissions, 3)

	effective, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	assert.True(t, effective.Has(permReportsExp))

	entries, err := f.ledger.EntityHistory(ctx, domain.EntityRolePermissionSet, "2", domain.ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OpBulkAssign, entries[0].Operation)

	var before, after domain.RolePermissionSet
	require.NoError(t, json.Unmarshal(entries[0].PreviousState, &before))
	require.NoError(t, json.Unmarshal(entries[0].NewState, &after))
	assert.Len(t, before.Permissions, 1)
	assert.Len(t, after.Permissions, 3)
}

func TestRemovePermissionsFromRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.giveRole(t, userAlice, roleEditor, permDocsRead, permDocsWrite)

	_, err := f.svc.RemovePermissionsFromRole(ctx, roleEditor, []int64{permDocsWrite, permReportsExp}, adminID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	set, err := f.svc.RemovePermissionsFromRole(ctx, roleEditor, []int64{permDocsWrite}, adminID)
	require.NoError(t, err)
	require.Len(t, set.Permissions, 1)
	assert.Equal(t, permDocsRead, set.Permissions[0].PermissionID)

	effective, err := f.calc.Effective(ctx, userAlice)
	require.NoError(t, err)
	assert.Equal(t, []string{"documents.read"}, effective.Codes())

	_, err = f.svc.RemovePermissionsFromRole(ctx, 404, []int64{permDocsRead}, adminID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
