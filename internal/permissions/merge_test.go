package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
)

var (
	docsRead  = domain.Permission{ID: permDocsRead, Code: "documents.read", Resource: "documents", Action: "read", Scope: domain.ScopeAny, IsActive: true}
	docsWrite = domain.Permission{ID: permDocsWrite, Code: "documents.write", Resource: "documents", Action: "write", Scope: "own", IsActive: true}
)

func TestMergeDenyOverridesRoleGrant(t *testing.T) {
	direct := []domain.DirectGrant{{GrantID: 1, Permission: docsRead, IsGranted: false, Priority: 0}}
	roles := []domain.RoleGrant{
		{RoleID: roleEditor, RoleName: "editor", RoleLevel: 50, Permission: docsRead},
		{RoleID: roleEditor, RoleName: "editor", RoleLevel: 50, Permission: docsWrite},
	}

	set := Merge(userAlice, direct, roles, baseTime)

	assert.False(t, set.Has(permDocsRead))
	assert.True(t, set.Has(permDocsWrite))
	require.Len(t, set.Denied, 1)
	assert.Equal(t, permDocsRead, set.Denied[0].PermissionID)
	assert.Equal(t, domain.SourceUser, set.Denied[0].Source)
	assert.Equal(t, domain.EffectiveCounts{
		TotalPermissions: 1,
		DeniedCount:      1,
		Sources:          domain.SourceCounts{DirectUser: 0, FromRoles: 1},
	}, set.Counts)
}

func TestMergeEmptyInputsDenyByDefault(t *testing.T) {
	set := Merge(userAlice, nil, nil, baseTime)

	assert.NotNil(t, set.Permissions)
	assert.NotNil(t, set.Denied)
	assert.Empty(t, set.Permissions)
	assert.Zero(t, set.Counts.TotalPermissions)
	assert.Equal(t, baseTime, set.ComputedAt)
}

func TestMergeDirectGrantCarriesPriorityAndConditions(t *testing.T) {
	until := baseTime.Add(time.Hour)
	direct := []domain.DirectGrant{{
		GrantID:     7,
		Permission:  docsWrite,
		IsGranted:   true,
		Priority:    3,
		IsTemporary: true,
		ValidUntil:  &until,
		Conditions:  domain.Conditions(`{"department":"legal"}`),
	}}
	roles := []domain.RoleGrant{{RoleID: roleViewer, RoleName: "viewer", Permission: docsWrite}}

	set := Merge(userAlice, direct, roles, baseTime)

	entry, ok := set.Lookup(permDocsWrite)
	require.True(t, ok)
	assert.Equal(t, domain.SourceUser, entry.Source)
	require.NotNil(t, entry.Priority)
	assert.Equal(t, 3, *entry.Priority)
	assert.Nil(t, entry.RoleID)
	assert.True(t, entry.IsTemporary)
	assert.JSONEq(t, `{"department":"legal"}`, string(entry.Conditions))
	assert.Equal(t, 1, set.Counts.Sources.DirectUser)
	assert.Zero(t, set.Counts.Sources.FromRoles)
}

func TestMergeUserLevelTieBreak(t *testing.T) {
	earlier := baseTime.Add(-time.Hour)
	tests := []struct {
		name    string
		direct  []domain.DirectGrant
		granted bool
	}{
		{
			name: "higher priority wins",
			direct: []domain.DirectGrant{
				{GrantID: 1, Permission: docsRead, IsGranted: true, Priority: 1, UpdatedAt: baseTime},
				{GrantID: 2, Permission: docsRead, IsGranted: false, Priority: 5, UpdatedAt: earlier},
			},
			granted: false,
		},
		{
			name: "most recently updated wins on equal priority",
			direct: []domain.DirectGrant{
				{GrantID: 1, Permission: docsRead, IsGranted: false, Priority: 2, UpdatedAt: earlier},
				{GrantID: 2, Permission: docsRead, IsGranted: true, Priority: 2, UpdatedAt: baseTime},
			},
			granted: true,
		},
		{
			name: "highest grant id breaks the final tie",
			direct: []domain.DirectGrant{
				{GrantID: 9, Permission: docsRead, IsGranted: false, UpdatedAt: baseTime},
				{GrantID: 4, Permission: docsRead, IsGranted: true, UpdatedAt: baseTime},
			},
			granted: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := Merge(userAlice, tt.direct, nil, baseTime)
			assert.Equal(t, tt.granted, set.Has(permDocsRead))
			assert.Equal(t, 1, set.Counts.TotalPermissions+set.Counts.DeniedCount)
		})
	}
}

func TestMergeDuplicateRolePermissionKeepsFirstRole(t *testing.T) {
	soon := baseTime.Add(time.Hour)
	roles := []domain.RoleGrant{
		{RoleID: roleEditor, RoleName: "editor", RoleLevel: 50, Permission: docsRead, ValidUntil: &soon},
		{RoleID: roleViewer, RoleName: "viewer", RoleLevel: 10, Permission: docsRead},
	}

	set := Merge(userAlice, nil, roles, baseTime)

	require.Len(t, set.Permissions, 1)
	entry := set.Permissions[0]
	assert.Equal(t, "editor", entry.RoleName)
	require.NotNil(t, entry.RoleID)
	assert.Equal(t, roleEditor, *entry.RoleID)
	assert.Nil(t, entry.ValidUntil, "an open-ended second path keeps the permission open-ended")
	assert.Equal(t, 1, set.Counts.Sources.FromRoles)
}
