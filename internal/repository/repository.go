// Package repository declares the storage contract the permission engine depends on.
// Adapters live in the postgres and memory subpackages.
package repository

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
)

// Reader exposes the read side of the storage contract. Lookups of a single record
// return an error wrapping shared.ErrNotFound when nothing matches.
type Reader interface {
	UserExists(ctx context.Context, userID int64) (bool, error)

	GetPermission(ctx context.Context, id int64) (domain.Permission, error)
	GetPermissionByCode(ctx context.Context, code string) (domain.Permission, error)
	ListPermissions(ctx context.Context, filter domain.PermissionFilter) ([]domain.Permission, error)
	GetRole(ctx context.Context, id int64) (domain.Role, error)
	ListRoles(ctx context.Context, activeOnly bool) ([]domain.Role, error)

	GetRolePermission(ctx context.Context, roleID, permissionID int64) (domain.RolePermission, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]domain.RolePermission, error)

	GetUserRoleAssignment(ctx context.Context, userID, roleID int64) (domain.UserRoleAssignment, error)
	ListUserRoleAssignments(ctx context.Context, userID int64) ([]domain.UserRoleAssignment, error)
	ListUserIDsByRole(ctx context.Context, roleID int64) ([]int64, error)
	// ListRoleGrantRows returns every (assignment, role permission) pair reachable for the
	// user without temporal filtering; resolvers apply the policy.
	ListRoleGrantRows(ctx context.Context, userID int64) ([]domain.RoleGrantRow, error)

	GetUserGrant(ctx context.Context, userID, permissionID int64) (domain.UserPermissionGrant, error)
	ListDirectGrantRows(ctx context.Context, userID int64) ([]domain.DirectGrantRow, error)
	ListGrants(ctx context.Context, filter domain.GrantFilter) ([]domain.UserPermissionGrant, error)

	// ListUsersWithBoundaries returns users whose grants, assignments or role permissions
	// start or end inside (from, to].
	ListUsersWithBoundaries(ctx context.Context, from, to time.Time) ([]int64, error)

	GetChange(ctx context.Context, id int64) (domain.ChangeEntry, error)
	ListChanges(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEntry, error)
}

// Writer exposes the mutating side of the storage contract. Inserts return an error
// wrapping shared.ErrConflict on duplicate keys; updates and deletes wrap
// shared.ErrNotFound when no row matched.
type Writer interface {
	InsertUserGrant(ctx context.Context, grant domain.UserPermissionGrant) (domain.UserPermissionGrant, error)
	UpdateUserGrant(ctx context.Context, grant domain.UserPermissionGrant) (domain.UserPermissionGrant, error)
	DeleteUserGrant(ctx context.Context, userID, permissionID int64) error

	InsertUserRoleAssignment(ctx context.Context, assignment domain.UserRoleAssignment) (domain.UserRoleAssignment, error)
	UpdateUserRoleAssignment(ctx context.Context, assignment domain.UserRoleAssignment) (domain.UserRoleAssignment, error)
	DeleteUserRoleAssignment(ctx context.Context, userID, roleID int64) error

	InsertRolePermission(ctx context.Context, rp domain.RolePermission) (domain.RolePermission, error)
	UpdateRolePermission(ctx context.Context, rp domain.RolePermission) (domain.RolePermission, error)
	DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error

	AppendChange(ctx context.Context, entry domain.ChangeEntry) (domain.ChangeEntry, error)
}

// Tx is a unit of work: reads observe the transaction's own writes.
type Tx interface {
	Reader
	Writer
}

// Store is the root storage handle.
type Store interface {
	Reader
	// WithTx runs fn in one atomic transaction. A non-nil error from fn rolls back every write.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
