package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// view reads a state snapshot; inside WithTx it also writes to the working copy.
type view struct {
	st  *state
	now func() time.Time
}

var _ repository.Tx = (*view)(nil)

func (v *view) UserExists(ctx context.Context, userID int64) (bool, error) {
	_, ok := v.st.users[userID]
	return ok, nil
}

func (v *view) GetPermission(ctx context.Context, id int64) (domain.Permission, error) {
	p, ok := v.st.permissions[id]
	if !ok {
		return domain.Permission{}, fmt.Errorf("%w: permission %d", shared.ErrNotFound, id)
	}
	return p, nil
}

func (v *view) GetPermissionByCode(ctx context.Context, code string) (domain.Permission, error) {
	for _, p := range v.st.permissions {
		if strings.EqualFold(p.Code, code) {
			return p, nil
		}
	}
	return domain.Permission{}, fmt.Errorf("%w: permission %q", shared.ErrNotFound, code)
}

func (v *view) ListPermissions(ctx context.Context, filter domain.PermissionFilter) ([]domain.Permission, error) {
	out := make([]domain.Permission, 0, len(v.st.permissions))
	for _, p := range v.st.permissions {
		if filter.ActiveOnly && !p.IsActive {
			continue
		}
		if filter.Resource != "" && !strings.EqualFold(p.Resource, filter.Resource) {
			continue
		}
		if filter.Action != "" && !strings.EqualFold(p.Action, filter.Action) {
			continue
		}
		if filter.Scope != "" && !strings.EqualFold(p.Scope, filter.Scope) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (v *view) GetRole(ctx context.Context, id int64) (domain.Role, error) {
	r, ok := v.st.roles[id]
	if !ok {
		return domain.Role{}, fmt.Errorf("%w: role %d", shared.ErrNotFound, id)
	}
	return r, nil
}

func (v *view) ListRoles(ctx context.Context, activeOnly bool) ([]domain.Role, error) {
	out := make([]domain.Role, 0, len(v.st.roles))
	for _, r := range v.st.roles {
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *view) GetRolePermission(ctx context.Context, roleID, permissionID int64) (domain.RolePermission, error) {
	rp, ok := v.st.rolePerms[pair{roleID, permissionID}]
	if !ok {
		return domain.RolePermission{}, fmt.Errorf("%w: role %d permission %d", shared.ErrNotFound, roleID, permissionID)
	}
	return rp, nil
}

func (v *view) ListRolePermissions(ctx context.Context, roleID int64) ([]domain.RolePermission, error) {
	var out []domain.RolePermission
	for key, rp := range v.st.rolePerms {
		if key[0] == roleID {
			out = append(out, rp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}

func (v *view) GetUserRoleAssignment(ctx context.Context, userID, roleID int64) (domain.UserRoleAssignment, error) {
	a, ok := v.st.assignments[pair{userID, roleID}]
	if !ok {
		return domain.UserRoleAssignment{}, fmt.Errorf("%w: user %d role %d", shared.ErrNotFound, userID, roleID)
	}
	return a, nil
}

func (v *view) ListUserRoleAssignments(ctx context.Context, userID int64) ([]domain.UserRoleAssignment, error) {
	var out []domain.UserRoleAssignment
	for key, a := range v.st.assignments {
		if key[0] == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

func (v *view) ListUserIDsByRole(ctx context.Context, roleID int64) ([]int64, error) {
	var out []int64
	for key := range v.st.assignments {
		if key[1] == roleID {
			out = append(out, key[0])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (v *view) ListRoleGrantRows(ctx context.Context, userID int64) ([]domain.RoleGrantRow, error) {
	var rows []domain.RoleGrantRow
	for key, a := range v.st.assignments {
		if key[0] != userID {
			continue
		}
		role, ok := v.st.roles[a.RoleID]
		if !ok {
			continue
		}
		for rpKey, rp := range v.st.rolePerms {
			if rpKey[0] != a.RoleID {
				continue
			}
			perm, ok := v.st.permissions[rp.PermissionID]
			if !ok {
				continue
			}
			rows = append(rows, domain.RoleGrantRow{Assignment: a, Role: role, RolePermission: rp, Permission: perm})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Role.ID != rows[j].Role.ID {
			return rows[i].Role.ID < rows[j].Role.ID
		}
		return rows[i].Permission.ID < rows[j].Permission.ID
	})
	return rows, nil
}

func (v *view) GetUserGrant(ctx context.Context, userID, permissionID int64) (domain.UserPermissionGrant, error) {
	g, ok := v.st.grants[pair{userID, permissionID}]
	if !ok {
		return domain.UserPermissionGrant{}, fmt.Errorf("%w: user %d permission %d", shared.ErrNotFound, userID, permissionID)
	}
	return g, nil
}

func (v *view) ListDirectGrantRows(ctx context.Context, userID int64) ([]domain.DirectGrantRow, error) {
	var rows []domain.DirectGrantRow
	for key, g := range v.st.grants {
		if key[0] != userID {
			continue
		}
		perm, ok := v.st.permissions[g.PermissionID]
		if !ok {
			continue
		}
		rows = append(rows, domain.DirectGrantRow{Grant: g, Permission: perm})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Grant.PermissionID < rows[j].Grant.PermissionID })
	return rows, nil
}

func (v *view) ListGrants(ctx context.Context, filter domain.GrantFilter) ([]domain.UserPermissionGrant, error) {
	var out []domain.UserPermissionGrant
	for _, g := range v.st.grants {
		if filter.UserID != 0 && g.UserID != filter.UserID {
			continue
		}
		if filter.PermissionID != 0 && g.PermissionID != filter.PermissionID {
			continue
		}
		if filter.IsGranted != nil && g.IsGranted != *filter.IsGranted {
			continue
		}
		if filter.Temporary != nil && g.IsTemporary != *filter.Temporary {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].PermissionID < out[j].PermissionID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (v *view) ListUsersWithBoundaries(ctx context.Context, from, to time.Time) ([]int64, error) {
	crosses := func(ts ...*time.Time) bool {
		for _, t := range ts {
			if t != nil && t.After(from) && !t.After(to) {
				return true
			}
		}
		return false
	}
	users := make(map[int64]struct{})
	for _, g := range v.st.grants {
		if crosses(g.ValidFrom, g.ValidUntil) {
			users[g.UserID] = struct{}{}
		}
	}
	roles := make(map[int64]struct{})
	for _, rp := range v.st.rolePerms {
		if crosses(rp.ValidFrom, rp.ValidUntil) {
			roles[rp.RoleID] = struct{}{}
		}
	}
	for _, a := range v.st.assignments {
		if _, ok := roles[a.RoleID]; ok || crosses(a.EffectiveFrom, a.EffectiveUntil) {
			users[a.UserID] = struct{}{}
		}
	}
	out := make([]int64, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (v *view) GetChange(ctx context.Context, id int64) (domain.ChangeEntry, error) {
	for _, e := range v.st.changes {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.ChangeEntry{}, fmt.Errorf("%w: change %d", shared.ErrNotFound, id)
}

func (v *view) ListChanges(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEntry, error) {
	var out []domain.ChangeEntry
	for _, e := range v.st.changes {
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.PerformedBy != 0 && e.PerformedBy != filter.PerformedBy {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, e)
	}
	// changes is append-only, so it is already in id order.
	return page(out, filter.Offset, filter.Limit), nil
}

func (v *view) InsertUserGrant(ctx context.Context, grant domain.UserPermissionGrant) (domain.UserPermissionGrant, error) {
	key := pair{grant.UserID, grant.PermissionID}
	if _, ok := v.st.grants[key]; ok {
		return domain.UserPermissionGrant{}, fmt.Errorf("%w: user %d already has an entry for permission %d", shared.ErrConflict, grant.UserID, grant.PermissionID)
	}
	if err := v.requireUser(grant.UserID); err != nil {
		return domain.UserPermissionGrant{}, err
	}
	if _, err := v.GetPermission(ctx, grant.PermissionID); err != nil {
		return domain.UserPermissionGrant{}, err
	}
	now := v.now()
	if grant.ID == 0 {
		grant.ID = v.st.nextGrantID
	}
	if grant.ID >= v.st.nextGrantID {
		v.st.nextGrantID = grant.ID + 1
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	grant.UpdatedAt = now
	v.st.grants[key] = grant
	return grant, nil
}

func (v *view) UpdateUserGrant(ctx context.Context, grant domain.UserPermissionGrant) (domain.UserPermissionGrant, error) {
	key := pair{grant.UserID, grant.PermissionID}
	existing, ok := v.st.grants[key]
	if !ok {
		return domain.UserPermissionGrant{}, fmt.Errorf("%w: user %d permission %d", shared.ErrNotFound, grant.UserID, grant.PermissionID)
	}
	grant.ID = existing.ID
	grant.CreatedAt = existing.CreatedAt
	grant.UpdatedAt = v.now()
	v.st.grants[key] = grant
	return grant, nil
}

func (v *view) DeleteUserGrant(ctx context.Context, userID, permissionID int64) error {
	key := pair{userID, permissionID}
	if _, ok := v.st.grants[key]; !ok {
		return fmt.Errorf("%w: user %d permission %d", shared.ErrNotFound, userID, permissionID)
	}
	delete(v.st.grants, key)
	return nil
}

func (v *view) InsertUserRoleAssignment(ctx context.Context, a domain.UserRoleAssignment) (domain.UserRoleAssignment, error) {
	key := pair{a.UserID, a.RoleID}
	if _, ok := v.st.assignments[key]; ok {
		return domain.UserRoleAssignment{}, fmt.Errorf("%w: user %d already holds role %d", shared.ErrConflict, a.UserID, a.RoleID)
	}
	if err := v.requireUser(a.UserID); err != nil {
		return domain.UserRoleAssignment{}, err
	}
	if _, err := v.GetRole(ctx, a.RoleID); err != nil {
		return domain.UserRoleAssignment{}, err
	}
	now := v.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	v.st.assignments[key] = a
	return a, nil
}

func (v *view) UpdateUserRoleAssignment(ctx context.Context, a domain.UserRoleAssignment) (domain.UserRoleAssignment, error) {
	key := pair{a.UserID, a.RoleID}
	existing, ok := v.st.assignments[key]
	if !ok {
		return domain.UserRoleAssignment{}, fmt.Errorf("%w: user %d role %d", shared.ErrNotFound, a.UserID, a.RoleID)
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = v.now()
	v.st.assignments[key] = a
	return a, nil
}

func (v *view) DeleteUserRoleAssignment(ctx context.Context, userID, roleID int64) error {
	key := pair{userID, roleID}
	if _, ok := v.st.assignments[key]; !ok {
		return fmt.Errorf("%w: user %d role %d", shared.ErrNotFound, userID, roleID)
	}
	delete(v.st.assignments, key)
	return nil
}

func (v *view) InsertRolePermission(ctx context.Context, rp domain.RolePermission) (domain.RolePermission, error) {
	key := pair{rp.RoleID, rp.PermissionID}
	if _, ok := v.st.rolePerms[key]; ok {
		return domain.RolePermission{}, fmt.Errorf("%w: role %d already has permission %d", shared.ErrConflict, rp.RoleID, rp.PermissionID)
	}
	if _, err := v.GetRole(ctx, rp.RoleID); err != nil {
		return domain.RolePermission{}, err
	}
	if _, err := v.GetPermission(ctx, rp.PermissionID); err != nil {
		return domain.RolePermission{}, err
	}
	now := v.now()
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = now
	}
	rp.UpdatedAt = now
	v.st.rolePerms[key] = rp
	return rp, nil
}

func (v *view) UpdateRolePermission(ctx context.Context, rp domain.RolePermission) (domain.RolePermission, error) {
	key := pair{rp.RoleID, rp.PermissionID}
	existing, ok := v.st.rolePerms[key]
	if !ok {
		return domain.RolePermission{}, fmt.Errorf("%w: role %d permission %d", shared.ErrNotFound, rp.RoleID, rp.PermissionID)
	}
	rp.CreatedAt = existing.CreatedAt
	rp.UpdatedAt = v.now()
	v.st.rolePerms[key] = rp
	return rp, nil
}

func (v *view) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error {
	key := pair{roleID, permissionID}
	if _, ok := v.st.rolePerms[key]; !ok {
		return fmt.Errorf("%w: role %d permission %d", shared.ErrNotFound, roleID, permissionID)
	}
	delete(v.st.rolePerms, key)
	return nil
}

func (v *view) AppendChange(ctx context.Context, entry domain.ChangeEntry) (domain.ChangeEntry, error) {
	entry.ID = v.st.nextChangeID
	v.st.nextChangeID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = v.now()
	}
	v.st.changes = append(v.st.changes, entry)
	return entry, nil
}

func (v *view) requireUser(userID int64) error {
	if _, ok := v.st.users[userID]; !ok {
		return fmt.Errorf("%w: user %d", shared.ErrNotFound, userID)
	}
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
