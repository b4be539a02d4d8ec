package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
)

const rolePermissionColumns = `rp.role_id, rp.permission_id, rp.is_granted, rp.valid_from, rp.valid_until, rp.created_at, rp.updated_at`

const assignmentColumns = `ur.user_id, ur.role_id, ur.is_active, ur.effective_from, ur.effective_until, ur.assigned_by, ur.created_at, ur.updated_at`

const grantColumns = `up.id, up.user_id, up.permission_id, up.is_granted, up.priority, up.valid_from, up.valid_until,
	up.is_temporary, up.conditions, up.granted_by, up.grant_reason, up.created_at, up.updated_at`

func rolePermissionDest(rp *domain.RolePermission) []any {
	return []any{&rp.RoleID, &rp.PermissionID, &rp.IsGranted, &rp.ValidFrom, &rp.ValidUntil, &rp.CreatedAt, &rp.UpdatedAt}
}

func assignmentDest(a *domain.UserRoleAssignment) []any {
	return []any{&a.UserID, &a.RoleID, &a.IsActive, &a.EffectiveFrom, &a.EffectiveUntil, &a.AssignedBy, &a.CreatedAt, &a.UpdatedAt}
}

// grantScan holds the jsonb column separately because pgx scans it into []byte.
type grantScan struct {
	grant      domain.UserPermissionGrant
	conditions []byte
}

func (g *grantScan) dest() []any {
	return []any{&g.grant.ID, &g.grant.UserID, &g.grant.PermissionID, &g.grant.IsGranted, &g.grant.Priority,
		&g.grant.ValidFrom, &g.grant.ValidUntil, &g.grant.IsTemporary, &g.conditions, &g.grant.GrantedBy,
		&g.grant.GrantReason, &g.grant.CreatedAt, &g.grant.UpdatedAt}
}

func (g *grantScan) result() domain.UserPermissionGrant {
	out := g.grant
	if len(g.conditions) > 0 {
		out.Conditions = domain.Conditions(g.conditions)
	}
	return out
}

func conditionsArg(c domain.Conditions) []byte {
	if c.IsZero() {
		return nil
	}
	return []byte(c)
}

func (s *queries) GetRolePermission(ctx context.Context, roleID, permissionID int64) (domain.RolePermission, error) {
	var rp domain.RolePermission
	err := s.q.QueryRow(ctx, `SELECT `+rolePermissionColumns+` FROM role_permissions rp WHERE rp.role_id = $1 AND rp.permission_id = $2`,
		roleID, permissionID).Scan(rolePermissionDest(&rp)...)
	if err != nil {
		return domain.RolePermission{}, mapError(err, "role %d permission %d", roleID, permissionID)
	}
	return rp, nil
}

func (s *queries) ListRolePermissions(ctx context.Context, roleID int64) ([]domain.RolePermission, error) {
	rows, err := s.q.Query(ctx, `SELECT `+rolePermissionColumns+` FROM role_permissions rp WHERE rp.role_id = $1 ORDER BY rp.permission_id`, roleID)
	if err != nil {
		return nil, mapError(err, "list role %d permissions", roleID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RolePermission, error) {
		var rp domain.RolePermission
		err := row.Scan(rolePermissionDest(&rp)...)
		return rp, err
	})
	if err != nil {
		return nil, mapError(err, "scan role %d permissions", roleID)
	}
	return out, nil
}

func (s *queries) GetUserRoleAssignment(ctx context.Context, userID, roleID int64) (domain.UserRoleAssignment, error) {
	var a domain.UserRoleAssignment
	err := s.q.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM user_roles ur WHERE ur.user_id = $1 AND ur.role_id = $2`,
		userID, roleID).Scan(assignmentDest(&a)...)
	if err != nil {
		return domain.UserRoleAssignment{}, mapError(err, "user %d role %d", userID, roleID)
	}
	return a, nil
}

func (s *queries) ListUserRoleAssignments(ctx context.Context, userID int64) ([]domain.UserRoleAssignment, error) {
	rows, err := s.q.Query(ctx, `SELECT `+assignmentColumns+` FROM user_roles ur WHERE ur.user_id = $1 ORDER BY ur.role_id`, userID)
	if err != nil {
		return nil, mapError(err, "list user %d roles", userID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UserRoleAssignment, error) {
		var a domain.UserRoleAssignment
		err := row.Scan(assignmentDest(&a)...)
		return a, err
	})
	if err != nil {
		return nil, mapError(err, "scan user %d roles", userID)
	}
	return out, nil
}

func (s *queries) ListUserIDsByRole(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := s.q.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return nil, mapError(err, "list users of role %d", roleID)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, mapError(err, "scan users of role %d", roleID)
	}
	return ids, nil
}

func (s *queries) ListRoleGrantRows(ctx context.Context, userID int64) ([]domain.RoleGrantRow, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+assignmentColumns+`, `+roleColumns+`, `+rolePermissionColumns+`, `+permissionColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY r.id, p.id`, userID)
	if err != nil {
		return nil, mapError(err, "list role grants for user %d", userID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RoleGrantRow, error) {
		var g domain.RoleGrantRow
		dest := assignmentDest(&g.Assignment)
		dest = append(dest, roleDest(&g.Role)...)
		dest = append(dest, rolePermissionDest(&g.RolePermission)...)
		dest = append(dest, permissionDest(&g.Permission)...)
		err := row.Scan(dest...)
		return g, err
	})
	if err != nil {
		return nil, mapError(err, "scan role grants for user %d", userID)
	}
	return out, nil
}

func (s *queries) GetUserGrant(ctx context.Context, userID, permissionID int64) (domain.UserPermissionGrant, error) {
	var g grantScan
	err := s.q.QueryRow(ctx, `SELECT `+grantColumns+` FROM user_permissions up WHERE up.user_id = $1 AND up.permission_id = $2`,
		userID, permissionID).Scan(g.dest()...)
	if err != nil {
		return domain.UserPermissionGrant{}, mapError(err, "user %d permission %d", userID, permissionID)
	}
	return g.result(), nil
}

func (s *queries) ListDirectGrantRows(ctx context.Context, userID int64) ([]domain.DirectGrantRow, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+grantColumns+`, `+permissionColumns+`
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
		ORDER BY up.permission_id`, userID)
	if err != nil {
		return nil, mapError(err, "list direct grants for user %d", userID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DirectGrantRow, error) {
		var g grantScan
		var perm domain.Permission
		err := row.Scan(append(g.dest(), permissionDest(&perm)...)...)
		return domain.DirectGrantRow{Grant: g.result(), Permission: perm}, err
	})
	if err != nil {
		return nil, mapError(err, "scan direct grants for user %d", userID)
	}
	return out, nil
}

func (s *queries) ListGrants(ctx context.Context, filter domain.GrantFilter) ([]domain.UserPermissionGrant, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+grantColumns+`
		FROM user_permissions up
		WHERE ($1::bigint = 0 OR up.user_id = $1)
		  AND ($2::bigint = 0 OR up.permission_id = $2)
		  AND ($3::boolean IS NULL OR up.is_granted = $3)
		  AND ($4::boolean IS NULL OR up.is_temporary = $4)
		ORDER BY up.user_id, up.permission_id
		LIMIT $5 OFFSET $6`,
		filter.UserID, filter.PermissionID, filter.IsGranted, filter.Temporary, limitArg(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, mapError(err, "list grants")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UserPermissionGrant, error) {
		var g grantScan
		err := row.Scan(g.dest()...)
		return g.result(), err
	})
	if err != nil {
		return nil, mapError(err, "scan grants")
	}
	return out, nil
}

func (s *queries) ListUsersWithBoundaries(ctx context.Context, from, to time.Time) ([]int64, error) {
	rows, err := s.q.Query(ctx, `
		SELECT user_id FROM user_permissions
		WHERE (valid_from > $1 AND valid_from <= $2) OR (valid_until > $1 AND valid_until <= $2)
		UNION
		SELECT user_id FROM user_roles
		WHERE (effective_from > $1 AND effective_from <= $2) OR (effective_until > $1 AND effective_until <= $2)
		UNION
		SELECT ur.user_id FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		WHERE (rp.valid_from > $1 AND rp.valid_from <= $2) OR (rp.valid_until > $1 AND rp.valid_until <= $2)
		ORDER BY 1`, from, to)
	if err != nil {
		return nil, mapError(err, "list validity boundaries")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, mapError(err, "scan validity boundaries")
	}
	return ids, nil
}

func (s *queries) InsertUserGrant(ctx context.Context, g domain.UserPermissionGrant) (domain.UserPermissionGrant, error) {
	var out grantScan
	err := s.q.QueryRow(ctx, `
		INSERT INTO user_permissions AS up (
			user_id, permission_id, is_granted, priority, valid_from, valid_until,
			is_temporary, conditions, granted_by, grant_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+grantColumns,
		g.UserID, g.PermissionID, g.IsGranted, g.Priority, g.ValidFrom, g.ValidUntil,
		g.IsTemporary, conditionsArg(g.Conditions), g.GrantedBy, g.GrantReason,
	).Scan(out.dest()...)
	if err != nil {
		return domain.UserPermissionGrant{}, mapError(err, "insert grant user %d permission %d", g.UserID, g.PermissionID)
	}
	return out.result(), nil
}

func (s *queries) UpdateUserGrant(ctx context.Context, g domain.UserPermissionGrant) (domain.UserPermissionGrant, error) {
	var out grantScan
	err := s.q.QueryRow(ctx, `
		UPDATE user_permissions AS up
		SET is_granted = $3, priority = $4, valid_from = $5, valid_until = $6, is_temporary = $7,
		    conditions = $8, granted_by = $9, grant_reason = $10, updated_at = NOW()
		WHERE up.user_id = $1 AND up.permission_id = $2
		RETURNING `+grantColumns,
		g.UserID, g.PermissionID, g.IsGranted, g.Priority, g.ValidFrom, g.ValidUntil,
		g.IsTemporary, conditionsArg(g.Conditions), g.GrantedBy, g.GrantReason,
	).Scan(out.dest()...)
	if err != nil {
		return domain.UserPermissionGrant{}, mapError(err, "update grant user %d permission %d", g.UserID, g.PermissionID)
	}
	return out.result(), nil
}

func (s *queries) DeleteUserGrant(ctx context.Context, userID, permissionID int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return mapError(err, "delete grant user %d permission %d", userID, permissionID)
	}
	return affected(tag, "user %d permission %d", userID, permissionID)
}

func (s *queries) InsertUserRoleAssignment(ctx context.Context, a domain.UserRoleAssignment) (domain.UserRoleAssignment, error) {
	var out domain.UserRoleAssignment
	err := s.q.QueryRow(ctx, `
		INSERT INTO user_roles AS ur (user_id, role_id, is_active, effective_from, effective_until, assigned_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+assignmentColumns,
		a.UserID, a.RoleID, a.IsActive, a.EffectiveFrom, a.EffectiveUntil, a.AssignedBy,
	).Scan(assignmentDest(&out)...)
	if err != nil {
		return domain.UserRoleAssignment{}, mapError(err, "insert user %d role %d", a.UserID, a.RoleID)
	}
	return out, nil
}

func (s *queries) UpdateUserRoleAssignment(ctx context.Context, a domain.UserRoleAssignment) (domain.UserRoleAssignment, error) {
	var out domain.UserRoleAssignment
	err := s.q.QueryRow(ctx, `
		UPDATE user_roles AS ur
		SET is_active = $3, effective_from = $4, effective_until = $5, assigned_by = $6, updated_at = NOW()
		WHERE ur.user_id = $1 AND ur.role_id = $2
		RETURNING `+assignmentColumns,
		a.UserID, a.RoleID, a.IsActive, a.EffectiveFrom, a.EffectiveUntil, a.AssignedBy,
	).Scan(assignmentDest(&out)...)
	if err != nil {
		return domain.UserRoleAssignment{}, mapError(err, "update user %d role %d", a.UserID, a.RoleID)
	}
	return out, nil
}

func (s *queries) DeleteUserRoleAssignment(ctx context.Context, userID, roleID int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return mapError(err, "delete user %d role %d", userID, roleID)
	}
	return affected(tag, "user %d role %d", userID, roleID)
}

func (s *queries) InsertRolePermission(ctx context.Context, rp domain.RolePermission) (domain.RolePermission, error) {
	var out domain.RolePermission
	err := s.q.QueryRow(ctx, `
		INSERT INTO role_permissions AS rp (role_id, permission_id, is_granted, valid_from, valid_until)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+rolePermissionColumns,
		rp.RoleID, rp.PermissionID, rp.IsGranted, rp.ValidFrom, rp.ValidUntil,
	).Scan(rolePermissionDest(&out)...)
	if err != nil {
		return domain.RolePermission{}, mapError(err, "insert role %d permission %d", rp.RoleID, rp.PermissionID)
	}
	return out, nil
}

func (s *queries) UpdateRolePermission(ctx context.Context, rp domain.RolePermission) (domain.RolePermission, error) {
	var out domain.RolePermission
	err := s.q.QueryRow(ctx, `
		UPDATE role_permissions AS rp
		SET is_granted = $3, valid_from = $4, valid_until = $5, updated_at = NOW()
		WHERE rp.role_id = $1 AND rp.permission_id = $2
		RETURNING `+rolePermissionColumns,
		rp.RoleID, rp.PermissionID, rp.IsGranted, rp.ValidFrom, rp.ValidUntil,
	).Scan(rolePermissionDest(&out)...)
	if err != nil {
		return domain.RolePermission{}, mapError(err, "update role %d permission %d", rp.RoleID, rp.PermissionID)
	}
	return out, nil
}

func (s *queries) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return mapError(err, "delete role %d permission %d", roleID, permissionID)
	}
	return affected(tag, "role %d permission %d", roleID, permissionID)
}
