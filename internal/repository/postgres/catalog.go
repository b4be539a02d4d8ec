package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
)

const permissionColumns = `p.id, p.code, p.resource, p.action, p.scope, p.description, p.is_system_permission, p.is_active, p.created_at, p.updated_at`

const roleColumns = `r.id, r.name, r.description, r.level, r.is_system_role, r.is_active, r.created_at, r.updated_at`

func permissionDest(p *domain.Permission) []any {
	return []any{&p.ID, &p.Code, &p.Resource, &p.Action, &p.Scope, &p.Description, &p.IsSystemPermission, &p.IsActive, &p.CreatedAt, &p.UpdatedAt}
}

func roleDest(r *domain.Role) []any {
	return []any{&r.ID, &r.Name, &r.Description, &r.Level, &r.IsSystemRole, &r.IsActive, &r.CreatedAt, &r.UpdatedAt}
}

func (s *queries) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, mapError(err, "user %d exists", userID)
	}
	return exists, nil
}

func (s *queries) GetPermission(ctx context.Context, id int64) (domain.Permission, error) {
	var p domain.Permission
	err := s.q.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.id = $1`, id).Scan(permissionDest(&p)...)
	if err != nil {
		return domain.Permission{}, mapError(err, "permission %d", id)
	}
	return p, nil
}

func (s *queries) GetPermissionByCode(ctx context.Context, code string) (domain.Permission, error) {
	var p domain.Permission
	err := s.q.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE lower(p.code) = lower($1)`, code).Scan(permissionDest(&p)...)
	if err != nil {
		return domain.Permission{}, mapError(err, "permission %q", code)
	}
	return p, nil
}

func (s *queries) ListPermissions(ctx context.Context, filter domain.PermissionFilter) ([]domain.Permission, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+permissionColumns+`
		FROM permissions p
		WHERE ($1::text = '' OR lower(p.resource) = lower($1))
		  AND ($2::text = '' OR lower(p.action) = lower($2))
		  AND ($3::text = '' OR lower(p.scope) = lower($3))
		  AND (NOT $4::boolean OR p.is_active)
		ORDER BY p.code`,
		filter.Resource, filter.Action, filter.Scope, filter.ActiveOnly,
	)
	if err != nil {
		return nil, mapError(err, "list permissions")
	}
	perms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Permission, error) {
		var p domain.Permission
		err := row.Scan(permissionDest(&p)...)
		return p, err
	})
	if err != nil {
		return nil, mapError(err, "scan permissions")
	}
	return perms, nil
}

func (s *queries) GetRole(ctx context.Context, id int64) (domain.Role, error) {
	var r domain.Role
	err := s.q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id).Scan(roleDest(&r)...)
	if err != nil {
		return domain.Role{}, mapError(err, "role %d", id)
	}
	return r, nil
}

func (s *queries) ListRoles(ctx context.Context, activeOnly bool) ([]domain.Role, error) {
	rows, err := s.q.Query(ctx, `SELECT `+roleColumns+` FROM roles r WHERE (NOT $1::boolean OR r.is_active) ORDER BY r.name`, activeOnly)
	if err != nil {
		return nil, mapError(err, "list roles")
	}
	roles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Role, error) {
		var r domain.Role
		err := row.Scan(roleDest(&r)...)
		return r, err
	})
	if err != nil {
		return nil, mapError(err, "scan roles")
	}
	return roles, nil
}
