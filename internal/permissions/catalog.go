// Package permissions computes effective access rights by merging role-derived grants
// with direct per-user overrides, and owns every mutation that can change them.
package permissions

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Catalog is the read side of the permission and role registry.
type Catalog struct {
	store repository.Reader
}

// NewCatalog constructs a Catalog.
func NewCatalog(store repository.Reader) *Catalog {
	return &Catalog{store: store}
}

// Permission fetches a permission by id.
func (c *Catalog) Permission(ctx context.Context, id int64) (domain.Permission, error) {
	return c.store.GetPermission(ctx, id)
}

// PermissionByCode fetches a permission by its unique code, case-insensitively.
func (c *Catalog) PermissionByCode(ctx context.Context, code string) (domain.Permission, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Permission{}, fmt.Errorf("%w: permission code required", shared.ErrInvalidInput)
	}
	return c.store.GetPermissionByCode(ctx, code)
}

// Permissions lists catalog entries matching filter.
func (c *Catalog) Permissions(ctx context.Context, filter domain.PermissionFilter) ([]domain.Permission, error) {
	return c.store.ListPermissions(ctx, filter)
}

// Role fetches a role by id.
func (c *Catalog) Role(ctx context.Context, id int64) (domain.Role, error) {
	return c.store.GetRole(ctx, id)
}

// Roles lists roles ordered by name.
func (c *Catalog) Roles(ctx context.Context, activeOnly bool) ([]domain.Role, error) {
	return c.store.ListRoles(ctx, activeOnly)
}

// activePermission loads a permission that may be granted: it must exist and be active.
func activePermission(ctx context.Context, r repository.Reader, id int64) (domain.Permission, error) {
	perm, err := r.GetPermission(ctx, id)
	if err != nil {
		return domain.Permission{}, err
	}
	if !perm.IsActive {
		return domain.Permission{}, fmt.Errorf("%w: permission %s is inactive", shared.ErrInvalidInput, perm.Code)
	}
	return perm, nil
}

// activeRole loads a role that may be assigned: it must exist and be active.
func activeRole(ctx context.Context, r repository.Reader, id int64) (domain.Role, error) {
	role, err := r.GetRole(ctx, id)
	if err != nil {
		return domain.Role{}, err
	}
	if !role.IsActive {
		return domain.Role{}, fmt.Errorf("%w: role %s is inactive", shared.ErrInvalidInput, role.Name)
	}
	return role, nil
}

func requireUser(ctx context.Context, r repository.Reader, userID int64) error {
	ok, err := r.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d", shared.ErrNotFound, userID)
	}
	return nil
}
