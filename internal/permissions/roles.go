package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// AssignRole gives in.UserID the role for the requested effective window.
func (s *Service) AssignRole(ctx context.Context, in RoleAssignmentInput, performedBy int64) (domain.UserRoleAssignment, error) {
	if err := Validate(in); err != nil {
		return domain.UserRoleAssignment{}, err
	}
	assignment := domain.UserRoleAssignment{
		UserID:         in.UserID,
		RoleID:         in.RoleID,
		IsActive:       true,
		EffectiveFrom:  in.EffectiveFrom,
		EffectiveUntil: in.EffectiveUntil,
		AssignedBy:     performedBy,
	}
	if err := validateWindow(assignment.Window(), "assignment window"); err != nil {
		return domain.UserRoleAssignment{}, err
	}

	var created domain.UserRoleAssignment
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := requireUser(ctx, tx, in.UserID); err != nil {
			return err
		}
		if _, err := activeRole(ctx, tx, in.RoleID); err != nil {
			return err
		}
		var err error
		created, err = tx.InsertUserRoleAssignment(ctx, assignment)
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityUserRole,
			EntityID:    domain.PairID(in.UserID, in.RoleID),
			Operation:   domain.OpAssign,
			New:         created,
			PerformedBy: performedBy,
		})
		return err
	})
	if err != nil {
		return domain.UserRoleAssignment{}, err
	}
	s.invalidate.after(ctx, "assign role", s.invalidate.InvalidateUser(ctx, in.UserID))
	s.logger.Info("role assigned",
		slog.Int64("user_id", in.UserID),
		slog.Int64("role_id", in.RoleID),
		slog.Int64("performed_by", performedBy),
	)
	return created, nil
}

// UpdateRoleAssignment changes the activity flag or window of an existing assignment.
func (s *Service) UpdateRoleAssignment(ctx context.Context, userID, roleID int64, in UpdateAssignmentInput, performedBy int64) (domain.UserRoleAssignment, error) {
	var updated domain.UserRoleAssignment
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetUserRoleAssignment(ctx, userID, roleID)
		if err != nil {
			return err
		}
		next := in.apply(current)
		if err := validateWindow(next.Window(), "assignment window"); err != nil {
			return err
		}
		updated, err = tx.UpdateUserRoleAssignment(ctx, next)
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityUserRole,
			EntityID:    domain.PairID(userID, roleID),
			Operation:   domain.OpUpdate,
			Previous:    current,
			New:         updated,
			PerformedBy: performedBy,
		})
		return err
	})
	if err != nil {
		return domain.UserRoleAssignment{}, err
	}
	s.invalidate.after(ctx, "update role assignment", s.invalidate.InvalidateUser(ctx, userID))
	return updated, nil
}

// RevokeRole removes the role from the user.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID, performedBy int64, reason string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetUserRoleAssignment(ctx, userID, roleID)
		if err != nil {
			return err
		}
		if err := tx.DeleteUserRoleAssignment(ctx, userID, roleID); err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityUserRole,
			EntityID:    domain.PairID(userID, roleID),
			Operation:   domain.OpRevoke,
			Previous:    current,
			PerformedBy: performedBy,
			Metadata:    reasonMetadata(reason),
		})
		return err
	})
	if err != nil {
		return err
	}
	s.invalidate.after(ctx, "revoke role", s.invalidate.InvalidateUser(ctx, userID))
	s.logger.Info("role revoked",
		slog.Int64("user_id", userID),
		slog.Int64("role_id", roleID),
		slog.Int64("performed_by", performedBy),
	)
	return nil
}

// GrantRolePermission attaches one permission to the role. Every holder of the role is
// invalidated once the change commits.
func (s *Service) GrantRolePermission(ctx context.Context, roleID int64, in RolePermissionInput, performedBy int64) (domain.RolePermission, error) {
	if err := Validate(in); err != nil {
		return domain.RolePermission{}, err
	}
	rp := domain.RolePermission{
		RoleID:       roleID,
		PermissionID: in.PermissionID,
		IsGranted:    true,
		ValidFrom:    in.ValidFrom,
		ValidUntil:   in.ValidUntil,
	}
	if err := validateWindow(rp.Window(), "role permission window"); err != nil {
		return domain.RolePermission{}, err
	}

	var created domain.RolePermission
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return err
		}
		if _, err := activePermission(ctx, tx, in.PermissionID); err != nil {
			return err
		}
		var err error
		created, err = tx.InsertRolePermission(ctx, rp)
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityRolePermission,
			EntityID:    domain.PairID(roleID, in.PermissionID),
			Operation:   domain.OpAssign,
			New:         created,
			PerformedBy: performedBy,
		})
		return err
	})
	if err != nil {
		return domain.RolePermission{}, err
	}
	s.invalidate.after(ctx, "grant role permission", s.invalidate.InvalidateRole(ctx, roleID))
	return created, nil
}

// RevokeRolePermission detaches one permission from the role.
func (s *Service) RevokeRolePermission(ctx context.Context, roleID, permissionID, performedBy int64) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetRolePermission(ctx, roleID, permissionID)
		if err != nil {
			return err
		}
		if err := tx.DeleteRolePermission(ctx, roleID, permissionID); err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityRolePermission,
			EntityID:    domain.PairID(roleID, permissionID),
			Operation:   domain.OpRevoke,
			Previous:    current,
			PerformedBy: performedBy,
		})
		return err
	})
	if err != nil {
		return err
	}
	s.invalidate.after(ctx, "revoke role permission", s.invalidate.InvalidateRole(ctx, roleID))
	return nil
}

// AssignPermissionsToRole attaches every permission in one transaction. Either all are
// attached or none: a permission the role already holds aborts the whole call with
// shared.ErrConflict. The ledger records one BULK_ASSIGN entry holding the role's
// permission set before and after.
func (s *Service) AssignPermissionsToRole(ctx context.Context, roleID int64, inputs []RolePermissionInput, performedBy int64) (domain.RolePermissionSet, error) {
	ids := make([]int64, 0, len(inputs))
	rows := make([]domain.RolePermission, 0, len(inputs))
	for _, in := range inputs {
		if err := Validate(in); err != nil {
			return domain.RolePermissionSet{}, err
		}
		rp := domain.RolePermission{RoleID: roleID, PermissionID: in.PermissionID, IsGranted: true, ValidFrom: in.ValidFrom, ValidUntil: in.ValidUntil}
		if err := validateWindow(rp.Window(), "role permission window"); err != nil {
			return domain.RolePermissionSet{}, err
		}
		ids = append(ids, in.PermissionID)
		rows = append(rows, rp)
	}
	if err := distinctIDs(ids); err != nil {
		return domain.RolePermissionSet{}, err
	}
	return s.replaceRoleSet(ctx, roleID, domain.OpBulkAssign, performedBy, func(ctx context.Context, tx repository.Tx) error {
		for _, rp := range rows {
			if _, err := activePermission(ctx, tx, rp.PermissionID); err != nil {
				return err
			}
			if _, err := tx.InsertRolePermission(ctx, rp); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemovePermissionsFromRole detaches every permission in one transaction. A permission
// the role does not hold aborts the whole call with shared.ErrNotFound.
func (s *Service) RemovePermissionsFromRole(ctx context.Context, roleID int64, permissionIDs []int64, performedBy int64) (domain.RolePermissionSet, error) {
	if err := distinctIDs(permissionIDs); err != nil {
		return domain.RolePermissionSet{}, err
	}
	return s.replaceRoleSet(ctx, roleID, domain.OpBulkRemove, performedBy, func(ctx context.Context, tx repository.Tx) error {
		for _, id := range permissionIDs {
			if err := tx.DeleteRolePermission(ctx, roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) replaceRoleSet(ctx context.Context, roleID int64, op domain.Operation, performedBy int64, change func(context.Context, repository.Tx) error) (domain.RolePermissionSet, error) {
	var after domain.RolePermissionSet
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return err
		}
		before, err := roleSet(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if err := change(ctx, tx); err != nil {
			return err
		}
		after, err = roleSet(ctx, tx, roleID)
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityRolePermissionSet,
			EntityID:    strconv.FormatInt(roleID, 10),
			Operation:   op,
			Previous:    before,
			New:         after,
			PerformedBy: performedBy,
		})
		return err
	})
	if err != nil {
		return domain.RolePermissionSet{}, err
	}
	s.invalidate.after(ctx, "role permission set", s.invalidate.InvalidateRole(ctx, roleID))
	s.logger.Info("role permission set changed",
		slog.Int64("role_id", roleID),
		slog.String("operation", string(op)),
		slog.Int("permissions", len(after.Permissions)),
		slog.Int64("performed_by", performedBy),
	)
	return after, nil
}

func roleSet(ctx context.Context, r repository.Reader, roleID int64) (domain.RolePermissionSet, error) {
	rows, err := r.ListRolePermissions(ctx, roleID)
	if err != nil {
		return domain.RolePermissionSet{}, err
	}
	if rows == nil {
		rows = []domain.RolePermission{}
	}
	return domain.RolePermissionSet{RoleID: roleID, Permissions: rows}, nil
}

func distinctIDs(ids []int64) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: at least one permission id required", shared.ErrInvalidInput)
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("%w: permission id %d", shared.ErrInvalidInput, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate permission id %d", shared.ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
