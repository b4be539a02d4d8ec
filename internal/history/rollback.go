package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// scope identifies whose cached state a restore touched.
type scope struct {
	userID int64
	roleID int64
}

// Rollback restores the entity of change changeID to that change's previous state and
// records the restoration as a new ROLLBACK entry. Rolling back a rollback is rejected.
func (l *Ledger) Rollback(ctx context.Context, changeID, performedBy int64) (domain.ChangeEntry, error) {
	var (
		entry   domain.ChangeEntry
		touched scope
	)
	err := l.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		target, err := tx.GetChange(ctx, changeID)
		if err != nil {
			return err
		}
		if target.Operation == domain.OpRollback {
			return fmt.Errorf("%w: change %d is itself a rollback", shared.ErrIllegalOperation, changeID)
		}
		current, restored, s, err := restore(ctx, tx, target)
		if err != nil {
			return fmt.Errorf("rollback change %d: %w", changeID, err)
		}
		touched = s
		entry, err = l.Record(ctx, tx, Change{
			EntityType:  target.EntityType,
			EntityID:    target.EntityID,
			Operation:   domain.OpRollback,
			Previous:    current,
			New:         restored,
			PerformedBy: performedBy,
			Metadata:    map[string]any{"rollbackOf": changeID},
		})
		return err
	})
	if err != nil {
		return domain.ChangeEntry{}, err
	}

	l.invalidate(ctx, touched)
	l.logger.Info("change rolled back",
		slog.Int64("change_id", changeID),
		slog.Int64("rollback_id", entry.ID),
		slog.String("entity_type", string(entry.EntityType)),
		slog.String("entity_id", entry.EntityID),
		slog.Int64("performed_by", performedBy),
	)
	return entry, nil
}

func (l *Ledger) invalidate(ctx context.Context, s scope) {
	if l.invalidator == nil {
		return
	}
	var err error
	switch {
	case s.userID != 0:
		err = l.invalidator.InvalidateUser(ctx, s.userID)
	case s.roleID != 0:
		err = l.invalidator.InvalidateRole(ctx, s.roleID)
	}
	if err != nil {
		l.logger.Warn("rollback cache invalidation", slog.Int64("user_id", s.userID), slog.Int64("role_id", s.roleID), slog.Any("error", err))
	}
}

// restore makes target.PreviousState the live state of target's entity and returns the
// state found before and the state written.
func restore(ctx context.Context, tx repository.Tx, target domain.ChangeEntry) (current, restored any, s scope, err error) {
	switch target.EntityType {
	case domain.EntityUserPermission:
		userID, permissionID, err := domain.ParsePairID(target.EntityID)
		if err != nil {
			return nil, nil, s, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
		}
		s.userID = userID
		current, restored, err = restoreUserGrant(ctx, tx, userID, permissionID, target.PreviousState)
		return current, restored, s, err
	case domain.EntityUserRole:
		userID, roleID, err := domain.ParsePairID(target.EntityID)
		if err != nil {
			return nil, nil, s, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
		}
		s.userID = userID
		current, restored, err = restoreAssignment(ctx, tx, userID, roleID, target.PreviousState)
		return current, restored, s, err
	case domain.EntityRolePermission:
		roleID, permissionID, err := domain.ParsePairID(target.EntityID)
		if err != nil {
			return nil, nil, s, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
		}
		s.roleID = roleID
		current, restored, err = restoreRolePermission(ctx, tx, roleID, permissionID, target.PreviousState)
		return current, restored, s, err
	case domain.EntityRolePermissionSet:
		roleID, err := strconv.ParseInt(target.EntityID, 10, 64)
		if err != nil {
			return nil, nil, s, fmt.Errorf("%w: entity id %q is not a role id", shared.ErrInvalidInput, target.EntityID)
		}
		s.roleID = roleID
		current, restored, err = restoreRolePermissionSet(ctx, tx, roleID, target.PreviousState)
		return current, restored, s, err
	}
	return nil, nil, s, fmt.Errorf("%w: unknown entity type %q", shared.ErrInvalidInput, target.EntityType)
}

func restoreUserGrant(ctx context.Context, tx repository.Tx, userID, permissionID int64, state json.RawMessage) (any, any, error) {
	existing, err := tx.GetUserGrant(ctx, userID, permissionID)
	found, err := present(err)
	if err != nil {
		return nil, nil, err
	}
	var current any
	if found {
		current = existing
	}

	if isAbsent(state) {
		if found {
			if err := tx.DeleteUserGrant(ctx, userID, permissionID); err != nil {
				return nil, nil, err
			}
		}
		return current, nil, nil
	}
	var want domain.UserPermissionGrant
	if err := json.Unmarshal(state, &want); err != nil {
		return nil, nil, fmt.Errorf("%w: decode grant snapshot: %w", shared.ErrInvalidInput, err)
	}
	want.UserID, want.PermissionID = userID, permissionID
	var written domain.UserPermissionGrant
	if found {
		written, err = tx.UpdateUserGrant(ctx, want)
	} else {
		written, err = tx.InsertUserGrant(ctx, want)
	}
	if err != nil {
		return nil, nil, err
	}
	return current, written, nil
}

func restoreAssignment(ctx context.Context, tx repository.Tx, userID, roleID int64, state json.RawMessage) (any, any, error) {
	existing, err := tx.GetUserRoleAssignment(ctx, userID, roleID)
	found, err := present(err)
	if err != nil {
		return nil, nil, err
	}
	var current any
	if found {
		current = existing
	}

	if isAbsent(state) {
		if found {
			if err := tx.DeleteUserRoleAssignment(ctx, userID, roleID); err != nil {
				return nil, nil, err
			}
		}
		return current, nil, nil
	}
	var want domain.UserRoleAssignment
	if err := json.Unmarshal(state, &want); err != nil {
		return nil, nil, fmt.Errorf("%w: decode assignment snapshot: %w", shared.ErrInvalidInput, err)
	}
	want.UserID, want.RoleID = userID, roleID
	var written domain.UserRoleAssignment
	if found {
		written, err = tx.UpdateUserRoleAssignment(ctx, want)
	} else {
		written, err = tx.InsertUserRoleAssignment(ctx, want)
	}
	if err != nil {
		return nil, nil, err
	}
	return current, written, nil
}

func restoreRolePermission(ctx context.Context, tx repository.Tx, roleID, permissionID int64, state json.RawMessage) (any, any, error) {
	existing, err := tx.GetRolePermission(ctx, roleID, permissionID)
	found, err := present(err)
	if err != nil {
		return nil, nil, err
	}
	var current any
	if found {
		current = existing
	}

	if isAbsent(state) {
		if found {
			if err := tx.DeleteRolePermission(ctx, roleID, permissionID); err != nil {
				return nil, nil, err
			}
		}
		return current, nil, nil
	}
	var want domain.RolePermission
	if err := json.Unmarshal(state, &want); err != nil {
		return nil, nil, fmt.Errorf("%w: decode role permission snapshot: %w", shared.ErrInvalidInput, err)
	}
	want.RoleID, want.PermissionID = roleID, permissionID
	written, err := upsertRolePermission(ctx, tx, want, found)
	if err != nil {
		return nil, nil, err
	}
	return current, written, nil
}

func restoreRolePermissionSet(ctx context.Context, tx repository.Tx, roleID int64, state json.RawMessage) (any, any, error) {
	rows, err := tx.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}
	current := domain.RolePermissionSet{RoleID: roleID, Permissions: rows}

	want := domain.RolePermissionSet{RoleID: roleID}
	if !isAbsent(state) {
		if err := json.Unmarshal(state, &want); err != nil {
			return nil, nil, fmt.Errorf("%w: decode role permission set snapshot: %w", shared.ErrInvalidInput, err)
		}
	}
	wanted := make(map[int64]domain.RolePermission, len(want.Permissions))
	for _, rp := range want.Permissions {
		rp.RoleID = roleID
		wanted[rp.PermissionID] = rp
	}
	existing := make(map[int64]struct{}, len(rows))
	for _, rp := range rows {
		existing[rp.PermissionID] = struct{}{}
		if _, keep := wanted[rp.PermissionID]; !keep {
			if err := tx.DeleteRolePermission(ctx, roleID, rp.PermissionID); err != nil {
				return nil, nil, err
			}
		}
	}
	for _, rp := range want.Permissions {
		_, found := existing[rp.PermissionID]
		if _, err := upsertRolePermission(ctx, tx, wanted[rp.PermissionID], found); err != nil {
			return nil, nil, err
		}
	}

	after, err := tx.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}
	return current, domain.RolePermissionSet{RoleID: roleID, Permissions: after}, nil
}

func upsertRolePermission(ctx context.Context, tx repository.Tx, rp domain.RolePermission, exists bool) (domain.RolePermission, error) {
	if exists {
		return tx.UpdateRolePermission(ctx, rp)
	}
	return tx.InsertRolePermission(ctx, rp)
}

// present turns a lookup error into a found flag, keeping only unexpected failures.
func present(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, shared.ErrNotFound):
		return false, nil
	}
	return false, err
}
