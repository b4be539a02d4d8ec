package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/permissions"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Operation names reported in metrics and ledger metadata.
const (
	OpAssignRoleToUsers       = "assign_role_to_users"
	OpRevokeRoleFromUsers     = "revoke_role_from_users"
	OpAssignPermissionsToRole = "assign_permissions_to_role"
)

// RoleService is the single-item mutation contract the coordinator fans out to.
type RoleService interface {
	AssignRole(ctx context.Context, in permissions.RoleAssignmentInput, performedBy int64) (domain.UserRoleAssignment, error)
	RevokeRole(ctx context.Context, userID, roleID, performedBy int64, reason string) error
	GrantRolePermission(ctx context.Context, roleID int64, in permissions.RolePermissionInput, performedBy int64) (domain.RolePermission, error)
}

// Config bounds a coordinator.
type Config struct {
	// Concurrency is the number of items processed at once.
	Concurrency int
	// MaxItems rejects larger requests outright. Zero means no limit.
	MaxItems int
}

// Coordinator runs bulk role operations item by item.
type Coordinator struct {
	roles   RoleService
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	newID   func() string
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(roles RoleService, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{roles: roles, cfg: cfg, logger: logger, metrics: metrics, newID: uuid.NewString}
}

// AssignRoleRequest assigns one role to many users.
type AssignRoleRequest struct {
	RoleID         int64      `json:"roleId" validate:"required,gt=0"`
	UserIDs        []int64    `json:"userIds" validate:"required,min=1"`
	EffectiveFrom  *time.Time `json:"effectiveFrom,omitempty"`
	EffectiveUntil *time.Time `json:"effectiveUntil,omitempty"`
}

// RevokeRoleRequest removes one role from many users.
type RevokeRoleRequest struct {
	RoleID  int64   `json:"roleId" validate:"required,gt=0"`
	UserIDs []int64 `json:"userIds" validate:"required,min=1"`
	Reason  string  `json:"reason,omitempty" validate:"max=500"`
}

// AssignPermissionsRequest attaches many permissions to one role, each independently.
type AssignPermissionsRequest struct {
	RoleID      int64                             `json:"roleId" validate:"required,gt=0"`
	Permissions []permissions.RolePermissionInput `json:"permissions" validate:"required,min=1"`
}

// AssignRoleToUsers assigns req.RoleID to every user. Unknown users, users who already
// hold the role and invalid ids fail individually.
func (c *Coordinator) AssignRoleToUsers(ctx context.Context, req AssignRoleRequest, performedBy int64) (Result[int64], error) {
	if err := c.check(req, len(req.UserIDs)); err != nil {
		return Result[int64]{}, err
	}
	return run(ctx, c, OpAssignRoleToUsers, req.UserIDs, func(ctx context.Context, userID int64) error {
		_, err := c.roles.AssignRole(ctx, permissions.RoleAssignmentInput{
			UserID:         userID,
			RoleID:         req.RoleID,
			EffectiveFrom:  req.EffectiveFrom,
			EffectiveUntil: req.EffectiveUntil,
		}, performedBy)
		return err
	}), nil
}

// RevokeRoleFromUsers removes req.RoleID from every user.
func (c *Coordinator) RevokeRoleFromUsers(ctx context.Context, req RevokeRoleRequest, performedBy int64) (Result[int64], error) {
	if err := c.check(req, len(req.UserIDs)); err != nil {
		return Result[int64]{}, err
	}
	return run(ctx, c, OpRevokeRoleFromUsers, req.UserIDs, func(ctx context.Context, userID int64) error {
		if userID <= 0 {
			return fmt.Errorf("%w: user id %d", shared.ErrInvalidInput, userID)
		}
		return c.roles.RevokeRole(ctx, userID, req.RoleID, performedBy, req.Reason)
	}), nil
}

// AssignPermissionsToRole attaches each permission on its own: unlike the transactional
// service call, successes stay committed when other items fail.
func (c *Coordinator) AssignPermissionsToRole(ctx context.Context, req AssignPermissionsRequest, performedBy int64) (Result[permissions.RolePermissionInput], error) {
	if err := c.check(req, len(req.Permissions)); err != nil {
		return Result[permissions.RolePermissionInput]{}, err
	}
	return run(ctx, c, OpAssignPermissionsToRole, req.Permissions, func(ctx context.Context, in permissions.RolePermissionInput) error {
		_, err := c.roles.GrantRolePermission(ctx, req.RoleID, in, performedBy)
		return err
	}), nil
}

func (c *Coordinator) check(req any, items int) error {
	if err := permissions.Validate(req); err != nil {
		return err
	}
	if c.cfg.MaxItems > 0 && items > c.cfg.MaxItems {
		return fmt.Errorf("%w: %d items exceeds the limit of %d", shared.ErrInvalidInput, items, c.cfg.MaxItems)
	}
	return nil
}

func run[T any](ctx context.Context, c *Coordinator, op string, items []T, fn func(context.Context, T) error) Result[T] {
	id := c.newID()
	ctx = history.WithMetadata(ctx, map[string]any{"bulkOperationId": id, "bulkOperation": op})
	res := Run(ctx, items, c.cfg.Concurrency, func(ctx context.Context, item T) error {
		err := fn(ctx, item)
		c.metrics.ObserveBulkItem(op, err == nil)
		return err
	})
	res.OperationID = id
	c.logger.Info("bulk operation finished",
		slog.String("operation", op),
		slog.String("operation_id", id),
		slog.Int("total", res.Summary.Total),
		slog.Int("succeeded", res.Summary.Succeeded),
		slog.Int("failed", res.Summary.Failed),
		slog.Int64("duration_ms", res.Summary.DurationMs),
	)
	return res
}
