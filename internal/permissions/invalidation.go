package permissions

import (
	"context"
	"errors"
	"log/slog"

	"github.com/odyssey-erp/odyssey-access/internal/cache"
)

// grantListFamily versions every cached ListGrants result.
const grantListFamily = "grants"

// Invalidation drops cached state after a committed mutation: the affected users'
// effective sets first, then every cached grant listing.
type Invalidation struct {
	calc   *Calculator
	lists  *cache.Generations
	logger *slog.Logger
}

// NewInvalidation constructs an Invalidation. lists may be nil when listings are not cached.
func NewInvalidation(calc *Calculator, lists *cache.Generations, logger *slog.Logger) *Invalidation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidation{calc: calc, lists: lists, logger: logger}
}

// InvalidateUser drops one user's effective set and the grant listings.
func (i *Invalidation) InvalidateUser(ctx context.Context, userID int64) error {
	return errors.Join(i.calc.InvalidateUser(ctx, userID), i.bumpLists(ctx))
}

// InvalidateUsers drops several users' effective sets and the grant listings.
func (i *Invalidation) InvalidateUsers(ctx context.Context, userIDs ...int64) error {
	return errors.Join(i.calc.InvalidateUsers(ctx, userIDs...), i.bumpLists(ctx))
}

// InvalidateRole drops the effective set of every holder of the role and the grant listings.
func (i *Invalidation) InvalidateRole(ctx context.Context, roleID int64) error {
	return errors.Join(i.calc.InvalidateRole(ctx, roleID), i.bumpLists(ctx))
}

func (i *Invalidation) bumpLists(ctx context.Context) error {
	if i.lists == nil {
		return nil
	}
	_, err := i.lists.Bump(ctx, grantListFamily)
	return err
}

// after runs once a mutation has committed. Storage stays the source of truth, so a
// failed invalidation is logged and never fails the mutation.
func (i *Invalidation) after(ctx context.Context, op string, err error) {
	if err != nil {
		i.logger.Warn(op+" cache invalidation", slog.Any("error", err))
	}
}
