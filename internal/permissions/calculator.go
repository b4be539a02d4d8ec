package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-access/internal/cache"
	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
)

const cacheKindEffective = "effective"

// CalculatorConfig tunes effective set caching.
type CalculatorConfig struct {
	// Prefix namespaces every key the calculator writes, e.g. "access:".
	Prefix string
	// TTL bounds how long a computed set is cached. Zero disables caching.
	TTL time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Calculator computes, caches and invalidates effective permission sets.
type Calculator struct {
	store   repository.Reader
	roles   *RoleResolver
	direct  *DirectResolver
	cache   cache.Cache
	gens    *cache.Generations
	cfg     CalculatorConfig
	now     func() time.Time
	group   singleflight.Group
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCalculator wires a Calculator. A nil cache disables caching; nil logger and metrics are allowed.
func NewCalculator(store repository.Reader, c cache.Cache, cfg CalculatorConfig, logger *slog.Logger, metrics *observability.Metrics) *Calculator {
	if c == nil {
		c = cache.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Calculator{
		store:   store,
		roles:   NewRoleResolver(store, now),
		direct:  NewDirectResolver(store, now),
		cache:   c,
		gens:    cache.NewGenerations(c, cfg.Prefix),
		cfg:     cfg,
		now:     now,
		logger:  logger,
		metrics: metrics,
	}
}

func userFamily(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// userKey resolves the key of the user's cached set inside the user's current generation.
// Every invalidation bumps the generation, so a fill that read the old one writes a key no
// reader looks up again.
func (c *Calculator) userKey(ctx context.Context, userID int64) (string, error) {
	return c.gens.Key(ctx, userFamily(userID), "set")
}

// Effective returns the user's effective permission set, from cache when possible.
// Cache failures are logged and the set is computed from storage instead.
func (c *Calculator) Effective(ctx context.Context, userID int64) (domain.EffectivePermissionSet, error) {
	if c.cfg.TTL <= 0 {
		return c.Compute(ctx, userID)
	}
	key, err := c.userKey(ctx, userID)
	if err != nil {
		c.metrics.ObserveCache(cacheKindEffective, observability.CacheError)
		c.logger.Warn("effective permissions cache generation", slog.Int64("user_id", userID), slog.Any("error", err))
		return c.Compute(ctx, userID)
	}
	if set, ok := c.cached(ctx, key, userID); ok {
		return set, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Detach so one caller's cancellation does not fail every coalesced waiter.
		ctx := context.WithoutCancel(ctx)
		set, err := c.Compute(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.put(ctx, key, set)
		return set, nil
	})
	select {
	case <-ctx.Done():
		return domain.EffectivePermissionSet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.EffectivePermissionSet{}, res.Err
		}
		return res.Val.(domain.EffectivePermissionSet), nil
	}
}

// EffectiveCodes returns the granted permission codes for the user.
func (c *Calculator) EffectiveCodes(ctx context.Context, userID int64) ([]string, error) {
	set, err := c.Effective(ctx, userID)
	if err != nil {
		return nil, err
	}
	return set.Codes(), nil
}

// Compute resolves the effective set from storage, bypassing the cache.
func (c *Calculator) Compute(ctx context.Context, userID int64) (domain.EffectivePermissionSet, error) {
	start := time.Now()
	direct, directNext, err := c.direct.Resolve(ctx, userID)
	if err != nil {
		return domain.EffectivePermissionSet{}, err
	}
	roles, roleNext, err := c.roles.Resolve(ctx, userID)
	if err != nil {
		return domain.EffectivePermissionSet{}, err
	}
	set := Merge(userID, direct, roles, c.now())
	set.NextChangeAt = earliest(directNext, roleNext)
	c.metrics.ObserveCalculation(time.Since(start))
	return set, nil
}

func (c *Calculator) cached(ctx context.Context, key string, userID int64) (domain.EffectivePermissionSet, bool) {
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.metrics.ObserveCache(cacheKindEffective, observability.CacheError)
		c.logger.Warn("effective permissions cache read", slog.Int64("user_id", userID), slog.Any("error", err))
		return domain.EffectivePermissionSet{}, false
	}
	if !ok {
		c.metrics.ObserveCache(cacheKindEffective, observability.CacheMiss)
		return domain.EffectivePermissionSet{}, false
	}
	var set domain.EffectivePermissionSet
	if err := json.Unmarshal(raw, &set); err != nil {
		c.metrics.ObserveCache(cacheKindEffective, observability.CacheError)
		c.logger.Warn("effective permissions cache decode", slog.Int64("user_id", userID), slog.Any("error", err))
		return domain.EffectivePermissionSet{}, false
	}
	c.metrics.ObserveCache(cacheKindEffective, observability.CacheHit)
	return set, true
}

func (c *Calculator) put(ctx context.Context, key string, set domain.EffectivePermissionSet) {
	ttl := c.entryTTL(set)
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(set)
	if err != nil {
		c.logger.Warn("effective permissions cache encode", slog.Int64("user_id", set.UserID), slog.Any("error", err))
		return
	}
	if err := c.cache.Set(ctx, key, payload, ttl); err != nil {
		c.metrics.ObserveCache(cacheKindEffective, observability.CacheError)
		c.logger.Warn("effective permissions cache write", slog.Int64("user_id", set.UserID), slog.Any("error", err))
	}
}

// entryTTL caps the configured ttl at the earliest expiry among the set's entries and at the
// next scheduled start, so a cached set never outlives a grant it contains nor hides one
// that comes into force.
func (c *Calculator) entryTTL(set domain.EffectivePermissionSet) time.Duration {
	ttl := c.cfg.TTL
	if set.NextChangeAt != nil {
		if remaining := set.NextChangeAt.Sub(set.ComputedAt); remaining < ttl {
			ttl = remaining
		}
	}
	for _, group := range [][]domain.EffectivePermission{set.Permissions, set.Denied} {
		for _, p := range group {
			if p.ValidUntil == nil {
				continue
			}
			if remaining := p.ValidUntil.Sub(set.ComputedAt); remaining < ttl {
				ttl = remaining
			}
		}
	}
	return ttl
}

// InvalidateUser drops the user's cached effective set.
func (c *Calculator) InvalidateUser(ctx context.Context, userID int64) error {
	return c.InvalidateUsers(ctx, userID)
}

// InvalidateUsers moves every listed user to a new cache generation and drops the entry
// cached under the old one. A fill still running against the old generation can only write
// an orphaned key.
func (c *Calculator) InvalidateUsers(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	stale := make([]string, 0, len(userIDs))
	var errs []error
	for _, id := range userIDs {
		key, err := c.userKey(ctx, id)
		if err == nil {
			stale = append(stale, key)
		}
		if _, err := c.gens.Bump(ctx, userFamily(id)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stale) > 0 {
		if err := c.cache.Invalidate(ctx, stale...); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalidate %d users: %w", len(userIDs), err)
	}
	return nil
}

// InvalidateRole drops the cached sets of every user assigned the role.
func (c *Calculator) InvalidateRole(ctx context.Context, roleID int64) error {
	users, err := c.store.ListUserIDsByRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("invalidate role %d: %w", roleID, err)
	}
	return c.InvalidateUsers(ctx, users...)
}

// Merge applies the precedence policy. A user-level entry always beats a role-level one;
// among user-level entries for one permission the highest priority wins, then the most
// recently updated, then the highest grant id. Role grants only fill permissions with no
// user-level entry, the first role in resolver order supplying the role name. Granted
// entries form Permissions; user-level denies form Denied.
func Merge(userID int64, direct []domain.DirectGrant, roles []domain.RoleGrant, now time.Time) domain.EffectivePermissionSet {
	chosen := make(map[int64]domain.DirectGrant, len(direct))
	var order []int64
	for _, g := range direct {
		current, ok := chosen[g.Permission.ID]
		if !ok {
			order = append(order, g.Permission.ID)
			chosen[g.Permission.ID] = g
			continue
		}
		if outranks(g, current) {
			chosen[g.Permission.ID] = g
		}
	}

	set := domain.EffectivePermissionSet{
		UserID:      userID,
		Permissions: []domain.EffectivePermission{},
		Denied:      []domain.EffectivePermission{},
		ComputedAt:  now,
	}
	for _, id := range order {
		g := chosen[id]
		priority := g.Priority
		entry := domain.EffectivePermission{
			PermissionID: g.Permission.ID,
			Code:         g.Permission.Code,
			Resource:     g.Permission.Resource,
			Action:       g.Permission.Action,
			Scope:        g.Permission.Scope,
			Source:       domain.SourceUser,
			IsGranted:    g.IsGranted,
			Priority:     &priority,
			IsTemporary:  g.IsTemporary,
			ValidUntil:   g.ValidUntil,
			Conditions:   g.Conditions,
		}
		if g.IsGranted {
			set.Permissions = append(set.Permissions, entry)
			set.Counts.Sources.DirectUser++
		} else {
			set.Denied = append(set.Denied, entry)
		}
	}

	seen := make(map[int64]int, len(roles))
	for _, g := range roles {
		if _, ok := chosen[g.Permission.ID]; ok {
			continue
		}
		if idx, ok := seen[g.Permission.ID]; ok {
			// The same permission through another role: keep the first role, extend validity.
			set.Permissions[idx].ValidUntil = latest(set.Permissions[idx].ValidUntil, g.ValidUntil)
			continue
		}
		roleID := g.RoleID
		seen[g.Permission.ID] = len(set.Permissions)
		set.Permissions = append(set.Permissions, domain.EffectivePermission{
			PermissionID: g.Permission.ID,
			Code:         g.Permission.Code,
			Resource:     g.Permission.Resource,
			Action:       g.Permission.Action,
			Scope:        g.Permission.Scope,
			Source:       domain.SourceRole,
			IsGranted:    true,
			RoleID:       &roleID,
			RoleName:     g.RoleName,
			ValidUntil:   g.ValidUntil,
		})
		set.Counts.Sources.FromRoles++
	}

	set.Counts.TotalPermissions = len(set.Permissions)
	set.Counts.DeniedCount = len(set.Denied)
	return set
}

func outranks(a, b domain.DirectGrant) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.GrantID > b.GrantID
}

// latest returns the later expiry; nil means open-ended and wins.
func latest(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if a.After(*b) {
		return a
	}
	return b
}
