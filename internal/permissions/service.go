package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/cache"
	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const cacheKindGrantList = "grant_list"

// ServiceDeps are the collaborators of Service. Cache, Lists, Logger and Metrics are optional.
type ServiceDeps struct {
	Store        repository.Store
	Calculator   *Calculator
	Ledger       *history.Ledger
	Invalidation *Invalidation
	Cache        cache.Cache
	Lists        *cache.Generations
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// ServiceConfig tunes Service.
type ServiceConfig struct {
	// ListTTL bounds how long a ListGrants result is cached. Zero disables list caching.
	ListTTL time.Duration
	Now     func() time.Time
}

// Service owns every mutation of grants, role assignments and role permissions. Each
// mutation commits together with its ledger entry, then invalidates cached state.
type Service struct {
	store      repository.Store
	catalog    *Catalog
	calc       *Calculator
	ledger     *history.Ledger
	invalidate *Invalidation
	cache      cache.Cache
	lists      *cache.Generations
	cfg        ServiceConfig
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewService wires a Service.
func NewService(deps ServiceDeps, cfg ServiceConfig) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := deps.Cache
	if c == nil {
		c = cache.Nop{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	inv := deps.Invalidation
	if inv == nil {
		inv = NewInvalidation(deps.Calculator, deps.Lists, logger)
	}
	return &Service{
		store:      deps.Store,
		catalog:    NewCatalog(deps.Store),
		calc:       deps.Calculator,
		ledger:     deps.Ledger,
		invalidate: inv,
		cache:      c,
		lists:      deps.Lists,
		cfg:        cfg,
		now:        now,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// Calculator exposes effective set reads.
func (s *Service) Calculator() *Calculator {
	return s.calc
}

// Catalog exposes permission and role lookups.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// GrantPermission creates a direct grant for in.UserID.
func (s *Service) GrantPermission(ctx context.Context, in GrantInput, performedBy int64) (domain.UserPermissionGrant, error) {
	return s.createGrant(ctx, in, true, performedBy)
}

// DenyPermission creates an explicit deny for in.UserID. A deny overrides every role grant
// of the same permission.
func (s *Service) DenyPermission(ctx context.Context, in GrantInput, performedBy int64) (domain.UserPermissionGrant, error) {
	return s.createGrant(ctx, in, false, performedBy)
}

func (s *Service) createGrant(ctx context.Context, in GrantInput, granted bool, performedBy int64) (domain.UserPermissionGrant, error) {
	if err := Validate(in); err != nil {
		return domain.UserPermissionGrant{}, err
	}
	grant := domain.UserPermissionGrant{
		UserID:       in.UserID,
		PermissionID: in.PermissionID,
		IsGranted:    granted,
		Priority:     in.Priority,
		ValidFrom:    in.ValidFrom,
		ValidUntil:   in.ValidUntil,
		IsTemporary:  in.IsTemporary,
		Conditions:   in.Conditions,
		GrantedBy:    performedBy,
		GrantReason:  in.Reason,
	}
	if err := validateGrant(grant); err != nil {
		return domain.UserPermissionGrant{}, err
	}

	var created domain.UserPermissionGrant
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := requireUser(ctx, tx, in.UserID); err != nil {
			return err
		}
		if _, err := activePermission(ctx, tx, in.PermissionID); err != nil {
			return err
		}
		var err error
		created, err = tx.InsertUserGrant(ctx, grant)
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityUserPermission,
			EntityID:    domain.PairID(in.UserID, in.PermissionID),
			Operation:   domain.OpAssign,
			New:         created,
			PerformedBy: performedBy,
			Metadata:    reasonMetadata(in.Reason),
		})
		return err
	})
	if err != nil {
		return domain.UserPermissionGrant{}, err
	}
	s.invalidate.after(ctx, "grant permission", s.invalidate.InvalidateUser(ctx, in.UserID))
	s.logger.Info("user permission assigned",
		slog.Int64("user_id", in.UserID),
		slog.Int64("permission_id", in.PermissionID),
		slog.Bool("granted", granted),
		slog.Int64("performed_by", performedBy),
	)
	return created, nil
}

// UpdateGrant changes an existing direct grant.
func (s *Service) UpdateGrant(ctx context.Context, userID, permissionID int64, in UpdateGrantInput, performedBy int64) (domain.UserPermissionGrant, error) {
	if err := Validate(in); err != nil {
		return domain.UserPermissionGrant{}, err
	}
	return s.mutateGrant(ctx, userID, permissionID, domain.OpUpdate, performedBy, func(g domain.UserPermissionGrant) domain.UserPermissionGrant {
		return in.apply(g)
	})
}

// UpdatePriority changes only the priority of an existing direct grant.
func (s *Service) UpdatePriority(ctx context.Context, userID, permissionID int64, priority int, performedBy int64) (domain.UserPermissionGrant, error) {
	return s.mutateGrant(ctx, userID, permissionID, domain.OpUpdatePriority, performedBy, func(g domain.UserPermissionGrant) domain.UserPermissionGrant {
		g.Priority = priority
		return g
	})
}

func (s *Service) mutateGrant(ctx context.Context, userID, permissionID int64, op domain.Operation, performedBy int64, change func(domain.UserPermissionGrant) domain.UserPermissionGrant) (domain.UserPermissionGrant, error) {
	var updated domain.UserPermissionGrant
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetUserGrant(ctx, userID, permissionID)
		if err != nil {
			return err
		}
		next := change(current)
		if err := validateGrant(next); err != nil {
			return err
		}
		updated, err = tx.UpdateUserGrant(ctx, next)
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityUserPermission,
			EntityID:    domain.PairID(userID, permissionID),
			Operation:   op,
			Previous:    current,
			New:         updated,
			PerformedBy: performedBy,
		})
		return err
	})
	if err != nil {
		return domain.UserPermissionGrant{}, err
	}
	s.invalidate.after(ctx, "update grant", s.invalidate.InvalidateUser(ctx, userID))
	return updated, nil
}

// RevokePermission deletes the direct grant or deny of permissionID for userID.
func (s *Service) RevokePermission(ctx context.Context, userID, permissionID, performedBy int64, reason string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.GetUserGrant(ctx, userID, permissionID)
		if err != nil {
			return err
		}
		if err := tx.DeleteUserGrant(ctx, userID, permissionID); err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, history.Change{
			EntityType:  domain.EntityUserPermission,
			EntityID:    domain.PairID(userID, permissionID),
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
	s.invalidate.after(ctx, "revoke permission", s.invalidate.InvalidateUser(ctx, userID))
	s.logger.Info("user permission revoked",
		slog.Int64("user_id", userID),
		slog.Int64("permission_id", permissionID),
		slog.Int64("performed_by", performedBy),
	)
	return nil
}

// GetTemporaryPermissions lists the user's temporary grants currently in force.
func (s *Service) GetTemporaryPermissions(ctx context.Context, userID int64) ([]domain.UserPermissionGrant, error) {
	temporary := true
	grants, err := s.store.ListGrants(ctx, domain.GrantFilter{UserID: userID, Temporary: &temporary})
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]domain.UserPermissionGrant, 0, len(grants))
	for _, g := range grants {
		if g.Window().Contains(now) {
			out = append(out, g)
		}
	}
	return out, nil
}

// ListGrants lists direct grants matching filter. Results are cached per filter inside
// the current listing generation, which every grant mutation advances.
func (s *Service) ListGrants(ctx context.Context, filter domain.GrantFilter) ([]domain.UserPermissionGrant, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: negative paging", shared.ErrInvalidInput)
	}
	key := s.listKey(ctx, filter)
	if key != "" {
		if raw, ok, err := s.cache.Get(ctx, key); err != nil {
			s.metrics.ObserveCache(cacheKindGrantList, observability.CacheError)
			s.logger.Warn("grant list cache read", slog.Any("error", err))
		} else if ok {
			var grants []domain.UserPermissionGrant
			if err := json.Unmarshal(raw, &grants); err == nil {
				s.metrics.ObserveCache(cacheKindGrantList, observability.CacheHit)
				return grants, nil
			}
		} else {
			s.metrics.ObserveCache(cacheKindGrantList, observability.CacheMiss)
		}
	}

	grants, err := s.store.ListGrants(ctx, filter)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []domain.UserPermissionGrant{}
	}
	if key != "" {
		if raw, err := json.Marshal(grants); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cfg.ListTTL); err != nil {
				s.logger.Warn("grant list cache write", slog.Any("error", err))
			}
		}
	}
	return grants, nil
}

func (s *Service) listKey(ctx context.Context, f domain.GrantFilter) string {
	if s.lists == nil || s.cfg.ListTTL <= 0 {
		return ""
	}
	key, err := s.lists.Key(ctx, grantListFamily,
		"u"+strconv.FormatInt(f.UserID, 10),
		"p"+strconv.FormatInt(f.PermissionID, 10),
		"g"+boolToken(f.IsGranted),
		"t"+boolToken(f.Temporary),
		"l"+strconv.Itoa(f.Limit),
		"o"+strconv.Itoa(f.Offset),
	)
	if err != nil {
		s.logger.Warn("grant list generation", slog.Any("error", err))
		return ""
	}
	return key
}

func boolToken(b *bool) string {
	switch {
	case b == nil:
		return "-"
	case *b:
		return "1"
	}
	return "0"
}

func reasonMetadata(reason string) map[string]any {
	if reason == "" {
		return nil
	}
	return map[string]any{"reason": reason}
}
