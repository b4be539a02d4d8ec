package permissions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
)

// RoleResolver lists the permissions a user reaches through role assignments.
type RoleResolver struct {
	store repository.Reader
	now   func() time.Time
}

// NewRoleResolver constructs a RoleResolver. A nil now defaults to time.Now.
func NewRoleResolver(store repository.Reader, now func() time.Time) *RoleResolver {
	if now == nil {
		now = time.Now
	}
	return &RoleResolver{store: store, now: now}
}

// Resolve returns every granted role permission reachable through an active, in-window
// assignment on an active role. Results are ordered by role level (highest first), then
// role id, then permission id. An unknown user resolves to nothing.
//
// next is the earliest instant after now at which a row that is not yet in force starts,
// nil when no such row exists.
func (r *RoleResolver) Resolve(ctx context.Context, userID int64) (grants []domain.RoleGrant, next *time.Time, err error) {
	rows, err := r.store.ListRoleGrantRows(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve role grants for user %d: %w", userID, err)
	}
	now := r.now()
	grants = make([]domain.RoleGrant, 0, len(rows))
	for _, row := range rows {
		if !row.Assignment.IsActive || !row.Role.IsActive || !row.RolePermission.IsGranted || !row.Permission.IsActive {
			continue
		}
		assignment, grant := row.Assignment.Window(), row.RolePermission.Window()
		if !assignment.Contains(now) || !grant.Contains(now) {
			if start := latestStart(assignment.From, grant.From); start != nil && start.After(now) &&
				assignment.Contains(*start) && grant.Contains(*start) {
				next = earliest(next, start)
			}
			continue
		}
		grants = append(grants, domain.RoleGrant{
			RoleID:     row.Role.ID,
			RoleName:   row.Role.Name,
			RoleLevel:  row.Role.Level,
			Permission: row.Permission,
			ValidUntil: earliest(row.Assignment.EffectiveUntil, row.RolePermission.ValidUntil),
		})
	}
	sort.SliceStable(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		if a.RoleLevel != b.RoleLevel {
			return a.RoleLevel > b.RoleLevel
		}
		if a.RoleID != b.RoleID {
			return a.RoleID < b.RoleID
		}
		return a.Permission.ID < b.Permission.ID
	})
	return grants, next, nil
}

// DirectResolver lists a user's own grants and denies currently in force.
type DirectResolver struct {
	store repository.Reader
	now   func() time.Time
}

// NewDirectResolver constructs a DirectResolver. A nil now defaults to time.Now.
func NewDirectResolver(store repository.Reader, now func() time.Time) *DirectResolver {
	if now == nil {
		now = time.Now
	}
	return &DirectResolver{store: store, now: now}
}

// Resolve returns the user's grants and denies whose validity window contains now, and the
// earliest future validFrom among the rows not yet in force.
func (r *DirectResolver) Resolve(ctx context.Context, userID int64) (grants []domain.DirectGrant, next *time.Time, err error) {
	rows, err := r.store.ListDirectGrantRows(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve direct grants for user %d: %w", userID, err)
	}
	now := r.now()
	grants = make([]domain.DirectGrant, 0, len(rows))
	for _, row := range rows {
		if !row.Permission.IsActive {
			continue
		}
		if window := row.Grant.Window(); !window.Contains(now) {
			if window.From != nil && window.From.After(now) {
				next = earliest(next, window.From)
			}
			continue
		}
		grants = append(grants, domain.DirectGrant{
			GrantID:     row.Grant.ID,
			Permission:  row.Permission,
			IsGranted:   row.Grant.IsGranted,
			Priority:    row.Grant.Priority,
			IsTemporary: row.Grant.IsTemporary,
			ValidUntil:  row.Grant.ValidUntil,
			Conditions:  row.Grant.Conditions,
			UpdatedAt:   row.Grant.UpdatedAt,
		})
	}
	return grants, next, nil
}

func earliest(times ...*time.Time) *time.Time {
	var out *time.Time
	for _, t := range times {
		if t != nil && (out == nil || t.Before(*out)) {
			out = t
		}
	}
	return out
}

func latestStart(times ...*time.Time) *time.Time {
	var out *time.Time
	for _, t := range times {
		if t != nil && (out == nil || t.After(*out)) {
			out = t
		}
	}
	return out
}
