// Package memory implements repository.Store in process memory. Committed state is an
// immutable snapshot: readers never lock, and each transaction works on a private copy
// that replaces the snapshot only on commit.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
)

type pair [2]int64

type state struct {
	users       map[int64]struct{}
	permissions map[int64]domain.Permission
	roles       map[int64]domain.Role
	rolePerms   map[pair]domain.RolePermission
	assignments map[pair]domain.UserRoleAssignment
	grants      map[pair]domain.UserPermissionGrant
	changes     []domain.ChangeEntry

	nextPermissionID int64
	nextRoleID       int64
	nextGrantID      int64
	nextChangeID     int64
}

func newState() *state {
	return &state{
		users:       make(map[int64]struct{}),
		permissions: make(map[int64]domain.Permission),
		roles:       make(map[int64]domain.Role),
		rolePerms:   make(map[pair]domain.RolePermission),
		assignments: make(map[pair]domain.UserRoleAssignment),
		grants:      make(map[pair]domain.UserPermissionGrant),

		nextPermissionID: 1,
		nextRoleID:       1,
		nextGrantID:      1,
		nextChangeID:     1,
	}
}

func (s *state) clone() *state {
	c := *s
	c.users = make(map[int64]struct{}, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	c.permissions = make(map[int64]domain.Permission, len(s.permissions))
	for k, v := range s.permissions {
		c.permissions[k] = v
	}
	c.roles = make(map[int64]domain.Role, len(s.roles))
	for k, v := range s.roles {
		c.roles[k] = v
	}
	c.rolePerms = make(map[pair]domain.RolePermission, len(s.rolePerms))
	for k, v := range s.rolePerms {
		c.rolePerms[k] = v
	}
	c.assignments = make(map[pair]domain.UserRoleAssignment, len(s.assignments))
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	c.grants = make(map[pair]domain.UserPermissionGrant, len(s.grants))
	for k, v := range s.grants {
		c.grants[k] = v
	}
	// Entries are never mutated, so sharing the backing array is safe once capacity is capped.
	c.changes = s.changes[:len(s.changes):len(s.changes)]
	return &c
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is an in-memory repository.Store.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[state]
	now     func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(newState())
	return s
}

func (s *Store) view() *view {
	return &view{st: s.current.Load(), now: s.now}
}

// WithTx runs fn against a private copy of the committed state and publishes it when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.current.Load().clone()
	if err := fn(ctx, &view{st: working, now: s.now}); err != nil {
		return err
	}
	s.current.Store(working)
	return nil
}

func (s *Store) mutate(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.current.Load().clone()
	fn(working)
	s.current.Store(working)
}

// AddUsers registers user ids. Users are owned by the identity boundary; the store only
// needs to know which ids exist.
func (s *Store) AddUsers(ids ...int64) {
	s.mutate(func(st *state) {
		for _, id := range ids {
			st.users[id] = struct{}{}
		}
	})
}

// PutPermission inserts or replaces a catalog permission, assigning an id when zero.
func (s *Store) PutPermission(p domain.Permission) domain.Permission {
	s.mutate(func(st *state) {
		if p.ID == 0 {
			p.ID = st.nextPermissionID
		}
		if p.ID >= st.nextPermissionID {
			st.nextPermissionID = p.ID + 1
		}
		now := s.now()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		st.permissions[p.ID] = p
	})
	return p
}

// PutRole inserts or replaces a role, assigning an id when zero.
func (s *Store) PutRole(r domain.Role) domain.Role {
	s.mutate(func(st *state) {
		if r.ID == 0 {
			r.ID = st.nextRoleID
		}
		if r.ID >= st.nextRoleID {
			st.nextRoleID = r.ID + 1
		}
		now := s.now()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		st.roles[r.ID] = r
	})
	return r
}

func (s *Store) UserExists(ctx context.Context, userID int64) (bool, error) {
	return s.view().UserExists(ctx, userID)
}

func (s *Store) GetPermission(ctx context.Context, id int64) (domain.Permission, error) {
	return s.view().GetPermission(ctx, id)
}

func (s *Store) GetPermissionByCode(ctx context.Context, code string) (domain.Permission, error) {
	return s.view().GetPermissionByCode(ctx, code)
}

func (s *Store) ListPermissions(ctx context.Context, filter domain.PermissionFilter) ([]domain.Permission, error) {
	return s.view().ListPermissions(ctx, filter)
}

func (s *Store) GetRole(ctx context.Context, id int64) (domain.Role, error) {
	return s.view().GetRole(ctx, id)
}

func (s *Store) ListRoles(ctx context.Context, activeOnly bool) ([]domain.Role, error) {
	return s.view().ListRoles(ctx, activeOnly)
}

func (s *Store) GetRolePermission(ctx context.Context, roleID, permissionID int64) (domain.RolePermission, error) {
	return s.view().GetRolePermission(ctx, roleID, permissionID)
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID int64) ([]domain.RolePermission, error) {
	return s.view().ListRolePermissions(ctx, roleID)
}

func (s *Store) GetUserRoleAssignment(ctx context.Context, userID, roleID int64) (domain.UserRoleAssignment, error) {
	return s.view().GetUserRoleAssignment(ctx, userID, roleID)
}

func (s *Store) ListUserRoleAssignments(ctx context.Context, userID int64) ([]domain.UserRoleAssignment, error) {
	return s.view().ListUserRoleAssignments(ctx, userID)
}

func (s *Store) ListUserIDsByRole(ctx context.Context, roleID int64) ([]int64, error) {
	return s.view().ListUserIDsByRole(ctx, roleID)
}

func (s *Store) ListRoleGrantRows(ctx context.Context, userID int64) ([]domain.RoleGrantRow, error) {
	return s.view().ListRoleGrantRows(ctx, userID)
}

func (s *Store) GetUserGrant(ctx context.Context, userID, permissionID int64) (domain.UserPermissionGrant, error) {
	return s.view().GetUserGrant(ctx, userID, permissionID)
}

func (s *Store) ListDirectGrantRows(ctx context.Context, userID int64) ([]domain.DirectGrantRow, error) {
	return s.view().ListDirectGrantRows(ctx, userID)
}

func (s *Store) ListGrants(ctx context.Context, filter domain.GrantFilter) ([]domain.UserPermissionGrant, error) {
	return s.view().ListGrants(ctx, filter)
}

func (s *Store) ListUsersWithBoundaries(ctx context.Context, from, to time.Time) ([]int64, error) {
	return s.view().ListUsersWithBoundaries(ctx, from, to)
}

func (s *Store) GetChange(ctx context.Context, id int64) (domain.ChangeEntry, error) {
	return s.view().GetChange(ctx, id)
}

func (s *Store) ListChanges(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEntry, error) {
	return s.view().ListChanges(ctx, filter)
}
