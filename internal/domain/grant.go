package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Window is a half-open validity interval [From, Until). A nil bound is open.
type Window struct {
	From  *time.Time
	Until *time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.Until != nil && !t.Before(*w.Until) {
		return false
	}
	return true
}

// Valid reports whether the window is well formed: Until must be strictly after From.
func (w Window) Valid() bool {
	if w.From == nil || w.Until == nil {
		return true
	}
	return w.Until.After(*w.From)
}

// Conditions is an opaque structured payload attached to a grant. The engine stores and
// returns it verbatim; evaluation belongs to an external policy evaluator.
type Conditions json.RawMessage

// IsZero reports whether no conditions were supplied.
func (c Conditions) IsZero() bool {
	trimmed := bytes.TrimSpace(c)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// MarshalJSON emits the payload unchanged, or null when empty.
func (c Conditions) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return json.RawMessage(c).MarshalJSON()
}

// UnmarshalJSON stores the payload unchanged.
func (c *Conditions) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = nil
		return nil
	}
	*c = append((*c)[:0], data...)
	return nil
}

// RolePermission ties a permission to a role. Only IsGranted rows are ever observed by resolvers.
type RolePermission struct {
	RoleID       int64      `json:"roleId"`
	PermissionID int64      `json:"permissionId"`
	IsGranted    bool       `json:"isGranted"`
	ValidFrom    *time.Time `json:"validFrom,omitempty"`
	ValidUntil   *time.Time `json:"validUntil,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Window returns the row's validity window.
func (rp RolePermission) Window() Window {
	return Window{From: rp.ValidFrom, Until: rp.ValidUntil}
}

// UserRoleAssignment links a user to a role for an effective window.
type UserRoleAssignment struct {
	UserID         int64      `json:"userId"`
	RoleID         int64      `json:"roleId"`
	IsActive       bool       `json:"isActive"`
	EffectiveFrom  *time.Time `json:"effectiveFrom,omitempty"`
	EffectiveUntil *time.Time `json:"effectiveUntil,omitempty"`
	AssignedBy     int64      `json:"assignedBy"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Window returns the assignment's effective window.
func (a UserRoleAssignment) Window() Window {
	return Window{From: a.EffectiveFrom, Until: a.EffectiveUntil}
}

// UserPermissionGrant is a direct grant (IsGranted) or explicit deny (!IsGranted) for one user.
type UserPermissionGrant struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"userId"`
	PermissionID int64      `json:"permissionId"`
	IsGranted    bool       `json:"isGranted"`
	Priority     int        `json:"priority"`
	ValidFrom    *time.Time `json:"validFrom,omitempty"`
	ValidUntil   *time.Time `json:"validUntil,omitempty"`
	IsTemporary  bool       `json:"isTemporary"`
	Conditions   Conditions `json:"conditions,omitempty"`
	GrantedBy    int64      `json:"grantedBy"`
	GrantReason  string     `json:"grantReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Window returns the grant's validity window.
func (g UserPermissionGrant) Window() Window {
	return Window{From: g.ValidFrom, Until: g.ValidUntil}
}

// GrantFilter narrows direct grant listings.
type GrantFilter struct {
	UserID       int64
	PermissionID int64
	IsGranted    *bool
	Temporary    *bool
	Limit        int
	Offset       int
}

// RoleGrantRow is the joined storage view RoleGrantResolver filters: one row per
// (assignment, role permission) pair reachable for a user.
type RoleGrantRow struct {
	Assignment     UserRoleAssignment
	Role           Role
	RolePermission RolePermission
	Permission     Permission
}

// DirectGrantRow pairs a direct grant with its catalog entry.
type DirectGrantRow struct {
	Grant      UserPermissionGrant
	Permission Permission
}
