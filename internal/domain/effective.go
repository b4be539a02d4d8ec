package domain

import "time"

// Source names the level an effective entry came from.
type Source string

const (
	SourceUser Source = "user"
	SourceRole Source = "role"
)

// RoleGrant is a permission reachable through an active role assignment.
type RoleGrant struct {
	RoleID     int64
	RoleName   string
	RoleLevel  int
	Permission Permission
	ValidUntil *time.Time
}

// DirectGrant is a user-level grant or deny currently in force.
type DirectGrant struct {
	GrantID     int64
	Permission  Permission
	IsGranted   bool
	Priority    int
	IsTemporary bool
	ValidUntil  *time.Time
	Conditions  Conditions
	UpdatedAt   time.Time
}

// EffectivePermission is one resolved entry of a user's effective set.
type EffectivePermission struct {
	PermissionID int64      `json:"permissionId"`
	Code         string     `json:"code"`
	Resource     string     `json:"resource"`
	Action       string     `json:"action"`
	Scope        string     `json:"scope"`
	Source       Source     `json:"source"`
	IsGranted    bool       `json:"isGranted"`
	Priority     *int       `json:"priority,omitempty"`
	RoleID       *int64     `json:"roleId,omitempty"`
	RoleName     string     `json:"roleName,omitempty"`
	IsTemporary  bool       `json:"isTemporary,omitempty"`
	ValidUntil   *time.Time `json:"validUntil,omitempty"`
	Conditions   Conditions `json:"conditions,omitempty"`
}

// Permission rebuilds the catalog fields carried by the entry.
func (e EffectivePermission) Permission() Permission {
	return Permission{ID: e.PermissionID, Code: e.Code, Resource: e.Resource, Action: e.Action, Scope: e.Scope, IsActive: true}
}

// SourceCounts splits granted entries by origin.
type SourceCounts struct {
	DirectUser int `json:"directUser"`
	FromRoles  int `json:"fromRoles"`
}

// EffectiveCounts summarises an effective set for observability.
type EffectiveCounts struct {
	TotalPermissions int          `json:"totalPermissions"`
	DeniedCount      int          `json:"deniedCount"`
	Sources          SourceCounts `json:"sources"`
}

// EffectivePermissionSet is the computed, query-scoped answer for one user.
// Permissions holds granted entries only; Denied is kept for explanation and audit.
type EffectivePermissionSet struct {
	UserID      int64                 `json:"userId"`
	Permissions []EffectivePermission `json:"permissions"`
	Denied      []EffectivePermission `json:"denied"`
	Counts      EffectiveCounts       `json:"counts"`
	ComputedAt  time.Time             `json:"computedAt"`
	// NextChangeAt is the earliest future instant a grant or assignment not yet in force starts.
	NextChangeAt *time.Time `json:"nextChangeAt,omitempty"`
}

// Has reports whether the permission id is in the granted set.
func (s EffectivePermissionSet) Has(permissionID int64) bool {
	_, ok := s.Lookup(permissionID)
	return ok
}

// Lookup returns the granted entry for permissionID.
func (s EffectivePermissionSet) Lookup(permissionID int64) (EffectivePermission, bool) {
	for _, p := range s.Permissions {
		if p.PermissionID == permissionID {
			return p, true
		}
	}
	return EffectivePermission{}, false
}

// HasCode reports whether a permission code is in the granted set.
func (s EffectivePermissionSet) HasCode(code string) bool {
	for _, p := range s.Permissions {
		if p.Code == code {
			return true
		}
	}
	return false
}

// Codes lists the granted permission codes in set order.
func (s EffectivePermissionSet) Codes() []string {
	codes := make([]string, 0, len(s.Permissions))
	for _, p := range s.Permissions {
		codes = append(codes, p.Code)
	}
	return codes
}
