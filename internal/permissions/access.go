package permissions

import (
	"context"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
)

// Principal describes the authenticated actor. Identity is resolved upstream.
type Principal interface {
	GetID() int64
	IsSuperUser() bool
}

// User is a minimal Principal for callers that only carry an id.
type User struct {
	ID    int64
	Super bool
}

func (u User) GetID() int64      { return u.ID }
func (u User) IsSuperUser() bool { return u.Super }

type principalKey struct{}

// ContextWithPrincipal stores the principal for downstream access checks.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p != nil
}

// Decision reasons reported in PermissionResult.
const (
	ReasonSuperUser    = "superuser"
	ReasonGranted      = "granted"
	ReasonExplicitDeny = "explicit deny"
	ReasonNoMatch      = "no matching permission"
	ReasonNoPrincipal  = "no principal"
)

// PermissionResult explains an access decision.
type PermissionResult struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason"`
	PermissionID int64         `json:"permissionId,omitempty"`
	Code         string        `json:"code,omitempty"`
	Source       domain.Source `json:"source,omitempty"`
	RoleName     string        `json:"roleName,omitempty"`
	Denied       bool          `json:"denied"`
}

// CheckAccess decides whether the principal may perform action on resource within scope.
// An explicit user-level deny matching the request wins over any grant; without a match
// the answer is deny.
func (c *Calculator) CheckAccess(ctx context.Context, p Principal, resource, action, scope string) (PermissionResult, error) {
	if p == nil {
		c.metrics.ObserveDecision("deny")
		return PermissionResult{Reason: ReasonNoPrincipal}, nil
	}
	if p.IsSuperUser() {
		c.metrics.ObserveDecision("allow")
		return PermissionResult{Allowed: true, Reason: ReasonSuperUser}, nil
	}
	set, err := c.Effective(ctx, p.GetID())
	if err != nil {
		return PermissionResult{}, err
	}
	resource, action = strings.TrimSpace(resource), strings.TrimSpace(action)

	for _, d := range set.Denied {
		if d.Permission().Matches(resource, action, scope) {
			c.metrics.ObserveDecision("explicit_deny")
			return PermissionResult{
				Reason:       ReasonExplicitDeny,
				PermissionID: d.PermissionID,
				Code:         d.Code,
				Source:       d.Source,
				Denied:       true,
			}, nil
		}
	}
	for _, g := range set.Permissions {
		if g.Permission().Matches(resource, action, scope) {
			c.metrics.ObserveDecision("allow")
			return PermissionResult{
				Allowed:      true,
				Reason:       ReasonGranted,
				PermissionID: g.PermissionID,
				Code:         g.Code,
				Source:       g.Source,
				RoleName:     g.RoleName,
			}, nil
		}
	}
	c.metrics.ObserveDecision("deny")
	return PermissionResult{Reason: ReasonNoMatch}, nil
}

// HasPermission reports whether the user holds the permission code.
func (c *Calculator) HasPermission(ctx context.Context, userID int64, code string) (bool, error) {
	set, err := c.Effective(ctx, userID)
	if err != nil {
		return false, err
	}
	code = strings.ToLower(strings.TrimSpace(code))
	for _, p := range set.Permissions {
		if strings.ToLower(p.Code) == code {
			return true, nil
		}
	}
	return false, nil
}
