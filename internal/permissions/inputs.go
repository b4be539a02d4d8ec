package permissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// GrantInput creates a direct grant or deny.
type GrantInput struct {
	UserID       int64             `json:"userId" validate:"required,gt=0"`
	PermissionID int64             `json:"permissionId" validate:"required,gt=0"`
	Priority     int               `json:"priority"`
	ValidFrom    *time.Time        `json:"validFrom,omitempty"`
	ValidUntil   *time.Time        `json:"validUntil,omitempty"`
	IsTemporary  bool              `json:"isTemporary"`
	Conditions   domain.Conditions `json:"conditions,omitempty"`
	Reason       string            `json:"reason,omitempty" validate:"max=500"`
}

// UpdateGrantInput changes an existing direct grant. Nil fields are left unchanged.
type UpdateGrantInput struct {
	IsGranted       *bool             `json:"isGranted,omitempty"`
	Priority        *int              `json:"priority,omitempty"`
	ValidFrom       *time.Time        `json:"validFrom,omitempty"`
	ValidUntil      *time.Time        `json:"validUntil,omitempty"`
	ClearValidFrom  bool              `json:"clearValidFrom,omitempty"`
	ClearValidUntil bool              `json:"clearValidUntil,omitempty"`
	IsTemporary     *bool             `json:"isTemporary,omitempty"`
	Conditions      domain.Conditions `json:"conditions,omitempty"`
	Reason          *string           `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// RoleAssignmentInput assigns a role to a user.
type RoleAssignmentInput struct {
	UserID         int64      `json:"userId" validate:"required,gt=0"`
	RoleID         int64      `json:"roleId" validate:"required,gt=0"`
	EffectiveFrom  *time.Time `json:"effectiveFrom,omitempty"`
	EffectiveUntil *time.Time `json:"effectiveUntil,omitempty"`
}

// UpdateAssignmentInput changes an existing role assignment. Nil fields are left unchanged.
type UpdateAssignmentInput struct {
	IsActive            *bool      `json:"isActive,omitempty"`
	EffectiveFrom       *time.Time `json:"effectiveFrom,omitempty"`
	EffectiveUntil      *time.Time `json:"effectiveUntil,omitempty"`
	ClearEffectiveFrom  bool       `json:"clearEffectiveFrom,omitempty"`
	ClearEffectiveUntil bool       `json:"clearEffectiveUntil,omitempty"`
}

// RolePermissionInput attaches one permission to a role.
type RolePermissionInput struct {
	PermissionID int64      `json:"permissionId" validate:"required,gt=0"`
	ValidFrom    *time.Time `json:"validFrom,omitempty"`
	ValidUntil   *time.Time `json:"validUntil,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and reports failures as shared.ErrInvalidInput.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, fe.Field()+" "+fe.Tag())
		}
		return fmt.Errorf("%w: %s", shared.ErrInvalidInput, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
}

func validateWindow(w domain.Window, what string) error {
	if !w.Valid() {
		return fmt.Errorf("%w: %s must end after it starts", shared.ErrInvalidInput, what)
	}
	return nil
}

func validateGrant(g domain.UserPermissionGrant) error {
	if err := validateWindow(g.Window(), "grant window"); err != nil {
		return err
	}
	if g.IsTemporary && g.ValidUntil == nil {
		return fmt.Errorf("%w: temporary grant requires validUntil", shared.ErrInvalidInput)
	}
	if !g.Conditions.IsZero() && !json.Valid(g.Conditions) {
		return fmt.Errorf("%w: conditions must be valid JSON", shared.ErrInvalidInput)
	}
	return nil
}

func (in UpdateGrantInput) apply(g domain.UserPermissionGrant) domain.UserPermissionGrant {
	if in.IsGranted != nil {
		g.IsGranted = *in.IsGranted
	}
	if in.Priority != nil {
		g.Priority = *in.Priority
	}
	g.ValidFrom = pickTime(g.ValidFrom, in.ValidFrom, in.ClearValidFrom)
	g.ValidUntil = pickTime(g.ValidUntil, in.ValidUntil, in.ClearValidUntil)
	if in.IsTemporary != nil {
		g.IsTemporary = *in.IsTemporary
	}
	if in.Conditions != nil {
		g.Conditions = in.Conditions
	}
	if in.Reason != nil {
		g.GrantReason = *in.Reason
	}
	return g
}

func (in UpdateAssignmentInput) apply(a domain.UserRoleAssignment) domain.UserRoleAssignment {
	if in.IsActive != nil {
		a.IsActive = *in.IsActive
	}
	a.EffectiveFrom = pickTime(a.EffectiveFrom, in.EffectiveFrom, in.ClearEffectiveFrom)
	a.EffectiveUntil = pickTime(a.EffectiveUntil, in.EffectiveUntil, in.ClearEffectiveUntil)
	return a
}

func pickTime(current, next *time.Time, reset bool) *time.Time {
	switch {
	case reset:
		return nil
	case next != nil:
		return next
	}
	return current
}
