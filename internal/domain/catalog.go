// Package domain holds the data model shared by the permission engine, its storage adapters and the change ledger.
package domain

import (
	"strings"
	"time"
)

// Permission is an atomic capability registered in the catalog.
type Permission struct {
	ID                 int64     `json:"id"`
	Code               string    `json:"code"`
	Resource           string    `json:"resource"`
	Action             string    `json:"action"`
	Scope              string    `json:"scope"`
	Description        string    `json:"description,omitempty"`
	IsSystemPermission bool      `json:"isSystemPermission"`
	IsActive           bool      `json:"isActive"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Matches reports whether the permission covers the requested resource, action and scope.
// A "*" scope on the permission covers every scope; an empty requested scope matches any scope.
func (p Permission) Matches(resource, action, scope string) bool {
	if !strings.EqualFold(p.Resource, resource) || !strings.EqualFold(p.Action, action) {
		return false
	}
	scope = strings.TrimSpace(scope)
	if scope == "" || p.Scope == ScopeAny {
		return true
	}
	return strings.EqualFold(p.Scope, scope)
}

// ScopeAny is the wildcard scope.
const ScopeAny = "*"

// Role groups permissions. Level is an ordering hint only.
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Level        int       `json:"level"`
	IsSystemRole bool      `json:"isSystemRole"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PermissionFilter narrows catalog listings.
type PermissionFilter struct {
	Resource   string
	Action     string
	Scope      string
	ActiveOnly bool
}
