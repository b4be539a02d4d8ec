package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityType names the kind of entity a ledger entry describes.
type EntityType string

const (
	EntityUserPermission    EntityType = "user_permission"
	EntityUserRole          EntityType = "user_role"
	EntityRolePermission    EntityType = "role_permission"
	EntityRolePermissionSet EntityType = "role_permission_set"
)

// Valid reports whether the entity type is known to the ledger.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUserPermission, EntityUserRole, EntityRolePermission, EntityRolePermissionSet:
		return true
	}
	return false
}

// Operation is the mutation recorded by a ledger entry.
type Operation string

const (
	OpAssign         Operation = "ASSIGN"
	OpRevoke         Operation = "REVOKE"
	OpUpdate         Operation = "UPDATE"
	OpUpdatePriority Operation = "UPDATE_PRIORITY"
	OpBulkAssign     Operation = "BULK_ASSIGN"
	OpBulkRemove     Operation = "BULK_REMOVE"
	OpRollback       Operation = "ROLLBACK"
)

// Valid reports whether the operation is known to the ledger.
func (o Operation) Valid() bool {
	switch o {
	case OpAssign, OpRevoke, OpUpdate, OpUpdatePriority, OpBulkAssign, OpBulkRemove, OpRollback:
		return true
	}
	return false
}

// ChangeEntry is an immutable ledger record. A state of JSON null means the entity was absent.
type ChangeEntry struct {
	ID            int64           `json:"id"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Operation     Operation       `json:"operation"`
	PreviousState json.RawMessage `json:"previousState"`
	NewState      json.RawMessage `json:"newState"`
	PerformedBy   int64           `json:"performedBy"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ChangeFilter narrows ledger queries and exports.
type ChangeFilter struct {
	EntityType  EntityType
	EntityID    string
	Operation   Operation
	PerformedBy int64
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// RolePermissionSet is the snapshot of a role's full permission list.
type RolePermissionSet struct {
	RoleID      int64            `json:"roleId"`
	Permissions []RolePermission `json:"permissions"`
}

// PairID formats a composite entity id such as "<userID>:<permissionID>".
func PairID(a, b int64) string {
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// ParsePairID splits an id produced by PairID.
func ParsePairID(id string) (int64, int64, error) {
	left, right, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("entity id %q is not a pair", id)
	}
	a, err := strconv.ParseInt(left, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("entity id %q: %w", id, err)
	}
	b, err := strconv.ParseInt(right, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("entity id %q: %w", id, err)
	}
	return a, b, nil
}
