// Package history is the append-only change ledger of the permission engine. Every
// mutation records its before and after snapshots inside the mutation's own
// transaction; entries are never edited, and rollback appends a new entry.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strconv"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Invalidator drops cached state derived from an entity a rollback restored.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID int64) error
	InvalidateRole(ctx context.Context, roleID int64) error
}

// Change describes one mutation to record. Previous and New are snapshots of the entity;
// nil records the entity as absent.
type Change struct {
	EntityType  domain.EntityType
	EntityID    string
	Operation   domain.Operation
	Previous    any
	New         any
	PerformedBy int64
	Metadata    map[string]any
}

// Ledger records and queries change history.
type Ledger struct {
	store       repository.Store
	invalidator Invalidator
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewLedger constructs a Ledger. invalidator may be nil when nothing is cached.
func NewLedger(store repository.Store, invalidator Invalidator, logger *slog.Logger, metrics *observability.Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, invalidator: invalidator, logger: logger, metrics: metrics}
}

type metadataKey struct{}

// WithMetadata attaches metadata merged into every entry recorded under ctx. Keys set
// explicitly on a Change win.
func WithMetadata(ctx context.Context, metadata map[string]any) context.Context {
	merged := make(map[string]any, len(metadata))
	if existing, ok := ctx.Value(metadataKey{}).(map[string]any); ok {
		maps.Copy(merged, existing)
	}
	maps.Copy(merged, metadata)
	return context.WithValue(ctx, metadataKey{}, merged)
}

// Record appends c inside tx. The entry commits or rolls back with the caller's mutation.
func (l *Ledger) Record(ctx context.Context, tx repository.Tx, c Change) (domain.ChangeEntry, error) {
	if err := validateChange(c); err != nil {
		return domain.ChangeEntry{}, err
	}
	prev, err := snapshot(c.Previous)
	if err != nil {
		return domain.ChangeEntry{}, fmt.Errorf("%w: encode previous state: %w", shared.ErrInvalidInput, err)
	}
	next, err := snapshot(c.New)
	if err != nil {
		return domain.ChangeEntry{}, fmt.Errorf("%w: encode new state: %w", shared.ErrInvalidInput, err)
	}

	var metadata map[string]any
	if fromCtx, ok := ctx.Value(metadataKey{}).(map[string]any); ok && len(fromCtx) > 0 {
		metadata = maps.Clone(fromCtx)
	}
	if len(c.Metadata) > 0 {
		if metadata == nil {
			metadata = make(map[string]any, len(c.Metadata))
		}
		maps.Copy(metadata, c.Metadata)
	}

	entry, err := tx.AppendChange(ctx, domain.ChangeEntry{
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		Operation:     c.Operation,
		PreviousState: prev,
		NewState:      next,
		PerformedBy:   c.PerformedBy,
		Metadata:      metadata,
	})
	if err != nil {
		return domain.ChangeEntry{}, fmt.Errorf("record %s %s on %s: %w", c.Operation, c.EntityType, c.EntityID, err)
	}
	l.metrics.ObserveLedgerEntry(string(c.EntityType), string(c.Operation))
	return entry, nil
}

// Get fetches a single entry.
func (l *Ledger) Get(ctx context.Context, id int64) (domain.ChangeEntry, error) {
	return l.store.GetChange(ctx, id)
}

// EntityHistory lists the entries of one entity in recording order.
func (l *Ledger) EntityHistory(ctx context.Context, entityType domain.EntityType, entityID string, filter domain.ChangeFilter) ([]domain.ChangeEntry, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", shared.ErrInvalidInput, entityType)
	}
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id required", shared.ErrInvalidInput)
	}
	filter.EntityType = entityType
	filter.EntityID = entityID
	return l.Query(ctx, filter)
}

// Query lists entries matching filter in recording order.
func (l *Ledger) Query(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEntry, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	entries, err := l.store.ListChanges(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query change history: %w", err)
	}
	return entries, nil
}

func validateChange(c Change) error {
	if !c.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", shared.ErrInvalidInput, c.EntityType)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", shared.ErrInvalidInput, c.Operation)
	}
	if c.EntityType == domain.EntityRolePermissionSet {
		if _, err := strconv.ParseInt(c.EntityID, 10, 64); err != nil {
			return fmt.Errorf("%w: entity id %q is not a role id", shared.ErrInvalidInput, c.EntityID)
		}
		return nil
	}
	if _, _, err := domain.ParsePairID(c.EntityID); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}
	return nil
}

func validateFilter(f domain.ChangeFilter) error {
	if f.EntityType != "" && !f.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", shared.ErrInvalidInput, f.EntityType)
	}
	if f.Operation != "" && !f.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", shared.ErrInvalidInput, f.Operation)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return fmt.Errorf("%w: from is after to", shared.ErrInvalidInput)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: negative paging", shared.ErrInvalidInput)
	}
	return nil
}

var null = json.RawMessage("null")

func snapshot(v any) (json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return null, nil
	case json.RawMessage:
		if len(s) == 0 {
			return null, nil
		}
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func isAbsent(state json.RawMessage) bool {
	return len(state) == 0 || string(state) == "null"
}
