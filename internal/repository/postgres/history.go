package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const changeColumns = `h.id, h.entity_type, h.entity_id, h.operation, h.previous_state, h.new_state, h.performed_by, h.metadata, h.created_at`

type changeScan struct {
	entry    domain.ChangeEntry
	prev     []byte
	next     []byte
	metadata []byte
}

func (c *changeScan) dest() []any {
	return []any{&c.entry.ID, &c.entry.EntityType, &c.entry.EntityID, &c.entry.Operation,
		&c.prev, &c.next, &c.entry.PerformedBy, &c.metadata, &c.entry.CreatedAt}
}

func (c *changeScan) result() (domain.ChangeEntry, error) {
	out := c.entry
	out.PreviousState = rawState(c.prev)
	out.NewState = rawState(c.next)
	if len(c.metadata) > 0 {
		if err := json.Unmarshal(c.metadata, &out.Metadata); err != nil {
			return domain.ChangeEntry{}, fmt.Errorf("%w: decode change %d metadata: %w", shared.ErrStorage, out.ID, err)
		}
	}
	return out, nil
}

func rawState(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

func (s *queries) GetChange(ctx context.Context, id int64) (domain.ChangeEntry, error) {
	var c changeScan
	err := s.q.QueryRow(ctx, `SELECT `+changeColumns+` FROM permission_change_history h WHERE h.id = $1`, id).Scan(c.dest()...)
	if err != nil {
		return domain.ChangeEntry{}, mapError(err, "change %d", id)
	}
	return c.result()
}

func (s *queries) ListChanges(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+changeColumns+`
		FROM permission_change_history h
		WHERE ($1::text = '' OR h.entity_type = $1)
		  AND ($2::text = '' OR h.entity_id = $2)
		  AND ($3::text = '' OR h.operation = $3)
		  AND ($4::bigint = 0 OR h.performed_by = $4)
		  AND ($5::timestamptz IS NULL OR h.created_at >= $5)
		  AND ($6::timestamptz IS NULL OR h.created_at <= $6)
		ORDER BY h.id
		LIMIT $7 OFFSET $8`,
		string(filter.EntityType), filter.EntityID, string(filter.Operation), filter.PerformedBy,
		toPgTime(filter.From), toPgTime(filter.To), limitArg(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, mapError(err, "list changes")
	}
	defer rows.Close()

	var out []domain.ChangeEntry
	for rows.Next() {
		var c changeScan
		if err := rows.Scan(c.dest()...); err != nil {
			return nil, mapError(err, "scan change")
		}
		entry, err := c.result()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate changes")
	}
	return out, nil
}

func (s *queries) AppendChange(ctx context.Context, entry domain.ChangeEntry) (domain.ChangeEntry, error) {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return domain.ChangeEntry{}, fmt.Errorf("%w: encode change metadata: %w", shared.ErrInvalidInput, err)
		}
		metadata = encoded
	}

	var c changeScan
	err := s.q.QueryRow(ctx, `
		INSERT INTO permission_change_history AS h (
			entity_type, entity_id, operation, previous_state, new_state, performed_by, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+changeColumns,
		string(entry.EntityType), entry.EntityID, string(entry.Operation),
		stateArg(entry.PreviousState), stateArg(entry.NewState), entry.PerformedBy, metadata,
	).Scan(c.dest()...)
	if err != nil {
		return domain.ChangeEntry{}, mapError(err, "append %s change %s", entry.EntityType, entry.EntityID)
	}
	return c.result()
}

// stateArg stores JSON null as SQL NULL so "absent" has one representation.
func stateArg(state json.RawMessage) []byte {
	if len(state) == 0 || string(state) == "null" {
		return nil
	}
	return []byte(state)
}
