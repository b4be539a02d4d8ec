package history

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/repository"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func TestDiffStates(t *testing.T) {
	tests := []struct {
		name   string
		before string
		after  string
		want   []FieldChange
	}{
		{
			name:   "identical",
			before: `{"priority":1,"isGranted":true}`,
			after:  `{"isGranted":true,"priority":1}`,
			want:   []FieldChange{},
		},
		{
			name:   "scalar change",
			before: `{"priority":1}`,
			after:  `{"priority":4}`,
			want:   []FieldChange{{Path: "priority", Kind: FieldChanged, Before: json.Number("1"), After: json.Number("4")}},
		},
		{
			name:   "keys added and removed",
			before: `{"validUntil":"2026-01-01T00:00:00Z","priority":0}`,
			after:  `{"priority":0,"grantReason":"audit"}`,
			want: []FieldChange{
				{Path: "grantReason", Kind: FieldAdded, After: "audit"},
				{Path: "validUntil", Kind: FieldRemoved, Before: "2026-01-01T00:00:00Z"},
			},
		},
		{
			name:   "absent to present",
			before: `null`,
			after:  `{"isGranted":false}`,
			want:   []FieldChange{{Path: "isGranted", Kind: FieldAdded, After: false}},
		},
		{
			name:   "null field becomes object",
			before: `{"conditions":null,"priority":0}`,
			after:  `{"conditions":{"ip":"10.0.0.0/8","mfa":true},"priority":0}`,
			want: []FieldChange{{Path: "conditions", Kind: FieldChanged, After: map[string]any{"ip": "10.0.0.0/8", "mfa": true}}},
		},
		{
			name:   "object becomes null",
			before: `{"conditions":{"mfa":true}}`,
			after:  `{"conditions":null}`,
			want:   []FieldChange{{Path: "conditions", Kind: FieldChanged, Before: map[string]any{"mfa": true}}},
		},
		{
			name:   "nested arrays",
			before: `{"permissions":[{"permissionId":1,"isGranted":true}]}`,
			after:  `{"permissions":[{"permissionId":1,"isGranted":false},{"permissionId":2,"isGranted":true}]}`,
			want: []FieldChange{
				{Path: "permissions[0].isGranted", Kind: FieldChanged, Before: true, After: false},
				{Path: "permissions[1]", Kind: FieldAdded, After: map[string]any{"permissionId": json.Number("2"), "isGranted": true}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiffStates(json.RawMessage(tt.before), json.RawMessage(tt.after))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DiffStates(json.RawMessage(`{"a":`), nil)
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestCompareDiffsResultingStates(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newLedger(t)
	first := grantEntry(t, l, store, 2)
	second := mutate(t, l, store, func(ctx context.Context, tx repository.Tx) (Change, error) {
		before, err := tx.GetUserGrant(ctx, alice, permRead)
		if err != nil {
			return Change{}, err
		}
		next := before
		next.IsGranted = false
		after, err := tx.UpdateUserGrant(ctx, next)
		return Change{EntityType: domain.EntityUserPermission, EntityID: domain.PairID(alice, permRead), Operation: domain.OpUpdate, Previous: before, New: after, PerformedBy: admin}, err
	})

	diff, err := l.Compare(ctx, first.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, diff.First.ID)
	assert.Equal(t, []FieldChange{{Path: "isGranted", Kind: FieldChanged, Before: true, After: false}}, diff.Changes)

	_, err = l.Compare(ctx, first.ID, 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
