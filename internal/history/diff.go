package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ChangeKind classifies one field difference.
type ChangeKind string

const (
	FieldAdded   ChangeKind = "added"
	FieldRemoved ChangeKind = "removed"
	FieldChanged ChangeKind = "changed"
)

// FieldChange is a difference at one path, e.g. "priority" or "permissions[2].isGranted".
type FieldChange struct {
	Path   string     `json:"path"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// Diff compares the resulting states of two ledger entries.
type Diff struct {
	First   domain.ChangeEntry `json:"first"`
	Second  domain.ChangeEntry `json:"second"`
	Changes []FieldChange      `json:"changes"`
}

// Compare diffs the NewState snapshots of two entries, first to second.
func (l *Ledger) Compare(ctx context.Context, firstID, secondID int64) (Diff, error) {
	first, err := l.store.GetChange(ctx, firstID)
	if err != nil {
		return Diff{}, err
	}
	second, err := l.store.GetChange(ctx, secondID)
	if err != nil {
		return Diff{}, err
	}
	changes, err := DiffStates(first.NewState, second.NewState)
	if err != nil {
		return Diff{}, err
	}
	return Diff{First: first, Second: second, Changes: changes}, nil
}

// DiffStates returns the structural differences between two JSON snapshots, sorted by path.
// Objects are compared key by key and arrays index by index.
func DiffStates(before, after json.RawMessage) ([]FieldChange, error) {
	a, err := decodeState(before)
	if err != nil {
		return nil, fmt.Errorf("%w: decode first state: %w", shared.ErrInvalidInput, err)
	}
	b, err := decodeState(after)
	if err != nil {
		return nil, fmt.Errorf("%w: decode second state: %w", shared.ErrInvalidInput, err)
	}
	changes := []FieldChange{}
	switch {
	case a == nil && b == nil:
	case a == nil:
		if bm, ok := b.(map[string]any); ok {
			walk("", map[string]any{}, bm, &changes)
		} else {
			changes = append(changes, FieldChange{Kind: FieldAdded, After: b})
		}
	case b == nil:
		if am, ok := a.(map[string]any); ok {
			walk("", am, map[string]any{}, &changes)
		} else {
			changes = append(changes, FieldChange{Kind: FieldRemoved, Before: a})
		}
	default:
		walk("", a, b, &changes)
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

func decodeState(raw json.RawMessage) (any, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// walk diffs two decoded values below the root. A nil there is a JSON null, so null beside
// any other value is a single change at that path.
func walk(path string, a, b any, out *[]FieldChange) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		for key, av := range am {
			bv, ok := bm[key]
			if !ok {
				*out = append(*out, FieldChange{Path: join(path, key), Kind: FieldRemoved, Before: av})
				continue
			}
			walk(join(path, key), av, bv, out)
		}
		for key, bv := range bm {
			if _, ok := am[key]; !ok {
				*out = append(*out, FieldChange{Path: join(path, key), Kind: FieldAdded, After: bv})
			}
		}
		return
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		for i := 0; i < len(as) || i < len(bs); i++ {
			p := path + "[" + strconv.Itoa(i) + "]"
			switch {
			case i >= len(bs):
				*out = append(*out, FieldChange{Path: p, Kind: FieldRemoved, Before: as[i]})
			case i >= len(as):
				*out = append(*out, FieldChange{Path: p, Kind: FieldAdded, After: bs[i]})
			default:
				walk(p, as[i], bs[i], out)
			}
		}
		return
	}

	if reflect.DeepEqual(a, b) {
		return
	}
	*out = append(*out, FieldChange{Path: path, Kind: FieldChanged, Before: a, After: b})
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
