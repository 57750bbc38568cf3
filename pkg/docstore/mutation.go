package docstore

import (
	"fmt"
	"math"
	"reflect"
	"slices"
)

type MutationKind int

const (
	SetKind MutationKind = iota + 1
	IncrementKind
	ArrayUnionKind
	ArrayRemoveKind
)

func (k MutationKind) String() string {
	switch k {
	case SetKind:
		return "set"
	case IncrementKind:
		return "increment"
	case ArrayUnionKind:
		return "array_union"
	case ArrayRemoveKind:
		return "array_remove"
	default:
		return fmt.Sprintf("mutation(%d)", int(k))
	}
}

// Mutation is a field-level change.
type Mutation struct {
	Kind   MutationKind
	Field  string
	Value  any
	Values []any
	Delta  int64
	// Floor bounds the result of an Increment from below when HasFloor is set.
	Floor    int64
	HasFloor bool
}

func SetField(field string, v any) Mutation {
	return Mutation{Kind: SetKind, Field: field, Value: v}
}

func Increment(field string, delta int64) Mutation {
	return Mutation{Kind: IncrementKind, Field: field, Delta: delta}
}

// IncrementFloor is Increment with a lower bound on the result.
func IncrementFloor(field string, delta, floor int64) Mutation {
	return Mutation{Kind: IncrementKind, Field: field, Delta: delta, Floor: floor, HasFloor: true}
}

func ArrayUnion(field string, values ...any) Mutation {
	return Mutation{Kind: ArrayUnionKind, Field: field, Values: values}
}

func ArrayRemove(field string, values ...any) Mutation {
	return Mutation{Kind: ArrayRemoveKind, Field: field, Values: values}
}

// Apply returns a copy of f with ops applied in order. Values are normalized
// first so that comparisons behave like they do after a store round trip.
func Apply(f Fields, ops ...Mutation) (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	for _, op := range ops {
		if op.Field == "" || op.Field == IDField {
			return nil, fmt.Errorf("%s: invalid field %q", op.Kind, op.Field)
		}
		switch op.Kind {
		case SetKind:
			v, err := NormalizeValue(op.Value)
			if err != nil {
				return nil, err
			}
			out[op.Field] = v
		case IncrementKind:
			cur, ok := AsInt64(out[op.Field])
			if !ok && out[op.Field] != nil {
				return nil, fmt.Errorf("increment %q: field holds %T", op.Field, out[op.Field])
			}
			next := cur + op.Delta
			if op.HasFloor && next < op.Floor {
				next = op.Floor
			}
			out[op.Field] = float64(next)
		case ArrayUnionKind, ArrayRemoveKind:
			arr, err := asArray(out[op.Field])
			if err != nil {
				return nil, fmt.Errorf("%s %q: %w", op.Kind, op.Field, err)
			}
			vals, err := normalizeValues(op.Values)
			if err != nil {
				return nil, err
			}
			if op.Kind == ArrayUnionKind {
				for _, v := range vals {
					if !containsValue(arr, v) {
						arr = append(arr, v)
					}
				}
			} else {
				arr = slices.DeleteFunc(arr, func(e any) bool { return containsValue(vals, e) })
			}
			out[op.Field] = arr
		default:
			return nil, fmt.Errorf("unknown mutation %s", op.Kind)
		}
	}
	return out, nil
}

// AsInt64 reads a numeric field as decoded from any of the backends.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asArray(v any) ([]any, error) {
	switch a := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return slices.Clone(a), nil
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return nil, fmt.Errorf("field holds %T, not an array", v)
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
}

func normalizeValues(vs []any) ([]any, error) {
	out := make([]any, len(vs))
	for i, v := range vs {
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func containsValue(arr []any, v any) bool {
	return slices.ContainsFunc(arr, func(e any) bool { return reflect.DeepEqual(e, v) })
}
