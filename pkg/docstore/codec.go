package docstore

import (
	"cmp"
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// Encode converts a typed value into document fields by way of its JSON form.
// The id field is dropped since ids travel beside the body.
func Encode(v any) (Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	delete(f, IDField)
	return f, nil
}

// MustEncode panics on error. For values whose encoding cannot fail.
func MustEncode(v any) Fields {
	f, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return f
}

// Decode fills v from fields.
func Decode(f Fields, v any) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// NormalizeValue maps v onto plain JSON types (string, float64, bool, nil,
// []any, map[string]any).
func NormalizeValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return out, nil
}

// Normalize applies NormalizeValue to every field.
func Normalize(f Fields) (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		if k == IDField {
			continue
		}
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// Compare orders two field values: numbers numerically, timestamps (RFC 3339
// strings or time.Time) chronologically, other strings lexically. Values of
// unrelated types compare by type name so ordering stays total.
func Compare(a, b any) int {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return cmp.Compare(na, nb)
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return cmp.Compare(sa, sb)
		}
	}
	return cmp.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func asFloat(v any) (float64, bool) {
	if f, ok := v.(float64); ok {
		return f, true
	}
	n, ok := AsInt64(v)
	return float64(n), ok
}

// Matches reports whether fields satisfy the equality filter of q.
func (q Query) Matches(f Fields) bool {
	if q.Field == "" {
		return true
	}
	want, err := NormalizeValue(q.Equals)
	if err != nil {
		return false
	}
	got, err := NormalizeValue(f[q.Field])
	if err != nil {
		return false
	}
	return reflect.DeepEqual(got, want)
}
