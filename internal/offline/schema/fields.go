package schema

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Fields holds the field values of an entity or of a partial update.
type Fields map[string]any

// Clone returns a shallow copy. Nil stays nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of f with every field of other written over it.
func (f Fields) Overlay(other Fields) Fields {
	out := make(Fields, len(f)+len(other))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the encoded size in bytes, used for quota accounting.
func (f Fields) Size() int {
	data, err := json.Marshal(f)
	if err != nil {
		return 0
	}
	return len(data)
}

// Equal reports whether two field sets encode to the same JSON.
func (f Fields) Equal(other Fields) bool {
	return ValuesEqual(map[string]any(f), map[string]any(other))
}

// ValuesEqual compares two decoded JSON values by their canonical encoding.
// encoding/json sorts map keys, so equal values always encode identically,
// and numbers compare equal whether they came in as int or float64.
func ValuesEqual(a, b any) bool {
	ea, errA := canonical(a)
	eb, errB := canonical(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

func canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}

// EncodeFields marshals fields for storage. Nil encodes as "{}".
func EncodeFields(f Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeFields is the inverse of EncodeFields.
func DecodeFields(s string) (Fields, error) {
	if s == "" || s == "null" {
		return Fields{}, nil
	}
	var f Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}
