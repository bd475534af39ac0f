package core

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies the type carried by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindLong
	KindFloat
	KindString
	KindStringSet
)

var kindNames = map[Kind]string{
	KindInvalid:   "invalid",
	KindBool:      "bool",
	KindInt:       "int",
	KindLong:      "long",
	KindFloat:     "float",
	KindString:    "string",
	KindStringSet: "string_set",
}

// String returns the encoded name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// ParseKind parses an encoded kind name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if k != KindInvalid && name == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown value kind %q", s)
}

// Value is an immutable tagged union over the preference types supported by
// the durable store.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float32
	s    string
	set  []string
}

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int returns a 32-bit integer value.
func Int(v int32) Value { return Value{kind: KindInt, i: int64(v)} }

// Long returns a 64-bit integer value.
func Long(v int64) Value { return Value{kind: KindLong, i: v} }

// Float returns a 32-bit float value.
func Float(v float32) Value { return Value{kind: KindFloat, f: v} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// StringSet returns a set value. Duplicates are dropped and members are kept sorted.
func StringSet(members ...string) Value {
	seen := make(map[string]struct{}, len(members))
	set := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		set = append(set, m)
	}
	sort.Strings(set)
	return Value{kind: KindStringSet, set: set}
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value carries a kind.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) AsInt() (int32, bool) {
	return int32(v.i), v.kind == KindInt
}

func (v Value) AsLong() (int64, bool) {
	return v.i, v.kind == KindLong
}

func (v Value) AsFloat() (float32, bool) {
	return v.f, v.kind == KindFloat
}

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// AsStringSet returns a copy of the set members.
func (v Value) AsStringSet() ([]string, bool) {
	if v.kind != KindStringSet {
		return nil, false
	}
	out := make([]string, len(v.set))
	copy(out, v.set)
	return out, true
}

// Equal reports structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt, KindLong:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindStringSet:
		if len(v.set) != len(o.set) {
			return false
		}
		for i := range v.set {
			if v.set[i] != o.set[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders the value for humans and logs.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt, KindLong:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(float64(v.f), 'g', -1, 32)
	case KindString:
		return v.s
	case KindStringSet:
		return strings.Join(v.set, ", ")
	default:
		return "<invalid>"
	}
}

// Interface returns the plain Go representation of the value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return int32(v.i)
	case KindLong:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindStringSet:
		out, _ := v.AsStringSet()
		return out
	default:
		return nil
	}
}

// Encoded is the stable serialized form of a Value shared by the file store,
// the SQLite store, backups and the HTTP API.
type Encoded struct {
	Type  string `json:"type" yaml:"type"`
	Value any    `json:"value" yaml:"value"`
}

// Encode converts the value into its serialized form.
func (v Value) Encode() Encoded {
	return Encoded{Type: v.kind.String(), Value: v.Interface()}
}

// Decode converts a serialized value back into a Value. Numbers decoded from
// JSON or YAML arrive as float64/int, so conversions are range-checked.
func (e Encoded) Decode() (Value, error) {
	kind, err := ParseKind(e.Type)
	if err != nil {
		return Value{}, err
	}
	return ParseAs(kind, e.Value)
}

// ParseAs coerces a loosely-typed input into a Value of the given kind.
func ParseAs(kind Kind, raw any) (Value, error) {
	switch kind {
	case KindBool:
		switch b := raw.(type) {
		case bool:
			return Bool(b), nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return Value{}, fmt.Errorf("invalid bool %q", b)
			}
			return Bool(parsed), nil
		}
	case KindInt:
		n, err := toInt64(raw)
		if err != nil {
			return Value{}, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return Value{}, fmt.Errorf("value %d out of int32 range", n)
		}
		return Int(int32(n)), nil
	case KindLong:
		n, err := toInt64(raw)
		if err != nil {
			return Value{}, err
		}
		return Long(n), nil
	case KindFloat:
		switch f := raw.(type) {
		case float64:
			return Float(float32(f)), nil
		case float32:
			return Float(f), nil
		case int:
			return Float(float32(f)), nil
		case int64:
			return Float(float32(f)), nil
		case json.Number:
			parsed, err := f.Float64()
			if err != nil {
				return Value{}, err
			}
			return Float(float32(parsed)), nil
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
			if err != nil {
				return Value{}, fmt.Errorf("invalid float %q", f)
			}
			return Float(float32(parsed)), nil
		}
	case KindString:
		if s, ok := raw.(string); ok {
			return String(s), nil
		}
	case KindStringSet:
		switch set := raw.(type) {
		case []string:
			return StringSet(set...), nil
		case []any:
			members := make([]string, 0, len(set))
			for _, m := range set {
				s, ok := m.(string)
				if !ok {
					return Value{}, fmt.Errorf("set member %v is not a string", m)
				}
				members = append(members, s)
			}
			return StringSet(members...), nil
		case nil:
			return StringSet(), nil
		}
	}
	return Value{}, fmt.Errorf("cannot use %T as %s", raw, kind)
}

func toInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", n)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("cannot use %T as integer", raw)
}

// MarshalJSON encodes the value in its {type, value} form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Encode())
}

// UnmarshalJSON decodes the {type, value} form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var enc Encoded
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	decoded, err := enc.Decode()
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// MarshalYAML encodes the value in its {type, value} form.
func (v Value) MarshalYAML() (any, error) {
	return v.Encode(), nil
}

// UnmarshalYAML decodes the {type, value} form. Errors carry the node's line.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var enc Encoded
	if err := node.Decode(&enc); err != nil {
		return err
	}
	decoded, err := enc.Decode()
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = decoded
	return nil
}
