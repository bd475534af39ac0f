package core

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable mapping from preference key to Value. Every change
// produces a new Snapshot, so a Snapshot can be shared between goroutines
// without synchronization.
type Snapshot struct {
	m map[string]Value
}

// EmptySnapshot returns a snapshot with no keys.
func EmptySnapshot() Snapshot {
	return Snapshot{}
}

// NewSnapshot copies m into a new snapshot. Invalid values are dropped.
func NewSnapshot(m map[string]Value) Snapshot {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		if v.IsValid() {
			out[k] = v
		}
	}
	return Snapshot{m: out}
}

// Get returns the value stored under key.
func (s Snapshot) Get(key string) (Value, bool) {
	v, ok := s.m[key]
	return v, ok
}

// Len returns the number of keys.
func (s Snapshot) Len() int { return len(s.m) }

// Keys returns the keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the underlying mapping.
func (s Snapshot) Map() map[string]Value {
	out := make(map[string]Value, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// Equal reports structural (map) equality.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.m) != len(o.m) {
		return false
	}
	for k, v := range s.m {
		ov, ok := o.m[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// With returns a copy with key set to v.
func (s Snapshot) With(key string, v Value) Snapshot {
	out := s.Map()
	out[key] = v
	return NewSnapshot(out)
}

// Without returns a copy without key.
func (s Snapshot) Without(key string) Snapshot {
	if _, ok := s.m[key]; !ok {
		return s
	}
	out := s.Map()
	delete(out, key)
	return Snapshot{m: out}
}

// Overlay returns a copy of s with every key of top applied over it.
func (s Snapshot) Overlay(top Snapshot) Snapshot {
	if top.Len() == 0 {
		return s
	}
	out := s.Map()
	for k, v := range top.m {
		out[k] = v
	}
	return Snapshot{m: out}
}

// Subset returns a snapshot holding only the given keys that are present in s.
func (s Snapshot) Subset(keys []string) Snapshot {
	out := make(map[string]Value, len(keys))
	for _, k := range keys {
		if v, ok := s.m[k]; ok {
			out[k] = v
		}
	}
	return Snapshot{m: out}
}

// Filter returns a snapshot of the keys for which keep returns true.
func (s Snapshot) Filter(keep func(key string) bool) Snapshot {
	out := make(map[string]Value, len(s.m))
	for k, v := range s.m {
		if keep(k) {
			out[k] = v
		}
	}
	return Snapshot{m: out}
}

// Diff returns the changes that turn base into s. Keys missing from s are not
// reported as removals: a writer only ever touches the keys it holds.
func (s Snapshot) Diff(base Snapshot) Diff {
	changes := make(map[string]Value)
	for k, v := range s.m {
		if bv, ok := base.m[k]; !ok || !bv.Equal(v) {
			changes[k] = v
		}
	}
	return Diff{changes: changes}
}

// MarshalJSON encodes the snapshot as an object of encoded values.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.m)
}

// UnmarshalJSON decodes an object of encoded values.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var m map[string]Value
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*s = NewSnapshot(m)
	return nil
}

// MarshalYAML encodes the snapshot as a mapping of encoded values.
func (s Snapshot) MarshalYAML() (any, error) {
	out := make(map[string]Encoded, len(s.m))
	for k, v := range s.m {
		out[k] = v.Encode()
	}
	return out, nil
}

// UnmarshalYAML decodes a mapping of encoded values.
func (s *Snapshot) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: snapshot must be a mapping", node.Line)
	}
	var m map[string]Value
	if err := node.Decode(&m); err != nil {
		return err
	}
	*s = NewSnapshot(m)
	return nil
}

// Diff is an immutable set of key changes.
type Diff struct {
	changes map[string]Value
}

// NewDiff builds a diff from explicit changes.
func NewDiff(changes map[string]Value) Diff {
	return Diff{changes: NewSnapshot(changes).m}
}

// IsEmpty reports whether the diff changes nothing.
func (d Diff) IsEmpty() bool { return len(d.changes) == 0 }

// Len returns the number of changed keys.
func (d Diff) Len() int { return len(d.changes) }

// Get returns the new value for key, if it changed.
func (d Diff) Get(key string) (Value, bool) {
	v, ok := d.changes[key]
	return v, ok
}

// Has reports whether key changed.
func (d Diff) Has(key string) bool {
	_, ok := d.changes[key]
	return ok
}

// Keys returns the changed keys in sorted order.
func (d Diff) Keys() []string {
	return Snapshot{m: d.changes}.Keys()
}

// Intersects reports whether any changed key belongs to set.
func (d Diff) Intersects(set KeySet) bool {
	for k := range d.changes {
		if set.Contains(k) {
			return true
		}
	}
	return false
}

// Apply returns base with the changes applied.
func (d Diff) Apply(base Snapshot) Snapshot {
	return base.Overlay(Snapshot{m: d.changes})
}

// Snapshot returns the changes as a snapshot.
func (d Diff) Snapshot() Snapshot {
	return NewSnapshot(d.changes)
}

// Merge returns a diff holding the changes of d overridden by later.
func (d Diff) Merge(later Diff) Diff {
	out := make(map[string]Value, len(d.changes)+len(later.changes))
	for k, v := range d.changes {
		out[k] = v
	}
	for k, v := range later.changes {
		out[k] = v
	}
	return Diff{changes: out}
}

// KeySet is a set of preference keys.
type KeySet map[string]struct{}

// NewKeySet builds a set from names.
func NewKeySet(names ...string) KeySet {
	set := make(KeySet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s KeySet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}
