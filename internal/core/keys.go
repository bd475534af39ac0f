package core

// Descriptor is the type-erased view of a Key used by the catalog.
type Descriptor interface {
	Name() string
	Kind() Kind
	DefaultValue() Value
}

// Key is a strongly-typed preference key descriptor. Reads through a Key never
// fail: an absent value or a value of the wrong kind yields the default.
type Key[T any] struct {
	name string
	def  T
	kind Kind
	from func(Value) (T, bool)
	to   func(T) Value
}

// Name returns the stable key name.
func (k Key[T]) Name() string { return k.name }

// Kind returns the value kind stored under the key.
func (k Key[T]) Kind() Kind { return k.kind }

// Default returns the typed default.
func (k Key[T]) Default() T { return k.def }

// DefaultValue returns the default as a Value.
func (k Key[T]) DefaultValue() Value { return k.to(k.def) }

// Value converts v into a Value of the key's kind.
func (k Key[T]) Value(v T) Value { return k.to(v) }

// Get reads the key from s.
func (k Key[T]) Get(s Snapshot) T {
	v, ok := s.Get(k.name)
	if !ok {
		return k.def
	}
	out, ok := k.from(v)
	if !ok {
		return k.def
	}
	return out
}

// Lookup reads the key from s and reports whether it was present with the right kind.
func (k Key[T]) Lookup(s Snapshot) (T, bool) {
	v, ok := s.Get(k.name)
	if !ok {
		return k.def, false
	}
	return k.from(v)
}

// Set returns a copy of s with the key set to v.
func (k Key[T]) Set(s Snapshot, v T) Snapshot {
	return s.With(k.name, k.to(v))
}

// BoolKey declares a boolean key.
func BoolKey(name string, def bool) Key[bool] {
	return Key[bool]{name: name, def: def, kind: KindBool, from: Value.AsBool, to: Bool}
}

// IntKey declares a 32-bit integer key.
func IntKey(name string, def int32) Key[int32] {
	return Key[int32]{name: name, def: def, kind: KindInt, from: Value.AsInt, to: Int}
}

// LongKey declares a 64-bit integer key.
func LongKey(name string, def int64) Key[int64] {
	return Key[int64]{name: name, def: def, kind: KindLong, from: Value.AsLong, to: Long}
}

// FloatKey declares a float key.
func FloatKey(name string, def float32) Key[float32] {
	return Key[float32]{name: name, def: def, kind: KindFloat, from: Value.AsFloat, to: Float}
}

// StringKey declares a string key.
func StringKey(name string, def string) Key[string] {
	return Key[string]{name: name, def: def, kind: KindString, from: Value.AsString, to: String}
}

// StringSetKey declares a set-of-strings key.
func StringSetKey(name string, def ...string) Key[[]string] {
	return Key[[]string]{
		name: name,
		def:  def,
		kind: KindStringSet,
		from: Value.AsStringSet,
		to:   func(v []string) Value { return StringSet(v...) },
	}
}
