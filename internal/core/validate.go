package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Validator rejects values that must never reach a store.
type Validator func(v Value) error

// Validate checks v against the catalog entry for name: the key must be known,
// the kind must match, and the per-key validator must accept it.
func Validate(name string, v Value) error {
	entry, ok := Lookup(name)
	if !ok {
		err := ErrValidation(CodeUnknownKey, fmt.Sprintf("unknown preference key %q", name)).
			WithDetail("key", name)
		if s := didYouMean(name); len(s) > 0 {
			err.Message += fmt.Sprintf(" (did you mean %s?)", strings.Join(s, ", "))
			err = err.WithDetail("suggestions", s)
		}
		return err
	}
	if v.Kind() != entry.Kind() {
		return ErrValidation(CodeKindMismatch,
			fmt.Sprintf("%s expects a %s value, got %s", name, entry.Kind(), v.Kind())).
			WithDetail("key", name)
	}
	if entry.Validator == nil {
		return nil
	}
	if err := entry.Validator(v); err != nil {
		var domErr *DomainError
		if de, ok := err.(*DomainError); ok {
			domErr = de
		} else {
			domErr = ErrValidation(CodeInvalidValue, err.Error())
		}
		domErr.Message = fmt.Sprintf("%s: %s", name, domErr.Message)
		return domErr.WithDetail("key", name)
	}
	return nil
}

// ValidateScoped validates v and additionally checks the key belongs to scope.
func ValidateScoped(scope Scope, name string, v Value) error {
	if err := Validate(name, v); err != nil {
		return err
	}
	entry, _ := Lookup(name)
	if entry.Scope != scope {
		return ErrValidation(CodeWrongScope,
			fmt.Sprintf("%s belongs to the %s scope, not %s", name, entry.Scope, scope)).
			WithDetail("key", name)
	}
	return nil
}

// Normalize applies the catalog's input normalization (currently the backup
// path fallback) before validation.
func Normalize(name string, v Value) Value {
	if name == BackupRelPath.Name() {
		if s, ok := v.AsString(); ok && strings.TrimSpace(s) == "" {
			return String(DefaultBackupPath)
		}
	}
	return v
}

// IntRange accepts integers within [lo, hi].
func IntRange(lo, hi int64) Validator {
	return func(v Value) error {
		var n int64
		if i, ok := v.AsInt(); ok {
			n = int64(i)
		} else if l, ok := v.AsLong(); ok {
			n = l
		} else {
			return ErrValidation(CodeKindMismatch, "expected an integer")
		}
		if n < lo || n > hi {
			return ErrValidation(CodeOutOfRange, fmt.Sprintf("%d is outside [%d, %d]", n, lo, hi))
		}
		return nil
	}
}

// NumericText accepts strings holding an integer within [lo, hi].
func NumericText(lo, hi int) Validator {
	return func(v Value) error {
		s, _ := v.AsString()
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return ErrValidation(CodeInvalidValue, fmt.Sprintf("%q is not an integer", s))
		}
		if n < lo || n > hi {
			return ErrValidation(CodeOutOfRange, fmt.Sprintf("%d is outside [%d, %d]", n, lo, hi))
		}
		return nil
	}
}

// OneOf accepts one of the listed strings.
func OneOf(allowed ...string) Validator {
	return func(v Value) error {
		s, _ := v.AsString()
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return ErrValidation(CodeInvalidValue,
			fmt.Sprintf("%q is not one of %s", s, strings.Join(allowed, ", ")))
	}
}

// NotBlank rejects empty or whitespace-only strings.
func NotBlank() Validator {
	return func(v Value) error {
		s, _ := v.AsString()
		if strings.TrimSpace(s) == "" {
			return ErrValidation(CodeInvalidValue, "value must not be blank")
		}
		return nil
	}
}

// ReadOnly rejects every write; the value is only ever projected.
func ReadOnly() Validator {
	return func(Value) error {
		return ErrValidation(CodeReadOnlyKey, "key is read-only")
	}
}

// EnvVars accepts an empty string or space separated VAR=VALUE pairs.
func EnvVars() Validator {
	return func(v Value) error {
		s, _ := v.AsString()
		if s == "" {
			return nil
		}
		for _, pair := range strings.Split(s, " ") {
			if len(strings.SplitN(pair, "=", 2)) != 2 {
				return ErrValidation(CodeInvalidValue, fmt.Sprintf("%q is not a VAR=VALUE pair", pair))
			}
		}
		return nil
	}
}
