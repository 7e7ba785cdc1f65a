package crdt

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// Kind is the type tag of a document field value.
type Kind string

// Value kinds
const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindNull   Kind = "null"
)

// Value is a scalar stored under a document key.
type Value struct {
	Kind  Kind    `json:"kind"`
	Str   string  `json:"str,omitempty"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Bool  bool    `json:"bool,omitempty"`
}

// String creates a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int creates an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Float creates a floating point value.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Bool creates a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Null creates an explicit null value.
func Null() Value { return Value{Kind: KindNull} }

// validate rejects values that would not survive a JSON round trip.
func (v Value) validate() error {
	switch v.Kind {
	case KindString:
		return validText("string value", v.Str)
	case KindInt, KindBool, KindNull:
		return nil
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return fmt.Errorf("%w: non-finite float", ErrInvalidValue)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidValue, v.Kind)
	}
}

// validText rejects strings that JSON would rewrite. Invalid UTF-8 is
// replaced with U+FFFD on encode, which changes the change hash after a reload.
func validText(what, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidValue, what)
	}
	return nil
}

// native returns the value as a plain Go value for JSON projection.
func (v Value) native() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}
