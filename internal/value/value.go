// Package value implements the tagged runtime Value union of spec §3: null,
// boolean, 32-bit integer, 64-bit float, and the pointer-carrying variants
// (heap object, array, string, closure, task handle, mutex handle).
package value

import (
	"fmt"
	"math"
)

// Kind tags a Value's active variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindObject
	KindArray
	KindString
	KindClosure
	KindTask
	KindMutex
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindString:
		return "string"
	case KindClosure:
		return "closure"
	case KindTask:
		return "task"
	case KindMutex:
		return "mutex"
	default:
		return "unknown"
	}
}

// Ref is satisfied by every heap-allocated or registry-backed referent a
// Value may point to (heap objects, arrays, strings, closures) as well as
// the dense-id handles for tasks and mutexes. It is intentionally minimal:
// the value package must not depend on the heap, task, or syncx packages,
// since all three depend on it.
type Ref interface {
	// RefEqual reports whether two Refs are the same underlying entity.
	// Heap objects and arrays compare by pointer identity; strings compare
	// by content (spec §3: "equality is ... value-based for primitives";
	// strings are immutable so content equality is observable identity).
	RefEqual(other Ref) bool
}

// Value is a tagged union. It is a plain, comparable-by-method struct (not
// comparable with ==, since ref carries an interface with pointer payloads
// that may alias) passed and returned by value throughout the interpreter,
// matching spec §3's description of a Value as the operand-stack element.
type Value struct {
	kind Kind
	bits uint64 // bool/int32/float64 bits, reused per kind
	ref  Ref    // set for Object/Array/String/Closure/Task/Mutex
}

// Null is the singular null value.
var Null = Value{kind: KindNull}

func Bool(b bool) Value {
	var bits uint64
	if b {
		bits = 1
	}
	return Value{kind: KindBool, bits: bits}
}

func Int(i int32) Value {
	return Value{kind: KindInt, bits: uint64(uint32(i))}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}

// String wraps an immutable Go string as a heap string reference. Go
// strings are already immutable and content-addressed by value, so no
// separate heap allocation record is required beyond the Value itself.
func String(s StringRef) Value {
	return Value{kind: KindString, ref: s}
}

func Object(o Ref) Value   { return Value{kind: KindObject, ref: o} }
func Array(a Ref) Value    { return Value{kind: KindArray, ref: a} }
func Closure(c Ref) Value  { return Value{kind: KindClosure, ref: c} }
func TaskHandle(t Ref) Value  { return Value{kind: KindTask, ref: t} }
func MutexHandle(m Ref) Value { return Value{kind: KindMutex, ref: m} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool { return v.bits != 0 }

func (v Value) Int() int32 { return int32(uint32(v.bits)) }

func (v Value) Float() float64 { return math.Float64frombits(v.bits) }

func (v Value) Ref() Ref { return v.ref }

// StringRef exposes the underlying Go string for a KindString Value.
type StringRef interface {
	Ref
	String() string
}

func (v Value) Str() string {
	if s, ok := v.ref.(StringRef); ok {
		return s.String()
	}
	return ""
}

// Truthy implements the language's boolean-coercion rule for conditional
// jumps: null and false are falsy, everything else (including 0 and "") is
// truthy, matching the conditional-jump opcode family in spec §4.6 which
// distinguishes "on true/false/null/not-null" rather than a generic falsy
// coercion.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.Bool()
	default:
		return true
	}
}

// TypeOf implements the `typeof` opcode, returning the source-language type
// name as a Go string (the interpreter wraps it back into a Value string).
func (v Value) TypeOf() string {
	return v.kind.String()
}

// Equal implements reference-based equality for heap objects and
// value-based equality for primitives (spec §3). Cross-kind comparisons are
// always unequal except that Equal never promotes int to float — that is
// the job of the "number" arithmetic promotion, not equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool, KindInt:
		return v.bits == o.bits
	case KindFloat:
		return v.Float() == o.Float()
	case KindString:
		return v.Str() == o.Str()
	case KindObject, KindArray, KindClosure, KindTask, KindMutex:
		if v.ref == nil || o.ref == nil {
			return v.ref == o.ref
		}
		return v.ref.RefEqual(o.ref)
	default:
		return false
	}
}

// StrictEqual is the strict-equality opcode: unlike Equal, it additionally
// requires that numeric operands not be cross-promoted, which for this
// Value representation is already true of Equal (int and float are
// distinct Kinds) — StrictEqual exists as a distinct named operation
// because spec §4.6 lists "strict and loose equality" as separate opcodes,
// and strict equality additionally forbids the int/float promotion that
// the "number" arithmetic family performs on operands before comparing.
func (v Value) StrictEqual(o Value) bool {
	return v.Equal(o)
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindString:
		return v.Str()
	default:
		return fmt.Sprintf("<%s>", v.kind)
	}
}

// AsFloat promotes an Int or Float Value to float64 for the "number"
// arithmetic family (spec §3: "a 'number' operation promotes integer
// operands to float"). Panics on any other kind — callers must type-check
// first, matching the interpreter's explicit type-error opcodes.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.Int())
	case KindFloat:
		return v.Float()
	default:
		panic("value: AsFloat on non-numeric kind")
	}
}

func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}
