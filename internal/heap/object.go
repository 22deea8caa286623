// Package heap implements the heap object layouts of spec §3 (class
// instances, arrays, closures, byte buffers, maps, sets), the class
// registry, and the allocator/GC contract of spec §4.2.
package heap

import (
	"github.com/joeycumines/corevm/internal/value"
)

// Kind tags a heap Object's concrete layout.
type Kind uint8

const (
	KindInstance Kind = iota
	KindArray
	KindClosure
	KindBuffer
	KindMap
	KindSet
	KindRefCell
)

// Object is satisfied by every heap-allocated entity. It embeds value.Ref
// so a Value can point directly at one, plus the mark-bit accessors the
// non-moving mark-sweep collector (heap.go) uses during its sweep phase.
type Object interface {
	value.Ref
	Kind() Kind
	marked() bool
	setMarked(bool)
}

// header is embedded by every Object implementation; it carries the mark
// bit used by the collector (spec §4.2) and gives every object pointer
// identity for RefEqual, matching spec §3: "equality is reference-based for
// heap objects".
type header struct {
	mark bool
}

func (h *header) marked() bool      { return h.mark }
func (h *header) setMarked(m bool)  { h.mark = m }

// Instance is a class-instance object: a fixed field vector whose length is
// decided at allocation time by the class schema (spec §3).
type Instance struct {
	header
	Class  *ClassSchema
	Fields []value.Value
}

func NewInstance(class *ClassSchema) *Instance {
	return &Instance{Class: class, Fields: make([]value.Value, len(class.FieldNames))}
}

func (o *Instance) Kind() Kind { return KindInstance }
func (o *Instance) RefEqual(other value.Ref) bool {
	p, ok := other.(*Instance)
	return ok && p == o
}

// Array is a growable element vector; all elements are Values.
type Array struct {
	header
	Elements []value.Value
}

func NewArray(elems ...value.Value) *Array {
	a := &Array{}
	if len(elems) > 0 {
		a.Elements = append(a.Elements, elems...)
	}
	return a
}

func (o *Array) Kind() Kind { return KindArray }
func (o *Array) RefEqual(other value.Ref) bool {
	p, ok := other.(*Array)
	return ok && p == o
}

func (o *Array) Len() int { return len(o.Elements) }
func (o *Array) Push(v value.Value) { o.Elements = append(o.Elements, v) }
func (o *Array) Pop() (value.Value, bool) {
	if len(o.Elements) == 0 {
		return value.Null, false
	}
	n := len(o.Elements) - 1
	v := o.Elements[n]
	o.Elements[n] = value.Null
	o.Elements = o.Elements[:n]
	return v, true
}

// RefCell is the heap indirection closures use to share a mutable capture
// of a local variable (spec §3 / glossary "Reference cell").
type RefCell struct {
	header
	Value value.Value
}

func NewRefCell(v value.Value) *RefCell { return &RefCell{Value: v} }

func (o *RefCell) Kind() Kind { return KindRefCell }
func (o *RefCell) RefEqual(other value.Ref) bool {
	p, ok := other.(*RefCell)
	return ok && p == o
}

// Capture is one entry of a Closure's capture vector: either a direct Value
// (capture-by-value) or a *RefCell (capture-by-reference, spec §3).
type Capture struct {
	Cell  *RefCell // non-nil for capture-by-reference
	Value value.Value
}

func (c Capture) Load() value.Value {
	if c.Cell != nil {
		return c.Cell.Value
	}
	return c.Value
}

func (c *Capture) Store(v value.Value) {
	if c.Cell != nil {
		c.Cell.Value = v
		return
	}
	c.Value = v
}

// Closure specializes a function with a capture vector.
type Closure struct {
	header
	FunctionID uint32
	Captures   []Capture
}

func NewClosure(functionID uint32, captures []Capture) *Closure {
	return &Closure{FunctionID: functionID, Captures: captures}
}

func (o *Closure) Kind() Kind { return KindClosure }
func (o *Closure) RefEqual(other value.Ref) bool {
	p, ok := other.(*Closure)
	return ok && p == o
}

// Buffer is a fixed-size byte buffer heap object.
type Buffer struct {
	header
	Bytes []byte
}

func NewBuffer(size int) *Buffer { return &Buffer{Bytes: make([]byte, size)} }

func (o *Buffer) Kind() Kind { return KindBuffer }
func (o *Buffer) RefEqual(other value.Ref) bool {
	p, ok := other.(*Buffer)
	return ok && p == o
}

// Map is a string-to-Value heap map.
type Map struct {
	header
	Entries map[string]value.Value
}

func NewMap() *Map { return &Map{Entries: make(map[string]value.Value)} }

func (o *Map) Kind() Kind { return KindMap }
func (o *Map) RefEqual(other value.Ref) bool {
	p, ok := other.(*Map)
	return ok && p == o
}

// Set is a set of Values. Value is safely usable as a Go map key here: its
// only non-scalar field (ref) always holds either a comparable string type
// (value.VString) or a pointer to a heap Object, never a slice or map, so
// Go's built-in == (which backs map key comparison) agrees with
// Value.Equal's documented reference/value-based equality split.
type Set struct {
	header
	Entries map[value.Value]struct{}
}

func NewSet() *Set { return &Set{Entries: make(map[value.Value]struct{})} }

func (o *Set) Kind() Kind { return KindSet }
func (o *Set) RefEqual(other value.Ref) bool {
	p, ok := other.(*Set)
	return ok && p == o
}

func (o *Set) Add(v value.Value)    { o.Entries[v] = struct{}{} }
func (o *Set) Has(v value.Value) bool { _, ok := o.Entries[v]; return ok }
func (o *Set) Delete(v value.Value) { delete(o.Entries, v) }
