// Package snapshot implements the persisted-state format of spec §6: a
// point-in-time capture of the heap, globals, task table, mutex registry,
// and channel registry, sufficient to resume execution exactly as if the
// VM had never stopped. Class schemas are not part of the payload — they
// are expected to already be loaded (from the originating bytecode module)
// into the ClassRegistry passed to Restore before Restore is called.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/scheduler"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
)

// Magic identifies a snapshot file; FormatVersion is bumped on any
// incompatible layout change, mirroring the bytecode module header (spec
// §6: "the same fixed-header convention as compiled modules").
var Magic = [4]byte{'C', 'V', 'S', '1'}

const FormatVersion uint16 = 1

const headerSize = 4 + 2 + 4 + 4 + 32

// Sources bundles the live subsystem handles a snapshot is captured from
// and restored into.
type Sources struct {
	Heap     *heap.Heap
	Classes  *heap.ClassRegistry
	Globals  *heap.Globals
	Tasks    *scheduler.Registry
	Mutexes  *syncx.Registry
	Channels *syncx.ChannelRegistry
}

// Capture serializes every piece of VM state named in Sources into the
// binary format described in spec §6.
func Capture(s Sources) ([]byte, error) {
	objs := s.Heap.AllObjects()
	index := make(map[heap.Object]uint32, len(objs))
	for i, o := range objs {
		index[o] = uint32(i)
	}

	var body bytes.Buffer
	w := &binWriter{w: &body}
	enc := &encoder{w: w, index: index}

	w.u32(uint32(len(objs)))
	for _, o := range objs {
		enc.objectHeader(o)
	}
	for _, o := range objs {
		enc.objectPayload(o)
	}

	globals := s.Globals.All()
	w.u32(uint32(len(globals)))
	for _, v := range globals {
		enc.value(v)
	}

	tasks := s.Tasks.Snapshot()
	w.u32(uint32(len(tasks)))
	for _, t := range tasks {
		enc.task(t.Snapshot())
	}
	w.u64(s.Tasks.CurrentNextID())

	mutexes := s.Mutexes.Snapshot()
	w.u32(uint32(len(mutexes)))
	for _, m := range mutexes {
		enc.mutex(m)
	}
	w.u64(s.Mutexes.NextIDValue())

	channels := s.Channels.Snapshot()
	w.u32(uint32(len(channels)))
	for _, c := range channels {
		enc.channel(c)
	}
	w.u64(s.Channels.NextIDValue())

	if w.err != nil {
		return nil, w.err
	}

	payload := body.Bytes()
	sum := sha256.Sum256(payload)
	crc := crc32.ChecksumIEEE(payload)

	var out bytes.Buffer
	out.Write(Magic[:])
	_ = binary.Write(&out, binary.LittleEndian, FormatVersion)
	_ = binary.Write(&out, binary.LittleEndian, uint32(len(payload)))
	_ = binary.Write(&out, binary.LittleEndian, crc)
	out.Write(sum[:])
	out.Write(payload)
	return out.Bytes(), nil
}

// Restore deserializes data produced by Capture back into s. The class
// registry in s must already hold every schema the original module
// defined, restored by reloading that module first.
func Restore(data []byte, s Sources) error {
	if len(data) < headerSize {
		return fmt.Errorf("snapshot: truncated header (%d bytes)", len(data))
	}
	var magic [4]byte
	copy(magic[:], data[0:4])
	if magic != Magic {
		return fmt.Errorf("snapshot: bad magic %q", magic)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != FormatVersion {
		return fmt.Errorf("snapshot: unsupported version %d", version)
	}
	payloadLen := binary.LittleEndian.Uint32(data[6:10])
	crc := binary.LittleEndian.Uint32(data[10:14])
	var sum [32]byte
	copy(sum[:], data[14:46])

	body := data[headerSize:]
	if uint32(len(body)) != payloadLen {
		return fmt.Errorf("snapshot: payload length mismatch: header says %d, got %d", payloadLen, len(body))
	}
	if crc32.ChecksumIEEE(body) != crc {
		return fmt.Errorf("snapshot: CRC32 mismatch, payload corrupt")
	}
	if sha256.Sum256(body) != sum {
		return fmt.Errorf("snapshot: SHA-256 mismatch, payload corrupt")
	}

	r := &binReader{r: bytes.NewReader(body)}
	dec := &decoder{r: r, classes: s.Classes}

	objCount := r.u32()
	dec.objs = make([]heap.Object, objCount)
	kinds := make([]heap.Kind, objCount)
	counts := make([]uint32, objCount)
	for i := range dec.objs {
		kind, obj, count := dec.objectHeader()
		kinds[i], counts[i], dec.objs[i] = kind, count, obj
	}
	for i := range dec.objs {
		dec.objectPayload(kinds[i], dec.objs[i], counts[i])
	}
	s.Heap.RestoreObjects(dec.objs)

	globalCount := r.u32()
	globals := make([]value.Value, globalCount)
	for i := range globals {
		globals[i] = dec.value()
	}
	s.Globals.Restore(globals)

	taskCount := r.u32()
	tasks := make([]*task.Task, taskCount)
	for i := range tasks {
		tasks[i] = task.Restore(dec.taskState(), nil)
	}
	nextTaskID := r.u64()
	s.Tasks.Restore(tasks, nextTaskID)

	mutexCount := r.u32()
	mutexStates := make([]syncx.MutexState, mutexCount)
	for i := range mutexStates {
		mutexStates[i] = dec.mutex()
	}
	nextMutexID := r.u64()
	s.Mutexes.Restore(mutexStates, nextMutexID)

	channelCount := r.u32()
	channelStates := make([]syncx.ChannelState, channelCount)
	for i := range channelStates {
		channelStates[i] = dec.channel()
	}
	nextChannelID := r.u64()
	s.Channels.Restore(channelStates, nextChannelID)

	if r.err != nil && r.err != io.EOF {
		return r.err
	}
	return nil
}

// encoder carries the object-identity index built once per Capture call,
// so every Object-kind Value anywhere in the snapshot (heap fields, task
// operand stacks, globals) can be written as a dense table index.
type encoder struct {
	w     *binWriter
	index map[heap.Object]uint32
}

func (e *encoder) value(v value.Value) {
	e.w.u8(byte(v.Kind()))
	switch v.Kind() {
	case value.KindNull:
	case value.KindBool:
		e.w.u8(boolByte(v.Bool()))
	case value.KindInt:
		e.w.i32(v.Int())
	case value.KindFloat:
		e.w.f64(v.Float())
	case value.KindString:
		e.w.str(v.Str())
	case value.KindObject, value.KindArray, value.KindClosure:
		obj, _ := v.Ref().(heap.Object)
		e.w.u32(e.index[obj])
	case value.KindTask:
		ref, _ := v.Ref().(task.Ref)
		e.w.u64(uint64(ref))
	case value.KindMutex:
		ref, _ := v.Ref().(syncx.Ref)
		e.w.u64(uint64(ref))
	}
}

func (e *encoder) objectHeader(o heap.Object) {
	e.w.u8(byte(o.Kind()))
	switch v := o.(type) {
	case *heap.Instance:
		e.w.u32(v.Class.ID)
	case *heap.Array:
		e.w.u32(uint32(len(v.Elements)))
	case *heap.Closure:
		e.w.u32(v.FunctionID)
		e.w.u32(uint32(len(v.Captures)))
	case *heap.Buffer:
		e.w.u32(uint32(len(v.Bytes)))
		e.w.bytes(v.Bytes)
	case *heap.Map:
		e.w.u32(uint32(len(v.Entries)))
	case *heap.Set:
		e.w.u32(uint32(len(v.Entries)))
	case *heap.RefCell:
	}
}

func (e *encoder) objectPayload(o heap.Object) {
	switch v := o.(type) {
	case *heap.Instance:
		for _, f := range v.Fields {
			e.value(f)
		}
	case *heap.Array:
		for _, el := range v.Elements {
			e.value(el)
		}
	case *heap.Closure:
		for _, c := range v.Captures {
			if c.Cell != nil {
				e.w.u8(1)
				e.w.u32(e.index[c.Cell])
			} else {
				e.w.u8(0)
				e.value(c.Value)
			}
		}
	case *heap.Buffer:
		// bytes already written in the header section.
	case *heap.Map:
		for k, val := range v.Entries {
			e.w.str(k)
			e.value(val)
		}
	case *heap.Set:
		for k := range v.Entries {
			e.value(k)
		}
	case *heap.RefCell:
		e.value(v.Value)
	}
}

func (e *encoder) task(s task.RestoreState) {
	e.w.u64(s.ID)
	e.w.u8(byte(s.Status))
	e.w.u32(s.IP)
	e.w.u32(uint32(len(s.OperandStack)))
	for _, v := range s.OperandStack {
		e.value(v)
	}
	e.w.u32(uint32(len(s.Frames)))
	for _, f := range s.Frames {
		e.w.u32(f.FunctionID)
		e.w.u32(f.ReturnIP)
		e.w.u32(uint32(f.LocalBase))
		e.w.u8(byte(f.Disposition))
		e.value(f.ThisValue)
		e.value(f.ClosureValue)
	}
	e.w.u32(uint32(len(s.Handlers)))
	for _, h := range s.Handlers {
		e.w.i32(h.CatchOffset)
		e.w.i32(h.FinallyOffset)
		e.w.u32(uint32(h.OperandDepth))
		e.w.u32(uint32(h.FrameDepth))
		e.w.u32(uint32(h.MutexesHeld))
		e.w.u8(boolByte(h.PendingRethrow))
	}
	e.value(s.Result)
	e.w.u8(boolByte(s.HasErr))
	if s.HasErr {
		e.w.str(s.ErrMessage)
	}
	e.reason(s.Reason)
	e.w.u32(uint32(len(s.Awaiters)))
	for _, a := range s.Awaiters {
		e.w.u64(a)
	}
	e.w.u32(uint32(len(s.HeldMutexes)))
	for _, m := range s.HeldMutexes {
		e.w.u64(m)
	}
}

func (e *encoder) reason(r task.SuspendReason) {
	e.w.u8(byte(r.Kind))
	e.w.u64(r.TargetID)
	hasDeadline := !r.Deadline.IsZero()
	e.w.u8(boolByte(hasDeadline))
	if hasDeadline {
		e.w.i64(r.Deadline.UnixNano())
	}
	e.w.u8(boolByte(r.IsSend))
	e.value(r.Payload)
	e.w.u32(uint32(len(r.Targets)))
	for _, id := range r.Targets {
		e.w.u64(id)
	}
}

func (e *encoder) mutex(m syncx.MutexState) {
	e.w.u64(m.ID)
	e.w.u64(m.Owner)
	e.w.u8(boolByte(m.HasOwner))
	e.w.u32(uint32(len(m.Waiters)))
	for _, w := range m.Waiters {
		e.w.u64(w)
	}
}

func (e *encoder) channel(c syncx.ChannelState) {
	e.w.u64(c.ID)
	e.w.u32(uint32(c.Capacity))
	e.w.u32(uint32(len(c.Buffer)))
	for _, v := range c.Buffer {
		e.value(v)
	}
	e.w.u32(uint32(len(c.Senders)))
	for _, sd := range c.Senders {
		e.w.u64(sd.TaskID)
		e.value(sd.Value)
	}
	e.w.u32(uint32(len(c.Receivers)))
	for _, rid := range c.Receivers {
		e.w.u64(rid)
	}
	e.w.u8(boolByte(c.Closed))
}

// decoder mirrors encoder's structure; objs is populated in two phases
// (objectHeader for all objects, then objectPayload for all objects) so
// that cyclic and forward object references resolve by index regardless
// of allocation order.
type decoder struct {
	r       *binReader
	classes *heap.ClassRegistry
	objs    []heap.Object
}

func (d *decoder) value() value.Value {
	kind := value.Kind(d.r.u8())
	switch kind {
	case value.KindNull:
		return value.Null
	case value.KindBool:
		return value.Bool(d.r.u8() != 0)
	case value.KindInt:
		return value.Int(d.r.i32())
	case value.KindFloat:
		return value.Float(d.r.f64())
	case value.KindString:
		return value.String(value.NewString(d.r.str()))
	case value.KindObject:
		return value.Object(d.objs[d.r.u32()])
	case value.KindArray:
		return value.Array(d.objs[d.r.u32()])
	case value.KindClosure:
		return value.Closure(d.objs[d.r.u32()])
	case value.KindTask:
		return task.Handle(d.r.u64())
	case value.KindMutex:
		return syncx.Handle(d.r.u64())
	default:
		return value.Null
	}
}

// objectHeader reads one object's kind and sizing metadata, allocating its
// skeleton. count carries the Map/Set entry count through to objectPayload,
// which has no other way to know how many entries to read.
func (d *decoder) objectHeader() (kind heap.Kind, obj heap.Object, count uint32) {
	kind = heap.Kind(d.r.u8())
	switch kind {
	case heap.KindInstance:
		classID := d.r.u32()
		return kind, heap.NewInstance(d.classes.ByID(classID)), 0
	case heap.KindArray:
		n := d.r.u32()
		a := heap.NewArray()
		a.Elements = make([]value.Value, n)
		return kind, a, 0
	case heap.KindClosure:
		fn := d.r.u32()
		n := d.r.u32()
		return kind, heap.NewClosure(fn, make([]heap.Capture, n)), 0
	case heap.KindBuffer:
		n := d.r.u32()
		b := heap.NewBuffer(int(n))
		b.Bytes = d.r.bytes(int(n))
		return kind, b, 0
	case heap.KindMap:
		n := d.r.u32()
		return kind, heap.NewMap(), n
	case heap.KindSet:
		n := d.r.u32()
		return kind, heap.NewSet(), n
	case heap.KindRefCell:
		return kind, heap.NewRefCell(value.Null), 0
	default:
		return kind, heap.NewRefCell(value.Null), 0
	}
}

func (d *decoder) objectPayload(kind heap.Kind, o heap.Object, count uint32) {
	switch v := o.(type) {
	case *heap.Instance:
		for i := range v.Fields {
			v.Fields[i] = d.value()
		}
	case *heap.Array:
		for i := range v.Elements {
			v.Elements[i] = d.value()
		}
	case *heap.Closure:
		for i := range v.Captures {
			if d.r.u8() != 0 {
				cell, _ := d.objs[d.r.u32()].(*heap.RefCell)
				v.Captures[i] = heap.Capture{Cell: cell}
			} else {
				v.Captures[i] = heap.Capture{Value: d.value()}
			}
		}
	case *heap.Buffer:
	case *heap.Map:
		for i := uint32(0); i < count; i++ {
			k := d.r.str()
			v.Entries[k] = d.value()
		}
	case *heap.Set:
		for i := uint32(0); i < count; i++ {
			v.Entries[d.value()] = struct{}{}
		}
	case *heap.RefCell:
		v.Value = d.value()
	}
}

func (d *decoder) taskState() task.RestoreState {
	var s task.RestoreState
	s.ID = d.r.u64()
	s.Status = task.Status(d.r.u8())
	s.IP = d.r.u32()

	opCount := d.r.u32()
	s.OperandStack = make([]value.Value, opCount)
	for i := range s.OperandStack {
		s.OperandStack[i] = d.value()
	}

	frameCount := d.r.u32()
	s.Frames = make([]task.Frame, frameCount)
	for i := range s.Frames {
		s.Frames[i] = task.Frame{
			FunctionID:   d.r.u32(),
			ReturnIP:     d.r.u32(),
			LocalBase:    int(d.r.u32()),
			Disposition:  task.Disposition(d.r.u8()),
			ThisValue:    d.value(),
			ClosureValue: d.value(),
		}
	}

	handlerCount := d.r.u32()
	s.Handlers = make([]task.HandlerEntry, handlerCount)
	for i := range s.Handlers {
		s.Handlers[i] = task.HandlerEntry{
			CatchOffset:    d.r.i32(),
			FinallyOffset:  d.r.i32(),
			OperandDepth:   int(d.r.u32()),
			FrameDepth:     int(d.r.u32()),
			MutexesHeld:    int(d.r.u32()),
			PendingRethrow: d.r.u8() != 0,
		}
	}

	s.Result = d.value()
	s.HasErr = d.r.u8() != 0
	if s.HasErr {
		s.ErrMessage = d.r.str()
	}
	s.Reason = d.reason()

	awaiterCount := d.r.u32()
	s.Awaiters = make([]uint64, awaiterCount)
	for i := range s.Awaiters {
		s.Awaiters[i] = d.r.u64()
	}

	heldCount := d.r.u32()
	s.HeldMutexes = make([]uint64, heldCount)
	for i := range s.HeldMutexes {
		s.HeldMutexes[i] = d.r.u64()
	}
	return s
}

func (d *decoder) reason() task.SuspendReason {
	var r task.SuspendReason
	r.Kind = task.SuspendReasonKind(d.r.u8())
	r.TargetID = d.r.u64()
	if d.r.u8() != 0 {
		r.Deadline = time.Unix(0, d.r.i64())
	}
	r.IsSend = d.r.u8() != 0
	r.Payload = d.value()
	targetCount := d.r.u32()
	if targetCount > 0 {
		r.Targets = make([]uint64, targetCount)
		for i := range r.Targets {
			r.Targets[i] = d.r.u64()
		}
	}
	return r
}

func (d *decoder) mutex() syncx.MutexState {
	var s syncx.MutexState
	s.ID = d.r.u64()
	s.Owner = d.r.u64()
	s.HasOwner = d.r.u8() != 0
	n := d.r.u32()
	s.Waiters = make([]uint64, n)
	for i := range s.Waiters {
		s.Waiters[i] = d.r.u64()
	}
	return s
}

func (d *decoder) channel() syncx.ChannelState {
	var s syncx.ChannelState
	s.ID = d.r.u64()
	s.Capacity = int(d.r.u32())

	bufCount := d.r.u32()
	s.Buffer = make([]value.Value, bufCount)
	for i := range s.Buffer {
		s.Buffer[i] = d.value()
	}

	senderCount := d.r.u32()
	s.Senders = make([]syncx.SenderState, senderCount)
	for i := range s.Senders {
		s.Senders[i] = syncx.SenderState{TaskID: d.r.u64(), Value: d.value()}
	}

	recvCount := d.r.u32()
	s.Receivers = make([]uint64, recvCount)
	for i := range s.Receivers {
		s.Receivers[i] = d.r.u64()
	}

	s.Closed = d.r.u8() != 0
	return s
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// binWriter/binReader mirror the bytecode package's small sequential
// encode/decode helpers; kept as a separate unexported copy since neither
// package imports the other.
type binWriter struct {
	w   *bytes.Buffer
	err error
}

func (w *binWriter) u8(v byte) {
	if w.err != nil {
		return
	}
	w.err = w.w.WriteByte(v)
}

func (w *binWriter) u32(v uint32) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *binWriter) i32(v int32) { w.u32(uint32(v)) }

func (w *binWriter) u64(v uint64) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *binWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *binWriter) f64(v float64) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

func (w *binWriter) bytes(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *binWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
}

type binReader struct {
	r   *bytes.Reader
	err error
}

func (r *binReader) u8() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

func (r *binReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	var v uint32
	r.err = binary.Read(r.r, binary.LittleEndian, &v)
	return v
}

func (r *binReader) i32() int32 { return int32(r.u32()) }

func (r *binReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	r.err = binary.Read(r.r, binary.LittleEndian, &v)
	return v
}

func (r *binReader) i64() int64 { return int64(r.u64()) }

func (r *binReader) f64() float64 {
	if r.err != nil {
		return 0
	}
	var v float64
	r.err = binary.Read(r.r, binary.LittleEndian, &v)
	return v
}

func (r *binReader) bytes(n int) []byte {
	if r.err != nil || n == 0 {
		return nil
	}
	b := make([]byte, n)
	_, r.err = io.ReadFull(r.r, b)
	return b
}

func (r *binReader) str() string {
	n := r.u32()
	return string(r.bytes(int(n)))
}
