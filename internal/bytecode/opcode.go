// Package bytecode implements the loaded-module record and binary format
// of spec §6: functions, classes, globals, exports/imports, and the dense
// single-byte opcode enumeration the interpreter dispatches flat over
// (spec §4.6).
package bytecode

// Op is a single-byte instruction opcode. Operands (when present) are
// little-endian and follow the opcode byte in the function's bytecode
// slice, per spec §6: "Opcodes are single bytes with little-endian
// operands."
type Op byte

const (
	// Stack
	OpNop Op = iota
	OpPop
	OpDup
	OpSwap

	// Constants
	OpPushNull
	OpPushTrue
	OpPushFalse
	OpPushInt   // operand: int32 constant pool index
	OpPushFloat // operand: float64 constant pool index
	OpPushStr   // operand: string constant pool index

	// Variables
	OpLoadLocal  // operand: uint16 local slot
	OpStoreLocal // operand: uint16 local slot
	OpLoadGlobal // operand: uint32 dense global index
	OpStoreGlobal

	// Arithmetic (int)
	OpIAdd
	OpISub
	OpIMul
	OpIDiv
	OpIMod
	OpINeg

	// Arithmetic (float)
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFMod
	OpFNeg

	// Comparison
	OpIEq
	OpINe
	OpILt
	OpILe
	OpIGt
	OpIGe
	OpFEq
	OpFNe
	OpFLt
	OpFLe
	OpFGt
	OpFGe
	OpSEq
	OpSNe
	OpSLt
	OpSLe
	OpSGt
	OpSGe
	OpStrictEq
	OpLooseEq

	// Logical
	OpNot

	// Control flow
	OpJump         // operand: int32 bytecode offset (absolute)
	OpJumpIfTrue   // operand: int32 offset
	OpJumpIfFalse  // operand: int32 offset
	OpJumpIfNull   // operand: int32 offset
	OpJumpIfNotNull // operand: int32 offset
	OpReturnValue
	OpReturnVoid

	// Calls
	OpCallStatic    // operand: uint32 function id, uint8 argc
	OpCallClosure   // operand: uint8 argc (closure value already on stack)
	OpCallMethod    // operand: uint32 vtable index, uint8 argc
	OpCallCtor      // operand: uint32 class id, uint8 argc
	OpCallSuper     // operand: uint32 function id, uint8 argc

	// Closures
	OpMakeClosure  // operand: uint32 function id, uint16 capture count
	OpLoadCapture  // operand: uint16 capture index
	OpStoreCapture // operand: uint16 capture index
	OpMakeCell
	OpLoadCell
	OpStoreCell

	// Objects
	OpNewObject     // operand: uint32 class id
	OpLoadField     // operand: uint16 field index
	OpStoreField
	OpLoadFieldOpt // optional chaining: null receiver -> null
	OpObjectLiteral // operand: uint32 class id, uint16 field count (values already on stack)

	// Arrays
	OpNewArray // operand: uint32 initial length
	OpLoadElem
	OpStoreElem
	OpArrayLen
	OpArrayPush
	OpArrayPop
	OpArrayLiteral // operand: uint32 element count

	// Strings
	OpStrConcat
	OpStrLen
	OpStrCmp
	OpToString

	// Concurrency
	OpSpawnFunc  // operand: uint32 function id, uint8 argc
	OpSpawnClosure
	OpAwait
	OpWaitAll // operand: uint16 task count
	OpSleep
	OpMutexLock
	OpMutexUnlock
	OpYield
	OpTaskCancel

	// Exceptions
	OpTry // operand: int32 catchOffset, int32 finallyOffset
	OpEndTry
	OpThrow
	OpRethrow

	// Native
	OpNativeCall     // operand: uint32 native id, uint8 argc
	OpNativeCallName // operand: uint32 name constant index, uint8 argc

	// Type ops
	OpInstanceOf // operand: uint32 class id
	OpTypeOf
	OpCast // operand: uint8 target kind

	opCount
)

var mnemonics = [...]string{
	"nop", "pop", "dup", "swap",
	"push_null", "push_true", "push_false", "push_int", "push_float", "push_str",
	"load_local", "store_local", "load_global", "store_global",
	"iadd", "isub", "imul", "idiv", "imod", "ineg",
	"fadd", "fsub", "fmul", "fdiv", "fmod", "fneg",
	"ieq", "ine", "ilt", "ile", "igt", "ige",
	"feq", "fne", "flt", "fle", "fgt", "fge",
	"seq", "sne", "slt", "sle", "sgt", "sge",
	"strict_eq", "loose_eq",
	"not",
	"jump", "jump_if_true", "jump_if_false", "jump_if_null", "jump_if_not_null",
	"return_value", "return_void",
	"call_static", "call_closure", "call_method", "call_ctor", "call_super",
	"make_closure", "load_capture", "store_capture", "make_cell", "load_cell", "store_cell",
	"new_object", "load_field", "store_field", "load_field_opt", "object_literal",
	"new_array", "load_elem", "store_elem", "array_len", "array_push", "array_pop", "array_literal",
	"str_concat", "str_len", "str_cmp", "to_string",
	"spawn_func", "spawn_closure", "await", "wait_all", "sleep",
	"mutex_lock", "mutex_unlock", "yield", "task_cancel",
	"try", "end_try", "throw", "rethrow",
	"native_call", "native_call_name",
	"instanceof", "typeof", "cast",
}

func (o Op) String() string {
	if int(o) < len(mnemonics) {
		return mnemonics[o]
	}
	return "invalid_opcode"
}

// Valid reports whether o is a defined opcode, for the interpreter's
// invalid-opcode trap (spec §7).
func (o Op) Valid() bool { return o < opCount }

// IsJump identifies opcodes whose target, when less than the
// current instruction pointer, is a loop-header safepoint site (spec
// §4.1). The interpreter itself compares offsets; this just documents
// which opcodes are jumps at all.
func (o Op) IsJump() bool {
	switch o {
	case OpJump, OpJumpIfTrue, OpJumpIfFalse, OpJumpIfNull, OpJumpIfNotNull:
		return true
	default:
		return false
	}
}
