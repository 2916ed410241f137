// Package testgen is the test backend: a code generator and an execution
// driver for a tiny byte-coded instruction set, so engine behavior is
// exercised end to end without a WebAssembly frontend or native codegen.
//
// A function body is laid out as
//
//	rodata len u32 | rodata bytes | params u8 | results u8 | locals u8 | instructions
//
// The generator splits off the rodata, keeps the rest verbatim as the code
// blob, and extracts a relocation for every call, libcall and rodata-address
// instruction. Because relocation slots are patched into the loaded region
// exactly as they would be for native code, the interpreting invoker reads
// real displacements and absolute addresses back out of executable memory,
// which is the point: layout, relocation and loading are the code under test,
// the instruction set is scaffolding.
//
// Note: this is only used for testing the engine.
package testgen

// Instruction opcodes. Multi-byte operands are little-endian at the noted
// offsets from the opcode byte.
const (
	opReturn byte = 0x00
	opDrop   byte = 0x01
	// opTrap: trap code u8 @1.
	opTrap byte = 0x02

	// opConstI32: value u32 @1.
	opConstI32 byte = 0x10
	// opConstI64: value u64 @1.
	opConstI64 byte = 0x11
	// opConstF32: bit pattern u32 @1.
	opConstF32 byte = 0x12
	// opConstF64: bit pattern u64 @1.
	opConstF64 byte = 0x13

	// opLocalGet/opLocalSet: local index u8 @1. Parameters are the first
	// locals.
	opLocalGet byte = 0x18
	opLocalSet byte = 0x19

	opI32Add  byte = 0x20
	opI32Sub  byte = 0x21
	opI32Mul  byte = 0x22
	opI32DivS byte = 0x23
	opI64Add  byte = 0x28
	opI64Sub  byte = 0x29
	opI64Mul  byte = 0x2a
	opI64DivS byte = 0x2b
	opF32Add  byte = 0x30
	opF64Add  byte = 0x31
	opF64Mul  byte = 0x32
	opI32Eqz  byte = 0x38

	// opJump/opJumpIfZero: delta i16 @1, relative to the end of the
	// instruction.
	opJump       byte = 0x40
	opJumpIfZero byte = 0x41

	// opCall: nargs u8 @1, nresults u8 @2, function index u32 @3,
	// displacement i32 @7. The displacement field is a function relocation,
	// resolved by the compiler.
	opCall byte = 0x48
	// opCallImport: nargs u8 @1, nresults u8 @2, import index u32 @3,
	// stub address u64 @7. The address field is an import relocation,
	// patched at load.
	opCallImport byte = 0x49
	// opLibcall: libcall u32 @1, stub address u64 @5. The address field is
	// a libcall relocation; arity comes from the libcall's fixed signature.
	opLibcall byte = 0x4a
	// opCallIndirect: nargs u8 @1, nresults u8 @2, table index u32 @3.
	// Pops the element index, follows the reference through the loaded
	// regions.
	opCallIndirect byte = 0x4b

	// opRODataAddr: addend u32 @1, data address u64 @5. The address field
	// is a data relocation against this function's read-only area.
	opRODataAddr byte = 0x50
	// opLoadAbs32/opLoadAbs64 pop an absolute address produced by
	// opRODataAddr and push the value read from the loaded region.
	opLoadAbs32 byte = 0x51
	opLoadAbs64 byte = 0x52

	// Linear memory 0, addresses popped as u32.
	opMemLoad32  byte = 0x58
	opMemStore32 byte = 0x59
	opMemLoad64  byte = 0x5a
	opMemStore64 byte = 0x5b

	// opGlobalGet/opGlobalSet: global index u32 @1.
	opGlobalGet byte = 0x60
	opGlobalSet byte = 0x61
)

// preludeSize is the params/results/locals header at the start of every
// code blob.
const preludeSize = 3

// instructionWidth returns the encoded size of the instruction starting with
// op, or false for an unknown opcode.
func instructionWidth(op byte) (int, bool) {
	switch op {
	case opReturn, opDrop,
		opI32Add, opI32Sub, opI32Mul, opI32DivS,
		opI64Add, opI64Sub, opI64Mul, opI64DivS,
		opF32Add, opF64Add, opF64Mul, opI32Eqz,
		opLoadAbs32, opLoadAbs64,
		opMemLoad32, opMemStore32, opMemLoad64, opMemStore64:
		return 1, true
	case opTrap, opLocalGet, opLocalSet:
		return 2, true
	case opJump, opJumpIfZero:
		return 3, true
	case opConstI32, opConstF32, opGlobalGet, opGlobalSet:
		return 5, true
	case opConstI64, opConstF64:
		return 9, true
	case opCall:
		return 11, true
	case opCallImport:
		return 15, true
	case opLibcall, opRODataAddr:
		return 13, true
	case opCallIndirect:
		return 7, true
	}
	return 0, false
}
