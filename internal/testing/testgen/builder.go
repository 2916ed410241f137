package testgen

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// BodyBuilder assembles one function body. Methods chain; Build produces the
// bytes a Function carries. Builders are test fixtures, so misuse panics.
type BodyBuilder struct {
	rodata  []byte
	params  int
	results int
	extra   int
	code    []byte
}

// Body starts a builder for a function with the given signature.
func Body(sig types.FunctionSignature) *BodyBuilder {
	return &BodyBuilder{params: len(sig.Params), results: len(sig.Results)}
}

// WithROData attaches the function's read-only data area, addressable via
// RODataAddr.
func (b *BodyBuilder) WithROData(data []byte) *BodyBuilder {
	b.rodata = append([]byte(nil), data...)
	return b
}

// WithLocals declares n scratch locals after the parameters.
func (b *BodyBuilder) WithLocals(n int) *BodyBuilder {
	b.extra = n
	return b
}

func (b *BodyBuilder) op(op byte, operands ...byte) *BodyBuilder {
	b.code = append(b.code, op)
	b.code = append(b.code, operands...)
	return b
}

func (b *BodyBuilder) opU32(op byte, v uint32) *BodyBuilder {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.op(op, buf[:]...)
}

func (b *BodyBuilder) opU64(op byte, v uint64) *BodyBuilder {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.op(op, buf[:]...)
}

func (b *BodyBuilder) Return() *BodyBuilder { return b.op(opReturn) }
func (b *BodyBuilder) Drop() *BodyBuilder { return b.op(opDrop) }
func (b *BodyBuilder) Trap(c types.TrapCode) *BodyBuilder { return b.op(opTrap, byte(c)) }

func (b *BodyBuilder) ConstI32(v uint32) *BodyBuilder { return b.opU32(opConstI32, v) }
func (b *BodyBuilder) ConstI64(v uint64) *BodyBuilder { return b.opU64(opConstI64, v) }
func (b *BodyBuilder) ConstF32(v float32) *BodyBuilder {
	return b.opU32(opConstF32, math.Float32bits(v))
}
func (b *BodyBuilder) ConstF64(v float64) *BodyBuilder {
	return b.opU64(opConstF64, math.Float64bits(v))
}

func (b *BodyBuilder) LocalGet(i int) *BodyBuilder { return b.op(opLocalGet, byte(i)) }
func (b *BodyBuilder) LocalSet(i int) *BodyBuilder { return b.op(opLocalSet, byte(i)) }

func (b *BodyBuilder) I32Add() *BodyBuilder { return b.op(opI32Add) }
func (b *BodyBuilder) I32Sub() *BodyBuilder { return b.op(opI32Sub) }
func (b *BodyBuilder) I32Mul() *BodyBuilder { return b.op(opI32Mul) }
func (b *BodyBuilder) I32DivS() *BodyBuilder { return b.op(opI32DivS) }
func (b *BodyBuilder) I64Add() *BodyBuilder { return b.op(opI64Add) }
func (b *BodyBuilder) I64Sub() *BodyBuilder { return b.op(opI64Sub) }
func (b *BodyBuilder) I64Mul() *BodyBuilder { return b.op(opI64Mul) }
func (b *BodyBuilder) I64DivS() *BodyBuilder { return b.op(opI64DivS) }
func (b *BodyBuilder) F32Add() *BodyBuilder { return b.op(opF32Add) }
func (b *BodyBuilder) F64Add() *BodyBuilder { return b.op(opF64Add) }
func (b *BodyBuilder) F64Mul() *BodyBuilder { return b.op(opF64Mul) }
func (b *BodyBuilder) I32Eqz() *BodyBuilder { return b.op(opI32Eqz) }

// Here marks the current position, a backward jump target.
func (b *BodyBuilder) Here() int { return len(b.code) }

// JumpBack emits an unconditional jump to a position from Here.
func (b *BodyBuilder) JumpBack(mark int) *BodyBuilder {
	b.jump(opJump, mark)
	return b
}

// JumpForward emits an unconditional jump with an unresolved target. The
// returned site is resolved by Land.
func (b *BodyBuilder) JumpForward() int {
	return b.jumpSite(opJump)
}

// JumpForwardIfZero pops a value and jumps when it is zero; resolved by Land.
func (b *BodyBuilder) JumpForwardIfZero() int {
	return b.jumpSite(opJumpIfZero)
}

// Land resolves a forward jump site to the current position.
func (b *BodyBuilder) Land(site int) *BodyBuilder {
	delta := len(b.code) - (site + 3)
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		panic(fmt.Errorf("jump delta %d does not fit in 16 bits", delta))
	}
	binary.LittleEndian.PutUint16(b.code[site+1:], uint16(int16(delta)))
	return b
}

func (b *BodyBuilder) jump(op byte, mark int) {
	delta := mark - (len(b.code) + 3)
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		panic(fmt.Errorf("jump delta %d does not fit in 16 bits", delta))
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(int16(delta)))
	b.op(op, buf[:]...)
}

func (b *BodyBuilder) jumpSite(op byte) int {
	site := len(b.code)
	b.op(op, 0, 0)
	return site
}

// Call emits a direct call to the module-space function index fn. The
// displacement field is left for the compiler.
func (b *BodyBuilder) Call(fn ir.Index, nargs, nresults int) *BodyBuilder {
	b.op(opCall, byte(nargs), byte(nresults))
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], fn)
	b.code = append(b.code, buf[:]...)
	return b
}

// CallImport emits a call through imported function ordinal imp. The stub
// address field is left for the loader.
func (b *BodyBuilder) CallImport(imp ir.Index, nargs, nresults int) *BodyBuilder {
	b.op(opCallImport, byte(nargs), byte(nresults))
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:], imp)
	b.code = append(b.code, buf[:]...)
	return b
}

// Libcall emits a call to a runtime routine; arity follows its fixed
// signature.
func (b *BodyBuilder) Libcall(call types.LibCall) *BodyBuilder {
	b.opU32(opLibcall, uint32(call))
	b.code = append(b.code, make([]byte, 8)...)
	return b
}

// CallIndirect emits a call through table t; pops the element index.
func (b *BodyBuilder) CallIndirect(t ir.Index, nargs, nresults int) *BodyBuilder {
	b.op(opCallIndirect, byte(nargs), byte(nresults))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], t)
	b.code = append(b.code, buf[:]...)
	return b
}

// RODataAddr pushes the loaded address of this function's read-only data
// plus addend.
func (b *BodyBuilder) RODataAddr(addend uint32) *BodyBuilder {
	b.opU32(opRODataAddr, addend)
	b.code = append(b.code, make([]byte, 8)...)
	return b
}

func (b *BodyBuilder) LoadAbs32() *BodyBuilder { return b.op(opLoadAbs32) }
func (b *BodyBuilder) LoadAbs64() *BodyBuilder { return b.op(opLoadAbs64) }
func (b *BodyBuilder) MemLoad32() *BodyBuilder { return b.op(opMemLoad32) }
func (b *BodyBuilder) MemStore32() *BodyBuilder { return b.op(opMemStore32) }
func (b *BodyBuilder) MemLoad64() *BodyBuilder { return b.op(opMemLoad64) }
func (b *BodyBuilder) MemStore64() *BodyBuilder { return b.op(opMemStore64) }

func (b *BodyBuilder) GlobalGet(i ir.Index) *BodyBuilder { return b.opU32(opGlobalGet, i) }
func (b *BodyBuilder) GlobalSet(i ir.Index) *BodyBuilder { return b.opU32(opGlobalSet, i) }

// Build assembles the body bytes.
func (b *BodyBuilder) Build() []byte {
	if b.params > math.MaxUint8 || b.results > math.MaxUint8 || b.extra > math.MaxUint8 {
		panic(fmt.Errorf("prelude field out of range: %d params, %d results, %d locals", b.params, b.results, b.extra))
	}
	out := make([]byte, 0, 4+len(b.rodata)+preludeSize+len(b.code))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.rodata)))
	out = append(out, b.rodata...)
	out = append(out, byte(b.params), byte(b.results), byte(b.extra))
	out = append(out, b.code...)
	return out
}
