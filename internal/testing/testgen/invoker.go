package testgen

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/moltenwasm/molten/codegen"
	"github.com/moltenwasm/molten/types"
)

// maxCallDepth bounds recursion through opCall and opCallIndirect.
const maxCallDepth = 512

// ctxCheckInterval is how many instructions run between context checks.
const ctxCheckInterval = 4096

// NewInvoker returns the interpreting execution driver.
func NewInvoker() codegen.Invoker {
	return interpreter{}
}

type interpreter struct{}

// Invoke implements codegen.Invoker. The trampoline is ignored: an
// interpreter enters functions directly.
func (interpreter) Invoke(ctx context.Context, env codegen.Environment, _, entry uintptr, stack []uint64) error {
	region, off, ok := env.Code(entry)
	if !ok {
		return fmt.Errorf("entry address %#x is not in a loaded region", entry)
	}
	if len(region)-off < preludeSize {
		return fmt.Errorf("entry at %#x leaves no room for a prelude", entry)
	}
	nparams, nresults := int(region[off]), int(region[off+1])
	if len(stack) < nparams || len(stack) < nresults {
		return fmt.Errorf("stack has %d slots, entry needs %d in and %d out", len(stack), nparams, nresults)
	}
	args := make([]uint64, nparams)
	copy(args, stack)

	s := &state{ctx: ctx, env: env}
	results, err := s.run(region, off, args, 0)
	if err != nil {
		return err
	}
	copy(stack, results)
	return nil
}

// state is one Invoke's execution, shared across nested calls so the
// context-check interval covers the whole activation tree.
type state struct {
	ctx   context.Context
	env   codegen.Environment
	steps int
}

// run interprets the function whose prelude starts at entry, consuming args
// and returning its declared results.
func (s *state) run(region []byte, entry int, args []uint64, depth int) ([]uint64, error) {
	if depth >= maxCallDepth {
		return nil, &types.TrapError{Code: types.TrapStackOverflow}
	}
	if entry < 0 || len(region)-entry < preludeSize {
		return nil, fmt.Errorf("function entry %#x leaves no room for a prelude", entry)
	}
	nparams := int(region[entry])
	nresults := int(region[entry+1])
	if len(args) != nparams {
		return nil, fmt.Errorf("function at %#x takes %d arguments, got %d", entry, nparams, len(args))
	}
	locals := make([]uint64, nparams+int(region[entry+2]))
	copy(locals, args)

	var stack []uint64
	var ferr error
	push := func(v uint64) { stack = append(stack, v) }
	pop := func() uint64 {
		if len(stack) == 0 {
			if ferr == nil {
				ferr = fmt.Errorf("value stack underflow in function at %#x", entry)
			}
			return 0
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popN := func(n int) []uint64 {
		out := make([]uint64, n)
		for i := n - 1; i >= 0; i-- {
			out[i] = pop()
		}
		return out
	}

	for pc := entry + preludeSize; ; {
		if pc < 0 || pc >= len(region) {
			return nil, fmt.Errorf("program counter %#x outside the loaded region", pc)
		}
		if s.steps++; s.steps%ctxCheckInterval == 0 {
			if err := s.ctx.Err(); err != nil {
				return nil, err
			}
		}
		op := region[pc]
		width, ok := instructionWidth(op)
		if !ok {
			return nil, fmt.Errorf("unknown opcode %#02x at %#x", op, pc)
		}
		if pc+width > len(region) {
			return nil, fmt.Errorf("truncated instruction %#02x at %#x", op, pc)
		}
		next := pc + width

		switch op {
		case opReturn:
			if len(stack) < nresults {
				return nil, fmt.Errorf("return needs %d values, stack has %d", nresults, len(stack))
			}
			return append([]uint64(nil), stack[len(stack)-nresults:]...), nil
		case opDrop:
			pop()
		case opTrap:
			return nil, &types.TrapError{Code: types.TrapCode(region[pc+1])}

		case opConstI32, opConstF32:
			push(uint64(binary.LittleEndian.Uint32(region[pc+1:])))
		case opConstI64, opConstF64:
			push(binary.LittleEndian.Uint64(region[pc+1:]))

		case opLocalGet:
			i := int(region[pc+1])
			if i >= len(locals) {
				return nil, fmt.Errorf("local %d out of range at %#x", i, pc)
			}
			push(locals[i])
		case opLocalSet:
			i := int(region[pc+1])
			if i >= len(locals) {
				return nil, fmt.Errorf("local %d out of range at %#x", i, pc)
			}
			locals[i] = pop()

		case opI32Add:
			b, a := uint32(pop()), uint32(pop())
			push(uint64(a + b))
		case opI32Sub:
			b, a := uint32(pop()), uint32(pop())
			push(uint64(a - b))
		case opI32Mul:
			b, a := uint32(pop()), uint32(pop())
			push(uint64(a * b))
		case opI32DivS:
			b, a := int32(uint32(pop())), int32(uint32(pop()))
			if b == 0 {
				return nil, &types.TrapError{Code: types.TrapIntegerDivisionByZero}
			}
			if a == math.MinInt32 && b == -1 {
				return nil, &types.TrapError{Code: types.TrapIntegerOverflow}
			}
			push(uint64(uint32(a / b)))
		case opI64Add:
			b, a := pop(), pop()
			push(a + b)
		case opI64Sub:
			b, a := pop(), pop()
			push(a - b)
		case opI64Mul:
			b, a := pop(), pop()
			push(a * b)
		case opI64DivS:
			b, a := int64(pop()), int64(pop())
			if b == 0 {
				return nil, &types.TrapError{Code: types.TrapIntegerDivisionByZero}
			}
			if a == math.MinInt64 && b == -1 {
				return nil, &types.TrapError{Code: types.TrapIntegerOverflow}
			}
			push(uint64(a / b))
		case opF32Add:
			b, a := math.Float32frombits(uint32(pop())), math.Float32frombits(uint32(pop()))
			push(uint64(math.Float32bits(a + b)))
		case opF64Add:
			b, a := math.Float64frombits(pop()), math.Float64frombits(pop())
			push(math.Float64bits(a + b))
		case opF64Mul:
			b, a := math.Float64frombits(pop()), math.Float64frombits(pop())
			push(math.Float64bits(a * b))
		case opI32Eqz:
			if uint32(pop()) == 0 {
				push(1)
			} else {
				push(0)
			}

		case opJump:
			next = pc + width + int(int16(binary.LittleEndian.Uint16(region[pc+1:])))
		case opJumpIfZero:
			if pop() == 0 {
				next = pc + width + int(int16(binary.LittleEndian.Uint16(region[pc+1:])))
			}

		case opCall:
			nargs, nres := int(region[pc+1]), int(region[pc+2])
			disp := int(int32(binary.LittleEndian.Uint32(region[pc+7:])))
			results, err := s.run(region, pc+width+disp, popN(nargs), depth+1)
			if err != nil {
				return nil, err
			}
			if len(results) != nres {
				return nil, fmt.Errorf("call at %#x expected %d results, callee returned %d", pc, nres, len(results))
			}
			stack = append(stack, results...)
		case opCallImport:
			nargs, nres := int(region[pc+1]), int(region[pc+2])
			importIndex := binary.LittleEndian.Uint32(region[pc+3:])
			stub := binary.LittleEndian.Uint64(region[pc+7:])
			n := nargs
			if nres > n {
				n = nres
			}
			buf := make([]uint64, n)
			copy(buf, popN(nargs))
			if err := s.env.HostCall(s.ctx, uintptr(stub), importIndex, buf); err != nil {
				return nil, err
			}
			stack = append(stack, buf[:nres]...)
		case opLibcall:
			call := types.LibCall(binary.LittleEndian.Uint32(region[pc+1:]))
			stub := binary.LittleEndian.Uint64(region[pc+5:])
			sig := call.Signature()
			n := len(sig.Params)
			if len(sig.Results) > n {
				n = len(sig.Results)
			}
			buf := make([]uint64, n)
			copy(buf, popN(len(sig.Params)))
			if err := s.env.Libcall(s.ctx, uintptr(stub), call, buf); err != nil {
				return nil, err
			}
			stack = append(stack, buf[:len(sig.Results)]...)
		case opCallIndirect:
			nargs, nres := int(region[pc+1]), int(region[pc+2])
			tableIndex := binary.LittleEndian.Uint32(region[pc+3:])
			table := s.env.Table(tableIndex)
			if table == nil {
				return nil, fmt.Errorf("module has no table %d", tableIndex)
			}
			elem := uint32(pop())
			ref, ok := table.Get(elem)
			if !ok {
				return nil, &types.TrapError{Code: types.TrapTableAccessOutOfBounds}
			}
			if ref == 0 {
				return nil, &types.TrapError{Code: types.TrapIndirectCallToNull}
			}
			target, toff, ok := s.env.Code(uintptr(ref))
			if !ok {
				return nil, fmt.Errorf("indirect target %#x is not in a loaded region", ref)
			}
			if len(target)-toff < preludeSize {
				return nil, fmt.Errorf("indirect target %#x leaves no room for a prelude", ref)
			}
			if int(target[toff]) != nargs || int(target[toff+1]) != nres {
				return nil, &types.TrapError{Code: types.TrapBadSignature}
			}
			results, err := s.run(target, toff, popN(nargs), depth+1)
			if err != nil {
				return nil, err
			}
			stack = append(stack, results...)

		case opRODataAddr:
			push(binary.LittleEndian.Uint64(region[pc+5:]))
		case opLoadAbs32:
			addr := pop()
			r, off, ok := s.env.Code(uintptr(addr))
			if !ok || len(r)-off < 4 {
				return nil, fmt.Errorf("address %#x is not readable", addr)
			}
			push(uint64(binary.LittleEndian.Uint32(r[off:])))
		case opLoadAbs64:
			addr := pop()
			r, off, ok := s.env.Code(uintptr(addr))
			if !ok || len(r)-off < 8 {
				return nil, fmt.Errorf("address %#x is not readable", addr)
			}
			push(binary.LittleEndian.Uint64(r[off:]))

		case opMemLoad32:
			mem := s.env.Memory(0)
			if mem == nil {
				return nil, fmt.Errorf("module has no memory")
			}
			b, ok := mem.Read(uint32(pop()), 4)
			if !ok {
				return nil, &types.TrapError{Code: types.TrapHeapAccessOutOfBounds}
			}
			push(uint64(binary.LittleEndian.Uint32(b)))
		case opMemStore32:
			mem := s.env.Memory(0)
			if mem == nil {
				return nil, fmt.Errorf("module has no memory")
			}
			v := pop()
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(v))
			if !mem.Write(uint32(pop()), b[:]) {
				return nil, &types.TrapError{Code: types.TrapHeapAccessOutOfBounds}
			}
		case opMemLoad64:
			mem := s.env.Memory(0)
			if mem == nil {
				return nil, fmt.Errorf("module has no memory")
			}
			b, ok := mem.Read(uint32(pop()), 8)
			if !ok {
				return nil, &types.TrapError{Code: types.TrapHeapAccessOutOfBounds}
			}
			push(binary.LittleEndian.Uint64(b))
		case opMemStore64:
			mem := s.env.Memory(0)
			if mem == nil {
				return nil, fmt.Errorf("module has no memory")
			}
			v := pop()
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], v)
			if !mem.Write(uint32(pop()), b[:]) {
				return nil, &types.TrapError{Code: types.TrapHeapAccessOutOfBounds}
			}

		case opGlobalGet:
			i := binary.LittleEndian.Uint32(region[pc+1:])
			v, ok := s.env.Global(i)
			if !ok {
				return nil, fmt.Errorf("global %d out of range at %#x", i, pc)
			}
			push(v)
		case opGlobalSet:
			i := binary.LittleEndian.Uint32(region[pc+1:])
			if !s.env.SetGlobal(i, pop()) {
				return nil, fmt.Errorf("global %d is not assignable at %#x", i, pc)
			}
		}
		if ferr != nil {
			return nil, ferr
		}
		pc = next
	}
}
