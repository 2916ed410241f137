package trampoline

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/moltenwasm/molten/types"
)

// System V AMD64: the context pointer occupies the first integer register
// slot, so parameters start at RSI. Floats are classified independently into
// XMM0-XMM7. Overflow of either class spills to the stack in parameter order.
var (
	amd64SysVIntArgRegisters   = []int16{x86.REG_SI, x86.REG_DX, x86.REG_CX, x86.REG_R8, x86.REG_R9}
	amd64SysVFloatArgRegisters = []int16{
		x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3,
		x86.REG_X4, x86.REG_X5, x86.REG_X6, x86.REG_X7,
	}
)

// Windows x64: register assignment is positional, each of the first four
// parameter positions maps to one integer and one XMM register and a call
// reserves 32 bytes of shadow space.
var (
	amd64FastcallIntArgRegisters   = []int16{x86.REG_CX, x86.REG_DX, x86.REG_R8, x86.REG_R9}
	amd64FastcallFloatArgRegisters = []int16{x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3}
	amd64FastcallShadowSpace       = int64(32)
)

func alignUp16(v int64) int64 { return (v + 15) &^ 15 }

// nilRegister marks a parameter that is passed on the stack rather than in a
// register.
const nilRegister int16 = -1

type amd64Emitter struct {
	builder *asm.Builder
}

func newAMD64Emitter() (*amd64Emitter, error) {
	b, err := asm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &amd64Emitter{builder: b}, nil
}

func (e *amd64Emitter) compileRegisterToRegisterInstruction(instruction obj.As, from, to int16) {
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = from
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = to
	e.builder.AddInstruction(prog)
}

func (e *amd64Emitter) compileMemoryToRegisterInstruction(instruction obj.As, baseRegister int16, offset int64, to int16) {
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_MEM
	prog.From.Reg = baseRegister
	prog.From.Offset = offset
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = to
	e.builder.AddInstruction(prog)
}

func (e *amd64Emitter) compileRegisterToMemoryInstruction(instruction obj.As, from, baseRegister int16, offset int64) {
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = from
	prog.To.Type = obj.TYPE_MEM
	prog.To.Reg = baseRegister
	prog.To.Offset = offset
	e.builder.AddInstruction(prog)
}

func (e *amd64Emitter) compileConstToRegisterInstruction(instruction obj.As, value int64, to int16) {
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = value
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = to
	e.builder.AddInstruction(prog)
}

func (e *amd64Emitter) compileCallOnRegister(register int16) {
	prog := e.builder.NewProg()
	prog.As = obj.ACALL
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = register
	e.builder.AddInstruction(prog)
}

func (e *amd64Emitter) compileReturn() {
	prog := e.builder.NewProg()
	prog.As = obj.ARET
	e.builder.AddInstruction(prog)
}

// moveForKind picks the move width for one value slot. Integers and
// references move through MOVQ on a general register, floats through MOVQ or
// MOVL on an XMM register depending on width.
func amd64MoveForKind(kind types.ValueKind) obj.As {
	if kind == types.ValueKindF32 {
		return x86.AMOVL
	}
	return x86.AMOVQ
}

// amd64Assignment is the register plan for one signature under one calling
// convention: for every parameter either a register or a stack slot index.
type amd64Assignment struct {
	registers  []int16 // parameter index -> register, nilRegister when stacked
	stackSlots []int   // parameter indices in stack order
}

func planAMD64(sig types.FunctionSignature, conv types.CallConv) amd64Assignment {
	a := amd64Assignment{registers: make([]int16, len(sig.Params))}
	if conv == types.CallConvWindowsFastcall {
		// Positions are shifted by one for the context pointer.
		for i, kind := range sig.Params {
			pos := i + 1
			if pos >= len(amd64FastcallIntArgRegisters) {
				a.registers[i] = nilRegister
				a.stackSlots = append(a.stackSlots, i)
				continue
			}
			if kind.IsFloat() {
				a.registers[i] = amd64FastcallFloatArgRegisters[pos]
			} else {
				a.registers[i] = amd64FastcallIntArgRegisters[pos]
			}
		}
		return a
	}
	var nextInt, nextFloat int
	for i, kind := range sig.Params {
		if kind.IsFloat() {
			if nextFloat < len(amd64SysVFloatArgRegisters) {
				a.registers[i] = amd64SysVFloatArgRegisters[nextFloat]
				nextFloat++
				continue
			}
		} else {
			if nextInt < len(amd64SysVIntArgRegisters) {
				a.registers[i] = amd64SysVIntArgRegisters[nextInt]
				nextInt++
				continue
			}
		}
		a.registers[i] = nilRegister
		a.stackSlots = append(a.stackSlots, i)
	}
	return a
}

func generateAMD64(dir Direction, sig types.FunctionSignature, conv types.CallConv) ([]byte, error) {
	switch conv {
	case types.CallConvSystemV, types.CallConvWindowsFastcall:
	default:
		return nil, &types.TrampolineError{
			Signature: sig,
			Reason:    "calling convention " + conv.String() + " is not usable on amd64",
		}
	}
	e, err := newAMD64Emitter()
	if err != nil {
		return nil, err
	}
	if dir == HostToWasm {
		e.emitHostToWasmAMD64(sig, conv)
	} else {
		e.emitWasmToHostAMD64(sig, conv)
	}
	return e.builder.Assemble(), nil
}

// emitHostToWasmAMD64 emits the entry bridge. The stub itself is entered
// with (context, entry address, value vector) in the convention's first
// three integer registers. It loads every parameter from the vector into the
// convention's argument registers and stack area, calls the entry and stores
// the result back into slot zero of the vector.
func (e *amd64Emitter) emitHostToWasmAMD64(sig types.FunctionSignature, conv types.CallConv) {
	plan := planAMD64(sig, conv)

	entryRegister, vecRegister := int16(x86.REG_SI), int16(x86.REG_DX)
	shadow := int64(0)
	if conv == types.CallConvWindowsFastcall {
		entryRegister, vecRegister = x86.REG_DX, x86.REG_R8
		shadow = amd64FastcallShadowSpace
	}

	// Frame: outgoing stack arguments, shadow space and one save slot for
	// RBX. The odd trailing slot restores 16-byte alignment at the call.
	frame := alignUp16(8*int64(len(plan.stackSlots))) + shadow + 8
	e.compileConstToRegisterInstruction(x86.ASUBQ, frame, x86.REG_SP)
	e.compileRegisterToMemoryInstruction(x86.AMOVQ, x86.REG_BX, x86.REG_SP, frame-8)

	// The vector must survive the call, the entry only has to survive
	// argument setup.
	e.compileRegisterToRegisterInstruction(x86.AMOVQ, vecRegister, x86.REG_BX)
	e.compileRegisterToRegisterInstruction(x86.AMOVQ, entryRegister, x86.REG_R10)

	for j, param := range plan.stackSlots {
		e.compileMemoryToRegisterInstruction(x86.AMOVQ, x86.REG_BX, 8*int64(param), x86.REG_AX)
		e.compileRegisterToMemoryInstruction(x86.AMOVQ, x86.REG_AX, x86.REG_SP, shadow+8*int64(j))
	}
	for i, register := range plan.registers {
		if register == nilRegister {
			continue
		}
		e.compileMemoryToRegisterInstruction(amd64MoveForKind(sig.Params[i]), x86.REG_BX, 8*int64(i), register)
	}

	e.compileCallOnRegister(x86.REG_R10)

	if len(sig.Results) == 1 {
		if sig.Results[0].IsFloat() {
			e.compileRegisterToMemoryInstruction(amd64MoveForKind(sig.Results[0]), x86.REG_X0, x86.REG_BX, 0)
		} else {
			e.compileRegisterToMemoryInstruction(x86.AMOVQ, x86.REG_AX, x86.REG_BX, 0)
		}
	}

	e.compileMemoryToRegisterInstruction(x86.AMOVQ, x86.REG_SP, frame-8, x86.REG_BX)
	e.compileConstToRegisterInstruction(x86.AADDQ, frame, x86.REG_SP)
	e.compileReturn()
}

// emitWasmToHostAMD64 emits the exit bridge. The stub has the native
// signature (context, params...) and packs every parameter into an on-stack
// value vector, calls the handler function stored in the context's first
// word with (context, vector), and returns the vector's slot zero in the
// convention's return register.
func (e *amd64Emitter) emitWasmToHostAMD64(sig types.FunctionSignature, conv types.CallConv) {
	plan := planAMD64(sig, conv)

	ctxRegister, vecArgRegister := int16(x86.REG_DI), int16(x86.REG_SI)
	shadow := int64(0)
	if conv == types.CallConvWindowsFastcall {
		ctxRegister, vecArgRegister = x86.REG_CX, x86.REG_DX
		shadow = amd64FastcallShadowSpace
	}

	slots := int64(len(sig.Params))
	if slots == 0 {
		slots = 1
	}
	// Vector above the dispatcher's shadow space, one odd slot for call
	// alignment.
	frame := alignUp16(8*slots) + shadow + 8
	vecOffset := shadow
	e.compileConstToRegisterInstruction(x86.ASUBQ, frame, x86.REG_SP)

	// Register parameters first: the vector argument register doubles as a
	// parameter register, so it must be read before it is repurposed.
	for i, register := range plan.registers {
		if register == nilRegister {
			continue
		}
		e.compileRegisterToMemoryInstruction(amd64MoveForKind(sig.Params[i]), register, x86.REG_SP, vecOffset+8*int64(i))
	}
	// Incoming stack parameters sit above the return address and the
	// caller's shadow space.
	for j, param := range plan.stackSlots {
		e.compileMemoryToRegisterInstruction(x86.AMOVQ, x86.REG_SP, frame+8+shadow+8*int64(j), x86.REG_AX)
		e.compileRegisterToMemoryInstruction(x86.AMOVQ, x86.REG_AX, x86.REG_SP, vecOffset+8*int64(param))
	}

	e.compileMemoryToRegisterInstruction(x86.AMOVQ, ctxRegister, 0, x86.REG_R10)
	e.compileRegisterToRegisterInstruction(x86.AMOVQ, x86.REG_SP, vecArgRegister)
	if vecOffset != 0 {
		e.compileConstToRegisterInstruction(x86.AADDQ, vecOffset, vecArgRegister)
	}
	e.compileCallOnRegister(x86.REG_R10)

	if len(sig.Results) == 1 {
		if sig.Results[0].IsFloat() {
			e.compileMemoryToRegisterInstruction(amd64MoveForKind(sig.Results[0]), x86.REG_SP, vecOffset, x86.REG_X0)
		} else {
			e.compileMemoryToRegisterInstruction(x86.AMOVQ, x86.REG_SP, vecOffset, x86.REG_AX)
		}
	}

	e.compileConstToRegisterInstruction(x86.AADDQ, frame, x86.REG_SP)
	e.compileReturn()
}
