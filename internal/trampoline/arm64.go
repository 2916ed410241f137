package trampoline

import (
	"fmt"
	"math"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/moltenwasm/molten/types"
)

// AAPCS64: the context pointer takes X0, parameters start at X1. Floats are
// classified independently into D0-D7. The Apple variant only diverges for
// byte-packed stack arguments, and every slot here is 8 bytes wide, so one
// emitter serves both conventions.
var (
	arm64IntArgRegisters = []int16{
		arm64.REG_R1, arm64.REG_R2, arm64.REG_R3, arm64.REG_R4,
		arm64.REG_R5, arm64.REG_R6, arm64.REG_R7,
	}
	arm64FloatArgRegisters = []int16{
		arm64.REG_F0, arm64.REG_F1, arm64.REG_F2, arm64.REG_F3,
		arm64.REG_F4, arm64.REG_F5, arm64.REG_F6, arm64.REG_F7,
	}
)

const (
	// Scratch registers outside the argument set. X9 and X10 are
	// caller-saved temporaries, X17 is the platform scratch register used
	// only for large memory offsets.
	arm64ScratchEntry   = arm64.REG_R9
	arm64ScratchValue   = arm64.REG_R10
	arm64ScratchOffset  = arm64.REG_R17
	arm64CalleeSavedVec = arm64.REG_R19
	arm64LinkRegister   = arm64.REG_R30
)

type arm64Emitter struct {
	builder *asm.Builder
}

func newARM64Emitter() (*arm64Emitter, error) {
	b, err := asm.NewBuilder("arm64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &arm64Emitter{builder: b}, nil
}

func (e *arm64Emitter) compileConstToRegisterInstruction(instruction obj.As, constValue int64, destinationRegister int16) {
	// Immediates larger than 16 bits are not encodable in a single
	// instruction, but the assembler expands them into up to 4 instructions
	// on its own.
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = constValue
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = destinationRegister
	e.builder.AddInstruction(prog)
}

func (e *arm64Emitter) compileRegisterToRegisterInstruction(instruction obj.As, from, to int16) {
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = from
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = to
	e.builder.AddInstruction(prog)
}

func (e *arm64Emitter) compileMemoryToRegisterInstruction(instruction obj.As, sourceBaseRegister int16, sourceOffset int64, destinationRegister int16) {
	if sourceOffset > math.MaxInt16 {
		// Large offsets make the assembler grab its own temporary register,
		// which we cannot track, so go through our scratch instead.
		e.compileConstToRegisterInstruction(arm64.AMOVD, sourceOffset, arm64ScratchOffset)
		prog := e.builder.NewProg()
		prog.As = instruction
		prog.From.Type = obj.TYPE_MEM
		prog.From.Reg = sourceBaseRegister
		prog.From.Index = arm64ScratchOffset
		prog.From.Scale = 1
		prog.To.Type = obj.TYPE_REG
		prog.To.Reg = destinationRegister
		e.builder.AddInstruction(prog)
		return
	}
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_MEM
	prog.From.Reg = sourceBaseRegister
	prog.From.Offset = sourceOffset
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = destinationRegister
	e.builder.AddInstruction(prog)
}

func (e *arm64Emitter) compileRegisterToMemoryInstruction(instruction obj.As, sourceRegister, destinationBaseRegister int16, destinationOffset int64) {
	if destinationOffset > math.MaxInt16 {
		e.compileConstToRegisterInstruction(arm64.AMOVD, destinationOffset, arm64ScratchOffset)
		prog := e.builder.NewProg()
		prog.As = instruction
		prog.From.Type = obj.TYPE_REG
		prog.From.Reg = sourceRegister
		prog.To.Type = obj.TYPE_MEM
		prog.To.Reg = destinationBaseRegister
		prog.To.Index = arm64ScratchOffset
		prog.To.Scale = 1
		e.builder.AddInstruction(prog)
		return
	}
	prog := e.builder.NewProg()
	prog.As = instruction
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = sourceRegister
	prog.To.Type = obj.TYPE_MEM
	prog.To.Reg = destinationBaseRegister
	prog.To.Offset = destinationOffset
	e.builder.AddInstruction(prog)
}

func (e *arm64Emitter) compileCallToAddressOnRegister(addressRegister int16) {
	prog := e.builder.NewProg()
	prog.As = obj.ACALL
	prog.To.Type = obj.TYPE_MEM
	prog.To.Reg = addressRegister
	e.builder.AddInstruction(prog)
}

func (e *arm64Emitter) compileReturn() {
	prog := e.builder.NewProg()
	prog.As = obj.ARET
	e.builder.AddInstruction(prog)
}

func arm64MoveForKind(kind types.ValueKind) obj.As {
	switch kind {
	case types.ValueKindF32:
		return arm64.AFMOVS
	case types.ValueKindF64:
		return arm64.AFMOVD
	}
	return arm64.AMOVD
}

type arm64Assignment struct {
	registers  []int16
	stackSlots []int
}

func planARM64(sig types.FunctionSignature) arm64Assignment {
	a := arm64Assignment{registers: make([]int16, len(sig.Params))}
	var nextInt, nextFloat int
	for i, kind := range sig.Params {
		if kind.IsFloat() {
			if nextFloat < len(arm64FloatArgRegisters) {
				a.registers[i] = arm64FloatArgRegisters[nextFloat]
				nextFloat++
				continue
			}
		} else {
			if nextInt < len(arm64IntArgRegisters) {
				a.registers[i] = arm64IntArgRegisters[nextInt]
				nextInt++
				continue
			}
		}
		a.registers[i] = nilRegister
		a.stackSlots = append(a.stackSlots, i)
	}
	return a
}

func generateARM64(dir Direction, sig types.FunctionSignature) ([]byte, error) {
	e, err := newARM64Emitter()
	if err != nil {
		return nil, err
	}
	if dir == HostToWasm {
		e.emitHostToWasmARM64(sig)
	} else {
		e.emitWasmToHostARM64(sig)
	}
	return e.builder.Assemble(), nil
}

// emitHostToWasmARM64 emits the entry bridge, entered with the context in
// X0, the entry address in X1 and the value vector in X2. X19 carries the
// vector across the call so the result can be stored back.
func (e *arm64Emitter) emitHostToWasmARM64(sig types.FunctionSignature) {
	plan := planARM64(sig)

	// Stack argument area plus two save slots for LR and X19. SP stays
	// 16-byte aligned throughout.
	frame := alignUp16(8*int64(len(plan.stackSlots))) + 16
	e.compileConstToRegisterInstruction(arm64.ASUB, frame, arm64.REGSP)
	e.compileRegisterToMemoryInstruction(arm64.AMOVD, arm64LinkRegister, arm64.REGSP, frame-16)
	e.compileRegisterToMemoryInstruction(arm64.AMOVD, arm64CalleeSavedVec, arm64.REGSP, frame-8)

	// The entry address arrives in X1, which doubles as the first parameter
	// register, so it moves aside before the arguments are loaded.
	e.compileRegisterToRegisterInstruction(arm64.AMOVD, arm64.REG_R2, arm64CalleeSavedVec)
	e.compileRegisterToRegisterInstruction(arm64.AMOVD, arm64.REG_R1, arm64ScratchEntry)

	for j, param := range plan.stackSlots {
		e.compileMemoryToRegisterInstruction(arm64.AMOVD, arm64CalleeSavedVec, 8*int64(param), arm64ScratchValue)
		e.compileRegisterToMemoryInstruction(arm64.AMOVD, arm64ScratchValue, arm64.REGSP, 8*int64(j))
	}
	for i, register := range plan.registers {
		if register == nilRegister {
			continue
		}
		e.compileMemoryToRegisterInstruction(arm64MoveForKind(sig.Params[i]), arm64CalleeSavedVec, 8*int64(i), register)
	}

	e.compileCallToAddressOnRegister(arm64ScratchEntry)

	if len(sig.Results) == 1 {
		result := sig.Results[0]
		register := int16(arm64.REG_R0)
		if result.IsFloat() {
			register = arm64.REG_F0
		}
		e.compileRegisterToMemoryInstruction(arm64MoveForKind(result), register, arm64CalleeSavedVec, 0)
	}

	e.compileMemoryToRegisterInstruction(arm64.AMOVD, arm64.REGSP, frame-16, arm64LinkRegister)
	e.compileMemoryToRegisterInstruction(arm64.AMOVD, arm64.REGSP, frame-8, arm64CalleeSavedVec)
	e.compileConstToRegisterInstruction(arm64.AADD, frame, arm64.REGSP)
	e.compileReturn()
}

// emitWasmToHostARM64 emits the exit bridge with the native signature
// (context, params...). It builds the value vector on the stack and calls
// the handler stored in the context's first word with (context, vector).
func (e *arm64Emitter) emitWasmToHostARM64(sig types.FunctionSignature) {
	plan := planARM64(sig)

	slots := int64(len(sig.Params))
	if slots == 0 {
		slots = 1
	}
	frame := alignUp16(8*slots) + 16
	e.compileConstToRegisterInstruction(arm64.ASUB, frame, arm64.REGSP)
	e.compileRegisterToMemoryInstruction(arm64.AMOVD, arm64LinkRegister, arm64.REGSP, frame-16)

	for i, register := range plan.registers {
		if register == nilRegister {
			continue
		}
		e.compileRegisterToMemoryInstruction(arm64MoveForKind(sig.Params[i]), register, arm64.REGSP, 8*int64(i))
	}
	// Incoming stack parameters sit directly above the frame, AAPCS64 keeps
	// no return address on the stack.
	for j, param := range plan.stackSlots {
		e.compileMemoryToRegisterInstruction(arm64.AMOVD, arm64.REGSP, frame+8*int64(j), arm64ScratchValue)
		e.compileRegisterToMemoryInstruction(arm64.AMOVD, arm64ScratchValue, arm64.REGSP, 8*int64(param))
	}

	e.compileMemoryToRegisterInstruction(arm64.AMOVD, arm64.REG_R0, 0, arm64ScratchEntry)
	e.compileRegisterToRegisterInstruction(arm64.AMOVD, arm64.REGSP, arm64.REG_R1)
	e.compileCallToAddressOnRegister(arm64ScratchEntry)

	if len(sig.Results) == 1 {
		result := sig.Results[0]
		register := int16(arm64.REG_R0)
		if result.IsFloat() {
			register = arm64.REG_F0
		}
		e.compileMemoryToRegisterInstruction(arm64MoveForKind(result), arm64.REGSP, 0, register)
	}

	e.compileMemoryToRegisterInstruction(arm64.AMOVD, arm64.REGSP, frame-16, arm64LinkRegister)
	e.compileConstToRegisterInstruction(arm64.AADD, frame, arm64.REGSP)
	e.compileReturn()
}
