package testgen

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/moltenwasm/molten/codegen"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// NewGenerator returns the test code generator. It is stateless and safe for
// concurrent use; output depends only on the function body.
func NewGenerator() codegen.Generator {
	return generator{}
}

type generator struct{}

// Generate implements codegen.Generator. The target is irrelevant to the
// byte-coded output but part of the contract.
func (generator) Generate(_ context.Context, mod *ir.Module, index ir.Index, _ types.Target) (*codegen.Blob, error) {
	if index >= uint32(len(mod.Functions)) {
		return nil, fmt.Errorf("function index %d out of range", index)
	}
	body := mod.Functions[index].Body
	if len(body) < 4 {
		return nil, fmt.Errorf("body is %d bytes, shorter than the rodata header", len(body))
	}
	rodataLen := binary.LittleEndian.Uint32(body)
	rest := body[4:]
	if uint64(rodataLen) > uint64(len(rest)) {
		return nil, fmt.Errorf("rodata length %d exceeds remaining %d body bytes", rodataLen, len(rest))
	}
	rodata := rest[:rodataLen]
	code := rest[rodataLen:]
	if len(code) < preludeSize {
		return nil, fmt.Errorf("code is %d bytes, shorter than the prelude", len(code))
	}

	sig, err := mod.FunctionSignature(mod.ImportedFunctionCount() + index)
	if err != nil {
		return nil, err
	}
	if int(code[0]) != len(sig.Params) || int(code[1]) != len(sig.Results) {
		return nil, fmt.Errorf("prelude declares %d params and %d results, signature %s disagrees",
			code[0], code[1], sig.Key())
	}

	relocs, err := scanRelocations(code, index)
	if err != nil {
		return nil, err
	}

	blob := &codegen.Blob{
		Code:   append([]byte(nil), code...),
		Relocs: relocs,
	}
	if len(rodata) != 0 {
		blob.ROData = append([]byte(nil), rodata...)
	}
	return blob, nil
}

// scanRelocations decodes the instruction stream once, collecting a
// relocation for every site the compiler or loader must patch.
func scanRelocations(code []byte, self ir.Index) ([]types.Relocation, error) {
	var relocs []types.Relocation
	for pc := preludeSize; pc < len(code); {
		op := code[pc]
		width, ok := instructionWidth(op)
		if !ok {
			return nil, fmt.Errorf("unknown opcode %#02x at %#x", op, pc)
		}
		if pc+width > len(code) {
			return nil, fmt.Errorf("truncated instruction %#02x at %#x", op, pc)
		}
		switch op {
		case opCall:
			relocs = append(relocs, types.Relocation{
				Offset: uint32(pc + 7),
				Kind:   types.RelocFunction,
				Index:  binary.LittleEndian.Uint32(code[pc+3:]),
			})
		case opCallImport:
			relocs = append(relocs, types.Relocation{
				Offset: uint32(pc + 7),
				Kind:   types.RelocImport,
				Index:  binary.LittleEndian.Uint32(code[pc+3:]),
			})
		case opLibcall:
			call := binary.LittleEndian.Uint32(code[pc+1:])
			if !types.LibCall(call).Valid() {
				return nil, fmt.Errorf("unknown libcall %d at %#x", call, pc)
			}
			relocs = append(relocs, types.Relocation{
				Offset: uint32(pc + 5),
				Kind:   types.RelocLibcall,
				Index:  call,
			})
		case opRODataAddr:
			relocs = append(relocs, types.Relocation{
				Offset: uint32(pc + 5),
				Kind:   types.RelocData,
				Index:  self,
				Addend: int64(binary.LittleEndian.Uint32(code[pc+1:])),
			})
		}
		pc += width
	}
	return relocs, nil
}
