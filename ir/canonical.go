package ir

import (
	"encoding/binary"

	"github.com/moltenwasm/molten/types"
)

// Canonical returns a deterministic byte encoding of the module, used as the
// preimage of its content ID. Equal modules produce equal encodings; the
// encoding is not a serialization format and is never decoded.
func (m *Module) Canonical() []byte {
	var b []byte
	b = appendString(b, m.Name)

	b = appendU32(b, uint32(len(m.Types)))
	for i := range m.Types {
		b = appendSignature(b, m.Types[i].Params, m.Types[i].Results)
	}

	b = appendU32(b, uint32(len(m.Imports)))
	for i := range m.Imports {
		imp := &m.Imports[i]
		b = appendString(b, imp.Module)
		b = appendString(b, imp.Name)
		b = append(b, byte(imp.Kind))
		switch imp.Kind {
		case ExternKindFunc:
			b = appendU32(b, imp.DescFunc)
		case ExternKindMemory:
			b = appendLimits(b, imp.DescMem.Min, imp.DescMem.Max)
		case ExternKindTable:
			b = appendLimits(b, imp.DescTable.Min, imp.DescTable.Max)
		case ExternKindGlobal:
			b = append(b, byte(imp.DescGlobal.Kind), boolByte(imp.DescGlobal.Mutable))
		}
	}

	b = appendU32(b, uint32(len(m.Functions)))
	for i := range m.Functions {
		b = appendU32(b, m.Functions[i].Type)
		b = appendBytes(b, m.Functions[i].Body)
	}

	b = appendU32(b, uint32(len(m.Memories)))
	for i := range m.Memories {
		b = appendLimits(b, m.Memories[i].Min, m.Memories[i].Max)
	}
	b = appendU32(b, uint32(len(m.Tables)))
	for i := range m.Tables {
		b = appendLimits(b, m.Tables[i].Min, m.Tables[i].Max)
	}

	b = appendU32(b, uint32(len(m.Globals)))
	for i := range m.Globals {
		g := &m.Globals[i]
		b = append(b, byte(g.Type.Kind), boolByte(g.Type.Mutable), byte(g.Init.Kind))
		b = appendU64(b, g.Init.Value)
	}

	b = appendU32(b, uint32(len(m.Exports)))
	for i := range m.Exports {
		exp := &m.Exports[i]
		b = appendString(b, exp.Name)
		b = append(b, byte(exp.Kind))
		b = appendU32(b, exp.Index)
	}

	if m.Start != nil {
		b = append(b, 1)
		b = appendU32(b, *m.Start)
	} else {
		b = append(b, 0)
	}

	b = appendU32(b, uint32(len(m.Data)))
	for i := range m.Data {
		seg := &m.Data[i]
		b = appendU32(b, seg.MemoryIndex)
		b = append(b, byte(seg.Offset.Kind))
		b = appendU64(b, seg.Offset.Value)
		b = appendBytes(b, seg.Init)
	}

	b = appendU32(b, uint32(len(m.Elements)))
	for i := range m.Elements {
		seg := &m.Elements[i]
		b = appendU32(b, seg.TableIndex)
		b = append(b, byte(seg.Offset.Kind))
		b = appendU64(b, seg.Offset.Value)
		b = appendU32(b, uint32(len(seg.Functions)))
		for _, f := range seg.Functions {
			b = appendU32(b, f)
		}
	}
	return b
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendBytes(b, data []byte) []byte {
	b = appendU32(b, uint32(len(data)))
	return append(b, data...)
}

func appendString(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendSignature(b []byte, params, results []types.ValueKind) []byte {
	b = appendU32(b, uint32(len(params)))
	for _, p := range params {
		b = append(b, byte(p))
	}
	b = appendU32(b, uint32(len(results)))
	for _, r := range results {
		b = append(b, byte(r))
	}
	return b
}

func appendLimits(b []byte, min uint32, max *uint32) []byte {
	b = appendU32(b, min)
	if max != nil {
		b = append(b, 1)
		b = appendU32(b, *max)
	} else {
		b = append(b, 0)
	}
	return b
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
