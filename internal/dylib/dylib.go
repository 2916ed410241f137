// Package dylib encodes artifacts into the loadable container format and
// decodes them back. The container is self-describing and fully validated on
// the way in: a truncated or corrupted byte stream yields a serialization
// error, never a partial artifact.
//
// Layout, all integers little-endian and fixed width:
//
//	magic "MLTN" | format version u32 | target descriptor (12 bytes) |
//	section count u32 | sections | crc32 trailer u32
//
// Each section is a u64 payload length followed by the payload. Version 1
// has nine sections in fixed order: signatures, functions, imports, exports,
// memories, tables, globals, initializers, module identity plus code region.
// The checksum covers everything before the trailer.
package dylib

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/moltenwasm/molten/internal/artifact"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

var magic = []byte{'M', 'L', 'T', 'N'}

// Version is the container format version this package writes.
const Version uint32 = 1

const sectionCount = 9

var crc = crc32.MakeTable(crc32.Castagnoli)

// Encode serializes the artifact. The output is deterministic for a given
// artifact value.
func Encode(a *artifact.Artifact) []byte {
	var b []byte
	b = append(b, magic...)
	b = binary.LittleEndian.AppendUint32(b, Version)
	b = a.Target.AppendDescriptor(b)
	b = binary.LittleEndian.AppendUint32(b, sectionCount)

	b = appendSection(b, encodeSignatures(a))
	b = appendSection(b, encodeFunctions(a))
	b = appendSection(b, encodeImports(a))
	b = appendSection(b, encodeExports(a))
	b = appendSection(b, encodeLimitsList(memoryLimits(a.Memories)))
	b = appendSection(b, encodeLimitsList(tableLimits(a.Tables)))
	b = appendSection(b, encodeGlobals(a))
	b = appendSection(b, encodeInitializers(a))
	b = appendSection(b, encodeIdentity(a))

	return binary.LittleEndian.AppendUint32(b, crc32.Checksum(b, crc))
}

// Decode parses and validates a container produced by Encode. The returned
// artifact passed its own structural validation; target compatibility with
// the decoding engine is the caller's decision.
func Decode(b []byte) (*artifact.Artifact, error) {
	header := len(magic) + 4 + types.TargetDescriptorSize + 4
	if len(b) < header+4 {
		return nil, serr("invalid header length: %d", len(b))
	}
	if !bytes.Equal(b[:len(magic)], magic) {
		return nil, serr("invalid magic number: got %s but want %s", magic, b[:len(magic)])
	}
	sum := crc32.Checksum(b[:len(b)-4], crc)
	if got := binary.LittleEndian.Uint32(b[len(b)-4:]); got != sum {
		return nil, serr("checksum mismatch (expected %d, got %d)", sum, got)
	}
	if v := binary.LittleEndian.Uint32(b[len(magic):]); v != Version {
		return nil, serr("unsupported format version %d", v)
	}
	target, err := types.TargetFromDescriptor(b[len(magic)+4 : len(magic)+4+types.TargetDescriptorSize])
	if err != nil {
		return nil, err
	}
	if n := binary.LittleEndian.Uint32(b[header-4:]); n != sectionCount {
		return nil, serr("expected %d sections, got %d", sectionCount, n)
	}

	r := &reader{b: b[header : len(b)-4]}
	a := &artifact.Artifact{Target: target}

	sections := []struct {
		name   string
		decode func(*reader, *artifact.Artifact) error
	}{
		{"signatures", decodeSignatures},
		{"functions", decodeFunctions},
		{"imports", decodeImports},
		{"exports", decodeExports},
		{"memories", decodeMemories},
		{"tables", decodeTables},
		{"globals", decodeGlobals},
		{"initializers", decodeInitializers},
		{"identity", decodeIdentity},
	}
	for _, s := range sections {
		length, err := r.u64(s.name + " section length")
		if err != nil {
			return nil, err
		}
		begin := r.off
		if uint64(len(r.b)-begin) < length {
			return nil, serr("unexpected end of container reading %s section", s.name)
		}
		end := begin + int(length)
		sub := &reader{b: r.b[:end], off: begin}
		if err := s.decode(sub, a); err != nil {
			return nil, err
		}
		if sub.off != end {
			return nil, serr("%s section has %d unread bytes", s.name, end-sub.off)
		}
		r.off = end
	}
	if r.off != len(r.b) {
		return nil, serr("%d trailing bytes after last section", len(r.b)-r.off)
	}

	if err := a.Validate(); err != nil {
		return nil, &types.SerializationError{Reason: "inconsistent artifact", Err: err}
	}
	return a, nil
}

func serr(format string, args ...interface{}) error {
	return &types.SerializationError{Reason: fmt.Sprintf(format, args...)}
}

func appendSection(b, payload []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(len(payload)))
	return append(b, payload...)
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendLimits(b []byte, min uint32, max *uint32) []byte {
	b = binary.LittleEndian.AppendUint32(b, min)
	if max == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	return binary.LittleEndian.AppendUint32(b, *max)
}

func appendConstExpr(b []byte, e ir.ConstExpr) []byte {
	b = append(b, byte(e.Kind))
	return binary.LittleEndian.AppendUint64(b, e.Value)
}

func encodeSignatures(a *artifact.Artifact) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Signatures)))
	for _, sig := range a.Signatures {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(sig.Params)))
		for _, p := range sig.Params {
			b = append(b, byte(p))
		}
		b = binary.LittleEndian.AppendUint32(b, uint32(len(sig.Results)))
		for _, r := range sig.Results {
			b = append(b, byte(r))
		}
	}
	return b
}

func encodeFunctions(a *artifact.Artifact) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Functions)))
	for i := range a.Functions {
		f := &a.Functions[i]
		b = binary.LittleEndian.AppendUint32(b, f.Signature)
		b = binary.LittleEndian.AppendUint64(b, f.Offset)
		b = binary.LittleEndian.AppendUint64(b, f.CodeLen)
		b = binary.LittleEndian.AppendUint64(b, f.RODataOffset)
		b = binary.LittleEndian.AppendUint64(b, f.RODataLen)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Relocs)))
		for _, rel := range f.Relocs {
			b = binary.LittleEndian.AppendUint32(b, rel.Offset)
			b = append(b, byte(rel.Kind))
			b = binary.LittleEndian.AppendUint32(b, rel.Index)
			b = binary.LittleEndian.AppendUint64(b, uint64(rel.Addend))
		}
	}
	return b
}

func encodeImports(a *artifact.Artifact) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Imports)))
	for i := range a.Imports {
		imp := &a.Imports[i]
		b = appendString(b, imp.Module)
		b = appendString(b, imp.Name)
		b = append(b, byte(imp.Kind))
		switch imp.Kind {
		case ir.ExternKindFunc:
			b = binary.LittleEndian.AppendUint32(b, imp.Signature)
		case ir.ExternKindMemory:
			b = appendLimits(b, imp.Memory.Min, imp.Memory.Max)
		case ir.ExternKindTable:
			b = appendLimits(b, imp.Table.Min, imp.Table.Max)
		case ir.ExternKindGlobal:
			b = append(b, byte(imp.Global.Kind), boolByte(imp.Global.Mutable))
		}
	}
	return b
}

func encodeExports(a *artifact.Artifact) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Exports)))
	for i := range a.Exports {
		e := &a.Exports[i]
		b = appendString(b, e.Name)
		b = append(b, byte(e.Kind))
		b = binary.LittleEndian.AppendUint32(b, e.Index)
	}
	return b
}

type limits struct {
	min uint32
	max *uint32
}

func memoryLimits(ms []ir.MemoryType) []limits {
	ret := make([]limits, len(ms))
	for i, m := range ms {
		ret[i] = limits{min: m.Min, max: m.Max}
	}
	return ret
}

func tableLimits(ts []ir.TableType) []limits {
	ret := make([]limits, len(ts))
	for i, t := range ts {
		ret[i] = limits{min: t.Min, max: t.Max}
	}
	return ret
}

func encodeLimitsList(ls []limits) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(ls)))
	for _, l := range ls {
		b = appendLimits(b, l.min, l.max)
	}
	return b
}

func encodeGlobals(a *artifact.Artifact) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Globals)))
	for i := range a.Globals {
		g := &a.Globals[i]
		b = append(b, byte(g.Type.Kind), boolByte(g.Type.Mutable))
		b = appendConstExpr(b, g.Init)
	}
	return b
}

func encodeInitializers(a *artifact.Artifact) []byte {
	var b []byte
	if a.Start != nil {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint32(b, *a.Start)
	} else {
		b = append(b, 0)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Data)))
	for i := range a.Data {
		seg := &a.Data[i]
		b = binary.LittleEndian.AppendUint32(b, seg.MemoryIndex)
		b = appendConstExpr(b, seg.Offset)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(seg.Init)))
		b = append(b, seg.Init...)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(a.Elements)))
	for i := range a.Elements {
		seg := &a.Elements[i]
		b = binary.LittleEndian.AppendUint32(b, seg.TableIndex)
		b = appendConstExpr(b, seg.Offset)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(seg.Functions)))
		for _, f := range seg.Functions {
			b = binary.LittleEndian.AppendUint32(b, f)
		}
	}
	return b
}

func encodeIdentity(a *artifact.Artifact) []byte {
	var b []byte
	b = append(b, a.ModuleID[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(a.Region)))
	return append(b, a.Region...)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// reader is a bounds-checked cursor over the section bytes. Every read names
// what it was reading so a truncated container points at the defect.
type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int, what string) ([]byte, error) {
	if n < 0 || len(r.b)-r.off < n {
		return nil, serr("unexpected end of container reading %s", what)
	}
	ret := r.b[r.off : r.off+n]
	r.off += n
	return ret, nil
}

func (r *reader) u8(what string) (byte, error) {
	b, err := r.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) str(what string) (string, error) {
	n, err := r.u32(what + " length")
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// count reads a table length and rejects values that cannot fit in the
// remaining bytes, so a corrupted count cannot drive a huge allocation.
func (r *reader) count(minEntrySize int, what string) (int, error) {
	n, err := r.u32(what)
	if err != nil {
		return 0, err
	}
	if int64(n)*int64(minEntrySize) > int64(len(r.b)-r.off) {
		return 0, serr("%s %d exceeds section size", what, n)
	}
	return int(n), nil
}

func (r *reader) limits(what string) (uint32, *uint32, error) {
	min, err := r.u32(what + " min")
	if err != nil {
		return 0, nil, err
	}
	has, err := r.u8(what + " max flag")
	if err != nil {
		return 0, nil, err
	}
	switch has {
	case 0:
		return min, nil, nil
	case 1:
		max, err := r.u32(what + " max")
		if err != nil {
			return 0, nil, err
		}
		return min, &max, nil
	}
	return 0, nil, serr("invalid %s max flag %d", what, has)
}

func (r *reader) constExpr(what string) (ir.ConstExpr, error) {
	kind, err := r.u8(what + " kind")
	if err != nil {
		return ir.ConstExpr{}, err
	}
	value, err := r.u64(what + " value")
	if err != nil {
		return ir.ConstExpr{}, err
	}
	e := ir.ConstExpr{Kind: ir.ConstExprKind(kind), Value: value}
	if !e.Kind.Valid() {
		return ir.ConstExpr{}, serr("invalid %s kind %d", what, kind)
	}
	return e, nil
}

func (r *reader) valueKinds(what string) ([]types.ValueKind, error) {
	n, err := r.count(1, what+" count")
	if err != nil {
		return nil, err
	}
	b, err := r.take(n, what)
	if err != nil {
		return nil, err
	}
	ret := make([]types.ValueKind, n)
	for i, k := range b {
		ret[i] = types.ValueKind(k)
		if !ret[i].Valid() {
			return nil, serr("invalid value kind %#x in %s", k, what)
		}
	}
	return ret, nil
}

func decodeSignatures(r *reader, a *artifact.Artifact) error {
	n, err := r.count(8, "signature count")
	if err != nil {
		return err
	}
	a.Signatures = make([]types.FunctionSignature, n)
	for i := range a.Signatures {
		params, err := r.valueKinds(fmt.Sprintf("signature[%d] params", i))
		if err != nil {
			return err
		}
		results, err := r.valueKinds(fmt.Sprintf("signature[%d] results", i))
		if err != nil {
			return err
		}
		a.Signatures[i] = types.FunctionSignature{Params: params, Results: results}
	}
	return nil
}

func decodeFunctions(r *reader, a *artifact.Artifact) error {
	n, err := r.count(40, "function count")
	if err != nil {
		return err
	}
	a.Functions = make([]artifact.Function, n)
	for i := range a.Functions {
		f := &a.Functions[i]
		what := fmt.Sprintf("function[%d]", i)
		if f.Signature, err = r.u32(what + " signature"); err != nil {
			return err
		}
		if f.Offset, err = r.u64(what + " offset"); err != nil {
			return err
		}
		if f.CodeLen, err = r.u64(what + " code length"); err != nil {
			return err
		}
		if f.RODataOffset, err = r.u64(what + " data offset"); err != nil {
			return err
		}
		if f.RODataLen, err = r.u64(what + " data length"); err != nil {
			return err
		}
		relocs, err := r.count(17, what+" relocation count")
		if err != nil {
			return err
		}
		if relocs > 0 {
			f.Relocs = make([]types.Relocation, relocs)
		}
		for j := range f.Relocs {
			rel := &f.Relocs[j]
			rwhat := fmt.Sprintf("%s relocation[%d]", what, j)
			if rel.Offset, err = r.u32(rwhat + " offset"); err != nil {
				return err
			}
			kind, err := r.u8(rwhat + " kind")
			if err != nil {
				return err
			}
			rel.Kind = types.RelocationKind(kind)
			if rel.Index, err = r.u32(rwhat + " index"); err != nil {
				return err
			}
			addend, err := r.u64(rwhat + " addend")
			if err != nil {
				return err
			}
			rel.Addend = int64(addend)
		}
	}
	return nil
}

func decodeImports(r *reader, a *artifact.Artifact) error {
	n, err := r.count(9, "import count")
	if err != nil {
		return err
	}
	a.Imports = make([]artifact.Import, n)
	for i := range a.Imports {
		imp := &a.Imports[i]
		what := fmt.Sprintf("import[%d]", i)
		if imp.Module, err = r.str(what + " module"); err != nil {
			return err
		}
		if imp.Name, err = r.str(what + " name"); err != nil {
			return err
		}
		kind, err := r.u8(what + " kind")
		if err != nil {
			return err
		}
		imp.Kind = ir.ExternKind(kind)
		switch imp.Kind {
		case ir.ExternKindFunc:
			if imp.Signature, err = r.u32(what + " signature"); err != nil {
				return err
			}
		case ir.ExternKindMemory:
			min, max, err := r.limits(what + " memory")
			if err != nil {
				return err
			}
			imp.Memory = &ir.MemoryType{Min: min, Max: max}
		case ir.ExternKindTable:
			min, max, err := r.limits(what + " table")
			if err != nil {
				return err
			}
			imp.Table = &ir.TableType{Min: min, Max: max}
		case ir.ExternKindGlobal:
			gkind, err := r.u8(what + " global kind")
			if err != nil {
				return err
			}
			mutable, err := r.u8(what + " global mutability")
			if err != nil {
				return err
			}
			vk := types.ValueKind(gkind)
			if !vk.Valid() || mutable > 1 {
				return serr("invalid %s global descriptor", what)
			}
			imp.Global = &ir.GlobalType{Kind: vk, Mutable: mutable == 1}
		default:
			return serr("invalid %s kind %d", what, kind)
		}
	}
	return nil
}

func decodeExports(r *reader, a *artifact.Artifact) error {
	n, err := r.count(9, "export count")
	if err != nil {
		return err
	}
	a.Exports = make([]artifact.Export, n)
	for i := range a.Exports {
		e := &a.Exports[i]
		what := fmt.Sprintf("export[%d]", i)
		if e.Name, err = r.str(what + " name"); err != nil {
			return err
		}
		kind, err := r.u8(what + " kind")
		if err != nil {
			return err
		}
		e.Kind = ir.ExternKind(kind)
		if e.Index, err = r.u32(what + " index"); err != nil {
			return err
		}
	}
	return nil
}

func decodeMemories(r *reader, a *artifact.Artifact) error {
	n, err := r.count(5, "memory count")
	if err != nil {
		return err
	}
	a.Memories = make([]ir.MemoryType, n)
	for i := range a.Memories {
		min, max, err := r.limits(fmt.Sprintf("memory[%d]", i))
		if err != nil {
			return err
		}
		a.Memories[i] = ir.MemoryType{Min: min, Max: max}
	}
	return nil
}

func decodeTables(r *reader, a *artifact.Artifact) error {
	n, err := r.count(5, "table count")
	if err != nil {
		return err
	}
	a.Tables = make([]ir.TableType, n)
	for i := range a.Tables {
		min, max, err := r.limits(fmt.Sprintf("table[%d]", i))
		if err != nil {
			return err
		}
		a.Tables[i] = ir.TableType{Min: min, Max: max}
	}
	return nil
}

func decodeGlobals(r *reader, a *artifact.Artifact) error {
	n, err := r.count(11, "global count")
	if err != nil {
		return err
	}
	a.Globals = make([]ir.Global, n)
	for i := range a.Globals {
		what := fmt.Sprintf("global[%d]", i)
		kind, err := r.u8(what + " kind")
		if err != nil {
			return err
		}
		mutable, err := r.u8(what + " mutability")
		if err != nil {
			return err
		}
		vk := types.ValueKind(kind)
		if !vk.Valid() || mutable > 1 {
			return serr("invalid %s descriptor", what)
		}
		init, err := r.constExpr(what + " initializer")
		if err != nil {
			return err
		}
		a.Globals[i] = ir.Global{Type: ir.GlobalType{Kind: vk, Mutable: mutable == 1}, Init: init}
	}
	return nil
}

func decodeInitializers(r *reader, a *artifact.Artifact) error {
	hasStart, err := r.u8("start flag")
	if err != nil {
		return err
	}
	switch hasStart {
	case 0:
	case 1:
		start, err := r.u32("start function")
		if err != nil {
			return err
		}
		a.Start = &start
	default:
		return serr("invalid start flag %d", hasStart)
	}

	nData, err := r.count(17, "data segment count")
	if err != nil {
		return err
	}
	a.Data = make([]ir.DataSegment, nData)
	for i := range a.Data {
		seg := &a.Data[i]
		what := fmt.Sprintf("data[%d]", i)
		if seg.MemoryIndex, err = r.u32(what + " memory index"); err != nil {
			return err
		}
		if seg.Offset, err = r.constExpr(what + " offset"); err != nil {
			return err
		}
		size, err := r.count(1, what+" size")
		if err != nil {
			return err
		}
		init, err := r.take(size, what+" bytes")
		if err != nil {
			return err
		}
		seg.Init = append([]byte(nil), init...)
	}

	nElem, err := r.count(17, "element segment count")
	if err != nil {
		return err
	}
	a.Elements = make([]ir.ElementSegment, nElem)
	for i := range a.Elements {
		seg := &a.Elements[i]
		what := fmt.Sprintf("element[%d]", i)
		if seg.TableIndex, err = r.u32(what + " table index"); err != nil {
			return err
		}
		if seg.Offset, err = r.constExpr(what + " offset"); err != nil {
			return err
		}
		count, err := r.count(4, what+" function count")
		if err != nil {
			return err
		}
		seg.Functions = make([]ir.Index, count)
		for j := range seg.Functions {
			if seg.Functions[j], err = r.u32(fmt.Sprintf("%s function[%d]", what, j)); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeIdentity(r *reader, a *artifact.Artifact) error {
	id, err := r.take(types.ModuleIDSize, "module id")
	if err != nil {
		return err
	}
	copy(a.ModuleID[:], id)
	size, err := r.u64("region length")
	if err != nil {
		return err
	}
	if size > math.MaxInt32 {
		return serr("region length %d exceeds the supported maximum", size)
	}
	region, err := r.take(int(size), "region")
	if err != nil {
		return err
	}
	a.Region = append([]byte(nil), region...)
	return nil
}
