package ir

import (
	"fmt"
	"math"
)

// ConstExprKind is the operation of a constant initializer expression.
type ConstExprKind byte

const (
	ConstExprI32       ConstExprKind = 1
	ConstExprI64       ConstExprKind = 2
	ConstExprF32       ConstExprKind = 3
	ConstExprF64       ConstExprKind = 4
	ConstExprGlobalGet ConstExprKind = 5
)

// ConstExpr is a constant initializer: a literal of one value kind, or a read
// of an imported global. Value holds the literal's bit pattern, or the global
// index for ConstExprGlobalGet.
type ConstExpr struct {
	Kind  ConstExprKind
	Value uint64
}

// I32Const builds an i32 literal expression.
func I32Const(v int32) ConstExpr {
	return ConstExpr{Kind: ConstExprI32, Value: uint64(uint32(v))}
}

// I64Const builds an i64 literal expression.
func I64Const(v int64) ConstExpr {
	return ConstExpr{Kind: ConstExprI64, Value: uint64(v)}
}

// F32Const builds an f32 literal expression.
func F32Const(v float32) ConstExpr {
	return ConstExpr{Kind: ConstExprF32, Value: uint64(math.Float32bits(v))}
}

// F64Const builds an f64 literal expression.
func F64Const(v float64) ConstExpr {
	return ConstExpr{Kind: ConstExprF64, Value: math.Float64bits(v)}
}

// GlobalGet builds an expression reading imported global idx.
func GlobalGet(idx Index) ConstExpr {
	return ConstExpr{Kind: ConstExprGlobalGet, Value: uint64(idx)}
}

// Valid returns true for a known expression kind.
func (k ConstExprKind) Valid() bool {
	return k >= ConstExprI32 && k <= ConstExprGlobalGet
}

// validate checks the expression shape. Only imported globals may be read,
// per the WebAssembly constant expression rules.
func (c ConstExpr) validate(importedGlobals uint32) error {
	switch c.Kind {
	case ConstExprI32, ConstExprI64, ConstExprF32, ConstExprF64:
		return nil
	case ConstExprGlobalGet:
		if uint32(c.Value) >= importedGlobals {
			return fmt.Errorf("constant expression reads global %d, but only %d imported globals exist", c.Value, importedGlobals)
		}
		return nil
	}
	return fmt.Errorf("unknown constant expression kind %d", c.Kind)
}
