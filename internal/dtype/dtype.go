// Package dtype models the fixed scalar-type enumeration used to describe
// parameter and tensor elements: a value-typed descriptor, a can-cast matrix,
// a same-kind matrix, and a promotion table derived from the can-cast matrix.
//
// Dynamic "infer the type from an arbitrary Go value" behavior is deliberately
// not provided here; callers that own a concrete value already know its DType.
package dtype

import "github.com/pkg/errors"

// DType is one of a fixed enumeration of scalar element types.
type DType uint8

const (
	Bool DType = iota
	Uint8
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64

	numDTypes = Float64 + 1
)

func (d DType) String() string {
	switch d {
	case Bool:
		return "bool"
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "invalid"
	}
}

// Valid reports whether d is one of the enumerated dtypes.
func (d DType) Valid() bool {
	return d < numDTypes
}

// ByteSize returns the number of bytes a single element of d occupies.
func (d DType) ByteSize() int {
	switch d {
	case Bool, Uint8, Int8:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether d is a floating-point kind.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// safeCast[from][to] is true when a value of "from" can be cast to "to"
// without loss of precision or overflow. Rows/columns follow the DType
// iota order: bool, uint8, int8, int16, int32, int64, float32, float64.
var safeCast = [numDTypes][numDTypes]bool{
	Bool:    {true, true, true, true, true, true, true, true},
	Uint8:   {false, true, false, true, true, true, true, true},
	Int8:    {false, false, true, true, true, true, true, true},
	Int16:   {false, false, false, true, true, true, true, true},
	Int32:   {false, false, false, false, true, true, false, true},
	Int64:   {false, false, false, false, false, true, false, true},
	Float32: {false, false, false, false, false, false, true, true},
	Float64: {false, false, false, false, false, false, false, true},
}

// sameKind[from][to] is true when "from" can be down-cast to "to" within the
// same broad kind (all integers considered one kind, both floats another).
var sameKind = [numDTypes][numDTypes]bool{
	Bool:    {true, false, false, false, false, false, false, false},
	Uint8:   {false, true, true, true, true, true, false, false},
	Int8:    {false, true, true, true, true, true, false, false},
	Int16:   {false, true, true, true, true, true, false, false},
	Int32:   {false, true, true, true, true, true, false, false},
	Int64:   {false, true, true, true, true, true, false, false},
	Float32: {false, false, false, false, false, false, true, true},
	Float64: {false, false, false, false, false, false, true, true},
}

// Casting controls how strict CanCast is.
type Casting uint8

const (
	// CastNo requires the types to be identical.
	CastNo Casting = iota
	// CastSafe allows only casts that preserve every value exactly.
	CastSafe
	// CastSameKind allows safe casts plus down-casts within the same kind.
	CastSameKind
	// CastUnsafe allows any conversion.
	CastUnsafe
)

// CanCast reports whether a value of dtype from may be cast to dtype to
// under the given casting rule.
func CanCast(from, to DType, casting Casting) (bool, error) {
	if !from.Valid() || !to.Valid() {
		return false, errors.Errorf("dtype: CanCast given invalid dtype (from=%v, to=%v)", from, to)
	}
	switch casting {
	case CastUnsafe:
		return true, nil
	case CastNo:
		return from == to, nil
	case CastSafe:
		return safeCast[from][to], nil
	case CastSameKind:
		return safeCast[from][to] || sameKind[from][to], nil
	default:
		return false, errors.Errorf("dtype: unknown casting rule %v", casting)
	}
}

// promotionTable[a][b] holds the smallest dtype both a and b can be safely
// cast to. It is derived once from safeCast, exactly the way the table it is
// grounded on is built: for each pair, the first dtype (in enumeration order)
// that both operands safe-cast to.
var promotionTable [numDTypes][numDTypes]DType

func init() {
	for a := DType(0); a < numDTypes; a++ {
		for b := DType(0); b < numDTypes; b++ {
			promotionTable[a][b] = computePromotion(a, b)
		}
	}
}

func computePromotion(a, b DType) DType {
	for target := DType(0); target < numDTypes; target++ {
		if safeCast[a][target] && safeCast[b][target] {
			return target
		}
	}
	// Every dtype safe-casts to Float64, so this is unreachable.
	return Float64
}

// PromoteTypes returns the smallest dtype both a and b can be safely cast to.
// It is symmetric.
func PromoteTypes(a, b DType) (DType, error) {
	if !a.Valid() || !b.Valid() {
		return 0, errors.Errorf("dtype: PromoteTypes given invalid dtype (a=%v, b=%v)", a, b)
	}
	return promotionTable[a][b], nil
}
