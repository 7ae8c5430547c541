package transport

import "github.com/gomlx/daso/internal/dtype"

// SumFloat64 sums buffers of native float64 elements. It is the operator
// Allreduce uses when no reduced-precision transport format was requested.
var SumFloat64 = RegisterReductionOp("sum_f64", true, dtype.SumFloat64InPlace)

// SumReduced returns the commutative sum operator for a reduced-precision
// wire format (half or bfloat16), matching heat's per-dtype MPI reduction
// callbacks: decode both operands to float32, add, re-narrow into the
// second buffer.
func SumReduced(kind dtype.Reduced) ReduceOp {
	return RegisterReductionOp("sum_"+kind.String(), true, func(a, b []byte) error {
		return dtype.SumReducedInPlace(a, b, kind)
	})
}
