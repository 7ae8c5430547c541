package dtype

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Reduced is the reduced-precision element type used when downcasting
// parameters before a global reduction (the cadence controller's
// downcast_type option).
type Reduced uint8

const (
	Half Reduced = iota
	BFloat16
)

func (r Reduced) String() string {
	if r == Half {
		return "half"
	}
	return "bfloat16"
}

// ByteSize returns the number of bytes a single reduced-precision element
// occupies on the wire. Both supported kinds are 16-bit.
func (Reduced) ByteSize() int {
	return 2
}

// ParseReduced resolves the downcast_type configuration option.
func ParseReduced(name string) (Reduced, error) {
	switch name {
	case "half", "float16", "f16":
		return Half, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	default:
		return 0, errors.Errorf("dtype: downcast_type must be one of half or bfloat16, got %q", name)
	}
}

// EncodeReduced casts a slice of float64 values to the reduced-precision
// type and appends their little-endian encoding to buf.
func EncodeReduced(buf []byte, values []float64, kind Reduced) []byte {
	for _, v := range values {
		switch kind {
		case Half:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(float16.Fromfloat32(float32(v))))
		case BFloat16:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(bfloat16.FromFloat32(float32(v))))
		}
	}
	return buf
}

// DecodeReduced reads n reduced-precision elements from buf and returns them
// widened to float64.
func DecodeReduced(buf []byte, n int, kind Reduced) ([]float64, error) {
	size := kind.ByteSize()
	if len(buf) < n*size {
		return nil, errors.Errorf("dtype: DecodeReduced buffer too short: have %d bytes, need %d", len(buf), n*size)
	}
	out := make([]float64, n)
	for i := range out {
		bits := binary.LittleEndian.Uint16(buf[i*size : i*size+size])
		switch kind {
		case Half:
			out[i] = float64(float16.Float16(bits).Float32())
		case BFloat16:
			out[i] = float64(bfloat16.BFloat16(bits).Float32())
		}
	}
	return out, nil
}

// SumReducedInPlace implements the custom commutative reduction operator
// (§4.H): it interprets a and b as arrays of the reduced-precision kind,
// adds element-wise, and writes the result back into b, exactly as the MPI
// custom sum callbacks this is grounded on do (convert both operands to
// float32, add, re-narrow, write back into the second buffer).
//
// It makes no assumption about buffer length beyond it being a whole
// multiple of the element size, so it is safe to invoke on whatever size
// buffer a collective delivers.
func SumReducedInPlace(a, b []byte, kind Reduced) error {
	size := kind.ByteSize()
	if len(a) != len(b) {
		return errors.Errorf("dtype: SumReducedInPlace operand length mismatch: %d vs %d", len(a), len(b))
	}
	if len(a)%size != 0 {
		return errors.Errorf("dtype: SumReducedInPlace buffer length %d is not a multiple of element size %d", len(a), size)
	}
	n := len(a) / size
	for i := 0; i < n; i++ {
		off := i * size
		abits := binary.LittleEndian.Uint16(a[off : off+size])
		bbits := binary.LittleEndian.Uint16(b[off : off+size])
		var sum float32
		switch kind {
		case Half:
			sum = float16.Float16(abits).Float32() + float16.Float16(bbits).Float32()
			binary.LittleEndian.PutUint16(b[off:off+size], uint16(float16.Fromfloat32(sum)))
		case BFloat16:
			sum = bfloat16.BFloat16(abits).Float32() + bfloat16.BFloat16(bbits).Float32()
			binary.LittleEndian.PutUint16(b[off:off+size], uint16(bfloat16.FromFloat32(sum)))
		}
	}
	return nil
}

// EncodeFloat64 appends the little-endian IEEE-754 encoding of values to buf.
// Used for the un-cast (native precision) send path.
func EncodeFloat64(buf []byte, values []float64) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

// DecodeFloat64 reads n float64 values from buf.
func DecodeFloat64(buf []byte, n int) ([]float64, error) {
	if len(buf) < n*8 {
		return nil, errors.Errorf("dtype: DecodeFloat64 buffer too short: have %d bytes, need %d", len(buf), n*8)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8 : i*8+8]))
	}
	return out, nil
}

// SumFloat64InPlace adds a into b element-wise, treating both as arrays of
// float64. Used as the native-precision sum reduction operator.
func SumFloat64InPlace(a, b []byte) error {
	if len(a) != len(b) {
		return errors.Errorf("dtype: SumFloat64InPlace operand length mismatch: %d vs %d", len(a), len(b))
	}
	if len(a)%8 != 0 {
		return errors.Errorf("dtype: SumFloat64InPlace buffer length %d is not a multiple of 8", len(a))
	}
	n := len(a) / 8
	for i := 0; i < n; i++ {
		off := i * 8
		av := math.Float64frombits(binary.LittleEndian.Uint64(a[off : off+8]))
		bv := math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8]))
		binary.LittleEndian.PutUint64(b[off:off+8], math.Float64bits(av+bv))
	}
	return nil
}
