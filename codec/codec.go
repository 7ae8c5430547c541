// Package codec flattens a named, trainable parameter collection into a
// single contiguous wire buffer (optionally downcast to a reduced-precision
// element type), and restores parameters from such a buffer with a
// weighted blend of the received average and the pre-existing local value.
package codec

import (
	"context"

	"github.com/gomlx/daso/internal/dtype"
	"github.com/gomlx/daso/transport"
	"github.com/pkg/errors"
)

// Parameter is the slice of a named tensor the codec needs: its own
// identity, shape, dtype, whether it participates in training, and
// flatten/restore access to its values.
type Parameter interface {
	Name() string
	Shape() []int
	DType() dtype.DType
	RequiresGrad() bool
	// Flat returns this parameter's current values in row-major order.
	Flat() []float64
	// SetFlat overwrites this parameter's values from a row-major slice of
	// the same length Flat would return.
	SetFlat(values []float64) error
}

// ParameterSource supplies parameters in a stable iteration order — the
// same order on every rank, and the same order across steps — matching the
// named_parameters() contract in §6.
type ParameterSource interface {
	Parameters() []Parameter
}

// Entry records where one parameter's values live in a packed buffer:
// Start/End are element offsets (not byte offsets — the element size
// depends on whether the buffer was cast), and Shape/DType describe how to
// restore the flat slice back into the parameter's own shape.
type Entry struct {
	Shape      []int
	Start, End int
	DType      dtype.DType
}

// Layout maps parameter name to its Entry, captured at pack time and
// consulted again at unpack time.
type Layout map[string]Entry

func elemSize(cast *dtype.Reduced) int {
	if cast != nil {
		return cast.ByteSize()
	}
	return 8
}

// Pack walks src's parameters in order, flattens every trainable one
// (optionally downcasting to cast), and concatenates them into a single
// buffer whose element count is the sum of their numel. It returns the
// buffer and the layout needed to unpack it.
func Pack(src ParameterSource, cast *dtype.Reduced) ([]byte, Layout, error) {
	params := src.Parameters()
	layout := make(Layout, len(params))
	var buf []byte
	offset := 0
	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		vals := p.Flat()
		shape := append([]int(nil), p.Shape()...)
		layout[p.Name()] = Entry{Shape: shape, Start: offset, End: offset + len(vals), DType: p.DType()}
		if cast != nil {
			buf = dtype.EncodeReduced(buf, vals, *cast)
		} else {
			buf = dtype.EncodeFloat64(buf, vals)
		}
		offset += len(vals)
	}
	return buf, layout, nil
}

// decodeSlice reads n elements starting at element offset start out of buf.
func decodeSlice(buf []byte, start, n int, cast *dtype.Reduced) ([]float64, error) {
	size := elemSize(cast)
	off := start * size
	if off > len(buf) {
		return nil, errors.Errorf("codec: entry starts at byte %d but buffer is only %d bytes", off, len(buf))
	}
	if cast != nil {
		return dtype.DecodeReduced(buf[off:], n, *cast)
	}
	return dtype.DecodeFloat64(buf[off:], n)
}

// UnpackBlend implements the unpack-with-blend law (§4.F): for every
// trainable parameter of dst, update = (buf[slice]/denom); the parameter is
// then set to alpha*param + update. Callers pass alpha=0, denom=|S| for the
// warmup/cooldown/terminal-batch case (the received average fully replaces
// the parameter) or the weighted-blend alpha/denom pair otherwise — that
// choice belongs to the cadence controller, not this package.
func UnpackBlend(buf []byte, layout Layout, cast *dtype.Reduced, denom, alpha float64, dst ParameterSource) error {
	return UnpackBlendChunked(onceFetcher(buf), layout, cast, denom, alpha, dst)
}

// onceFetcher adapts a single already-complete buffer to the lazy
// chunk-fetching interface UnpackBlendChunked expects.
func onceFetcher(buf []byte) func() ([]byte, error) {
	done := false
	return func() ([]byte, error) {
		if done {
			return nil, errors.New("codec: unchunked buffer exhausted")
		}
		done = true
		return buf, nil
	}
}

// UnpackBlendChunked is the chunked counterpart of UnpackBlend: next is
// called to fetch each additional chunk's bytes (after waiting whatever
// handle that chunk's send was posted under) only when a parameter's slice
// runs past what has been concatenated so far — mirroring the reference
// implementation's lazy per-chunk Wait-then-append loop.
func UnpackBlendChunked(next func() ([]byte, error), layout Layout, cast *dtype.Reduced, denom, alpha float64, dst ParameterSource) error {
	size := elemSize(cast)
	var frontier []byte
	ensure := func(endElem int) error {
		for len(frontier) < endElem*size {
			chunk, err := next()
			if err != nil {
				return errors.Wrap(err, "codec: fetching next chunk")
			}
			frontier = append(frontier, chunk...)
		}
		return nil
	}

	for _, p := range dst.Parameters() {
		if !p.RequiresGrad() {
			continue
		}
		e, ok := layout[p.Name()]
		if !ok {
			return errors.Errorf("codec: no layout entry for parameter %q", p.Name())
		}
		if err := ensure(e.End); err != nil {
			return err
		}
		n := e.End - e.Start
		vals, err := decodeSlice(frontier, e.Start, n, cast)
		if err != nil {
			return errors.Wrapf(err, "codec: decoding parameter %q", p.Name())
		}
		cur := p.Flat()
		if len(cur) != n {
			return errors.Errorf("codec: parameter %q has %d elements locally, layout says %d", p.Name(), len(cur), n)
		}
		out := make([]float64, n)
		for i := range out {
			out[i] = alpha*cur[i] + vals[i]/denom
		}
		if err := p.SetFlat(out); err != nil {
			return errors.Wrapf(err, "codec: restoring parameter %q", p.Name())
		}
	}
	return nil
}

// ChunkSizes splits a total element count into pieces of at most chunkSize
// elements, with the first piece holding the remainder (so it is typically
// smaller) and every subsequent piece exactly chunkSize.
func ChunkSizes(totalElems, chunkSize int) []int {
	if totalElems <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = totalElems
	}
	numChunks := (totalElems + chunkSize - 1) / chunkSize
	sizes := make([]int, numChunks)
	rem := totalElems - chunkSize*(numChunks-1)
	sizes[0] = rem
	for i := 1; i < numChunks; i++ {
		sizes[i] = chunkSize
	}
	return sizes
}

// ChunkBuffers slices a packed buffer into the byte ranges ChunkSizes
// describes, given the element size the buffer was encoded with.
func ChunkBuffers(buf []byte, totalElems, chunkSize int, cast *dtype.Reduced) [][]byte {
	sizes := ChunkSizes(totalElems, chunkSize)
	size := elemSize(cast)
	chunks := make([][]byte, len(sizes))
	off := 0
	for i, n := range sizes {
		chunks[i] = buf[off*size : (off+n)*size]
		off += n
	}
	return chunks
}

// SendRecord is the parameter send record of §3: the wait handle(s) posted
// for a global synchronization, their matching buffers, the layout
// captured at send time, and the batch age used to compute the blend
// weight when the record is later completed. At most one SendRecord is
// outstanding per subgroup index (§5).
type SendRecord struct {
	Handles          []*transport.Handle
	Buffers          [][]byte
	Layout           Layout
	BatchesSinceSend int
}

// ChunkFetcher returns the lazy next-chunk callback UnpackBlendChunked
// expects: each call waits the next handle (in send order) and returns its
// buffer, erroring once every handle has been consumed.
func (r *SendRecord) ChunkFetcher(ctx context.Context) func() ([]byte, error) {
	i := 0
	return func() ([]byte, error) {
		if i >= len(r.Handles) {
			return nil, errors.New("codec: SendRecord has no more handles to wait")
		}
		h, buf := r.Handles[i], r.Buffers[i]
		i++
		if err := h.Wait(ctx); err != nil {
			return nil, err
		}
		return buf, nil
	}
}
