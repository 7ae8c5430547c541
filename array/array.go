// Package array defines the minimal contract the ring distance engine needs
// from a distributed array container. The container itself (storage,
// device placement, the full tensor API) is an external collaborator and out
// of scope; this package only describes the slice of behavior the engine
// depends on, plus one concrete in-memory implementation used to exercise it.
package array

import (
	"github.com/gomlx/daso/internal/dtype"
	"github.com/gomlx/daso/partition"
	"github.com/gomlx/daso/transport"
	"github.com/pkg/errors"
)

// SplitAxis identifies which axis of a DistributedArray is partitioned
// across its process group, or that it isn't partitioned at all.
type SplitAxis int

const (
	SplitNone SplitAxis = iota
	SplitRows
	SplitCols
)

// DistributedArray is the contract the ring engine requires of its input and
// output matrices: a global (N, F) shape, a local (n_rank, F) shape holding
// this rank's band of rows, the split axis, the element dtype, the owning
// process group, and in-place tile assignment restricted to tiles this rank
// owns.
type DistributedArray interface {
	// Shape returns the global (rows, cols) shape.
	Shape() (rows, cols int)
	// LocalShape returns this rank's local (rows, cols) shape.
	LocalShape() (rows, cols int)
	Split() SplitAxis
	DType() dtype.DType
	Group() *transport.Group
	// LocalTensor returns this rank's local rows as dense float64 data,
	// regardless of the array's own element dtype.
	LocalTensor() [][]float64
	// SetTile writes vals into the tile [rowStart,rowEnd) x [colStart,colEnd)
	// of the global array. The engine only ever calls this with a tile that
	// starts at a row this rank owns, per the partition it was constructed
	// with.
	SetTile(rowStart, rowEnd, colStart, colEnd int, vals [][]float64) error
}

// DenseArray is a reference DistributedArray backed by a plain in-memory
// slice-of-slices, row-partitioned across its group's ranks according to
// partition.Split. It exists to exercise the ring engine in tests and
// examples; production use is expected to plug in the real numeric array
// container via the same interface.
type DenseArray struct {
	globalRows, cols int
	split            SplitAxis
	dt               dtype.DType
	group            *transport.Group
	counts           partition.Counts

	// global holds every rank's rows, since DenseArray is an in-process
	// test double with no real cross-process storage boundary; this rank's
	// own rows are the band LocalTensor slices out of it. SetTile only ever
	// writes into rows this rank owns, matching the contract documented on
	// the interface.
	global [][]float64
}

// NewDense creates a zero-initialized DenseArray of the given global shape,
// split along rows (or not split) across the group.
func NewDense(group *transport.Group, rows, cols int, split SplitAxis, dt dtype.DType) (*DenseArray, error) {
	if split == SplitCols {
		return nil, errors.New("array: split=1 (columns) is not supported by DenseArray")
	}
	p := 1
	if split == SplitRows {
		p = group.Size()
	}
	counts, err := partition.Split(rows, p)
	if err != nil {
		return nil, errors.Wrap(err, "array: NewDense")
	}
	global := make([][]float64, rows)
	for i := range global {
		global[i] = make([]float64, cols)
	}
	return &DenseArray{
		globalRows: rows,
		cols:       cols,
		split:      split,
		dt:         dt,
		group:      group,
		counts:     counts,
		global:     global,
	}, nil
}

// FillRows sets every element of this rank's local rows to v. Used by tests
// to build the fixtures described in the end-to-end scenarios.
func (a *DenseArray) FillRows(v float64) {
	start, end := a.localRange()
	for i := start; i < end; i++ {
		for j := range a.global[i] {
			a.global[i][j] = v
		}
	}
}

// FillRow sets the entirety of global row i (which must be owned by this
// rank) to v.
func (a *DenseArray) FillRow(i int, v float64) {
	for j := range a.global[i] {
		a.global[i][j] = v
	}
}

func (a *DenseArray) localRange() (start, end int) {
	if a.split != SplitRows {
		return 0, a.globalRows
	}
	return a.counts.Range(a.group.Rank())
}

func (a *DenseArray) Shape() (rows, cols int) { return a.globalRows, a.cols }

func (a *DenseArray) LocalShape() (rows, cols int) {
	start, end := a.localRange()
	return end - start, a.cols
}

func (a *DenseArray) Split() SplitAxis        { return a.split }
func (a *DenseArray) DType() dtype.DType      { return a.dt }
func (a *DenseArray) Group() *transport.Group { return a.group }

func (a *DenseArray) LocalTensor() [][]float64 {
	start, end := a.localRange()
	return a.global[start:end]
}

func (a *DenseArray) SetTile(rowStart, rowEnd, colStart, colEnd int, vals [][]float64) error {
	if rowEnd-rowStart != len(vals) {
		return errors.Errorf("array: SetTile row count mismatch: range has %d rows, vals has %d", rowEnd-rowStart, len(vals))
	}
	for i, row := range vals {
		if colEnd-colStart != len(row) {
			return errors.Errorf("array: SetTile col count mismatch at row %d: range has %d cols, vals has %d", i, colEnd-colStart, len(row))
		}
		copy(a.global[rowStart+i][colStart:colEnd], row)
	}
	return nil
}

// Counts exposes the row partition backing this array, so callers (notably
// the ring engine) don't need to recompute it.
func (a *DenseArray) Counts() partition.Counts { return a.counts }

// At returns the value at global (row, col), read directly from the shared
// in-memory backing store. Test-only convenience; a real distributed array
// would require a collective gather to do this from an arbitrary rank.
func (a *DenseArray) At(row, col int) float64 {
	return a.global[row][col]
}
