package ring

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/gomlx/daso/array"
	"github.com/gomlx/daso/internal/dtype"
	"github.com/gomlx/daso/metric"
	"github.com/gomlx/daso/partition"
	"github.com/gomlx/daso/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// points returns N one-dimensional points at coordinates 0..N-1, so that the
// Euclidean distance between point i and point j is exactly |i-j|.
func points(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = []float64{float64(i)}
	}
	return out
}

// runSimilarity drives one Similarity call per rank concurrently and
// returns each rank's own output array plus the global row-owner mapping.
func runSimilarity(t *testing.T, n, p int, m metric.Metric) ([]*array.DenseArray, partition.Counts) {
	t.Helper()
	_, groups, err := transport.NewWorld(p)
	require.NoError(t, err)
	pts := points(n)

	results := make([]*array.DenseArray, p)
	errs := make([]error, p)
	var wg sync.WaitGroup
	wg.Add(p)
	for r := 0; r < p; r++ {
		r := r
		go func() {
			defer wg.Done()
			x, err := array.NewDense(groups[r], n, 1, array.SplitRows, dtype.Float64)
			if err != nil {
				errs[r] = err
				return
			}
			for i := 0; i < n; i++ {
				x.FillRow(i, pts[i][0])
			}
			out, err := Similarity(context.Background(), x, m)
			if err != nil {
				errs[r] = err
				return
			}
			results[r] = out.(*array.DenseArray)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	counts, err := partition.Split(n, p)
	require.NoError(t, err)
	return results, counts
}

// full assembles the global N×N matrix from each rank's own output, reading
// row i from whichever rank owns it.
func full(t *testing.T, results []*array.DenseArray, counts partition.Counts, n int) [][]float64 {
	t.Helper()
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		owner, err := counts.OwnerOf(i)
		require.NoError(t, err)
		row := make([]float64, n)
		for j := 0; j < n; j++ {
			row[j] = results[owner].At(i, j)
		}
		out[i] = row
	}
	return out
}

func TestSimilarityEuclideanMatchesExpected(t *testing.T) {
	for _, p := range []int{1, 2, 3, 4, 5} {
		results, counts := runSimilarity(t, 5, p, metric.Euclidean{})
		s := full(t, results, counts, 5)
		for i := 0; i < 5; i++ {
			for j := 0; j < 5; j++ {
				want := math.Abs(float64(i - j))
				assert.InDelta(t, want, s[i][j], 1e-9, "p=%d i=%d j=%d", p, i, j)
			}
		}
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	for _, p := range []int{1, 2, 3, 4} {
		results, counts := runSimilarity(t, 6, p, metric.Gaussian{Sigma: 1})
		s := full(t, results, counts, 6)
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				assert.InDelta(t, s[i][j], s[j][i], 1e-9, "p=%d i=%d j=%d", p, i, j)
			}
		}
	}
}

func TestSimilarityDiagonalEuclideanIsZero(t *testing.T) {
	results, counts := runSimilarity(t, 5, 3, metric.Euclidean{})
	s := full(t, results, counts, 5)
	for i := 0; i < 5; i++ {
		assert.InDelta(t, 0, s[i][i], 1e-9)
	}
}

func TestSimilarityDiagonalGaussianIsOne(t *testing.T) {
	results, counts := runSimilarity(t, 5, 3, metric.Gaussian{Sigma: 1})
	s := full(t, results, counts, 5)
	for i := 0; i < 5; i++ {
		assert.InDelta(t, 1, s[i][i], 1e-9)
	}
}

func TestSimilarityAgreementAcrossPartitions(t *testing.T) {
	single, singleCounts := runSimilarity(t, 7, 1, metric.Euclidean{})
	baseline := full(t, single, singleCounts, 7)

	for _, p := range []int{2, 3, 4, 7} {
		results, counts := runSimilarity(t, 7, p, metric.Euclidean{})
		s := full(t, results, counts, 7)
		for i := 0; i < 7; i++ {
			for j := 0; j < 7; j++ {
				assert.InDelta(t, baseline[i][j], s[i][j], 1e-8, "p=%d i=%d j=%d", p, i, j)
			}
		}
	}
}

func TestSimilarityRejectsColumnSplit(t *testing.T) {
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	x, err := array.NewDense(groups[0], 3, 2, array.SplitNone, dtype.Float64)
	require.NoError(t, err)
	fakeColSplit := &columnSplitArray{DenseArray: x}
	_, err = Similarity(context.Background(), fakeColSplit, metric.Euclidean{})
	require.Error(t, err)
}

// columnSplitArray overrides Split() to report SplitCols without needing a
// real column-partitioned DenseArray, which DenseArray itself refuses to
// construct.
type columnSplitArray struct {
	*array.DenseArray
}

func (c *columnSplitArray) Split() array.SplitAxis { return array.SplitCols }
