// Package metric provides the pairwise-distance kernels used by the ring
// distance engine. A Metric is exposed as a value with call semantics — a
// single method taking two row-partitioned blocks and returning their
// k1×k2 distance matrix — rather than through operator overloading.
package metric

import (
	"math"

	"github.com/pkg/errors"
)

// Metric computes the k1×k2 matrix of pairwise distances between the rows
// of x (k1×F) and y (k2×F). The output dtype is always float64 regardless
// of the input representation; implementations must reject mismatched
// feature dimensions before doing any work.
type Metric interface {
	Call(x, y [][]float64) ([][]float64, error)
}

func checkFeatureDims(x, y [][]float64) (k1, k2, f int, err error) {
	k1 = len(x)
	k2 = len(y)
	f1 := 0
	if k1 > 0 {
		f1 = len(x[0])
	}
	f2 := 0
	if k2 > 0 {
		f2 = len(y[0])
	}
	if k1 > 0 && k2 > 0 && f1 != f2 {
		return 0, 0, 0, errors.Errorf(
			"metric: X and Y have differing feature dimensions, should be equal, but are %d and %d", f1, f2)
	}
	if f1 != 0 {
		return k1, k2, f1, nil
	}
	return k1, k2, f2, nil
}

// Euclidean computes D[i,j] = sqrt(Σ_d (X[i,d] - Y[j,d])^2).
type Euclidean struct{}

func (Euclidean) Call(x, y [][]float64) ([][]float64, error) {
	k1, k2, f, err := checkFeatureDims(x, y)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, k1)
	for i := 0; i < k1; i++ {
		row := make([]float64, k2)
		xi := x[i]
		for j := 0; j < k2; j++ {
			yj := y[j]
			var sum float64
			for d := 0; d < f; d++ {
				diff := xi[d] - yj[d]
				sum += diff * diff
			}
			row[j] = math.Sqrt(sum)
		}
		out[i] = row
	}
	return out, nil
}

// Gaussian computes K[i,j] = exp(-Σ_d (X[i,d] - Y[j,d])^2 / (2*sigma^2)), the
// RBF kernel.
type Gaussian struct {
	Sigma float64
}

func (g Gaussian) Call(x, y [][]float64) ([][]float64, error) {
	k1, k2, f, err := checkFeatureDims(x, y)
	if err != nil {
		return nil, err
	}
	if g.Sigma == 0 {
		return nil, errors.New("metric: Gaussian Sigma must be non-zero")
	}
	denom := 2 * g.Sigma * g.Sigma
	out := make([][]float64, k1)
	for i := 0; i < k1; i++ {
		row := make([]float64, k2)
		xi := x[i]
		for j := 0; j < k2; j++ {
			yj := y[j]
			var sum float64
			for d := 0; d < f; d++ {
				diff := xi[d] - yj[d]
				sum += diff * diff
			}
			row[j] = math.Exp(-sum / denom)
		}
		out[i] = row
	}
	return out, nil
}
