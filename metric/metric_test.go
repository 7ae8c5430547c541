package metric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ones(n, f int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, f)
		for j := range out[i] {
			out[i][j] = 1
		}
	}
	return out
}

func TestEuclideanOnesVsOnes(t *testing.T) {
	x := ones(4, 4)
	d, err := Euclidean{}.Call(x, x)
	require.NoError(t, err)
	for i := range d {
		for j := range d[i] {
			assert.InDelta(t, 0, d[i][j], 1e-12)
		}
	}
}

func TestEuclideanOnesVsZeros(t *testing.T) {
	x := ones(4, 4)
	y := make([][]float64, 4)
	for i := range y {
		y[i] = make([]float64, 4)
	}
	d, err := Euclidean{}.Call(x, y)
	require.NoError(t, err)
	for i := range d {
		for j := range d[i] {
			assert.InDelta(t, 2.0, d[i][j], 1e-12)
		}
	}
}

func TestGaussianOnesVsZeros(t *testing.T) {
	x := ones(4, 4)
	y := make([][]float64, 4)
	for i := range y {
		y[i] = make([]float64, 4)
	}
	g := Gaussian{Sigma: math.Sqrt2}
	k, err := g.Call(x, y)
	require.NoError(t, err)
	want := math.Exp(-1)
	for i := range k {
		for j := range k[i] {
			assert.InDelta(t, want, k[i][j], 1e-12)
		}
	}
}

func TestMismatchedFeatureDims(t *testing.T) {
	x := ones(2, 3)
	y := ones(2, 4)
	_, err := Euclidean{}.Call(x, y)
	require.Error(t, err)

	_, err = Gaussian{Sigma: 1}.Call(x, y)
	require.Error(t, err)
}

func TestGaussianZeroSigma(t *testing.T) {
	_, err := Gaussian{}.Call(ones(2, 2), ones(2, 2))
	require.Error(t, err)
}
