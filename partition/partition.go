// Package partition computes how a globally sized axis is split into
// contiguous per-rank bands across a process group.
package partition

import "github.com/pkg/errors"

// Counts holds the per-rank element counts and displacements of a partition
// of a length-N axis across a P-rank process group.
//
// Invariants: Counts sums to N, Displs has P+1 entries with Displs[0] == 0
// and Displs[P] == N, and Counts[r] == Displs[r+1] - Displs[r].
type Counts struct {
	Counts []int
	Displs []int
}

// Of computes the counts/displacements for rank r directly, without building
// the full Counts value. It is the building block Split uses internally and
// is exposed for callers that only need one rank's band.
func Of(n, p, r int) (count, displ int) {
	base := n / p
	rem := n % p
	if r < rem {
		return base + 1, r * (base + 1)
	}
	return base, rem*(base+1) + (r-rem)*base
}

// Split computes the counts/displacements of a length-n axis over p ranks.
// The partition is exact: Σcounts == n and every |counts[r] - n/p| <= 1.
func Split(n, p int) (Counts, error) {
	if p <= 0 {
		return Counts{}, errors.Errorf("partition: group size must be positive, got %d", p)
	}
	if n < 0 {
		return Counts{}, errors.Errorf("partition: length must be non-negative, got %d", n)
	}
	counts := make([]int, p)
	displs := make([]int, p+1)
	for r := 0; r < p; r++ {
		c, d := Of(n, p, r)
		counts[r] = c
		displs[r] = d
	}
	displs[p] = n
	return Counts{Counts: counts, Displs: displs}, nil
}

// OwnerOf returns the rank owning global row i under this partition, or an
// error if i is out of range. It runs in O(P) rather than O(log P) since P is
// always small relative to N in the intended use (per-node or per-GPU rank
// counts, not per-row).
func (c Counts) OwnerOf(i int) (int, error) {
	if len(c.Displs) == 0 {
		return 0, errors.New("partition: Counts is empty")
	}
	n := c.Displs[len(c.Displs)-1]
	if i < 0 || i >= n {
		return 0, errors.Errorf("partition: index %d out of range [0, %d)", i, n)
	}
	for r := 0; r < len(c.Counts); r++ {
		if i < c.Displs[r+1] {
			return r, nil
		}
	}
	return 0, errors.Errorf("partition: index %d not covered by any rank", i)
}

// Range returns the [start, end) row range owned by rank r.
func (c Counts) Range(r int) (start, end int) {
	return c.Displs[r], c.Displs[r+1]
}

// Sum returns the total length N spanned by the partition.
func (c Counts) Sum() int {
	total := 0
	for _, x := range c.Counts {
		total += x
	}
	return total
}
