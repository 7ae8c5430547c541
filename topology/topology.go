// Package topology describes the logical node/local-rank grid a job's world
// is laid out on and derives the transport.Group subgroups the cadence
// controller needs from it: the K cross-node "global" subgroups (one rank
// per node, grouped by local index) and each node's intra-node "local"
// group.
package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/daso/internal/utils"
	"github.com/gomlx/daso/transport"
	"github.com/pkg/errors"
)

// Mesh is the logical topology of a world's ranks as an n-dimensional grid
// of named axes, each with a fixed size — for the cadence controller's two-
// level topology this is always a 2-axis mesh ("node", "local"), but the
// grouping math generalizes to more axes the same way a device mesh does.
type Mesh struct {
	name string

	axesNames  []string
	axesSizes  []int
	nameToAxis map[string]int
	numRanks   int

	// rankAssignment maps a flat mesh position to the world rank occupying
	// it; nil means the default sequential assignment (mesh position i is
	// world rank i).
	rankAssignment []int
}

// NewMesh creates a mesh with the given per-axis sizes and names, in the
// same order. Names must be non-empty and unique.
func NewMesh(name string, axesSizes []int, axesNames []string) (*Mesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("topology: axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("topology: Mesh needs at least one axis")
	}

	axesNames = slices.Clone(axesNames)
	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, axisName := range axesNames {
		if axisName == "" {
			return nil, errors.Errorf("topology: Mesh axis name at index %d cannot be empty", i)
		}
		if _, found := nameToAxis[axisName]; found {
			return nil, errors.Errorf("topology: Mesh axis name %q is duplicated", axisName)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("topology: Mesh axis %q must have a positive size, got %d", axisName, axesSizes[i])
		}
		nameToAxis[axisName] = i
		numRanks *= axesSizes[i]
	}

	return &Mesh{
		name:       name,
		axesNames:  axesNames,
		axesSizes:  axesSizes,
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}, nil
}

// Name returns the mesh's name.
func (m *Mesh) Name() string { return m.name }

// NumRanks returns the total number of ranks the mesh describes.
func (m *Mesh) NumRanks() int { return m.numRanks }

// Rank returns the number of axes in the mesh (the number of grid
// dimensions, not a world rank — matches the DeviceMesh vocabulary this is
// grounded on).
func (m *Mesh) Rank() int { return len(m.axesSizes) }

// AxesNames returns a copy of the mesh's axis names.
func (m *Mesh) AxesNames() []string { return slices.Clone(m.axesNames) }

// AxisSize returns the number of positions along the named axis.
func (m *Mesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("topology: mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("Mesh(")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%d", name, m.axesSizes[i])
	}
	sb.WriteString(")")
	return sb.String()
}

// SetRankAssignment overrides the default sequential mapping of mesh
// position to world rank. devices must list every world rank from 0 to
// NumRanks()-1 exactly once, in mesh-position order.
func (m *Mesh) SetRankAssignment(devices ...int) error {
	if len(devices) == 0 {
		m.rankAssignment = nil
		return nil
	}
	if len(devices) != m.numRanks {
		return errors.Errorf("topology: rank assignment needs %d entries, got %d", m.numRanks, len(devices))
	}
	seen := utils.MakeSet[int](m.numRanks)
	for _, d := range devices {
		if seen.Has(d) {
			return errors.Errorf("topology: world rank %d is duplicated in the assignment", d)
		}
		seen.Insert(d)
		if d < 0 || d >= m.numRanks {
			return errors.Errorf("topology: world rank must be in [0, %d), got %d", m.numRanks, d)
		}
	}
	m.rankAssignment = slices.Clone(devices)
	return nil
}

func (m *Mesh) worldRankAt(flatPos int) int {
	if m.rankAssignment == nil {
		return flatPos
	}
	return m.rankAssignment[flatPos]
}

// strides returns, for each axis, the number of flat positions spanned by
// incrementing that axis by one — the row-major stride table used to
// decompose a flat position into per-axis coordinates and back.
func (m *Mesh) strides() []int {
	strides := make([]int, len(m.axesSizes))
	stride := 1
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= m.axesSizes[i]
	}
	return strides
}

// coordsOf decomposes a flat mesh position into its per-axis coordinates
// using precomputed strides.
func (m *Mesh) coordsOf(flatPos int, strides []int) []int {
	coords := make([]int, len(m.axesSizes))
	for i, stride := range strides {
		coords[i] = (flatPos / stride) % m.axesSizes[i]
	}
	return coords
}

// indexWithin folds a rank's coordinates along axisIdxs (most significant
// first, in the order given) into a single mixed-radix index. The same
// helper serves two different purposes depending on which axis subset it is
// called with: given the axes held fixed it yields a group's index among all
// groups; given the axes a group varies along it yields a rank's position
// within its group.
func indexWithin(axisIdxs []int, axesSizes []int, coords []int) int {
	idx := 0
	for _, axisIdx := range axisIdxs {
		idx = idx*axesSizes[axisIdx] + coords[axisIdx]
	}
	return idx
}

// GroupsAlong returns the groups of world ranks that vary along axes, with
// every other axis held fixed: one group per combination of the held-fixed
// axes, each containing one world rank per position along axes.
//
// Example: a Mesh with axes ("node"=2, "local"=2), GroupsAlong("node")
// returns two groups of two ranks each, one per local index, grouping the
// rank on each node that shares that local index — exactly the cadence
// controller's K cross-node subgroups, indexed by local-GPU index.
// GroupsAlong("local") returns one group per node, each containing every
// local rank on that node — the intra-node group.
func (m *Mesh) GroupsAlong(axes ...string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	seen := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("topology: axis %q not found in mesh", axis)
		}
		if seen.Has(idx) {
			return nil, errors.Errorf("topology: axis %q is duplicated", axis)
		}
		axisIndices = append(axisIndices, idx)
		seen.Insert(idx)
	}

	fixedIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			fixedIndices = append(fixedIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numRanks / groupSize

	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	strides := m.strides()
	for flatPos := 0; flatPos < m.numRanks; flatPos++ {
		coords := m.coordsOf(flatPos, strides)
		groupIdx := indexWithin(fixedIndices, m.axesSizes, coords)
		posInGroup := indexWithin(axisIndices, m.axesSizes, coords)
		groups[groupIdx][posInGroup] = m.worldRankAt(flatPos)
	}

	return groups, nil
}

// CadenceGroups builds the two group shapes the cadence controller needs
// from a two-axis ("node", "local") mesh: K global subgroups (one rank per
// node, indexed by local index) and this rank's own local group. world must
// be the full-world Group every rank constructed from the same
// transport.NewWorld call, and thisWorldRank identifies which world rank is
// calling (used only to pick out the returned local group).
func (m *Mesh) CadenceGroups(world *transport.Group, thisWorldRank int) (globalGroups []*transport.Group, localGroup *transport.Group, err error) {
	if m.Rank() != 2 {
		return nil, nil, errors.Errorf("topology: CadenceGroups needs a 2-axis (node, local) mesh, got %d axes", m.Rank())
	}
	if _, err := m.AxisSize("node"); err != nil {
		return nil, nil, err
	}
	if _, err := m.AxisSize("local"); err != nil {
		return nil, nil, err
	}

	globalRankLists, err := m.GroupsAlong("node")
	if err != nil {
		return nil, nil, err
	}
	globalGroups = make([]*transport.Group, len(globalRankLists))
	for i, ranks := range globalRankLists {
		g, err := world.Subgroup(ranks)
		if err != nil {
			continue // this rank isn't in this global subgroup; leave it nil
		}
		globalGroups[i] = g
	}

	localRankLists, err := m.GroupsAlong("local")
	if err != nil {
		return nil, nil, err
	}
	for _, ranks := range localRankLists {
		if !slices.Contains(ranks, thisWorldRank) {
			continue
		}
		localGroup, err = world.Subgroup(ranks)
		if err != nil {
			return nil, nil, err
		}
		break
	}
	if localGroup == nil {
		return nil, nil, errors.Errorf("topology: world rank %d not found in any local group", thisWorldRank)
	}
	return globalGroups, localGroup, nil
}
