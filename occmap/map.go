// Package occmap implements a probabilistic 3D occupancy map on top of an occupancy octree. It
// owns the spatial mapping of octants, sensor updates with clamping, ray insertion, inner node
// refreshes, pruning and serialization.
package occmap

import (
	"fmt"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"

	"github.com/activerecon/igtree/octree"
	pc "github.com/activerecon/igtree/pointcloud"
)

// Voxel describes a node found in the map.
type Voxel struct {
	Key           Key
	Center        r3.Vector
	Size          float64
	Depth         int
	LogOdds       float32
	Occupancy     float64
	NoMeasurement bool
	// OccDist is the cached occupancy at measurement distance, valid if HasOccDist.
	OccDist    float32
	HasOccDist bool
}

// Map is a probabilistic occupancy map. The octree nodes define no locking; Map serializes all
// access with its own lock.
type Map struct {
	mu     sync.RWMutex
	logger golog.Logger
	cfg    Config
	model  sensorModel
	tree   *octree.OccupancyTree
}

// New returns an empty map.
func New(cfg Config, logger golog.Logger) (*Map, error) {
	if err := cfg.Validate("map"); err != nil {
		return nil, err
	}
	return &Map{
		logger: logger,
		cfg:    cfg,
		model:  newSensorModel(cfg),
		tree:   octree.NewOccupancyTree(),
	}, nil
}

// Config returns the map configuration.
func (m *Map) Config() Config {
	return m.cfg
}

// Resolution returns the edge length of the finest voxels in metres.
func (m *Map) Resolution() float64 {
	return m.cfg.Resolution
}

// NodeSize returns the edge length of a node at depth.
func (m *Map) NodeSize(depth int) float64 {
	return m.cfg.Resolution * float64(nodeSpan(depth))
}

// NumNodes returns the number of nodes in the tree, the root included.
func (m *Map) NumNodes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// IsOccupied reports whether the voxel is at or above the occupancy threshold.
func (m *Map) IsOccupied(v Voxel) bool {
	return v.LogOdds >= m.model.occupied
}

// OccupancyThresLogOdds returns the occupancy threshold in log-odds.
func (m *Map) OccupancyThresLogOdds() float32 {
	return m.model.occupied
}

// Clear drops every node.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree = octree.NewOccupancyTree()
}

// UpdateNode integrates a hit or a miss at p.
func (m *Map) UpdateNode(p r3.Vector, occupied bool) error {
	delta := m.model.miss
	if occupied {
		delta = m.model.hit
	}
	return m.UpdateNodeLogOdds(p, delta)
}

// UpdateNodeLogOdds adds delta to the voxel at p, clamped to the configured thresholds.
func (m *Map) UpdateNodeLogOdds(p r3.Vector, delta float32) error {
	k, err := coordToKey(p, m.cfg.Resolution)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err = m.updateKey(k, delta)
	return err
}

func (m *Map) updateKey(k Key, delta float32) (octree.NodeID, error) {
	root := m.tree.Root()
	return m.updateRecurs(root, m.tree.Value(root).HasNoMeasurement(), k, 0, delta)
}

// updateRecurs descends to the leaf of k creating nodes as needed. A measured leaf above the
// finest level is a pruned node and is expanded before descending.
func (m *Map) updateRecurs(id octree.NodeID, justCreated bool, k Key, depth int, delta float32) (octree.NodeID, error) {
	if depth == TreeDepth {
		m.updateLeaf(id, delta)
		return id, nil
	}
	pos := childIndex(k, depth)
	createdChild := false
	if !m.tree.ChildExists(id, pos) {
		if !m.tree.HasChildren(id) && !justCreated {
			if err := m.expandNode(id); err != nil {
				return octree.NoNode, err
			}
		} else {
			if _, err := m.tree.CreateChild(id, pos); err != nil {
				return octree.NoNode, err
			}
			createdChild = true
		}
	}
	leaf, err := m.updateRecurs(m.tree.Child(id, pos), createdChild, k, depth+1, delta)
	if err != nil {
		return octree.NoNode, err
	}
	if m.cfg.LazyEval {
		return leaf, nil
	}
	if m.pruneNode(id) {
		return id, nil
	}
	m.updateInnerNode(id)
	return leaf, nil
}

func (m *Map) updateLeaf(id octree.NodeID, delta float32) {
	n := m.tree.Value(id)
	n.AddValue(delta)
	if l := n.LogOdds(); l < m.model.clampMin {
		n.SetLogOdds(m.model.clampMin)
	} else if l > m.model.clampMax {
		n.SetLogOdds(m.model.clampMax)
	}
}

func (m *Map) updateInnerNode(id octree.NodeID) {
	if !m.tree.HasChildren(id) {
		return
	}
	m.tree.Value(id).SetLogOdds(m.tree.MaxChildLogOdds(id))
}

// expandNode gives a pruned leaf eight children carrying its value, measurement state and cached
// occupancy at measurement distance.
func (m *Map) expandNode(id octree.NodeID) error {
	parent := *m.tree.Value(id)
	occDist, hasOccDist := parent.OccupancyAtMeasurementDistance()
	for i := 0; i < octree.NumChildren; i++ {
		child, err := m.tree.CreateChild(id, i)
		if err != nil {
			return errors.Wrap(err, "cannot expand node")
		}
		n := m.tree.Value(child)
		if !parent.HasNoMeasurement() {
			n.AddValue(parent.LogOdds())
		}
		n.SetLogOdds(parent.LogOdds())
		if hasOccDist {
			n.SetOccupancyAtMeasurementDistance(occDist)
		}
	}
	return nil
}

// collapsible reports whether all eight children exist and are leaves holding the same node state.
func (m *Map) collapsible(id octree.NodeID) bool {
	if m.tree.NumChildren(id) != octree.NumChildren {
		return false
	}
	first := m.tree.Child(id, 0)
	if m.tree.HasChildren(first) {
		return false
	}
	ref := m.tree.Value(first)
	for i := 1; i < octree.NumChildren; i++ {
		c := m.tree.Child(id, i)
		if m.tree.HasChildren(c) || !sameLeafState(ref, m.tree.Value(c)) {
			return false
		}
	}
	return true
}

func sameLeafState(a, b *octree.OccupancyNode) bool {
	aDist, aOK := a.OccupancyAtMeasurementDistance()
	bDist, bOK := b.OccupancyAtMeasurementDistance()
	return a.LogOdds() == b.LogOdds() &&
		a.HasNoMeasurement() == b.HasNoMeasurement() &&
		aOK == bOK && aDist == bDist
}

// pruneNode replaces identical leaf children by their parent, which takes over their state.
func (m *Map) pruneNode(id octree.NodeID) bool {
	if !m.collapsible(id) {
		return false
	}
	leaf := *m.tree.Value(m.tree.Child(id, 0))
	//nolint:errcheck
	m.tree.DeleteChildren(id)
	n := m.tree.Value(id)
	n.SetLogOdds(leaf.LogOdds())
	if occDist, ok := leaf.OccupancyAtMeasurementDistance(); ok {
		n.SetOccupancyAtMeasurementDistance(occDist)
	} else {
		n.ClearOccupancyAtMeasurementDistance()
	}
	return true
}

// UpdateInnerOccupancy refreshes every inner node from its children. Needed after lazy updates.
func (m *Map) UpdateInnerOccupancy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateInnerRecurs(m.tree.Root())
}

func (m *Map) updateInnerRecurs(id octree.NodeID) {
	if !m.tree.HasChildren(id) {
		return
	}
	for i := 0; i < octree.NumChildren; i++ {
		if c := m.tree.Child(id, i); c != octree.NoNode {
			m.updateInnerRecurs(c)
		}
	}
	m.updateInnerNode(id)
}

// Prune collapses every node whose children are identical leaves and returns how many collapsed.
func (m *Map) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneRecurs(m.tree.Root())
}

func (m *Map) pruneRecurs(id octree.NodeID) int {
	if !m.tree.HasChildren(id) {
		return 0
	}
	pruned := 0
	for i := 0; i < octree.NumChildren; i++ {
		if c := m.tree.Child(id, i); c != octree.NoNode {
			pruned += m.pruneRecurs(c)
		}
	}
	if m.pruneNode(id) {
		pruned++
	}
	return pruned
}

// Expand restores every pruned leaf to the finest resolution.
func (m *Map) Expand() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	root := m.tree.Root()
	if !m.tree.HasChildren(root) && m.tree.Value(root).HasNoMeasurement() {
		return nil
	}
	return m.expandRecurs(root, 0)
}

func (m *Map) expandRecurs(id octree.NodeID, depth int) error {
	if depth == TreeDepth {
		return nil
	}
	if !m.tree.HasChildren(id) {
		if err := m.expandNode(id); err != nil {
			return err
		}
	}
	for i := 0; i < octree.NumChildren; i++ {
		if c := m.tree.Child(id, i); c != octree.NoNode {
			if err := m.expandRecurs(c, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Search returns the deepest node containing p. The second return is false if p is unknown.
func (m *Map) Search(p r3.Vector) (Voxel, bool) {
	return m.SearchAtDepth(p, TreeDepth)
}

// SearchAtDepth is Search stopping at the given depth.
func (m *Map) SearchAtDepth(p r3.Vector, depth int) (Voxel, bool) {
	k, err := coordToKey(p, m.cfg.Resolution)
	if err != nil {
		return Voxel{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, d, ok := m.searchKey(k, depth)
	if !ok {
		return Voxel{}, false
	}
	return m.voxel(id, levelBase(k, d), d), true
}

func (m *Map) searchKey(k Key, maxDepth int) (octree.NodeID, int, bool) {
	if maxDepth < 0 || maxDepth > TreeDepth {
		maxDepth = TreeDepth
	}
	id := m.tree.Root()
	if !m.tree.HasChildren(id) && m.tree.Value(id).HasNoMeasurement() {
		return octree.NoNode, 0, false
	}
	for depth := 0; depth < maxDepth; depth++ {
		child := m.tree.Child(id, childIndex(k, depth))
		if child == octree.NoNode {
			if m.tree.HasChildren(id) {
				return octree.NoNode, 0, false
			}
			// pruned leaf
			return id, depth, true
		}
		id = child
	}
	return id, maxDepth, true
}

func (m *Map) voxel(id octree.NodeID, base Key, depth int) Voxel {
	n := m.tree.Value(id)
	occDist, hasOccDist := n.OccupancyAtMeasurementDistance()
	return Voxel{
		Key:           base,
		Center:        nodeCenter(base, depth, m.cfg.Resolution),
		Size:          m.NodeSize(depth),
		Depth:         depth,
		LogOdds:       n.LogOdds(),
		Occupancy:     n.Occupancy(),
		NoMeasurement: n.HasNoMeasurement(),
		OccDist:       occDist,
		HasOccDist:    hasOccDist,
	}
}

// MeanChildLogOdds returns the children mean of the node containing p at depth. The second
// return is false if the node does not exist or has no children.
func (m *Map) MeanChildLogOdds(p r3.Vector, depth int) (float64, bool) {
	k, err := coordToKey(p, m.cfg.Resolution)
	if err != nil {
		return math.Inf(-1), false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, d, ok := m.searchKey(k, depth)
	if !ok || d != depth {
		return math.Inf(-1), false
	}
	return m.tree.MeanChildLogOdds(id)
}

// MaxChildLogOdds returns the largest child log-odds of the node containing p at depth, or
// octree.NoChildLogOdds.
func (m *Map) MaxChildLogOdds(p r3.Vector, depth int) float32 {
	k, err := coordToKey(p, m.cfg.Resolution)
	if err != nil {
		return octree.NoChildLogOdds
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, d, ok := m.searchKey(k, depth)
	if !ok || d != depth {
		return octree.NoChildLogOdds
	}
	return m.tree.MaxChildLogOdds(id)
}

// LeafIterate calls fn for every leaf until fn returns false.
func (m *Map) LeafIterate(fn func(v Voxel) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root := m.tree.Root()
	if !m.tree.HasChildren(root) && m.tree.Value(root).HasNoMeasurement() {
		return
	}
	m.leafRecurs(root, Key{}, 0, fn)
}

func (m *Map) leafRecurs(id octree.NodeID, base Key, depth int, fn func(v Voxel) bool) bool {
	if !m.tree.HasChildren(id) {
		return fn(m.voxel(id, base, depth))
	}
	for i := 0; i < octree.NumChildren; i++ {
		c := m.tree.Child(id, i)
		if c == octree.NoNode {
			continue
		}
		if !m.leafRecurs(c, childBase(base, depth, i), depth+1, fn) {
			return false
		}
	}
	return true
}

// OccupiedVoxels returns the centers of occupied leaves. Each point carries its occupancy as
// pointcloud occupancy data.
func (m *Map) OccupiedVoxels() pc.PointCloud {
	cloud := pc.New()
	m.LeafIterate(func(v Voxel) bool {
		if m.IsOccupied(v) {
			//nolint:errcheck
			cloud.Set(v.Center, pc.NewOccupancyData(v.Occupancy))
		}
		return true
	})
	return cloud
}

// Stats summarizes the map content.
type Stats struct {
	Nodes         int
	Leaves        int
	Occupied      int
	Free          int
	Unmeasured    int
	Min, Max      r3.Vector
	OccupiedSpace float64
}

// String prints the stats as a table.
func (s Stats) String() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Nodes", "Leaves", "Occupied", "Free", "Unmeasured", "Occupied m³", "Min", "Max"})
	t.AppendRow(table.Row{
		s.Nodes,
		s.Leaves,
		s.Occupied,
		s.Free,
		s.Unmeasured,
		fmt.Sprintf("%.3f", s.OccupiedSpace),
		fmt.Sprintf("(%.2f, %.2f, %.2f)", s.Min.X, s.Min.Y, s.Min.Z),
		fmt.Sprintf("(%.2f, %.2f, %.2f)", s.Max.X, s.Max.Y, s.Max.Z),
	})
	return t.Render()
}

// Metrics counts the nodes and leaves of the map. Volumes are in cubic metres.
func (m *Map) Metrics() Stats {
	s := Stats{
		Min: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
	s.Nodes = m.NumNodes()
	m.LeafIterate(func(v Voxel) bool {
		s.Leaves++
		switch {
		case v.NoMeasurement:
			s.Unmeasured++
		case m.IsOccupied(v):
			s.Occupied++
			s.OccupiedSpace += v.Size * v.Size * v.Size
		default:
			s.Free++
		}
		half := v.Size / 2
		s.Min.X = math.Min(s.Min.X, v.Center.X-half)
		s.Min.Y = math.Min(s.Min.Y, v.Center.Y-half)
		s.Min.Z = math.Min(s.Min.Z, v.Center.Z-half)
		s.Max.X = math.Max(s.Max.X, v.Center.X+half)
		s.Max.Y = math.Max(s.Max.Y, v.Center.Y+half)
		s.Max.Z = math.Max(s.Max.Z, v.Center.Z+half)
		return true
	})
	if s.Leaves == 0 {
		s.Min, s.Max = r3.Vector{}, r3.Vector{}
	}
	return s
}
