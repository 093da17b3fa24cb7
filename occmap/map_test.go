package occmap

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/activerecon/igtree/octree"
)

var (
	hitLogOdds  = float32(octree.LogOdds(DefaultProbHit))
	missLogOdds = float32(octree.LogOdds(DefaultProbMiss))
)

func newTestMap(t *testing.T, cfg Config) *Map {
	t.Helper()
	m, err := New(cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return m
}

// fillParent hits the eight finest voxels sharing the depth 15 node at the origin.
func fillParent(t *testing.T, m *Map) {
	t.Helper()
	for _, x := range []float64{0.05, 0.15} {
		for _, y := range []float64{0.05, 0.15} {
			for _, z := range []float64{0.05, 0.15} {
				test.That(t, m.UpdateNode(r3.Vector{X: x, Y: y, Z: z}, true), test.ShouldBeNil)
			}
		}
	}
}

func TestNewMap(t *testing.T) {
	_, err := New(DefaultConfig(0), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	m := newTestMap(t, DefaultConfig(0.1))
	test.That(t, m.Resolution(), test.ShouldEqual, 0.1)
	test.That(t, m.NumNodes(), test.ShouldEqual, 1)
	test.That(t, m.NodeSize(TreeDepth), test.ShouldEqual, 0.1)
	test.That(t, m.NodeSize(15), test.ShouldEqual, 0.2)
	_, ok := m.Search(r3.Vector{})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestUpdateNode(t *testing.T) {
	m := newTestMap(t, DefaultConfig(0.1))
	p := r3.Vector{X: 0.05, Y: 0.05, Z: 0.05}

	test.That(t, m.UpdateNode(p, true), test.ShouldBeNil)
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth+1)

	v, ok := m.Search(p)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Depth, test.ShouldEqual, TreeDepth)
	test.That(t, v.LogOdds, test.ShouldEqual, hitLogOdds)
	test.That(t, v.Occupancy, test.ShouldAlmostEqual, 0.7, 1e-6)
	test.That(t, v.NoMeasurement, test.ShouldBeFalse)
	test.That(t, v.HasOccDist, test.ShouldBeFalse)
	test.That(t, v.Key, test.ShouldResemble, Key{32768, 32768, 32768})
	test.That(t, v.Center.X, test.ShouldAlmostEqual, 0.05)
	test.That(t, m.IsOccupied(v), test.ShouldBeTrue)

	root, ok := m.SearchAtDepth(p, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, root.Depth, test.ShouldEqual, 0)
	test.That(t, root.LogOdds, test.ShouldEqual, hitLogOdds)

	_, ok = m.Search(r3.Vector{X: 0.15, Y: 0.05, Z: 0.05})
	test.That(t, ok, test.ShouldBeFalse)

	err := m.UpdateNode(r3.Vector{X: 1e6}, true)
	test.That(t, errors.Is(err, ErrOutOfBounds), test.ShouldBeTrue)

	m.Clear()
	test.That(t, m.NumNodes(), test.ShouldEqual, 1)
}

func TestUpdateNodeClamping(t *testing.T) {
	m := newTestMap(t, DefaultConfig(0.1))
	p := r3.Vector{X: -0.25, Y: 0.35, Z: 1.05}
	q := r3.Vector{X: 0.25, Y: 0.35, Z: 1.05}
	for i := 0; i < 10; i++ {
		test.That(t, m.UpdateNode(p, true), test.ShouldBeNil)
		test.That(t, m.UpdateNode(q, false), test.ShouldBeNil)
	}
	v, ok := m.Search(p)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.LogOdds, test.ShouldEqual, m.model.clampMax)

	v, ok = m.Search(q)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.LogOdds, test.ShouldEqual, m.model.clampMin)
	test.That(t, m.IsOccupied(v), test.ShouldBeFalse)

	root, ok := m.SearchAtDepth(p, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, root.LogOdds, test.ShouldEqual, m.model.clampMax)

	test.That(t, m.UpdateNodeLogOdds(q, 100), test.ShouldBeNil)
	v, _ = m.Search(q)
	test.That(t, v.LogOdds, test.ShouldEqual, m.model.clampMax)
}

func TestPruneOnUpdate(t *testing.T) {
	m := newTestMap(t, DefaultConfig(0.1))
	fillParent(t, m)
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth)

	v, ok := m.Search(r3.Vector{X: 0.15, Y: 0.15, Z: 0.15})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Depth, test.ShouldEqual, TreeDepth-1)
	test.That(t, v.Size, test.ShouldAlmostEqual, 0.2)
	test.That(t, v.Center.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, v.LogOdds, test.ShouldEqual, hitLogOdds)

	// a pruned leaf is expanded before it is refined
	test.That(t, m.UpdateNode(r3.Vector{X: 0.05, Y: 0.05, Z: 0.05}, false), test.ShouldBeNil)
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth+octree.NumChildren)

	v, ok = m.Search(r3.Vector{X: 0.05, Y: 0.05, Z: 0.05})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Depth, test.ShouldEqual, TreeDepth)
	test.That(t, v.LogOdds, test.ShouldEqual, hitLogOdds+missLogOdds)

	v, ok = m.Search(r3.Vector{X: 0.15, Y: 0.05, Z: 0.05})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Depth, test.ShouldEqual, TreeDepth)
	test.That(t, v.LogOdds, test.ShouldEqual, hitLogOdds)

	root, _ := m.SearchAtDepth(r3.Vector{}, 0)
	test.That(t, root.LogOdds, test.ShouldEqual, hitLogOdds)
}

func TestPruneExpand(t *testing.T) {
	m := newTestMap(t, DefaultConfig(0.1))
	test.That(t, m.Expand(), test.ShouldBeNil)
	test.That(t, m.NumNodes(), test.ShouldEqual, 1)
	test.That(t, m.Prune(), test.ShouldEqual, 0)

	fillParent(t, m)
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth)

	test.That(t, m.Expand(), test.ShouldBeNil)
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth+octree.NumChildren)
	v, ok := m.Search(r3.Vector{X: 0.15, Y: 0.05, Z: 0.15})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Depth, test.ShouldEqual, TreeDepth)
	test.That(t, v.LogOdds, test.ShouldEqual, hitLogOdds)
	test.That(t, v.NoMeasurement, test.ShouldBeFalse)

	test.That(t, m.Prune(), test.ShouldEqual, 1)
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth)
	test.That(t, m.Prune(), test.ShouldEqual, 0)
}

func TestLazyEval(t *testing.T) {
	cfg := DefaultConfig(0.1)
	cfg.LazyEval = true
	m := newTestMap(t, cfg)

	fillParent(t, m)
	// no pruning and no inner refresh while lazy
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth+octree.NumChildren)
	root, ok := m.SearchAtDepth(r3.Vector{}, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, root.LogOdds, test.ShouldEqual, float32(0))
	test.That(t, root.NoMeasurement, test.ShouldBeFalse)

	m.UpdateInnerOccupancy()
	root, _ = m.SearchAtDepth(r3.Vector{}, 0)
	test.That(t, root.LogOdds, test.ShouldEqual, hitLogOdds)

	test.That(t, m.Prune(), test.ShouldEqual, 1)
	test.That(t, m.NumNodes(), test.ShouldEqual, TreeDepth)
}

func TestChildLogOddsQueries(t *testing.T) {
	m := newTestMap(t, DefaultConfig(0.1))
	p := r3.Vector{X: 0.05, Y: 0.05, Z: 0.05}
	test.That(t, m.UpdateNode(p, true), test.ShouldBeNil)
	test.That(t, m.UpdateNode(r3.Vector{X: 0.15, Y: 0.05, Z: 0.05}, false), test.ShouldBeNil)

	mean, ok := m.MeanChildLogOdds(p, TreeDepth-1)
	test.That(t, ok, test.ShouldBeTrue)
	expected := octree.LogOdds((octree.Probability(float64(hitLogOdds)) + octree.Probability(float64(missLogOdds))) / 2)
	test.That(t, mean, test.ShouldAlmostEqual, expected, 1e-9)
	test.That(t, m.MaxChildLogOdds(p, TreeDepth-1), test.ShouldEqual, hitLogOdds)

	_, ok = m.MeanChildLogOdds(p, TreeDepth)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, m.MaxChildLogOdds(p, TreeDepth), test.ShouldEqual, float32(octree.NoChildLogOdds))

	_, ok = m.MeanChildLogOdds(r3.Vector{X: -3}, TreeDepth-1)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, m.MaxChildLogOdds(r3.Vector{X: 1e6}, 3), test.ShouldEqual, float32(octree.NoChildLogOdds))
}

func TestMetrics(t *testing.T) {
	m := newTestMap(t, DefaultConfig(0.1))
	s := m.Metrics()
	test.That(t, s.Nodes, test.ShouldEqual, 1)
	test.That(t, s.Leaves, test.ShouldEqual, 0)
	test.That(t, s.Min, test.ShouldResemble, r3.Vector{})

	test.That(t, m.UpdateNode(r3.Vector{X: 0.05, Y: 0.05, Z: 0.05}, true), test.ShouldBeNil)
	test.That(t, m.UpdateNode(r3.Vector{X: -0.35, Y: 0.05, Z: 0.05}, false), test.ShouldBeNil)

	s = m.Metrics()
	test.That(t, s.Leaves, test.ShouldEqual, 2)
	test.That(t, s.Occupied, test.ShouldEqual, 1)
	test.That(t, s.Free, test.ShouldEqual, 1)
	test.That(t, s.Unmeasured, test.ShouldEqual, 0)
	test.That(t, s.OccupiedSpace, test.ShouldAlmostEqual, 0.001, 1e-9)
	test.That(t, s.Min.X, test.ShouldAlmostEqual, -0.4)
	test.That(t, s.Max.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, s.Min.Z, test.ShouldAlmostEqual, 0.)
	test.That(t, s.Max.Z, test.ShouldAlmostEqual, 0.1)

	rendered := s.String()
	test.That(t, rendered, test.ShouldContainSubstring, "OCCUPIED")
	test.That(t, rendered, test.ShouldContainSubstring, "(-0.40, 0.00, 0.00)")

	var leaves []Voxel
	m.LeafIterate(func(v Voxel) bool {
		leaves = append(leaves, v)
		return false
	})
	test.That(t, len(leaves), test.ShouldEqual, 1)

	occupied := m.OccupiedVoxels()
	test.That(t, occupied.Size(), test.ShouldEqual, 1)
	d, ok := occupied.At(0.05, 0.05, 0.05)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, d.Value(), test.ShouldEqual, 700)
	occ, ok := d.Occupancy()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, occ, test.ShouldAlmostEqual, 0.7)
}
