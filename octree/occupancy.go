package octree

import (
	"math"
)

const (
	// OccDistUnset is the sentinel stored while no occupancy-at-distance estimate was recorded.
	OccDistUnset = float32(-1)

	// NoChildLogOdds is what MaxChildLogOdds reports for a node without children.
	NoChildLogOdds = -math.MaxFloat32
)

// OccupancyNode is the payload of a node in an occupancy octree. It stores the accumulated sensor
// evidence in log-odds form, whether any sensor observation has touched it yet, and a cached
// occupancy estimate at the original measurement's sensed distance.
type OccupancyNode struct {
	logOdds       float32
	noMeasurement bool
	occDist       float32
}

// NewOccupancyNode returns an unmeasured node with log-odds 0 (p = 0.5).
func NewOccupancyNode() OccupancyNode {
	return OccupancyNode{
		noMeasurement: true,
		occDist:       OccDistUnset,
	}
}

// LogOdds returns the stored log-odds value.
func (n *OccupancyNode) LogOdds() float32 {
	return n.logOdds
}

// SetLogOdds overwrites the stored log-odds value. It does not change the measurement state.
func (n *OccupancyNode) SetLogOdds(l float32) {
	n.logOdds = l
}

// Occupancy returns the occupancy probability of the node.
func (n *OccupancyNode) Occupancy() float64 {
	return Probability(float64(n.logOdds))
}

// AddValue applies a signed log-odds increment. No clamping is done here.
func (n *OccupancyNode) AddValue(delta float32) {
	n.logOdds += delta
	n.noMeasurement = false
}

// HasNoMeasurement reports whether the node was never updated by an observation.
func (n *OccupancyNode) HasNoMeasurement() bool {
	return n.noMeasurement
}

func (n *OccupancyNode) markMeasured() {
	n.noMeasurement = false
}

// OccupancyAtMeasurementDistance returns the cached occupancy estimate at measurement distance.
// The second return is false while the sentinel is stored.
func (n *OccupancyNode) OccupancyAtMeasurementDistance() (float32, bool) {
	return n.occDist, n.occDist != OccDistUnset
}

// SetOccupancyAtMeasurementDistance caches an occupancy estimate at measurement distance.
func (n *OccupancyNode) SetOccupancyAtMeasurementDistance(v float32) {
	n.occDist = v
}

// ClearOccupancyAtMeasurementDistance resets the cached estimate to the unset sentinel.
func (n *OccupancyNode) ClearOccupancyAtMeasurementDistance() {
	n.occDist = OccDistUnset
}

// OccupancyTree is a sparse octree of OccupancyNode payloads. It adds the occupancy aggregation
// queries on top of the generic child management of Tree.
type OccupancyTree struct {
	*Tree[OccupancyNode]
}

// NewOccupancyTree returns a tree with a single unmeasured root.
func NewOccupancyTree() *OccupancyTree {
	return &OccupancyTree{Tree: NewTree(NewOccupancyNode)}
}

// CreateChild subdivides slot i of id with a new unmeasured node. The parent counts as measured
// from then on since its value is backed by children.
func (t *OccupancyTree) CreateChild(id NodeID, i int) (NodeID, error) {
	child, err := t.Tree.CreateChild(id, i)
	if err != nil {
		return NoNode, err
	}
	t.Value(id).markMeasured()
	return child, nil
}

// AddValue applies a log-odds increment to id.
func (t *OccupancyTree) AddValue(id NodeID, delta float32) error {
	n, err := t.node(id)
	if err != nil {
		return err
	}
	n.value.AddValue(delta)
	return nil
}

// MeanChildLogOdds averages the occupancy probabilities of id's existing children and returns the
// mean in log-odds form. With no children there is no data: the second return is false and the
// value is the degenerate ln(0) = -Inf.
func (t *OccupancyTree) MeanChildLogOdds(id NodeID) (float64, bool) {
	n, err := t.node(id)
	if err != nil || n.children == nil {
		return math.Inf(-1), false
	}
	var mean float64
	count := 0
	for _, c := range n.children {
		if c == NoNode {
			continue
		}
		mean += t.nodes[c].value.Occupancy()
		count++
	}
	if count == 0 {
		return math.Inf(-1), false
	}
	mean /= float64(count)
	return LogOdds(mean), true
}

// MaxChildLogOdds returns the largest log-odds value among id's existing children, or
// NoChildLogOdds when there are none.
func (t *OccupancyTree) MaxChildLogOdds(id NodeID) float32 {
	n, err := t.node(id)
	if err != nil || n.children == nil {
		return NoChildLogOdds
	}
	best := float32(NoChildLogOdds)
	for _, c := range n.children {
		if c == NoNode {
			continue
		}
		if l := t.nodes[c].value.logOdds; l > best {
			best = l
		}
	}
	return best
}
