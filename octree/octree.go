// Package octree implements a sparse, arena backed octree together with the occupancy node payload
// used for probabilistic 3D scene reconstruction.
package octree

import (
	"github.com/pkg/errors"
)

// NumChildren is the number of octants a node subdivides into.
const NumChildren = 8

// NodeID is a stable index of a node inside a Tree's arena.
type NodeID uint32

// NoNode marks an absent child slot.
const NoNode = NodeID(^uint32(0))

var (
	// ErrChildExists is returned when creating a child in an occupied slot.
	ErrChildExists = errors.New("child already exists")
	// ErrInvalidChildIndex is returned for a child index outside [0,7].
	ErrInvalidChildIndex = errors.New("invalid child index")
	// ErrInvalidNode is returned when a NodeID does not refer to a live node.
	ErrInvalidNode = errors.New("invalid node")
)

func checkChildIndex(i int) error {
	if i < 0 || i >= NumChildren {
		return errors.Wrapf(ErrInvalidChildIndex, "index %d", i)
	}
	return nil
}
