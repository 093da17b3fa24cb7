package occmap

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

const (
	// TreeDepth is the number of levels below the root.
	TreeDepth = 16
	// keyOrigin is the key of the cell whose lower corner sits at the world origin.
	keyOrigin = 1 << (TreeDepth - 1)
	keySpan   = 1 << TreeDepth
)

// ErrOutOfBounds is returned for coordinates the map cannot address.
var ErrOutOfBounds = errors.New("coordinate is outside the map bounds")

// Key addresses a voxel at the finest resolution, one uint16 per axis.
type Key [3]uint16

func coordToKeyAxis(c, resolution float64) (uint16, bool) {
	v := math.Floor(c/resolution) + keyOrigin
	if v < 0 || v >= keySpan || math.IsNaN(v) {
		return 0, false
	}
	return uint16(v), true
}

// coordToKey converts a coordinate in metres to its key.
func coordToKey(p r3.Vector, resolution float64) (Key, error) {
	var k Key
	var ok bool
	for i, c := range [3]float64{p.X, p.Y, p.Z} {
		if k[i], ok = coordToKeyAxis(c, resolution); !ok {
			return Key{}, errors.Wrapf(ErrOutOfBounds, "%v", p)
		}
	}
	return k, nil
}

func keyToCoordAxis(k uint16, resolution float64) float64 {
	return (float64(k) - keyOrigin + 0.5) * resolution
}

// keyToCoord returns the center of the finest voxel addressed by k.
func keyToCoord(k Key, resolution float64) r3.Vector {
	return r3.Vector{
		X: keyToCoordAxis(k[0], resolution),
		Y: keyToCoordAxis(k[1], resolution),
		Z: keyToCoordAxis(k[2], resolution),
	}
}

// childIndex returns the octant of k below a node at the given tree level. Bit (15-level) of the
// x key selects bit 0 of the octant, y bit 1 and z bit 2.
func childIndex(k Key, level int) int {
	bit := uint(TreeDepth - 1 - level)
	pos := 0
	if k[0]&(1<<bit) != 0 {
		pos |= 1
	}
	if k[1]&(1<<bit) != 0 {
		pos |= 2
	}
	if k[2]&(1<<bit) != 0 {
		pos |= 4
	}
	return pos
}

// nodeSpan returns the edge length in finest cells of a node at level.
func nodeSpan(level int) int {
	return keySpan >> level
}

// childBase returns the lower corner key of child pos of a node whose lower corner is base.
func childBase(base Key, level, pos int) Key {
	half := uint16(nodeSpan(level+1))
	for i := 0; i < 3; i++ {
		if pos&(1<<i) != 0 {
			base[i] += half
		}
	}
	return base
}

// nodeCenter returns the center of the node at level whose lower corner key is base.
func nodeCenter(base Key, level int, resolution float64) r3.Vector {
	half := float64(nodeSpan(level)) / 2
	return r3.Vector{
		X: (float64(base[0]) + half - keyOrigin) * resolution,
		Y: (float64(base[1]) + half - keyOrigin) * resolution,
		Z: (float64(base[2]) + half - keyOrigin) * resolution,
	}
}

// levelBase returns the lower corner key of the node at level containing k.
func levelBase(k Key, level int) Key {
	mask := ^uint16(nodeSpan(level) - 1)
	return Key{k[0] & mask, k[1] & mask, k[2] & mask}
}
