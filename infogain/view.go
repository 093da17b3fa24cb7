// Package infogain scores candidate sensor views against an occupancy map. Each view casts a
// fan of rays through the map and every metric turns the voxels a ray passes into a gain, so
// that a reconstruction loop can pick the next best view.
package infogain

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// View is a candidate sensor pose in the map frame. The sensor looks along its local +x axis.
type View struct {
	Position    r3.Vector
	Orientation quat.Number
}

// NewViewFromYaw returns a level view at position rotated by yaw radians about +z.
func NewViewFromYaw(position r3.Vector, yaw float64) View {
	s, c := math.Sincos(yaw / 2)
	return View{Position: position, Orientation: quat.Number{Real: c, Kmag: s}}
}

// orientation returns the unit rotation of the view. A zero quaternion is read as identity.
func (v View) orientation() quat.Number {
	n := quat.Abs(v.Orientation)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, v.Orientation)
}

// Rotate transforms a direction from the sensor frame into the map frame.
func (v View) Rotate(d r3.Vector) r3.Vector {
	q := v.orientation()
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: d.X, Jmag: d.Y, Kmag: d.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// Forward is the map frame viewing direction.
func (v View) Forward() r3.Vector {
	return v.Rotate(r3.Vector{X: 1})
}
