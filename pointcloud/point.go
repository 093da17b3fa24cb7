package pointcloud

import (
	"image/color"
	"math"
)

// OccupancyScale is the number of value units per unit of occupancy probability.
const OccupancyScale = 1000

// Data is what a point carries besides its position: an optional sensor color and an optional
// integer value. Clouds exported from an occupancy map store each voxel's occupancy as the value,
// scaled by OccupancyScale.
type Data interface {
	HasColor() bool
	// RGB255 returns the color components. Alpha is not kept.
	RGB255() (uint8, uint8, uint8)
	Color() color.Color
	SetColor(c color.NRGBA) Data

	HasValue() bool
	Value() int
	SetValue(v int) Data

	// Occupancy reads the value as an occupancy probability. It is false if the point has no value.
	Occupancy() (float64, bool)
}

type pointData struct {
	rgb      *color.NRGBA
	value    int
	hasValue bool
}

// NewBasicData returns data with neither color nor value.
func NewBasicData() Data {
	return &pointData{}
}

// NewColoredData returns data with a color.
func NewColoredData(c color.NRGBA) Data {
	return &pointData{rgb: &c}
}

// NewValueData returns data with an integer value.
func NewValueData(v int) Data {
	return &pointData{value: v, hasValue: true}
}

// NewOccupancyData returns data whose value is the occupancy probability p in OccupancyScale units.
func NewOccupancyData(p float64) Data {
	return NewValueData(int(math.Round(p * OccupancyScale)))
}

func (d *pointData) HasColor() bool {
	return d.rgb != nil
}

func (d *pointData) RGB255() (uint8, uint8, uint8) {
	if d.rgb == nil {
		return 0, 0, 0
	}
	return d.rgb.R, d.rgb.G, d.rgb.B
}

func (d *pointData) Color() color.Color {
	if d.rgb == nil {
		return color.NRGBA{}
	}
	return *d.rgb
}

func (d *pointData) SetColor(c color.NRGBA) Data {
	d.rgb = &c
	return d
}

func (d *pointData) HasValue() bool {
	return d.hasValue
}

func (d *pointData) Value() int {
	return d.value
}

func (d *pointData) SetValue(v int) Data {
	d.value = v
	d.hasValue = true
	return d
}

func (d *pointData) Occupancy() (float64, bool) {
	if !d.hasValue {
		return 0, false
	}
	return float64(d.value) / OccupancyScale, true
}
