package infogain

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Camera describes the ray fan cast from a view.
type Camera struct {
	HorizontalFOVDegs float64 `json:"horizontal_fov_degs"`
	VerticalFOVDegs   float64 `json:"vertical_fov_degs"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	// MinRange skips voxels closer than this to the sensor.
	MinRange float64 `json:"min_range,omitempty"`
	MaxRange float64 `json:"max_range"`
}

// Validate ensures all parts of the config are valid.
func (c *Camera) Validate(path string) error {
	if c.Width <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "width")
	}
	if c.Height <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "height")
	}
	if c.MaxRange <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_range")
	}
	if c.HorizontalFOVDegs < 0 || c.HorizontalFOVDegs >= 180 {
		return utils.NewConfigValidationError(path, errors.Errorf("horizontal_fov_degs must be in [0,180), got %v", c.HorizontalFOVDegs))
	}
	if c.VerticalFOVDegs < 0 || c.VerticalFOVDegs >= 180 {
		return utils.NewConfigValidationError(path, errors.Errorf("vertical_fov_degs must be in [0,180), got %v", c.VerticalFOVDegs))
	}
	if c.MinRange < 0 || c.MinRange >= c.MaxRange {
		return utils.NewConfigValidationError(path, errors.New("min_range must be non negative and less than max_range"))
	}
	return nil
}

func fanAngle(fovDegs float64, i, n int) float64 {
	fov := fovDegs * math.Pi / 180
	return -fov/2 + fov*(float64(i)+0.5)/float64(n)
}

// Rays returns the unit ray directions of the camera at view in the map frame, row by row.
func (c *Camera) Rays(view View) []r3.Vector {
	rays := make([]r3.Vector, 0, c.Width*c.Height)
	for row := 0; row < c.Height; row++ {
		pitch := fanAngle(c.VerticalFOVDegs, row, c.Height)
		for col := 0; col < c.Width; col++ {
			yaw := fanAngle(c.HorizontalFOVDegs, col, c.Width)
			local := r3.Vector{
				X: math.Cos(pitch) * math.Cos(yaw),
				Y: math.Cos(pitch) * math.Sin(yaw),
				Z: math.Sin(pitch),
			}
			rays = append(rays, view.Rotate(local))
		}
	}
	return rays
}
