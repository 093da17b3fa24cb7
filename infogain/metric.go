package infogain

import (
	"math"
)

// RayVoxel is one voxel a ray passed, in traversal order.
type RayVoxel struct {
	// Occupancy is the occupancy probability, 0.5 when Known is false.
	Occupancy float64
	// Known is false for voxels that are absent from the map or were never measured.
	Known bool
	// Distance from the view position to the voxel center.
	Distance float64
}

// Metric turns the voxels of a single ray into a gain. Gains of all rays of a view are summed.
type Metric interface {
	Name() string
	Gain(voxels []RayVoxel) float64
}

// Entropy returns the binary entropy of p in bits.
func Entropy(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return -p*math.Log2(p) - (1-p)*math.Log2(1-p)
}

type averageEntropy struct{}

// AverageEntropy scores a ray by the mean entropy of its voxels.
func AverageEntropy() Metric {
	return averageEntropy{}
}

func (averageEntropy) Name() string {
	return "average_entropy"
}

func (averageEntropy) Gain(voxels []RayVoxel) float64 {
	if len(voxels) == 0 {
		return 0
	}
	var sum float64
	for _, v := range voxels {
		sum += Entropy(v.Occupancy)
	}
	return sum / float64(len(voxels))
}

type unknownVoxels struct{}

// UnknownVoxels counts the unknown voxels of a ray.
func UnknownVoxels() Metric {
	return unknownVoxels{}
}

func (unknownVoxels) Name() string {
	return "unknown_voxels"
}

func (unknownVoxels) Gain(voxels []RayVoxel) float64 {
	var count float64
	for _, v := range voxels {
		if !v.Known {
			count++
		}
	}
	return count
}

type occlusionAware struct{}

// OcclusionAware sums voxel entropy weighted by the probability that the voxel is visible, which
// is the product of the free probabilities of all voxels before it.
func OcclusionAware() Metric {
	return occlusionAware{}
}

func (occlusionAware) Name() string {
	return "occlusion_aware"
}

func (occlusionAware) Gain(voxels []RayVoxel) float64 {
	var gain float64
	visibility := 1.0
	for _, v := range voxels {
		gain += visibility * Entropy(v.Occupancy)
		visibility *= 1 - v.Occupancy
	}
	return gain
}
