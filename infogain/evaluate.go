package infogain

import (
	"context"
	"runtime"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"

	"github.com/activerecon/igtree/occmap"
)

// ErrNoViews is returned when there is no candidate view to choose from.
var ErrNoViews = errors.New("no candidate views")

// OccupancyMap is the read access to the map a view evaluation needs. It is satisfied by
// *occmap.Map.
type OccupancyMap interface {
	TraverseRay(origin, direction r3.Vector, maxRange float64, fn func(center r3.Vector, v occmap.Voxel, known bool) bool) error
	IsOccupied(v occmap.Voxel) bool
}

// Result holds the summed gains of a view keyed by metric name.
type Result struct {
	View  View
	Rays  int
	Gains map[string]float64
	// Spread describes how the gain of each metric is distributed over the rays.
	Spread map[string]GainSpread
}

// GainSpread summarizes the per ray gains of one metric.
type GainSpread struct {
	Mean   float64
	StdDev float64
	Max    float64
}

func newGainSpread(gains []float64) (GainSpread, error) {
	var spread GainSpread
	var err error
	if spread.Mean, err = stats.Mean(gains); err != nil {
		return GainSpread{}, err
	}
	if spread.StdDev, err = stats.StandardDeviation(gains); err != nil {
		return GainSpread{}, err
	}
	if spread.Max, err = stats.Max(gains); err != nil {
		return GainSpread{}, err
	}
	return spread, nil
}

// Gain returns the gain of metric, zero if it was not evaluated.
func (r Result) Gain(metric Metric) float64 {
	return r.Gains[metric.Name()]
}

// An Evaluator casts the rays of a camera through a map and scores them.
type Evaluator struct {
	cam     Camera
	logger  golog.Logger
	workers int
}

// NewEvaluator returns an evaluator for the camera.
func NewEvaluator(cam Camera, logger golog.Logger) (*Evaluator, error) {
	if err := cam.Validate("camera"); err != nil {
		return nil, err
	}
	return &Evaluator{cam: cam, logger: logger, workers: runtime.NumCPU()}, nil
}

// Camera returns the camera the evaluator casts rays with.
func (e *Evaluator) Camera() Camera {
	return e.cam
}

// castRay collects the voxels along one ray up to and including the first occupied one.
func (e *Evaluator) castRay(m OccupancyMap, origin, dir r3.Vector) ([]RayVoxel, error) {
	var voxels []RayVoxel
	err := m.TraverseRay(origin, dir, e.cam.MaxRange, func(center r3.Vector, v occmap.Voxel, known bool) bool {
		dist := center.Sub(origin).Norm()
		if dist < e.cam.MinRange {
			return true
		}
		rv := RayVoxel{Occupancy: 0.5, Distance: dist}
		if known && !v.NoMeasurement {
			rv.Occupancy = v.Occupancy
			rv.Known = true
		}
		voxels = append(voxels, rv)
		return !rv.Known || !m.IsOccupied(v)
	})
	return voxels, err
}

// Evaluate scores view with every metric. Rays are cast concurrently and the evaluation stops at
// the first failing ray or when ctx is done.
func (e *Evaluator) Evaluate(ctx context.Context, m OccupancyMap, view View, metrics ...Metric) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "infogain::Evaluate")
	defer span.End()

	if len(metrics) == 0 {
		return Result{}, errors.New("at least one metric is required")
	}
	start := time.Now()
	rays := e.cam.Rays(view)
	gains := make([][]float64, len(rays))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, dir := range rays {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			voxels, err := e.castRay(m, view.Position, dir)
			if err != nil {
				return errors.Wrapf(err, "ray %d", i)
			}
			row := make([]float64, len(metrics))
			for j, metric := range metrics {
				row[j] = metric.Gain(voxels)
			}
			gains[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, errors.Wrap(err, "cannot evaluate view")
	}

	res := Result{
		View:   view,
		Rays:   len(rays),
		Gains:  make(map[string]float64, len(metrics)),
		Spread: make(map[string]GainSpread, len(metrics)),
	}
	perRay := make([]float64, len(rays))
	for j, metric := range metrics {
		var sum float64
		for i, row := range gains {
			sum += row[j]
			perRay[i] = row[j]
		}
		res.Gains[metric.Name()] = sum
		spread, err := newGainSpread(perRay)
		if err != nil {
			return Result{}, errors.Wrapf(err, "cannot summarize %s", metric.Name())
		}
		res.Spread[metric.Name()] = spread
	}
	e.logger.Debugw("evaluated view",
		"position", view.Position,
		"rays", len(rays),
		"gains", res.Gains,
		"duration", time.Since(start))
	return res, nil
}

// BestView returns the index and result of the view with the highest gain for metric. Ties go to
// the earlier view.
func (e *Evaluator) BestView(ctx context.Context, m OccupancyMap, views []View, metric Metric) (int, Result, error) {
	ctx, span := trace.StartSpan(ctx, "infogain::BestView")
	defer span.End()

	if len(views) == 0 {
		return -1, Result{}, ErrNoViews
	}
	best := -1
	var bestResult Result
	for i, view := range views {
		res, err := e.Evaluate(ctx, m, view, metric)
		if err != nil {
			return -1, Result{}, errors.Wrapf(err, "view %d", i)
		}
		if best == -1 || res.Gain(metric) > bestResult.Gain(metric) {
			best, bestResult = i, res
		}
	}
	return best, bestResult, nil
}
