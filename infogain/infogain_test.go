package infogain

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/activerecon/igtree/occmap"
)

var viewPosition = r3.Vector{X: 0.05, Y: 0.05, Z: 0.05}

func testCamera() Camera {
	return Camera{Width: 1, Height: 1, MaxRange: 1}
}

func newTestEvaluator(t *testing.T, logger golog.Logger) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(testCamera(), logger)
	test.That(t, err, test.ShouldBeNil)
	return e
}

// newWallMap returns a map whose only voxel is an obstacle 0.3m in front of viewPosition along +x.
func newWallMap(t *testing.T) *occmap.Map {
	t.Helper()
	m, err := occmap.New(occmap.DefaultConfig(0.1), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.UpdateNode(r3.Vector{X: 0.35, Y: 0.05, Z: 0.05}, true), test.ShouldBeNil)
	return m
}

func TestEntropy(t *testing.T) {
	test.That(t, Entropy(0.5), test.ShouldEqual, 1.)
	test.That(t, Entropy(0), test.ShouldEqual, 0.)
	test.That(t, Entropy(1), test.ShouldEqual, 0.)
	test.That(t, Entropy(0.7), test.ShouldAlmostEqual, 0.8813, 1e-4)
	test.That(t, Entropy(0.3), test.ShouldAlmostEqual, Entropy(0.7))
}

func TestMetrics(t *testing.T) {
	unknown := RayVoxel{Occupancy: 0.5}
	free := RayVoxel{Occupancy: 0.3, Known: true}
	occupied := RayVoxel{Occupancy: 0.9, Known: true}

	for _, m := range []Metric{AverageEntropy(), UnknownVoxels(), OcclusionAware()} {
		test.That(t, m.Gain(nil), test.ShouldEqual, 0.)
	}

	test.That(t, UnknownVoxels().Gain([]RayVoxel{unknown, free, unknown, occupied}), test.ShouldEqual, 2.)
	test.That(t, AverageEntropy().Gain([]RayVoxel{unknown, unknown}), test.ShouldEqual, 1.)
	test.That(t, AverageEntropy().Gain([]RayVoxel{unknown, free}), test.ShouldAlmostEqual, (1+Entropy(0.3))/2)
	test.That(t, OcclusionAware().Gain([]RayVoxel{unknown, unknown}), test.ShouldAlmostEqual, 1.5)
	test.That(t, OcclusionAware().Gain([]RayVoxel{free, occupied, unknown}), test.ShouldAlmostEqual,
		Entropy(0.3)+0.7*Entropy(0.9)+0.7*0.1)

	test.That(t, AverageEntropy().Name(), test.ShouldEqual, "average_entropy")
	test.That(t, UnknownVoxels().Name(), test.ShouldEqual, "unknown_voxels")
	test.That(t, OcclusionAware().Name(), test.ShouldEqual, "occlusion_aware")
}

func TestViewRotate(t *testing.T) {
	test.That(t, View{}.Forward(), test.ShouldResemble, r3.Vector{X: 1})

	side := NewViewFromYaw(r3.Vector{}, math.Pi/2).Forward()
	test.That(t, side.X, test.ShouldAlmostEqual, 0.)
	test.That(t, side.Y, test.ShouldAlmostEqual, 1.)
	test.That(t, side.Z, test.ShouldAlmostEqual, 0.)

	// orientation is normalized before use
	scaled := View{Orientation: quat.Scale(3, NewViewFromYaw(r3.Vector{}, math.Pi).Orientation)}
	back := scaled.Forward()
	test.That(t, back.X, test.ShouldAlmostEqual, -1.)
	test.That(t, back.Y, test.ShouldAlmostEqual, 0.)

	// 90 degrees about +y points the sensor down
	s, c := math.Sincos(math.Pi / 4)
	down := View{Orientation: quat.Number{Real: c, Jmag: s}}.Forward()
	test.That(t, down.X, test.ShouldAlmostEqual, 0.)
	test.That(t, down.Z, test.ShouldAlmostEqual, -1.)
}

func TestCamera(t *testing.T) {
	path := "camera"
	cam := testCamera()
	test.That(t, cam.Validate(path), test.ShouldBeNil)

	for _, tc := range []struct {
		name   string
		mutate func(c *Camera)
		err    string
	}{
		{"no width", func(c *Camera) { c.Width = 0 }, "width"},
		{"no height", func(c *Camera) { c.Height = -1 }, "height"},
		{"no range", func(c *Camera) { c.MaxRange = 0 }, "max_range"},
		{"wide", func(c *Camera) { c.HorizontalFOVDegs = 180 }, "horizontal_fov_degs"},
		{"tall", func(c *Camera) { c.VerticalFOVDegs = -1 }, "vertical_fov_degs"},
		{"min range", func(c *Camera) { c.MinRange = 2 }, "min_range"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cam := testCamera()
			tc.mutate(&cam)
			err := cam.Validate(path)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.err)
		})
	}

	cam = Camera{HorizontalFOVDegs: 90, VerticalFOVDegs: 60, Width: 2, Height: 3, MaxRange: 1}
	rays := cam.Rays(View{})
	test.That(t, len(rays), test.ShouldEqual, 6)
	for _, r := range rays {
		test.That(t, r.Norm(), test.ShouldAlmostEqual, 1.)
		test.That(t, r.X, test.ShouldBeGreaterThan, 0.)
	}
	// middle row is level and the columns are symmetric about +x
	test.That(t, rays[2].Z, test.ShouldAlmostEqual, 0.)
	test.That(t, rays[2].Y, test.ShouldAlmostEqual, -math.Sin(math.Pi/8))
	test.That(t, rays[3].Y, test.ShouldAlmostEqual, math.Sin(math.Pi/8))
	test.That(t, rays[0].Z, test.ShouldAlmostEqual, -math.Sin(math.Pi/9))

	_, err := NewEvaluator(Camera{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(t, golog.NewTestLogger(t))
	test.That(t, e.Camera(), test.ShouldResemble, testCamera())

	empty, err := occmap.New(occmap.DefaultConfig(0.1), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	res, err := e.Evaluate(ctx, empty, View{Position: viewPosition}, UnknownVoxels(), AverageEntropy(), OcclusionAware())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rays, test.ShouldEqual, 1)
	test.That(t, res.Gain(UnknownVoxels()), test.ShouldEqual, 11.)
	test.That(t, res.Gain(AverageEntropy()), test.ShouldEqual, 1.)
	test.That(t, res.Gain(OcclusionAware()), test.ShouldAlmostEqual, 2*(1-math.Pow(0.5, 11)))
	test.That(t, res.Spread[UnknownVoxels().Name()], test.ShouldResemble, GainSpread{Mean: 11, StdDev: 0, Max: 11})

	wall := newWallMap(t)
	res, err = e.Evaluate(ctx, wall, View{Position: viewPosition}, UnknownVoxels(), AverageEntropy())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Gain(UnknownVoxels()), test.ShouldEqual, 3.)
	test.That(t, res.Gain(AverageEntropy()), test.ShouldAlmostEqual, (3+Entropy(0.7))/4, 1e-6)

	// the obstacle is closer than the minimum range
	near := testCamera()
	near.MinRange = 0.45
	nearEval, err := NewEvaluator(near, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	res, err = nearEval.Evaluate(ctx, wall, View{Position: viewPosition}, UnknownVoxels())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Gain(UnknownVoxels()), test.ShouldEqual, 6.)

	_, err = e.Evaluate(ctx, wall, View{Position: viewPosition})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = e.Evaluate(ctx, wall, View{Position: r3.Vector{X: 3276.5}}, UnknownVoxels())
	test.That(t, errors.Is(err, occmap.ErrOutOfBounds), test.ShouldBeTrue)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Evaluate(cancelled, wall, View{Position: viewPosition}, UnknownVoxels())
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestEvaluateSpread(t *testing.T) {
	cam := Camera{HorizontalFOVDegs: 90, Width: 2, Height: 1, MaxRange: 1}
	e, err := NewEvaluator(cam, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// everything left of the view is known free so only the right ray has unknown voxels
	m, err := occmap.New(occmap.DefaultConfig(0.1), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	for x := 0; x <= 10; x++ {
		for y := 0; y <= 10; y++ {
			p := r3.Vector{X: 0.05 + 0.1*float64(x), Y: 0.05 + 0.1*float64(y), Z: 0.05}
			test.That(t, m.UpdateNode(p, false), test.ShouldBeNil)
		}
	}

	res, err := e.Evaluate(context.Background(), m, View{Position: viewPosition}, UnknownVoxels())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rays, test.ShouldEqual, 2)
	spread := res.Spread[UnknownVoxels().Name()]
	test.That(t, res.Gain(UnknownVoxels()), test.ShouldBeGreaterThan, 0.)
	test.That(t, spread.Max, test.ShouldEqual, res.Gain(UnknownVoxels()))
	test.That(t, spread.Mean, test.ShouldAlmostEqual, res.Gain(UnknownVoxels())/2)
	test.That(t, spread.StdDev, test.ShouldAlmostEqual, spread.Mean)
}

func TestBestView(t *testing.T) {
	ctx := context.Background()
	e := newTestEvaluator(t, golog.NewTestLogger(t))
	wall := newWallMap(t)

	_, _, err := e.BestView(ctx, wall, nil, UnknownVoxels())
	test.That(t, errors.Is(err, ErrNoViews), test.ShouldBeTrue)

	views := []View{
		NewViewFromYaw(viewPosition, 0),
		NewViewFromYaw(viewPosition, math.Pi),
		NewViewFromYaw(viewPosition, math.Pi/2),
	}
	idx, res, err := e.BestView(ctx, wall, views, UnknownVoxels())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldEqual, 1)
	test.That(t, res.View, test.ShouldResemble, views[1])
	test.That(t, res.Gain(UnknownVoxels()), test.ShouldEqual, 11.)

	idx, _, err = e.BestView(ctx, wall, views[:1], UnknownVoxels())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, idx, test.ShouldEqual, 0)
}

type fakeExecutor struct {
	moves []View
	fail  func(View) bool
}

func (f *fakeExecutor) MoveTo(ctx context.Context, view View) error {
	f.moves = append(f.moves, view)
	if f.fail != nil && f.fail(view) {
		return errors.New("unreachable")
	}
	return nil
}

type zeroGain struct{}

func (zeroGain) Name() string {
	return "zero"
}

func (zeroGain) Gain(voxels []RayVoxel) float64 {
	return 0
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	wall := newWallMap(t)
	front := NewViewFromYaw(viewPosition, 0)
	back := NewViewFromYaw(viewPosition, math.Pi)
	side := NewViewFromYaw(viewPosition, math.Pi/2)
	views := []View{front, back, side}
	failBack := func(v View) bool { return v.Forward().X < -0.5 }

	t.Run("drops unreachable views", func(t *testing.T) {
		logger, logs := golog.NewObservedTestLogger(t)
		e := newTestEvaluator(t, logger)
		exec := &fakeExecutor{fail: failBack}
		visited, err := e.Run(ctx, wall, exec, views, UnknownVoxels(), 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, visited, test.ShouldResemble, []View{side, front})
		test.That(t, exec.moves, test.ShouldResemble, []View{back, side, front})
		test.That(t, len(logs.FilterMessageSnippet("cannot move to view").All()), test.ShouldEqual, 1)
		test.That(t, views, test.ShouldResemble, []View{front, back, side})
	})

	t.Run("max views", func(t *testing.T) {
		e := newTestEvaluator(t, golog.NewTestLogger(t))
		visited, err := e.Run(ctx, wall, &fakeExecutor{fail: failBack}, views, UnknownVoxels(), 1)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, visited, test.ShouldResemble, []View{side})
	})

	t.Run("no gain", func(t *testing.T) {
		e := newTestEvaluator(t, golog.NewTestLogger(t))
		exec := &fakeExecutor{}
		visited, err := e.Run(ctx, wall, exec, views, zeroGain{}, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, visited, test.ShouldBeEmpty)
		test.That(t, exec.moves, test.ShouldBeEmpty)
	})

	t.Run("cancelled", func(t *testing.T) {
		e := newTestEvaluator(t, golog.NewTestLogger(t))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.Run(cancelled, wall, &fakeExecutor{}, views, UnknownVoxels(), 0)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	})
}
