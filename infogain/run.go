package infogain

import (
	"context"

	"go.opencensus.io/trace"
)

// Executor moves the sensor to a view and integrates what it observes there into the map.
type Executor interface {
	MoveTo(ctx context.Context, view View) error
}

// Run repeatedly moves to the best remaining view until no view is left, the best gain is not
// positive or maxViews views were visited. maxViews <= 0 means no limit. Views the executor
// fails to reach are dropped. It returns the visited views in order.
func (e *Evaluator) Run(ctx context.Context, m OccupancyMap, exec Executor, views []View, metric Metric, maxViews int) ([]View, error) {
	ctx, span := trace.StartSpan(ctx, "infogain::Run")
	defer span.End()

	remaining := append([]View(nil), views...)
	var visited []View
	for len(remaining) > 0 && (maxViews <= 0 || len(visited) < maxViews) {
		if err := ctx.Err(); err != nil {
			return visited, err
		}
		idx, res, err := e.BestView(ctx, m, remaining, metric)
		if err != nil {
			return visited, err
		}
		if res.Gain(metric) <= 0 {
			e.logger.Debugw("no view left with positive gain", "remaining", len(remaining))
			break
		}
		view := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if err := exec.MoveTo(ctx, view); err != nil {
			if ctx.Err() != nil {
				return visited, ctx.Err()
			}
			e.logger.Warnw("cannot move to view, dropping it", "position", view.Position, "error", err)
			continue
		}
		visited = append(visited, view)
		e.logger.Infow("visited view", "position", view.Position, metric.Name(), res.Gain(metric))
	}
	return visited, nil
}
