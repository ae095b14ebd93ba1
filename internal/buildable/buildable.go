// Package buildable subtracts exclusion geometry from divisions to obtain
// the land that can carry buildings.
package buildable

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
)

// Options tunes a Computer.
type Options struct {
	// Concurrency bounds the number of divisions processed at once.
	Concurrency int
}

// Computer computes buildable geometries in a working frame.
type Computer struct {
	norm  *geometry.Normalizer
	frame geometry.Frame
	opts  Options
	diff  func(a, b geometry.Geometry) (geometry.Geometry, error)
}

// NewComputer returns a Computer working in frame.
func NewComputer(norm *geometry.Normalizer, frame geometry.Frame, opts Options) *Computer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Computer{norm: norm, frame: frame, opts: opts, diff: geometry.Difference}
}

// Compute returns one BuildableDivision per division, in input order.
// A division whose difference fails falls back to its own geometry and is
// marked degraded; no other division is affected.
func (c *Computer) Compute(ctx context.Context, divisions []model.Division, exclusion geometry.Geometry) ([]model.BuildableDivision, error) {
	log := zap.L().With(zap.String("component", "buildable"))

	excl := c.norm.Ensure(c.frame, exclusion)[0]
	out := make([]model.BuildableDivision, len(divisions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i := range divisions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return eris.Wrap(err, "buildable: cancelled")
			}
			out[i] = c.one(divisions[i], excl)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	degraded := 0
	for _, b := range out {
		if b.Degraded {
			degraded++
		}
	}
	log.Info("buildable: computed",
		zap.Int("divisions", len(divisions)),
		zap.Int("degraded", degraded),
		zap.Float64("exclusion_area_m2", excl.Area()),
	)
	return out, nil
}

func (c *Computer) one(d model.Division, exclusion geometry.Geometry) model.BuildableDivision {
	div := c.norm.Ensure(c.frame, d.Geometry)[0]
	res := model.BuildableDivision{DivisionID: d.ID, Geometry: div}

	switch {
	case div.IsAbsent():
		res.Degraded = true
	case exclusion.IsEmpty():
		// nothing to subtract
	default:
		diff, err := c.diff(div, exclusion)
		if err != nil {
			zap.L().Warn("buildable: difference failed, using division geometry",
				zap.String("division", d.ID), zap.Error(err))
			res.Degraded = true
		} else {
			res.Geometry = diff
		}
	}

	res.BuildableArea = Clamp(res.Geometry.Area(), d.TotalArea)
	res.BuildablePercentage = Percentage(res.BuildableArea, d.TotalArea)
	return res
}

// Clamp bounds area to [0, total].
func Clamp(area, total float64) float64 {
	if math.IsNaN(area) || area < 0 {
		return 0
	}
	if total < 0 {
		total = 0
	}
	return math.Min(area, total)
}

// Percentage is 100·part/total rounded to one decimal place, or 0 when
// total is not positive.
func Percentage(part, total float64) float64 {
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return 0
	}
	return math.Round(part/total*1000) / 10
}
