// Package pipeline runs the density engine end to end: it normalizes
// inputs, builds exclusion tiers, joins and aggregates features per
// division, computes buildable areas and densities, and assembles one wide
// table per level.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/density-cli/internal/buildable"
	"github.com/sells-group/density-cli/internal/density"
	"github.com/sells-group/density-cli/internal/exclusion"
	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
	"github.com/sells-group/density-cli/internal/spatial"
)

// Inputs are the loaded datasets of one run. They are never modified.
type Inputs struct {
	Divisions  map[model.Level][]model.Division
	Features   []model.Feature
	Exclusions map[model.Category][]exclusion.SourceLayer
}

// Options configures a Pipeline.
type Options struct {
	Frame       geometry.Frame
	ValueField  string
	Reducer     spatial.Reducer
	Overlap     spatial.OverlapPolicy
	Concurrency int
	Levels      []model.Level
}

// Result holds every level's table plus the exclusion tiers used.
type Result struct {
	Frame       geometry.Frame
	ValueColumn string
	Tables      []model.Table
	Exclusion   exclusion.TierSet
	Duration    time.Duration
}

// Table returns the table of level l.
func (r *Result) Table(l model.Level) (model.Table, bool) {
	for _, t := range r.Tables {
		if t.Level == l {
			return t, true
		}
	}
	return model.Table{}, false
}

// Pipeline is a configured density run.
type Pipeline struct {
	norm *geometry.Normalizer
	opts Options
}

// New validates opts and returns a Pipeline. Configuration errors surface
// here, before any computation.
func New(opts Options) (*Pipeline, error) {
	if opts.Frame.IsZero() {
		opts.Frame = geometry.Lambert93
	}
	if opts.ValueField == "" {
		return nil, eris.New("pipeline: value field is required")
	}
	r, err := spatial.ParseReducer(string(opts.Reducer))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: reducer")
	}
	opts.Reducer = r
	o, err := spatial.ParseOverlapPolicy(string(opts.Overlap))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: overlap policy")
	}
	opts.Overlap = o
	if len(opts.Levels) == 0 {
		opts.Levels = model.Levels()
	}
	for _, l := range opts.Levels {
		if _, err := model.ParseLevel(string(l)); err != nil {
			return nil, eris.Wrap(err, "pipeline: levels")
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Pipeline{norm: geometry.NewNormalizer(), opts: opts}, nil
}

// ValueColumn is the aggregated column name, e.g. M2_PL_TOT_sum.
func (p *Pipeline) ValueColumn() string {
	return spatial.ColumnName(p.opts.ValueField, p.opts.Reducer)
}

// Run computes every configured level. Levels run concurrently and share
// the normalized features and exclusion tiers.
func (p *Pipeline) Run(ctx context.Context, in Inputs) (*Result, error) {
	log := zap.L().With(zap.String("component", "pipeline"))
	start := time.Now()

	features := p.normalizeFeatures(in.Features)
	tiers := exclusion.NewBuilder(p.norm, p.opts.Frame).Build(in.Exclusions)

	res := &Result{
		Frame:       p.opts.Frame,
		ValueColumn: p.ValueColumn(),
		Tables:      make([]model.Table, len(p.opts.Levels)),
		Exclusion:   tiers,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, level := range p.opts.Levels {
		g.Go(func() error {
			divs := p.normalizeDivisions(level, in.Divisions[level])
			tbl, err := p.RunLevel(gctx, level, divs, features, tiers)
			if err != nil {
				return eris.Wrapf(err, "pipeline: level %s", level)
			}
			res.Tables[i] = tbl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	log.Info("pipeline: run complete",
		zap.Int("levels", len(res.Tables)),
		zap.Int("features", len(features)),
		zap.Duration("elapsed", res.Duration),
	)
	return res, nil
}

// RunLevel computes the wide table of one level. divisions and features
// must already be in the working frame; tiers supplies the exclusion
// geometry of each tier.
func (p *Pipeline) RunLevel(ctx context.Context, level model.Level, divisions []model.Division, features []model.Feature, tiers exclusion.TierSet) (model.Table, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("level", string(level)))

	column := p.ValueColumn()
	tbl := model.Table{Level: level, ValueColumn: column}

	// The join always uses the original division boundaries, so the
	// aggregate is shared by every tier.
	pairs, err := spatial.NewJoiner(p.norm, p.opts.Frame, p.opts.Overlap).Join(ctx, features, divisions)
	if err != nil {
		return tbl, err
	}
	agg, err := spatial.Aggregate(pairs, features, p.opts.ValueField, p.opts.Reducer)
	if err != nil {
		return tbl, err
	}
	merged := spatial.MergeBack(divisions, column, agg)

	computer := buildable.NewComputer(p.norm, p.opts.Frame, buildable.Options{Concurrency: p.opts.Concurrency})
	corrected := map[model.Tier][]model.BuildableDivision{}
	for _, tier := range []model.Tier{model.TierCorrected, model.TierUltraCorrected} {
		b, err := computer.Compute(ctx, divisions, tiers.For(tier))
		if err != nil {
			return tbl, err
		}
		corrected[tier] = b
	}

	tbl.Records = make([]model.DivisionRecord, len(divisions))
	for i, d := range divisions {
		rec := model.DivisionRecord{
			ID:        d.ID,
			Name:      d.Name,
			Level:     level,
			TotalArea: d.TotalArea,
			Matched:   merged[i].Matched,
		}
		value := merged[i].Value
		for _, tier := range model.Tiers() {
			m := model.TierMetrics{Value: value}
			buildableArea := d.TotalArea
			if tier.Corrects() {
				b := corrected[tier][i]
				buildableArea = b.BuildableArea
				m.BuildableArea = b.BuildableArea
				m.BuildablePercentage = b.BuildablePercentage
				m.ExcludedArea = d.TotalArea - b.BuildableArea
				m.ExcludedPercentage = excludedPercentage(d.TotalArea, b.BuildablePercentage)
				m.Degraded = b.Degraded
			} else {
				m.BuildableArea = d.TotalArea
				m.BuildablePercentage = buildable.Percentage(d.TotalArea, d.TotalArea)
			}
			dr := density.ForTier(d.ID, tier, value, d.TotalArea, buildableArea)
			m.Density = dr.Density
			m.DensityReadable = dr.Readable
			rec.SetTier(tier, m)
		}
		tbl.Records[i] = rec
	}

	tbl.Summary = summarize(level, tbl.Records)
	tbl.Summary.DroppedExclusionOps = tiers.Failed
	for _, l := range tiers.Layers() {
		tbl.Summary.ExcludedFeatures += l.Discarded
		tbl.Summary.DroppedExclusionOps += l.Failed
	}

	log.Info("pipeline: level complete",
		zap.Int("divisions", tbl.Summary.Divisions),
		zap.Int("pairs", len(pairs)),
		zap.Int("degraded", tbl.Summary.Degraded),
		zap.Float64("mean_density_raw", tbl.Summary.MeanDensity[model.TierRaw]),
	)
	return tbl, nil
}

// excludedPercentage is 100 − buildable%, or 0 for a zero-area division.
func excludedPercentage(total, buildablePct float64) float64 {
	if total <= 0 {
		return 0
	}
	return buildable.Percentage(100-buildablePct, 100)
}

func (p *Pipeline) normalizeFeatures(features []model.Feature) []model.Feature {
	gs := make([]geometry.Geometry, len(features))
	for i, f := range features {
		gs[i] = f.Geometry
	}
	norm, failed := p.norm.NormalizeAll(p.opts.Frame, gs)
	if failed > 0 {
		zap.L().Warn("pipeline: features dropped by reprojection", zap.Int("count", failed))
	}
	out := make([]model.Feature, len(features))
	for i, f := range features {
		out[i] = model.Feature{Geometry: norm[i], Value: f.Value}
	}
	return out
}

// normalizeDivisions reprojects divisions and recomputes their total area
// in the working frame.
func (p *Pipeline) normalizeDivisions(level model.Level, divisions []model.Division) []model.Division {
	gs := make([]geometry.Geometry, len(divisions))
	for i, d := range divisions {
		gs[i] = d.Geometry
	}
	norm, failed := p.norm.NormalizeAll(p.opts.Frame, gs)
	if failed > 0 {
		zap.L().Warn("pipeline: divisions lost their geometry during reprojection",
			zap.String("level", string(level)), zap.Int("count", failed))
	}
	out := make([]model.Division, len(divisions))
	for i, d := range divisions {
		out[i] = model.NewDivision(d.ID, d.Name, level, norm[i])
	}
	return out
}

func summarize(level model.Level, records []model.DivisionRecord) model.Summary {
	s := model.Summary{
		Level:            level,
		Divisions:        len(records),
		MeanDensity:      map[model.Tier]float64{},
		MeanBuildablePct: map[model.Tier]float64{},
	}
	if len(records) == 0 {
		return s
	}
	for _, tier := range model.Tiers() {
		dens := make([]float64, len(records))
		pct := make([]float64, len(records))
		for i, r := range records {
			m := r.Tier(tier)
			dens[i] = m.Density
			pct[i] = m.BuildablePercentage
		}
		s.MeanDensity[tier] = stat.Mean(dens, nil)
		s.MeanBuildablePct[tier] = stat.Mean(pct, nil)
	}
	for _, r := range records {
		if r.Matched > 0 {
			s.Matched++
		}
		if r.Corrected.Degraded || r.Ultra.Degraded {
			s.Degraded++
		}
		s.TotalValue += r.Raw.Value
	}
	return s
}
