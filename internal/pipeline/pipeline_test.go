package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/density-cli/internal/exclusion"
	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
	"github.com/sells-group/density-cli/internal/spatial"
)

var l93 = geometry.Lambert93

func wkt(s string) geometry.Geometry { return geometry.MustWKT(s, l93) }

const unitSquare = "POLYGON((0 0,1000 0,1000 1000,0 1000,0 0))"

func newPipeline(t *testing.T, levels ...model.Level) *Pipeline {
	t.Helper()
	p, err := New(Options{
		Frame:       l93,
		ValueField:  "M2_PL_TOT",
		Reducer:     spatial.ReducerSum,
		Concurrency: 2,
		Levels:      levels,
	})
	require.NoError(t, err)
	return p
}

func onlyRecord(t *testing.T, res *Result, l model.Level) model.DivisionRecord {
	t.Helper()
	tbl, ok := res.Table(l)
	require.True(t, ok)
	require.Len(t, tbl.Records, 1)
	return tbl.Records[0]
}

func TestNew_ConfigurationErrors(t *testing.T) {
	_, err := New(Options{ValueField: "v", Reducer: "median"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, spatial.ErrUnknownReducer))

	_, err = New(Options{Reducer: "sum"})
	assert.Error(t, err)

	_, err = New(Options{ValueField: "v", Reducer: "sum", Overlap: "centroid"})
	assert.Error(t, err)

	_, err = New(Options{ValueField: "v", Reducer: "sum", Levels: []model.Level{"block"}})
	assert.Error(t, err)

	p, err := New(Options{ValueField: "v", Reducer: "count"})
	require.NoError(t, err)
	assert.Equal(t, "v_count", p.ValueColumn())
	assert.Equal(t, l93, p.opts.Frame)
	assert.Equal(t, model.Levels(), p.opts.Levels)
}

func TestRun_RawDensityWithoutExclusions(t *testing.T) {
	p := newPipeline(t, model.LevelFine)
	res, err := p.Run(context.Background(), Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelFine: {{ID: "sq", Name: "Square", Geometry: wkt(unitSquare)}},
		},
		Features: []model.Feature{{Geometry: wkt("POINT(500 500)"), Value: model.Float(100_000)}},
	})
	require.NoError(t, err)

	r := onlyRecord(t, res, model.LevelFine)
	assert.InDelta(t, 1_000_000, r.TotalArea, 1e-6)
	assert.InDelta(t, 0.1, r.Raw.Density, 1e-12)
	assert.InDelta(t, 100_000, r.Raw.DensityReadable, 1e-6)
	assert.InDelta(t, 0.1, r.Corrected.Density, 1e-12)
	assert.InDelta(t, 100, r.Corrected.BuildablePercentage, 1e-9)
	assert.Zero(t, r.Corrected.ExcludedArea)
	assert.Equal(t, 1, r.Matched)
	assert.Equal(t, "M2_PL_TOT_sum", res.ValueColumn)
}

func TestRun_CorrectedDensity(t *testing.T) {
	p := newPipeline(t, model.LevelFine)
	res, err := p.Run(context.Background(), Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelFine: {{ID: "sq", Geometry: wkt(unitSquare)}},
		},
		Features: []model.Feature{{Geometry: wkt("POINT(800 800)"), Value: model.Float(100_000)}},
		Exclusions: map[model.Category][]exclusion.SourceLayer{
			model.CategoryWater: {{Name: "seine", Features: []model.Feature{
				{Geometry: wkt("POLYGON((100 100,500 100,500 600,100 600,100 100))")},
			}}},
			model.CategoryGreen: {{Name: "parks", Features: []model.Feature{
				{Geometry: wkt("POLYGON((600 0,1000 0,1000 250,600 250,600 0))")},
			}}},
		},
	})
	require.NoError(t, err)

	r := onlyRecord(t, res, model.LevelFine)
	assert.InDelta(t, 0.1, r.Raw.Density, 1e-12)

	assert.InDelta(t, 800_000, r.Corrected.BuildableArea, 1e-6)
	assert.InDelta(t, 80.0, r.Corrected.BuildablePercentage, 1e-9)
	assert.InDelta(t, 200_000, r.Corrected.ExcludedArea, 1e-6)
	assert.InDelta(t, 20.0, r.Corrected.ExcludedPercentage, 1e-9)
	assert.InDelta(t, 0.125, r.Corrected.Density, 1e-12)

	assert.InDelta(t, 700_000, r.Ultra.BuildableArea, 1e-6)
	assert.InDelta(t, 70.0, r.Ultra.BuildablePercentage, 1e-9)
	assert.InDelta(t, 100_000.0/700_000, r.Ultra.Density, 1e-12)
	assert.LessOrEqual(t, r.Ultra.BuildableArea, r.Corrected.BuildableArea)
}

func TestRun_NoMatchingFeatures(t *testing.T) {
	p := newPipeline(t, model.LevelCoarse)
	res, err := p.Run(context.Background(), Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelCoarse: {{ID: "sq", Geometry: wkt(unitSquare)}},
		},
		Features: []model.Feature{{Geometry: wkt("POINT(5000 5000)"), Value: model.Float(1)}},
	})
	require.NoError(t, err)

	r := onlyRecord(t, res, model.LevelCoarse)
	for _, tier := range model.Tiers() {
		assert.Zero(t, r.Tier(tier).Value, tier)
		assert.Zero(t, r.Tier(tier).Density, tier)
	}
	assert.Zero(t, r.Matched)
}

func TestRun_ZeroAreaDivision(t *testing.T) {
	p := newPipeline(t, model.LevelFine)
	res, err := p.Run(context.Background(), Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelFine: {{ID: "void", Geometry: geometry.Empty(l93)}},
		},
		Features: []model.Feature{{Geometry: wkt("POINT(1 1)"), Value: model.Float(1)}},
		Exclusions: map[model.Category][]exclusion.SourceLayer{
			model.CategoryRail: {{Name: "rail", Features: []model.Feature{{Geometry: wkt(unitSquare)}}}},
		},
	})
	require.NoError(t, err)

	r := onlyRecord(t, res, model.LevelFine)
	assert.Zero(t, r.TotalArea)
	assert.Zero(t, r.Raw.Density)
	assert.Zero(t, r.Corrected.BuildablePercentage)
	assert.Zero(t, r.Corrected.ExcludedPercentage)
	assert.Zero(t, r.Corrected.Density)
}

func TestRun_LevelsAndReprojection(t *testing.T) {
	p := newPipeline(t)

	coarse := wkt("POLYGON((645000 6855000,660000 6855000,660000 6870000,645000 6870000,645000 6855000))")
	// Same area expressed in WGS84 for the medium level.
	wgsMedium := geometry.MustWKT("POLYGON((2.34 48.85,2.36 48.85,2.36 48.86,2.34 48.86,2.34 48.85))", geometry.WGS84)

	res, err := p.Run(context.Background(), Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelCoarse: {{ID: "75", Name: "Paris", Geometry: coarse}},
			model.LevelMedium: {{ID: "75104", Name: "Paris 4e", Geometry: wgsMedium}},
		},
		Features: []model.Feature{
			{Geometry: geometry.MustWKT("POINT(2.3522 48.8566)", geometry.WGS84), Value: model.Float(250)},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Tables, 3)

	assert.Equal(t, 250.0, onlyRecord(t, res, model.LevelCoarse).Raw.Value)

	medium := onlyRecord(t, res, model.LevelMedium)
	assert.Equal(t, 250.0, medium.Raw.Value)
	assert.Equal(t, model.LevelMedium, medium.Level)
	// Area is measured in metres, not degrees.
	assert.Greater(t, medium.TotalArea, 1_000_000.0)

	fine, ok := res.Table(model.LevelFine)
	require.True(t, ok)
	assert.Empty(t, fine.Records)
}

func TestRun_Deterministic(t *testing.T) {
	in := Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelFine: {
				{ID: "a", Geometry: wkt("POLYGON((0 0,100 0,100 100,0 100,0 0))")},
				{ID: "b", Geometry: wkt("POLYGON((100 0,200 0,200 100,100 100,100 0))")},
				{ID: "c", Geometry: wkt("POLYGON((200 0,300 0,300 100,200 100,200 0))")},
			},
		},
		Features: []model.Feature{
			{Geometry: wkt("POINT(50 50)"), Value: model.Float(3)},
			{Geometry: wkt("POLYGON((90 10,210 10,210 20,90 20,90 10))"), Value: model.Float(7)},
		},
		Exclusions: map[model.Category][]exclusion.SourceLayer{
			model.CategoryWater: {{Name: "w", Features: []model.Feature{{Geometry: wkt("POLYGON((0 0,300 0,300 10,0 10,0 0))")}}}},
		},
	}

	first, err := newPipeline(t, model.LevelFine).Run(context.Background(), in)
	require.NoError(t, err)
	second, err := newPipeline(t, model.LevelFine).Run(context.Background(), in)
	require.NoError(t, err)

	a, _ := first.Table(model.LevelFine)
	b, _ := second.Table(model.LevelFine)
	assert.Equal(t, a.Rows(), b.Rows())
	assert.Equal(t, []string{"a", "b", "c"}, []string{a.Records[0].ID, a.Records[1].ID, a.Records[2].ID})
	assert.Equal(t, 10.0, a.Records[0].Raw.Value)
	assert.Equal(t, 7.0, a.Records[2].Raw.Value)
}

func TestRun_Summary(t *testing.T) {
	p := newPipeline(t, model.LevelFine)
	res, err := p.Run(context.Background(), Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelFine: {
				{ID: "a", Geometry: wkt("POLYGON((0 0,100 0,100 100,0 100,0 0))")},
				{ID: "b", Geometry: wkt("POLYGON((100 0,200 0,200 100,100 100,100 0))")},
			},
		},
		Features: []model.Feature{{Geometry: wkt("POINT(50 50)"), Value: model.Float(1000)}},
		Exclusions: map[model.Category][]exclusion.SourceLayer{
			model.CategoryGreen: {{Name: "g", Features: []model.Feature{{Geometry: geometry.Geometry{}}}}},
		},
	})
	require.NoError(t, err)

	tbl, _ := res.Table(model.LevelFine)
	s := tbl.Summary
	assert.Equal(t, 2, s.Divisions)
	assert.Equal(t, 1, s.Matched)
	assert.Equal(t, 1000.0, s.TotalValue)
	assert.Equal(t, 1, s.ExcludedFeatures)
	assert.InDelta(t, 0.05, s.MeanDensity[model.TierRaw], 1e-12)
	assert.InDelta(t, 100, s.MeanBuildablePct[model.TierUltraCorrected], 1e-9)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newPipeline(t, model.LevelFine).Run(ctx, Inputs{
		Divisions: map[model.Level][]model.Division{
			model.LevelFine: {{ID: "a", Geometry: wkt(unitSquare)}},
		},
		Features: []model.Feature{{Geometry: wkt("POINT(1 1)")}},
	})
	assert.Error(t, err)
}
