package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/density-cli/internal/config"
	"github.com/sells-group/density-cli/internal/exclusion"
	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
	"github.com/sells-group/density-cli/internal/source"
	"github.com/sells-group/density-cli/internal/spatial"
	"github.com/sells-group/density-cli/internal/store"
)

func TestSourceFromConfig(t *testing.T) {
	reg := geometry.NewRegistry(map[string]string{"EPSG:27572": "+proj=lcc +units=m +no_defs"})

	tests := []struct {
		name    string
		sc      config.SourceConfig
		wantErr string
		check   func(t *testing.T, s source.Source)
	}{
		{
			name: "division",
			sc: config.SourceConfig{
				Role: "division", Level: "Fine", Location: "iris.csv", Format: "csv", Frame: "epsg:2154",
				Delimiter: ";", GeometryField: "geo_shape", IDField: "CODE_IRIS", NameField: "NOM_IRIS",
			},
			check: func(t *testing.T, s source.Source) {
				assert.Equal(t, source.RoleDivision, s.Role)
				assert.Equal(t, model.LevelFine, s.Level)
				assert.Equal(t, geometry.Lambert93, s.Frame)
				assert.Equal(t, ';', s.Schema.Delimiter)
				assert.Equal(t, "CODE_IRIS", s.Schema.ID)
			},
		},
		{
			name: "exclusion with extra frame",
			sc: config.SourceConfig{
				Role: "exclusion", Category: "water", Location: "seine.geojson", Format: "geojson", Frame: "EPSG:27572",
				GeometryField: "geometry",
			},
			check: func(t *testing.T, s source.Source) {
				assert.Equal(t, model.CategoryWater, s.Category)
				assert.Equal(t, "EPSG:27572", s.Frame.Code)
				assert.Zero(t, s.Schema.Delimiter)
			},
		},
		{
			name:    "unknown role",
			sc:      config.SourceConfig{Role: "roads", Location: "x.csv", Format: "csv", Frame: "EPSG:2154"},
			wantErr: "roads",
		},
		{
			name:    "unknown frame",
			sc:      config.SourceConfig{Role: "buildings", Location: "x.csv", Format: "csv", Frame: "EPSG:9999", GeometryField: "g", ValueField: "v"},
			wantErr: "EPSG:9999",
		},
		{
			name:    "unknown level",
			sc:      config.SourceConfig{Role: "division", Level: "street", Location: "x.csv", Format: "csv", Frame: "EPSG:2154", GeometryField: "g", IDField: "id"},
			wantErr: "street",
		},
		{
			name:    "buildings without value field",
			sc:      config.SourceConfig{Role: "buildings", Location: "x.csv", Format: "csv", Frame: "EPSG:2154", GeometryField: "g"},
			wantErr: "value_field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := sourceFromConfig("src", tt.sc, reg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "src", s.Name)
			tt.check(t, s)
		})
	}
}

func TestCatalog_ReportsEveryInvalidSource(t *testing.T) {
	c := &config.Config{Sources: map[string]config.SourceConfig{
		"a": {Role: "nope", Location: "a.csv", Format: "csv", Frame: "EPSG:2154"},
		"b": {Role: "buildings", Location: "b.csv", Format: "csv", Frame: "EPSG:1"},
		"c": {Role: "buildings", Location: "c.csv", Format: "csv", Frame: "EPSG:2154", GeometryField: "g", ValueField: "v"},
	}}
	_, err := catalog(c, geometry.NewRegistry(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 invalid")
	assert.Contains(t, err.Error(), `"a"`)
	assert.Contains(t, err.Error(), `"b"`)
}

func TestPipelineOptions(t *testing.T) {
	c := &config.Config{Pipeline: config.PipelineConfig{
		WorkingFrame:  "EPSG:2154",
		ValueField:    "M2_PL_TOT",
		Reducer:       "mean",
		OverlapPolicy: "area_weighted",
		Concurrency:   2,
		Levels:        []string{"fine", "coarse"},
	}}
	opts, err := pipelineOptions(c, geometry.NewRegistry(nil))
	require.NoError(t, err)
	assert.Equal(t, geometry.Lambert93, opts.Frame)
	assert.Equal(t, spatial.ReducerMean, opts.Reducer)
	assert.Equal(t, spatial.OverlapAreaWeighted, opts.Overlap)
	assert.Equal(t, []model.Level{model.LevelFine, model.LevelCoarse}, opts.Levels)
	assert.Equal(t, 2, opts.Concurrency)

	c.Pipeline.Reducer = "median"
	_, err = pipelineOptions(c, geometry.NewRegistry(nil))
	assert.Error(t, err)
}

type fakeLoader struct {
	sources []source.Source
	colls   map[string]*source.Collection
	loaded  []string
}

func (f *fakeLoader) Sources() []source.Source { return f.sources }

func (f *fakeLoader) Load(_ context.Context, name string) (*source.Collection, error) {
	f.loaded = append(f.loaded, name)
	c, ok := f.colls[name]
	if !ok {
		return nil, source.ErrUnknownSource
	}
	return c, nil
}

func TestLoadInputs(t *testing.T) {
	l93 := geometry.Lambert93
	square := geometry.MustWKT("POLYGON((0 0,10 0,10 10,0 10,0 0))", l93)
	point := geometry.MustWKT("POINT(5 5)", l93)

	fine := source.Source{Name: "iris", Role: source.RoleDivision, Level: model.LevelFine}
	coarse := source.Source{Name: "arrondissements", Role: source.RoleDivision, Level: model.LevelCoarse}
	bdnb := source.Source{Name: "bdnb", Role: source.RoleBuildings}
	seine := source.Source{Name: "seine", Role: source.RoleExclusion, Category: model.CategoryWater}

	loader := &fakeLoader{
		sources: []source.Source{coarse, bdnb, fine, seine},
		colls: map[string]*source.Collection{
			"iris":  {Source: fine, Records: []source.Record{{ID: "751010101", Geometry: square}}},
			"bdnb":  {Source: bdnb, Records: []source.Record{{Geometry: point, Value: model.Float(12)}}},
			"seine": {Source: seine, Records: []source.Record{{Geometry: square}}},
		},
	}

	in, err := loadInputs(context.Background(), loader, []model.Level{model.LevelFine})
	require.NoError(t, err)
	assert.NotContains(t, loader.loaded, "arrondissements")
	require.Len(t, in.Divisions[model.LevelFine], 1)
	assert.Equal(t, "751010101", in.Divisions[model.LevelFine][0].ID)
	assert.Empty(t, in.Divisions[model.LevelCoarse])
	require.Len(t, in.Features, 1)
	assert.InDelta(t, 12, *in.Features[0].Value, 1e-9)
	require.Len(t, in.Exclusions[model.CategoryWater], 1)
	assert.IsType(t, exclusion.SourceLayer{}, in.Exclusions[model.CategoryWater][0])

	loader.sources = append(loader.sources, source.Source{Name: "missing", Role: source.RoleBuildings})
	_, err = loadInputs(context.Background(), loader, []model.Level{model.LevelFine})
	assert.Error(t, err)
}

const divisionsGeoJSON = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"CODE_IRIS":"751041601","NOM_IRIS":"Saint-Merri 1"},
  "geometry":{"type":"Polygon","coordinates":[[[0,0],[1000,0],[1000,1000],[0,1000],[0,0]]]}},
 {"type":"Feature","properties":{"CODE_IRIS":"751041602","NOM_IRIS":"Saint-Merri 2"},
  "geometry":{"type":"Polygon","coordinates":[[[1000,0],[2000,0],[2000,1000],[1000,1000],[1000,0]]]}}
]}`

const waterGeoJSON = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{},
  "geometry":{"type":"Polygon","coordinates":[[[0,0],[200,0],[200,1000],[0,1000],[0,0]]]}}
]}`

const buildingsCSV = `geometry,M2_PL_TOT
POINT (500 500),100000
POINT (1500 500),30000
POINT (9000 9000),7
`

// runConfig writes a small dataset to dir and returns a config using it.
func runConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "density.db")},
		Fetch: config.FetchConfig{TimeoutSecs: 5, TempDir: dir},
		Pipeline: config.PipelineConfig{
			WorkingFrame:  "EPSG:2154",
			ValueField:    "M2_PL_TOT",
			Reducer:       "sum",
			OverlapPolicy: "full",
			Concurrency:   2,
			Levels:        []string{"fine"},
		},
		Export: config.ExportConfig{Dir: filepath.Join(dir, "out"), Formats: []string{"csv"}},
		Sources: map[string]config.SourceConfig{
			"iris": {
				Role: "division", Level: "fine", Format: "geojson", Frame: "EPSG:2154",
				Location: write("iris.geojson", divisionsGeoJSON), GeometryField: "geometry",
				IDField: "CODE_IRIS", NameField: "NOM_IRIS",
			},
			"bdnb": {
				Role: "buildings", Format: "csv", Frame: "EPSG:2154",
				Location: write("bdnb.csv", buildingsCSV), GeometryField: "geometry", ValueField: "M2_PL_TOT",
			},
			"seine": {
				Role: "exclusion", Category: "water", Format: "geojson", Frame: "EPSG:2154",
				Location: write("seine.geojson", waterGeoJSON), GeometryField: "geometry",
			},
		},
	}
}

func TestExecuteRun(t *testing.T) {
	dir := t.TempDir()
	cfg = runConfig(t, dir)
	require.NoError(t, cfg.Validate("run"))

	ctx := context.Background()
	st, err := initStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	out, err := executeRun(ctx, cfg, st)
	require.NoError(t, err)
	require.NotEmpty(t, out.RunID)

	tbl, ok := out.Result.Table(model.LevelFine)
	require.True(t, ok)
	require.Len(t, tbl.Records, 2)
	a := tbl.Records[0]
	assert.Equal(t, "751041601", a.ID)
	assert.InDelta(t, 100000, a.Raw.Value, 1e-6)
	assert.InDelta(t, 800000, a.Corrected.BuildableArea, 1e-3)
	assert.InDelta(t, 80, a.Corrected.BuildablePercentage, 1e-9)
	assert.InDelta(t, 30000, tbl.Records[1].Raw.Value, 1e-6)

	assert.FileExists(t, filepath.Join(dir, "out", "density_fine.csv"))
	assert.FileExists(t, filepath.Join(dir, "out", "manifest.yaml"))
	assert.Equal(t, out.RunID, out.Manifest.RunID)

	run, err := st.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, "M2_PL_TOT_sum", run.Spec.ValueColumn)
	assert.Equal(t, []string{"bdnb", "iris", "seine"}, run.Spec.Sources)
	require.Len(t, run.Summaries, 1)
	assert.Equal(t, 2, run.Summaries[0].Divisions)

	stored, err := st.GetLevel(ctx, out.RunID, model.LevelFine)
	require.NoError(t, err)
	assert.Len(t, stored.Records, 2)
}

func TestExecuteRun_RecordsFailure(t *testing.T) {
	dir := t.TempDir()
	cfg = runConfig(t, dir)
	src := cfg.Sources["bdnb"]
	src.Location = filepath.Join(dir, "absent.csv")
	cfg.Sources["bdnb"] = src

	ctx := context.Background()
	st, err := initStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = executeRun(ctx, cfg, st)
	require.Error(t, err)

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "absent.csv")
	assert.NoFileExists(t, filepath.Join(dir, "out", "manifest.yaml"))
}

func TestExecuteRun_WithoutStore(t *testing.T) {
	dir := t.TempDir()
	c := runConfig(t, dir)

	out, err := executeRun(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Empty(t, out.RunID)
	assert.Empty(t, out.Manifest.RunID)
	assert.FileExists(t, filepath.Join(dir, "out", "density_fine.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "density.db"))
}
