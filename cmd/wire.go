package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/density-cli/internal/config"
	"github.com/sells-group/density-cli/internal/exclusion"
	"github.com/sells-group/density-cli/internal/fetcher"
	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
	"github.com/sells-group/density-cli/internal/pipeline"
	"github.com/sells-group/density-cli/internal/source"
	"github.com/sells-group/density-cli/internal/spatial"
)

// catalog converts the configured sources. Every problem is reported.
func catalog(c *config.Config, reg *geometry.Registry) ([]source.Source, error) {
	var (
		out  []source.Source
		errs []string
	)
	for _, name := range c.SourceNames() {
		s, err := sourceFromConfig(name, c.Sources[name], reg)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, eris.Errorf("sources: %d invalid:\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return out, nil
}

func sourceFromConfig(name string, sc config.SourceConfig, reg *geometry.Registry) (source.Source, error) {
	s := source.Source{
		Name:     name,
		Location: sc.Location,
		Schema: source.Schema{
			Geometry:     sc.GeometryField,
			Value:        sc.ValueField,
			ID:           sc.IDField,
			Name:         sc.NameField,
			FilterField:  sc.FilterField,
			FilterPrefix: sc.FilterPrefix,
			Encoding:     sc.Encoding,
			Sheet:        sc.Sheet,
		},
	}
	var err error
	if s.Role, err = source.ParseRole(sc.Role); err != nil {
		return s, eris.Wrapf(err, "source %q", name)
	}
	if s.Format, err = source.ParseFormat(sc.Format); err != nil {
		return s, eris.Wrapf(err, "source %q", name)
	}
	if s.Frame, err = reg.Lookup(sc.Frame); err != nil {
		return s, eris.Wrapf(err, "source %q", name)
	}
	switch s.Role {
	case source.RoleDivision:
		if s.Level, err = model.ParseLevel(sc.Level); err != nil {
			return s, eris.Wrapf(err, "source %q", name)
		}
	case source.RoleExclusion:
		if s.Category, err = model.ParseCategory(sc.Category); err != nil {
			return s, eris.Wrapf(err, "source %q", name)
		}
	}
	if r := []rune(sc.Delimiter); len(r) == 1 {
		s.Schema.Delimiter = r[0]
	}
	return s, s.Validate()
}

func newRepository(c *config.Config, sources []source.Source) (*source.Repository, error) {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   c.Fetch.UserAgent,
		Timeout:     time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:  c.Fetch.MaxRetries,
		RatePerHost: c.Fetch.RatePerHost,
	})
	return source.NewRepository(f, c.Fetch.TempDir, sources)
}

// pipelineOptions builds pipeline options from configuration.
func pipelineOptions(c *config.Config, reg *geometry.Registry) (pipeline.Options, error) {
	var opts pipeline.Options
	var err error
	if opts.Frame, err = reg.Lookup(c.Pipeline.WorkingFrame); err != nil {
		return opts, eris.Wrap(err, "pipeline.working_frame")
	}
	if opts.Reducer, err = spatial.ParseReducer(c.Pipeline.Reducer); err != nil {
		return opts, err
	}
	if opts.Overlap, err = spatial.ParseOverlapPolicy(c.Pipeline.OverlapPolicy); err != nil {
		return opts, err
	}
	for _, l := range c.Pipeline.Levels {
		lvl, err := model.ParseLevel(l)
		if err != nil {
			return opts, err
		}
		opts.Levels = append(opts.Levels, lvl)
	}
	opts.ValueField = c.Pipeline.ValueField
	opts.Concurrency = c.Pipeline.Concurrency
	return opts, nil
}

// sourceLoader is the part of source.Repository a run needs.
type sourceLoader interface {
	Sources() []source.Source
	Load(ctx context.Context, name string) (*source.Collection, error)
}

// loadInputs loads every source the run needs concurrently. Division
// sources of levels outside levels are skipped. Collections are combined in
// source name order regardless of which load finishes first.
func loadInputs(ctx context.Context, repo sourceLoader, levels []model.Level) (pipeline.Inputs, error) {
	in := pipeline.Inputs{
		Divisions:  map[model.Level][]model.Division{},
		Exclusions: map[model.Category][]exclusion.SourceLayer{},
	}
	wanted := map[model.Level]bool{}
	for _, l := range levels {
		wanted[l] = true
	}

	var needed []source.Source
	for _, src := range repo.Sources() {
		if src.Role == source.RoleDivision && !wanted[src.Level] {
			continue
		}
		needed = append(needed, src)
	}

	colls := make([]*source.Collection, len(needed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, src := range needed {
		g.Go(func() error {
			coll, err := repo.Load(gctx, src.Name)
			if err != nil {
				return err
			}
			colls[i] = coll
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return in, err
	}

	for i, src := range needed {
		switch src.Role {
		case source.RoleBuildings:
			in.Features = append(in.Features, colls[i].Features()...)
		case source.RoleDivision:
			in.Divisions[src.Level] = append(in.Divisions[src.Level], colls[i].Divisions()...)
		case source.RoleExclusion:
			in.Exclusions[src.Category] = append(in.Exclusions[src.Category], colls[i].Layer())
		}
	}
	zap.L().Info("sources loaded",
		zap.Int("sources", len(needed)),
		zap.Int("features", len(in.Features)),
		zap.Int("division_levels", len(in.Divisions)),
		zap.Int("exclusion_categories", len(in.Exclusions)),
	)
	return in, nil
}

const loadConcurrency = 4
