package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/density-cli/internal/config"
	"github.com/sells-group/density-cli/internal/export"
	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
	"github.com/sells-group/density-cli/internal/pipeline"
	"github.com/sells-group/density-cli/internal/store"
)

var (
	runLevels  []string
	runOut     string
	runFormats []string
	runNoStore bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute building density for every configured level",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if len(runLevels) > 0 {
			cfg.Pipeline.Levels = runLevels
		}
		if runOut != "" {
			cfg.Export.Dir = runOut
		}
		if len(runFormats) > 0 {
			cfg.Export.Formats = runFormats
		}
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		var st store.Store
		if !runNoStore {
			var err error
			st, err = initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
		}

		out, err := executeRun(ctx, cfg, st)
		if err != nil {
			return err
		}

		formatSummaries(os.Stdout, out.Result.Tables)
		if out.RunID != "" {
			fmt.Fprintf(os.Stderr, "run %s stored\n", out.RunID)
		}
		fmt.Fprintf(os.Stderr, "results written to %s\n", cfg.Export.Dir)
		return nil
	},
}

// runOutcome is what one density run produced.
type runOutcome struct {
	RunID    string
	Result   *pipeline.Result
	Manifest *export.Manifest
}

// executeRun loads every source, runs the pipeline and exports the tables.
// When st is non-nil the run and its level tables are stored, and a failed
// run is recorded as failed.
func executeRun(ctx context.Context, c *config.Config, st store.Store) (*runOutcome, error) {
	log := zap.L().With(zap.String("component", "run"))

	formats, err := export.ParseFormats(c.Export.Formats)
	if err != nil {
		return nil, err
	}
	reg := geometry.NewRegistry(c.Frames)
	sources, err := catalog(c, reg)
	if err != nil {
		return nil, err
	}
	repo, err := newRepository(c, sources)
	if err != nil {
		return nil, err
	}
	opts, err := pipelineOptions(c, reg)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(opts)
	if err != nil {
		return nil, err
	}

	out := &runOutcome{}
	if st != nil {
		names := make([]string, len(sources))
		for i, s := range sources {
			names[i] = s.Name
		}
		run, err := st.CreateRun(ctx, model.RunSpec{
			Frame:       opts.Frame.Code,
			ValueColumn: p.ValueColumn(),
			Reducer:     string(opts.Reducer),
			Overlap:     string(opts.Overlap),
			Levels:      opts.Levels,
			Sources:     names,
		})
		if err != nil {
			return nil, eris.Wrap(err, "create run")
		}
		out.RunID = run.ID
		log = log.With(zap.String("run_id", run.ID))
	}

	res, err := computeAndStore(ctx, p, repo, opts.Levels, st, out.RunID)
	if st != nil {
		// The run record must reflect the outcome even when ctx is done.
		if ferr := st.FinishRun(context.WithoutCancel(ctx), out.RunID, err); ferr != nil {
			log.Error("failed to finish run", zap.Error(ferr))
		}
	}
	if err != nil {
		return nil, err
	}
	out.Result = res

	out.Manifest, err = export.Write(res, export.Options{
		Dir:     c.Export.Dir,
		Formats: formats,
		RunID:   out.RunID,
	})
	if err != nil {
		return nil, err
	}

	log.Info("run complete",
		zap.Int("levels", len(res.Tables)),
		zap.Duration("duration", res.Duration),
	)
	return out, nil
}

func computeAndStore(ctx context.Context, p *pipeline.Pipeline, repo sourceLoader, levels []model.Level, st store.Store, runID string) (*pipeline.Result, error) {
	in, err := loadInputs(ctx, repo, levels)
	if err != nil {
		return nil, err
	}
	res, err := p.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return res, nil
	}
	for i := range res.Tables {
		if err := st.SaveLevel(ctx, runID, &res.Tables[i]); err != nil {
			return nil, eris.Wrapf(err, "save level %s", res.Tables[i].Level)
		}
	}
	return res, nil
}

// formatSummaries writes one line per level and tier.
func formatSummaries(out io.Writer, tables []model.Table) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LEVEL\tDIVISIONS\tMATCHED\tDEGRADED\tTIER\tMEAN_DENSITY\tMEAN_BUILDABLE_%")
	_, _ = fmt.Fprintln(w, "-----\t---------\t-------\t--------\t----\t------------\t----------------")
	for _, t := range tables {
		s := t.Summary
		for _, tier := range model.Tiers() {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%.4f\t%.1f\n",
				s.Level, s.Divisions, s.Matched, s.Degraded, tier,
				s.MeanDensity[tier], s.MeanBuildablePct[tier],
			)
		}
	}
	_ = w.Flush()
}

func init() {
	runCmd.Flags().StringSliceVar(&runLevels, "levels", nil, "levels to compute (coarse, medium, fine)")
	runCmd.Flags().StringVar(&runOut, "out", "", "output directory (overrides export.dir)")
	runCmd.Flags().StringSliceVar(&runFormats, "format", nil, "export formats (csv, xlsx)")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "skip persisting the run")
	rootCmd.AddCommand(runCmd)
}
