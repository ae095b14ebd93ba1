package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect the configured datasets",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("sources"); err != nil {
			return err
		}
		sources, err := catalog(cfg, geometry.NewRegistry(cfg.Frames))
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources configured.")
			return nil
		}
		formatSourcesList(os.Stdout, sources)
		return nil
	},
}

// -- sources check --

var sourcesCheckCmd = &cobra.Command{
	Use:   "check [name...]",
	Short: "Load sources and report record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("sources"); err != nil {
			return err
		}
		sources, err := catalog(cfg, geometry.NewRegistry(cfg.Frames))
		if err != nil {
			return err
		}
		repo, err := newRepository(cfg, sources)
		if err != nil {
			return err
		}

		names := args
		if len(names) == 0 {
			for _, s := range repo.Sources() {
				names = append(names, s.Name)
			}
		}

		checks := make([]sourceCheck, 0, len(names))
		failed := 0
		for _, name := range names {
			c := sourceCheck{Name: name}
			coll, err := repo.Load(ctx, name)
			if err != nil {
				c.Err = err
				failed++
			} else {
				c.Records, c.Unparsed, c.Filtered = len(coll.Records), coll.Unparsed, coll.Filtered
			}
			checks = append(checks, c)
		}
		formatSourceChecks(os.Stdout, checks)
		if failed > 0 {
			return fmt.Errorf("%d of %d sources failed to load", failed, len(checks))
		}
		return nil
	},
}

type sourceCheck struct {
	Name     string
	Records  int
	Unparsed int
	Filtered int
	Err      error
}

// formatSourcesList writes a tabular list of sources to out.
func formatSourcesList(out io.Writer, sources []source.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tROLE\tSCOPE\tFORMAT\tFRAME\tLOCATION")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t------\t-----\t--------")
	for _, s := range sources {
		scope := "-"
		switch s.Role {
		case source.RoleDivision:
			scope = string(s.Level)
		case source.RoleExclusion:
			scope = string(s.Category)
		}
		loc := s.Location
		if len(loc) > 60 {
			loc = "..." + loc[len(loc)-57:]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, s.Role, scope, s.Format, s.Frame.Code, loc)
	}
	_ = w.Flush()
}

func formatSourceChecks(out io.Writer, checks []sourceCheck) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tRECORDS\tUNPARSED\tFILTERED\tSTATUS")
	_, _ = fmt.Fprintln(w, "----\t-------\t--------\t--------\t------")
	for _, c := range checks {
		status := "ok"
		if c.Err != nil {
			status = "error: " + c.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", c.Name, c.Records, c.Unparsed, c.Filtered, status)
	}
	_ = w.Flush()
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd, sourcesCheckCmd)
	rootCmd.AddCommand(sourcesCmd)
}
