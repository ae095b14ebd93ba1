// Package export writes level result tables to CSV and XLSX files and
// records each export in a YAML manifest.
package export

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/density-cli/internal/model"
	"github.com/sells-group/density-cli/internal/pipeline"
)

// Format is an export file format.
type Format string

// Export formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormats validates a list of format names. Duplicates collapse.
func ParseFormats(names []string) ([]Format, error) {
	seen := map[Format]bool{}
	var out []Format
	for _, n := range names {
		f := Format(strings.ToLower(strings.TrimSpace(n)))
		switch f {
		case FormatCSV, FormatXLSX:
		default:
			return nil, eris.Errorf("export: unknown format %q", n)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// Options configures an export.
type Options struct {
	Dir     string
	Formats []Format
	// RunID is recorded in the manifest when the run was stored.
	RunID string
}

// Write exports every table of res to opts.Dir and writes manifest.yaml
// beside them. The returned manifest lists the files written.
func Write(res *pipeline.Result, opts Options) (*Manifest, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create %s", opts.Dir)
	}
	log := zap.L().With(zap.String("component", "export"))

	m := newManifest(res, opts.RunID)
	for i := range res.Tables {
		t := res.Tables[i]
		entry := m.level(t.Level)
		for _, f := range opts.Formats {
			if f != FormatCSV {
				continue
			}
			path := filepath.Join(opts.Dir, CSVFileName(t.Level))
			if err := WriteCSVFile(path, t); err != nil {
				return nil, err
			}
			entry.Files = append(entry.Files, filepath.Base(path))
		}
	}

	for _, f := range opts.Formats {
		if f != FormatXLSX {
			continue
		}
		path := filepath.Join(opts.Dir, WorkbookFileName)
		if err := WriteXLSXFile(path, res.Tables); err != nil {
			return nil, err
		}
		for i := range m.Levels {
			m.Levels[i].Files = append(m.Levels[i].Files, WorkbookFileName+"#"+SheetName(m.Levels[i].Level))
		}
	}

	path := filepath.Join(opts.Dir, ManifestFileName)
	if err := WriteManifestFile(path, m); err != nil {
		return nil, err
	}
	log.Info("export: wrote results",
		zap.String("dir", opts.Dir),
		zap.Int("levels", len(res.Tables)),
		zap.Strings("formats", formatNames(opts.Formats)),
	)
	return m, nil
}

func newManifest(res *pipeline.Result, runID string) *Manifest {
	m := &Manifest{
		RunID:       runID,
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		Frame:       res.Frame.Code,
		ValueColumn: res.ValueColumn,
		Duration:    res.Duration.Round(time.Millisecond).String(),
	}
	for _, l := range res.Exclusion.Layers() {
		m.Exclusions = append(m.Exclusions, ExclusionEntry{
			Category:  l.Category,
			Sources:   l.Sources,
			Accepted:  l.Accepted,
			Discarded: l.Discarded,
			Failed:    l.Failed,
			AreaM2:    l.Geometry.Area(),
		})
	}
	for _, t := range res.Tables {
		m.Levels = append(m.Levels, LevelEntry{Level: t.Level, Rows: len(t.Records), Summary: t.Summary})
	}
	sort.SliceStable(m.Levels, func(i, j int) bool { return levelRank(m.Levels[i].Level) < levelRank(m.Levels[j].Level) })
	return m
}

func levelRank(l model.Level) int {
	for i, known := range model.Levels() {
		if known == l {
			return i
		}
	}
	return len(model.Levels())
}

func formatNames(fs []Format) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}
