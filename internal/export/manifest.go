package export

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/density-cli/internal/model"
)

// ManifestFileName is the manifest written beside the exported tables.
const ManifestFileName = "manifest.yaml"

// Manifest describes one export.
type Manifest struct {
	RunID       string           `yaml:"run_id,omitempty"`
	GeneratedAt time.Time        `yaml:"generated_at"`
	Frame       string           `yaml:"frame"`
	ValueColumn string           `yaml:"value_column"`
	Duration    string           `yaml:"duration"`
	Exclusions  []ExclusionEntry `yaml:"exclusions"`
	Levels      []LevelEntry     `yaml:"levels"`
}

// ExclusionEntry reports how one exclusion category was built.
type ExclusionEntry struct {
	Category  model.Category `yaml:"category"`
	Sources   []string       `yaml:"sources,omitempty"`
	Accepted  int            `yaml:"accepted"`
	Discarded int            `yaml:"discarded"`
	Failed    int            `yaml:"failed"`
	AreaM2    float64        `yaml:"area_m2"`
}

// LevelEntry lists the files written for one level.
type LevelEntry struct {
	Level   model.Level   `yaml:"level"`
	Rows    int           `yaml:"rows"`
	Files   []string      `yaml:"files"`
	Summary model.Summary `yaml:"summary"`
}

func (m *Manifest) level(l model.Level) *LevelEntry {
	for i := range m.Levels {
		if m.Levels[i].Level == l {
			return &m.Levels[i]
		}
	}
	m.Levels = append(m.Levels, LevelEntry{Level: l})
	return &m.Levels[len(m.Levels)-1]
}

// WriteManifestFile writes m as YAML.
func WriteManifestFile(path string, m *Manifest) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "export: marshal manifest")
	}
	return eris.Wrap(os.WriteFile(path, b, 0o644), "export: write manifest")
}

// ReadManifestFile loads a manifest written by WriteManifestFile.
func ReadManifestFile(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: read manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrap(err, "export: decode manifest")
	}
	return &m, nil
}
