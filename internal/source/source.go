// Package source loads the datasets a density run consumes: buildings,
// administrative divisions and exclusion layers. Every source declares its
// fields explicitly; nothing is inferred from column names.
package source

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/density-cli/internal/exclusion"
	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
)

// Format is the on-disk encoding of a source.
type Format string

// Supported formats.
const (
	FormatCSV       Format = "csv"
	FormatXLSX      Format = "xlsx"
	FormatGeoJSON   Format = "geojson"
	FormatShapefile Format = "shapefile"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX, FormatGeoJSON, FormatShapefile:
		return f, nil
	default:
		return "", eris.Errorf("source: unknown format %q", s)
	}
}

// Role is what a source contributes to a run.
type Role string

// Source roles.
const (
	RoleBuildings Role = "buildings"
	RoleDivision  Role = "division"
	RoleExclusion Role = "exclusion"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleBuildings, RoleDivision, RoleExclusion:
		return r, nil
	default:
		return "", eris.Errorf("source: unknown role %q", s)
	}
}

// GeometryMember selects the feature geometry of a GeoJSON source, as
// opposed to a property holding geometry text.
const GeometryMember = "geometry"

// Schema maps dataset fields onto the values the engine needs.
type Schema struct {
	Geometry string
	Value    string
	ID       string
	Name     string
	// FilterField and FilterPrefix keep only rows whose field starts with
	// the prefix (e.g. Paris IRIS: DEPCOM starting with "751").
	FilterField  string
	FilterPrefix string
	// Delimiter for CSV sources; defaults to ','.
	Delimiter rune
	// Encoding is the CSV charset; defaults to UTF-8.
	Encoding string
	// Sheet selects the XLSX worksheet; defaults to the first.
	Sheet string
}

// Source describes one dataset.
type Source struct {
	Name     string
	Role     Role
	Category model.Category
	Level    model.Level
	Location string
	Format   Format
	Frame    geometry.Frame
	Schema   Schema
}

// Validate checks that the schema names every field the role needs.
func (s Source) Validate() error {
	var problems []string
	if s.Name == "" {
		problems = append(problems, "name is required")
	}
	if s.Location == "" {
		problems = append(problems, "location is required")
	}
	if _, err := ParseFormat(string(s.Format)); err != nil {
		problems = append(problems, err.Error())
	}
	if s.Frame.IsZero() {
		problems = append(problems, "frame is required")
	}
	if s.Format != FormatShapefile && s.Schema.Geometry == "" {
		problems = append(problems, "geometry_field is required")
	}
	if s.Schema.FilterPrefix != "" && s.Schema.FilterField == "" {
		problems = append(problems, "filter_prefix needs filter_field")
	}

	switch s.Role {
	case RoleBuildings:
		if s.Schema.Value == "" {
			problems = append(problems, "value_field is required for buildings")
		}
	case RoleDivision:
		if s.Schema.ID == "" {
			problems = append(problems, "id_field is required for divisions")
		}
		if _, err := model.ParseLevel(string(s.Level)); err != nil {
			problems = append(problems, err.Error())
		}
	case RoleExclusion:
		if _, err := model.ParseCategory(string(s.Category)); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		problems = append(problems, "unknown role "+string(s.Role))
	}

	if len(problems) > 0 {
		return eris.Errorf("source %q: %s", s.Name, strings.Join(problems, "; "))
	}
	return nil
}

// Record is one decoded row.
type Record struct {
	Geometry geometry.Geometry
	Value    *float64
	ID       string
	Name     string
	Line     int
}

// Collection is a loaded source.
type Collection struct {
	Source  Source
	Records []Record
	// Unparsed counts rows whose geometry could not be read.
	Unparsed int
	// Filtered counts rows removed by the schema filter.
	Filtered int
}

// Features returns the records as features.
func (c *Collection) Features() []model.Feature {
	out := make([]model.Feature, len(c.Records))
	for i, r := range c.Records {
		out[i] = model.Feature{Geometry: r.Geometry, Value: r.Value}
	}
	return out
}

// Divisions returns the records as divisions of the source level.
func (c *Collection) Divisions() []model.Division {
	out := make([]model.Division, len(c.Records))
	for i, r := range c.Records {
		out[i] = model.NewDivision(r.ID, r.Name, c.Source.Level, r.Geometry)
	}
	return out
}

// Layer returns the records as an exclusion source layer.
func (c *Collection) Layer() exclusion.SourceLayer {
	return exclusion.SourceLayer{Name: c.Source.Name, Features: c.Features()}
}
