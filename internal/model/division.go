// Package model defines the divisions, features and result rows exchanged
// between the density engine stages.
package model

import "github.com/sells-group/density-cli/internal/geometry"

// Division is an administrative area at one level.
type Division struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Level     Level             `json:"level"`
	Geometry  geometry.Geometry `json:"-"`
	TotalArea float64           `json:"total_area_m2"`
}

// NewDivision builds a division and computes its total area from g.
func NewDivision(id, name string, level Level, g geometry.Geometry) Division {
	return Division{
		ID:        id,
		Name:      name,
		Level:     level,
		Geometry:  g,
		TotalArea: g.Area(),
	}
}

// Feature is a located entity. Value is nil for exclusion features and for
// buildings whose value column is blank.
type Feature struct {
	Geometry geometry.Geometry
	Value    *float64
}

// Float returns a pointer to v, for building features.
func Float(v float64) *float64 { return &v }

// BuildableDivision is a division with its exclusion-corrected geometry.
type BuildableDivision struct {
	DivisionID          string            `json:"division_id"`
	Geometry            geometry.Geometry `json:"-"`
	BuildableArea       float64           `json:"buildable_area_m2"`
	BuildablePercentage float64           `json:"buildable_percentage"`
	// Degraded is set when the difference could not be computed and the
	// division's own geometry was used.
	Degraded bool `json:"degraded"`
}

// AggregationResult is the reduced feature value for one division.
type AggregationResult struct {
	DivisionID string  `json:"division_id"`
	Column     string  `json:"column"`
	Value      float64 `json:"value"`
	Matched    int     `json:"matched"`
}

// DensityResult is the density of one division at one tier.
type DensityResult struct {
	DivisionID string  `json:"division_id"`
	Tier       Tier    `json:"tier"`
	Density    float64 `json:"density"`
	Readable   float64 `json:"readable"`
}
