package model

import (
	"strconv"
)

// KM2 is the number of square metres in a square kilometre.
const KM2 = 1_000_000.0

// TierMetrics holds one tier's figures for a division.
type TierMetrics struct {
	Value               float64 `json:"value" yaml:"value"`
	BuildableArea       float64 `json:"buildable_area_m2" yaml:"buildable_area_m2"`
	BuildablePercentage float64 `json:"buildable_percentage" yaml:"buildable_percentage"`
	ExcludedArea        float64 `json:"excluded_area_m2" yaml:"excluded_area_m2"`
	ExcludedPercentage  float64 `json:"excluded_percentage" yaml:"excluded_percentage"`
	Density             float64 `json:"density" yaml:"density"`
	DensityReadable     float64 `json:"density_readable" yaml:"density_readable"`
	Degraded            bool    `json:"degraded" yaml:"degraded"`
}

// DivisionRecord is one row of a level's wide result table.
type DivisionRecord struct {
	ID        string      `json:"division_id"`
	Name      string      `json:"division_name"`
	Level     Level       `json:"level"`
	TotalArea float64     `json:"total_area_m2"`
	Matched   int         `json:"matched_features"`
	Raw       TierMetrics `json:"raw"`
	Corrected TierMetrics `json:"corrected"`
	Ultra     TierMetrics `json:"ultra_corrected"`
}

// Tier returns the metrics for t.
func (r DivisionRecord) Tier(t Tier) TierMetrics {
	switch t {
	case TierCorrected:
		return r.Corrected
	case TierUltraCorrected:
		return r.Ultra
	default:
		return r.Raw
	}
}

// SetTier stores m as the metrics for t.
func (r *DivisionRecord) SetTier(t Tier, m TierMetrics) {
	switch t {
	case TierCorrected:
		r.Corrected = m
	case TierUltraCorrected:
		r.Ultra = m
	default:
		r.Raw = m
	}
}

// Summary describes a level's results in aggregate.
type Summary struct {
	Level               Level            `json:"level" yaml:"level"`
	Divisions           int              `json:"divisions" yaml:"divisions"`
	Matched             int              `json:"matched_divisions" yaml:"matched_divisions"`
	Degraded            int              `json:"degraded" yaml:"degraded"`
	MeanDensity         map[Tier]float64 `json:"mean_density" yaml:"mean_density"`
	MeanBuildablePct    map[Tier]float64 `json:"mean_buildable_percentage" yaml:"mean_buildable_percentage"`
	TotalValue          float64          `json:"total_value" yaml:"total_value"`
	ExcludedFeatures    int              `json:"excluded_features" yaml:"excluded_features"`
	DroppedExclusionOps int              `json:"dropped_exclusion_ops" yaml:"dropped_exclusion_ops"`
}

// Table is the wide result table for one level.
type Table struct {
	Level       Level            `json:"level"`
	ValueColumn string           `json:"value_column"`
	Records     []DivisionRecord `json:"records"`
	Summary     Summary          `json:"summary"`
}

// tierSuffix maps tiers to the suffix used for area columns.
var tierSuffix = map[Tier]string{
	TierCorrected:      "corrected",
	TierUltraCorrected: "ultra",
}

// Columns returns the header of the table in output order.
func (t Table) Columns() []string {
	cols := []string{"division_id", "division_name", "level", "total_area_m2", "total_area_km2"}
	for _, tier := range []Tier{TierCorrected, TierUltraCorrected} {
		s := tierSuffix[tier]
		cols = append(cols,
			"buildable_percentage_"+s,
			"excluded_percentage_"+s,
			"buildable_area_m2_"+s,
			"buildable_area_km2_"+s,
			"excluded_area_m2_"+s,
			"excluded_area_km2_"+s,
		)
	}
	for _, tier := range Tiers() {
		cols = append(cols, "density_"+string(tier))
	}
	for _, tier := range Tiers() {
		cols = append(cols, "density_readable_"+string(tier))
	}
	for _, tier := range Tiers() {
		cols = append(cols, t.ValueColumn+"_"+string(tier))
	}
	cols = append(cols, "matched_features", "degraded_corrected", "degraded_ultra")
	return cols
}

// Values returns r's cells aligned with Columns. Cells are string, float64,
// int or bool.
func (t Table) Values(r DivisionRecord) []any {
	vals := []any{r.ID, r.Name, string(r.Level), r.TotalArea, r.TotalArea / KM2}
	for _, tier := range []Tier{TierCorrected, TierUltraCorrected} {
		m := r.Tier(tier)
		vals = append(vals,
			m.BuildablePercentage,
			m.ExcludedPercentage,
			m.BuildableArea,
			m.BuildableArea/KM2,
			m.ExcludedArea,
			m.ExcludedArea/KM2,
		)
	}
	for _, tier := range Tiers() {
		vals = append(vals, r.Tier(tier).Density)
	}
	for _, tier := range Tiers() {
		vals = append(vals, r.Tier(tier).DensityReadable)
	}
	for _, tier := range Tiers() {
		vals = append(vals, r.Tier(tier).Value)
	}
	vals = append(vals, r.Matched, r.Corrected.Degraded, r.Ultra.Degraded)
	return vals
}

// Rows renders every record as strings aligned with Columns.
func (t Table) Rows() [][]string {
	rows := make([][]string, 0, len(t.Records))
	for _, r := range t.Records {
		vals := t.Values(r)
		row := make([]string, len(vals))
		for i, v := range vals {
			row[i] = FormatCell(v)
		}
		rows = append(rows, row)
	}
	return rows
}

// FormatCell renders a table cell deterministically.
func FormatCell(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
