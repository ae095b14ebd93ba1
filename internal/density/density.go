// Package density turns aggregated values and areas into densities.
package density

import (
	"math"

	"github.com/sells-group/density-cli/internal/model"
)

// ReadableScale converts a m²/m² ratio into m² built per km².
const ReadableScale = 1e6

// Result is a density in both representations.
type Result struct {
	// Ratio is value units per area unit (m² built per m² of land).
	Ratio float64
	// Readable is Ratio scaled to m² built per km².
	Readable float64
}

// Calculate returns value/denominator. Zero, missing or non-finite
// denominators and non-finite quotients yield 0.
func Calculate(value, denominator float64) Result {
	if denominator == 0 || math.IsNaN(denominator) || math.IsInf(denominator, 0) {
		return Result{}
	}
	r := value / denominator
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return Result{}
	}
	return Result{Ratio: r, Readable: r * ReadableScale}
}

// Denominator picks the area a tier divides by: the total area for raw,
// the buildable area otherwise.
func Denominator(t model.Tier, total, buildable float64) float64 {
	if t.Corrects() {
		return buildable
	}
	return total
}

// ForTier computes the density result of one division at tier t.
func ForTier(divisionID string, t model.Tier, value, total, buildable float64) model.DensityResult {
	r := Calculate(value, Denominator(t, total, buildable))
	return model.DensityResult{DivisionID: divisionID, Tier: t, Density: r.Ratio, Readable: r.Readable}
}
