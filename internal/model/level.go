package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Level is a tier of administrative granularity.
type Level string

// Levels, from coarsest to finest.
const (
	LevelCoarse Level = "coarse"
	LevelMedium Level = "medium"
	LevelFine   Level = "fine"
)

// Levels returns every level in coarse → fine order.
func Levels() []Level {
	return []Level{LevelCoarse, LevelMedium, LevelFine}
}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Levels() {
		if l == known {
			return l, nil
		}
	}
	return "", eris.Errorf("model: unknown level %q", s)
}

// Tier is a degree of denominator correction.
type Tier string

// Correction tiers.
const (
	TierRaw            Tier = "raw"
	TierCorrected      Tier = "corrected"
	TierUltraCorrected Tier = "ultra_corrected"
)

// Tiers returns every tier from least to most corrected.
func Tiers() []Tier {
	return []Tier{TierRaw, TierCorrected, TierUltraCorrected}
}

// Corrects reports whether the tier subtracts exclusions from the area.
func (t Tier) Corrects() bool { return t != TierRaw }

// Category is a kind of non-buildable land.
type Category string

// Exclusion categories.
const (
	CategoryWater Category = "water"
	CategoryRail  Category = "rail"
	CategoryGreen Category = "green"
)

// Categories returns every exclusion category.
func Categories() []Category {
	return []Category{CategoryWater, CategoryRail, CategoryGreen}
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", eris.Errorf("model: unknown exclusion category %q", s)
}
