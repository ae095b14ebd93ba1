// Package exclusion merges non-buildable land (water, rail, green space)
// into one geometry per category and per correction tier.
package exclusion

import (
	"go.uber.org/zap"

	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
)

// SourceLayer is one dataset contributing to a category.
type SourceLayer struct {
	Name     string
	Features []model.Feature
}

// Layer is the merged geometry of one category.
type Layer struct {
	Category model.Category
	Geometry geometry.Geometry
	Sources  []string
	// Accepted counts geometries that went into the union.
	Accepted int
	// Discarded counts absent or invalid geometries.
	Discarded int
	// Failed counts geometries lost to reprojection or union failures.
	Failed int
}

// Builder unions exclusion sources in a working frame.
type Builder struct {
	norm  *geometry.Normalizer
	frame geometry.Frame
}

// NewBuilder returns a Builder working in frame.
func NewBuilder(norm *geometry.Normalizer, frame geometry.Frame) *Builder {
	return &Builder{norm: norm, frame: frame}
}

// BuildCategory unions every valid geometry of every source into one
// layer. Each source is unioned on its own first, then the per-source
// results are unioned together. A category with nothing valid yields an
// empty geometry.
func (b *Builder) BuildCategory(c model.Category, sources []SourceLayer) Layer {
	log := zap.L().With(zap.String("component", "exclusion"), zap.String("category", string(c)))

	layer := Layer{Category: c}
	perSource := make([]geometry.Geometry, 0, len(sources))

	for _, src := range sources {
		layer.Sources = append(layer.Sources, src.Name)

		valid := make([]geometry.Geometry, 0, len(src.Features))
		for _, f := range src.Features {
			if f.Geometry.IsAbsent() || !f.Geometry.IsValid() {
				layer.Discarded++
				continue
			}
			g := b.norm.Ensure(b.frame, f.Geometry)[0]
			if g.IsAbsent() {
				layer.Failed++
				continue
			}
			valid = append(valid, g)
		}

		u, dropped := geometry.UnionAll(b.frame, valid)
		layer.Accepted += len(valid) - dropped
		layer.Failed += dropped
		perSource = append(perSource, u)

		log.Debug("exclusion: source unioned",
			zap.String("source", src.Name),
			zap.Int("features", len(src.Features)),
			zap.Int("valid", len(valid)),
			zap.Int("dropped", dropped),
		)
	}

	u, dropped := geometry.UnionAll(b.frame, perSource)
	layer.Failed += dropped
	layer.Geometry = u

	if layer.Discarded > 0 || layer.Failed > 0 {
		log.Warn("exclusion: geometries left out of category",
			zap.Int("discarded", layer.Discarded), zap.Int("failed", layer.Failed))
	}
	log.Info("exclusion: category built",
		zap.Int("sources", len(sources)),
		zap.Int("accepted", layer.Accepted),
		zap.Float64("area_m2", layer.Geometry.Area()),
	)
	return layer
}

// TierSet holds the exclusion geometry of every tier.
type TierSet struct {
	Frame     geometry.Frame
	Water     Layer
	Rail      Layer
	Green     Layer
	Corrected geometry.Geometry
	Ultra     geometry.Geometry
	// Failed counts operands lost while combining categories.
	Failed int
}

// Tiers combines category layers: corrected = water ∪ rail and
// ultra = corrected ∪ green. Empty categories are the identity.
func (b *Builder) Tiers(water, rail, green Layer) TierSet {
	set := TierSet{Frame: b.frame, Water: water, Rail: rail, Green: green}

	var dropped int
	set.Corrected, dropped = geometry.UnionAll(b.frame, b.norm.Ensure(b.frame, water.Geometry, rail.Geometry))
	set.Failed += dropped
	set.Ultra, dropped = geometry.UnionAll(b.frame, b.norm.Ensure(b.frame, set.Corrected, green.Geometry))
	set.Failed += dropped
	return set
}

// Build builds every category from sources and combines them into tiers.
// Missing categories are empty.
func (b *Builder) Build(sources map[model.Category][]SourceLayer) TierSet {
	return b.Tiers(
		b.BuildCategory(model.CategoryWater, sources[model.CategoryWater]),
		b.BuildCategory(model.CategoryRail, sources[model.CategoryRail]),
		b.BuildCategory(model.CategoryGreen, sources[model.CategoryGreen]),
	)
}

// For returns the exclusion geometry subtracted at tier t. Raw excludes
// nothing.
func (s TierSet) For(t model.Tier) geometry.Geometry {
	switch t {
	case model.TierCorrected:
		return s.Corrected
	case model.TierUltraCorrected:
		return s.Ultra
	default:
		return geometry.Empty(s.Frame)
	}
}

// Layers returns the category layers in fixed order.
func (s TierSet) Layers() []Layer {
	return []Layer{s.Water, s.Rail, s.Green}
}
