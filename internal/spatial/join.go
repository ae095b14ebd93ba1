// Package spatial assigns located features to the divisions they touch and
// reduces their values per division.
package spatial

import (
	"context"
	"sort"
	"strings"

	cgeom "github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"

	"github.com/sells-group/density-cli/internal/geometry"
	"github.com/sells-group/density-cli/internal/model"
)

// OverlapPolicy decides how a feature touching several divisions counts.
type OverlapPolicy string

const (
	// OverlapFull counts the feature fully in every division it touches.
	OverlapFull OverlapPolicy = "full"
	// OverlapAreaWeighted splits polygonal features by intersected area.
	OverlapAreaWeighted OverlapPolicy = "area_weighted"
)

// ParseOverlapPolicy validates a policy name. An empty name means full.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", OverlapFull:
		return OverlapFull, nil
	case OverlapAreaWeighted:
		return p, nil
	default:
		return "", eris.Errorf("spatial: unknown overlap policy %q", s)
	}
}

// Pair links a feature to a division it intersects.
type Pair struct {
	Feature    int
	Division   int
	DivisionID string
	Weight     float64
}

// boundsPad widens query boxes so degenerate point envelopes still hit.
const boundsPad = 1e-7

// Joiner performs the intersects join in one working frame.
type Joiner struct {
	norm   *geometry.Normalizer
	frame  geometry.Frame
	policy OverlapPolicy
}

// NewJoiner returns a Joiner working in frame.
func NewJoiner(norm *geometry.Normalizer, frame geometry.Frame, policy OverlapPolicy) *Joiner {
	if policy == "" {
		policy = OverlapFull
	}
	return &Joiner{norm: norm, frame: frame, policy: policy}
}

type divisionIndex struct {
	tree     *rtree.Rtree
	slots    map[*cgeom.Bounds]int
	geoms    []geometry.Geometry
	prepared []*geos.PrepGeom
}

func (j *Joiner) index(divisions []model.Division) *divisionIndex {
	idx := &divisionIndex{
		tree:     rtree.NewTree(25, 50),
		slots:    make(map[*cgeom.Bounds]int, len(divisions)),
		geoms:    make([]geometry.Geometry, len(divisions)),
		prepared: make([]*geos.PrepGeom, len(divisions)),
	}
	for i, d := range divisions {
		g := j.norm.Ensure(j.frame, d.Geometry)[0]
		idx.geoms[i] = g
		minX, minY, maxX, maxY, ok := g.Bounds()
		if !ok {
			continue
		}
		b := &cgeom.Bounds{
			Min: cgeom.Point{X: minX, Y: minY},
			Max: cgeom.Point{X: maxX, Y: maxY},
		}
		idx.slots[b] = i
		idx.tree.Insert(b)
	}
	return idx
}

func (idx *divisionIndex) candidates(g geometry.Geometry) []int {
	minX, minY, maxX, maxY, ok := g.Bounds()
	if !ok {
		return nil
	}
	query := &cgeom.Bounds{
		Min: cgeom.Point{X: minX - boundsPad, Y: minY - boundsPad},
		Max: cgeom.Point{X: maxX + boundsPad, Y: maxY + boundsPad},
	}
	var out []int
	for _, hit := range idx.tree.SearchIntersect(query) {
		b, ok := hit.(*cgeom.Bounds)
		if !ok {
			continue
		}
		if i, ok := idx.slots[b]; ok {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func (idx *divisionIndex) intersects(i int, g geometry.Geometry) (hit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("spatial: GEOS failure: %v", r)
		}
	}()
	if idx.prepared[i] == nil {
		idx.prepared[i] = idx.geoms[i].Geos().Prepare()
	}
	return idx.prepared[i].Intersects(g.Geos()), nil
}

// Join emits one pair per (feature, division) with a non-empty
// intersection. Absent features are skipped. Pairs are ordered by feature
// index, then division order.
func (j *Joiner) Join(ctx context.Context, features []model.Feature, divisions []model.Division) ([]Pair, error) {
	log := zap.L().With(zap.String("component", "spatial"))

	idx := j.index(divisions)

	var (
		pairs   []Pair
		skipped int
	)
	for fi, f := range features {
		if fi%1024 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "spatial: join cancelled")
		}
		g := j.norm.Ensure(j.frame, f.Geometry)[0]
		if g.IsEmpty() {
			skipped++
			continue
		}
		for _, di := range idx.candidates(g) {
			hit, err := idx.intersects(di, g)
			if err != nil {
				log.Warn("spatial: intersects failed, skipping candidate",
					zap.Int("feature", fi), zap.String("division", divisions[di].ID), zap.Error(err))
				continue
			}
			if !hit {
				continue
			}
			pairs = append(pairs, Pair{
				Feature:    fi,
				Division:   di,
				DivisionID: divisions[di].ID,
				Weight:     j.weight(g, idx.geoms[di]),
			})
		}
	}

	log.Debug("spatial: join complete",
		zap.Int("features", len(features)),
		zap.Int("divisions", len(divisions)),
		zap.Int("pairs", len(pairs)),
		zap.Int("skipped", skipped),
	)
	return pairs, nil
}

func (j *Joiner) weight(feature, division geometry.Geometry) float64 {
	if j.policy != OverlapAreaWeighted || !feature.IsPolygonal() {
		return 1
	}
	total := feature.Area()
	if total <= 0 {
		return 1
	}
	inter, err := geometry.Intersection(feature, division)
	if err != nil {
		zap.L().Warn("spatial: overlap area failed, counting feature fully", zap.Error(err))
		return 1
	}
	w := inter.Area() / total
	if w > 1 {
		w = 1
	}
	return w
}
