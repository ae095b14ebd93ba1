package geometry

import (
	"math"
	"sync"

	"github.com/ctessum/geom/proj"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"
)

// Normalizer reprojects geometries between frames. Transformers are built
// once per frame pair and cached on the value. A Normalizer is safe for
// concurrent use.
type Normalizer struct {
	mu         sync.Mutex
	transforms map[[2]string]proj.Transformer
}

// NewNormalizer returns an empty Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{transforms: make(map[[2]string]proj.Transformer)}
}

func (n *Normalizer) transformer(src, dst Frame) (proj.Transformer, error) {
	key := [2]string{src.Code, dst.Code}

	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.transforms[key]; ok {
		return t, nil
	}

	srcSR, err := proj.Parse(src.Proj4)
	if err != nil {
		return nil, eris.Wrapf(err, "geometry: parse frame %s", src.Code)
	}
	dstSR, err := proj.Parse(dst.Proj4)
	if err != nil {
		return nil, eris.Wrapf(err, "geometry: parse frame %s", dst.Code)
	}
	t, err := srcSR.NewTransform(dstSR)
	if err != nil {
		return nil, eris.Wrapf(err, "geometry: transform %s -> %s", src.Code, dst.Code)
	}
	n.transforms[key] = t
	return t, nil
}

// Reproject returns g expressed in target. It is a no-op when g is
// already in target, absent or empty.
func (n *Normalizer) Reproject(g Geometry, target Frame) (Geometry, error) {
	if g.IsAbsent() || g.frame.Code == target.Code {
		return g, nil
	}
	if g.IsEmpty() {
		return g.withFrame(target), nil
	}
	if g.frame.IsZero() {
		return Geometry{}, eris.Wrap(ErrUnknownFrame, "geometry: reproject untagged geometry")
	}

	t, err := n.transformer(g.frame, target)
	if err != nil {
		return Geometry{}, err
	}

	src, err := wkb.Unmarshal(g.g.ToWKB())
	if err != nil {
		return Geometry{}, eris.Wrap(err, "geometry: decode WKB")
	}
	moved, err := transformGeom(src, t)
	if err != nil {
		return Geometry{}, err
	}
	data, err := wkb.Marshal(moved, wkb.NDR)
	if err != nil {
		return Geometry{}, eris.Wrap(err, "geometry: encode WKB")
	}
	out, err := geos.NewGeomFromWKB(data)
	if err != nil {
		return Geometry{}, eris.Wrap(err, "geometry: rebuild geometry")
	}
	return New(out, target), nil
}

// NormalizeAll reprojects every geometry to target. A geometry whose
// coordinates cannot be transformed becomes absent; the batch never fails.
// The second result counts those failures.
func (n *Normalizer) NormalizeAll(target Frame, gs []Geometry) ([]Geometry, int) {
	out := make([]Geometry, len(gs))
	failed := 0
	for i, g := range gs {
		r, err := n.Reproject(g, target)
		if err != nil {
			zap.L().Debug("geometry: reprojection failed", zap.Int("index", i), zap.Error(err))
			failed++
			continue
		}
		out[i] = r
	}
	return out, failed
}

// Ensure brings every operand into target before a join, union or
// difference. Each correction is logged as a warning. Operands that cannot
// be reprojected become absent.
func (n *Normalizer) Ensure(target Frame, gs ...Geometry) []Geometry {
	out := make([]Geometry, len(gs))
	for i, g := range gs {
		if g.IsAbsent() || g.frame.Code == target.Code {
			out[i] = g
			continue
		}
		zap.L().Warn("geometry: operand frame mismatch, reprojecting",
			zap.String("from", g.frame.Code), zap.String("to", target.Code))
		r, err := n.Reproject(g, target)
		if err != nil {
			zap.L().Warn("geometry: reprojection failed, dropping operand", zap.Error(err))
			continue
		}
		out[i] = r
	}
	return out
}

// transformGeom returns a copy of g with every coordinate passed through t.
func transformGeom(g geom.T, t proj.Transformer) (geom.T, error) {
	switch v := g.(type) {
	case *geom.Point:
		c := v.Clone()
		return c, transformFlat(c.FlatCoords(), c.Stride(), t)
	case *geom.MultiPoint:
		c := v.Clone()
		return c, transformFlat(c.FlatCoords(), c.Stride(), t)
	case *geom.LineString:
		c := v.Clone()
		return c, transformFlat(c.FlatCoords(), c.Stride(), t)
	case *geom.MultiLineString:
		c := v.Clone()
		return c, transformFlat(c.FlatCoords(), c.Stride(), t)
	case *geom.LinearRing:
		c := v.Clone()
		return c, transformFlat(c.FlatCoords(), c.Stride(), t)
	case *geom.Polygon:
		c := v.Clone()
		return c, transformFlat(c.FlatCoords(), c.Stride(), t)
	case *geom.MultiPolygon:
		c := v.Clone()
		return c, transformFlat(c.FlatCoords(), c.Stride(), t)
	case *geom.GeometryCollection:
		out := geom.NewGeometryCollection()
		for _, sub := range v.Geoms() {
			moved, err := transformGeom(sub, t)
			if err != nil {
				return nil, err
			}
			if err := out.Push(moved); err != nil {
				return nil, eris.Wrap(err, "geometry: rebuild collection")
			}
		}
		return out, nil
	default:
		return nil, eris.Errorf("geometry: unsupported geometry %T", g)
	}
}

func transformFlat(flat []float64, stride int, t proj.Transformer) error {
	for i := 0; i+1 < len(flat); i += stride {
		x, y, err := t(flat[i], flat[i+1])
		if err != nil {
			return eris.Wrap(err, "geometry: transform coordinate")
		}
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			return eris.Errorf("geometry: coordinate (%g, %g) has no image", flat[i], flat[i+1])
		}
		flat[i], flat[i+1] = x, y
	}
	return nil
}
