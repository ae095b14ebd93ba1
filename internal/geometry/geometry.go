package geometry

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geos"
)

// Geometry is an immutable GEOS geometry tagged with its frame. The zero
// value is an absent geometry: it has no shape at all, which is distinct
// from a present but empty one.
type Geometry struct {
	g     *geos.Geom
	frame Frame
}

// New wraps g in frame f. A nil g yields an absent geometry.
func New(g *geos.Geom, f Frame) Geometry {
	if g == nil {
		return Geometry{}
	}
	return Geometry{g: g, frame: f}
}

// Empty returns a present, empty polygon in frame f.
func Empty(f Frame) Geometry {
	g, err := geos.NewGeomFromWKT("POLYGON EMPTY")
	if err != nil {
		panic(fmt.Sprintf("geometry: build empty polygon: %v", err))
	}
	return Geometry{g: g, frame: f}
}

// FromWKT parses a WKT string in frame f.
func FromWKT(wkt string, f Frame) (Geometry, error) {
	g, err := geos.NewGeomFromWKT(wkt)
	if err != nil {
		return Geometry{}, eris.Wrap(err, "geometry: parse WKT")
	}
	return Geometry{g: g, frame: f}, nil
}

// MustWKT is FromWKT that panics on error. Intended for literals.
func MustWKT(wkt string, f Frame) Geometry {
	g, err := FromWKT(wkt, f)
	if err != nil {
		panic(err)
	}
	return g
}

// IsAbsent reports whether there is no geometry at all.
func (g Geometry) IsAbsent() bool { return g.g == nil }

// Frame returns the frame the coordinates are expressed in.
func (g Geometry) Frame() Frame { return g.frame }

// Geos exposes the underlying GEOS geometry. Callers must not mutate it.
func (g Geometry) Geos() *geos.Geom { return g.g }

// IsEmpty reports whether the geometry is absent or has no points.
func (g Geometry) IsEmpty() bool {
	if g.g == nil {
		return true
	}
	empty := true
	_ = guard(func() { empty = g.g.IsEmpty() })
	return empty
}

// IsValid reports OGC validity. Absent geometries and geometries GEOS
// cannot evaluate are invalid.
func (g Geometry) IsValid() bool {
	if g.g == nil {
		return false
	}
	valid := false
	if err := guard(func() { valid = g.g.IsValid() }); err != nil {
		return false
	}
	return valid
}

// InvalidReason describes why the geometry is invalid, or "" when valid.
func (g Geometry) InvalidReason() string {
	if g.g == nil {
		return "absent geometry"
	}
	var reason string
	if err := guard(func() {
		if !g.g.IsValid() {
			reason = g.g.IsValidReason()
		}
	}); err != nil {
		return err.Error()
	}
	return reason
}

// IsPolygonal reports whether the geometry is a polygon or multipolygon.
func (g Geometry) IsPolygonal() bool {
	if g.g == nil {
		return false
	}
	switch g.g.TypeID() {
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
		return true
	default:
		return false
	}
}

// Area returns the planar area in squared frame units. Absent or failing
// geometries have zero area.
func (g Geometry) Area() float64 {
	if g.g == nil {
		return 0
	}
	var a float64
	if err := guard(func() { a = g.g.Area() }); err != nil {
		return 0
	}
	return a
}

// Bounds returns the envelope as minX, minY, maxX, maxY. ok is false for
// absent or empty geometries.
func (g Geometry) Bounds() (minX, minY, maxX, maxY float64, ok bool) {
	if g.IsEmpty() {
		return 0, 0, 0, 0, false
	}
	b := g.g.Bounds()
	return b.MinX, b.MinY, b.MaxX, b.MaxY, true
}

// WKT renders the geometry as WKT. Absent geometries render as "".
func (g Geometry) WKT() string {
	if g.g == nil {
		return ""
	}
	return g.g.ToWKT()
}

// GeoJSON renders the geometry as a compact GeoJSON geometry object.
func (g Geometry) GeoJSON() string {
	if g.g == nil {
		return "null"
	}
	return g.g.ToGeoJSON(-1)
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	if g.g == nil {
		return "<absent>"
	}
	return fmt.Sprintf("%s[%s]", g.frame.Code, g.WKT())
}

// withFrame relabels the geometry without touching coordinates.
func (g Geometry) withFrame(f Frame) Geometry {
	return Geometry{g: g.g, frame: f}
}

// guard runs fn and converts a GEOS panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = eris.Wrap(v, "geometry: GEOS failure")
			default:
				err = eris.Errorf("geometry: GEOS failure: %v", v)
			}
		}
	}()
	fn()
	return nil
}
