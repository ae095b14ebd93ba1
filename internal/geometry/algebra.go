package geometry

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"
)

// ErrFrameMismatch is returned when two operands are in different frames.
var ErrFrameMismatch = eris.New("geometry: frame mismatch")

// ErrAbsent is returned when a binary operation receives an absent operand.
var ErrAbsent = eris.New("geometry: absent operand")

func binary(a, b Geometry, op string, fn func(x, y *geos.Geom) *geos.Geom) (Geometry, error) {
	if a.IsAbsent() || b.IsAbsent() {
		return Geometry{}, eris.Wrapf(ErrAbsent, "%s", op)
	}
	if a.frame.Code != b.frame.Code {
		return Geometry{}, eris.Wrapf(ErrFrameMismatch, "%s: %s vs %s", op, a.frame.Code, b.frame.Code)
	}
	var out *geos.Geom
	if err := guard(func() { out = fn(a.g, b.g) }); err != nil {
		return Geometry{}, eris.Wrapf(err, "geometry: %s", op)
	}
	if out == nil {
		return Geometry{}, eris.Errorf("geometry: %s returned no result", op)
	}
	return Geometry{g: out, frame: a.frame}, nil
}

// Union returns a ∪ b.
func Union(a, b Geometry) (Geometry, error) {
	return binary(a, b, "union", func(x, y *geos.Geom) *geos.Geom { return x.Union(y) })
}

// Difference returns a − b.
func Difference(a, b Geometry) (Geometry, error) {
	return binary(a, b, "difference", func(x, y *geos.Geom) *geos.Geom { return x.Difference(y) })
}

// Intersection returns a ∩ b.
func Intersection(a, b Geometry) (Geometry, error) {
	return binary(a, b, "intersection", func(x, y *geos.Geom) *geos.Geom { return x.Intersection(y) })
}

// Intersects reports whether a and b share at least one point.
func Intersects(a, b Geometry) (bool, error) {
	if a.IsAbsent() || b.IsAbsent() {
		return false, eris.Wrap(ErrAbsent, "intersects")
	}
	if a.frame.Code != b.frame.Code {
		return false, eris.Wrapf(ErrFrameMismatch, "intersects: %s vs %s", a.frame.Code, b.frame.Code)
	}
	var hit bool
	if err := guard(func() { hit = a.g.Intersects(b.g) }); err != nil {
		return false, eris.Wrap(err, "geometry: intersects")
	}
	return hit, nil
}

// EqualTopo reports whether a and b are topologically equal.
func EqualTopo(a, b Geometry) bool {
	if a.IsAbsent() || b.IsAbsent() {
		return a.IsAbsent() && b.IsAbsent()
	}
	if a.frame.Code != b.frame.Code {
		return false
	}
	if a.IsEmpty() && b.IsEmpty() {
		return true
	}
	var eq bool
	if err := guard(func() { eq = a.g.Equals(b.g) }); err != nil {
		return false
	}
	return eq
}

// UnionAll unions gs pairwise in a balanced tree. Absent operands are
// skipped. A union step that fails keeps its left operand and drops the
// right one. The result is empty when nothing is left. dropped counts the
// operands lost to failures.
func UnionAll(f Frame, gs []Geometry) (out Geometry, dropped int) {
	level := make([]Geometry, 0, len(gs))
	for _, g := range gs {
		if g.IsAbsent() {
			continue
		}
		level = append(level, g)
	}
	if len(level) == 0 {
		return Empty(f), 0
	}

	for len(level) > 1 {
		next := make([]Geometry, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			u, err := Union(level[i], level[i+1])
			if err != nil {
				zap.L().Warn("geometry: union step failed, dropping operand",
					zap.Int("operand", i+1), zap.Error(err))
				dropped++
				next = append(next, level[i])
				continue
			}
			next = append(next, u)
		}
		level = next
	}
	return level[0], dropped
}
