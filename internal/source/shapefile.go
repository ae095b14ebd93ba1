package source

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/density-cli/internal/geometry"
)

func decodeShapefile(path string, src Source) (*Collection, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = strings.TrimRight(f.String(), "\x00")
	}
	fs, err := resolve(newColumns(header), src.Schema, false)
	if err != nil {
		return nil, eris.Wrapf(err, "source %q", src.Name)
	}

	attr := func(i int) string {
		if i < 0 {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
	}

	coll := &Collection{Source: src}
	line := 0
	for reader.Next() {
		line++
		_, shape := reader.Shape()

		if fs.filter >= 0 && !keep(src.Schema, attr(fs.filter)) {
			coll.Filtered++
			continue
		}

		var g geometry.Geometry
		if t := shapeToGeom(shape); t != nil {
			g = geometry.Parse(t, src.Frame)
		}
		coll.add(Record{
			Geometry: g,
			Value:    parseValue(attr(fs.value)),
			ID:       attr(fs.id),
			Name:     cleanName(attr(fs.name)),
			Line:     line,
		})
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "source %q: read shapefile", src.Name)
	}
	if coll.Unparsed > 0 {
		zap.L().Debug("source: skipped shapefile records",
			zap.String("source", src.Name), zap.Int("skipped", coll.Unparsed))
	}
	return coll, nil
}

// shapeToGeom converts a shapefile shape to go-geom. Unsupported or empty
// shapes yield nil.
func shapeToGeom(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.MultiPoint:
		if len(s.Points) == 0 {
			return nil
		}
		return geom.NewMultiPointFlat(geom.XY, pointsFlat(s.Points))
	case *shp.PolyLine:
		return partsToMultiLineString(s.Parts, s.Points)
	case *shp.Polygon:
		return partsToMultiPolygon(s.Parts, s.Points)
	default:
		return nil
	}
}

// partRanges splits a flat point list into [start, end) ranges per part.
func partRanges(parts []int32, n int) [][2]int {
	out := make([][2]int, 0, len(parts))
	for i, start := range parts {
		end := n
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if int(start) < end && end <= n {
			out = append(out, [2]int{int(start), end})
		}
	}
	return out
}

func pointsFlat(pts []shp.Point) []float64 {
	flat := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}

func partsToMultiLineString(parts []int32, pts []shp.Point) geom.T {
	mls := geom.NewMultiLineString(geom.XY)
	for _, r := range partRanges(parts, len(pts)) {
		if r[1]-r[0] < 2 {
			continue
		}
		ls := geom.NewLineStringFlat(geom.XY, pointsFlat(pts[r[0]:r[1]]))
		if err := mls.Push(ls); err != nil {
			zap.L().Debug("source: skipping malformed line part", zap.Error(err))
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// partsToMultiPolygon groups shapefile rings into polygons. Outer rings are
// clockwise; counter-clockwise rings are holes of the outer ring that
// contains them.
func partsToMultiPolygon(parts []int32, pts []shp.Point) geom.T {
	var polys [][][]float64
	for _, r := range partRanges(parts, len(pts)) {
		if r[1]-r[0] < 4 {
			continue
		}
		ring := pointsFlat(pts[r[0]:r[1]])
		if !xy.IsRingCounterClockwise(geom.XY, ring) || len(polys) == 0 {
			polys = append(polys, [][]float64{ring})
			continue
		}
		owner := len(polys) - 1
		probe := geom.Coord{ring[0], ring[1]}
		for i, p := range polys {
			if xy.IsPointInRing(geom.XY, probe, p[0]) {
				owner = i
				break
			}
		}
		polys[owner] = append(polys[owner], ring)
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for _, rings := range polys {
		var flat []float64
		ends := make([]int, 0, len(rings))
		for _, r := range rings {
			flat = append(flat, r...)
			ends = append(ends, len(flat))
		}
		if err := mp.Push(geom.NewPolygonFlat(geom.XY, flat, ends)); err != nil {
			zap.L().Debug("source: skipping malformed polygon part", zap.Error(err))
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
