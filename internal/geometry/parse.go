package geometry

import (
	"encoding/json"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geos"
	"go.uber.org/zap"
)

// missing markers written by spreadsheet and dataframe exports.
var missingMarkers = map[string]bool{
	"":     true,
	"nan":  true,
	"null": true,
	"none": true,
}

// Parse turns a loosely typed geometry value into a Geometry in frame f.
// It never fails: anything that cannot be read yields an absent geometry.
//
// Accepted values are GeoJSON geometry (or Feature) text as string, []byte
// or json.RawMessage, WKT text, an already decoded GeoJSON object
// (map[string]any), a go-geom geometry and a *geos.Geom.
func Parse(v any, f Frame) Geometry {
	switch t := v.(type) {
	case nil:
		return Geometry{}
	case Geometry:
		return t
	case *geos.Geom:
		return New(t, f)
	case string:
		return parseText(t, f)
	case []byte:
		return parseText(string(t), f)
	case json.RawMessage:
		return parseText(string(t), f)
	case map[string]any:
		return parseObject(t, f)
	case geom.T:
		return parseGoGeom(t, f)
	default:
		zap.L().Debug("geometry: unsupported value type", zap.Any("value", v))
		return Geometry{}
	}
}

func parseText(s string, f Frame) Geometry {
	s = strings.TrimSpace(s)
	if missingMarkers[strings.ToLower(s)] {
		return Geometry{}
	}
	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			zap.L().Debug("geometry: malformed GeoJSON", zap.Error(err))
			return Geometry{}
		}
		return parseObject(obj, f)
	}
	g, err := geos.NewGeomFromWKT(s)
	if err != nil {
		zap.L().Debug("geometry: unreadable geometry text", zap.Error(err))
		return Geometry{}
	}
	return New(g, f)
}

func parseObject(obj map[string]any, f Frame) Geometry {
	if obj == nil {
		return Geometry{}
	}
	typ, _ := obj["type"].(string)
	switch typ {
	case "":
		zap.L().Debug("geometry: GeoJSON object without type")
		return Geometry{}
	case "Feature":
		inner, ok := obj["geometry"].(map[string]any)
		if !ok {
			return Geometry{}
		}
		return parseObject(inner, f)
	case "FeatureCollection":
		zap.L().Debug("geometry: feature collection is not a single geometry")
		return Geometry{}
	}

	data, err := json.Marshal(obj)
	if err != nil {
		zap.L().Debug("geometry: re-encode GeoJSON", zap.Error(err))
		return Geometry{}
	}
	var g *geos.Geom
	if err := guard(func() {
		g, err = geos.NewGeomFromGeoJSON(string(data))
	}); err != nil || g == nil {
		zap.L().Debug("geometry: GEOS rejected GeoJSON", zap.String("type", typ), zap.Error(err))
		return Geometry{}
	}
	return New(g, f)
}

func parseGoGeom(t geom.T, f Frame) Geometry {
	if t == nil {
		return Geometry{}
	}
	data, err := wkb.Marshal(t, wkb.NDR)
	if err != nil {
		zap.L().Debug("geometry: encode WKB", zap.Error(err))
		return Geometry{}
	}
	g, err := geos.NewGeomFromWKB(data)
	if err != nil {
		zap.L().Debug("geometry: GEOS rejected WKB", zap.Error(err))
		return Geometry{}
	}
	return New(g, f)
}
