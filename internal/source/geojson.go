package source

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/density-cli/internal/geometry"
)

type geoJSONFeature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
}

// propertyString renders a scalar property as text.
func propertyString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// properties is a feature's property bag with folded keys.
type properties map[string]any

func foldProperties(in map[string]any) properties {
	out := make(properties, len(in))
	for k, v := range in {
		out[foldKey(k)] = v
	}
	return out
}

func (p properties) get(field string) (any, bool) {
	if field == "" {
		return nil, false
	}
	v, ok := p[foldKey(field)]
	return v, ok
}

func (p properties) text(field string) string {
	v, _ := p.get(field)
	return propertyString(v)
}

func decodeGeoJSON(path string, src Source) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", path)
	}
	var fc geoJSONCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrapf(err, "source %q: decode GeoJSON", src.Name)
	}
	if fc.Type != "FeatureCollection" {
		return nil, eris.Errorf("source %q: expected FeatureCollection, got %q", src.Name, fc.Type)
	}

	s := src.Schema
	useMember := s.Geometry == "" || foldKey(s.Geometry) == GeometryMember

	// Features need not share keys, so a configured field only counts as
	// missing when no feature carries it.
	wanted := []string{s.Value, s.ID, s.Name, s.FilterField}
	if !useMember {
		wanted = append(wanted, s.Geometry)
	}
	seen := map[string]bool{}

	coll := &Collection{Source: src}
	for i, f := range fc.Features {
		props := foldProperties(f.Properties)
		for _, w := range wanted {
			if _, ok := props.get(w); ok {
				seen[w] = true
			}
		}

		if s.FilterField != "" && !keep(s, props.text(s.FilterField)) {
			coll.Filtered++
			continue
		}

		var g geometry.Geometry
		if useMember {
			g = geometry.Parse(f.Geometry, src.Frame)
		} else if v, ok := props.get(s.Geometry); ok {
			g = geometry.Parse(v, src.Frame)
		}

		coll.add(Record{
			Geometry: g,
			Value:    parseValue(props.text(s.Value)),
			ID:       props.text(s.ID),
			Name:     cleanName(props.text(s.Name)),
			Line:     i + 1,
		})
	}

	if len(fc.Features) > 0 {
		for _, w := range wanted {
			if w != "" && !seen[w] {
				return nil, eris.Errorf("source %q: field %q not found in any feature", src.Name, w)
			}
		}
	}
	return coll, nil
}
