// Package geometry wraps GEOS geometries with the coordinate reference frame
// they are expressed in, and provides parsing, reprojection and the polygon
// algebra used by the density engine.
package geometry

import (
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// Frame identifies a coordinate reference system by code and PROJ.4 definition.
type Frame struct {
	Code  string `json:"code" yaml:"code"`
	Proj4 string `json:"proj4" yaml:"proj4"`
}

// String returns the frame code.
func (f Frame) String() string { return f.Code }

// IsZero reports whether the frame is unset.
func (f Frame) IsZero() bool { return f.Code == "" }

// Built-in frames.
var (
	WGS84 = Frame{
		Code:  "EPSG:4326",
		Proj4: "+proj=longlat +datum=WGS84 +no_defs",
	}
	Lambert93 = Frame{
		Code:  "EPSG:2154",
		Proj4: "+proj=lcc +lat_1=49 +lat_2=44 +lat_0=46.5 +lon_0=3 +x_0=700000 +y_0=6600000 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	}
	WebMercator = Frame{
		Code:  "EPSG:3857",
		Proj4: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext +no_defs",
	}
)

// ErrUnknownFrame is returned when a frame code is not registered.
var ErrUnknownFrame = eris.New("geometry: unknown frame")

// Registry resolves frame codes to frames.
type Registry struct {
	mu     sync.RWMutex
	frames map[string]Frame
}

// NewRegistry returns a registry holding the built-in frames plus extra
// code → PROJ.4 definitions.
func NewRegistry(extra map[string]string) *Registry {
	r := &Registry{frames: make(map[string]Frame)}
	for _, f := range []Frame{WGS84, Lambert93, WebMercator} {
		r.frames[normalizeCode(f.Code)] = f
	}
	for code, def := range extra {
		r.Register(Frame{Code: strings.ToUpper(strings.TrimSpace(code)), Proj4: def})
	}
	return r
}

// Register adds or replaces a frame.
func (r *Registry) Register(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[normalizeCode(f.Code)] = f
}

// Lookup returns the frame registered under code. Codes are matched
// case-insensitively and a bare EPSG number ("2154") is accepted.
func (r *Registry) Lookup(code string) (Frame, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.frames[normalizeCode(code)]
	if !ok {
		return Frame{}, eris.Wrapf(ErrUnknownFrame, "code %q", code)
	}
	return f, nil
}

// Codes returns the registered codes in sorted order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		codes = append(codes, f.Code)
	}
	sort.Strings(codes)
	return codes
}

func normalizeCode(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return c
	}
	if !strings.Contains(c, ":") {
		c = "EPSG:" + c
	}
	return c
}
