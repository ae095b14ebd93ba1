package source

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/density-cli/internal/fetcher"
)

// ErrUnknownSource is returned when loading a name that is not configured.
var ErrUnknownSource = eris.New("source: unknown source")

// Repository loads configured sources. Each source is fetched and decoded
// at most once per Repository; concurrent loads of the same source share
// one fetch.
type Repository struct {
	fetch   fetcher.Fetcher
	tempDir string
	sources map[string]Source

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]*Collection
}

// NewRepository validates sources and returns a Repository. Remote
// locations are downloaded through f into tempDir.
func NewRepository(f fetcher.Fetcher, tempDir string, sources []Source) (*Repository, error) {
	r := &Repository{
		fetch:   f,
		tempDir: tempDir,
		sources: make(map[string]Source, len(sources)),
		cache:   make(map[string]*Collection),
	}
	var problems []string
	for _, s := range sources {
		if err := s.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := r.sources[s.Name]; dup {
			problems = append(problems, "duplicate source "+s.Name)
			continue
		}
		r.sources[s.Name] = s
	}
	if len(problems) > 0 {
		return nil, eris.Errorf("source: invalid catalog:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return r, nil
}

// Sources returns every configured source sorted by name.
func (r *Repository) Sources() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByRole returns the sources with role, sorted by name.
func (r *Repository) ByRole(role Role) []Source {
	var out []Source
	for _, s := range r.Sources() {
		if s.Role == role {
			out = append(out, s)
		}
	}
	return out
}

// Load returns the decoded collection of the named source.
func (r *Repository) Load(ctx context.Context, name string) (*Collection, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownSource, "%q", name)
	}

	r.mu.Lock()
	if c, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(name, func() (any, error) {
		c, err := r.load(ctx, src)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[name] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Collection), nil
}

func (r *Repository) load(ctx context.Context, src Source) (*Collection, error) {
	log := zap.L().With(zap.String("component", "source"), zap.String("source", src.Name))
	start := time.Now()

	local, cleanup, err := r.materialize(ctx, src)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var coll *Collection
	switch src.Format {
	case FormatCSV:
		coll, err = decodeCSV(ctx, local, src)
	case FormatXLSX:
		coll, err = decodeXLSX(local, src)
	case FormatGeoJSON:
		coll, err = decodeGeoJSON(local, src)
	case FormatShapefile:
		coll, err = decodeShapefile(local, src)
	default:
		err = eris.Errorf("source %q: unsupported format %q", src.Name, src.Format)
	}
	if err != nil {
		return nil, err
	}

	if coll.Unparsed > 0 {
		log.Warn("source: rows without readable geometry excluded", zap.Int("count", coll.Unparsed))
	}
	log.Info("source: loaded",
		zap.String("format", string(src.Format)),
		zap.Int("records", len(coll.Records)),
		zap.Int("filtered", coll.Filtered),
		zap.Duration("elapsed", time.Since(start)),
	)
	return coll, nil
}

// formatExts lists the file extensions each format is read from.
var formatExts = map[Format][]string{
	FormatCSV:       {".csv", ".txt", ".tsv"},
	FormatXLSX:      {".xlsx"},
	FormatGeoJSON:   {".geojson", ".json"},
	FormatShapefile: {".shp", ".shx", ".dbf", ".prj", ".cpg"},
}

// materialize returns a local file for src, downloading and unpacking as
// needed. cleanup removes anything materialize created.
func (r *Repository) materialize(ctx context.Context, src Source) (string, func(), error) {
	noop := func() {}
	local := src.Location

	work, err := os.MkdirTemp(r.tempDir, "density-"+sanitize(src.Name)+"-")
	if err != nil {
		return "", noop, eris.Wrap(err, "source: create work dir")
	}
	cleanup := func() { _ = os.RemoveAll(work) }

	if fetcher.IsRemote(src.Location) {
		if r.fetch == nil {
			cleanup()
			return "", noop, eris.Errorf("source %q: remote location without fetcher", src.Name)
		}
		local = filepath.Join(work, remoteFileName(src))
		if _, err := r.fetch.DownloadToFile(ctx, src.Location, local); err != nil {
			cleanup()
			return "", noop, eris.Wrapf(err, "source %q: download", src.Name)
		}
	}

	if strings.EqualFold(filepath.Ext(local), ".zip") {
		exts := formatExts[src.Format]
		files, err := fetcher.ExtractZIP(local, filepath.Join(work, "unzipped"), fetcher.HasExt(exts...))
		if err != nil {
			cleanup()
			return "", noop, eris.Wrapf(err, "source %q: unpack", src.Name)
		}
		var found string
		for _, ext := range exts {
			if found = fetcher.FindByExt(files, ext); found != "" {
				break
			}
		}
		if found == "" {
			cleanup()
			return "", noop, eris.Errorf("source %q: archive has no %s file", src.Name, src.Format)
		}
		local = found
	}
	return local, cleanup, nil
}

// remoteFileName keeps the URL's file name so the extension survives,
// falling back to the format's own extension.
func remoteFileName(src Source) string {
	if u, err := url.Parse(src.Location); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." && filepath.Ext(base) != "" {
			return sanitize(base)
		}
	}
	return sanitize(src.Name) + formatExts[src.Format][0]
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
