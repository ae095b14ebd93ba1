package fetcher

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// RatePerHost overrides the request rate (per second) for given hosts.
	RatePerHost map[string]float64
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
}

const (
	defaultRate  = 5
	maxBackoff   = 30 * time.Second
	defaultAgent = "density-cli/1.0"
)

// hostLimiter throttles one host. The rate halves on 429 responses and
// recovers by 20% per success, never leaving [initial/4, initial].
type hostLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newHostLimiter(r rate.Limit) *hostLimiter {
	burst := int(math.Max(1, float64(r)))
	return &hostLimiter{limiter: rate.NewLimiter(r, burst), initial: r, current: r}
}

func (h *hostLimiter) wait(ctx context.Context) error {
	return h.limiter.Wait(ctx)
}

func (h *hostLimiter) adjust(factor float64) rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.current * rate.Limit(factor)
	if next > h.initial {
		next = h.initial
	}
	if floor := h.initial / 4; next < floor {
		next = floor
	}
	h.current = next
	h.limiter.SetLimit(next)
	return next
}

// HTTPFetcher implements Fetcher with per-host rate limiting and
// exponential backoff on transport errors, 429 and 5xx responses.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultAgent
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:  opts,
		hosts: make(map[string]*hostLimiter),
	}
}

func (f *HTTPFetcher) limiter(rawURL string) *hostLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hosts[host]; ok {
		return h
	}
	r := rate.Limit(defaultRate)
	if v, ok := f.opts.RatePerHost[host]; ok && v > 0 {
		r = rate.Limit(v)
	}
	h := newHostLimiter(r)
	f.hosts[host] = h
	return h
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (f *HTTPFetcher) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	log := zap.L().With(zap.String("component", "fetcher"), zap.String("url", req.URL.String()))
	lim := f.limiter(req.URL.String())

	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if attempt > 0 {
			if err := f.sleep(ctx, attempt-1); err != nil {
				return nil, eris.Wrap(err, "fetcher: cancelled during backoff")
			}
		}
		if err := lim.wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			log.Warn("fetcher: request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if !retryable(resp.StatusCode) {
			lim.adjust(1.2)
			return resp, nil
		}

		_ = resp.Body.Close()
		lastErr = eris.Errorf("fetcher: http %d from %s", resp.StatusCode, req.URL.Host)
		if resp.StatusCode == http.StatusTooManyRequests {
			r := lim.adjust(0.5)
			log.Warn("fetcher: rate limited, slowing down",
				zap.Int("attempt", attempt+1), zap.Float64("rate", float64(r)))
			continue
		}
		log.Warn("fetcher: server error, retrying",
			zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
	}
	return nil, eris.Wrapf(lastErr, "fetcher: giving up after %d attempts", f.opts.MaxRetries)
}

// sleep waits the jittered exponential backoff for attempt.
func (f *HTTPFetcher) sleep(ctx context.Context, attempt int) error {
	d := time.Duration(float64(f.opts.BaseBackoff) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// DownloadToFile fetches the URL into path. The file only appears once the
// body has been fully written.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return n, eris.Wrap(err, "fetcher: write file")
	}
	if err := tmp.Close(); err != nil {
		return n, eris.Wrap(err, "fetcher: close file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, eris.Wrap(err, "fetcher: move file into place")
	}
	return n, nil
}
