// Package fetcher retrieves source datasets over HTTP and unpacks the
// formats open-data portals publish them in: CSV, XLSX and ZIP archives.
package fetcher

import (
	"context"
	"io"
	"strings"
)

// Fetcher downloads remote datasets.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns the bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// IsRemote reports whether location is an http(s) URL rather than a path.
func IsRemote(location string) bool {
	l := strings.ToLower(strings.TrimSpace(location))
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
