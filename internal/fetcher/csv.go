package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// CSVOptions configures the streaming CSV reader.
type CSVOptions struct {
	Delimiter rune // default ','
	// Encoding names the file charset (e.g. "windows-1252"). Empty means UTF-8.
	Encoding string
	// HeaderCh, when set, receives the first row instead of the row channel.
	HeaderCh   chan<- []string
	LazyQuotes bool
}

// CSVRow is one data row with its 1-based line number in the file.
type CSVRow struct {
	Line   int
	Fields []string
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeCharset wraps r so it yields UTF-8. An empty or UTF-8 charset
// returns r unchanged.
func DecodeCharset(r io.Reader, charset string) (io.Reader, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(r), nil
}

// StreamCSV reads delimited text and sends rows to a channel. Fields are
// trimmed and a leading UTF-8 byte order mark is dropped. Both channels are
// closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan CSVRow, <-chan error) {
	rowCh := make(chan CSVRow, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		src, err := DecodeCharset(r, opts.Encoding)
		if err != nil {
			errCh <- err
			return
		}
		br := bufio.NewReader(src)
		if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			_, _ = br.Discard(len(utf8BOM))
		}

		reader := csv.NewReader(br)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1
		reader.ReuseRecord = false

		header := opts.HeaderCh != nil
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			for i := range record {
				record[i] = strings.TrimSpace(record[i])
			}

			if header {
				header = false
				select {
				case opts.HeaderCh <- record:
				case <-ctx.Done():
					errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
					return
				}
				continue
			}

			line, _ := reader.FieldPos(0)
			select {
			case rowCh <- CSVRow{Line: line, Fields: record}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
