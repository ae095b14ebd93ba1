package source

import (
	"context"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/density-cli/internal/fetcher"
	"github.com/sells-group/density-cli/internal/geometry"
)

// add appends rec unless its geometry could not be read.
func (c *Collection) add(rec Record) {
	if rec.Geometry.IsAbsent() {
		c.Unparsed++
		return
	}
	c.Records = append(c.Records, rec)
}

// addRow decodes one tabular row whose geometry is a text cell.
func (c *Collection) addRow(fs fieldSet, line int, row []string) {
	s := c.Source.Schema
	if fs.filter >= 0 && !keep(s, cell(row, fs.filter)) {
		c.Filtered++
		return
	}
	c.add(Record{
		Geometry: geometry.Parse(cell(row, fs.geometry), c.Source.Frame),
		Value:    parseValue(cell(row, fs.value)),
		ID:       cell(row, fs.id),
		Name:     cleanName(cell(row, fs.name)),
		Line:     line,
	})
}

func decodeCSV(ctx context.Context, path string, src Source) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		Delimiter:  src.Schema.Delimiter,
		Encoding:   src.Schema.Encoding,
		HeaderCh:   headerCh,
		LazyQuotes: true,
	})

	coll := &Collection{Source: src}
	var (
		fs       fieldSet
		resolved bool
		fieldErr error
	)
	for row := range rowCh {
		if !resolved {
			resolved = true
			fs, fieldErr = resolve(newColumns(<-headerCh), src.Schema, true)
		}
		if fieldErr != nil {
			continue
		}
		coll.addRow(fs, row.Line, row.Fields)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrapf(err, "source %q", src.Name)
	}
	if !resolved {
		select {
		case header := <-headerCh:
			_, fieldErr = resolve(newColumns(header), src.Schema, true)
		default:
			return nil, eris.Errorf("source %q: empty file", src.Name)
		}
	}
	if fieldErr != nil {
		return nil, eris.Wrapf(fieldErr, "source %q", src.Name)
	}
	return coll, nil
}

func decodeXLSX(path string, src Source) (*Collection, error) {
	header, rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SheetName: src.Schema.Sheet})
	if err != nil {
		return nil, eris.Wrapf(err, "source %q", src.Name)
	}
	fs, err := resolve(newColumns(header), src.Schema, true)
	if err != nil {
		return nil, eris.Wrapf(err, "source %q", src.Name)
	}
	coll := &Collection{Source: src}
	for i, row := range rows {
		coll.addRow(fs, i+2, row)
	}
	return coll, nil
}
