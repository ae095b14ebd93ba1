package source

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

func foldKey(s string) string {
	return folder.String(norm.NFC.String(strings.TrimSpace(s)))
}

// columns resolves configured field names against a header. Matching is
// exact up to case folding and Unicode normalization.
type columns struct {
	index map[string]int
}

func newColumns(header []string) columns {
	c := columns{index: make(map[string]int, len(header))}
	for i, h := range header {
		k := foldKey(h)
		if _, dup := c.index[k]; !dup {
			c.index[k] = i
		}
	}
	return c
}

// lookup returns the column of field, or -1 when field is unset.
func (c columns) lookup(field string) (int, error) {
	if field == "" {
		return -1, nil
	}
	i, ok := c.index[foldKey(field)]
	if !ok {
		return -1, eris.Errorf("source: field %q not found", field)
	}
	return i, nil
}

// fieldSet holds the resolved columns of a schema.
type fieldSet struct {
	geometry, value, id, name, filter int
}

func resolve(c columns, s Schema, withGeometry bool) (fieldSet, error) {
	var (
		fs  fieldSet
		err error
	)
	fs.geometry = -1
	if withGeometry {
		if fs.geometry, err = c.lookup(s.Geometry); err != nil {
			return fs, err
		}
	}
	if fs.value, err = c.lookup(s.Value); err != nil {
		return fs, err
	}
	if fs.id, err = c.lookup(s.ID); err != nil {
		return fs, err
	}
	if fs.name, err = c.lookup(s.Name); err != nil {
		return fs, err
	}
	if fs.filter, err = c.lookup(s.FilterField); err != nil {
		return fs, err
	}
	return fs, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// parseValue reads a numeric cell. Blank and unreadable cells yield nil.
// A decimal comma is accepted.
func parseValue(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		v, err = strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return nil
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// cleanName normalizes a display name to NFC.
func cleanName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// keep applies the schema prefix filter.
func keep(s Schema, value string) bool {
	if s.FilterPrefix == "" {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(value), s.FilterPrefix)
}
