package export

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/density-cli/internal/model"
)

// CSVFileName is the file a level's table is written to.
func CSVFileName(l model.Level) string {
	return "density_" + string(l) + ".csv"
}

// WriteCSV writes t with a header row. Output is a pure function of t.
func WriteCSV(w io.Writer, t model.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns()); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, row := range t.Rows() {
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteCSVFile writes t to path, replacing any existing file.
func WriteCSVFile(path string, t model.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "export: create csv")
	}
	if err := WriteCSV(f, t); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrap(f.Close(), "export: close csv")
}
