package export

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/density-cli/internal/model"
)

// WorkbookFileName is the XLSX workbook holding one sheet per level.
const WorkbookFileName = "density.xlsx"

// SheetName is the worksheet a level's table is written to.
func SheetName(l model.Level) string {
	return "density_" + string(l)
}

// Workbook builds an XLSX file with one sheet per table. Numeric cells are
// written as numbers.
func Workbook(tables []model.Table) (*xlsx.File, error) {
	file := xlsx.NewFile()
	for _, t := range tables {
		sheet, err := file.AddSheet(SheetName(t.Level))
		if err != nil {
			return nil, eris.Wrapf(err, "export: add sheet %s", t.Level)
		}
		header := sheet.AddRow()
		for _, c := range t.Columns() {
			header.AddCell().SetString(c)
		}
		for _, rec := range t.Records {
			row := sheet.AddRow()
			for _, v := range t.Values(rec) {
				setCell(row.AddCell(), v)
			}
		}
	}
	return file, nil
}

func setCell(c *xlsx.Cell, v any) {
	switch x := v.(type) {
	case float64:
		c.SetFloat(x)
	case int:
		c.SetInt(x)
	case bool:
		c.SetBool(x)
	default:
		c.SetString(model.FormatCell(v))
	}
}

// WriteXLSXFile writes the workbook for tables to path.
func WriteXLSXFile(path string, tables []model.Table) error {
	file, err := Workbook(tables)
	if err != nil {
		return err
	}
	return eris.Wrap(file.Save(path), "export: save workbook")
}
