package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX_HeaderAndRows(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"IRIS": {
			{"CODE_IRIS", "M2_PL_TOT"},
			{"751010101", " 1200 "},
			{"751010102", "800"},
			{"", ""},
		},
	})

	header, rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"CODE_IRIS", "M2_PL_TOT"}, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"751010101", "1200"}, rows[0])
}

func TestReadXLSX_SheetName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"First":  {{"a"}},
		"Second": {{"x", "y"}, {"1", "2"}},
	})

	header, rows, err := ReadXLSX(path, XLSXOptions{SheetName: "Second"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, header)
	assert.Equal(t, [][]string{{"1", "2"}}, rows)

	_, _, err = ReadXLSX(path, XLSXOptions{SheetName: "Missing"})
	assert.Error(t, err)
}

func TestReadXLSX_IndexOutOfRange(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Only": {{"a"}}})
	_, _, err := ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, _, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), XLSXOptions{})
	assert.Error(t, err)
}
