package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-engine/pkg/models"
)

func TestCellShape(t *testing.T) {
	tests := []struct {
		cell string
		want string
	}{
		{"", shapeEmpty},
		{"  ", shapeEmpty},
		{"-4.75", shapeNumeric},
		{"$1,234.56", shapeNumeric},
		{"(19.99)", shapeNumeric},
		{"2026-01-02", shapeDateISO},
		{"01/02/2026", shapeDateUS},
		{"1/2/26", shapeDateUS},
		{"STARBUCKS", shapeAlpha},
		{"Amazon Mktplace*AB12", shapeMixed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cellShape(tt.cell), "cellShape(%q)", tt.cell)
	}
}

func TestFingerprintIgnoresValues(t *testing.T) {
	header := []string{"Post Date", "Description", "Amount"}
	january := [][]string{
		{"2026-01-02", "STARBUCKS #1234", "-4.75"},
		{"2026-01-03", "Amazon Mktplace*AB12", "-19.99"},
	}
	february := [][]string{
		{"2026-02-07", "DELTA AIR LINES", "-450.00"},
		{"2026-02-11", "Uber Trip*XY99", "-23.10"},
	}
	assert.Equal(t, Fingerprint(header, january), Fingerprint(header, february),
		"same header and cell shapes must fingerprint identically across months")

	differentShape := [][]string{
		{"not a date", "STARBUCKS #1234", "-4.75"},
	}
	assert.NotEqual(t, Fingerprint(header, january), Fingerprint(header, differentShape))
	assert.NotEqual(t, Fingerprint([]string{"Date", "Memo", "Amount"}, january), Fingerprint(header, january))
}

func TestFindHeaderRow(t *testing.T) {
	rows := [][]string{
		{"Acme Bank"},
		{"Statement period", "Jan 2026"},
		{"Post Date", "Description", "Amount"},
		{"2026-01-02", "STARBUCKS #1234", "-4.75"},
	}
	idx, err := FindHeaderRow(rows)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestFindHeaderRowUnrecognized(t *testing.T) {
	rows := [][]string{
		{"a", "b", "c"},
		{"1", "2", "3"},
	}
	_, err := FindHeaderRow(rows)
	require.Error(t, err)
	assert.Equal(t, models.KindUnrecognizedFormat, models.KindOf(err))
}

func TestParseRowsDelimited(t *testing.T) {
	rows, err := ParseRows([]byte("Date;Description;Amount\n2026-01-02;Coffee;-4.75\n"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Date", "Description", "Amount"}, rows[0])

	// UTF-8 BOM is stripped before the header lands in the grid.
	rows, err = ParseRows([]byte("\xEF\xBB\xBFDate,Description,Amount\n"))
	require.NoError(t, err)
	assert.Equal(t, "Date", rows[0][0])
}
