// Package ingest turns uploaded statement files into transaction rows:
// content sniffing, header detection, shape fingerprinting, column-mapping
// resolution and idempotent row insertion.
package ingest

import (
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/rawblock/expense-engine/pkg/models"
)

// FileKind is the sniffed container format of an upload.
type FileKind string

const (
	KindDelimited   FileKind = "delimited"
	KindSpreadsheet FileKind = "spreadsheet"
)

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// DetectKind sniffs the upload by content, never by filename. Zipped
// spreadsheets (xlsx) start with the PK local-file header.
func DetectKind(data []byte) FileKind {
	if bytes.HasPrefix(data, zipMagic) {
		return KindSpreadsheet
	}
	return KindDelimited
}

// ParseRows reads the upload into a row grid. Spreadsheets use the first
// sheet; delimited text is BOM-stripped, decoded from UTF-16 when a BOM
// says so, and split on the dominant delimiter.
func ParseRows(data []byte) ([][]string, error) {
	if len(data) == 0 {
		return nil, models.E(models.KindUnrecognizedFormat, "empty upload")
	}
	if DetectKind(data) == KindSpreadsheet {
		return spreadsheetRows(data)
	}
	return delimitedRows(data)
}

func spreadsheetRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, models.WrapErr(models.KindUnrecognizedFormat, err, "unreadable spreadsheet")
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, models.E(models.KindUnrecognizedFormat, "spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, models.WrapErr(models.KindUnrecognizedFormat, err, "unreadable sheet %q", sheet)
	}
	return rows, nil
}

func delimitedRows(data []byte) ([][]string, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = detectDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, models.WrapErr(models.KindUnrecognizedFormat, err, "malformed delimited text")
		}
		rows = append(rows, record)
	}
	if len(rows) == 0 {
		return nil, models.E(models.KindUnrecognizedFormat, "no rows in upload")
	}
	return rows, nil
}

// decodeText strips a UTF-8 BOM or transcodes UTF-16 (either endianness,
// BOM-detected) to UTF-8.
func decodeText(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:]), nil
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}), bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		out, _, err := transform.Bytes(dec, data)
		if err != nil {
			return "", models.WrapErr(models.KindUnrecognizedFormat, err, "bad UTF-16 text")
		}
		return string(out), nil
	default:
		return string(data), nil
	}
}

// detectDelimiter picks the most frequent of comma, semicolon and tab in
// the first line. Comma wins ties.
func detectDelimiter(text string) rune {
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	best, bestCount := ',', strings.Count(line, ",")
	if n := strings.Count(line, ";"); n > bestCount {
		best, bestCount = ';', n
	}
	if n := strings.Count(line, "\t"); n > bestCount {
		best = '\t'
	}
	return rune(best)
}
