package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// Cell shapes classify a value's type without its content, so two months of
// statements from the same bank fingerprint identically.
const (
	shapeEmpty   = "empty"
	shapeNumeric = "numeric"
	shapeDateISO = "date-iso"
	shapeDateUS  = "date-us"
	shapeAlpha   = "alpha"
	shapeMixed   = "mixed"
)

const fingerprintSampleRows = 5

var (
	numericRe = regexp.MustCompile(`^\(?-?[$€£]?\s?\d[\d,]*(\.\d+)?\)?$`)
	dateISORe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ].*)?$`)
	dateUSRe  = regexp.MustCompile(`^\d{1,2}[/.]\d{1,2}[/.]\d{2,4}$`)
)

func cellShape(cell string) string {
	v := strings.TrimSpace(cell)
	switch {
	case v == "":
		return shapeEmpty
	case dateISORe.MatchString(v):
		return shapeDateISO
	case dateUSRe.MatchString(v):
		return shapeDateUS
	case numericRe.MatchString(v):
		return shapeNumeric
	case isAlpha(v):
		return shapeAlpha
	default:
		return shapeMixed
	}
}

func isAlpha(v string) bool {
	for _, r := range v {
		if unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Fingerprint hashes the normalized header labels plus the cell shapes of up
// to five sample rows. Values never enter the hash.
func Fingerprint(header []string, sample [][]string) string {
	var b strings.Builder
	for i, cell := range header {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(normalizeHeaderCell(cell))
	}
	b.WriteString("||")

	n := len(sample)
	if n > fingerprintSampleRows {
		n = fingerprintSampleRows
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(';')
		}
		for j, cell := range sample[i] {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(cellShape(cell))
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
