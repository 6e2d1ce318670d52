package ingest

import (
	"strings"

	"github.com/rawblock/expense-engine/pkg/models"
)

// Known header synonyms per logical column. A row qualifies as the header
// when at least three of its cells land in any of these sets.
var headerSynonyms = map[string][]string{
	"date":        {"date", "transaction date", "trans date", "txn date"},
	"post_date":   {"post date", "posted", "posted date", "posting date"},
	"description": {"description", "details", "memo", "narrative", "transaction description"},
	"merchant":    {"merchant", "payee", "vendor", "name"},
	"amount":      {"amount", "debit", "credit", "transaction amount", "value"},
	"balance":     {"balance", "running balance", "running bal"},
}

const (
	headerScanRows = 10
	headerMinHits  = 3
)

func normalizeHeaderCell(cell string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(cell))), " ")
}

func headerFieldFor(cell string) (string, bool) {
	norm := normalizeHeaderCell(cell)
	if norm == "" {
		return "", false
	}
	for field, synonyms := range headerSynonyms {
		for _, s := range synonyms {
			if norm == s {
				return field, true
			}
		}
	}
	return "", false
}

// FindHeaderRow scans the first ten rows for one where at least three cells
// match a known column synonym. Failure rejects the whole import.
func FindHeaderRow(rows [][]string) (int, error) {
	limit := len(rows)
	if limit > headerScanRows {
		limit = headerScanRows
	}
	for i := 0; i < limit; i++ {
		hits := 0
		seen := make(map[string]bool)
		for _, cell := range rows[i] {
			if field, ok := headerFieldFor(cell); ok && !seen[field] {
				seen[field] = true
				hits++
			}
		}
		if hits >= headerMinHits {
			return i, nil
		}
	}
	return -1, models.E(models.KindUnrecognizedFormat, "no header row found in first %d rows", headerScanRows)
}
