package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

// MappingResolver answers column-mapping questions for unseen file shapes.
// *resolver.Resolver satisfies it.
type MappingResolver interface {
	Resolve(ctx context.Context, q resolver.Question) (*resolver.Answer, error)
}

// Store is the persistence surface the importer needs. InsertImport must be
// transactional: the statement row, its transactions and its row errors land
// together or not at all.
type Store interface {
	FingerprintByHash(ctx context.Context, fileHash string) (*models.StatementFingerprint, error)
	InsertFingerprint(ctx context.Context, fp *models.StatementFingerprint) error
	IncrementFingerprintUse(ctx context.Context, id uuid.UUID) error
	VerifyFingerprint(ctx context.Context, id uuid.UUID, mapping models.ColumnMapping, signConvention string) error
	ExistingDedupKeys(ctx context.Context, userID uuid.UUID, keys []string) (map[string]bool, error)
	InsertImport(ctx context.Context, stmt *models.Statement, txs []models.Transaction, rowErrs []models.RowError) error
}

// Result is the outcome of one statement upload.
type Result struct {
	StatementID              uuid.UUID `json:"statementId"`
	FingerprintID            uuid.UUID `json:"fingerprintId"`
	Imported                 int       `json:"imported"`
	Duplicates               int       `json:"duplicates"`
	FailedRows               int       `json:"failedRows"`
	NeedsMappingConfirmation bool      `json:"needsMappingConfirmation"`
}

type Importer struct {
	store    Store
	resolver MappingResolver
	clock    ports.Clock
}

func NewImporter(store Store, res MappingResolver, clock ports.Clock) *Importer {
	return &Importer{store: store, resolver: res, clock: clock}
}

// mappingAnswer is the JSON shape the resolver returns for a column_mapping
// question. Column indexes are zero-based; -1 means absent.
type mappingAnswer struct {
	DateCol        int    `json:"date_col"`
	PostDateCol    int    `json:"post_date_col"`
	DescriptionCol int    `json:"description_col"`
	MerchantCol    int    `json:"merchant_col"`
	AmountCol      int    `json:"amount_col"`
	DateLocale     string `json:"date_locale"`
	SignConvention string `json:"sign_convention"`
}

// Import runs the whole pipeline for one upload. Reimporting the same bytes
// is safe: every row dedups against the DB, so the second pass inserts
// nothing and still succeeds.
func (im *Importer) Import(ctx context.Context, userID uuid.UUID, filename string, data []byte) (*Result, error) {
	rows, err := ParseRows(data)
	if err != nil {
		return nil, err
	}
	headerIdx, err := FindHeaderRow(rows)
	if err != nil {
		return nil, err
	}
	header := rows[headerIdx]
	dataRows := rows[headerIdx+1:]

	fileHash := Fingerprint(header, dataRows)
	fp, needsConfirmation, err := im.fingerprintFor(ctx, userID, fileHash, headerIdx, header, dataRows)
	if err != nil {
		return nil, err
	}

	stmt := &models.Statement{
		ID:            uuid.New(),
		UserID:        userID,
		Filename:      filename,
		FileHash:      rawHash(data),
		FingerprintID: fp.ID,
		ImportedAt:    im.clock.Now(),
	}

	txs, rowErrs := im.extractRows(userID, stmt.ID, headerIdx, dataRows, fp)
	if len(txs) == 0 && len(rowErrs) > 0 {
		return nil, models.E(models.KindUnrecognizedFormat, "no statement rows parsed (%d failed)", len(rowErrs))
	}

	inserted, duplicates, err := im.dedup(ctx, userID, txs)
	if err != nil {
		return nil, err
	}

	stmt.RowsImported = len(inserted)
	stmt.RowsDuplicate = duplicates
	stmt.RowsFailed = len(rowErrs)
	if err := im.store.InsertImport(ctx, stmt, inserted, rowErrs); err != nil {
		return nil, err
	}

	log.Printf("[Ingest] statement %s: %d imported, %d duplicates, %d failed (fingerprint %s)",
		stmt.ID, stmt.RowsImported, duplicates, len(rowErrs), fp.ID)
	return &Result{
		StatementID:              stmt.ID,
		FingerprintID:            fp.ID,
		Imported:                 stmt.RowsImported,
		Duplicates:               duplicates,
		FailedRows:               len(rowErrs),
		NeedsMappingConfirmation: needsConfirmation,
	}, nil
}

// fingerprintFor reuses a cached mapping for a known file shape, otherwise
// asks the resolver to infer one from the headers and sample rows.
func (im *Importer) fingerprintFor(ctx context.Context, userID uuid.UUID, fileHash string, headerIdx int, header []string, dataRows [][]string) (*models.StatementFingerprint, bool, error) {
	fp, err := im.store.FingerprintByHash(ctx, fileHash)
	if err == nil {
		if err := im.store.IncrementFingerprintUse(ctx, fp.ID); err != nil {
			log.Printf("[Ingest] fingerprint use count update failed: %v", err)
		}
		return fp, !fp.Verified, nil
	}
	if !models.IsNotFound(err) {
		return nil, false, err
	}

	mapping, sign, err := im.resolveMapping(ctx, userID, header, dataRows)
	if err != nil {
		return nil, false, err
	}
	fp = &models.StatementFingerprint{
		ID:              uuid.New(),
		FileHash:        fileHash,
		Mapping:         mapping,
		HeaderRowIdx:    headerIdx,
		SignConvention:  sign,
		Verified:        false,
		CreatedByUserID: userID,
		Uses:            1,
		CreatedAt:       im.clock.Now(),
	}
	if err := im.store.InsertFingerprint(ctx, fp); err != nil {
		return nil, false, err
	}
	return fp, true, nil
}

func (im *Importer) resolveMapping(ctx context.Context, userID uuid.UUID, header []string, dataRows [][]string) (models.ColumnMapping, string, error) {
	sample := dataRows
	if len(sample) > 3 {
		sample = sample[:3]
	}
	var sampleLines []string
	for _, row := range sample {
		sampleLines = append(sampleLines, strings.Join(row, " | "))
	}

	ans, err := im.resolver.Resolve(ctx, resolver.Question{
		Kind:   models.QuestionColumnMapping,
		UserID: userID,
		Input:  strings.Join(header, " | "),
		Context: map[string]string{
			"sample_rows": strings.Join(sampleLines, "\n"),
		},
	})
	if err != nil {
		return models.ColumnMapping{}, "", err
	}

	var parsed mappingAnswer
	if err := json.Unmarshal([]byte(ans.Value), &parsed); err != nil {
		return models.ColumnMapping{}, "", models.WrapErr(models.KindUnrecognizedFormat, err, "unusable column mapping")
	}
	if parsed.DateCol < 0 || parsed.DescriptionCol < 0 || parsed.AmountCol < 0 {
		return models.ColumnMapping{}, "", models.E(models.KindUnrecognizedFormat, "column mapping missing date, description or amount")
	}
	if parsed.DateLocale == "" {
		parsed.DateLocale = "iso"
	}
	sign := parsed.SignConvention
	if sign != models.SignDebitsPositive {
		sign = models.SignDebitsNegative
	}
	mapping := models.ColumnMapping{
		DateCol:        parsed.DateCol,
		PostDateCol:    orAbsent(parsed.PostDateCol),
		DescriptionCol: parsed.DescriptionCol,
		MerchantCol:    orAbsent(parsed.MerchantCol),
		AmountCol:      parsed.AmountCol,
		DateLocale:     parsed.DateLocale,
	}
	return mapping, sign, nil
}

func orAbsent(col int) int {
	if col < 0 {
		return -1
	}
	return col
}

// ConfirmMapping promotes a fingerprint to verified, optionally with a
// user-corrected mapping.
func (im *Importer) ConfirmMapping(ctx context.Context, fingerprintID uuid.UUID, mapping models.ColumnMapping, signConvention string) error {
	if signConvention != models.SignDebitsNegative && signConvention != models.SignDebitsPositive {
		return models.E(models.KindValidation, "unknown sign convention %q", signConvention)
	}
	if mapping.DateCol < 0 || mapping.DescriptionCol < 0 || mapping.AmountCol < 0 {
		return models.E(models.KindValidation, "mapping must assign date, description and amount columns")
	}
	return im.store.VerifyFingerprint(ctx, fingerprintID, mapping, signConvention)
}

func (im *Importer) extractRows(userID, statementID uuid.UUID, headerIdx int, dataRows [][]string, fp *models.StatementFingerprint) ([]models.Transaction, []models.RowError) {
	var txs []models.Transaction
	var rowErrs []models.RowError

	for i, row := range dataRows {
		if emptyRow(row) {
			continue
		}
		tx, err := im.extractRow(userID, statementID, row, fp)
		if err != nil {
			rowErrs = append(rowErrs, models.RowError{
				ID:          uuid.New(),
				StatementID: statementID,
				RowIdx:      headerIdx + 1 + i,
				Raw:         strings.Join(row, " | "),
				Reason:      err.Error(),
			})
			continue
		}
		txs = append(txs, *tx)
	}
	return txs, rowErrs
}

func (im *Importer) extractRow(userID, statementID uuid.UUID, row []string, fp *models.StatementFingerprint) (*models.Transaction, error) {
	m := fp.Mapping

	date, err := parseStatementDate(cellAt(row, m.DateCol), m.DateLocale)
	if err != nil {
		return nil, err
	}
	var postDate *time.Time
	if m.PostDateCol >= 0 {
		if pd, err := parseStatementDate(cellAt(row, m.PostDateCol), m.DateLocale); err == nil {
			postDate = &pd
		}
	}

	amount, err := models.ParseCents(cellAt(row, m.AmountCol))
	if err != nil {
		return nil, models.E(models.KindValidation, "bad amount %q: %v", cellAt(row, m.AmountCol), err)
	}
	// Internal convention: debits are negative.
	if fp.SignConvention == models.SignDebitsPositive {
		amount = -amount
	}

	desc := strings.TrimSpace(cellAt(row, m.DescriptionCol))
	if desc == "" {
		return nil, models.E(models.KindValidation, "empty description")
	}
	merchant := desc
	if m.MerchantCol >= 0 {
		if mv := strings.TrimSpace(cellAt(row, m.MerchantCol)); mv != "" {
			merchant = mv
		}
	}

	return &models.Transaction{
		ID:                    uuid.New(),
		UserID:                userID,
		StatementID:           statementID,
		Description:           desc,
		MerchantRaw:           merchant,
		Amount:                amount,
		Date:                  date,
		PostDate:              postDate,
		MatchStatus:           models.MatchUnmatched,
		ReimbursabilitySource: models.ReimbSourceNone,
		DedupKey:              DedupKey(userID, date, amount, desc),
	}, nil
}

// dedup drops duplicates both within the import and against existing rows.
func (im *Importer) dedup(ctx context.Context, userID uuid.UUID, txs []models.Transaction) ([]models.Transaction, int, error) {
	keys := make([]string, 0, len(txs))
	for i := range txs {
		keys = append(keys, txs[i].DedupKey)
	}
	existing, err := im.store.ExistingDedupKeys(ctx, userID, keys)
	if err != nil {
		return nil, 0, err
	}

	seen := make(map[string]bool, len(txs))
	inserted := make([]models.Transaction, 0, len(txs))
	duplicates := 0
	for i := range txs {
		key := txs[i].DedupKey
		if existing[key] || seen[key] {
			duplicates++
			continue
		}
		seen[key] = true
		inserted = append(inserted, txs[i])
	}
	return inserted, duplicates, nil
}

// DedupKey identifies a transaction by user, date, amount and the first 40
// characters of its normalized description.
func DedupKey(userID uuid.UUID, date time.Time, amount models.Cents, desc string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(desc)), " ")
	if r := []rune(norm); len(r) > 40 {
		norm = string(r[:40])
	}
	payload := userID.String() + "|" + date.UTC().Format("2006-01-02") + "|" + amount.String() + "|" + norm
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func rawHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func emptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

var dateLayouts = map[string][]string{
	"iso": {"2006-01-02", "2006-01-02 15:04:05", "2006/01/02"},
	"us":  {"01/02/2006", "1/2/2006", "01/02/06", "01-02-2006"},
	"eu":  {"02/01/2006", "2/1/2006", "02.01.2006", "02-01-2006"},
}

func parseStatementDate(s, locale string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, models.E(models.KindValidation, "empty date")
	}
	layouts, ok := dateLayouts[locale]
	if !ok {
		layouts = dateLayouts["iso"]
	}
	// ISO dates are unambiguous, so they are accepted under any locale.
	for _, layout := range append(layouts, dateLayouts["iso"]...) {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, models.E(models.KindValidation, "unparseable date %q for locale %s", v, locale)
}
