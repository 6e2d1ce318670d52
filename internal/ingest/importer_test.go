package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

type memIngestStore struct {
	fingerprints map[string]*models.StatementFingerprint
	dedupKeys    map[string]bool
	statements   []*models.Statement
	txs          []models.Transaction
	rowErrs      []models.RowError
}

func newMemIngestStore() *memIngestStore {
	return &memIngestStore{
		fingerprints: make(map[string]*models.StatementFingerprint),
		dedupKeys:    make(map[string]bool),
	}
}

func (s *memIngestStore) FingerprintByHash(_ context.Context, fileHash string) (*models.StatementFingerprint, error) {
	fp, ok := s.fingerprints[fileHash]
	if !ok {
		return nil, models.E(models.KindNotFound, "unknown fingerprint")
	}
	cp := *fp
	return &cp, nil
}

func (s *memIngestStore) InsertFingerprint(_ context.Context, fp *models.StatementFingerprint) error {
	cp := *fp
	s.fingerprints[fp.FileHash] = &cp
	return nil
}

func (s *memIngestStore) IncrementFingerprintUse(_ context.Context, id uuid.UUID) error {
	for _, fp := range s.fingerprints {
		if fp.ID == id {
			fp.Uses++
		}
	}
	return nil
}

func (s *memIngestStore) VerifyFingerprint(_ context.Context, id uuid.UUID, mapping models.ColumnMapping, sign string) error {
	for _, fp := range s.fingerprints {
		if fp.ID == id {
			fp.Mapping = mapping
			fp.SignConvention = sign
			fp.Verified = true
			return nil
		}
	}
	return models.E(models.KindNotFound, "fingerprint %s", id)
}

func (s *memIngestStore) ExistingDedupKeys(_ context.Context, _ uuid.UUID, keys []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, k := range keys {
		if s.dedupKeys[k] {
			out[k] = true
		}
	}
	return out, nil
}

func (s *memIngestStore) InsertImport(_ context.Context, stmt *models.Statement, txs []models.Transaction, rowErrs []models.RowError) error {
	s.statements = append(s.statements, stmt)
	s.txs = append(s.txs, txs...)
	s.rowErrs = append(s.rowErrs, rowErrs...)
	for i := range txs {
		s.dedupKeys[txs[i].DedupKey] = true
	}
	return nil
}

// scriptedMapper answers every column_mapping question with a fixed mapping.
type scriptedMapper struct {
	answer string
	calls  int
}

func (m *scriptedMapper) Resolve(_ context.Context, q resolver.Question) (*resolver.Answer, error) {
	m.calls++
	return &resolver.Answer{Value: m.answer, Tier: models.TierSmall, Confidence: 0.9}, nil
}

const chaseMapping = `{"date_col":0,"post_date_col":-1,"description_col":1,"merchant_col":-1,"amount_col":2,"date_locale":"iso","sign_convention":"debits_negative"}`

func newTestImporter(store Store, mapper MappingResolver) *Importer {
	clock := ports.NewFakeClock(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	return NewImporter(store, mapper, clock)
}

func TestImportDedupsWithinFileAndAcrossReimports(t *testing.T) {
	file := []byte("Post Date,Description,Amount\n" +
		"2026-01-02,STARBUCKS #1234,-4.75\n" +
		"2026-01-03,Amazon Mktplace*AB12,-19.99\n" +
		"2026-01-03,Amazon Mktplace*AB12,-19.99\n")

	store := newMemIngestStore()
	mapper := &scriptedMapper{answer: chaseMapping}
	im := newTestImporter(store, mapper)
	user := uuid.New()

	res, err := im.Import(context.Background(), user, "jan.csv", file)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 0, res.FailedRows)
	assert.True(t, res.NeedsMappingConfirmation, "fresh fingerprint starts unverified")
	assert.Equal(t, 1, mapper.calls)
	require.Len(t, store.txs, 2)
	assert.Equal(t, models.Cents(-475), store.txs[0].Amount)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), store.txs[0].Date)

	// Reimporting the same bytes inserts nothing and reuses the fingerprint.
	res2, err := im.Import(context.Background(), user, "jan.csv", file)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.Imported)
	assert.Equal(t, 3, res2.Duplicates)
	assert.Equal(t, 1, mapper.calls, "cached fingerprint must not re-resolve the mapping")
	assert.Equal(t, res.FingerprintID, res2.FingerprintID)
	assert.Len(t, store.txs, 2)
}

func TestImportNextMonthReusesFingerprint(t *testing.T) {
	store := newMemIngestStore()
	mapper := &scriptedMapper{answer: chaseMapping}
	im := newTestImporter(store, mapper)
	user := uuid.New()

	_, err := im.Import(context.Background(), user, "jan.csv",
		[]byte("Post Date,Description,Amount\n2026-01-02,STARBUCKS #1234,-4.75\n"))
	require.NoError(t, err)

	// Same bank, new month: values differ but shapes match.
	res, err := im.Import(context.Background(), user, "feb.csv",
		[]byte("Post Date,Description,Amount\n2026-02-09,DELTA AIR LINES,-450.00\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, mapper.calls)
}

func TestImportUnrecognizedHeader(t *testing.T) {
	store := newMemIngestStore()
	im := newTestImporter(store, &scriptedMapper{answer: chaseMapping})

	_, err := im.Import(context.Background(), uuid.New(), "junk.csv",
		[]byte("a,b,c\n1,2,3\n"))
	require.Error(t, err)
	assert.Equal(t, models.KindUnrecognizedFormat, models.KindOf(err))
	assert.Empty(t, store.txs, "rejected imports insert nothing")
	assert.Empty(t, store.statements)
}

func TestImportRecordsFailedRows(t *testing.T) {
	store := newMemIngestStore()
	im := newTestImporter(store, &scriptedMapper{answer: chaseMapping})

	res, err := im.Import(context.Background(), uuid.New(), "partial.csv",
		[]byte("Post Date,Description,Amount\n"+
			"2026-01-02,STARBUCKS #1234,-4.75\n"+
			"not-a-date,MYSTERY,-1.00\n"))
	require.NoError(t, err, "import still succeeds when at least one row parsed")
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.FailedRows)
	require.Len(t, store.rowErrs, 1)
	assert.Contains(t, store.rowErrs[0].Raw, "MYSTERY")
}

func TestImportDebitsPositiveConvention(t *testing.T) {
	positive := `{"date_col":0,"post_date_col":-1,"description_col":1,"merchant_col":-1,"amount_col":2,"date_locale":"iso","sign_convention":"debits_positive"}`
	store := newMemIngestStore()
	im := newTestImporter(store, &scriptedMapper{answer: positive})

	_, err := im.Import(context.Background(), uuid.New(), "cc.csv",
		[]byte("Post Date,Description,Amount\n2026-01-02,STARBUCKS #1234,4.75\n"))
	require.NoError(t, err)
	require.Len(t, store.txs, 1)
	assert.Equal(t, models.Cents(-475), store.txs[0].Amount, "debits normalize to negative internally")
}

func TestDedupKeyTruncatesByCharacters(t *testing.T) {
	user := uuid.New()
	date := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	// 39 two-byte runes followed by a differing 40th rune: both keys must
	// cover the full 40-character prefix, so they differ.
	base := ""
	for i := 0; i < 39; i++ {
		base += "é"
	}
	a := DedupKey(user, date, -475, base+"a suffix one")
	b := DedupKey(user, date, -475, base+"b suffix two")
	assert.NotEqual(t, a, b, "40th character must participate in the key")

	// Identical 40-character prefixes collapse to the same key even when
	// the tails differ, and truncation must not split a rune.
	c := DedupKey(user, date, -475, base+"a tail three")
	assert.Equal(t, a, c)
}

func TestConfirmMappingPromotesFingerprint(t *testing.T) {
	store := newMemIngestStore()
	im := newTestImporter(store, &scriptedMapper{answer: chaseMapping})
	user := uuid.New()

	res, err := im.Import(context.Background(), user, "jan.csv",
		[]byte("Post Date,Description,Amount\n2026-01-02,STARBUCKS #1234,-4.75\n"))
	require.NoError(t, err)
	require.True(t, res.NeedsMappingConfirmation)

	mapping := models.ColumnMapping{DateCol: 0, PostDateCol: -1, DescriptionCol: 1, MerchantCol: -1, AmountCol: 2, DateLocale: "iso"}
	require.NoError(t, im.ConfirmMapping(context.Background(), res.FingerprintID, mapping, models.SignDebitsNegative))

	res2, err := im.Import(context.Background(), user, "feb.csv",
		[]byte("Post Date,Description,Amount\n2026-02-09,DELTA AIR LINES,-450.00\n"))
	require.NoError(t, err)
	assert.False(t, res2.NeedsMappingConfirmation, "verified fingerprints skip the confirmation prompt")
}
