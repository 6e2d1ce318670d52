package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

type memExpenseStore struct {
	mu       sync.Mutex
	receipts map[uuid.UUID]*models.Receipt
	txs      map[uuid.UUID]*models.Transaction
	patterns map[string]*models.SplitPattern // userID|vendor
	glCodes  []models.GLCode
	purged   int
}

func newMemExpenseStore() *memExpenseStore {
	return &memExpenseStore{
		receipts: make(map[uuid.UUID]*models.Receipt),
		txs:      make(map[uuid.UUID]*models.Transaction),
		patterns: make(map[string]*models.SplitPattern),
	}
}

func (s *memExpenseStore) ReceiptByID(_ context.Context, id uuid.UUID) (*models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, models.E(models.KindNotFound, "receipt %s", id)
	}
	cp := *r
	return &cp, nil
}

func (s *memExpenseStore) SetReceiptProcessing(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[id].OCRStatus = models.OCRProcessing
	return nil
}

func (s *memExpenseStore) SaveReceiptExtraction(_ context.Context, r *models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.receipts[r.ID] = &cp
	return nil
}

func (s *memExpenseStore) SetReceiptOCRFailed(_ context.Context, id uuid.UUID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[id].OCRStatus = models.OCRFailed
	return nil
}

func (s *memExpenseStore) TransactionByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, models.E(models.KindNotFound, "transaction %s", id)
	}
	cp := *tx
	return &cp, nil
}

func (s *memExpenseStore) TransactionsForStatement(_ context.Context, statementID uuid.UUID) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.StatementID == statementID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *memExpenseStore) SetTransactionCategory(_ context.Context, id uuid.UUID, code, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.txs[id]
	tx.CategoryCode = code
	tx.ReimbursabilitySource = source
	return nil
}

func (s *memExpenseStore) SplitPatternFor(_ context.Context, userID uuid.UUID, vendor string) (*models.SplitPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[userID.String()+"|"+vendor]
	if !ok {
		return nil, models.E(models.KindNotFound, "no split pattern for %q", vendor)
	}
	return p, nil
}

func (s *memExpenseStore) TransactionsInRange(_ context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID && !tx.Date.Before(from) && tx.Date.Before(to) {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *memExpenseStore) UncachedDescriptions(_ context.Context, _ uuid.UUID, _ int) ([]string, error) {
	return nil, nil
}

func (s *memExpenseStore) DeleteStaleEmbeddings(_ context.Context, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged, nil
}

func (s *memExpenseStore) UpsertGLCodes(_ context.Context, codes []models.GLCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glCodes = codes
	return nil
}

func (s *memExpenseStore) GLCodes(_ context.Context) ([]models.GLCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.glCodes, nil
}

type fakeMatcher struct{ runs []uuid.UUID }

func (m *fakeMatcher) RunReceipt(_ context.Context, id uuid.UUID) (int, error) {
	m.runs = append(m.runs, id)
	return 1, nil
}

type scriptedQuestionResolver struct {
	answers map[models.QuestionKind]string
	calls   int
}

func (r *scriptedQuestionResolver) Resolve(_ context.Context, q resolver.Question) (*resolver.Answer, error) {
	r.calls++
	return &resolver.Answer{Value: r.answers[q.Kind], Tier: models.TierSmall, Confidence: 0.9}, nil
}

type handlerFixture struct {
	store    *memExpenseStore
	jobStore *memJobStore
	queue    *Queue
	rt       *Runtime
	matcher  *fakeMatcher
	ocr      *ports.ScriptedOCR
	blobs    *ports.MemoryBlobStore
	clock    *ports.FakeClock
}

func newHandlerFixture(t *testing.T, res QuestionResolver) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		store:    newMemExpenseStore(),
		jobStore: newMemJobStore(),
		matcher:  &fakeMatcher{},
		ocr:      &ports.ScriptedOCR{},
		blobs:    ports.NewMemoryBlobStore(),
		clock:    ports.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.queue = NewQueue(f.jobStore, f.clock, 5)
	f.rt = testRuntime(f.jobStore, f.clock)
	h := NewHandlers(f.store, f.queue, f.matcher, res, f.ocr, f.blobs, f.clock, 120*time.Second)
	h.RegisterAll(f.rt)
	return f
}

func goodOCRResult() *ports.OCRResult {
	return &ports.OCRResult{
		Fields: map[string]ports.OCRField{
			"vendor": {Value: "Joe's Coffee", Confidence: 0.95},
			"date":   {Value: "2026-05-01", Confidence: 0.9},
			"amount": {Value: "23.45", Confidence: 0.97},
			"tax":    {Value: "1.95", Confidence: 0.8},
		},
	}
}

func TestOCRExtractRetriesTransientProvider(t *testing.T) {
	f := newHandlerFixture(t, &scriptedQuestionResolver{})
	user := uuid.New()

	ref, err := f.blobs.Put(context.Background(), "receipts/r1.jpg", []byte("jpeg-bytes"))
	require.NoError(t, err)
	receipt := &models.Receipt{
		ID: uuid.New(), UserID: user, BlobRef: ref,
		OCRStatus: models.OCRPending, MatchStatus: models.MatchUnmatched, Currency: "USD",
	}
	f.store.receipts[receipt.ID] = receipt

	f.ocr.Errs = []error{models.E(models.KindProviderTransient, "ocr 503")}
	f.ocr.Results = []*ports.OCRResult{goodOCRResult(), goodOCRResult()}

	job, err := f.queue.Enqueue(context.Background(), models.JobOCRExtract, user, receiptPayload{ReceiptID: receipt.ID})
	require.NoError(t, err)

	ran, err := f.rt.RunOnce(context.Background(), models.JobOCRExtract)
	require.NoError(t, err)
	require.True(t, ran)
	got, _ := f.jobStore.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobPending, got.Status)

	f.clock.Advance(5 * time.Minute)
	ran, err = f.rt.RunOnce(context.Background(), models.JobOCRExtract)
	require.NoError(t, err)
	require.True(t, ran)

	got, _ = f.jobStore.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempt)

	stored, _ := f.store.ReceiptByID(context.Background(), receipt.ID)
	assert.Equal(t, models.OCRExtracted, stored.OCRStatus)
	assert.Equal(t, "Joe's Coffee", stored.Vendor)
	require.NotNil(t, stored.Amount)
	assert.Equal(t, models.Cents(2345), *stored.Amount)
	assert.Equal(t, 2, f.ocr.Calls)

	// Success chains a match_receipt job for the same receipt.
	jobs, _ := f.jobStore.ListJobs(context.Background(), user, 10)
	kinds := make(map[models.JobKind]int)
	for _, j := range jobs {
		kinds[j.Kind]++
	}
	assert.Equal(t, 1, kinds[models.JobMatchReceipt])
}

func TestOCRExtractRedeliveryIsIdempotent(t *testing.T) {
	f := newHandlerFixture(t, &scriptedQuestionResolver{})
	user := uuid.New()

	ref, _ := f.blobs.Put(context.Background(), "receipts/r2.jpg", []byte("jpeg"))
	receipt := &models.Receipt{ID: uuid.New(), UserID: user, BlobRef: ref, OCRStatus: models.OCRPending, Currency: "USD"}
	f.store.receipts[receipt.ID] = receipt
	f.ocr.Results = []*ports.OCRResult{goodOCRResult()}

	for i := 0; i < 2; i++ {
		_, err := f.queue.Enqueue(context.Background(), models.JobOCRExtract, user, receiptPayload{ReceiptID: receipt.ID})
		require.NoError(t, err)
		ran, err := f.rt.RunOnce(context.Background(), models.JobOCRExtract)
		require.NoError(t, err)
		require.True(t, ran)
	}

	assert.Equal(t, 1, f.ocr.Calls, "second delivery short-circuits on extracted status")
	stored, _ := f.store.ReceiptByID(context.Background(), receipt.ID)
	assert.Equal(t, models.OCRExtracted, stored.OCRStatus)
}

func TestCategorizePrefersSplitPattern(t *testing.T) {
	res := &scriptedQuestionResolver{answers: map[models.QuestionKind]string{
		models.QuestionNormalizeVendor: "Twilio",
		models.QuestionSuggestGLCode:   "6100",
	}}
	f := newHandlerFixture(t, res)
	user := uuid.New()
	stmt := uuid.New()

	withPattern := &models.Transaction{ID: uuid.New(), UserID: user, StatementID: stmt, MerchantRaw: "TWILIO *BILL", Date: f.clock.Now()}
	plain := &models.Transaction{ID: uuid.New(), UserID: user, StatementID: stmt, MerchantRaw: "SOMETHING ELSE", Date: f.clock.Now()}
	f.store.txs[withPattern.ID] = withPattern
	f.store.txs[plain.ID] = plain
	f.store.patterns[user.String()+"|Twilio"] = &models.SplitPattern{
		TriggerVendor: "Twilio",
		Allocations: []models.Allocation{
			{GLCode: "7200", Pct: 70},
			{GLCode: "7300", Pct: 30},
		},
	}
	f.store.glCodes = []models.GLCode{{Code: "6100", Name: "Software"}, {Code: "7200", Name: "Infra"}}

	_, err := f.queue.Enqueue(context.Background(), models.JobCategorizeTransaction, user, categorizePayload{StatementID: &stmt})
	require.NoError(t, err)
	ran, err := f.rt.RunOnce(context.Background(), models.JobCategorizeTransaction)
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, "7200", f.store.txs[withPattern.ID].CategoryCode, "split pattern's dominant allocation wins")
	assert.Equal(t, "6100", f.store.txs[plain.ID].CategoryCode)
	assert.Equal(t, models.ReimbSourcePrediction, f.store.txs[plain.ID].ReimbursabilitySource)
}

func TestCategorizeSkipsOverrides(t *testing.T) {
	res := &scriptedQuestionResolver{answers: map[models.QuestionKind]string{
		models.QuestionNormalizeVendor: "Vendor",
		models.QuestionSuggestGLCode:   "6100",
	}}
	f := newHandlerFixture(t, res)
	user := uuid.New()

	tx := &models.Transaction{
		ID: uuid.New(), UserID: user, MerchantRaw: "ANYTHING",
		CategoryCode: "9999", ReimbursabilitySource: models.ReimbSourceOverride,
		Date: f.clock.Now(),
	}
	f.store.txs[tx.ID] = tx

	_, err := f.queue.Enqueue(context.Background(), models.JobCategorizeTransaction, user, categorizePayload{TransactionID: &tx.ID})
	require.NoError(t, err)
	_, err = f.rt.RunOnce(context.Background(), models.JobCategorizeTransaction)
	require.NoError(t, err)

	assert.Equal(t, "9999", f.store.txs[tx.ID].CategoryCode, "user overrides are never recategorized")
	assert.Equal(t, 0, res.calls)
}

func TestGenerateReportWritesBlob(t *testing.T) {
	f := newHandlerFixture(t, &scriptedQuestionResolver{})
	user := uuid.New()

	f.store.txs[uuid.New()] = &models.Transaction{
		ID: uuid.New(), UserID: user, Amount: -2345, CategoryCode: "6100",
		Date: time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC),
	}

	job, err := f.queue.Enqueue(context.Background(), models.JobGenerateReport, user, reportPayload{Month: "2026-05"})
	require.NoError(t, err)
	_, err = f.rt.RunOnce(context.Background(), models.JobGenerateReport)
	require.NoError(t, err)

	got, _ := f.jobStore.GetJob(context.Background(), job.ID)
	require.Equal(t, models.JobSucceeded, got.Status)
	require.NotEmpty(t, got.ResultRef)

	data, err := f.blobs.Get(context.Background(), got.ResultRef)
	require.NoError(t, err)
	assert.Contains(t, string(data), "6100")
}

func TestMatchReceiptHandlerDelegates(t *testing.T) {
	f := newHandlerFixture(t, &scriptedQuestionResolver{})
	user := uuid.New()
	receiptID := uuid.New()

	_, err := f.queue.Enqueue(context.Background(), models.JobMatchReceipt, user, receiptPayload{ReceiptID: receiptID})
	require.NoError(t, err)
	_, err = f.rt.RunOnce(context.Background(), models.JobMatchReceipt)
	require.NoError(t, err)

	require.Len(t, f.matcher.runs, 1)
	assert.Equal(t, receiptID, f.matcher.runs[0])
}
