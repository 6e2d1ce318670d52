package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

// ExpenseStore is the domain persistence the handlers touch beyond the
// queue itself.
type ExpenseStore interface {
	ReceiptByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	SetReceiptProcessing(ctx context.Context, id uuid.UUID) error
	SaveReceiptExtraction(ctx context.Context, r *models.Receipt) error
	SetReceiptOCRFailed(ctx context.Context, id uuid.UUID, reason string) error

	TransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	TransactionsForStatement(ctx context.Context, statementID uuid.UUID) ([]models.Transaction, error)
	SetTransactionCategory(ctx context.Context, id uuid.UUID, categoryCode, source string) error
	SplitPatternFor(ctx context.Context, userID uuid.UUID, vendor string) (*models.SplitPattern, error)

	TransactionsInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error)
	UncachedDescriptions(ctx context.Context, userID uuid.UUID, limit int) ([]string, error)
	DeleteStaleEmbeddings(ctx context.Context, now time.Time) (int, error)
	UpsertGLCodes(ctx context.Context, codes []models.GLCode) error
	GLCodes(ctx context.Context) ([]models.GLCode, error)
}

// ReceiptMatcher runs the matching engine for one receipt.
// *matching.Engine satisfies it.
type ReceiptMatcher interface {
	RunReceipt(ctx context.Context, receiptID uuid.UUID) (int, error)
}

// QuestionResolver is the tiered resolver surface handlers use.
type QuestionResolver interface {
	Resolve(ctx context.Context, q resolver.Question) (*resolver.Answer, error)
}

// Handlers bundles every registered job kind with its dependencies.
type Handlers struct {
	store      ExpenseStore
	queue      *Queue
	matcher    ReceiptMatcher
	resolver   QuestionResolver
	ocr        ports.OCRProvider
	blobs      ports.BlobStore
	clock      ports.Clock
	ocrTimeout time.Duration
}

func NewHandlers(store ExpenseStore, queue *Queue, matcher ReceiptMatcher, res QuestionResolver,
	ocr ports.OCRProvider, blobs ports.BlobStore, clock ports.Clock, ocrTimeout time.Duration) *Handlers {
	return &Handlers{
		store:      store,
		queue:      queue,
		matcher:    matcher,
		resolver:   res,
		ocr:        ocr,
		blobs:      blobs,
		clock:      clock,
		ocrTimeout: ocrTimeout,
	}
}

// RegisterAll wires every job kind into the runtime.
func (h *Handlers) RegisterAll(rt *Runtime) {
	rt.Register(models.JobOCRExtract, h.OCRExtract)
	rt.Register(models.JobCategorizeTransaction, h.CategorizeTransactions)
	rt.Register(models.JobMatchReceipt, h.MatchReceipt)
	rt.Register(models.JobGenerateReport, h.GenerateReport)
	rt.Register(models.JobSyncReferenceData, h.SyncReferenceData)
	rt.Register(models.JobWarmCache, h.WarmCache)
	rt.Register(models.JobPurgeStaleEmbeddings, h.PurgeStaleEmbeddings)
}

type receiptPayload struct {
	ReceiptID uuid.UUID `json:"receipt_id"`
}

// OCRExtract pulls the uploaded image, runs the OCR provider and persists
// the extracted fields. A receipt that is already extracted short-circuits,
// which is what makes redelivery of the same job id safe.
func (h *Handlers) OCRExtract(jc *Context) (string, error) {
	var p receiptPayload
	if err := jc.Bind(&p); err != nil {
		return "", err
	}
	receipt, err := h.store.ReceiptByID(jc.Ctx(), p.ReceiptID)
	if err != nil {
		return "", err
	}
	if receipt.OCRStatus == models.OCRExtracted {
		return "", nil
	}

	if err := h.store.SetReceiptProcessing(jc.Ctx(), receipt.ID); err != nil {
		return "", err
	}
	data, err := h.blobs.Get(jc.Ctx(), receipt.BlobRef)
	if err != nil {
		return "", err
	}
	if err := jc.Checkpoint(); err != nil {
		return "", err
	}

	ocrCtx, cancel := context.WithTimeout(jc.Ctx(), h.ocrTimeout)
	result, err := h.ocr.Extract(ocrCtx, data, map[string]string{"currency": receipt.Currency})
	cancel()
	if err != nil {
		// Fatal failures flip the receipt so it is not stuck in processing;
		// transient ones leave it for the retry.
		if !models.Retryable(err) {
			if ferr := h.store.SetReceiptOCRFailed(jc.Ctx(), receipt.ID, err.Error()); ferr != nil {
				return "", ferr
			}
		}
		return "", err
	}

	applyOCRResult(receipt, result)
	if receipt.Amount == nil || receipt.Date == nil {
		reason := "ocr did not yield both amount and date"
		if err := h.store.SetReceiptOCRFailed(jc.Ctx(), receipt.ID, reason); err != nil {
			return "", err
		}
		return "", models.E(models.KindValidation, "%s for receipt %s", reason, receipt.ID)
	}
	receipt.OCRStatus = models.OCRExtracted
	if err := h.store.SaveReceiptExtraction(jc.Ctx(), receipt); err != nil {
		return "", err
	}

	if _, err := h.queue.Enqueue(jc.Ctx(), models.JobMatchReceipt, receipt.UserID, receiptPayload{ReceiptID: receipt.ID}); err != nil {
		return "", err
	}
	return "", nil
}

// applyOCRResult copies recognized fields onto the receipt, keeping
// per-field confidences for the review UI.
func applyOCRResult(r *models.Receipt, res *ports.OCRResult) {
	if r.FieldConfidence == nil {
		r.FieldConfidence = make(map[string]float64)
	}
	for name, f := range res.Fields {
		r.FieldConfidence[name] = f.Confidence
		switch name {
		case "vendor":
			r.Vendor = f.Value
		case "date":
			if t, err := time.ParseInLocation("2006-01-02", f.Value, time.UTC); err == nil {
				r.Date = &t
			}
		case "amount":
			if c, err := models.ParseCents(f.Value); err == nil {
				r.Amount = &c
			}
		case "tax":
			if c, err := models.ParseCents(f.Value); err == nil {
				r.Tax = c
			}
		case "currency":
			if f.Value != "" {
				r.Currency = f.Value
			}
		}
	}
	r.LineItems = res.LineItems
}

type categorizePayload struct {
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	StatementID   *uuid.UUID `json:"statement_id,omitempty"`
}

// CategorizeTransactions resolves the normalized vendor and a GL code for
// one transaction or a whole statement. Already-categorized rows and
// user overrides are never touched.
func (h *Handlers) CategorizeTransactions(jc *Context) (string, error) {
	var p categorizePayload
	if err := jc.Bind(&p); err != nil {
		return "", err
	}

	var txs []models.Transaction
	switch {
	case p.TransactionID != nil:
		tx, err := h.store.TransactionByID(jc.Ctx(), *p.TransactionID)
		if err != nil {
			return "", err
		}
		txs = []models.Transaction{*tx}
	case p.StatementID != nil:
		var err error
		txs, err = h.store.TransactionsForStatement(jc.Ctx(), *p.StatementID)
		if err != nil {
			return "", err
		}
	default:
		return "", models.E(models.KindValidation, "categorize payload needs transaction_id or statement_id")
	}

	glCodes, err := h.store.GLCodes(jc.Ctx())
	if err != nil {
		return "", err
	}
	glContext := glCodeContext(glCodes)

	jc.SetTotal(len(txs))
	for i := range txs {
		if err := jc.Checkpoint(); err != nil {
			return "", err
		}
		if err := h.categorizeOne(jc.Ctx(), &txs[i], glContext); err != nil {
			jc.AddFailed(1)
			if models.Retryable(err) {
				return "", err
			}
			continue
		}
		jc.Advance(1)
	}
	return "", nil
}

func (h *Handlers) categorizeOne(ctx context.Context, tx *models.Transaction, glContext string) error {
	if tx.CategoryCode != "" || tx.ReimbursabilitySource == models.ReimbSourceOverride {
		return nil
	}
	raw := tx.MerchantRaw
	if raw == "" {
		raw = tx.Description
	}

	vendorAns, err := h.resolver.Resolve(ctx, resolver.Question{
		Kind:   models.QuestionNormalizeVendor,
		UserID: tx.UserID,
		Input:  raw,
	})
	if err != nil {
		return err
	}
	vendor := vendorAns.Value

	// A split pattern for the vendor settles the GL code without an LLM.
	if pattern, err := h.store.SplitPatternFor(ctx, tx.UserID, vendor); err == nil {
		return h.store.SetTransactionCategory(ctx, tx.ID, dominantAllocation(pattern), models.ReimbSourcePrediction)
	} else if !models.IsNotFound(err) {
		return err
	}

	glAns, err := h.resolver.Resolve(ctx, resolver.Question{
		Kind:    models.QuestionSuggestGLCode,
		UserID:  tx.UserID,
		Input:   vendor,
		Context: map[string]string{"gl_codes": glContext},
	})
	if err != nil {
		return err
	}
	return h.store.SetTransactionCategory(ctx, tx.ID, glAns.Value, models.ReimbSourcePrediction)
}

// dominantAllocation picks the split's largest share as the headline code.
func dominantAllocation(p *models.SplitPattern) string {
	best := p.Allocations[0]
	for _, a := range p.Allocations[1:] {
		if a.Pct > best.Pct {
			best = a
		}
	}
	return best.GLCode
}

func glCodeContext(codes []models.GLCode) string {
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		parts = append(parts, c.Code+" "+c.Name)
	}
	return strings.Join(parts, "\n")
}

// MatchReceipt runs the matching engine for one receipt. The engine skips
// receipts that already carry an open proposal, so redelivery is a no-op.
func (h *Handlers) MatchReceipt(jc *Context) (string, error) {
	var p receiptPayload
	if err := jc.Bind(&p); err != nil {
		return "", err
	}
	_, err := h.matcher.RunReceipt(jc.Ctx(), p.ReceiptID)
	return "", err
}

type reportPayload struct {
	Month string `json:"month"` // "2026-01"
}

type reportLine struct {
	CategoryCode string       `json:"categoryCode"`
	Count        int          `json:"count"`
	Total        models.Cents `json:"total"`
}

// GenerateReport aggregates one month of transactions into a JSON summary
// stored in the blob store. The blob key is derived from the job id, so a
// redelivered job overwrites its own artifact.
func (h *Handlers) GenerateReport(jc *Context) (string, error) {
	var p reportPayload
	if err := jc.Bind(&p); err != nil {
		return "", err
	}
	from, err := time.ParseInLocation("2006-01", p.Month, time.UTC)
	if err != nil {
		return "", models.E(models.KindValidation, "bad report month %q", p.Month)
	}
	to := from.AddDate(0, 1, 0)

	txs, err := h.store.TransactionsInRange(jc.Ctx(), jc.UserID(), from, to)
	if err != nil {
		return "", err
	}

	jc.SetTotal(len(txs))
	byCategory := make(map[string]*reportLine)
	var total models.Cents
	for i := range txs {
		if i%100 == 0 {
			if err := jc.Checkpoint(); err != nil {
				return "", err
			}
		}
		code := txs[i].CategoryCode
		if code == "" {
			code = "uncategorized"
		}
		line, ok := byCategory[code]
		if !ok {
			line = &reportLine{CategoryCode: code}
			byCategory[code] = line
		}
		line.Count++
		line.Total += txs[i].Amount
		total += txs[i].Amount
		jc.Advance(1)
	}

	lines := make([]reportLine, 0, len(byCategory))
	for _, l := range byCategory {
		lines = append(lines, *l)
	}
	report := map[string]any{
		"month":       p.Month,
		"generatedAt": h.clock.Now(),
		"total":       total,
		"lines":       lines,
	}
	data, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return h.blobs.Put(jc.Ctx(), fmt.Sprintf("reports/%s/%s.json", jc.UserID(), jc.JobID()), data)
}

type syncPayload struct {
	GLCodes []models.GLCode `json:"gl_codes"`
}

// SyncReferenceData upserts the GL chart used as resolver context.
func (h *Handlers) SyncReferenceData(jc *Context) (string, error) {
	var p syncPayload
	if err := jc.Bind(&p); err != nil {
		return "", err
	}
	if len(p.GLCodes) == 0 {
		return "", models.E(models.KindValidation, "sync payload carries no gl codes")
	}
	if err := h.store.UpsertGLCodes(jc.Ctx(), p.GLCodes); err != nil {
		return "", err
	}
	return fmt.Sprintf("synced=%d", len(p.GLCodes)), nil
}

type warmCachePayload struct {
	Limit int `json:"limit"`
}

// WarmCache pre-resolves descriptions that have no cache entry yet, so the
// first interactive lookup is already T1.
func (h *Handlers) WarmCache(jc *Context) (string, error) {
	var p warmCachePayload
	if err := jc.Bind(&p); err != nil {
		return "", err
	}
	if p.Limit <= 0 {
		p.Limit = 200
	}
	descs, err := h.store.UncachedDescriptions(jc.Ctx(), jc.UserID(), p.Limit)
	if err != nil {
		return "", err
	}

	jc.SetTotal(len(descs))
	warmed := 0
	for _, d := range descs {
		if err := jc.Checkpoint(); err != nil {
			return "", err
		}
		if _, err := h.resolver.Resolve(jc.Ctx(), resolver.Question{
			Kind:   models.QuestionNormalizeVendor,
			UserID: jc.UserID(),
			Input:  d,
		}); err != nil {
			jc.AddFailed(1)
			continue
		}
		warmed++
		jc.Advance(1)
	}
	return fmt.Sprintf("warmed=%d", warmed), nil
}

// PurgeStaleEmbeddings drops verified embeddings past their stale_after
// horizon so T2 stops answering from outdated confirmations.
func (h *Handlers) PurgeStaleEmbeddings(jc *Context) (string, error) {
	n, err := h.store.DeleteStaleEmbeddings(jc.Ctx(), h.clock.Now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("purged=%d", n), nil
}
