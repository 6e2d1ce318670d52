package matching

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

// Candidate types on a proposal.
const (
	TargetTransaction = "transaction"
	TargetGroup       = "group"
)

// Candidate is one scored pairing option for a receipt.
type Candidate struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	Score       float64   `json:"score"`
	AmountScore float64   `json:"amountScore"`
	DateScore   float64   `json:"dateScore"`
	VendorScore float64   `json:"vendorScore"`
	Rationale   string    `json:"rationale"`
}

// Store is the persistence surface the engine needs. CandidateTransactions
// must exclude grouped rows (group_id set) and anything already matched;
// ConfirmMatch must run as one transaction under the partial unique indexes.
type Store interface {
	ReceiptByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	UnmatchedExtractedReceipts(ctx context.Context, userID uuid.UUID) ([]models.Receipt, error)
	CandidateTransactions(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error)
	CandidateGroups(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.TransactionGroup, error)
	TransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GroupByID(ctx context.Context, id uuid.UUID) (*models.TransactionGroup, error)

	CanonicalVendor(ctx context.Context, userID uuid.UUID, vendor string) (string, bool, error)
	EnsureVendorAlias(ctx context.Context, alias *models.VendorAlias) error
	RejectedPairExists(ctx context.Context, userID uuid.UUID, pairKey string, since time.Time) (bool, error)
	InsertRejectedPair(ctx context.Context, userID uuid.UUID, pairKey string, at time.Time) error

	OpenProposalForReceipt(ctx context.Context, receiptID uuid.UUID) (*models.ReceiptTransactionMatch, error)
	ConfirmedMatchForReceipt(ctx context.Context, receiptID uuid.UUID) (*models.ReceiptTransactionMatch, error)
	ProposalByID(ctx context.Context, id uuid.UUID) (*models.ReceiptTransactionMatch, error)
	InsertProposal(ctx context.Context, m *models.ReceiptTransactionMatch) error
	ConfirmMatch(ctx context.Context, proposalID uuid.UUID, expectedVersion int64, at time.Time) (*models.ReceiptTransactionMatch, error)
	RejectProposal(ctx context.Context, proposalID uuid.UUID, expectedVersion int64) (*models.ReceiptTransactionMatch, error)
	UnmatchReceipt(ctx context.Context, receiptID uuid.UUID, at time.Time) (*models.ReceiptTransactionMatch, error)

	RecordAmbiguity(ctx context.Context, receiptID uuid.UUID, candidates []Candidate) error
	InsertFeedback(ctx context.Context, fb *models.PredictionFeedback) error
	WithReceiptLock(ctx context.Context, receiptID uuid.UUID, fn func(ctx context.Context) error) error
}

// Learner receives confirmed pairings to seed the similarity tier.
// *resolver.Resolver satisfies it.
type Learner interface {
	SeedEmbedding(ctx context.Context, userID uuid.UUID, subjectKind, text, answer string) error
}

type Config struct {
	ScoreThreshold       float64
	AmbiguityMargin      float64
	AutoConfirmThreshold float64
	AutoConfirmEnabled   bool
	DateWindowDays       int
	RejectedPairTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScoreThreshold:       70,
		AmbiguityMargin:      8,
		AutoConfirmThreshold: 95,
		AutoConfirmEnabled:   false,
		DateWindowDays:       7,
		RejectedPairTTL:      30 * 24 * time.Hour,
	}
}

// MatchEvent is broadcast when a proposal is created or confirmed.
type MatchEvent struct {
	ReceiptID uuid.UUID `json:"receiptId"`
	TargetID  uuid.UUID `json:"targetId"`
	Type      string    `json:"type"`
	Score     float64   `json:"score"`
	Status    string    `json:"status"`
}

type Engine struct {
	store     Store
	learner   Learner
	clock     ports.Clock
	cfg       Config
	alertFunc func(MatchEvent) // optional broadcast callback
}

func NewEngine(store Store, learner Learner, clock ports.Clock, cfg Config, alertFunc func(MatchEvent)) *Engine {
	return &Engine{store: store, learner: learner, clock: clock, cfg: cfg, alertFunc: alertFunc}
}

// RunAll proposes matches for every unmatched extracted receipt of a user.
// Idempotent: a receipt with an open proposal is skipped, so running twice
// on an unchanged dataset creates nothing new.
func (e *Engine) RunAll(ctx context.Context, userID uuid.UUID) (int, error) {
	receipts, err := e.store.UnmatchedExtractedReceipts(ctx, userID)
	if err != nil {
		return 0, err
	}
	created := 0
	for i := range receipts {
		n, err := e.RunReceipt(ctx, receipts[i].ID)
		if err != nil {
			log.Printf("[Matching] receipt %s: %v", receipts[i].ID, err)
			continue
		}
		created += n
	}
	return created, nil
}

// RunReceipt scores all candidates for one receipt and emits at most one
// proposal. The per-receipt advisory lock keeps concurrent matching jobs
// for the same receipt serialized.
func (e *Engine) RunReceipt(ctx context.Context, receiptID uuid.UUID) (int, error) {
	created := 0
	err := e.store.WithReceiptLock(ctx, receiptID, func(ctx context.Context) error {
		receipt, err := e.store.ReceiptByID(ctx, receiptID)
		if err != nil {
			return err
		}
		if receipt.MatchStatus != models.MatchUnmatched || receipt.OCRStatus != models.OCRExtracted {
			return nil
		}
		if receipt.Amount == nil || receipt.Date == nil {
			return models.E(models.KindValidation, "receipt %s is extracted but missing amount or date", receiptID)
		}
		if open, err := e.store.OpenProposalForReceipt(ctx, receiptID); err != nil && !models.IsNotFound(err) {
			return err
		} else if open != nil {
			return nil
		}

		candidates, err := e.ScoreCandidates(ctx, receipt)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		top := candidates[0]
		if top.Score < e.cfg.ScoreThreshold {
			return nil
		}
		if len(candidates) > 1 && top.Score-candidates[1].Score < e.cfg.AmbiguityMargin {
			k := len(candidates)
			if k > 5 {
				k = 5
			}
			log.Printf("[Matching] ambiguous receipt %s: top=%.1f margin=%.1f", receiptID, top.Score, top.Score-candidates[1].Score)
			return e.store.RecordAmbiguity(ctx, receiptID, candidates[:k])
		}

		proposal := e.buildProposal(receipt, top, false)
		if err := e.store.InsertProposal(ctx, proposal); err != nil {
			return err
		}
		created = 1
		e.emit(MatchEvent{ReceiptID: receiptID, TargetID: top.ID, Type: top.Type, Score: top.Score, Status: string(models.ProposalProposed)})

		if e.cfg.AutoConfirmEnabled && top.Score >= e.cfg.AutoConfirmThreshold {
			if err := e.Confirm(ctx, proposal.ID, proposal.RowVersion); err != nil {
				log.Printf("[Matching] auto-confirm failed for %s: %v", proposal.ID, err)
			}
		}
		return nil
	})
	return created, err
}

// ScoreCandidates assembles the candidate pool within the date window and
// returns it scored, best first.
func (e *Engine) ScoreCandidates(ctx context.Context, receipt *models.Receipt) ([]Candidate, error) {
	window := time.Duration(e.cfg.DateWindowDays) * 24 * time.Hour
	from := receipt.Date.Add(-window)
	to := receipt.Date.Add(window)

	txs, err := e.store.CandidateTransactions(ctx, receipt.UserID, from, to)
	if err != nil {
		return nil, err
	}
	groups, err := e.store.CandidateGroups(ctx, receipt.UserID, from, to)
	if err != nil {
		return nil, err
	}

	receiptCanonical, _, err := e.aliasCanonical(ctx, receipt.UserID, receipt.Vendor)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(txs)+len(groups))
	for i := range txs {
		c, err := e.scoreOne(ctx, receipt, receiptCanonical, txs[i].ID, TargetTransaction,
			txs[i].Amount, txs[i].Date, txs[i].MerchantRaw, txs[i].Description)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	for i := range groups {
		vendor := groupVendorName(groups[i].Name)
		c, err := e.scoreOne(ctx, receipt, receiptCanonical, groups[i].ID, TargetGroup,
			groups[i].CombinedAmount, groups[i].DisplayDate, vendor, vendor)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})
	return candidates, nil
}

func (e *Engine) scoreOne(ctx context.Context, receipt *models.Receipt, receiptCanonical string,
	targetID uuid.UUID, targetType string, amount models.Cents, date time.Time, merchant, description string) (Candidate, error) {

	vendorSide := merchant
	if vendorSide == "" {
		vendorSide = description
	}

	amountScore := AmountScore(*receipt.Amount, amount)
	dateScore := DateScore(*receipt.Date, date)

	vendorScore := VendorSimilarity(receipt.Vendor, vendorSide)
	targetCanonical, targetAliased, err := e.aliasCanonical(ctx, receipt.UserID, vendorSide)
	if err != nil {
		return Candidate{}, err
	}
	// Alias boost: either side's canonical form mapping onto the other
	// counts as an exact vendor match.
	if receiptCanonical != "" && receiptCanonical == targetCanonical {
		vendorScore = 1.0
	} else if targetAliased && resolver.Canonicalize(targetCanonical) == resolver.Canonicalize(receipt.Vendor) {
		vendorScore = 1.0
	}

	// Rejected-pair blocklist hard-caps vendor score for 30 days.
	pair := pairKey(receipt.Vendor, vendorSide)
	blocked, err := e.store.RejectedPairExists(ctx, receipt.UserID, pair, e.clock.Now().Add(-e.cfg.RejectedPairTTL))
	if err != nil {
		return Candidate{}, err
	}
	if blocked && vendorScore > 0.3 {
		vendorScore = 0.3
	}

	score := Combine(amountScore, dateScore, vendorScore)
	return Candidate{
		ID:          targetID,
		Type:        targetType,
		Score:       score,
		AmountScore: amountScore,
		DateScore:   dateScore,
		VendorScore: vendorScore,
		Rationale: fmt.Sprintf("amount %.2f date %.2f vendor %.2f vs %s %q",
			amountScore, dateScore, vendorScore, targetType, vendorSide),
	}, nil
}

// aliasCanonical resolves a vendor through the alias table, falling back to
// its canonical text form.
func (e *Engine) aliasCanonical(ctx context.Context, userID uuid.UUID, vendor string) (string, bool, error) {
	canonical := resolver.Canonicalize(vendor)
	if canonical == "" {
		return "", false, nil
	}
	mapped, ok, err := e.store.CanonicalVendor(ctx, userID, canonical)
	if err != nil {
		return "", false, err
	}
	if ok {
		return resolver.Canonicalize(mapped), true, nil
	}
	return canonical, false, nil
}

func pairKey(a, b string) string {
	ca := resolver.Canonicalize(a)
	cb := resolver.Canonicalize(b)
	if cb < ca {
		ca, cb = cb, ca
	}
	return ca + "|" + cb
}

func (e *Engine) buildProposal(receipt *models.Receipt, top Candidate, manual bool) *models.ReceiptTransactionMatch {
	m := &models.ReceiptTransactionMatch{
		ID:          uuid.New(),
		ReceiptID:   receipt.ID,
		Status:      models.ProposalProposed,
		Confidence:  top.Score,
		AmountScore: top.AmountScore,
		DateScore:   top.DateScore,
		VendorScore: top.VendorScore,
		Reason:      top.Rationale,
		IsManual:    manual,
		CreatedAt:   e.clock.Now(),
	}
	id := top.ID
	if top.Type == TargetGroup {
		m.TransactionGroupID = &id
	} else {
		m.TransactionID = &id
	}
	return m
}

// Manual creates a user-directed proposal for an explicit receipt/target
// pairing, bypassing thresholds but still scored for the record.
func (e *Engine) Manual(ctx context.Context, receiptID uuid.UUID, transactionID, groupID *uuid.UUID) (*models.ReceiptTransactionMatch, error) {
	if (transactionID == nil) == (groupID == nil) {
		return nil, models.E(models.KindValidation, "exactly one of transaction_id or group_id is required")
	}
	receipt, err := e.store.ReceiptByID(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.MatchStatus == models.MatchMatched {
		return nil, models.E(models.KindConflict, "receipt %s is already matched", receiptID)
	}
	if receipt.Amount == nil || receipt.Date == nil {
		return nil, models.E(models.KindValidation, "receipt %s has no extracted amount/date yet", receiptID)
	}

	receiptCanonical, _, err := e.aliasCanonical(ctx, receipt.UserID, receipt.Vendor)
	if err != nil {
		return nil, err
	}

	var cand Candidate
	if transactionID != nil {
		tx, err := e.store.TransactionByID(ctx, *transactionID)
		if err != nil {
			return nil, err
		}
		cand, err = e.scoreOne(ctx, receipt, receiptCanonical, tx.ID, TargetTransaction, tx.Amount, tx.Date, tx.MerchantRaw, tx.Description)
		if err != nil {
			return nil, err
		}
	} else {
		g, err := e.store.GroupByID(ctx, *groupID)
		if err != nil {
			return nil, err
		}
		vendor := groupVendorName(g.Name)
		cand, err = e.scoreOne(ctx, receipt, receiptCanonical, g.ID, TargetGroup, g.CombinedAmount, g.DisplayDate, vendor, vendor)
		if err != nil {
			return nil, err
		}
	}

	proposal := e.buildProposal(receipt, cand, true)
	if err := e.store.InsertProposal(ctx, proposal); err != nil {
		return nil, err
	}
	return proposal, nil
}

// Confirm promotes a proposal, flips both sides to matched, and performs the
// learning writebacks: vendor alias, verified embedding, feedback row.
func (e *Engine) Confirm(ctx context.Context, proposalID uuid.UUID, expectedVersion int64) error {
	now := e.clock.Now()
	m, err := e.store.ConfirmMatch(ctx, proposalID, expectedVersion, now)
	if err != nil {
		return err
	}

	receipt, err := e.store.ReceiptByID(ctx, m.ReceiptID)
	if err != nil {
		return err
	}

	vendorRaw := ""
	if m.TransactionID != nil {
		if tx, err := e.store.TransactionByID(ctx, *m.TransactionID); err == nil {
			vendorRaw = tx.MerchantRaw
			if vendorRaw == "" {
				vendorRaw = tx.Description
			}
		}
	} else if m.TransactionGroupID != nil {
		if g, err := e.store.GroupByID(ctx, *m.TransactionGroupID); err == nil {
			vendorRaw = groupVendorName(g.Name)
		}
	}

	if vendorRaw != "" && receipt.Vendor != "" {
		alias := &models.VendorAlias{
			ID:                uuid.New(),
			UserID:            receipt.UserID,
			Pattern:           resolver.Canonicalize(vendorRaw),
			CanonicalVendor:   receipt.Vendor,
			ConfirmedByUserID: receipt.UserID,
			ConfirmedAt:       &now,
		}
		if err := e.store.EnsureVendorAlias(ctx, alias); err != nil {
			log.Printf("[Matching] alias writeback failed: %v", err)
		}
		if e.learner != nil {
			if err := e.learner.SeedEmbedding(ctx, receipt.UserID, models.SubjectVendor, vendorRaw, receipt.Vendor); err != nil {
				log.Printf("[Matching] embedding seed failed: %v", err)
			}
		}
	}

	fb := &models.PredictionFeedback{
		ID:        uuid.New(),
		SubjectID: m.ID,
		Field:     "match",
		Original:  string(models.ProposalProposed),
		Corrected: string(models.ProposalConfirmed),
		UserID:    receipt.UserID,
		CreatedAt: now,
	}
	if err := e.store.InsertFeedback(ctx, fb); err != nil {
		log.Printf("[Matching] feedback insert failed: %v", err)
	}

	target := uuid.Nil
	targetType := TargetTransaction
	if m.TransactionID != nil {
		target = *m.TransactionID
	} else if m.TransactionGroupID != nil {
		target = *m.TransactionGroupID
		targetType = TargetGroup
	}
	e.emit(MatchEvent{ReceiptID: m.ReceiptID, TargetID: target, Type: targetType, Score: m.Confidence, Status: string(models.ProposalConfirmed)})
	return nil
}

// Reject marks a proposal rejected without touching either side's status.
func (e *Engine) Reject(ctx context.Context, proposalID uuid.UUID, expectedVersion int64) error {
	_, err := e.store.RejectProposal(ctx, proposalID, expectedVersion)
	return err
}

// Unmatch reverts a confirmed match: both sides return to unmatched, the
// match row is rejected, and the vendor pair is blocklisted so the scorer
// stops re-proposing the same mistake.
func (e *Engine) Unmatch(ctx context.Context, receiptID uuid.UUID) error {
	now := e.clock.Now()
	receipt, err := e.store.ReceiptByID(ctx, receiptID)
	if err != nil {
		return err
	}

	m, err := e.store.UnmatchReceipt(ctx, receiptID, now)
	if err != nil {
		return err
	}

	vendorRaw := ""
	if m.TransactionID != nil {
		if tx, err := e.store.TransactionByID(ctx, *m.TransactionID); err == nil {
			vendorRaw = tx.MerchantRaw
			if vendorRaw == "" {
				vendorRaw = tx.Description
			}
		}
	} else if m.TransactionGroupID != nil {
		if g, err := e.store.GroupByID(ctx, *m.TransactionGroupID); err == nil {
			vendorRaw = groupVendorName(g.Name)
		}
	}
	if vendorRaw != "" {
		if err := e.store.InsertRejectedPair(ctx, receipt.UserID, pairKey(receipt.Vendor, vendorRaw), now); err != nil {
			log.Printf("[Matching] rejected-pair insert failed: %v", err)
		}
	}

	fb := &models.PredictionFeedback{
		ID:        uuid.New(),
		SubjectID: m.ID,
		Field:     "match",
		Original:  string(models.ProposalConfirmed),
		Corrected: string(models.ProposalRejected),
		UserID:    receipt.UserID,
		CreatedAt: now,
	}
	if err := e.store.InsertFeedback(ctx, fb); err != nil {
		log.Printf("[Matching] feedback insert failed: %v", err)
	}
	return nil
}

func (e *Engine) emit(ev MatchEvent) {
	if e.alertFunc != nil {
		e.alertFunc(ev)
	}
}
