package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rawblock/expense-engine/internal/matching"
	"github.com/rawblock/expense-engine/pkg/models"
)

const receiptColumns = `
	id, user_id, blob_ref, ocr_status, vendor_extracted, receipt_date,
	amount_cents, tax_cents, currency, field_confidence, line_items,
	match_status, row_version, created_at
`

func scanReceipt(row pgx.Row) (*models.Receipt, error) {
	var r models.Receipt
	var amount *int64
	var confJSON, itemsJSON []byte
	err := row.Scan(&r.ID, &r.UserID, &r.BlobRef, &r.OCRStatus, &r.Vendor, &r.Date,
		&amount, &r.Tax, &r.Currency, &confJSON, &itemsJSON,
		&r.MatchStatus, &r.RowVersion, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if amount != nil {
		c := models.Cents(*amount)
		r.Amount = &c
	}
	if len(confJSON) > 0 {
		_ = json.Unmarshal(confJSON, &r.FieldConfidence)
	}
	if len(itemsJSON) > 0 {
		_ = json.Unmarshal(itemsJSON, &r.LineItems)
	}
	return &r, nil
}

func (s *PostgresStore) ReceiptByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	sql := `SELECT ` + receiptColumns + ` FROM receipts WHERE id = $1;`
	r, err := scanReceipt(s.pool.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "receipt %s not found", id)
	}
	return r, err
}

func (s *PostgresStore) UnmatchedExtractedReceipts(ctx context.Context, userID uuid.UUID) ([]models.Receipt, error) {
	sql := `
		SELECT ` + receiptColumns + `
		FROM receipts
		WHERE user_id = $1 AND match_status = 'unmatched' AND ocr_status = 'extracted'
		ORDER BY created_at;
	`
	rows, err := s.pool.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const transactionColumns = `
	id, user_id, statement_id, description, merchant_raw, amount_cents, tx_date,
	post_date, group_id, match_status, matched_receipt_id, category_code,
	reimbursability_source, dedup_key, row_version
`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.StatementID, &t.Description, &t.MerchantRaw,
		&t.Amount, &t.Date, &t.PostDate, &t.GroupID, &t.MatchStatus, &t.MatchedReceiptID,
		&t.CategoryCode, &t.ReimbursabilitySource, &t.DedupKey, &t.RowVersion)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) TransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	sql := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1;`
	t, err := scanTransaction(s.pool.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "transaction %s not found", id)
	}
	return t, err
}

// CandidateTransactions excludes grouped rows: their group represents them
// in the candidate pool.
func (s *PostgresStore) CandidateTransactions(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error) {
	sql := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1 AND match_status = 'unmatched' AND group_id IS NULL
		  AND tx_date BETWEEN $2 AND $3;
	`
	rows, err := s.pool.Query(ctx, sql, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanGroup(row pgx.Row) (*models.TransactionGroup, error) {
	var g models.TransactionGroup
	err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.DisplayDate, &g.CombinedAmount,
		&g.MembersCount, &g.MatchStatus, &g.MatchedReceiptID, &g.RowVersion)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

const groupColumns = `
	id, user_id, name, display_date, combined_cents, members_count,
	match_status, matched_receipt_id, row_version
`

func (s *PostgresStore) GroupByID(ctx context.Context, id uuid.UUID) (*models.TransactionGroup, error) {
	sql := `SELECT ` + groupColumns + ` FROM transaction_groups WHERE id = $1;`
	g, err := scanGroup(s.pool.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "group %s not found", id)
	}
	return g, err
}

func (s *PostgresStore) CandidateGroups(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.TransactionGroup, error) {
	sql := `
		SELECT ` + groupColumns + `
		FROM transaction_groups
		WHERE user_id = $1 AND match_status = 'unmatched'
		  AND display_date BETWEEN $2 AND $3;
	`
	rows, err := s.pool.Query(ctx, sql, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TransactionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CanonicalVendor(ctx context.Context, userID uuid.UUID, vendor string) (string, bool, error) {
	var canonical string
	err := s.pool.QueryRow(ctx,
		`SELECT canonical_vendor FROM vendor_aliases WHERE user_id = $1 AND vendor_pattern = $2`,
		userID, vendor).Scan(&canonical)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return canonical, true, nil
}

// EnsureVendorAlias inserts the alias if the pattern is new for the user;
// an existing mapping is never overwritten by automation.
func (s *PostgresStore) EnsureVendorAlias(ctx context.Context, alias *models.VendorAlias) error {
	sql := `
		INSERT INTO vendor_aliases
			(id, user_id, vendor_pattern, is_regex, canonical_vendor, default_category_code, confirmed_by_user_id, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (user_id, vendor_pattern) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, alias.ID, alias.UserID, alias.Pattern, alias.IsRegex,
		alias.CanonicalVendor, alias.DefaultCategoryCode, alias.ConfirmedByUserID, alias.ConfirmedAt)
	return err
}

func (s *PostgresStore) RejectedPairExists(ctx context.Context, userID uuid.UUID, pairKey string, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rejected_pairs WHERE user_id = $1 AND pair_key = $2 AND rejected_at > $3)`,
		userID, pairKey, since).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) InsertRejectedPair(ctx context.Context, userID uuid.UUID, pairKey string, at time.Time) error {
	sql := `
		INSERT INTO rejected_pairs (user_id, pair_key, rejected_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, pair_key) DO UPDATE SET rejected_at = EXCLUDED.rejected_at;
	`
	_, err := s.pool.Exec(ctx, sql, userID, pairKey, at)
	return err
}

const matchColumns = `
	id, receipt_id, transaction_id, transaction_group_id, status, confidence,
	amount_score, date_score, vendor_score, reason, is_manual, confirmed_at,
	row_version, created_at
`

func scanMatch(row pgx.Row) (*models.ReceiptTransactionMatch, error) {
	var m models.ReceiptTransactionMatch
	err := row.Scan(&m.ID, &m.ReceiptID, &m.TransactionID, &m.TransactionGroupID,
		&m.Status, &m.Confidence, &m.AmountScore, &m.DateScore, &m.VendorScore,
		&m.Reason, &m.IsManual, &m.ConfirmedAt, &m.RowVersion, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ProposalByID(ctx context.Context, id uuid.UUID) (*models.ReceiptTransactionMatch, error) {
	sql := `SELECT ` + matchColumns + ` FROM receipt_transaction_matches WHERE id = $1;`
	m, err := scanMatch(s.pool.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "proposal %s not found", id)
	}
	return m, err
}

func (s *PostgresStore) OpenProposalForReceipt(ctx context.Context, receiptID uuid.UUID) (*models.ReceiptTransactionMatch, error) {
	sql := `SELECT ` + matchColumns + ` FROM receipt_transaction_matches WHERE receipt_id = $1 AND status = 'proposed' LIMIT 1;`
	m, err := scanMatch(s.pool.QueryRow(ctx, sql, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "no open proposal for receipt %s", receiptID)
	}
	return m, err
}

func (s *PostgresStore) ConfirmedMatchForReceipt(ctx context.Context, receiptID uuid.UUID) (*models.ReceiptTransactionMatch, error) {
	sql := `SELECT ` + matchColumns + ` FROM receipt_transaction_matches WHERE receipt_id = $1 AND status = 'confirmed';`
	m, err := scanMatch(s.pool.QueryRow(ctx, sql, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "no confirmed match for receipt %s", receiptID)
	}
	return m, err
}

func (s *PostgresStore) InsertProposal(ctx context.Context, m *models.ReceiptTransactionMatch) error {
	sql := `
		INSERT INTO receipt_transaction_matches
			(id, receipt_id, transaction_id, transaction_group_id, status, confidence,
			 amount_score, date_score, vendor_score, reason, is_manual, row_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`
	_, err := s.pool.Exec(ctx, sql, m.ID, m.ReceiptID, m.TransactionID, m.TransactionGroupID,
		string(m.Status), m.Confidence, m.AmountScore, m.DateScore, m.VendorScore,
		m.Reason, m.IsManual, m.RowVersion, m.CreatedAt)
	return err
}

// ConfirmMatch promotes a proposal and flips both sides inside one
// transaction. The optimistic row_version check and the partial unique
// indexes both surface as Conflict.
func (s *PostgresStore) ConfirmMatch(ctx context.Context, proposalID uuid.UUID, expectedVersion int64, at time.Time) (*models.ReceiptTransactionMatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sql := `
		UPDATE receipt_transaction_matches
		SET status = 'confirmed', confirmed_at = $3, row_version = row_version + 1
		WHERE id = $1 AND row_version = $2 AND status = 'proposed'
		RETURNING ` + matchColumns + `;
	`
	m, err := scanMatch(tx.QueryRow(ctx, sql, proposalID, expectedVersion, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.E(models.KindConflict, "proposal %s is stale or not open", proposalID)
		}
		return nil, translateUnique(err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE receipts SET match_status = 'matched', row_version = row_version + 1 WHERE id = $1`,
		m.ReceiptID); err != nil {
		return nil, err
	}
	if m.TransactionID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET match_status = 'matched', matched_receipt_id = $2, row_version = row_version + 1 WHERE id = $1`,
			*m.TransactionID, m.ReceiptID); err != nil {
			return nil, err
		}
	}
	if m.TransactionGroupID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE transaction_groups SET match_status = 'matched', matched_receipt_id = $2, row_version = row_version + 1 WHERE id = $1`,
			*m.TransactionGroupID, m.ReceiptID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateUnique(err)
	}
	return m, nil
}

func (s *PostgresStore) RejectProposal(ctx context.Context, proposalID uuid.UUID, expectedVersion int64) (*models.ReceiptTransactionMatch, error) {
	sql := `
		UPDATE receipt_transaction_matches
		SET status = 'rejected', row_version = row_version + 1
		WHERE id = $1 AND row_version = $2 AND status = 'proposed'
		RETURNING ` + matchColumns + `;
	`
	m, err := scanMatch(s.pool.QueryRow(ctx, sql, proposalID, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindConflict, "proposal %s is stale or not open", proposalID)
	}
	return m, err
}

// UnmatchReceipt reverts a confirmed match: the match row flips to rejected
// and both sides return to unmatched.
func (s *PostgresStore) UnmatchReceipt(ctx context.Context, receiptID uuid.UUID, at time.Time) (*models.ReceiptTransactionMatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sql := `
		UPDATE receipt_transaction_matches
		SET status = 'rejected', row_version = row_version + 1
		WHERE receipt_id = $1 AND status = 'confirmed'
		RETURNING ` + matchColumns + `;
	`
	m, err := scanMatch(tx.QueryRow(ctx, sql, receiptID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.E(models.KindNotFound, "no confirmed match for receipt %s", receiptID)
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE receipts SET match_status = 'unmatched', row_version = row_version + 1 WHERE id = $1`,
		receiptID); err != nil {
		return nil, err
	}
	if m.TransactionID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET match_status = 'unmatched', matched_receipt_id = NULL, row_version = row_version + 1 WHERE id = $1`,
			*m.TransactionID); err != nil {
			return nil, err
		}
	}
	if m.TransactionGroupID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE transaction_groups SET match_status = 'unmatched', matched_receipt_id = NULL, row_version = row_version + 1 WHERE id = $1`,
			*m.TransactionGroupID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) RecordAmbiguity(ctx context.Context, receiptID uuid.UUID, candidates []matching.Candidate) error {
	raw, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO match_ambiguities (id, receipt_id, candidates) VALUES ($1, $2, $3)`,
		uuid.New(), receiptID, raw)
	return err
}

func (s *PostgresStore) InsertFeedback(ctx context.Context, fb *models.PredictionFeedback) error {
	sql := `
		INSERT INTO prediction_feedback (id, subject_id, field, original, corrected, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(ctx, sql, fb.ID, fb.SubjectID, fb.Field, fb.Original, fb.Corrected, fb.UserID, fb.CreatedAt)
	return err
}

// WithReceiptLock serializes matching runs per receipt with a transaction-
// scoped advisory lock.
func (s *PostgresStore) WithReceiptLock(ctx context.Context, receiptID uuid.UUID, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, receiptID.String()); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// translateUnique maps unique-index violations (23505) to Conflict.
func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.WrapErr(models.KindConflict, err, "unique constraint violated")
	}
	return err
}
