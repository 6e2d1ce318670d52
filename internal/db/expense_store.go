package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-engine/pkg/models"
)

func (s *PostgresStore) InsertReceipt(ctx context.Context, r *models.Receipt) error {
	sql := `
		INSERT INTO receipts (id, user_id, blob_ref, ocr_status, match_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err := s.pool.Exec(ctx, sql, r.ID, r.UserID, r.BlobRef,
		string(r.OCRStatus), string(r.MatchStatus), r.CreatedAt)
	return err
}

func (s *PostgresStore) SetReceiptProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE receipts SET ocr_status = 'processing', row_version = row_version + 1 WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) SaveReceiptExtraction(ctx context.Context, r *models.Receipt) error {
	confJSON, err := json.Marshal(r.FieldConfidence)
	if err != nil {
		return err
	}
	itemsJSON, err := json.Marshal(r.LineItems)
	if err != nil {
		return err
	}
	var amount *int64
	if r.Amount != nil {
		v := int64(*r.Amount)
		amount = &v
	}
	sql := `
		UPDATE receipts
		SET ocr_status = 'extracted', vendor_extracted = $2, receipt_date = $3,
		    amount_cents = $4, tax_cents = $5, currency = $6,
		    field_confidence = $7, line_items = $8, ocr_error = NULL,
		    row_version = row_version + 1
		WHERE id = $1;
	`
	_, err = s.pool.Exec(ctx, sql, r.ID, r.Vendor, r.Date, amount, int64(r.Tax),
		r.Currency, confJSON, itemsJSON)
	return err
}

func (s *PostgresStore) SetReceiptOCRFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE receipts SET ocr_status = 'failed', ocr_error = $2, row_version = row_version + 1 WHERE id = $1`,
		id, reason)
	return err
}

func (s *PostgresStore) ListReceipts(ctx context.Context, userID uuid.UUID, limit int) ([]models.Receipt, error) {
	sql := `SELECT ` + receiptColumns + ` FROM receipts WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`
	rows, err := s.pool.Query(ctx, sql, userID, limit)
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

func (s *PostgresStore) TransactionsForStatement(ctx context.Context, statementID uuid.UUID) ([]models.Transaction, error) {
	sql := `SELECT ` + transactionColumns + ` FROM transactions WHERE statement_id = $1 ORDER BY tx_date, id;`
	return s.queryTransactions(ctx, sql, statementID)
}

func (s *PostgresStore) TransactionsInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]models.Transaction, error) {
	sql := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 AND tx_date BETWEEN $2 AND $3 ORDER BY tx_date, id;`
	return s.queryTransactions(ctx, sql, userID, from, to)
}

func (s *PostgresStore) queryTransactions(ctx context.Context, sql string, args ...any) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
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

func (s *PostgresStore) SetTransactionCategory(ctx context.Context, id uuid.UUID, categoryCode, source string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET category_code = $2, reimbursability_source = $3, row_version = row_version + 1 WHERE id = $1`,
		id, categoryCode, source)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.E(models.KindNotFound, "transaction %s not found", id)
	}
	return nil
}

func (s *PostgresStore) SplitPatternFor(ctx context.Context, userID uuid.UUID, vendor string) (*models.SplitPattern, error) {
	var p models.SplitPattern
	var allocJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, trigger_vendor, allocations FROM split_patterns WHERE user_id = $1 AND trigger_vendor = $2`,
		userID, vendor).Scan(&p.ID, &p.UserID, &p.TriggerVendor, &allocJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "no split pattern for %q", vendor)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allocJSON, &p.Allocations); err != nil {
		return nil, models.WrapErr(models.KindInternal, err, "corrupt allocations for split pattern %s", p.ID)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertSplitPattern(ctx context.Context, p *models.SplitPattern) error {
	allocJSON, err := json.Marshal(p.Allocations)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO split_patterns (id, user_id, trigger_vendor, allocations)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, trigger_vendor) DO UPDATE SET allocations = EXCLUDED.allocations;
	`
	_, err = s.pool.Exec(ctx, sql, p.ID, p.UserID, p.TriggerVendor, allocJSON)
	return err
}

func (s *PostgresStore) SplitPatterns(ctx context.Context, userID uuid.UUID) ([]models.SplitPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, trigger_vendor, allocations FROM split_patterns WHERE user_id = $1 ORDER BY trigger_vendor`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SplitPattern
	for rows.Next() {
		var p models.SplitPattern
		var allocJSON []byte
		if err := rows.Scan(&p.ID, &p.UserID, &p.TriggerVendor, &allocJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(allocJSON, &p.Allocations); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertGLCodes(ctx context.Context, codes []models.GLCode) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range codes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO gl_codes (code, name) VALUES ($1, $2) ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name`,
			c.Code, c.Name); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GLCodes(ctx context.Context) ([]models.GLCode, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, name FROM gl_codes ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GLCode
	for rows.Next() {
		var c models.GLCode
		if err := rows.Scan(&c.Code, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateGroup bundles unmatched, ungrouped transactions into a new group.
// The combined amount is computed from the members inside the transaction so
// it cannot drift from the member sum.
func (s *PostgresStore) CreateGroup(ctx context.Context, g *models.TransactionGroup, memberIDs []uuid.UUID) (*models.TransactionGroup, error) {
	if len(memberIDs) < 2 {
		return nil, models.E(models.KindValidation, "a group needs at least two member transactions")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO transaction_groups (id, user_id, name, display_date, combined_cents, members_count, match_status)
		VALUES ($1, $2, $3, $4, 0, 0, 'unmatched')`,
		g.ID, g.UserID, g.Name, g.DisplayDate); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET group_id = $1, row_version = row_version + 1
		WHERE id = ANY($2) AND user_id = $3 AND match_status = 'unmatched' AND group_id IS NULL`,
		g.ID, memberIDs, g.UserID)
	if err != nil {
		return nil, err
	}
	if int(tag.RowsAffected()) != len(memberIDs) {
		return nil, models.E(models.KindConflict, "some transactions are missing, matched or already grouped")
	}

	sql := `
		UPDATE transaction_groups tg
		SET combined_cents = m.total, members_count = m.n,
		    display_date = m.latest
		FROM (
			SELECT COALESCE(SUM(amount_cents), 0) AS total, COUNT(*) AS n, MAX(tx_date) AS latest
			FROM transactions WHERE group_id = $1
		) m
		WHERE tg.id = $1
		RETURNING ` + groupColumnsPrefixed("tg") + `;
	`
	created, err := scanGroup(tx.QueryRow(ctx, sql, g.ID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// DissolveGroup removes an unmatched group and frees its members.
func (s *PostgresStore) DissolveGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx,
		`SELECT match_status FROM transaction_groups WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		groupID, userID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.E(models.KindNotFound, "group %s not found", groupID)
	}
	if err != nil {
		return err
	}
	if models.MatchStatus(status) == models.MatchMatched {
		return models.E(models.KindConflict, "group %s has a confirmed match; unmatch it first", groupID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE transactions SET group_id = NULL, row_version = row_version + 1 WHERE group_id = $1`,
		groupID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM transaction_groups WHERE id = $1`, groupID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// OpenProposals lists proposed matches for the user's receipts.
func (s *PostgresStore) OpenProposals(ctx context.Context, userID uuid.UUID) ([]models.ReceiptTransactionMatch, error) {
	sql := `
		SELECT m.id, m.receipt_id, m.transaction_id, m.transaction_group_id, m.status,
		       m.confidence, m.amount_score, m.date_score, m.vendor_score, m.reason,
		       m.is_manual, m.confirmed_at, m.row_version, m.created_at
		FROM receipt_transaction_matches m
		JOIN receipts r ON r.id = m.receipt_id
		WHERE r.user_id = $1 AND m.status = 'proposed'
		ORDER BY m.created_at DESC;
	`
	rows, err := s.pool.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReceiptTransactionMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func groupColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.user_id, ` + alias + `.name, ` + alias + `.display_date, ` +
		alias + `.combined_cents, ` + alias + `.members_count, ` + alias + `.match_status, ` +
		alias + `.matched_receipt_id, ` + alias + `.row_version`
}
