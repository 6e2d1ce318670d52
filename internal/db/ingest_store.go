package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-engine/pkg/models"
)

func (s *PostgresStore) FingerprintByHash(ctx context.Context, fileHash string) (*models.StatementFingerprint, error) {
	sql := `
		SELECT id, file_hash, column_mapping, header_row_idx, sign_convention,
		       verified, created_by_user_id, uses, created_at
		FROM statement_fingerprints
		WHERE file_hash = $1;
	`
	var fp models.StatementFingerprint
	var mappingJSON []byte
	err := s.pool.QueryRow(ctx, sql, fileHash).Scan(&fp.ID, &fp.FileHash, &mappingJSON,
		&fp.HeaderRowIdx, &fp.SignConvention, &fp.Verified, &fp.CreatedByUserID, &fp.Uses, &fp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "no fingerprint for shape %s", fileHash)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mappingJSON, &fp.Mapping); err != nil {
		return nil, models.WrapErr(models.KindInternal, err, "corrupt column mapping for fingerprint %s", fp.ID)
	}
	return &fp, nil
}

func (s *PostgresStore) InsertFingerprint(ctx context.Context, fp *models.StatementFingerprint) error {
	mappingJSON, err := json.Marshal(fp.Mapping)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO statement_fingerprints
			(id, file_hash, column_mapping, header_row_idx, sign_convention, verified, created_by_user_id, uses, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err = s.pool.Exec(ctx, sql, fp.ID, fp.FileHash, mappingJSON, fp.HeaderRowIdx,
		fp.SignConvention, fp.Verified, fp.CreatedByUserID, fp.Uses, fp.CreatedAt)
	return translateUnique(err)
}

func (s *PostgresStore) IncrementFingerprintUse(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE statement_fingerprints SET uses = uses + 1 WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) VerifyFingerprint(ctx context.Context, id uuid.UUID, mapping models.ColumnMapping, signConvention string) error {
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE statement_fingerprints SET column_mapping = $2, sign_convention = $3, verified = TRUE WHERE id = $1`,
		id, mappingJSON, signConvention)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.E(models.KindNotFound, "fingerprint %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ExistingDedupKeys(ctx context.Context, userID uuid.UUID, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT dedup_key FROM transactions WHERE user_id = $1 AND dedup_key = ANY($2)`,
		userID, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = true
	}
	return out, rows.Err()
}

// InsertImport lands the statement row, its transactions and its row errors
// in one transaction. A duplicate dedup_key racing a concurrent import of
// the same file surfaces as Conflict.
func (s *PostgresStore) InsertImport(ctx context.Context, stmt *models.Statement, txs []models.Transaction, rowErrs []models.RowError) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO statements (id, user_id, filename, file_hash, fingerprint_id, rows_imported, rows_duplicate, rows_failed, imported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		stmt.ID, stmt.UserID, stmt.Filename, stmt.FileHash, stmt.FingerprintID,
		stmt.RowsImported, stmt.RowsDuplicate, stmt.RowsFailed, stmt.ImportedAt); err != nil {
		return err
	}

	for i := range txs {
		t := &txs[i]
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions
				(id, user_id, statement_id, description, merchant_raw, amount_cents, tx_date,
				 post_date, match_status, reimbursability_source, dedup_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.UserID, t.StatementID, t.Description, t.MerchantRaw, int64(t.Amount),
			t.Date, t.PostDate, string(t.MatchStatus), t.ReimbursabilitySource, t.DedupKey); err != nil {
			return translateUnique(err)
		}
	}

	for i := range rowErrs {
		re := &rowErrs[i]
		if _, err := tx.Exec(ctx, `
			INSERT INTO statement_row_errors (id, statement_id, row_idx, raw_text, reason)
			VALUES ($1, $2, $3, $4, $5)`,
			re.ID, re.StatementID, re.RowIdx, re.Raw, re.Reason); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) StatementByID(ctx context.Context, id uuid.UUID) (*models.Statement, error) {
	sql := `
		SELECT id, user_id, filename, file_hash, fingerprint_id, rows_imported, rows_duplicate, rows_failed, imported_at
		FROM statements WHERE id = $1;
	`
	var st models.Statement
	err := s.pool.QueryRow(ctx, sql, id).Scan(&st.ID, &st.UserID, &st.Filename, &st.FileHash,
		&st.FingerprintID, &st.RowsImported, &st.RowsDuplicate, &st.RowsFailed, &st.ImportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "statement %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) RowErrorsForStatement(ctx context.Context, statementID uuid.UUID) ([]models.RowError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, statement_id, row_idx, raw_text, reason FROM statement_row_errors WHERE statement_id = $1 ORDER BY row_idx`,
		statementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RowError
	for rows.Next() {
		var re models.RowError
		if err := rows.Scan(&re.ID, &re.StatementID, &re.RowIdx, &re.Raw, &re.Reason); err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, rows.Err()
}
