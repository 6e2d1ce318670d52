package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

func (s *PostgresStore) GetCacheEntry(ctx context.Context, kind models.QuestionKind, userID uuid.UUID, canonical string) (*models.CacheEntry, error) {
	sql := `
		SELECT question_kind, user_id, canonical_form, answer, confidence, hit_count, last_used_at
		FROM resolution_cache
		WHERE question_kind = $1 AND user_id = $2 AND canonical_form = $3;
	`
	var e models.CacheEntry
	err := s.pool.QueryRow(ctx, sql, string(kind), userID, canonical).Scan(
		&e.Kind, &e.UserID, &e.Canonical, &e.Answer, &e.Confidence, &e.HitCount, &e.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.E(models.KindNotFound, "no cache entry for %s/%s", kind, canonical)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	sql := `
		INSERT INTO resolution_cache (question_kind, user_id, canonical_form, answer, confidence, hit_count, last_used_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (question_kind, user_id, canonical_form) DO UPDATE SET
			answer = EXCLUDED.answer,
			confidence = EXCLUDED.confidence,
			last_used_at = EXCLUDED.last_used_at;
	`
	_, err := s.pool.Exec(ctx, sql, string(entry.Kind), entry.UserID, entry.Canonical,
		entry.Answer, entry.Confidence, entry.LastUsedAt)
	return err
}

func (s *PostgresStore) TouchCacheEntry(ctx context.Context, kind models.QuestionKind, userID uuid.UUID, canonical string) error {
	sql := `
		UPDATE resolution_cache
		SET hit_count = hit_count + 1, last_used_at = NOW()
		WHERE question_kind = $1 AND user_id = $2 AND canonical_form = $3;
	`
	_, err := s.pool.Exec(ctx, sql, string(kind), userID, canonical)
	return err
}

func subjectKindForQuestion(kind models.QuestionKind) string {
	if kind == models.QuestionSuggestGLCode {
		return models.SubjectVendor
	}
	return models.SubjectDescription
}

// NearestVerified runs cosine k-NN over the verified embedding set, scoped
// to the user's rows plus global ones. Ordering implements the resolver's
// tie-break contract: similarity, then most recent verified_at, then id.
func (s *PostgresStore) NearestVerified(ctx context.Context, kind models.QuestionKind, userID uuid.UUID, vec []float32, k int) ([]resolver.Neighbor, error) {
	sql := `
		SELECT id, subject_text, answer, 1 - (embedding <=> $1) AS similarity, verified_at
		FROM expense_embeddings
		WHERE subject_kind = $2
		  AND verified_by_user = TRUE
		  AND stale_after > NOW()
		  AND (user_id IS NULL OR user_id = $3)
		ORDER BY similarity DESC, verified_at DESC, id ASC
		LIMIT $4;
	`
	rows, err := s.pool.Query(ctx, sql, pgvector.NewVector(vec), subjectKindForQuestion(kind), userID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []resolver.Neighbor
	for rows.Next() {
		var n resolver.Neighbor
		if err := rows.Scan(&n.ID, &n.SubjectText, &n.Answer, &n.Similarity, &n.VerifiedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertVerifiedEmbedding(ctx context.Context, emb *models.ExpenseEmbedding) error {
	sql := `
		INSERT INTO expense_embeddings
			(id, user_id, subject_kind, subject_text, embedding, answer, category_code, verified_by_user, verified_at, stale_after)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10);
	`
	_, err := s.pool.Exec(ctx, sql, emb.ID, emb.UserID, emb.SubjectKind, emb.SubjectText,
		pgvector.NewVector(emb.Vector), emb.Answer, emb.CategoryCode, emb.VerifiedByUser,
		emb.VerifiedAt, emb.StaleAfter)
	return err
}

func (s *PostgresStore) DeleteStaleEmbeddings(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM expense_embeddings WHERE stale_after <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertResolution(ctx context.Context, rec *models.ResolutionRecord) error {
	sql := `
		INSERT INTO resolution_log
			(id, question_kind, canonical_hash, tier_reached, cache_hit, confidence, latency_ms, provider_id, cost_estimate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10);
	`
	_, err := s.pool.Exec(ctx, sql, rec.ID, string(rec.QuestionKind), rec.CanonicalHash,
		int(rec.TierReached), rec.CacheHit, rec.Confidence, rec.LatencyMS, rec.ProviderID,
		rec.CostEstimate, rec.CreatedAt)
	return err
}

// TierStat aggregates the resolution log per tier for the stats endpoint.
type TierStat struct {
	Tier         models.Tier `json:"tier"`
	Resolutions  int64       `json:"resolutions"`
	TotalCost    float64     `json:"totalCost"`
	AvgLatencyMS float64     `json:"avgLatencyMs"`
}

// ResolverStats summarizes tier usage and spend since the given time.
func (s *PostgresStore) ResolverStats(ctx context.Context, since time.Time) ([]TierStat, error) {
	sql := `
		SELECT tier_reached, COUNT(*), COALESCE(SUM(cost_estimate), 0), COALESCE(AVG(latency_ms), 0)
		FROM resolution_log
		WHERE created_at >= $1
		GROUP BY tier_reached
		ORDER BY tier_reached;
	`
	rows, err := s.pool.Query(ctx, sql, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]TierStat, 0)
	for rows.Next() {
		var st TierStat
		var tier int
		if err := rows.Scan(&tier, &st.Resolutions, &st.TotalCost, &st.AvgLatencyMS); err != nil {
			return nil, err
		}
		st.Tier = models.Tier(tier)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// UncachedDescriptions feeds the warm_cache job: recent transaction
// descriptions that have no T1 entry yet for this user. Cache rows are keyed
// by the resolver's canonical form, not the raw description, so the cache
// check runs against canonicalized candidates.
func (s *PostgresStore) UncachedDescriptions(ctx context.Context, userID uuid.UUID, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT description FROM transactions WHERE user_id = $1 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var descs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		return nil, nil
	}

	canonicals := make([]string, 0, len(descs))
	for _, d := range descs {
		if c := resolver.Canonicalize(d); c != "" {
			canonicals = append(canonicals, c)
		}
	}

	cached := make(map[string]bool, len(canonicals))
	crows, err := s.pool.Query(ctx,
		`SELECT canonical_form FROM resolution_cache
		 WHERE question_kind = 'normalize_vendor' AND user_id = $1 AND canonical_form = ANY($2)`,
		userID, canonicals)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var c string
		if err := crows.Scan(&c); err != nil {
			return nil, err
		}
		cached[c] = true
	}
	if err := crows.Err(); err != nil {
		return nil, err
	}

	return filterUncachedDescriptions(descs, cached), nil
}

// filterUncachedDescriptions keeps one description per canonical form that
// has no cache entry yet. Duplicate canonicals are dropped so warm_cache
// resolves each vendor once.
func filterUncachedDescriptions(descs []string, cached map[string]bool) []string {
	seen := make(map[string]bool, len(descs))
	var out []string
	for _, d := range descs {
		c := resolver.Canonicalize(d)
		if c == "" || cached[c] || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, d)
	}
	return out
}
