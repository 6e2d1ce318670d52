// Package resolver implements the tiered AI-cost hierarchy: exact cache,
// vector similarity, small LLM, large LLM. Cheapest first, short-circuit on
// the first success, and every user confirmation is written back so the
// steady-state hit rate climbs toward free.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/pkg/models"
)

// Relative cost units per tier; the large model anchors at ~30x the small.
const (
	costExact     = 0.0
	costEmbedding = 0.02
	costSmall     = 1.0
	costLarge     = 30.0
)

const localCacheTTL = 60 * time.Second

// Question is one AI-decided lookup flowing through the tiers.
type Question struct {
	Kind    models.QuestionKind
	UserID  uuid.UUID
	Input   string
	Context map[string]string // extra material for prompts (sample rows, GL code list, ...)
}

// Answer carries the resolved value plus provenance.
type Answer struct {
	Value        string
	Tier         models.Tier
	Confidence   float64
	CostEstimate float64
	SourceID     string
	CacheHit     bool
}

// Neighbor is one T2 vector-search hit, ordered by similarity with ties
// broken by most recent verified_at then smallest id (the store guarantees
// the ordering).
type Neighbor struct {
	ID          uuid.UUID
	SubjectText string
	Answer      string
	Similarity  float64
	VerifiedAt  time.Time
}

type CacheStore interface {
	GetCacheEntry(ctx context.Context, kind models.QuestionKind, userID uuid.UUID, canonical string) (*models.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	TouchCacheEntry(ctx context.Context, kind models.QuestionKind, userID uuid.UUID, canonical string) error
}

type VectorStore interface {
	NearestVerified(ctx context.Context, kind models.QuestionKind, userID uuid.UUID, vec []float32, k int) ([]Neighbor, error)
	InsertVerifiedEmbedding(ctx context.Context, emb *models.ExpenseEmbedding) error
}

type RecordStore interface {
	InsertResolution(ctx context.Context, rec *models.ResolutionRecord) error
}

// Store is the persistence surface the resolver needs.
type Store interface {
	CacheStore
	VectorStore
	RecordStore
}

// Config carries the tier thresholds (see config package for defaults).
type Config struct {
	VectorSimilarityThreshold float64
	VectorMarginThreshold     float64
	SmallMinSelfConfidence    float64
	SmallTimeout              time.Duration
	LargeTimeout              time.Duration
	EmbeddingTimeout          time.Duration
	EmbeddingStaleAfter       time.Duration
}

func DefaultConfig() Config {
	return Config{
		VectorSimilarityThreshold: 0.88,
		VectorMarginThreshold:     0.03,
		SmallMinSelfConfidence:    0.70,
		SmallTimeout:              30 * time.Second,
		LargeTimeout:              90 * time.Second,
		EmbeddingTimeout:          10 * time.Second,
		EmbeddingStaleAfter:       90 * 24 * time.Hour,
	}
}

type Resolver struct {
	store    Store
	llm      ports.LLMProvider
	embedder ports.EmbeddingProvider
	clock    ports.Clock
	cfg      Config

	smallBreaker *Breaker
	largeBreaker *Breaker
	embedBreaker *Breaker

	// Read-through caches, never authoritative: 60s TTL on T1 answers,
	// plus per-input embedding reuse so repeated T2 lookups of the same
	// text cost one provider call.
	local    *lru.LRU[string, Answer]
	embCache *lru.LRU[string, []float32]
}

func New(store Store, llm ports.LLMProvider, embedder ports.EmbeddingProvider, clock ports.Clock, cfg Config, breakerCfg BreakerConfig) *Resolver {
	return &Resolver{
		store:        store,
		llm:          llm,
		embedder:     embedder,
		clock:        clock,
		cfg:          cfg,
		smallBreaker: NewBreaker("llm_small", breakerCfg, clock),
		largeBreaker: NewBreaker("llm_large", breakerCfg, clock),
		embedBreaker: NewBreaker("embedding", breakerCfg, clock),
		local:        lru.NewLRU[string, Answer](4096, nil, localCacheTTL),
		embCache:     lru.NewLRU[string, []float32](4096, nil, localCacheTTL),
	}
}

// BreakerStates reports each provider breaker for the health endpoint.
func (r *Resolver) BreakerStates() map[string]string {
	return map[string]string{
		"llm_small": r.smallBreaker.State(),
		"llm_large": r.largeBreaker.State(),
		"embedding": r.embedBreaker.State(),
	}
}

func localKey(kind models.QuestionKind, userID uuid.UUID, canonical string) string {
	return string(kind) + "|" + userID.String() + "|" + canonical
}

func canonicalHash(kind models.QuestionKind, canonical string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + canonical))
	return hex.EncodeToString(sum[:])
}

// Resolve answers a question at the cheapest tier that succeeds.
// If both LLM tiers are skipped by open breakers the question fails with
// ProviderUnavailable and the caller must degrade.
func (r *Resolver) Resolve(ctx context.Context, q Question) (*Answer, error) {
	start := r.clock.Now()
	canonical := Canonicalize(q.Input)
	if canonical == "" {
		return nil, models.E(models.KindValidation, "question input is empty after canonicalization")
	}

	ans, err := r.resolve(ctx, q, canonical)

	rec := &models.ResolutionRecord{
		ID:            uuid.New(),
		QuestionKind:  q.Kind,
		CanonicalHash: canonicalHash(q.Kind, canonical),
		TierReached:   models.TierNone,
		LatencyMS:     r.clock.Now().Sub(start).Milliseconds(),
		CreatedAt:     r.clock.Now(),
	}
	if ans != nil {
		rec.TierReached = ans.Tier
		rec.CacheHit = ans.CacheHit
		rec.Confidence = ans.Confidence
		rec.CostEstimate = ans.CostEstimate
		rec.ProviderID = ans.SourceID
	}
	if recErr := r.store.InsertResolution(ctx, rec); recErr != nil {
		log.Printf("[Resolver] failed to record resolution: %v", recErr)
	}
	return ans, err
}

func (r *Resolver) resolve(ctx context.Context, q Question, canonical string) (*Answer, error) {
	// T1: exact cache, read-through.
	key := localKey(q.Kind, q.UserID, canonical)
	if cached, ok := r.local.Get(key); ok {
		hit := cached
		hit.CacheHit = true
		return &hit, nil
	}
	entry, err := r.store.GetCacheEntry(ctx, q.Kind, q.UserID, canonical)
	if err != nil && !models.IsNotFound(err) {
		return nil, err
	}
	if entry != nil {
		if err := r.store.TouchCacheEntry(ctx, q.Kind, q.UserID, canonical); err != nil {
			log.Printf("[Resolver] cache touch failed: %v", err)
		}
		ans := Answer{
			Value:        entry.Answer,
			Tier:         models.TierExact,
			Confidence:   entry.Confidence,
			CostEstimate: costExact,
			CacheHit:     true,
		}
		r.local.Add(key, ans)
		return &ans, nil
	}

	// T2: vector similarity over the verified embedding set.
	if r.embedder != nil {
		if ans, ok := r.resolveVector(ctx, q, canonical); ok {
			return ans, nil
		}
	}

	// T3: cheap schema-constrained LLM.
	if r.smallBreaker.Allow() {
		ans, err := r.completeTier(ctx, q, canonical, models.TierSmall)
		if err == nil && ans.Confidence >= r.cfg.SmallMinSelfConfidence {
			return ans, nil
		}
		if err != nil {
			log.Printf("[Resolver] T3 failed for %s: %v", q.Kind, err)
		}
	}

	// T4: strong model, always terminal.
	if r.largeBreaker.Allow() {
		ans, err := r.completeTier(ctx, q, canonical, models.TierLarge)
		if err == nil {
			return ans, nil
		}
		return nil, err
	}

	return nil, models.E(models.KindProviderUnavailable, "all provider tiers unavailable for %s", q.Kind)
}

func (r *Resolver) resolveVector(ctx context.Context, q Question, canonical string) (*Answer, bool) {
	vec, ok := r.embCache.Get(canonical)
	cost := 0.0
	if !ok {
		if !r.embedBreaker.Allow() {
			return nil, false
		}
		embCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbeddingTimeout)
		vecs, err := r.embedder.Embed(embCtx, []string{canonical})
		cancel()
		r.embedBreaker.Record(err, errors.Is(err, context.DeadlineExceeded))
		if err != nil || len(vecs) != 1 {
			log.Printf("[Resolver] embedding call failed: %v", err)
			return nil, false
		}
		vec = vecs[0]
		r.embCache.Add(canonical, vec)
		cost = costEmbedding
	}

	neighbors, err := r.store.NearestVerified(ctx, q.Kind, q.UserID, vec, 5)
	if err != nil {
		log.Printf("[Resolver] knn lookup failed: %v", err)
		return nil, false
	}
	if len(neighbors) == 0 {
		return nil, false
	}
	top := neighbors[0]
	if top.Similarity < r.cfg.VectorSimilarityThreshold {
		return nil, false
	}
	if len(neighbors) > 1 && top.Similarity-neighbors[1].Similarity < r.cfg.VectorMarginThreshold {
		return nil, false
	}
	return &Answer{
		Value:        top.Answer,
		Tier:         models.TierVec,
		Confidence:   top.Similarity,
		CostEstimate: cost,
		SourceID:     top.ID.String(),
	}, true
}

// llmAnswer is the schema every tier-3/4 completion must satisfy.
type llmAnswer struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
}

var answerSchema = ports.Schema{
	Fields: []ports.SchemaField{
		{Name: "value", Required: true},
		{Name: "confidence", Type: "number", Required: true},
	},
}

func (r *Resolver) completeTier(ctx context.Context, q Question, canonical string, tier models.Tier) (*Answer, error) {
	breaker := r.smallBreaker
	model := ports.ModelSmall
	timeout := r.cfg.SmallTimeout
	cost := costSmall
	if tier == models.TierLarge {
		breaker = r.largeBreaker
		model = ports.ModelLarge
		timeout = r.cfg.LargeTimeout
		cost = costLarge
	}

	req := ports.CompletionRequest{
		Prompt:      buildPrompt(q, canonical, tier),
		Schema:      answerSchema,
		Temperature: 0,
		MaxTokens:   512,
		Model:       model,
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := r.llm.Complete(callCtx, req)
	cancel()
	timedOut := errors.Is(err, context.DeadlineExceeded)
	if err == nil {
		if verr := req.Schema.Validate(res.Content); verr != nil {
			err = verr
		}
	}
	breaker.Record(err, timedOut)
	if err != nil {
		if timedOut {
			return nil, models.WrapErr(models.KindProviderTransient, err, "%s completion timed out", model)
		}
		return nil, err
	}

	var parsed llmAnswer
	if err := json.Unmarshal(res.Content, &parsed); err != nil {
		return nil, models.WrapErr(models.KindProviderTransient, err, "unparseable completion")
	}
	value, err := rawToString(parsed.Value)
	if err != nil {
		return nil, err
	}

	return &Answer{
		Value:        value,
		Tier:         tier,
		Confidence:   parsed.Confidence,
		CostEstimate: cost,
		SourceID:     res.ProviderID,
	}, nil
}

// rawToString flattens the "value" field: plain strings are unquoted,
// structured values (column mappings) are kept as compact JSON.
func rawToString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", models.E(models.KindProviderTransient, "completion value is empty")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", models.WrapErr(models.KindProviderTransient, err, "bad string value")
		}
		return s, nil
	}
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return "", models.WrapErr(models.KindProviderTransient, err, "bad structured value")
	}
	compact, err := json.Marshal(buf)
	if err != nil {
		return "", err
	}
	return string(compact), nil
}

// ConfirmAnswer is the learning writeback: the user accepted value for this
// question, so the canonical form is promoted to the exact cache and, when
// the answer came from an LLM tier, a verified embedding seeds T2.
func (r *Resolver) ConfirmAnswer(ctx context.Context, q Question, ans *Answer) error {
	canonical := Canonicalize(q.Input)
	if canonical == "" {
		return models.E(models.KindValidation, "cannot confirm an empty canonical form")
	}

	entry := &models.CacheEntry{
		Kind:       q.Kind,
		UserID:     q.UserID,
		Canonical:  canonical,
		Answer:     ans.Value,
		Confidence: 1.0, // user-confirmed
		LastUsedAt: r.clock.Now(),
	}
	if err := r.store.UpsertCacheEntry(ctx, entry); err != nil {
		return err
	}
	// Local read-through copy is stale the moment we write.
	r.local.Remove(localKey(q.Kind, q.UserID, canonical))

	if ans.Tier >= models.TierSmall && r.embedder != nil && r.embedBreaker.Allow() {
		embCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbeddingTimeout)
		vecs, err := r.embedder.Embed(embCtx, []string{canonical})
		cancel()
		r.embedBreaker.Record(err, errors.Is(err, context.DeadlineExceeded))
		if err != nil {
			// Cache writeback already landed; the embedding seed can wait
			// for the next warm_cache run.
			log.Printf("[Resolver] embedding seed failed for %q: %v", canonical, err)
			return nil
		}
		emb := &models.ExpenseEmbedding{
			ID:             uuid.New(),
			UserID:         &q.UserID,
			SubjectKind:    subjectKindFor(q.Kind),
			SubjectText:    canonical,
			Vector:         vecs[0],
			Answer:         ans.Value,
			VerifiedByUser: true,
			VerifiedAt:     r.clock.Now(),
			StaleAfter:     r.clock.Now().Add(r.cfg.EmbeddingStaleAfter),
		}
		if q.Kind == models.QuestionSuggestGLCode {
			emb.CategoryCode = ans.Value
		}
		if err := r.store.InsertVerifiedEmbedding(ctx, emb); err != nil {
			log.Printf("[Resolver] verified embedding insert failed: %v", err)
		}
	}
	return nil
}

// SeedEmbedding writes a verified T2 seed directly, used by the matching
// engine on confirm where no prior Answer exists.
func (r *Resolver) SeedEmbedding(ctx context.Context, userID uuid.UUID, subjectKind, text, answer string) error {
	canonical := Canonicalize(text)
	if canonical == "" || r.embedder == nil {
		return nil
	}
	if !r.embedBreaker.Allow() {
		return models.E(models.KindProviderUnavailable, "embedding provider unavailable")
	}
	embCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbeddingTimeout)
	vecs, err := r.embedder.Embed(embCtx, []string{canonical})
	cancel()
	r.embedBreaker.Record(err, errors.Is(err, context.DeadlineExceeded))
	if err != nil {
		return models.WrapErr(models.KindProviderTransient, err, "embedding seed failed")
	}
	emb := &models.ExpenseEmbedding{
		ID:             uuid.New(),
		UserID:         &userID,
		SubjectKind:    subjectKind,
		SubjectText:    canonical,
		Vector:         vecs[0],
		Answer:         answer,
		VerifiedByUser: true,
		VerifiedAt:     r.clock.Now(),
		StaleAfter:     r.clock.Now().Add(r.cfg.EmbeddingStaleAfter),
	}
	return r.store.InsertVerifiedEmbedding(ctx, emb)
}

func subjectKindFor(kind models.QuestionKind) string {
	switch kind {
	case models.QuestionSuggestGLCode:
		return models.SubjectVendor
	default:
		return models.SubjectDescription
	}
}

func buildPrompt(q Question, canonical string, tier models.Tier) string {
	switch q.Kind {
	case models.QuestionNormalizeVendor:
		return vendorPrompt(canonical, q.Context, tier)
	case models.QuestionSuggestGLCode:
		return glCodePrompt(canonical, q.Context, tier)
	case models.QuestionColumnMapping:
		return columnMappingPrompt(canonical, q.Context, tier)
	default:
		return fmt.Sprintf("Answer the question %q for input %q as JSON {\"value\":...,\"confidence\":0..1}.", q.Kind, canonical)
	}
}
