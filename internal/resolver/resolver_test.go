package resolver

import (
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/pkg/models"
)

// memStore is an in-memory Store with brute-force cosine KNN.
type memStore struct {
	entries    map[string]*models.CacheEntry
	embeddings []*models.ExpenseEmbedding
	records    []*models.ResolutionRecord
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*models.CacheEntry)}
}

func storeKey(kind models.QuestionKind, userID uuid.UUID, canonical string) string {
	return string(kind) + "|" + userID.String() + "|" + canonical
}

func (s *memStore) GetCacheEntry(_ context.Context, kind models.QuestionKind, userID uuid.UUID, canonical string) (*models.CacheEntry, error) {
	e, ok := s.entries[storeKey(kind, userID, canonical)]
	if !ok {
		return nil, models.E(models.KindNotFound, "cache miss")
	}
	return e, nil
}

func (s *memStore) UpsertCacheEntry(_ context.Context, entry *models.CacheEntry) error {
	s.entries[storeKey(entry.Kind, entry.UserID, entry.Canonical)] = entry
	return nil
}

func (s *memStore) TouchCacheEntry(_ context.Context, kind models.QuestionKind, userID uuid.UUID, canonical string) error {
	if e, ok := s.entries[storeKey(kind, userID, canonical)]; ok {
		e.HitCount++
	}
	return nil
}

func (s *memStore) NearestVerified(_ context.Context, kind models.QuestionKind, userID uuid.UUID, vec []float32, k int) ([]Neighbor, error) {
	subject := subjectKindFor(kind)
	var out []Neighbor
	for _, e := range s.embeddings {
		if e.SubjectKind != subject {
			continue
		}
		if e.UserID != nil && *e.UserID != userID {
			continue
		}
		out = append(out, Neighbor{
			ID:          e.ID,
			SubjectText: e.SubjectText,
			Answer:      e.Answer,
			Similarity:  cosine(vec, e.Vector),
			VerifiedAt:  e.VerifiedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].VerifiedAt.Equal(out[j].VerifiedAt) {
			return out[i].VerifiedAt.After(out[j].VerifiedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) InsertVerifiedEmbedding(_ context.Context, emb *models.ExpenseEmbedding) error {
	s.embeddings = append(s.embeddings, emb)
	return nil
}

func (s *memStore) InsertResolution(_ context.Context, rec *models.ResolutionRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func newTestResolver(store *memStore, llm ports.LLMProvider, embedder ports.EmbeddingProvider) (*Resolver, *ports.FakeClock) {
	clock := ports.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	return New(store, llm, embedder, clock, DefaultConfig(), DefaultBreakerConfig()), clock
}

func TestResolveExactCacheHit(t *testing.T) {
	store := newMemStore()
	user := uuid.New()
	store.entries[storeKey(models.QuestionNormalizeVendor, user, "starbucks")] = &models.CacheEntry{
		Kind: models.QuestionNormalizeVendor, UserID: user,
		Canonical: "starbucks", Answer: "Starbucks", Confidence: 1.0,
	}

	llm := &ports.ScriptedLLM{}
	embedder := &ports.HashEmbedder{}
	r, _ := newTestResolver(store, llm, embedder)

	ans, err := r.Resolve(context.Background(), Question{
		Kind:   models.QuestionNormalizeVendor,
		UserID: user,
		Input:  "STARBUCKS #1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "Starbucks", ans.Value)
	assert.Equal(t, models.TierExact, ans.Tier)
	assert.Equal(t, 0.0, ans.CostEstimate)
	assert.True(t, ans.CacheHit)

	// Tier monotonicity: T1 hit means no provider was touched.
	assert.Equal(t, 0, embedder.Calls())
	assert.Equal(t, 0, llm.CallCount())

	require.Len(t, store.records, 1)
	assert.Equal(t, models.TierExact, store.records[0].TierReached)
	assert.True(t, store.records[0].CacheHit)
}

func TestResolveVectorTier(t *testing.T) {
	store := newMemStore()
	user := uuid.New()
	embedder := &ports.HashEmbedder{}

	// Seed one verified embedding for the exact canonical text. The hash
	// embedder makes identical strings cosine-identical, so similarity is 1.
	vecs, err := embedder.Embed(context.Background(), []string{"joes coffee"})
	require.NoError(t, err)
	store.embeddings = append(store.embeddings, &models.ExpenseEmbedding{
		ID: uuid.New(), UserID: &user,
		SubjectKind: models.SubjectDescription,
		SubjectText: "joes coffee", Vector: vecs[0],
		Answer: "Joe's Coffee", VerifiedByUser: true,
	})

	llm := &ports.ScriptedLLM{}
	r, _ := newTestResolver(store, llm, embedder)

	ans, err := r.Resolve(context.Background(), Question{
		Kind:   models.QuestionNormalizeVendor,
		UserID: user,
		Input:  "SQ *JOES COFFEE",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierVec, ans.Tier)
	assert.Equal(t, "Joe's Coffee", ans.Value)
	assert.GreaterOrEqual(t, ans.Confidence, 0.88)
	assert.Equal(t, 0, llm.CallCount(), "T2 success must not reach the LLM tiers")
}

func TestResolveSmallLLMThenWriteback(t *testing.T) {
	store := newMemStore()
	user := uuid.New()
	embedder := &ports.HashEmbedder{}
	llm := &ports.ScriptedLLM{
		Fn: func(req ports.CompletionRequest) (*ports.CompletionResult, error) {
			return ports.JSONResult(map[string]any{"value": "Joe's Coffee", "confidence": 0.82}, 40)
		},
	}
	r, _ := newTestResolver(store, llm, embedder)

	q := Question{Kind: models.QuestionNormalizeVendor, UserID: user, Input: "SQ *JOES COFFEE"}
	ans, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, models.TierSmall, ans.Tier)
	assert.Equal(t, "Joe's Coffee", ans.Value)
	assert.InDelta(t, 0.82, ans.Confidence, 1e-9)
	assert.Equal(t, 1, llm.CallCount())

	// Writeback on confirmation: T1 cache row plus a verified T2 seed.
	require.NoError(t, r.ConfirmAnswer(context.Background(), q, ans))
	require.Len(t, store.embeddings, 1)
	assert.True(t, store.embeddings[0].VerifiedByUser)

	ans2, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, models.TierExact, ans2.Tier)
	assert.Equal(t, "Joe's Coffee", ans2.Value)
	assert.Equal(t, 1, llm.CallCount(), "post-confirm resolve must be T1-served")
}

func TestResolveLowConfidenceFallsToLarge(t *testing.T) {
	store := newMemStore()
	llm := &ports.ScriptedLLM{
		Fn: func(req ports.CompletionRequest) (*ports.CompletionResult, error) {
			if req.Model == ports.ModelSmall {
				return ports.JSONResult(map[string]any{"value": "??", "confidence": 0.3}, 20)
			}
			return ports.JSONResult(map[string]any{"value": "Delta Air Lines", "confidence": 0.97}, 200)
		},
	}
	r, _ := newTestResolver(store, llm, nil)

	ans, err := r.Resolve(context.Background(), Question{
		Kind:   models.QuestionNormalizeVendor,
		UserID: uuid.New(),
		Input:  "DL 0061234567890",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierLarge, ans.Tier)
	assert.Equal(t, "Delta Air Lines", ans.Value)
	assert.Equal(t, 2, llm.CallCount())
}

func TestResolveProviderUnavailableWhenBreakersOpen(t *testing.T) {
	store := newMemStore()
	llm := &ports.ScriptedLLM{
		Fn: func(req ports.CompletionRequest) (*ports.CompletionResult, error) {
			return nil, models.E(models.KindProviderTransient, "upstream 503")
		},
	}
	clock := ports.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	breakerCfg := BreakerConfig{
		Window: 4, ErrorRateOpen: 0.30, TimeoutRateOpen: 0.10,
		HalfOpenAfter: time.Hour, CloseSuccesses: 3, MinSamples: 2,
	}
	r := New(store, llm, nil, clock, DefaultConfig(), breakerCfg)

	q := Question{Kind: models.QuestionSuggestGLCode, UserID: uuid.New(), Input: "uber"}

	// Two failing passes trip both LLM breakers.
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), q)
		require.Error(t, err)
	}
	_, err := r.Resolve(context.Background(), q)
	require.Error(t, err)
	assert.Equal(t, models.KindProviderUnavailable, models.KindOf(err))

	// Each resolution still produced exactly one observability record.
	assert.Len(t, store.records, 3)
}
