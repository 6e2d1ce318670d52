package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

// confirmStore records resolver writes so the handler tests can assert on
// what the confirm endpoint persisted.
type confirmStore struct {
	entries    map[string]*models.CacheEntry
	embeddings []*models.ExpenseEmbedding
}

func newConfirmStore() *confirmStore {
	return &confirmStore{entries: make(map[string]*models.CacheEntry)}
}

func cacheKey(kind models.QuestionKind, userID uuid.UUID, canonical string) string {
	return string(kind) + "|" + userID.String() + "|" + canonical
}

func (s *confirmStore) GetCacheEntry(_ context.Context, kind models.QuestionKind, userID uuid.UUID, canonical string) (*models.CacheEntry, error) {
	e, ok := s.entries[cacheKey(kind, userID, canonical)]
	if !ok {
		return nil, models.E(models.KindNotFound, "no cache entry")
	}
	return e, nil
}

func (s *confirmStore) UpsertCacheEntry(_ context.Context, entry *models.CacheEntry) error {
	cp := *entry
	s.entries[cacheKey(entry.Kind, entry.UserID, entry.Canonical)] = &cp
	return nil
}

func (s *confirmStore) TouchCacheEntry(_ context.Context, _ models.QuestionKind, _ uuid.UUID, _ string) error {
	return nil
}

func (s *confirmStore) NearestVerified(_ context.Context, _ models.QuestionKind, _ uuid.UUID, _ []float32, _ int) ([]resolver.Neighbor, error) {
	return nil, nil
}

func (s *confirmStore) InsertVerifiedEmbedding(_ context.Context, emb *models.ExpenseEmbedding) error {
	cp := *emb
	s.embeddings = append(s.embeddings, &cp)
	return nil
}

func (s *confirmStore) InsertResolution(_ context.Context, _ *models.ResolutionRecord) error {
	return nil
}

func newConfirmHandler(store *confirmStore) *APIHandler {
	clock := ports.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	res := resolver.New(store, nil, &ports.HashEmbedder{Dim: 8}, clock,
		resolver.DefaultConfig(), resolver.DefaultBreakerConfig())
	return &APIHandler{resolver: res}
}

func postConfirm(t *testing.T, h *APIHandler, userID uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/api/v1/resolve/confirm", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Request.Header.Set("X-User-ID", userID.String())
	h.handleConfirmResolution(c)
	return w
}

func TestConfirmResolutionSeedsEmbeddingForLLMTier(t *testing.T) {
	store := newConfirmStore()
	h := newConfirmHandler(store)
	user := uuid.New()

	w := postConfirm(t, h, user,
		`{"kind":"normalize_vendor","input":"POS STARBUCKS #1234","value":"Starbucks","tier":4}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	entry, ok := store.entries[cacheKey(models.QuestionNormalizeVendor, user, "starbucks")]
	require.True(t, ok, "confirm must write the exact cache under the canonical form")
	assert.Equal(t, "Starbucks", entry.Answer)
	assert.Equal(t, 1.0, entry.Confidence)

	require.Len(t, store.embeddings, 1, "an LLM-tier answer must seed the vector tier")
	assert.Equal(t, "starbucks", store.embeddings[0].SubjectText)
	assert.Equal(t, "Starbucks", store.embeddings[0].Answer)
	assert.True(t, store.embeddings[0].VerifiedByUser)
	require.NotNil(t, store.embeddings[0].UserID)
	assert.Equal(t, user, *store.embeddings[0].UserID)
}

func TestConfirmResolutionDefaultsToSeedingWhenTierOmitted(t *testing.T) {
	store := newConfirmStore()
	h := newConfirmHandler(store)
	user := uuid.New()

	w := postConfirm(t, h, user,
		`{"kind":"normalize_vendor","input":"DELTA AIR LINES","value":"Delta Air Lines"}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	assert.Len(t, store.entries, 1)
	assert.Len(t, store.embeddings, 1, "omitted tier is treated as LLM-sourced")
}

func TestConfirmResolutionCacheTierSkipsSeeding(t *testing.T) {
	store := newConfirmStore()
	h := newConfirmHandler(store)
	user := uuid.New()

	w := postConfirm(t, h, user,
		`{"kind":"normalize_vendor","input":"STARBUCKS #1234","value":"Starbucks","tier":1}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	assert.Len(t, store.entries, 1, "cache entry still refreshed")
	assert.Empty(t, store.embeddings, "an exact-cache answer already has coverage")
}
