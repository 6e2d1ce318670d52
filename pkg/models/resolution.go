package models

import (
	"time"

	"github.com/google/uuid"
)

// QuestionKind identifies what a tiered resolution is being asked to decide.
type QuestionKind string

const (
	QuestionNormalizeVendor QuestionKind = "normalize_vendor"
	QuestionSuggestGLCode   QuestionKind = "suggest_gl_code"
	QuestionColumnMapping   QuestionKind = "column_mapping"
)

// Tier is a cheapest-first resolution layer.
type Tier int

const (
	TierNone  Tier = 0
	TierExact Tier = 1 // key-equality cache, cost 0
	TierVec   Tier = 2 // vector similarity, one embedding call
	TierSmall Tier = 3 // cheap schema-constrained LLM
	TierLarge Tier = 4 // strong LLM, always terminal
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "T1"
	case TierVec:
		return "T2"
	case TierSmall:
		return "T3"
	case TierLarge:
		return "T4"
	default:
		return "none"
	}
}

// CacheEntry is a T1 exact-cache row keyed by (kind, user, canonical form).
type CacheEntry struct {
	Kind       QuestionKind `json:"questionKind"`
	UserID     uuid.UUID    `json:"userId"`
	Canonical  string       `json:"canonicalForm"`
	Answer     string       `json:"answer"`
	Confidence float64      `json:"confidence"`
	HitCount   int          `json:"hitCount"`
	LastUsedAt time.Time    `json:"lastUsedAt"`
}

// ResolutionRecord is the observability row emitted once per resolution.
// Summing CostEstimate over a month yields the AI cost budget gate.
type ResolutionRecord struct {
	ID            uuid.UUID    `json:"id"`
	QuestionKind  QuestionKind `json:"questionKind"`
	CanonicalHash string       `json:"canonicalFormHash"`
	TierReached   Tier         `json:"tierReached"`
	CacheHit      bool         `json:"cacheHit"`
	Confidence    float64      `json:"confidence"`
	LatencyMS     int64        `json:"latencyMs"`
	ProviderID    string       `json:"providerId,omitempty"`
	CostEstimate  float64      `json:"costEstimate"`
	CreatedAt     time.Time    `json:"createdAt"`
}
