// Package ports defines the capability boundaries the engine consumes:
// blob storage, OCR, LLM completion, embeddings and the clock. Real and
// fake variants are selected at the composition root; nothing in the core
// imports a provider SDK directly.
package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rawblock/expense-engine/pkg/models"
)

// Clock is injected everywhere time matters so tests are deterministic.
type Clock interface {
	Now() time.Time
}

// RealClock returns wall time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// BlobStore holds uploaded files and generated reports.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// OCRField is one extracted receipt field with the provider's confidence.
type OCRField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// OCRResult is the provider's full extraction for one receipt image.
// Recognized field names: vendor, date, amount, tax, currency.
type OCRResult struct {
	Fields    map[string]OCRField `json:"fields"`
	LineItems []models.LineItem   `json:"lineItems"`
	RawText   string              `json:"rawText"`
}

type OCRProvider interface {
	Extract(ctx context.Context, data []byte, hints map[string]string) (*OCRResult, error)
}

// ModelClass selects the cheap or the strong completion model.
type ModelClass string

const (
	ModelSmall ModelClass = "small"
	ModelLarge ModelClass = "large"
)

// Schema is the descriptor the LLM port validates parsed output against
// before returning. Explicit per-DTO schemas, no reflection binding.
type Schema struct {
	Fields []SchemaField
}

type SchemaField struct {
	Name     string
	Type     string // "string", "number", "object"
	Required bool
}

// Validate checks raw JSON against the descriptor. A schema violation is a
// provider-transient failure: the caller may retry or fall to the next tier.
func (s Schema) Validate(raw json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return models.WrapErr(models.KindProviderTransient, err, "response is not a JSON object")
	}
	for _, f := range s.Fields {
		v, ok := obj[f.Name]
		if !ok {
			if f.Required {
				return models.E(models.KindProviderTransient, "response missing required field %q", f.Name)
			}
			continue
		}
		switch f.Type {
		case "string":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return models.E(models.KindProviderTransient, "field %q is not a string", f.Name)
			}
		case "number":
			var n float64
			if err := json.Unmarshal(v, &n); err != nil {
				return models.E(models.KindProviderTransient, "field %q is not a number", f.Name)
			}
		case "object":
			var m map[string]json.RawMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return models.E(models.KindProviderTransient, "field %q is not an object", f.Name)
			}
		}
	}
	return nil
}

// CompletionRequest is one schema-constrained LLM call.
type CompletionRequest struct {
	Prompt      string
	Schema      Schema
	Temperature float64
	MaxTokens   int
	Model       ModelClass
}

type CompletionResult struct {
	Content     json.RawMessage
	UsageTokens int
	ProviderID  string
}

type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
