package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/expense-engine/internal/api"
	"github.com/rawblock/expense-engine/internal/config"
	"github.com/rawblock/expense-engine/internal/db"
	"github.com/rawblock/expense-engine/internal/ingest"
	"github.com/rawblock/expense-engine/internal/jobs"
	"github.com/rawblock/expense-engine/internal/matching"
	"github.com/rawblock/expense-engine/internal/ports"
	"github.com/rawblock/expense-engine/internal/resolver"
	"github.com/rawblock/expense-engine/pkg/models"
)

func main() {
	log.Println("Starting Expense Engine (tiered resolver + matcher + job runtime)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("FATAL: config load failed: %v", err)
	}

	store, err := db.Connect(dbUrl)
	if err != nil {
		log.Fatalf("FATAL: PostgreSQL connection failed: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		log.Fatalf("FATAL: DB schema init failed: %v", err)
	}

	clock := ports.RealClock{}

	// Provider ports. Network clients for OCR/LLM/embeddings plug in here;
	// the engine itself never imports a provider SDK.
	llm, ocr, embedder, blobs := buildProviders(cfg)

	res := resolver.New(store, llm, embedder, clock, resolver.Config{
		VectorSimilarityThreshold: cfg.Resolver.VectorSimilarityThreshold,
		VectorMarginThreshold:     cfg.Resolver.VectorMarginThreshold,
		SmallMinSelfConfidence:    cfg.Resolver.SmallMinSelfConfidence,
		SmallTimeout:              time.Duration(cfg.Timeouts.LLMSmallSeconds) * time.Second,
		LargeTimeout:              time.Duration(cfg.Timeouts.LLMLargeSeconds) * time.Second,
		EmbeddingTimeout:          time.Duration(cfg.Timeouts.EmbeddingSeconds) * time.Second,
		EmbeddingStaleAfter:       resolver.DefaultConfig().EmbeddingStaleAfter,
	}, resolver.BreakerConfig{
		Window:          cfg.Breaker.Window,
		ErrorRateOpen:   cfg.Breaker.ErrorRateOpen,
		TimeoutRateOpen: cfg.Breaker.TimeoutRateOpen,
		HalfOpenAfter:   time.Duration(cfg.Breaker.HalfOpenSeconds) * time.Second,
		CloseSuccesses:  cfg.Breaker.CloseSuccesses,
		MinSamples:      resolver.DefaultBreakerConfig().MinSamples,
	})

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	matcher := matching.NewEngine(store, res, clock, matching.Config{
		ScoreThreshold:       float64(cfg.Matching.ScoreThreshold),
		AmbiguityMargin:      float64(cfg.Matching.AmbiguityMargin),
		AutoConfirmThreshold: float64(cfg.Matching.AutoConfirmThreshold),
		AutoConfirmEnabled:   cfg.Matching.AutoConfirmEnabled,
		DateWindowDays:       cfg.Matching.DateWindowDays,
		RejectedPairTTL:      time.Duration(cfg.Matching.RejectedPairDays) * 24 * time.Hour,
	}, api.BroadcastMatchAlert(wsHub))

	importer := ingest.NewImporter(store, res, clock)
	queue := jobs.NewQueue(store, clock, cfg.Jobs.MaxAttempts)

	concurrency := make(map[models.JobKind]int, len(models.AllJobKinds))
	for _, kind := range models.AllJobKinds {
		concurrency[kind] = cfg.ConcurrencyFor(kind)
	}
	runtime := jobs.NewRuntime(store, clock, jobs.Config{
		LeaseTTL:     cfg.LeaseTTL(),
		RenewEvery:   time.Duration(cfg.Jobs.RenewSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Jobs.PollMillis) * time.Millisecond,
		BackoffBase:  jobs.DefaultRuntimeConfig().BackoffBase,
		BackoffMax:   jobs.DefaultRuntimeConfig().BackoffMax,
		Concurrency:  concurrency,
	})
	handlers := jobs.NewHandlers(store, queue, matcher, res, ocr, blobs, clock,
		time.Duration(cfg.Timeouts.OCRSeconds)*time.Second)
	handlers.RegisterAll(runtime)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := runtime.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Job runtime stopped: %v", err)
		}
	}()

	rl := api.NewRateLimiter(cfg.Server.RateLimitPerMin, cfg.Server.RateLimitBurst)
	r := api.SetupRouter(store, importer, matcher, res, queue, blobs, wsHub, rl)

	port := getEnvOrDefault("PORT", cfg.Server.Port)

	log.Printf("Expense Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildProviders selects the provider ports. PROVIDER_MODE=fake (the
// default) wires the in-process fakes: deterministic hash embeddings, an
// in-memory blob store and unavailable OCR/LLM tiers. Resolutions then run
// on the cache and vector tiers only, which is the intended dev posture.
func buildProviders(cfg *config.Config) (ports.LLMProvider, ports.OCRProvider, ports.EmbeddingProvider, ports.BlobStore) {
	mode := getEnvOrDefault("PROVIDER_MODE", "fake")
	if mode != "fake" {
		log.Fatalf("FATAL: unknown PROVIDER_MODE %q (plug a real provider into internal/ports and wire it here)", mode)
	}

	log.Println("PROVIDER_MODE=fake: LLM and OCR tiers report unavailable; embeddings are hash-based")
	return unavailableLLM{}, unavailableOCR{}, &ports.HashEmbedder{Dim: cfg.Resolver.EmbeddingDim}, ports.NewMemoryBlobStore()
}

type unavailableLLM struct{}

func (unavailableLLM) Complete(context.Context, ports.CompletionRequest) (*ports.CompletionResult, error) {
	return nil, models.E(models.KindProviderUnavailable, "no LLM provider configured")
}

type unavailableOCR struct{}

func (unavailableOCR) Extract(context.Context, []byte, map[string]string) (*ports.OCRResult, error) {
	return nil, models.E(models.KindProviderUnavailable, "no OCR provider configured")
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
