// Package config loads engine settings from defaults, an optional config
// file and EXPENSE_-prefixed environment variables, in that priority order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rawblock/expense-engine/pkg/models"
)

type ResolverConfig struct {
	VectorSimilarityThreshold float64 `mapstructure:"vector_similarity_threshold"`
	VectorMarginThreshold     float64 `mapstructure:"vector_margin_threshold"`
	SmallMinSelfConfidence    float64 `mapstructure:"small_llm_min_self_confidence"`
	EmbeddingDim              int     `mapstructure:"embedding_dim"`
}

type MatchingConfig struct {
	ScoreThreshold       int  `mapstructure:"score_threshold"`
	AmbiguityMargin      int  `mapstructure:"ambiguity_margin"`
	AutoConfirmThreshold int  `mapstructure:"auto_confirm_threshold"`
	AutoConfirmEnabled   bool `mapstructure:"auto_confirm_enabled"`
	DateWindowDays       int  `mapstructure:"date_window_days"`
	RejectedPairDays     int  `mapstructure:"rejected_pair_days"`
}

type JobsConfig struct {
	MaxAttempts     int            `mapstructure:"max_attempts"`
	LeaseTTLSeconds int            `mapstructure:"lease_ttl_seconds"`
	RenewSeconds    int            `mapstructure:"renew_seconds"`
	PollMillis      int            `mapstructure:"poll_millis"`
	Concurrency     map[string]int `mapstructure:"concurrency"`
}

type BreakerConfig struct {
	Window          int     `mapstructure:"window"`
	ErrorRateOpen   float64 `mapstructure:"error_rate_open"`
	TimeoutRateOpen float64 `mapstructure:"timeout_rate_open"`
	HalfOpenSeconds int     `mapstructure:"half_open_seconds"`
	CloseSuccesses  int     `mapstructure:"close_successes"`
}

type TimeoutsConfig struct {
	OCRSeconds       int `mapstructure:"ocr_seconds"`
	LLMSmallSeconds  int `mapstructure:"llm_small_seconds"`
	LLMLargeSeconds  int `mapstructure:"llm_large_seconds"`
	EmbeddingSeconds int `mapstructure:"embedding_seconds"`
	DBSeconds        int `mapstructure:"db_seconds"`
}

type ServerConfig struct {
	Port           string `mapstructure:"port"`
	RateLimitPerMin int   `mapstructure:"rate_limit_per_min"`
	RateLimitBurst  int   `mapstructure:"rate_limit_burst"`
}

type Config struct {
	Resolver ResolverConfig `mapstructure:"resolver"`
	Matching MatchingConfig `mapstructure:"matching"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Server   ServerConfig   `mapstructure:"server"`
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Jobs.LeaseTTLSeconds) * time.Second
}

// ConcurrencyFor returns the worker cap for a job kind, defaulting to 1.
func (c *Config) ConcurrencyFor(kind models.JobKind) int {
	if n, ok := c.Jobs.Concurrency[string(kind)]; ok && n > 0 {
		return n
	}
	return 1
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("resolver.vector_similarity_threshold", 0.88)
	v.SetDefault("resolver.vector_margin_threshold", 0.03)
	v.SetDefault("resolver.small_llm_min_self_confidence", 0.70)
	v.SetDefault("resolver.embedding_dim", 384)

	v.SetDefault("matching.score_threshold", 70)
	v.SetDefault("matching.ambiguity_margin", 8)
	v.SetDefault("matching.auto_confirm_threshold", 95)
	v.SetDefault("matching.auto_confirm_enabled", false)
	v.SetDefault("matching.date_window_days", 7)
	v.SetDefault("matching.rejected_pair_days", 30)

	v.SetDefault("jobs.max_attempts", 5)
	v.SetDefault("jobs.lease_ttl_seconds", 90)
	v.SetDefault("jobs.renew_seconds", 30)
	v.SetDefault("jobs.poll_millis", 1000)
	v.SetDefault("jobs.concurrency", map[string]int{
		string(models.JobOCRExtract):            4,
		string(models.JobCategorizeTransaction): 2,
		string(models.JobMatchReceipt):          2,
		string(models.JobGenerateReport):        1,
		string(models.JobSyncReferenceData):     1,
		string(models.JobWarmCache):             1,
		string(models.JobPurgeStaleEmbeddings):  1,
	})

	v.SetDefault("breaker.window", 50)
	v.SetDefault("breaker.error_rate_open", 0.30)
	v.SetDefault("breaker.timeout_rate_open", 0.10)
	v.SetDefault("breaker.half_open_seconds", 30)
	v.SetDefault("breaker.close_successes", 3)

	v.SetDefault("timeouts.ocr_seconds", 120)
	v.SetDefault("timeouts.llm_small_seconds", 30)
	v.SetDefault("timeouts.llm_large_seconds", 90)
	v.SetDefault("timeouts.embedding_seconds", 10)
	v.SetDefault("timeouts.db_seconds", 5)

	v.SetDefault("server.port", "5340")
	v.SetDefault("server.rate_limit_per_min", 120)
	v.SetDefault("server.rate_limit_burst", 30)
}

// Load builds the configuration. configPath may be empty, in which case
// defaults plus environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("EXPENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(c *Config) error {
	if c.Resolver.VectorSimilarityThreshold <= 0 || c.Resolver.VectorSimilarityThreshold > 1 {
		return fmt.Errorf("resolver.vector_similarity_threshold must be in (0,1]")
	}
	if c.Matching.ScoreThreshold < 0 || c.Matching.ScoreThreshold > 100 {
		return fmt.Errorf("matching.score_threshold must be in [0,100]")
	}
	if c.Matching.AutoConfirmThreshold < c.Matching.ScoreThreshold {
		return fmt.Errorf("matching.auto_confirm_threshold below score_threshold")
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1")
	}
	if c.Jobs.LeaseTTLSeconds <= c.Jobs.RenewSeconds {
		return fmt.Errorf("jobs.lease_ttl_seconds must exceed jobs.renew_seconds")
	}
	return nil
}
