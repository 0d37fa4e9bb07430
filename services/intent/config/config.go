// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the intent service configuration and the intent
// taxonomy, and watches the configuration file for blend-weight changes.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize bounds any YAML document this package parses.
const MaxYAMLFileSize = 1 << 20

var configTracer = otel.Tracer("aleutian.intent.config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed defaults.yaml
var defaultConfigYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// ServiceConfig is the complete service configuration.
//
// Thread Safety: Immutable after Load returns. Hot-reloaded values are
// delivered as a fresh ServiceConfig through Watcher.
type ServiceConfig struct {
	Server       ServerConfig      `yaml:"server"`
	Store        StoreConfig       `yaml:"store"`
	TaxonomyPath string            `yaml:"taxonomy_path"`
	Hybrid       HybridConfig      `yaml:"hybrid"`
	Embedding    EmbeddingConfig   `yaml:"embedding"`
	Weaviate     WeaviateConfig    `yaml:"weaviate"`
	Calibration  CalibrationConfig `yaml:"calibration"`
	Escalation   EscalationConfig  `yaml:"escalation"`
	Cache        CacheConfig       `yaml:"cache"`
	Queue        QueueConfig       `yaml:"queue"`
	LLM          LLMConfig         `yaml:"llm"`
	Influx       InfluxConfig      `yaml:"influx"`
	Telemetry    TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	Mode            string        `yaml:"mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	MaxTextChars    int           `yaml:"max_text_chars" validate:"gt=0"`
}

// StoreConfig configures the shared Badger store. An empty Dir opens an
// in-memory database.
type StoreConfig struct {
	Dir              string        `yaml:"dir"`
	FailoverCooldown time.Duration `yaml:"failover_cooldown" validate:"gt=0"`
	GCInterval       time.Duration `yaml:"gc_interval" validate:"gt=0"`
}

// HybridConfig configures the decision engine.
type HybridConfig struct {
	PriorityThreshold      float64       `yaml:"priority_threshold" validate:"gte=0,lte=1"`
	MinAbsoluteConfidence  float64       `yaml:"min_absolute_confidence" validate:"gte=0,lte=1"`
	MinDifferenceThreshold float64       `yaml:"min_difference_threshold" validate:"gte=0,lte=1"`
	KeywordWeight          float64       `yaml:"keyword_weight" validate:"gte=0"`
	EmbeddingWeight        float64       `yaml:"embedding_weight" validate:"gte=0"`
	AmbiguousLogSize       int           `yaml:"ambiguous_log_size" validate:"gt=0"`
	AmbiguousLogTTL        time.Duration `yaml:"ambiguous_log_ttl" validate:"gt=0"`
	AmbiguousLogBuffer     int           `yaml:"ambiguous_log_buffer" validate:"gt=0"`
}

// EmbeddingConfig configures the embedding client and vector index.
type EmbeddingConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory weaviate"`
	URL           string        `yaml:"url" validate:"required,url"`
	Model         string        `yaml:"model" validate:"required"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	MinChars      int           `yaml:"min_chars" validate:"gte=0"`
	TopK          int           `yaml:"top_k" validate:"gt=0"`
	IndexCacheTTL time.Duration `yaml:"index_cache_ttl" validate:"gt=0"`
}

// WeaviateConfig locates the Weaviate instance used when
// Embedding.Backend is "weaviate".
type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme" validate:"oneof=http https"`
	Class  string `yaml:"class" validate:"required"`
}

// CalibrationConfig configures the confidence calibrator.
type CalibrationConfig struct {
	MinSamples            int           `yaml:"min_samples" validate:"gt=0"`
	MaxRecords            int           `yaml:"max_records" validate:"gt=0"`
	RecordTTL             time.Duration `yaml:"record_ttl" validate:"gt=0"`
	StatsCacheTTL         time.Duration `yaml:"stats_cache_ttl" validate:"gte=0"`
	DefaultThreshold      float64       `yaml:"default_threshold" validate:"gte=0,lte=1"`
	LowAccuracy           float64       `yaml:"low_accuracy" validate:"gte=0,lte=1"`
	LowAccuracyConfidence float64       `yaml:"low_accuracy_confidence" validate:"gte=0,lte=1"`
}

// EscalationConfig configures trigger rules and LLM call resilience.
type EscalationConfig struct {
	LowConfidenceThreshold float64       `yaml:"low_confidence_threshold" validate:"gte=0,lte=1"`
	AmbiguityDelta         float64       `yaml:"ambiguity_delta" validate:"gte=0,lte=1"`
	HighRiskActions        []string      `yaml:"high_risk_actions" validate:"dive,required"`
	Timeout                time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries             int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay              time.Duration `yaml:"base_delay" validate:"gte=0"`
	Multiplier             float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter                 float64       `yaml:"jitter" validate:"gte=0,lt=1"`
	FailureThreshold       int           `yaml:"failure_threshold" validate:"gt=0"`
	ResetTimeout           time.Duration `yaml:"reset_timeout" validate:"gt=0"`
	Workers                int           `yaml:"workers" validate:"gt=0"`
	RateLimit              float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst              int           `yaml:"rate_burst" validate:"gte=0"`
	Temperature            float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens              int           `yaml:"max_tokens" validate:"gt=0"`
}

// CacheConfig configures the semantic response cache.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	MaxSize             int           `yaml:"max_size" validate:"gt=0"`
	TTL                 time.Duration `yaml:"ttl" validate:"gt=0"`
	MinQueryChars       int           `yaml:"min_query_chars" validate:"gte=0"`
	MinSingleWordChars  int           `yaml:"min_single_word_chars" validate:"gte=0"`
	LatencyWindow       int           `yaml:"latency_window" validate:"gt=0"`
}

// QueueConfig configures the async queue, its workers and the status store.
type QueueConfig struct {
	Name              string        `yaml:"name" validate:"required"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay        time.Duration `yaml:"retry_delay" validate:"gte=0"`
	MessageTTL        time.Duration `yaml:"message_ttl" validate:"gt=0"`
	Workers           int           `yaml:"workers" validate:"gte=0"`
	DequeueTimeout    time.Duration `yaml:"dequeue_timeout" validate:"gt=0"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	DefaultPriority   int           `yaml:"default_priority" validate:"gte=0"`
	StatusActiveTTL   time.Duration `yaml:"status_active_ttl" validate:"gt=0"`
	StatusTerminalTTL time.Duration `yaml:"status_terminal_ttl" validate:"gt=0"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" validate:"gt=0"`
}

// LLMConfig selects the completion provider.
type LLMConfig struct {
	Provider  string `yaml:"provider" validate:"oneof=ollama openai anthropic"`
	Model     string `yaml:"model" validate:"required"`
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// InfluxConfig enables the cache event sink when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// TelemetryConfig names this service in traces.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" validate:"required"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded defaults, validated.
func Default() (*ServiceConfig, error) {
	return Parse(context.Background(), nil)
}

// Load reads the configuration.
//
// Description:
//
//	Starts from the embedded defaults, overlays the YAML file at path when
//	path is non-empty, applies environment overrides, normalizes the blend
//	weights, and validates the result.
//
// Inputs:
//
//	ctx - Context for tracing.
//	path - Optional YAML file. Empty means defaults plus environment.
//
// Outputs:
//
//	*ServiceConfig - The validated configuration.
//	error - Non-nil if the file cannot be read or the result is invalid.
func Load(ctx context.Context, path string) (*ServiceConfig, error) {
	if path == "" {
		path = os.Getenv("INTENT_CONFIG")
	}
	var overlay []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
		if info.Size() > MaxYAMLFileSize {
			return nil, fmt.Errorf("Load: %s exceeds maximum size (%d > %d)", path, info.Size(), MaxYAMLFileSize)
		}
		overlay, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Load: reading %s: %w", path, err)
		}
	}
	cfg, err := Parse(ctx, overlay)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := finalize(cfg); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return cfg, nil
}

// Parse builds a configuration from the embedded defaults overlaid with
// the given YAML. No environment overrides are applied.
func Parse(ctx context.Context, overlay []byte) (*ServiceConfig, error) {
	_, span := configTracer.Start(ctx, "config.Parse")
	defer span.End()

	if len(overlay) > MaxYAMLFileSize {
		return nil, fmt.Errorf("Parse: YAML data exceeds maximum size (%d > %d)", len(overlay), MaxYAMLFileSize)
	}

	var cfg ServiceConfig
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("Parse: embedded defaults: %w", err)
	}
	if len(overlay) > 0 {
		if err := yaml.Unmarshal(overlay, &cfg); err != nil {
			return nil, fmt.Errorf("Parse: parsing YAML: %w", err)
		}
	}
	if err := finalize(&cfg); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}

	span.SetAttributes(
		attribute.Float64("priority_threshold", cfg.Hybrid.PriorityThreshold),
		attribute.Float64("keyword_weight", cfg.Hybrid.KeywordWeight),
		attribute.Float64("embedding_weight", cfg.Hybrid.EmbeddingWeight),
		attribute.String("llm_provider", cfg.LLM.Provider),
	)
	return &cfg, nil
}

func finalize(cfg *ServiceConfig) error {
	kw, emb, changed, err := NormalizeWeights(cfg.Hybrid.KeywordWeight, cfg.Hybrid.EmbeddingWeight)
	if err != nil {
		return err
	}
	if changed {
		slog.Warn("blend weights do not sum to 1, normalizing",
			slog.Float64("keyword_weight", cfg.Hybrid.KeywordWeight),
			slog.Float64("embedding_weight", cfg.Hybrid.EmbeddingWeight),
			slog.Float64("normalized_keyword_weight", kw),
			slog.Float64("normalized_embedding_weight", emb),
		)
	}
	cfg.Hybrid.KeywordWeight, cfg.Hybrid.EmbeddingWeight = kw, emb

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if cfg.Hybrid.MinAbsoluteConfidence > cfg.Hybrid.PriorityThreshold {
		return fmt.Errorf("validation: hybrid.min_absolute_confidence (%.2f) must not exceed hybrid.priority_threshold (%.2f)",
			cfg.Hybrid.MinAbsoluteConfidence, cfg.Hybrid.PriorityThreshold)
	}
	if cfg.Embedding.Backend == "weaviate" && cfg.Weaviate.Host == "" {
		return fmt.Errorf("validation: weaviate.host is required when embedding.backend is weaviate")
	}
	return nil
}

// weightSumTolerance absorbs float noise in hand-written YAML like 0.7/0.3.
const weightSumTolerance = 1e-9

// NormalizeWeights scales two non-negative blend weights to sum to 1.
//
// Outputs:
//
//	kw, emb - The normalized weights.
//	changed - True when the inputs did not already sum to 1.
//	error - Non-nil if a weight is negative or both are zero.
func NormalizeWeights(kw, emb float64) (float64, float64, bool, error) {
	if kw < 0 || emb < 0 || math.IsNaN(kw) || math.IsNaN(emb) {
		return 0, 0, false, fmt.Errorf("blend weights must be non-negative, got keyword=%v embedding=%v", kw, emb)
	}
	sum := kw + emb
	if sum == 0 {
		return 0, 0, false, fmt.Errorf("blend weights must not both be zero")
	}
	if math.Abs(sum-1) <= weightSumTolerance {
		return kw, emb, false, nil
	}
	return kw / sum, emb / sum, true, nil
}

// applyEnv applies the documented environment overrides.
func applyEnv(cfg *ServiceConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.LLM.Provider, "INTENT_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "INTENT_LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "INTENT_LLM_BASE_URL")
	setString(&cfg.Embedding.URL, "EMBEDDING_SERVICE_URL")
	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setString(&cfg.Store.Dir, "INTENT_STORE_DIR")
	setString(&cfg.Server.Addr, "INTENT_ADDR")
	setString(&cfg.Influx.URL, "INFLUX_URL")
	setString(&cfg.Influx.Token, "INFLUX_TOKEN")
	setString(&cfg.Weaviate.Host, "WEAVIATE_HOST")
	setString(&cfg.TaxonomyPath, "INTENT_TAXONOMY")

	if v := os.Getenv("INTENT_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers = n
		} else {
			slog.Warn("ignoring invalid INTENT_QUEUE_WORKERS", slog.String("value", v))
		}
	}
}
