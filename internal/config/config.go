// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Article archive configuration
	Archive ArchiveConfig `yaml:"archive"`

	// Vector index configuration
	Index IndexConfig `yaml:"index"`

	// Qdrant configuration
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Language model configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Eval run storage configuration
	Store StoreConfig `yaml:"store"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Routing defaults
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Reasoning-first pipeline configuration
	Reasoning ReasoningConfig `yaml:"reasoning"`

	// Citation verification configuration
	Citation CitationConfig `yaml:"citation"`

	// Evaluation harness configuration
	Eval EvalConfig `yaml:"eval"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `envconfig:"ASKBEN_HOST" yaml:"host"`
	Port            int           `envconfig:"ASKBEN_PORT" yaml:"port"`
	ReadTimeout     time.Duration `envconfig:"ASKBEN_READ_TIMEOUT" yaml:"read_timeout"`
	WriteTimeout    time.Duration `envconfig:"ASKBEN_WRITE_TIMEOUT" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `envconfig:"ASKBEN_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
}

// ArchiveConfig selects the article archive backend.
type ArchiveConfig struct {
	Type        string `envconfig:"ASKBEN_ARCHIVE_TYPE" yaml:"type"`
	FixturePath string `envconfig:"ASKBEN_ARCHIVE_FIXTURE" yaml:"fixture_path"`
	DSN         string `envconfig:"ASKBEN_ARCHIVE_DSN" yaml:"dsn"`
}

// IndexConfig selects the vector backend.
type IndexConfig struct {
	Type             string `envconfig:"ASKBEN_INDEX_TYPE" yaml:"type"`
	VectorSize       int    `envconfig:"ASKBEN_INDEX_VECTOR_SIZE" yaml:"vector_size"`
	CollectionPrefix string `envconfig:"ASKBEN_INDEX_COLLECTION_PREFIX" yaml:"collection_prefix"`
	DSN              string `envconfig:"ASKBEN_INDEX_DSN" yaml:"dsn"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	URL     string        `envconfig:"QDRANT_URL" yaml:"url"`
	APIKey  string        `envconfig:"QDRANT_API_KEY" yaml:"api_key"`
	Timeout time.Duration `envconfig:"QDRANT_TIMEOUT" yaml:"timeout"`
}

// LLMConfig holds the model endpoint settings. BaseURL is the single place
// the model API location is configured.
type LLMConfig struct {
	BaseURL           string        `envconfig:"ASKBEN_LLM_BASE_URL" yaml:"base_url"`
	APIKey            string        `envconfig:"ASKBEN_LLM_API_KEY" yaml:"api_key"`
	Model             string        `envconfig:"ASKBEN_LLM_MODEL" yaml:"model"`
	JudgeModel        string        `envconfig:"ASKBEN_LLM_JUDGE_MODEL" yaml:"judge_model"`
	EmbeddingModel    string        `envconfig:"ASKBEN_LLM_EMBEDDING_MODEL" yaml:"embedding_model"`
	Temperature       float64       `envconfig:"ASKBEN_LLM_TEMPERATURE" yaml:"temperature"`
	Timeout           time.Duration `envconfig:"ASKBEN_LLM_TIMEOUT" yaml:"timeout"`
	RequestsPerSecond float64       `envconfig:"ASKBEN_LLM_RPS" yaml:"requests_per_second"`
	Burst             int           `envconfig:"ASKBEN_LLM_BURST" yaml:"burst"`
}

// CacheConfig holds embedding cache settings.
type CacheConfig struct {
	Type     string        `envconfig:"ASKBEN_CACHE_TYPE" yaml:"type"`
	Size     int           `envconfig:"ASKBEN_CACHE_SIZE" yaml:"size"`
	TTL      time.Duration `envconfig:"ASKBEN_CACHE_TTL" yaml:"ttl"` // 0 = no expiry
	RedisURL string        `envconfig:"ASKBEN_REDIS_URL" yaml:"redis_url"`
}

// StoreConfig selects where eval examples and runs are persisted.
type StoreConfig struct {
	Type string `envconfig:"ASKBEN_STORE_TYPE" yaml:"type"`
	Path string `envconfig:"ASKBEN_STORE_PATH" yaml:"path"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"ASKBEN_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"ASKBEN_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"ASKBEN_KAFKA_GROUP" yaml:"kafka_group"`
	JournalPath  string `envconfig:"ASKBEN_BUS_JOURNAL" yaml:"journal_path"` // empty = no journal
}

// RetrievalConfig holds router defaults.
type RetrievalConfig struct {
	DefaultLimit     int           `envconfig:"ASKBEN_DEFAULT_LIMIT" yaml:"default_limit"`
	DefaultThreshold float64       `envconfig:"ASKBEN_DEFAULT_THRESHOLD" yaml:"default_threshold"`
	Timeout          time.Duration `envconfig:"ASKBEN_RETRIEVAL_TIMEOUT" yaml:"timeout"`
}

// ReasoningConfig bounds the reasoning-first pipeline.
type ReasoningConfig struct {
	ClaimFanout int `envconfig:"ASKBEN_CLAIM_FANOUT" yaml:"claim_fanout"`
	MaxClaims   int `envconfig:"ASKBEN_MAX_CLAIMS" yaml:"max_claims"`
	ClaimLimit  int `envconfig:"ASKBEN_CLAIM_LIMIT" yaml:"claim_limit"`
}

// CitationConfig holds verifier settings.
type CitationConfig struct {
	FaithfulnessThreshold float64 `envconfig:"ASKBEN_FAITHFULNESS_THRESHOLD" yaml:"faithfulness_threshold"`
}

// EvalConfig holds evaluation harness settings.
type EvalConfig struct {
	Workers        int           `envconfig:"ASKBEN_EVAL_WORKERS" yaml:"workers"`
	ExampleTimeout time.Duration `envconfig:"ASKBEN_EVAL_EXAMPLE_TIMEOUT" yaml:"example_timeout"`
	RunTimeout     time.Duration `envconfig:"ASKBEN_EVAL_RUN_TIMEOUT" yaml:"run_timeout"`
}

// MetricsConfig holds metrics history settings.
type MetricsConfig struct {
	Persistence string        `envconfig:"ASKBEN_METRICS_PERSISTENCE" yaml:"persistence"` // memory or redis
	RedisURL    string        `envconfig:"ASKBEN_METRICS_REDIS_URL" yaml:"redis_url"`
	HistoryTTL  time.Duration `envconfig:"ASKBEN_METRICS_HISTORY_TTL" yaml:"history_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"ASKBEN_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"ASKBEN_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	APIKey      string `envconfig:"ASKBEN_API_KEY" yaml:"api_key"`
	RateLimit   int    `envconfig:"ASKBEN_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	CORSOrigins string `envconfig:"ASKBEN_CORS_ORIGINS" yaml:"cors_origins"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Default returns the default configuration without reading files or the environment.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Server = ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    15 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}

	cfg.Archive = ArchiveConfig{
		Type:        "memory",
		FixturePath: "./data/archive.yaml",
	}

	cfg.Index = IndexConfig{
		Type:             "memory",
		VectorSize:       1536,
		CollectionPrefix: "askben_",
	}

	cfg.Qdrant = QdrantConfig{
		URL:     "http://localhost:6333",
		Timeout: 10 * time.Second,
	}

	cfg.LLM = LLMConfig{
		BaseURL:           "https://api.openai.com/v1",
		Model:             "gpt-4o-mini",
		EmbeddingModel:    "text-embedding-3-small",
		Temperature:       0.2,
		Timeout:           90 * time.Second,
		RequestsPerSecond: 5,
		Burst:             10,
	}

	cfg.Cache = CacheConfig{
		Type:     "memory",
		Size:     2048,
		TTL:      0,
		RedisURL: "redis://localhost:6379",
	}

	cfg.Store = StoreConfig{
		Type: "memory",
		Path: "./data/askben.db",
	}

	cfg.Bus = BusConfig{
		Type:       "memory",
		KafkaGroup: "askben",
	}

	cfg.Retrieval = RetrievalConfig{
		DefaultLimit:     5,
		DefaultThreshold: 0.3,
		Timeout:          10 * time.Second,
	}

	cfg.Reasoning = ReasoningConfig{
		ClaimFanout: 4,
		MaxClaims:   12,
		ClaimLimit:  3,
	}

	cfg.Citation = CitationConfig{
		FaithfulnessThreshold: 0.5,
	}

	cfg.Eval = EvalConfig{
		Workers:        3,
		ExampleTimeout: 3 * time.Minute,
		RunTimeout:     30 * time.Minute,
	}

	cfg.Metrics = MetricsConfig{
		Persistence: "memory",
		HistoryTTL:  24 * time.Hour,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit:   0,
		CORSOrigins: "*",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	// Archive validation
	validArchiveTypes := map[string]bool{"memory": true, "postgres": true}
	if !validArchiveTypes[c.Archive.Type] {
		errs = append(errs, fmt.Sprintf("invalid archive type: %s (must be memory or postgres)", c.Archive.Type))
	}
	if c.Archive.Type == "postgres" && c.Archive.DSN == "" {
		errs = append(errs, "archive dsn is required for postgres archive")
	}

	// Index validation
	validIndexTypes := map[string]bool{"memory": true, "qdrant": true, "pgvector": true}
	if !validIndexTypes[c.Index.Type] {
		errs = append(errs, fmt.Sprintf("invalid index type: %s (must be memory, qdrant, or pgvector)", c.Index.Type))
	}
	if c.Index.VectorSize < 1 {
		errs = append(errs, "vector_size must be positive")
	}
	if c.Index.Type == "pgvector" && c.Index.DSN == "" && c.Archive.DSN == "" {
		errs = append(errs, "index dsn (or archive dsn) is required for pgvector index")
	}

	// LLM validation
	if c.LLM.Model == "" {
		errs = append(errs, "llm model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm temperature must be between 0 and 2")
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, "llm timeout must be positive")
	}

	// Cache validation
	validCacheTypes := map[string]bool{"memory": true, "redis": true, "none": true}
	if !validCacheTypes[c.Cache.Type] {
		errs = append(errs, fmt.Sprintf("invalid cache type: %s (must be memory, redis, or none)", c.Cache.Type))
	}

	// Store validation
	validStoreTypes := map[string]bool{"memory": true, "sqlite": true}
	if !validStoreTypes[c.Store.Type] {
		errs = append(errs, fmt.Sprintf("invalid store type: %s (must be memory or sqlite)", c.Store.Type))
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && c.Bus.KafkaBrokers == "" {
		errs = append(errs, "kafka_brokers is required for kafka bus")
	}

	// Retrieval validation
	if c.Retrieval.DefaultLimit < 1 || c.Retrieval.DefaultLimit > 50 {
		errs = append(errs, "default_limit must be between 1 and 50")
	}
	if c.Retrieval.DefaultThreshold < 0 || c.Retrieval.DefaultThreshold > 1 {
		errs = append(errs, "default_threshold must be between 0 and 1")
	}

	// Reasoning validation
	if c.Reasoning.ClaimFanout < 1 {
		errs = append(errs, "claim_fanout must be positive")
	}
	if c.Reasoning.MaxClaims < 1 {
		errs = append(errs, "max_claims must be positive")
	}

	// Citation validation
	if c.Citation.FaithfulnessThreshold <= 0 || c.Citation.FaithfulnessThreshold > 1 {
		errs = append(errs, "faithfulness_threshold must be in (0, 1]")
	}

	// Eval validation
	if c.Eval.Workers < 1 {
		errs = append(errs, "eval workers must be positive")
	}
	if c.Eval.ExampleTimeout <= 0 || c.Eval.RunTimeout <= 0 {
		errs = append(errs, "eval timeouts must be positive")
	}

	// Metrics validation
	switch c.Metrics.Persistence {
	case "memory":
	case "redis":
		if c.Metrics.RedisURL == "" {
			errs = append(errs, "metrics redis_url is required for redis persistence")
		}
		if c.Metrics.HistoryTTL <= 0 {
			errs = append(errs, "metrics history_ttl must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid metrics persistence: %s (must be memory or redis)", c.Metrics.Persistence))
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}

// Settings flattens the component and connection settings into dotted keys
// for logging. Values are raw, so callers mask them first.
func (c *Config) Settings() map[string]string {
	return map[string]string{
		"server.address":      c.Address(),
		"archive.type":        c.Archive.Type,
		"archive.dsn":         c.Archive.DSN,
		"index.type":          c.Index.Type,
		"index.dsn":           c.Index.DSN,
		"qdrant.url":          c.Qdrant.URL,
		"qdrant.api_key":      c.Qdrant.APIKey,
		"llm.base_url":        c.LLM.BaseURL,
		"llm.api_key":         c.LLM.APIKey,
		"llm.model":           c.LLM.Model,
		"llm.judge_model":     c.LLM.JudgeModel,
		"cache.type":          c.Cache.Type,
		"cache.redis_url":     c.Cache.RedisURL,
		"store.type":          c.Store.Type,
		"store.path":          c.Store.Path,
		"bus.type":            c.Bus.Type,
		"bus.kafka_brokers":   c.Bus.KafkaBrokers,
		"bus.journal_path":    c.Bus.JournalPath,
		"metrics.persistence": c.Metrics.Persistence,
		"metrics.redis_url":   c.Metrics.RedisURL,
		"log.level":           c.Log.Level,
		"security.api_key":    c.Security.APIKey,
	}
}

// CORSOrigins returns the configured origins as a list.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.Security.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
