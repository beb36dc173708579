package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds gateway configuration. Values come from the environment,
// optionally overlaid by a YAML file named in CONFIG_FILE.
type Config struct {
	Port           string        `yaml:"port"`
	VersionID      string        `yaml:"version_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CacheBackend is "redis" (production) or "memory" (dev/tests).
	CacheBackend  string `yaml:"cache_backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	LLMBaseURL string `yaml:"llm_base_url"`
	LLMAPIKey  string `yaml:"llm_api_key"`
	LLMModel   string `yaml:"llm_model"`

	EmbeddingBaseURL string `yaml:"embedding_base_url"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key"`
	EmbeddingModel   string `yaml:"embedding_model"`

	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig tunes the semantic cache.
type CacheConfig struct {
	IndexName string `yaml:"index_name"`
	Prefix    string `yaml:"prefix"`
	Dimension int    `yaml:"dimension"`

	SimilarityThreshold float64            `yaml:"similarity_threshold"`
	TopicThresholds     map[string]float64 `yaml:"topic_thresholds"`
	SearchK             int                `yaml:"search_k"`

	// HNSW build parameters. Performance knobs only.
	HNSWM              int `yaml:"hnsw_m"`
	HNSWEfConstruction int `yaml:"hnsw_ef_construction"`

	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OpTimeout     time.Duration `yaml:"op_timeout"`

	CostPer1KTokens    float64 `yaml:"cost_per_1k_tokens"`
	CoalesceMisses     bool    `yaml:"coalesce_misses"`
	EmbeddingCacheSize int     `yaml:"embedding_cache_size"`
	EmbeddingRPS       float64 `yaml:"embedding_rps"`
}

// Load reads configuration from the environment and the optional YAML file.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"))
}

// LoadFrom is Load with an explicit YAML path; empty means environment only.
func LoadFrom(path string) (Config, error) {
	cfg := FromEnv()

	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FromEnv reads every known variable; unset ones keep their zero value
// and are filled by WithDefaults.
func FromEnv() Config {
	return Config{
		Port:           getenv("PORT", "8080"),
		VersionID:      getenv("GATEWAY_VERSION", "v1"),
		RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 30*time.Second),
		CacheBackend:   getenv("CACHE_BACKEND", "redis"),
		RedisAddr:      getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getenvInt("REDIS_DB", 0),

		LLMBaseURL: getenv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   getenv("LLM_MODEL", "gpt-4o-mini"),

		EmbeddingBaseURL: getenv("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:  getenv("EMBEDDING_API_KEY", os.Getenv("LLM_API_KEY")),
		EmbeddingModel:   getenv("EMBEDDING_MODEL", "text-embedding-3-small"),

		Cache: CacheConfig{
			IndexName:           os.Getenv("CACHE_INDEX"),
			Prefix:              os.Getenv("CACHE_PREFIX"),
			Dimension:           getenvInt("CACHE_DIMENSION", 0),
			SimilarityThreshold: getenvFloat("CACHE_SIMILARITY_THRESHOLD", 0),
			SearchK:             getenvInt("CACHE_SEARCH_K", 0),
			Retention:           getenvDuration("CACHE_RETENTION", 0),
			SweepInterval:       getenvDuration("CACHE_SWEEP_INTERVAL", 0),
			OpTimeout:           getenvDuration("CACHE_OP_TIMEOUT", 0),
			CostPer1KTokens:     getenvFloat("CACHE_COST_PER_1K_TOKENS", 0),
			CoalesceMisses:      getenvBool("CACHE_COALESCE_MISSES", true),
			EmbeddingCacheSize:  getenvInt("CACHE_EMBEDDING_LRU_SIZE", 0),
			EmbeddingRPS:        getenvFloat("CACHE_EMBEDDING_RPS", 0),
		},
	}
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c Config) WithDefaults() Config {
	cfg := c
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "redis"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.Cache = cfg.Cache.WithDefaults()
	return cfg
}

// WithDefaults fills unset cache settings.
func (c CacheConfig) WithDefaults() CacheConfig {
	cfg := c
	if cfg.IndexName == "" {
		cfg.IndexName = "idx:stance_cache"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "stancestream"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.SearchK <= 0 {
		cfg.SearchK = 1
	}
	if cfg.HNSWM <= 0 {
		cfg.HNSWM = 16
	}
	if cfg.HNSWEfConstruction <= 0 {
		cfg.HNSWEfConstruction = 200
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	if cfg.CostPer1KTokens <= 0 {
		cfg.CostPer1KTokens = 0.002
	}
	if cfg.EmbeddingCacheSize <= 0 {
		cfg.EmbeddingCacheSize = 1024
	}
	return cfg
}

// Validate checks values that have no safe default.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required for the redis backend")
	}
	return c.Cache.Validate()
}

// Validate checks the cache tuning values.
func (c CacheConfig) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0, 1], got %v", c.SimilarityThreshold)
	}
	for topic, t := range c.TopicThresholds {
		if t <= 0 || t > 1 {
			return fmt.Errorf("threshold for topic %q must be in (0, 1], got %v", topic, t)
		}
	}
	if c.Dimension <= 0 {
		return errors.New("embedding dimension must be positive")
	}
	return nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
