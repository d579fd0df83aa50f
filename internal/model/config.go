package model

import "time"

// Config holds all crecpipe configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
}

// StoreConfig configures the durable speech store.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// APIConfig configures the GovInfo client.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string        `yaml:"api_key" mapstructure:"api_key"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	PageSize     int           `yaml:"page_size" mapstructure:"page_size"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	HTTPProxy    string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy   string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
}

// RateLimitConfig configures the request budget. RequestsPerHour is the
// rolling-window ceiling; RequestsPerSecond/Burst pace individual requests
// below it. CoolDown must be long enough for the remote window to roll over.
type RateLimitConfig struct {
	RequestsPerHour   int           `yaml:"requests_per_hour" mapstructure:"requests_per_hour"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	CoolDown          time.Duration `yaml:"cool_down" mapstructure:"cool_down"`
}

// IngestConfig configures the ingestion coordinator.
type IngestConfig struct {
	Workers        int           `yaml:"workers" mapstructure:"workers"`
	RetryAttempts  int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	HistoricalDir  string        `yaml:"historical_dir" mapstructure:"historical_dir"`
	MinTextChars   int           `yaml:"min_text_chars" mapstructure:"min_text_chars"`
}

// ClassifyConfig configures the classification pipeline. Model, BaseURL and
// Precision are passed opaquely to the scorer; the pipeline itself only
// depends on the two-class contract.
type ClassifyConfig struct {
	Model             string        `yaml:"model" mapstructure:"model"`
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	Precision         string        `yaml:"precision" mapstructure:"precision"`
	Threshold         float64       `yaml:"threshold" mapstructure:"threshold"`
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	BatchTokens       int           `yaml:"batch_tokens" mapstructure:"batch_tokens"`
	ScanLimit         int           `yaml:"scan_limit" mapstructure:"scan_limit"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	HeuristicMaxChars int           `yaml:"heuristic_max_chars" mapstructure:"heuristic_max_chars"`
}

// CacheConfig configures the API page cache.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// SourcesConfig resolves speech_id collisions between sources. Earlier
// entries win: a write from a lower-priority source never overwrites a row
// ingested from a higher-priority one.
type SourcesConfig struct {
	Priority []SourceKind `yaml:"priority" mapstructure:"priority"`
}

// Rank returns the priority rank of a source (lower is stronger). Unlisted
// sources rank below all listed ones.
func (s SourcesConfig) Rank(k SourceKind) int {
	for i, p := range s.Priority {
		if p == k {
			return i
		}
	}
	return len(s.Priority)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "congress_master",
		},
		API: APIConfig{
			BaseURL:      "https://api.govinfo.gov",
			UserAgent:    "crecpipe/0.1 (+https://github.com/legnlp/crecpipe)",
			PageSize:     100,
			Timeout:      20 * time.Second,
			MaxBodyBytes: 8_000_000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour:   1000,
			RequestsPerSecond: 3,
			Burst:             3,
			CoolDown:          45 * time.Minute,
		},
		Ingest: IngestConfig{
			Workers:        3,
			RetryAttempts:  3,
			RetryBaseDelay: 2 * time.Second,
			HistoricalDir:  "raw",
			MinTextChars:   50,
		},
		Classify: ClassifyConfig{
			Model:             "gpt-4o-mini",
			Threshold:         0.70,
			BatchSize:         64,
			BatchTokens:       8000,
			ScanLimit:         2048,
			Timeout:           60 * time.Second,
			HeuristicMaxChars: 500,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".crecpipe-cache",
			MemoryTTL: 15 * time.Minute,
			DiskTTL:   14 * 24 * time.Hour,
		},
		Sources: SourcesConfig{
			Priority: []SourceKind{SourceModern, SourceHistorical},
		},
	}
}
