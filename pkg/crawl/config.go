package crawl

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pagewalk/pagewalk/internal/output"
	"github.com/pagewalk/pagewalk/internal/politeness"
)

// Render modes select how pages are fetched.
const (
	// RenderHTTP fetches pages with the plain HTTP client.
	RenderHTTP = "http"
	// RenderBrowser renders pages in a headless browser before reading them.
	RenderBrowser = "browser"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; pagewalk/1.0; +https://github.com/pagewalk/pagewalk)"

// Config holds all crawl configuration.
type Config struct {
	// Seed URLs to start crawling from
	Seeds []string `json:"seeds" yaml:"seeds"`

	// Number of concurrent workers
	Workers int `json:"workers" yaml:"workers"`

	// Maximum crawl depth; seeds are depth 0
	MaxDepth int `json:"max_depth" yaml:"max_depth"`

	// Maximum number of pages to fetch
	MaxPages int `json:"max_pages" yaml:"max_pages"`

	// Request timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// User agent sent with every request, including robots.txt fetches
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// Render mode: "http" or "browser"
	Render string `json:"render" yaml:"render"`

	// Scope rules
	Scope ScopeConfig `json:"scope" yaml:"scope"`

	// Rate limiting and robots.txt handling
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Retry behavior for transient fetch failures
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Record sink
	Sink SinkConfig `json:"sink" yaml:"sink"`

	// State persistence
	State StateConfig `json:"state" yaml:"state"`

	// Expand robots-declared sitemaps into extra seeds
	Sitemaps bool `json:"sitemaps" yaml:"sitemaps"`

	// Browser configuration, used when Render is "browser"
	Browser BrowserConfig `json:"browser" yaml:"browser"`

	// Custom headers to include in all requests
	Headers map[string]string `json:"headers" yaml:"headers"`

	// Verbose logging
	Verbose bool `json:"verbose" yaml:"verbose"`

	// Debug mode
	Debug bool `json:"debug" yaml:"debug"`
}

// ScopeConfig limits which discovered URLs are followed.
type ScopeConfig struct {
	// Extra domains allowed beyond the seed origins
	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"`

	// Regex patterns a URL must match to be followed
	IncludePatterns []string `json:"include" yaml:"include"`

	// Regex patterns that exclude a URL
	ExcludePatterns []string `json:"exclude" yaml:"exclude"`

	// Also apply the built-in excludes (logout links, binary downloads)
	DefaultExcludes bool `json:"default_excludes" yaml:"default_excludes"`

	// Follow links to hosts outside the allow list
	FollowExternal bool `json:"follow_external" yaml:"follow_external"`
}

// RateLimitConfig controls per-host pacing and robots.txt handling.
type RateLimitConfig struct {
	// Requests per second per host; the spacing floor between requests
	PerHostRPS float64 `json:"per_host_rps" yaml:"per_host_rps"`

	// Fetch and honor robots.txt
	RespectRobots bool `json:"respect_robots" yaml:"respect_robots"`

	// Policy when robots.txt cannot be fetched: "allow" or "deny"
	RobotsFallback string `json:"robots_fallback" yaml:"robots_fallback"`

	// Skip hosts for a cool-off window after repeated transport failures
	Breaker bool `json:"breaker" yaml:"breaker"`
}

// RetryConfig controls retry of transient fetch failures.
type RetryConfig struct {
	// Maximum retries after the first attempt; 0 disables retries
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Delay before the first retry; doubles each attempt
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// Ceiling on the backoff delay
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// SinkConfig selects where crawl records go.
type SinkConfig struct {
	// Output format: "jsonl", "csv" or "sqlite"
	Format string `json:"format" yaml:"format"`

	// Output path; empty or "-" writes jsonl/csv to stdout
	Path string `json:"path" yaml:"path"`

	// Dispatcher queue size; workers block when it fills
	Buffer int `json:"buffer" yaml:"buffer"`
}

// StateConfig controls crawl state persistence.
type StateConfig struct {
	// State file path; empty disables persistence
	File string `json:"file" yaml:"file"`

	// Resume from the state file instead of starting fresh
	Resume bool `json:"resume" yaml:"resume"`

	// Save state periodically while crawling
	AutoSave bool `json:"auto_save" yaml:"auto_save"`

	// Auto-save interval in seconds
	Interval int `json:"interval" yaml:"interval"`
}

// BrowserConfig holds headless browser settings.
type BrowserConfig struct {
	// Number of browser instances in the pool
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// Run browsers headless
	Headless bool `json:"headless" yaml:"headless"`

	// Page load timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:   8,
		MaxDepth:  5,
		MaxPages:  1000,
		Timeout:   20 * time.Second,
		UserAgent: defaultUserAgent,
		Render:    RenderHTTP,
		Scope: ScopeConfig{
			DefaultExcludes: true,
			FollowExternal:  false,
		},
		RateLimit: RateLimitConfig{
			PerHostRPS:     2,
			RespectRobots:  true,
			RobotsFallback: "allow",
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
		Sink: SinkConfig{
			Format: output.FormatJSONL,
			Buffer: 256,
		},
		State: StateConfig{
			AutoSave: true,
			Interval: 60,
		},
		Browser: BrowserConfig{
			PoolSize: 2,
			Headless: true,
			Timeout:  30 * time.Second,
		},
	}
}

// PoliteConfig returns a configuration for slow, careful crawling of
// sites that should barely notice the crawler.
func PoliteConfig() *Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RateLimit.PerHostRPS = 0.5
	cfg.RateLimit.RobotsFallback = "deny"
	cfg.Retry.InitialDelay = time.Second
	cfg.Retry.MaxDelay = 60 * time.Second
	cfg.Sitemaps = true
	return cfg
}

// FastConfig returns a configuration tuned for throughput. robots.txt
// is still honored; only the pacing and parallelism change.
func FastConfig() *Config {
	cfg := DefaultConfig()
	cfg.Workers = 32
	cfg.Timeout = 10 * time.Second
	cfg.RateLimit.PerHostRPS = 8
	cfg.Retry.MaxRetries = 2
	cfg.Retry.InitialDelay = 250 * time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Second
	cfg.Browser.PoolSize = 8
	return cfg
}

// LoadFromFile loads configuration from a file (YAML or JSON).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Seeds) == 0 {
		return fmt.Errorf("at least one seed URL is required")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if c.MaxDepth < 1 {
		return fmt.Errorf("max depth must be at least 1")
	}

	if c.MaxPages < 1 {
		return fmt.Errorf("max pages must be at least 1")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.RateLimit.PerHostRPS <= 0 {
		return fmt.Errorf("per-host rate limit must be positive")
	}

	if _, err := politeness.ParseFallbackPolicy(c.RateLimit.RobotsFallback); err != nil {
		return fmt.Errorf("invalid robots fallback: %w", err)
	}

	switch c.Render {
	case RenderHTTP:
	case RenderBrowser:
		if c.Browser.PoolSize < 1 {
			return fmt.Errorf("browser pool size must be at least 1")
		}
	default:
		return fmt.Errorf("invalid render mode %q, want %q or %q", c.Render, RenderHTTP, RenderBrowser)
	}

	switch strings.ToLower(c.Sink.Format) {
	case "", output.FormatJSONL, output.FormatCSV, output.FormatSQLite:
	default:
		return fmt.Errorf("invalid sink format %q", c.Sink.Format)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	return clone
}
