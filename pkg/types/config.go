package types

import (
	"fmt"
	"time"
)

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "review-engine/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// AIConfig holds shared settings for stages that call the Generative AI API.
type AIConfig struct {
	// Model is the AI model identifier (e.g. "gemini-2.0-flash").
	Model string `json:"model" yaml:"model"`

	// APIKey is the authentication key for the AI API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// RetryConfig parameterizes the rate-limited client for one capability.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per call, first attempt
	// included (default 4).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BackoffBase is the initial backoff delay; it doubles per retry.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// RatePerSecond is the sustained token-bucket refill rate.
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`

	// Burst is the token-bucket capacity.
	Burst int `json:"burst" yaml:"burst"`
}

// SearchConfig holds settings for the search stage.
type SearchConfig struct {
	HTTPConfig `yaml:",inline"`

	// Query is the search string sent to the metadata source.
	Query string `json:"query" yaml:"query"`

	// MaxResults caps the number of candidate records ingested (default 200).
	MaxResults int `json:"max_results" yaml:"max_results"`

	// Email is sent as the mailto parameter for polite pool access.
	Email string `json:"email,omitempty" yaml:"email,omitempty"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// ScreenConfig holds settings for the relevancy screening stage.
type ScreenConfig struct {
	AIConfig `yaml:",inline"`

	// Criteria is the inclusion criteria text given to the classifier.
	Criteria string `json:"criteria" yaml:"criteria"`

	// MinAbstractLength auto-rejects abstracts shorter than this many
	// characters before any classifier call (default 50).
	MinAbstractLength int `json:"min_abstract_length" yaml:"min_abstract_length"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// ResolveConfig holds settings for the open-access link resolution stage.
type ResolveConfig struct {
	HTTPConfig `yaml:",inline"`

	// Email identifies the caller to the resolver service (required by
	// Unpaywall).
	Email string `json:"email" yaml:"email"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// DownloadConfig holds settings for the PDF retrieval stage.
type DownloadConfig struct {
	HTTPConfig `yaml:",inline"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// ExtractConfig holds settings for the full-text extraction stage.
type ExtractConfig struct {
	AIConfig `yaml:",inline"`

	// Instructions is the analysis instruction text given to the extractor.
	Instructions string `json:"instructions" yaml:"instructions"`

	// Concurrency bounds the number of in-flight extraction calls (default 10).
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// WorkspaceConfig holds settings for durable run storage.
type WorkspaceConfig struct {
	// BaseDir is the directory under which run workspaces are created
	// (default "runs").
	BaseDir string `json:"base_dir" yaml:"base_dir"`
}

// LoggingConfig holds settings for the run logger.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is the console output format (json or console).
	Format string `json:"format" yaml:"format"`
}

// PipelineConfig groups all stage configurations for one run.
type PipelineConfig struct {
	// Label is the human-supplied run name; the run identifier derives
	// from it plus the creation timestamp.
	Label string `json:"label" yaml:"label"`

	Search    SearchConfig    `json:"search" yaml:"search"`
	Screen    ScreenConfig    `json:"screen" yaml:"screen"`
	Resolve   ResolveConfig   `json:"resolve" yaml:"resolve"`
	Download  DownloadConfig  `json:"download" yaml:"download"`
	Extract   ExtractConfig   `json:"extract" yaml:"extract"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// Validate checks the settings a run cannot start without. Any error here is
// a configuration failure: fatal before the first stage runs.
func (c *PipelineConfig) Validate() error {
	if c.Label == "" {
		return fmt.Errorf("config: label is required")
	}
	if c.Search.Query == "" {
		return fmt.Errorf("config: search query is required")
	}
	if c.Screen.APIKey == "" {
		return fmt.Errorf("config: screening API key is required (set .secrets/gemini-api-key)")
	}
	if c.Extract.APIKey == "" {
		return fmt.Errorf("config: extraction API key is required (set .secrets/gemini-api-key)")
	}
	if c.Resolve.Email == "" {
		return fmt.Errorf("config: resolver email is required (set .secrets/unpaywall-email)")
	}
	if c.Extract.Concurrency < 0 {
		return fmt.Errorf("config: extract concurrency must be >= 0, got %d", c.Extract.Concurrency)
	}
	return nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *PipelineConfig) ApplyDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}

	def(&c.Search.Timeout, 30*time.Second)
	def(&c.Resolve.Timeout, 15*time.Second)
	def(&c.Download.Timeout, 60*time.Second)

	for _, ua := range []*string{&c.Search.UserAgent, &c.Resolve.UserAgent, &c.Download.UserAgent} {
		if *ua == "" {
			*ua = "review-engine/0.1"
		}
	}

	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 200
	}
	if c.Screen.MinAbstractLength <= 0 {
		c.Screen.MinAbstractLength = 50
	}
	if c.Screen.Model == "" {
		c.Screen.Model = "gemini-2.0-flash"
	}
	if c.Extract.Model == "" {
		c.Extract.Model = c.Screen.Model
	}
	if c.Extract.Concurrency == 0 {
		c.Extract.Concurrency = 10
	}
	if c.Workspace.BaseDir == "" {
		c.Workspace.BaseDir = "runs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	for _, r := range []*RetryConfig{
		&c.Search.Retry, &c.Screen.Retry, &c.Resolve.Retry, &c.Download.Retry, &c.Extract.Retry,
	} {
		if r.MaxAttempts <= 0 {
			r.MaxAttempts = 4
		}
		if r.BackoffBase <= 0 {
			r.BackoffBase = 2 * time.Second
		}
		if r.RatePerSecond <= 0 {
			r.RatePerSecond = 5
		}
		if r.Burst <= 0 {
			r.Burst = 5
		}
	}
}
