package config

import (
	"fmt"
	"os"
)

// Config represents the complete application configuration.
type Config struct {
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Oracle      OracleConfig      `toml:"oracle"`
	Executor    ExecutorConfig    `toml:"executor"`
	Matcher     MatcherConfig     `toml:"matcher"`
	Validator   ValidatorConfig   `toml:"validator"`
	HuggingFace HuggingFaceConfig `toml:"huggingface"`
}

// PipelineConfig holds the entity loop settings.
type PipelineConfig struct {
	EntitiesFile   string `toml:"entities_file"`
	CheckpointDB   string `toml:"checkpoint_db"`
	MaxRetries     int    `toml:"max_retries"`
	Concurrency    int    `toml:"concurrency"`
	BatchSize      int    `toml:"batch_size"`
	Offset         int    `toml:"offset"`
	Limit          int    `toml:"limit"` // 0 = all entities
	PublishEnabled bool   `toml:"publish_enabled"`
}

// OracleConfig configures the code-generating oracle endpoint. Models is an
// ordered preference list: the first model to return a non-error, non-empty
// response wins.
type OracleConfig struct {
	BaseURL            string   `toml:"base_url"`
	Models             []string `toml:"models"`
	Temperature        float64  `toml:"temperature"`
	TopP               float64  `toml:"top_p"`
	MaxOutputTokens    int      `toml:"max_output_tokens"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
	MaxRetries         int      `toml:"max_retries"`
}

// ExecutorConfig configures the Blender subprocess stages.
type ExecutorConfig struct {
	BlenderPath          string `toml:"blender_path"`
	MeshTimeoutSeconds   int    `toml:"mesh_timeout_seconds"`
	RenderTimeoutSeconds int    `toml:"render_timeout_seconds"`
	RenderWidth          int    `toml:"render_width"`
	RenderHeight         int    `toml:"render_height"`
}

// MatcherConfig configures the zero-shot image classification endpoint.
type MatcherConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ValidatorConfig holds the quality gate thresholds and the semantic match
// policy. The bands and weights are empirically chosen policy constants and
// deliberately configurable rather than baked into code.
type ValidatorConfig struct {
	MinLuminance   float64 `toml:"min_luminance"`
	MaxLuminance   float64 `toml:"max_luminance"`
	MinEdgeDensity float64 `toml:"min_edge_density"`
	MinContrast    float64 `toml:"min_contrast"`

	PresenceAccept  float64 `toml:"presence_accept"`
	PresenceUnclear float64 `toml:"presence_unclear"`
	StrongMatch     float64 `toml:"strong_match"`
	WeakMatch       float64 `toml:"weak_match"`
	PresenceWeight  float64 `toml:"presence_weight"`
	IdentityWeight  float64 `toml:"identity_weight"`
}

// HuggingFaceConfig holds Hugging Face Hub settings.
type HuggingFaceConfig struct {
	RepoID   string `toml:"repo_id"`
	Endpoint string `toml:"endpoint"`
	Private  bool   `toml:"private"`
}

// Secrets holds sensitive credentials loaded from environment variables.
type Secrets struct {
	OracleAPIKey     string
	MatcherAPIKey    string
	HuggingFaceToken string
}

// MaxConcurrency is the maximum allowed worker count.
const MaxConcurrency = 256

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Pipeline.EntitiesFile == "" {
		c.Pipeline.EntitiesFile = "entities.json"
	}
	if c.Pipeline.CheckpointDB == "" {
		c.Pipeline.CheckpointDB = "generated_models.db"
	}
	if c.Pipeline.MaxRetries == 0 {
		c.Pipeline.MaxRetries = 10
	}
	if c.Pipeline.MaxRetries < 1 {
		return fmt.Errorf("pipeline.max_retries must be at least 1 (got %d)", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.Concurrency == 0 {
		c.Pipeline.Concurrency = 1
	}
	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > MaxConcurrency {
		return fmt.Errorf("pipeline.concurrency must be between 1 and %d (got %d)", MaxConcurrency, c.Pipeline.Concurrency)
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = 10
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be at least 1 (got %d)", c.Pipeline.BatchSize)
	}
	if c.Pipeline.Offset < 0 {
		return fmt.Errorf("pipeline.offset must not be negative (got %d)", c.Pipeline.Offset)
	}
	if c.Pipeline.Limit < 0 {
		return fmt.Errorf("pipeline.limit must not be negative (got %d)", c.Pipeline.Limit)
	}

	if c.Oracle.BaseURL == "" {
		return fmt.Errorf("oracle.base_url is required")
	}
	if len(c.Oracle.Models) == 0 {
		return fmt.Errorf("oracle.models must list at least one model identifier")
	}
	if c.Oracle.Temperature < 0 || c.Oracle.Temperature > 2 {
		return fmt.Errorf("oracle.temperature must be between 0 and 2")
	}
	if c.Oracle.TopP < 0 || c.Oracle.TopP > 1 {
		return fmt.Errorf("oracle.top_p must be between 0 and 1")
	}
	if c.Oracle.MaxOutputTokens == 0 {
		c.Oracle.MaxOutputTokens = 4000
	}
	if c.Oracle.RateLimitPerMinute == 0 {
		c.Oracle.RateLimitPerMinute = 60
	}
	if c.Oracle.TimeoutSeconds == 0 {
		c.Oracle.TimeoutSeconds = 30
	}
	if c.Oracle.MaxRetries == 0 {
		c.Oracle.MaxRetries = 3
	}

	if c.Executor.BlenderPath == "" {
		c.Executor.BlenderPath = "blender"
	}
	if c.Executor.MeshTimeoutSeconds == 0 {
		c.Executor.MeshTimeoutSeconds = 60
	}
	if c.Executor.RenderTimeoutSeconds == 0 {
		c.Executor.RenderTimeoutSeconds = 120
	}
	if c.Executor.RenderWidth == 0 {
		c.Executor.RenderWidth = 800
	}
	if c.Executor.RenderHeight == 0 {
		c.Executor.RenderHeight = 600
	}

	if c.Matcher.BaseURL == "" {
		return fmt.Errorf("matcher.base_url is required")
	}
	if c.Matcher.Model == "" {
		c.Matcher.Model = "openai/clip-vit-base-patch32"
	}
	if c.Matcher.TimeoutSeconds == 0 {
		c.Matcher.TimeoutSeconds = 60
	}

	if c.HuggingFace.Endpoint == "" {
		c.HuggingFace.Endpoint = "https://huggingface.co"
	}

	c.Validator.applyDefaults()
	if err := c.Validator.check(); err != nil {
		return err
	}

	return nil
}

func (v *ValidatorConfig) applyDefaults() {
	if v.MinLuminance == 0 {
		v.MinLuminance = 10
	}
	if v.MaxLuminance == 0 {
		v.MaxLuminance = 245
	}
	if v.MinEdgeDensity == 0 {
		v.MinEdgeDensity = 0.001
	}
	if v.MinContrast == 0 {
		v.MinContrast = 10
	}
	if v.PresenceAccept == 0 {
		v.PresenceAccept = 0.6
	}
	if v.PresenceUnclear == 0 {
		v.PresenceUnclear = 0.4
	}
	if v.StrongMatch == 0 {
		v.StrongMatch = 0.65
	}
	if v.WeakMatch == 0 {
		v.WeakMatch = 0.45
	}
	if v.PresenceWeight == 0 {
		v.PresenceWeight = 0.3
	}
	if v.IdentityWeight == 0 {
		v.IdentityWeight = 0.7
	}
}

func (v *ValidatorConfig) check() error {
	if v.MinLuminance >= v.MaxLuminance {
		return fmt.Errorf("validator.min_luminance (%.1f) must be below max_luminance (%.1f)", v.MinLuminance, v.MaxLuminance)
	}
	if v.PresenceUnclear > v.PresenceAccept {
		return fmt.Errorf("validator.presence_unclear (%.2f) must not exceed presence_accept (%.2f)", v.PresenceUnclear, v.PresenceAccept)
	}
	if v.WeakMatch > v.StrongMatch {
		return fmt.Errorf("validator.weak_match (%.2f) must not exceed strong_match (%.2f)", v.WeakMatch, v.StrongMatch)
	}
	if v.PresenceWeight < 0 || v.IdentityWeight < 0 {
		return fmt.Errorf("validator fusion weights must not be negative")
	}
	return nil
}

// LoadSecrets loads credentials from environment variables.
func LoadSecrets() *Secrets {
	return &Secrets{
		OracleAPIKey:     os.Getenv("API_KEY"),
		MatcherAPIKey:    os.Getenv("MATCHER_API_KEY"),
		HuggingFaceToken: os.Getenv("HUGGING_FACE_TOKEN"),
	}
}
