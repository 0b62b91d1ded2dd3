// Package config loads and validates the service configuration.
//
// Configuration is read from a YAML (or JSON5) file with ${ENV} expansion
// and $include directives. A handful of environment variables override the
// file for deployment-time backend selection: BLOB_STORAGE_TYPE,
// VECTOR_BACKEND_ENDPOINT, and IDENTITY_TENANT_ID.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the root configuration for the chat core.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Identity    IdentityConfig    `yaml:"identity"`
	Model       ModelConfig       `yaml:"model"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Vector      VectorConfig      `yaml:"vector"`
	Blob        BlobConfig        `yaml:"blob"`
	Budget      BudgetConfig      `yaml:"budget"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Templates   TemplatesConfig   `yaml:"templates"`
	Stream      StreamConfig      `yaml:"stream"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Admin       AdminConfig       `yaml:"admin"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	JWTSecret   string              `yaml:"jwt_secret"`
	TokenExpiry time.Duration       `yaml:"token_expiry"`
	RateTiers   map[string]RateTier `yaml:"rate_tiers"`
}

// RateTier bounds request throughput for API keys assigned to the tier.
type RateTier struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	Burst     int `yaml:"burst"`
}

// IdentityConfig describes the OAuth2/OIDC provider used for delegated
// credential refresh. TokenURL defaults to the tenant's v2 endpoint when
// only TenantID is set.
type IdentityConfig struct {
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// ResolvedTokenURL returns the configured token endpoint, deriving the
// tenant default when unset.
func (c IdentityConfig) ResolvedTokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	if c.TenantID == "" {
		return ""
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// ModelConfig describes the upstream OpenAI-compatible completion API and
// the registered model windows.
type ModelConfig struct {
	BaseURL        string         `yaml:"base_url"`
	APIKey         string         `yaml:"api_key"`
	Default        string         `yaml:"default"`
	Temperature    float32        `yaml:"temperature"`
	MaxRetries     int            `yaml:"max_retries"`
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	Windows        map[string]int `yaml:"windows"`
}

// ContextWindow returns the registered window for a model, or the fallback
// default when the model is unknown.
func (c ModelConfig) ContextWindow(model string) int {
	if w, ok := c.Windows[model]; ok {
		return w
	}
	return 128000
}

type EmbeddingConfig struct {
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
	CacheSize int    `yaml:"cache_size"`
}

type VectorConfig struct {
	URL           string `yaml:"url"`
	CentroidLists int    `yaml:"centroid_lists"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
}

type BlobConfig struct {
	// Type selects the backend: s3, azure, gcs, or local. Empty means
	// auto-detect from available credentials, falling back to local.
	Type  string          `yaml:"type"`
	S3    S3BlobConfig    `yaml:"s3"`
	Azure AzureBlobConfig `yaml:"azure"`
	GCS   GCSBlobConfig   `yaml:"gcs"`
	Local LocalBlobConfig `yaml:"local"`
}

type S3BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

type AzureBlobConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
}

type GCSBlobConfig struct {
	Bucket string `yaml:"bucket"`
}

type LocalBlobConfig struct {
	Dir string `yaml:"dir"`
}

// BudgetConfig carries the context-window allocation knobs.
type BudgetConfig struct {
	ResponseReserve   float64 `yaml:"response_reserve"`
	MinResponseTokens int     `yaml:"min_response_tokens"`
	MaxSystemTokens   int     `yaml:"max_system_tokens"`
	Tier1Ratio        float64 `yaml:"tier1_ratio"`
	Tier2Ratio        float64 `yaml:"tier2_ratio"`
	Tier3Ratio        float64 `yaml:"tier3_ratio"`
}

type PipelineConfig struct {
	MaxToolRounds       int           `yaml:"max_tool_rounds"`
	MaxToolCallsPerTurn int           `yaml:"max_tool_calls_per_turn"`
	PerToolTimeout      time.Duration `yaml:"per_tool_timeout"`
	OverallTurnTimeout  time.Duration `yaml:"overall_turn_timeout"`
	// CollapseCompletedCycles replaces finished tool rounds with a single
	// synthesis message. Experimental, off by default.
	CollapseCompletedCycles bool `yaml:"collapse_completed_cycles"`
}

type RetrievalConfig struct {
	DefaultLimit   int     `yaml:"default_limit"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

type TemplatesConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	ScoreThreshold  float64       `yaml:"score_threshold"`
	ContextMessages int           `yaml:"context_messages"`
}

type StreamConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	JobForwardInterval time.Duration `yaml:"job_forward_interval"`
}

type JobsConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	WatchSetCap   int           `yaml:"watch_set_cap"`
	PruneAfter    time.Duration `yaml:"prune_after"`
	PruneSchedule string        `yaml:"prune_schedule"`

	// AsyncTools lists tool-name patterns (path.Match syntax) that run
	// as background jobs instead of blocking the turn.
	AsyncTools []string `yaml:"async_tools"`

	// Timeout bounds one background job execution.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent caps simultaneously running background jobs.
	MaxConcurrent int `yaml:"max_concurrent"`
}

type CredentialsConfig struct {
	SweepSchedule  string        `yaml:"sweep_schedule"`
	SweepOlderThan time.Duration `yaml:"sweep_older_than"`
}

// AdminConfig tunes the control plane. CacheTTL bounds how stale a runtime
// config read may be in consumers that missed an invalidation.
type AdminConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	IncludeValues bool   `yaml:"include_values"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no file
// loaded. Used by tests and the in-memory wiring.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Auth.RateTiers == nil {
		cfg.Auth.RateTiers = map[string]RateTier{
			"standard": {PerMinute: 60, PerHour: 1000, Burst: 10},
			"elevated": {PerMinute: 300, PerHour: 10000, Burst: 50},
		}
	}
	if cfg.Model.Default == "" {
		cfg.Model.Default = "gpt-4o"
	}
	if cfg.Model.MaxRetries == 0 {
		cfg.Model.MaxRetries = 3
	}
	if cfg.Model.RequestTimeout == 0 {
		cfg.Model.RequestTimeout = 120 * time.Second
	}
	if cfg.Model.Windows == nil {
		cfg.Model.Windows = map[string]int{
			"gpt-4o":      128000,
			"gpt-4o-mini": 128000,
		}
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 1536
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 2048
	}
	if cfg.Vector.CentroidLists == 0 {
		cfg.Vector.CentroidLists = 100
	}
	if cfg.Vector.MaxOpenConns == 0 {
		cfg.Vector.MaxOpenConns = 10
	}
	if cfg.Blob.Local.Dir == "" {
		cfg.Blob.Local.Dir = "data/blobs"
	}
	if cfg.Budget.ResponseReserve == 0 {
		cfg.Budget.ResponseReserve = 0.2
	}
	if cfg.Budget.MinResponseTokens == 0 {
		cfg.Budget.MinResponseTokens = 512
	}
	if cfg.Budget.MaxSystemTokens == 0 {
		cfg.Budget.MaxSystemTokens = 2000
	}
	if cfg.Budget.Tier1Ratio == 0 {
		cfg.Budget.Tier1Ratio = 0.5
	}
	if cfg.Budget.Tier2Ratio == 0 {
		cfg.Budget.Tier2Ratio = 0.3
	}
	if cfg.Budget.Tier3Ratio == 0 {
		cfg.Budget.Tier3Ratio = 0.2
	}
	if cfg.Pipeline.MaxToolRounds == 0 {
		cfg.Pipeline.MaxToolRounds = 5
	}
	if cfg.Pipeline.MaxToolCallsPerTurn == 0 {
		cfg.Pipeline.MaxToolCallsPerTurn = 16
	}
	if cfg.Pipeline.PerToolTimeout == 0 {
		cfg.Pipeline.PerToolTimeout = 30 * time.Second
	}
	if cfg.Pipeline.OverallTurnTimeout == 0 {
		cfg.Pipeline.OverallTurnTimeout = 120 * time.Second
	}
	if cfg.Retrieval.DefaultLimit == 0 {
		cfg.Retrieval.DefaultLimit = 10
	}
	if cfg.Retrieval.ScoreThreshold == 0 {
		cfg.Retrieval.ScoreThreshold = 0.3
	}
	if cfg.Templates.CacheTTL == 0 {
		cfg.Templates.CacheTTL = 5 * time.Minute
	}
	if cfg.Templates.ScoreThreshold == 0 {
		cfg.Templates.ScoreThreshold = 0.45
	}
	if cfg.Templates.ContextMessages == 0 {
		cfg.Templates.ContextMessages = 3
	}
	if cfg.Stream.HeartbeatInterval == 0 {
		cfg.Stream.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Stream.JobForwardInterval == 0 {
		cfg.Stream.JobForwardInterval = 2 * time.Second
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 5 * time.Second
	}
	if cfg.Jobs.WatchSetCap == 0 {
		cfg.Jobs.WatchSetCap = 1000
	}
	if cfg.Jobs.PruneAfter == 0 {
		cfg.Jobs.PruneAfter = 7 * 24 * time.Hour
	}
	if cfg.Jobs.PruneSchedule == "" {
		cfg.Jobs.PruneSchedule = "30 3 * * *"
	}
	if cfg.Jobs.Timeout == 0 {
		cfg.Jobs.Timeout = 5 * time.Minute
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = 8
	}
	if cfg.Credentials.SweepSchedule == "" {
		cfg.Credentials.SweepSchedule = "0 3 * * *"
	}
	if cfg.Credentials.SweepOlderThan == 0 {
		cfg.Credentials.SweepOlderThan = 30 * 24 * time.Hour
	}
	if cfg.Admin.CacheTTL == 0 {
		cfg.Admin.CacheTTL = 30 * time.Second
	}
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = "info"
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = "json"
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("BLOB_STORAGE_TYPE"); v != "" {
		cfg.Blob.Type = strings.ToLower(v)
	}
	if v := os.Getenv("VECTOR_BACKEND_ENDPOINT"); v != "" {
		cfg.Vector.URL = v
	}
	if v := os.Getenv("IDENTITY_TENANT_ID"); v != "" {
		cfg.Identity.TenantID = v
	}
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if c.Budget.ResponseReserve <= 0 || c.Budget.ResponseReserve >= 1 {
		return fmt.Errorf("budget.response_reserve must be in (0,1), got %v", c.Budget.ResponseReserve)
	}
	sum := c.Budget.Tier1Ratio + c.Budget.Tier2Ratio + c.Budget.Tier3Ratio
	if sum > 1.0+1e-9 {
		return fmt.Errorf("budget tier ratios must sum to at most 1, got %v", sum)
	}
	for _, ratio := range []float64{c.Budget.Tier1Ratio, c.Budget.Tier2Ratio, c.Budget.Tier3Ratio} {
		if ratio < 0 {
			return fmt.Errorf("budget tier ratios must be non-negative")
		}
	}
	if c.Pipeline.MaxToolRounds < 1 {
		return fmt.Errorf("pipeline.max_tool_rounds must be at least 1")
	}
	switch c.Blob.Type {
	case "", "s3", "azure", "gcs", "local":
	default:
		return fmt.Errorf("blob.type must be one of s3, azure, gcs, local; got %q", c.Blob.Type)
	}
	if c.Blob.Type == "azure" && c.Blob.Azure.ConnectionString == "" {
		return fmt.Errorf("blob.azure.connection_string is required when blob.type is azure")
	}
	if c.Blob.Type == "gcs" && c.Blob.GCS.Bucket == "" {
		return fmt.Errorf("blob.gcs.bucket is required when blob.type is gcs")
	}
	if c.Templates.ContextMessages < 0 {
		return fmt.Errorf("templates.context_messages must be non-negative")
	}
	return nil
}
