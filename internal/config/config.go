// Package config provides the configuration schema, loader, and environment
// overrides for the Lifestrand server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Lifestrand.
// It is typically loaded from a YAML file using [Load] and then overlaid with
// environment variables via [ApplyEnv].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Models       ModelsConfig       `yaml:"models"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Conversation ConversationConfig `yaml:"conversation"`
	Summary      SummaryConfig      `yaml:"summary"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the internal API server listens on
	// (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the pgx connection string (DATABASE_URL).
	URL string `yaml:"url"`

	// EmbeddingDimensions is the fixed dimension D of stored vectors. Stored
	// vectors of any other length are rejected, never coerced.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// RedisConfig holds connection settings for the session/summary cache and the
// post-conversation work queue.
type RedisConfig struct {
	// URL is the redis connection URL (REDIS_URL), e.g. "redis://localhost:6379/0".
	URL string `yaml:"url"`
}

// ProviderEntry selects and configures one model backend.
type ProviderEntry struct {
	// Provider is the backend name ("openai", "anthropic", "ollama",
	// "llamacpp", ...).
	Provider string `yaml:"provider"`

	// Model is the backend-specific model identifier.
	Model string `yaml:"model"`

	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// VRAMBytes is an optional explicit GPU-size hint used to seed the
	// runtime's per-type VRAM estimate.
	VRAMBytes int64 `yaml:"vram_bytes"`
}

// ModelsConfig declares the chat, summary, and embedding backends plus the
// GPU budget the runtime manages.
type ModelsConfig struct {
	Chat      ProviderEntry `yaml:"chat"`
	Summary   ProviderEntry `yaml:"summary"`
	Embedding ProviderEntry `yaml:"embedding"`

	// TotalVRAMBytes is the GPU memory budget available to the runtime.
	TotalVRAMBytes int64 `yaml:"total_vram_bytes"`

	// SafetyMarginBytes is reserved headroom never allocated to models.
	SafetyMarginBytes int64 `yaml:"safety_margin_bytes"`

	// ChatContextSize overrides the chat model's context window
	// (CHAT_CONTEXT_SIZE).
	ChatContextSize int `yaml:"chat_context_size"`

	// SummaryContextSize overrides the summary model's context window
	// (SUMMARY_CONTEXT_SIZE).
	SummaryContextSize int `yaml:"summary_context_size"`
}

// PipelineConfig tunes the request pipeline.
type PipelineConfig struct {
	// QueueCapacity bounds the priority queue. Default 100.
	QueueCapacity int `yaml:"queue_capacity"`

	// GenerationWorkers is the number of generation worker loops. Default 2.
	GenerationWorkers int `yaml:"generation_workers"`

	// EmbeddingWorkers is the number of embedding batch workers. Default 1.
	EmbeddingWorkers int `yaml:"embedding_workers"`

	// MaxBatchSize caps texts per embedding batch. Default 10.
	MaxBatchSize int `yaml:"max_batch_size"`

	// BatchTimeout is the embedding batch collection window. Default 200ms.
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ConversationConfig tunes the conversation orchestrator.
type ConversationConfig struct {
	// IdleTimeout terminates sessions with no activity. Default 30m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxContextTokens bounds the assembled prompt. Default 8192.
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// SummaryConfig tunes the post-conversation worker.
type SummaryConfig struct {
	// Workers is the consumer pool size. Default 3.
	Workers int `yaml:"workers"`

	// AutoApprovalThreshold is the minimum confidence for a change to be
	// merged without review (SUMMARY_AUTO_APPROVAL_THRESHOLD). Default 0.6.
	AutoApprovalThreshold float64 `yaml:"auto_approval_threshold"`
}

// GatewayConfig configures the public gateway.
type GatewayConfig struct {
	// ListenAddr is the TCP address the gateway listens on.
	ListenAddr string `yaml:"listen_addr"`

	// JWTSecret is the HS256 signing secret (JWT_SECRET).
	JWTSecret string `yaml:"jwt_secret"`

	// JWTIssuer is the required issuer claim. Default "lifestrand".
	JWTIssuer string `yaml:"jwt_issuer"`

	// APIKeyDigests lists accepted API keys as hex SHA-256 digests.
	APIKeyDigests []string `yaml:"api_key_digests"`

	// RequestsPerMinute is the per-client sliding-window limit. Default 100.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// RetryAttempts bounds retries for idempotent downstream calls. Default 2.
	RetryAttempts int `yaml:"retry_attempts"`

	// ModelServiceURL is the downstream base URL for /model routes
	// (MODEL_SERVICE_URL).
	ModelServiceURL string `yaml:"model_service_url"`

	// NPCServiceURL is the downstream base URL for /npc and /chat routes
	// (NPC_SERVICE_URL).
	NPCServiceURL string `yaml:"npc_service_url"`

	// AuthServiceURL is the downstream base URL for /auth routes
	// (AUTH_SERVICE_URL). Account storage lives in the identity service;
	// the gateway only forwards and validates the tokens it issues.
	AuthServiceURL string `yaml:"auth_service_url"`
}

// applyDefaults fills zero-value tuning knobs with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = 384
	}
	if cfg.Models.TotalVRAMBytes == 0 {
		cfg.Models.TotalVRAMBytes = 24 << 30
	}
	if cfg.Models.SafetyMarginBytes == 0 {
		cfg.Models.SafetyMarginBytes = 1 << 30
	}
	if cfg.Pipeline.QueueCapacity == 0 {
		cfg.Pipeline.QueueCapacity = 100
	}
	if cfg.Pipeline.GenerationWorkers == 0 {
		cfg.Pipeline.GenerationWorkers = 2
	}
	if cfg.Pipeline.EmbeddingWorkers == 0 {
		cfg.Pipeline.EmbeddingWorkers = 1
	}
	if cfg.Pipeline.MaxBatchSize == 0 {
		cfg.Pipeline.MaxBatchSize = 10
	}
	if cfg.Pipeline.BatchTimeout == 0 {
		cfg.Pipeline.BatchTimeout = 200 * time.Millisecond
	}
	if cfg.Conversation.IdleTimeout == 0 {
		cfg.Conversation.IdleTimeout = 30 * time.Minute
	}
	if cfg.Conversation.MaxContextTokens == 0 {
		cfg.Conversation.MaxContextTokens = 8192
	}
	if cfg.Summary.Workers == 0 {
		cfg.Summary.Workers = 3
	}
	if cfg.Summary.AutoApprovalThreshold == 0 {
		cfg.Summary.AutoApprovalThreshold = 0.6
	}
	if cfg.Gateway.JWTIssuer == "" {
		cfg.Gateway.JWTIssuer = "lifestrand"
	}
	if cfg.Gateway.RequestsPerMinute == 0 {
		cfg.Gateway.RequestsPerMinute = 100
	}
	if cfg.Gateway.RetryAttempts == 0 {
		cfg.Gateway.RetryAttempts = 2
	}
}
