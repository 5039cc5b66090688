package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, and validates the configuration file at path, then
// overlays environment variables. Defaults are applied before validation so a
// minimal file (connection URLs only) is enough to start the server.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses configuration YAML from r. Unknown fields are
// rejected so typos fail loudly at startup.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	ApplyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays well-known environment variables onto cfg. Environment
// values take precedence over the file; empty variables are ignored.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Gateway.JWTSecret = v
	}
	if v := os.Getenv("MODEL_SERVICE_URL"); v != "" {
		cfg.Gateway.ModelServiceURL = v
	}
	if v := os.Getenv("NPC_SERVICE_URL"); v != "" {
		cfg.Gateway.NPCServiceURL = v
	}
	if v := os.Getenv("AUTH_SERVICE_URL"); v != "" {
		cfg.Gateway.AuthServiceURL = v
	}
	if n, ok := envInt("EMBEDDING_DIMENSIONS"); ok {
		cfg.Database.EmbeddingDimensions = n
	}
	if n, ok := envInt("CHAT_CONTEXT_SIZE"); ok {
		cfg.Models.ChatContextSize = n
	}
	if n, ok := envInt("SUMMARY_CONTEXT_SIZE"); ok {
		cfg.Models.SummaryContextSize = n
	}
	if v := os.Getenv("SUMMARY_AUTO_APPROVAL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Summary.AutoApprovalThreshold = f
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for consistency. All problems are
// reported at once via errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (or DATABASE_URL) must be set"))
	}
	if c.Database.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions must be positive, got %d", c.Database.EmbeddingDimensions))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url (or REDIS_URL) must be set"))
	}
	if c.Models.TotalVRAMBytes <= c.Models.SafetyMarginBytes {
		errs = append(errs, fmt.Errorf("models.total_vram_bytes (%d) must exceed models.safety_margin_bytes (%d)",
			c.Models.TotalVRAMBytes, c.Models.SafetyMarginBytes))
	}
	for _, m := range []struct {
		name  string
		entry ProviderEntry
	}{
		{"models.chat", c.Models.Chat},
		{"models.summary", c.Models.Summary},
	} {
		if m.entry.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider must be set", m.name))
		}
		if m.entry.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model must be set", m.name))
		}
	}
	if c.Pipeline.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity must be at least 1, got %d", c.Pipeline.QueueCapacity))
	}
	if c.Pipeline.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_batch_size must be at least 1, got %d", c.Pipeline.MaxBatchSize))
	}
	if c.Pipeline.BatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.batch_timeout must be positive, got %s", c.Pipeline.BatchTimeout))
	}
	if c.Conversation.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("conversation.idle_timeout must be positive, got %s", c.Conversation.IdleTimeout))
	}
	if c.Summary.AutoApprovalThreshold < 0 || c.Summary.AutoApprovalThreshold > 1 {
		errs = append(errs, fmt.Errorf("summary.auto_approval_threshold must be in [0, 1], got %g", c.Summary.AutoApprovalThreshold))
	}
	if c.Gateway.ListenAddr != "" {
		if c.Gateway.JWTSecret == "" && len(c.Gateway.APIKeyDigests) == 0 {
			errs = append(errs, errors.New("gateway requires jwt_secret (or JWT_SECRET) or api_key_digests when enabled"))
		}
	}
	if c.Gateway.RequestsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("gateway.requests_per_minute must be at least 1, got %d", c.Gateway.RequestsPerMinute))
	}

	return errors.Join(errs...)
}
