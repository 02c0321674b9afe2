package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LLMConfig points the interpretation stage at an OpenAI-compatible API.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Config is the kernel's runtime configuration. Values come from an optional
// finchat.yaml and FINCHAT_* environment variables, env taking precedence.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string

	DatabasePath  string
	WarehousePath string
	OutputDir     string

	LLM LLMConfig

	MaxConcurrentJobs int
	QueueDepth        int
	StageMaxAttempts  int
	StageRetryBackoff time.Duration

	JobLease          time.Duration
	ReconcileInterval time.Duration

	ConversationCache int
}

// Load reads configuration from configPath (optional, "" skips the file) and
// the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FINCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("database_path", "finchat.db")
	v.SetDefault("warehouse_path", "warehouse.db")
	v.SetDefault("output_dir", "output")
	v.SetDefault("llm.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("max_concurrent_jobs", 10)
	v.SetDefault("queue_depth", 100)
	v.SetDefault("stage_max_attempts", 3)
	v.SetDefault("stage_retry_backoff", "0s")
	v.SetDefault("job_lease", "30m")
	v.SetDefault("reconcile_interval", "5m")
	v.SetDefault("conversation_cache", 64)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
		}
	}

	cfg := &Config{
		ListenAddr:        v.GetString("listen_addr"),
		AllowedOrigins:    v.GetStringSlice("allowed_origins"),
		DatabasePath:      v.GetString("database_path"),
		WarehousePath:     v.GetString("warehouse_path"),
		OutputDir:         v.GetString("output_dir"),
		LLM: LLMConfig{
			BaseURL: v.GetString("llm.base_url"),
			APIKey:  v.GetString("llm.api_key"),
			Model:   v.GetString("llm.model"),
		},
		MaxConcurrentJobs: v.GetInt("max_concurrent_jobs"),
		QueueDepth:        v.GetInt("queue_depth"),
		StageMaxAttempts:  v.GetInt("stage_max_attempts"),
		StageRetryBackoff: v.GetDuration("stage_retry_backoff"),
		JobLease:          v.GetDuration("job_lease"),
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		ConversationCache: v.GetInt("conversation_cache"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive, got %d", c.MaxConcurrentJobs)
	}
	if c.StageMaxAttempts <= 0 {
		return fmt.Errorf("stage_max_attempts must be positive, got %d", c.StageMaxAttempts)
	}
	if c.JobLease <= 0 {
		return fmt.Errorf("job_lease must be positive, got %s", c.JobLease)
	}
	return nil
}
