package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	LLM             LLMConfig             `mapstructure:"llm"`
	Analysis        AnalysisConfig        `mapstructure:"analysis"`
	Embedding       EmbeddingConfig       `mapstructure:"embedding"`
	Retrieval       RetrievalConfig       `mapstructure:"retrieval"`
	Session         SessionConfig         `mapstructure:"session"`
	DomainKnowledge DomainKnowledgeConfig `mapstructure:"domain_knowledge"`
	Database        DatabaseConfig        `mapstructure:"database"`
	KV              KVConfig              `mapstructure:"kv"`
	Log             LogConfig             `mapstructure:"log"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`

	// AuthSecret validates websocket auth tokens ("<user_id>:<secret>").
	// Empty means dev mode: any non-empty token is accepted as the user id.
	AuthSecret string `mapstructure:"auth_secret"`
}

// LLMConfig configures the main provider path.
type LLMConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	ReasoningModel string        `mapstructure:"reasoning_model"`
	ExecutionModel string        `mapstructure:"execution_model"`
	SimpleTools    []string      `mapstructure:"simple_tools"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout"`

	EnablePromptCaching    bool `mapstructure:"enable_prompt_caching"`
	ExtendedThinking       bool `mapstructure:"extended_thinking"`
	ExtendedThinkingBudget int  `mapstructure:"extended_thinking_budget"`

	MaxIterations      int    `mapstructure:"max_iterations"`
	ToolLoaderToolName string `mapstructure:"tool_loader_tool_name"`

	EmergencyFallbackEnabled    bool          `mapstructure:"emergency_fallback_enabled"`
	EmergencyFallbackEndpoint   string        `mapstructure:"emergency_fallback_endpoint"`
	EmergencyFallbackAPIKeyName string        `mapstructure:"emergency_fallback_api_key_name"`
	EmergencyFallbackModel      string        `mapstructure:"emergency_fallback_model"`
	RecoveryDelay               time.Duration `mapstructure:"recovery_delay_seconds"`
}

// AnalysisConfig configures the fast-LLM path used for touchstone and
// fingerprint generation. It bypasses the main reasoning model.
type AnalysisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Endpoint     string `mapstructure:"endpoint"`
	Model        string `mapstructure:"model"`
	APIKeyName   string `mapstructure:"api_key_name"`
	ContextPairs int    `mapstructure:"context_pairs"`
}

// EmbeddingConfig configures the external encoder/reranker service.
type EmbeddingConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	FastModel     string        `mapstructure:"fast_model"`
	DeepModel     string        `mapstructure:"deep_model"`
	RerankModel   string        `mapstructure:"rerank_model"`
	RerankEnabled bool          `mapstructure:"rerank_enabled"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// RetrievalConfig tunes the proactive memory search. Hot-reloadable.
type RetrievalConfig struct {
	MaxMemories           int     `mapstructure:"max_memories"`
	MaxLinkTraversalDepth int     `mapstructure:"max_link_traversal_depth"`
	MinImportanceScore    float64 `mapstructure:"min_importance_score"`
	SimilarityThreshold   float64 `mapstructure:"similarity_threshold"`
}

// SessionConfig configures the streaming session.
type SessionConfig struct {
	AuthTimeout         time.Duration `mapstructure:"auth_timeout"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	MaxImageBytes       int           `mapstructure:"max_image_bytes"`
	SessionSummaryCount int           `mapstructure:"session_summary_count"`
	SystemPromptPath    string        `mapstructure:"system_prompt_path"`
}

// DomainKnowledgeConfig tunes domain-block buffering.
type DomainKnowledgeConfig struct {
	MessageBatchSize int           `mapstructure:"message_batch_size"`
	BlockCacheTTL    time.Duration `mapstructure:"block_cache_ttl"`
}

// DatabaseConfig configures the SQL store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// KVConfig configures the key-value store.
type KVConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load reads layered configuration.
// Precedence (low to high): defaults, global ~/.mira/config.yaml,
// project-local config, MIRA_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".mira")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("MIRA")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8780)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("llm.endpoint", "https://api.anthropic.com")
	v.SetDefault("llm.reasoning_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.execution_model", "claude-3-5-haiku-20241022")
	v.SetDefault("llm.simple_tools", []string{})
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.enable_prompt_caching", true)
	v.SetDefault("llm.extended_thinking", false)
	v.SetDefault("llm.extended_thinking_budget", 4096)
	v.SetDefault("llm.max_iterations", 10)
	v.SetDefault("llm.emergency_fallback_enabled", false)
	v.SetDefault("llm.recovery_delay_seconds", "300s")

	v.SetDefault("analysis.enabled", true)
	v.SetDefault("analysis.context_pairs", 6)

	v.SetDefault("embedding.base_url", "http://localhost:8089")
	v.SetDefault("embedding.fast_model", "bge-small-en-v1.5")
	v.SetDefault("embedding.deep_model", "bge-m3")
	v.SetDefault("embedding.rerank_model", "bge-reranker-v2-m3")
	v.SetDefault("embedding.rerank_enabled", true)
	v.SetDefault("embedding.cache_ttl", "15m")

	v.SetDefault("retrieval.max_memories", 20)
	v.SetDefault("retrieval.max_link_traversal_depth", 2)
	v.SetDefault("retrieval.min_importance_score", 0.3)
	v.SetDefault("retrieval.similarity_threshold", 0.35)

	v.SetDefault("session.auth_timeout", "10s")
	v.SetDefault("session.lock_ttl", "60s")
	v.SetDefault("session.max_image_bytes", 5*1024*1024)
	v.SetDefault("session.session_summary_count", 5)

	v.SetDefault("domain_knowledge.message_batch_size", 10)
	v.SetDefault("domain_knowledge.block_cache_ttl", "5m")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "mira.db")

	v.SetDefault("kv.addr", "localhost:6379")
	v.SetDefault("kv.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}
