package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"label-rag/internal/models"
)

const envPrefix = "LABELRAG_"

type LLMConfig struct {
	Provider          string  `yaml:"provider"`
	BaseURL           string  `yaml:"base_url"`
	Key               string  `yaml:"key"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	TopP              float64 `yaml:"top_p"`
	TimeoutSecs       int     `yaml:"timeout_secs"`
	MergeSystemPrompt bool    `yaml:"merge_system_prompt"`
}

type EmbedConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Key       string `yaml:"key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

type RAGConfig struct {
	ChunkSize           int     `yaml:"chunk_size"`
	ChunkOverlap        int     `yaml:"chunk_overlap"`
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxHistoryPairs     int     `yaml:"max_history_pairs"`
}

type StorageConfig struct {
	UploadDir      string `yaml:"upload_dir"`
	VectorStoreDir string `yaml:"vector_store_dir"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	EmbedLLM EmbedConfig    `yaml:"embed_llm"`
	RAG      RAGConfig      `yaml:"rag"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// LoadConfig reads the YAML file at path (defaults when it does not exist),
// loads a .env file if present and applies LABELRAG_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, models.ConfigurationError("config.LoadConfig", "invalid yaml in "+path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "http://127.0.0.1:1234/v1",
			Key:         "lm-studio",
			Model:       "mistral-7b-instruct-v0.2",
			Temperature: 0.2,
			MaxTokens:   512,
			TopP:        0.9,
			TimeoutSecs: 120,
		},
		EmbedLLM: EmbedConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			Model:     "all-minilm",
			Dimension: 384,
			BatchSize: 32,
		},
		RAG: RAGConfig{
			ChunkSize:           600,
			ChunkOverlap:        100,
			TopK:                5,
			SimilarityThreshold: 0.3,
			MaxHistoryPairs:     5,
		},
		Storage: StorageConfig{
			UploadDir:      "uploads",
			VectorStoreDir: "vector_stores",
		},
		Database: DatabaseConfig{Driver: "pgdriver"},
		Server:   ServerConfig{Addr: ":8000", AllowedOrigins: []string{"*"}},
		Log:      LogConfig{Level: "info", Console: true},
	}
}

// Validate rejects settings the retrieval core cannot run with.
func (c *Config) Validate() error {
	const op = "config.Validate"
	switch {
	case c.RAG.ChunkSize <= 0:
		return models.ConfigurationError(op, "rag.chunk_size must be positive", nil)
	case c.RAG.ChunkOverlap <= 0:
		return models.ConfigurationError(op, "rag.chunk_overlap must be positive", nil)
	case c.RAG.ChunkOverlap >= c.RAG.ChunkSize:
		return models.ConfigurationError(op, "rag.chunk_overlap must be smaller than rag.chunk_size", nil)
	case c.RAG.TopK <= 0:
		return models.ConfigurationError(op, "rag.top_k must be positive", nil)
	case c.RAG.MaxHistoryPairs <= 0:
		return models.ConfigurationError(op, "rag.max_history_pairs must be positive", nil)
	case c.RAG.SimilarityThreshold < 0 || c.RAG.SimilarityThreshold > 1:
		return models.ConfigurationError(op, "rag.similarity_threshold must be within [0,1]", nil)
	case c.Database.Enabled && c.Database.DSN == "":
		return models.ConfigurationError(op, "database.dsn is required when the archive is enabled", nil)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = def.LLM.BaseURL
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = def.LLM.Model
	}
	if cfg.LLM.TimeoutSecs <= 0 {
		cfg.LLM.TimeoutSecs = def.LLM.TimeoutSecs
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if cfg.EmbedLLM.Provider == "" {
		cfg.EmbedLLM.Provider = def.EmbedLLM.Provider
	}
	if cfg.EmbedLLM.Model == "" {
		cfg.EmbedLLM.Model = def.EmbedLLM.Model
	}
	if cfg.EmbedLLM.BatchSize <= 0 {
		cfg.EmbedLLM.BatchSize = def.EmbedLLM.BatchSize
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = def.Storage.UploadDir
	}
	if cfg.Storage.VectorStoreDir == "" {
		cfg.Storage.VectorStoreDir = def.Storage.VectorStoreDir
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = def.Database.Driver
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.Key, "LLM_KEY")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setInt(&cfg.LLM.TimeoutSecs, "LLM_TIMEOUT_SECS")
	setString(&cfg.EmbedLLM.Provider, "EMBED_PROVIDER")
	setString(&cfg.EmbedLLM.BaseURL, "EMBED_BASE_URL")
	setString(&cfg.EmbedLLM.Key, "EMBED_KEY")
	setString(&cfg.EmbedLLM.Model, "EMBED_MODEL")
	setInt(&cfg.RAG.ChunkSize, "CHUNK_SIZE")
	setInt(&cfg.RAG.ChunkOverlap, "CHUNK_OVERLAP")
	setInt(&cfg.RAG.TopK, "TOP_K")
	setFloat(&cfg.RAG.SimilarityThreshold, "SIMILARITY_THRESHOLD")
	setInt(&cfg.RAG.MaxHistoryPairs, "MAX_HISTORY_PAIRS")
	setString(&cfg.Storage.UploadDir, "UPLOAD_DIR")
	setString(&cfg.Storage.VectorStoreDir, "VECTOR_STORE_DIR")
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setString(&cfg.Database.Password, "DATABASE_PASSWORD")
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setFloat(dst *float64, key string) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}
