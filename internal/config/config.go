package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Empty databaseURL selects the in-memory store.
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWTSecret             string `yaml:"jwtSecret"`
	AccessTokenTTLMinutes int    `yaml:"accessTokenTTLMinutes"`
	RefreshTokenTTLHours  int    `yaml:"refreshTokenTTLHours"`
	SessionSweepMinutes   int    `yaml:"sessionSweepMinutes"`

	OpenAIAPIKey        string  `yaml:"openaiAPIKey"`
	OpenAIBaseURL       string  `yaml:"openaiBaseURL"`
	ChatModel           string  `yaml:"chatModel"`
	EmbeddingModel      string  `yaml:"embeddingModel"`
	EmbeddingDimensions int     `yaml:"embeddingDimensions"`
	MaxTokens           int     `yaml:"maxTokens"`
	Temperature         float64 `yaml:"temperature"`

	VectorProvider    string `yaml:"vectorProvider"` // "remote" or "pgvector"
	VectorIndexURL    string `yaml:"vectorIndexURL"`
	VectorAPIKey      string `yaml:"vectorAPIKey"`
	VectorDatabaseURL string `yaml:"vectorDatabaseURL"`

	TopK                int     `yaml:"topK"`
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	HistoryWindow       int     `yaml:"historyWindow"`

	// Requests per client IP per minute on the message endpoint.
	// Zero disables rate limiting.
	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
	TrustedProxies     []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("VECTOR_INDEX_URL"); v != "" {
		cfg.VectorIndexURL = v
	}
	if v := os.Getenv("VECTOR_API_KEY"); v != "" {
		cfg.VectorAPIKey = v
	}
	if v := os.Getenv("VECTOR_DATABASE_URL"); v != "" {
		cfg.VectorDatabaseURL = v
	}
	if v := os.Getenv("FINBOT_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TopK = n
		}
	}
	if v := os.Getenv("FINBOT_SIMILARITY_THRESHOLD"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SimilarityThreshold = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.AccessTokenTTLMinutes <= 0 {
		cfg.AccessTokenTTLMinutes = 30
	}
	if cfg.RefreshTokenTTLHours <= 0 {
		cfg.RefreshTokenTTLHours = 7 * 24
	}
	if cfg.SessionSweepMinutes <= 0 {
		cfg.SessionSweepMinutes = 60
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = 1536
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 8
	}
	if cfg.VectorProvider == "" {
		cfg.VectorProvider = "pgvector"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
	}
	if cfg.ChatModel == "" {
		return errors.New("config: chatModel is required (set in config.yaml)")
	}
	if cfg.EmbeddingModel == "" {
		return errors.New("config: embeddingModel is required (set in config.yaml)")
	}
	switch cfg.VectorProvider {
	case "remote":
		if cfg.VectorIndexURL == "" {
			return errors.New("config: vectorIndexURL is required when vectorProvider=remote")
		}
	case "pgvector":
		if cfg.VectorDatabaseURL == "" && cfg.DatabaseURL == "" {
			return errors.New("config: vectorDatabaseURL or databaseURL is required when vectorProvider=pgvector")
		}
	default:
		return fmt.Errorf("config: unknown vectorProvider %q (want remote or pgvector)", cfg.VectorProvider)
	}
	if cfg.SimilarityThreshold > 1 {
		return errors.New("config: similarityThreshold must be between 0 and 1")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return errors.New("config: temperature must be between 0 and 2")
	}
	return nil
}
