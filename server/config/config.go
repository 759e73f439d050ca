package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Episode  EpisodeConfig  `json:"episode"`
	Scoring  ScoringConfig  `json:"scoring"`
	Pipeline PipelineConfig `json:"pipeline"`
	VLM      VLMConfig      `json:"vlm"`
	Storage  StorageConfig  `json:"storage"`
	Redis    RedisConfig    `json:"redis"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

// EpisodeConfig drives both state machines and the batch aggregator.
type EpisodeConfig struct {
	Cooldown            time.Duration `json:"cooldown"`
	MinDuration         time.Duration `json:"min_duration"`
	MaxFramesPerEpisode int           `json:"max_frames_per_episode"`
	MaxIdleTime         time.Duration `json:"max_idle_time"`
	MaxEpisodeDuration  time.Duration `json:"max_episode_duration"`
	GapThreshold        time.Duration `json:"gap_threshold"`

	// Resilient selects the store-backed machine: sessions survive process
	// crashes at the cost of a Redis (or in-memory) round trip per detection.
	Resilient       bool          `json:"resilient"`
	SessionTTL      time.Duration `json:"session_ttl"`
	JanitorInterval time.Duration `json:"janitor_interval"`
}

type ScoringConfig struct {
	MinConfidence float64 `json:"min_confidence"`
}

type PipelineConfig struct {
	AllowedClasses  []string      `json:"allowed_classes"`
	QueueSize       int           `json:"queue_size"`
	Workers         int           `json:"workers"`
	AnalysisTimeout time.Duration `json:"analysis_timeout"`
	FrameBudget     int           `json:"frame_budget"`
}

type VLMConfig struct {
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	Enabled             bool          `json:"enabled"`
}

type StorageConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst"`
	MaxRequestSize int64    `json:"max_request_size"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads the environment, after layering in a .env file when one
// is present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Episode: EpisodeConfig{
			Cooldown:            getEnvAsDuration("EPISODE_COOLDOWN", 3*time.Second),
			MinDuration:         getEnvAsDuration("EPISODE_MIN_DURATION", 1500*time.Millisecond),
			MaxFramesPerEpisode: getEnvAsInt("EPISODE_MAX_FRAMES", 100),
			MaxIdleTime:         getEnvAsDuration("EPISODE_MAX_IDLE_TIME", 5*time.Second),
			MaxEpisodeDuration:  getEnvAsDuration("EPISODE_MAX_DURATION", 60*time.Second),
			GapThreshold:        getEnvAsDuration("EPISODE_GAP_THRESHOLD", 2*time.Second),
			Resilient:           getEnvAsBool("EPISODE_RESILIENT", false),
			SessionTTL:          getEnvAsDuration("EPISODE_SESSION_TTL", 5*time.Second),
			JanitorInterval:     getEnvAsDuration("EPISODE_JANITOR_INTERVAL", 2*time.Second),
		},
		Scoring: ScoringConfig{
			MinConfidence: getEnvAsFloat("SCORING_MIN_CONFIDENCE", 0.4),
		},
		Pipeline: PipelineConfig{
			AllowedClasses:  getEnvAsStringSlice("PIPELINE_ALLOWED_CLASSES", nil),
			QueueSize:       getEnvAsInt("PIPELINE_QUEUE_SIZE", 100),
			Workers:         getEnvAsInt("PIPELINE_WORKERS", 4),
			AnalysisTimeout: getEnvAsDuration("PIPELINE_ANALYSIS_TIMEOUT", 60*time.Second),
			FrameBudget:     getEnvAsInt("PIPELINE_FRAME_BUDGET", 8),
		},
		VLM: VLMConfig{
			BaseURL:             getEnv("VLM_BASE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("VLM_TIMEOUT", 60*time.Second),
			HealthCheckInterval: getEnvAsDuration("VLM_HEALTH_CHECK_INTERVAL", 30*time.Second),
			Enabled:             getEnvAsBool("VLM_ENABLED", true),
		},
		Storage: StorageConfig{
			Path: getEnv("STORAGE_PATH", "securewatch.db"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Security: SecurityConfig{
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Episode.Cooldown <= 0 {
		errors = append(errors, "episode cooldown must be positive")
	}
	if c.Episode.MinDuration < 0 {
		errors = append(errors, "episode min duration must not be negative")
	}
	if c.Episode.MaxFramesPerEpisode < 1 {
		errors = append(errors, "episode max frames must be at least 1")
	}

	if c.VLM.Enabled && c.VLM.BaseURL == "" {
		errors = append(errors, "VLM base URL is required when analysis is enabled")
	}

	if c.Storage.Path == "" {
		errors = append(errors, "storage path is required")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Episode.Resilient && c.Redis.Host == "" {
		logger.Warn("Resilient mode without a Redis host falls back to the in-memory store; sessions will not survive a crash")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

// RedisAddr returns host:port, or empty when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
