package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	AuditPort      string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
	CookieSecure   bool

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers       []string
	KafkaGroupID       string
	KafkaAnalysisTopic string

	// LLM
	LLMAPIKey    string
	LLMModelName string
	LLMTimeout   time.Duration

	// Sessions
	SessionBackend    string
	SessionTTL        time.Duration
	SessionMaxEntries int

	// Ingestion
	IngestionTimeout time.Duration

	// DLP
	DLPEnabled   bool
	DLPRulesPath string

	// Audit
	AuditRetention time.Duration

	// Rate limiting
	RateLimitRPS   int
	RateLimitBurst int
}

func Load() *Config {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		AuditPort:      getEnv("AUDIT_PORT", "8090"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 120*time.Second),
		MaxUploadBytes: int64(getIntEnv("MAX_UPLOAD_BYTES", 10*1024*1024)),
		CookieSecure:   getBoolEnv("COOKIE_SECURE", false),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "muainishi"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "muainishi"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "muainishi-audit"),
		KafkaAnalysisTopic: getEnv("KAFKA_ANALYSIS_TOPIC", "analysis-events"),

		LLMAPIKey:    firstEnv("LLM_API_KEY", "GEMINI_API_KEY", "API_KEY"),
		LLMModelName: getEnv("LLM_MODEL_NAME", "gemini-2.5-flash"),
		LLMTimeout:   getDuration("LLM_TIMEOUT", 90*time.Second),

		SessionBackend:    strings.ToLower(getEnv("SESSION_BACKEND", "memory")),
		SessionTTL:        getDuration("SESSION_TTL", 2*time.Hour),
		SessionMaxEntries: getIntEnv("SESSION_MAX_ENTRIES", 10000),

		IngestionTimeout: getDuration("INGESTION_TIMEOUT", 2*time.Minute),

		DLPEnabled:   getBoolEnv("DLP_ENABLED", true),
		DLPRulesPath: getEnv("DLP_RULES_PATH", ""),

		AuditRetention: getDuration("AUDIT_RETENTION", 30*24*time.Hour),

		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 40),
	}
}

// Validate reports settings the classifier service cannot run without.
func (c *Config) Validate() error {
	if c.LLMAPIKey == "" {
		return errors.New("LLM_API_KEY environment variable is not set")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	switch c.SessionBackend {
	case "memory", "redis":
	default:
		return errors.New("SESSION_BACKEND must be memory or redis")
	}
	return nil
}

// KafkaEnabled is true when at least one broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
