package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	GinMode        string
	AppEnv         string // NODE_ENV: gates stack traces in error responses
	AllowedOrigins string // comma-separated CORS origins

	// Inbound auth
	BackendAPIKey string

	// Upstream providers
	OpenAIAPIKey  string
	YouTubeAPIKey string
	EmailAPIKey   string // optional; notifications disabled when empty
	EmailFrom     string

	// Persistent store
	StoreURL string

	// Blob store (local container root)
	BlobRoot string

	// Optional NATS event publishing
	NatsURL string

	// Database connection pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Pipelines
	ChannelVideoLimit     int // beta cap on videos processed per channel
	VideoLockTTLSeconds   int
	ChannelLockTTLSeconds int
	InterVideoSleepMs     int

	// Embedding client
	EmbeddingBatchSize    int
	EmbeddingBatchPauseMs int
	EmbeddingCacheSize    int

	// Queue dispatcher
	ChannelTickSeconds int
	VideoTickSeconds   int
	DispatchBatchSize  int

	// Error sink
	ErrorSinkBufferSize int
	ErrorSinkWorkers    int

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		GinMode:        getEnvOrDefault("GIN_MODE", "release"),
		AppEnv:         getEnvOrDefault("NODE_ENV", "development"),
		AllowedOrigins: getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000"),

		BackendAPIKey: getEnvOrDefault("BACKEND_API_KEY", ""),

		OpenAIAPIKey:  getEnvOrDefault("OPENAI_API_KEY", ""),
		YouTubeAPIKey: getEnvOrDefault("YOUTUBE_API_KEY", ""),
		EmailAPIKey:   getEnvOrDefault("EMAIL_API_KEY", ""),
		EmailFrom:     getEnvOrDefault("EMAIL_FROM", "notifications@tubechat.app"),

		StoreURL: getEnvOrDefault("STORE_URL", "postgres://localhost/tubechat?sslmode=disable"),

		BlobRoot: getEnvOrDefault("BLOB_ROOT", "./data/blobs"),

		NatsURL: getEnvOrDefault("NATS_URL", ""),

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		ChannelVideoLimit:     getEnvAsInt("CHANNEL_VIDEO_LIMIT", 20),
		VideoLockTTLSeconds:   getEnvAsInt("VIDEO_LOCK_TTL_SECONDS", 600),
		ChannelLockTTLSeconds: getEnvAsInt("CHANNEL_LOCK_TTL_SECONDS", 3600),
		InterVideoSleepMs:     getEnvAsInt("INTER_VIDEO_SLEEP_MS", 2000),

		EmbeddingBatchSize:    getEnvAsInt("EMBEDDING_BATCH_SIZE", 10),
		EmbeddingBatchPauseMs: getEnvAsInt("EMBEDDING_BATCH_PAUSE_MS", 1000),
		EmbeddingCacheSize:    getEnvAsInt("EMBEDDING_CACHE_SIZE", 1000),

		ChannelTickSeconds: getEnvAsInt("CHANNEL_TICK_SECONDS", 5),
		VideoTickSeconds:   getEnvAsInt("VIDEO_TICK_SECONDS", 30),
		DispatchBatchSize:  getEnvAsInt("DISPATCH_BATCH_SIZE", 5),

		ErrorSinkBufferSize: getEnvAsInt("ERROR_SINK_BUFFER_SIZE", 500),
		ErrorSinkWorkers:    getEnvAsInt("ERROR_SINK_WORKERS", 2),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.BackendAPIKey == "" {
		log.Println("Warning: Backend API key is missing. Please set BACKEND_API_KEY environment variable.")
	}

	if AppConfig.OpenAIAPIKey == "" {
		log.Println("Warning: OpenAI API key is missing. Please set OPENAI_API_KEY environment variable.")
	}

	if AppConfig.YouTubeAPIKey == "" {
		log.Println("Warning: YouTube API key is missing. Please set YOUTUBE_API_KEY environment variable.")
	}

	if AppConfig.EmailAPIKey == "" {
		log.Println("Email API key not set, completion notifications disabled")
	}

	if AppConfig.NatsURL != "" {
		log.Println("NATS event publishing enabled")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
