package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	API       APIConfig
	WebSocket WebSocketConfig
	Offline   OfflineConfig
	Storage   StorageConfig
}

type APIConfig struct {
	BaseURL string
	// Timeout applies to normal REST calls, LargeTimeout to calls that may
	// carry big payloads (message pages).
	Timeout      time.Duration
	LargeTimeout time.Duration
	PerPage      int
}

type WebSocketConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

type OfflineConfig struct {
	MaxQueueSize int
}

type StorageConfig struct {
	// Path to the local SQLite database for token and queue persistence.
	// Empty disables persistence (everything stays in memory).
	Path string
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading .env file: %v", err)
	}

	return &Config{
		API: APIConfig{
			BaseURL:      getEnvOrDefault("CHAT_API_URL", "http://localhost:8080"),
			Timeout:      getDurationOrDefault("CHAT_API_TIMEOUT", "30s"),
			LargeTimeout: getDurationOrDefault("CHAT_API_LARGE_TIMEOUT", "60s"),
			PerPage:      getIntOrDefault("CHAT_MESSAGES_PER_PAGE", 50),
		},
		WebSocket: WebSocketConfig{
			URL:                  getEnvOrDefault("CHAT_WS_URL", "ws://localhost:8080/ws"),
			MaxReconnectAttempts: getIntOrDefault("CHAT_MAX_RECONNECT_ATTEMPTS", 5),
			ReconnectBaseDelay:   getDurationOrDefault("CHAT_RECONNECT_BASE_DELAY", "1s"),
			ReconnectMaxDelay:    getDurationOrDefault("CHAT_RECONNECT_MAX_DELAY", "30s"),
		},
		Offline: OfflineConfig{
			MaxQueueSize: getIntOrDefault("CHAT_MAX_QUEUE_SIZE", 100),
		},
		Storage: StorageConfig{
			Path: getEnvOrDefault("CHAT_STORAGE_PATH", ""),
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key, defaultValue string) time.Duration {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("Invalid duration for %s: %v", key, err)
	}
	return duration
}

func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("Invalid integer for %s: %v", key, err)
	}
	return intValue
}
