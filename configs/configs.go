// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DataDir is the root of the partitioned CSV store.
	DataDir string

	// ServerPort is the HTTP listen port of the API.
	ServerPort string

	// LogLevel is a logrus level name.
	LogLevel string

	// ArchiveDSN is the ClickHouse connection string of the archive.
	ArchiveDSN string

	Correlation CorrelationConfig
	Live        LiveConfig
	Ingest      IngestLimitConfig
	Kafka       KafkaConfig
	MQTT        MQTTConfig
	Ingester    IngesterConfig
}

// CorrelationConfig holds the matching windows.
type CorrelationConfig struct {
	// ToleranceMicros is the widest device timestamp gap of a match.
	ToleranceMicros int64

	// MaxAgeMicros is how far a pending reading may trail the newest one.
	MaxAgeMicros int64

	// SweepInterval enables the wall-clock sweeper when positive.
	SweepInterval time.Duration

	// WallMaxAge is the receive-time age at which the sweeper evicts.
	WallMaxAge time.Duration
}

// LiveConfig holds websocket fan-out settings.
type LiveConfig struct {
	// SubscriberBuffer is the number of frames queued per subscriber.
	SubscriberBuffer int

	// AllowedOrigins lists CORS and websocket origins. "*" allows all.
	AllowedOrigins []string
}

// IngestLimitConfig holds the per-device token bucket.
type IngestLimitConfig struct {
	// RatePerDevice is readings per second per device. Zero disables limiting.
	RatePerDevice float64
	Burst         int
}

// KafkaConfig holds Kafka connection settings for the reading mirror.
type KafkaConfig struct {
	// Broker is the Kafka broker address. Empty disables the mirror.
	Broker string

	// Topic receives every ingested reading.
	Topic string

	// GroupID is the consumer group of the archive ingester.
	GroupID string
}

// MQTTConfig holds the optional MQTT transport.
type MQTTConfig struct {
	// Broker is the MQTT broker URL (e.g. "tcp://localhost:1883"). Empty disables it.
	Broker      string
	ClientID    string
	TopicPrefix string
}

// IngesterConfig holds settings for batch processing.
type IngesterConfig struct {
	// BatchSize is the maximum number of readings to accumulate before flushing.
	BatchSize int

	// BatchTimeoutSeconds is the maximum seconds to wait before flushing.
	BatchTimeoutSeconds int
}

// getDatabaseDSN constructs the ClickHouse DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "default")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "default")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		DataDir:    getEnv("DATA_DIR", "./data"),
		ServerPort: getEnv("SERVER_PORT", "8723"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ArchiveDSN: getDatabaseDSN(),
		Correlation: CorrelationConfig{
			ToleranceMicros: getEnvInt64("MATCH_TOLERANCE_US", 1_000_000),
			MaxAgeMicros:    getEnvInt64("PENDING_MAX_AGE_US", 10_000_000),
			SweepInterval:   getEnvDuration("PENDING_SWEEP_INTERVAL", 0),
			WallMaxAge:      getEnvDuration("PENDING_WALL_MAX_AGE", 30*time.Second),
		},
		Live: LiveConfig{
			SubscriberBuffer: getEnvInt("SUBSCRIBER_BUFFER", 64),
			AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		},
		Ingest: IngestLimitConfig{
			RatePerDevice: getEnvFloat("INGEST_RATE_PER_DEVICE", 0),
			Burst:         getEnvInt("INGEST_RATE_BURST", 20),
		},
		Kafka: KafkaConfig{
			Broker:  getEnv("KAFKA_BROKER", ""),
			Topic:   getEnv("KAFKA_READINGS_TOPIC", "sensor_readings"),
			GroupID: getEnv("KAFKA_GROUP_ID", "sensorhub-archive"),
		},
		MQTT: MQTTConfig{
			Broker:      getEnv("MQTT_BROKER", ""),
			ClientID:    getEnv("MQTT_CLIENT_ID", "sensorhub"),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "sensors"),
		},
		Ingester: IngesterConfig{
			BatchSize:           getEnvInt("BATCH_SIZE", 200),
			BatchTimeoutSeconds: getEnvInt("BATCH_TIMEOUT_SECONDS", 5),
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(getEnv(key, ""), 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
