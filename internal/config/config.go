package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for RelayCore
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Queue configuration (embedded, Kafka, or SQS)
	Queue QueueConfig

	// Leader election configuration
	Leader LeaderConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "kafka", "sqs"

	Embedded EmbeddedConfig
	Kafka    KafkaConfig
	SQS      SQSConfig
}

// EmbeddedConfig holds the embedded SQLite-backed queue configuration (Broker C).
type EmbeddedConfig struct {
	// DataFile is the path to the SQLite database file backing the queue.
	DataFile string

	// LockDuration is how long a claimed row stays invisible before it can
	// be reclaimed if never acked/nacked.
	LockDuration time.Duration
}

// KafkaConfig holds the Kafka consumer-group configuration (Broker B).
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// ReceiveTimeout bounds a single consumer-group session poll.
	ReceiveTimeout time.Duration

	// InitialRedeliveryDelay is passed on to the Kafka queue config; the
	// Kafka consumer does not apply it to nacked messages.
	InitialRedeliveryDelay time.Duration
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "relaycore"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			Embedded: EmbeddedConfig{
				DataFile:     getEnv("EMBEDDED_QUEUE_DATA_FILE", "./data/embedded-queue.db"),
				LockDuration: getEnvDuration("EMBEDDED_QUEUE_LOCK_DURATION", 30*time.Second),
			},
			Kafka: KafkaConfig{
				Brokers:                getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				Topic:                  getEnv("KAFKA_TOPIC", "relaycore-router"),
				ConsumerGroup:          getEnv("KAFKA_CONSUMER_GROUP", "relaycore-router"),
				ReceiveTimeout:         getEnvDuration("KAFKA_RECEIVE_TIMEOUT", 5*time.Second),
				InitialRedeliveryDelay: getEnvDuration("KAFKA_INITIAL_REDELIVERY_DELAY", 1*time.Second),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("RELAYCORE_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
