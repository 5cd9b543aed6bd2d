package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP    TOMLHTTPConfig    `toml:"http"`
	MongoDB TOMLMongoDBConfig `toml:"mongodb"`
	Queue   TOMLQueueConfig   `toml:"queue"`
	Leader  TOMLLeaderConfig  `toml:"leader"`
	DataDir string            `toml:"data_dir"`
	DevMode bool              `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type     string             `toml:"type"`
	Embedded TOMLEmbeddedConfig `toml:"embedded"`
	Kafka    TOMLKafkaConfig    `toml:"kafka"`
	SQS      TOMLSQSConfig      `toml:"sqs"`
}

// TOMLEmbeddedConfig represents the embedded SQLite queue configuration in TOML
type TOMLEmbeddedConfig struct {
	DataFile     string `toml:"data_file"`
	LockDuration string `toml:"lock_duration"`
}

// TOMLKafkaConfig represents Kafka configuration in TOML
type TOMLKafkaConfig struct {
	Brokers                []string `toml:"brokers"`
	Topic                  string   `toml:"topic"`
	ConsumerGroup          string   `toml:"consumer_group"`
	ReceiveTimeout         string   `toml:"receive_timeout"`
	InitialRedeliveryDelay string   `toml:"initial_redelivery_delay"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"relaycore.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/relaycore/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("RELAYCORE_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			Embedded: EmbeddedConfig{
				DataFile: tc.Queue.Embedded.DataFile,
			},
			Kafka: KafkaConfig{
				Brokers:       tc.Queue.Kafka.Brokers,
				Topic:         tc.Queue.Kafka.Topic,
				ConsumerGroup: tc.Queue.Kafka.ConsumerGroup,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			InstanceID: tc.Leader.InstanceID,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	// Parse durations
	if tc.Queue.Embedded.LockDuration != "" {
		if d, err := time.ParseDuration(tc.Queue.Embedded.LockDuration); err == nil {
			cfg.Queue.Embedded.LockDuration = d
		}
	}
	if tc.Queue.Kafka.ReceiveTimeout != "" {
		if d, err := time.ParseDuration(tc.Queue.Kafka.ReceiveTimeout); err == nil {
			cfg.Queue.Kafka.ReceiveTimeout = d
		}
	}
	if tc.Queue.Kafka.InitialRedeliveryDelay != "" {
		if d, err := time.ParseDuration(tc.Queue.Kafka.InitialRedeliveryDelay); err == nil {
			cfg.Queue.Kafka.InitialRedeliveryDelay = d
		}
	}
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for non-zero values
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// MongoDB
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "relaycore" {
		result.MongoDB.Database = override.MongoDB.Database
	}

	// Queue
	if override.Queue.Type != "" && override.Queue.Type != "embedded" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.Embedded.DataFile != "" {
		result.Queue.Embedded.DataFile = override.Queue.Embedded.DataFile
	}
	if len(override.Queue.Kafka.Brokers) > 0 {
		result.Queue.Kafka.Brokers = override.Queue.Kafka.Brokers
	}
	if override.Queue.Kafka.Topic != "" {
		result.Queue.Kafka.Topic = override.Queue.Kafka.Topic
	}
	if override.Queue.Kafka.ConsumerGroup != "" {
		result.Queue.Kafka.ConsumerGroup = override.Queue.Kafka.ConsumerGroup
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}

	// General
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# RelayCore Message Router Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "relaycore"

[queue]
type = "embedded"  # embedded, kafka, or sqs

[queue.embedded]
data_file = "./data/embedded-queue.db"
lock_duration = "30s"

[queue.kafka]
brokers = ["localhost:9092"]
topic = "relaycore-router"
consumer_group = "relaycore-router"
receive_timeout = "5s"
initial_redelivery_delay = "1s"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[leader]
enabled = false
instance_id = ""
ttl = "30s"
refresh_interval = "10s"

data_dir = "./data"
dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
