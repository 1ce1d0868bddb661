// Package config provides configuration loading and management for dbsentry.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig defines MySQL connection settings for the configuration store.
type StoreConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// QueueConfig defines the durable job queue settings.
type QueueConfig struct {
	// Driver selects the transport: "channel" for the in-process queue,
	// "nats" for JetStream.
	Driver      string `yaml:"driver"`
	URL         string `yaml:"url"`
	JobsTopic   string `yaml:"jobsTopic"`
	EventsTopic string `yaml:"eventsTopic"`
	StreamName  string `yaml:"streamName"`
	DurableName string `yaml:"durableName"`
}

// S3Config defines S3 object store settings.
type S3Config struct {
	Enabled            bool   `yaml:"enabled"`
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKey          string `yaml:"accessKey"`
	SecretKey          string `yaml:"secretKey"`
	Prefix             string `yaml:"prefix"`
	PathStyle          bool   `yaml:"pathStyle"`
	UseSSL             bool   `yaml:"useSSL"`
	SkipCertValidation bool   `yaml:"skipCertValidation"`
	CustomCAPath       string `yaml:"customCAPath"`
}

// LocalStorageConfig defines the filesystem object store settings.
type LocalStorageConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// SchedulerConfig defines the scheduler loop settings.
type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Tick           string `yaml:"tick"`
	LeaderLeaseTTL string `yaml:"leaderLeaseTTL"`
}

// WorkerConfig defines the job processor settings.
type WorkerConfig struct {
	Concurrency         int    `yaml:"concurrency"`
	DumpTimeout         string `yaml:"dumpTimeout"`
	LeaseTTL            string `yaml:"leaseTTL"`
	MaxDeliveryAttempts int    `yaml:"maxDeliveryAttempts"`
}

// AlertsConfig defines failure alerting settings.
type AlertsConfig struct {
	Threshold int `yaml:"threshold"`
}

// EngineConfig defines a database server in the YAML config file. Engines
// defined here are synced into the configuration store at startup.
type EngineConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // mysql, postgres, sqlserver
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Debug       bool               `yaml:"debug"`
	ConfigFile  string             `yaml:"-"`
	Store       StoreConfig        `yaml:"store"`
	Queue       QueueConfig        `yaml:"queue"`
	S3          S3Config           `yaml:"s3"`
	Local       LocalStorageConfig `yaml:"local"`
	Scheduler   SchedulerConfig    `yaml:"scheduler"`
	Worker      WorkerConfig       `yaml:"worker"`
	Alerts      AlertsConfig       `yaml:"alerts"`
	Engines     []EngineConfig     `yaml:"engines"`
	MetricsPort string             `yaml:"metricsPort"`
	APIPort     string             `yaml:"apiPort"`
}

// CFG is the global configuration object.
var CFG AppConfig

// LoadConfiguration loads configuration from environment variables and,
// when CONFIG_FILE is set, merges the YAML file over it. The file is the
// only way to define engines.
func LoadConfiguration() {
	log.Println("Loading configuration from environment variables...")
	loadFromEnvironment()

	if CFG.ConfigFile != "" {
		if err := loadFromFile(CFG.ConfigFile); err != nil {
			log.Printf("Warning: Failed to load config file %s: %v", CFG.ConfigFile, err)
		}
	}

	setDefaults()

	if CFG.Debug {
		log.Printf("Configuration loaded: %d engines, queue driver %s", len(CFG.Engines), CFG.Queue.Driver)
	}
}

func loadFromEnvironment() {
	CFG.Debug = parseEnvBool("DEBUG", false)
	CFG.ConfigFile = getEnvOrDefault("CONFIG_FILE", "")

	// Configuration store
	CFG.Store.Host = getEnvOrDefault("DB_HOST", "localhost")
	CFG.Store.Port = parseEnvInt("DB_PORT", 3306)
	CFG.Store.Username = getEnvOrDefault("DB_USERNAME", "dbsentry")
	CFG.Store.Password = getEnvOrDefault("DB_PASSWORD", "")
	CFG.Store.Database = getEnvOrDefault("DB_NAME", "dbsentry")
	CFG.Store.MaxOpenConns = parseEnvInt("DB_MAX_OPEN_CONNS", 10)
	CFG.Store.MaxIdleConns = parseEnvInt("DB_MAX_IDLE_CONNS", 5)
	CFG.Store.ConnMaxLifetime = getEnvOrDefault("DB_CONN_MAX_LIFETIME", "5m")
	CFG.Store.AutoMigrate = parseEnvBool("DB_AUTO_MIGRATE", true)

	// Queue
	CFG.Queue.Driver = getEnvOrDefault("QUEUE_DRIVER", "channel")
	CFG.Queue.URL = getEnvOrDefault("QUEUE_URL", "nats://localhost:4222")
	CFG.Queue.JobsTopic = getEnvOrDefault("QUEUE_TOPIC", "backup.jobs")
	CFG.Queue.EventsTopic = getEnvOrDefault("EVENTS_TOPIC", "backup.events")
	CFG.Queue.StreamName = getEnvOrDefault("QUEUE_STREAM", "BACKUPS")
	CFG.Queue.DurableName = getEnvOrDefault("QUEUE_DURABLE", "dbsentry-workers")

	// S3 object store
	CFG.S3.Enabled = parseEnvBool("S3_ENABLED", false)
	CFG.S3.Bucket = getEnvOrDefault("S3_BUCKET", "")
	CFG.S3.Region = getEnvOrDefault("S3_REGION", "us-east-1")
	CFG.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", "")
	CFG.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", "")
	CFG.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", "")
	CFG.S3.Prefix = getEnvOrDefault("S3_PREFIX", "backups")
	CFG.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", false)
	CFG.S3.UseSSL = parseEnvBool("S3_USE_SSL", true)
	CFG.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", false)
	CFG.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", "")

	// Local object store
	CFG.Local.Enabled = parseEnvBool("LOCAL_STORAGE_ENABLED", true)
	CFG.Local.Directory = getEnvOrDefault("LOCAL_STORAGE_DIRECTORY", "/var/lib/dbsentry/backups")

	// Scheduler
	CFG.Scheduler.Enabled = parseEnvBool("SCHEDULER_ENABLED", true)
	CFG.Scheduler.Tick = getEnvOrDefault("SCHEDULER_TICK", "1m")
	CFG.Scheduler.LeaderLeaseTTL = getEnvOrDefault("SCHEDULER_LEADER_LEASE_TTL", "3m")

	// Worker
	CFG.Worker.Concurrency = parseEnvInt("WORKER_CONCURRENCY", 2)
	CFG.Worker.DumpTimeout = getEnvOrDefault("DUMP_TIMEOUT", "2h")
	CFG.Worker.LeaseTTL = getEnvOrDefault("LEASE_TTL", "5m")
	CFG.Worker.MaxDeliveryAttempts = parseEnvInt("MAX_DELIVERY_ATTEMPTS", 5)

	// Alerts
	CFG.Alerts.Threshold = parseEnvInt("ALERT_THRESHOLD", 2)

	CFG.MetricsPort = getEnvOrDefault("METRICS_PORT", "9090")
	CFG.APIPort = getEnvOrDefault("API_PORT", "8080")
}

func loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &CFG); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	log.Printf("Loaded config file %s (%d engines)", path, len(CFG.Engines))
	return nil
}

func setDefaults() {
	if CFG.Queue.Driver == "" {
		CFG.Queue.Driver = "channel"
	}
	if CFG.Queue.JobsTopic == "" {
		CFG.Queue.JobsTopic = "backup.jobs"
	}
	if CFG.Queue.EventsTopic == "" {
		CFG.Queue.EventsTopic = "backup.events"
	}
	if CFG.Worker.Concurrency <= 0 {
		CFG.Worker.Concurrency = 2
	}
	if CFG.Worker.MaxDeliveryAttempts <= 0 {
		CFG.Worker.MaxDeliveryAttempts = 5
	}
	if CFG.Alerts.Threshold <= 0 {
		CFG.Alerts.Threshold = 2
	}
	if CFG.MetricsPort == "" {
		CFG.MetricsPort = "9090"
	}
	if CFG.APIPort == "" {
		CFG.APIPort = "8080"
	}
}

// SchedulerTick returns the parsed scheduler tick, defaulting to one minute.
// The tick bounds due-time precision and must not exceed one hour.
func (c *AppConfig) SchedulerTick() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.Tick)
	if err != nil || d <= 0 || d > time.Hour {
		return time.Minute
	}
	return d
}

// DumpTimeout returns the parsed per-job dump timeout.
func (c *AppConfig) DumpTimeout() time.Duration {
	d, err := time.ParseDuration(c.Worker.DumpTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Hour
	}
	return d
}

// LeaseTTL returns the parsed per-database lease TTL.
func (c *AppConfig) LeaseTTL() time.Duration {
	d, err := time.ParseDuration(c.Worker.LeaseTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// LeaderLeaseTTL returns the parsed scheduler leadership lease TTL.
func (c *AppConfig) LeaderLeaseTTL() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.LeaderLeaseTTL)
	if err != nil || d <= 0 {
		return 3 * time.Minute
	}
	return d
}

// ValidateConfig validates the configuration.
func ValidateConfig() error {
	if !CFG.Local.Enabled && !CFG.S3.Enabled {
		return fmt.Errorf("at least one object store (local or S3) must be enabled")
	}

	if CFG.Local.Enabled && CFG.Local.Directory == "" {
		return fmt.Errorf("local storage directory must be specified when local storage is enabled")
	}

	if CFG.S3.Enabled {
		if CFG.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket must be specified when S3 storage is enabled")
		}
		if CFG.S3.AccessKey == "" || CFG.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key must be specified when S3 storage is enabled")
		}
	}

	switch CFG.Queue.Driver {
	case "channel", "nats":
	default:
		return fmt.Errorf("unknown queue driver %q (expected channel or nats)", CFG.Queue.Driver)
	}

	if CFG.Queue.Driver == "nats" && CFG.Queue.URL == "" {
		return fmt.Errorf("queue URL is required for the nats driver")
	}

	if CFG.Store.Host == "" || CFG.Store.Database == "" {
		return fmt.Errorf("configuration store host and database are required")
	}

	if _, err := time.ParseDuration(CFG.Scheduler.Tick); err != nil {
		return fmt.Errorf("invalid scheduler tick: %w", err)
	}
	if CFG.SchedulerTick() > time.Hour {
		return fmt.Errorf("scheduler tick must not exceed one hour")
	}

	for _, engine := range CFG.Engines {
		switch engine.Type {
		case "mysql", "postgres", "sqlserver":
		default:
			return fmt.Errorf("engine %s: unsupported type %q", engine.Name, engine.Type)
		}
		if engine.Host == "" || engine.Name == "" {
			return fmt.Errorf("engine definitions require a name and host")
		}
	}

	return nil
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Error parsing %s as int: %v. Using default value: %d", key, err, defaultValue)
		return defaultValue
	}
	return n
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

// MaskSensitive masks credentials for logging.
func MaskSensitive(info string) string {
	if info == "" {
		return "[not set]"
	}
	if len(info) <= 4 {
		return "****"
	}
	return info[:2] + "****" + info[len(info)-2:]
}
