package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	SourceSerial  = "serial"
	SourceFixture = "fixture"
)

type Config struct {
	Port         string `mapstructure:"port"`
	LogLevel     string `mapstructure:"log_level"`
	DataDir      string `mapstructure:"data_dir"`
	Store        string `mapstructure:"store"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	MaxHistory   int    `mapstructure:"max_history"`
	ScanSchedule string `mapstructure:"scan_schedule"`
	ScanOnStart  bool   `mapstructure:"scan_on_start"`
	Source       string `mapstructure:"source"`
	FixturePath  string `mapstructure:"fixture"`

	MQTTBrokerURL string `mapstructure:"mqtt_broker_url"`
	MQTTClientID  string `mapstructure:"mqtt_client_id"`
	TopicPrefix   string `mapstructure:"mqtt_topic_prefix"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	Postgres DBConfig `mapstructure:"postgres"`
}

type DBConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

func defaults() *Config {
	return &Config{
		Port:         "8095",
		LogLevel:     "info",
		DataDir:      "./data",
		Store:        StoreFile,
		MaxHistory:   100,
		ScanSchedule: "@every 5s",
		ScanOnStart:  true,
		Source:       SourceSerial,
		MQTTClientID: "serial-presence",
		TopicPrefix:  "homenavi/serial/event",
		Postgres:     DBConfig{SSLMode: "disable"},
	}
}

// Load builds the config from defaults, then the YAML file named by
// SERIAL_PRESENCE_CONFIG when set, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("SERIAL_PRESENCE_CONFIG")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = strings.TrimRight(cfg.DataDir, "/") + "/serial-presence.db"
	}

	slog.Info("serial-presence config loaded", "port", cfg.Port, "store", cfg.Store, "source", cfg.Source, "schedule", cfg.ScanSchedule, "mqtt", cfg.MQTTBrokerURL)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = getEnv("SERIAL_PRESENCE_PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = getEnv("SERIAL_PRESENCE_DATA_DIR", cfg.DataDir)
	cfg.Store = strings.ToLower(getEnv("SERIAL_PRESENCE_STORE", cfg.Store))
	cfg.SQLitePath = getEnv("SERIAL_PRESENCE_SQLITE_PATH", cfg.SQLitePath)
	cfg.ScanSchedule = getEnv("SERIAL_PRESENCE_SCAN_SCHEDULE", cfg.ScanSchedule)
	if raw := os.Getenv("SERIAL_PRESENCE_SCAN_ON_START"); raw != "" {
		cfg.ScanOnStart = parseBool(raw)
	}
	cfg.Source = strings.ToLower(getEnv("SERIAL_PRESENCE_SOURCE", cfg.Source))
	cfg.FixturePath = getEnv("SERIAL_PRESENCE_FIXTURE", cfg.FixturePath)
	cfg.MQTTBrokerURL = strings.TrimSpace(getEnv("MQTT_BROKER_URL", cfg.MQTTBrokerURL))
	cfg.MQTTClientID = getEnv("SERIAL_PRESENCE_MQTT_CLIENT_ID", cfg.MQTTClientID)
	cfg.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", cfg.TopicPrefix)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	cfg.Postgres.User = strings.TrimSpace(getEnv("POSTGRES_USER", cfg.Postgres.User))
	cfg.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.DBName = strings.TrimSpace(getEnv("POSTGRES_DB", cfg.Postgres.DBName))
	cfg.Postgres.Host = strings.TrimSpace(getEnv("POSTGRES_HOST", cfg.Postgres.Host))
	cfg.Postgres.Port = strings.TrimSpace(getEnv("POSTGRES_PORT", cfg.Postgres.Port))
	cfg.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", cfg.Postgres.SSLMode)

	if raw := os.Getenv("SERIAL_PRESENCE_MAX_HISTORY"); raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("SERIAL_PRESENCE_MAX_HISTORY: %w", err)
		}
		cfg.MaxHistory = n
	}
	return nil
}

// Validate checks the settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreSQLite:
	case StorePostgres:
		for key, val := range map[string]string{
			"POSTGRES_USER": c.Postgres.User,
			"POSTGRES_DB":   c.Postgres.DBName,
			"POSTGRES_HOST": c.Postgres.Host,
			"POSTGRES_PORT": c.Postgres.Port,
		} {
			if val == "" {
				return fmt.Errorf("missing required env %s for postgres store", key)
			}
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Source {
	case SourceSerial:
	case SourceFixture:
		if strings.TrimSpace(c.FixturePath) == "" {
			return fmt.Errorf("fixture source requires SERIAL_PRESENCE_FIXTURE")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.MaxHistory <= 0 {
		return fmt.Errorf("max history must be positive, got %d", c.MaxHistory)
	}
	return nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
