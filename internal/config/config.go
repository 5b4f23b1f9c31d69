package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration accepts the Go duration syntax ("30s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

type TracingConfig struct {
	// Exporter is one of none, stdout, otlphttp.
	Exporter string `yaml:"exporter"`
	// Endpoint is the collector host:port for the otlphttp exporter.
	Endpoint string `yaml:"endpoint"`
}

// Config carries the scheduler daemon settings.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	// LogLevel overrides the LOG_LEVEL variable when set (debug/info/warn/error).
	LogLevel     string        `yaml:"log_level"`
	TickInterval Duration      `yaml:"tick_interval"`
	Workers      int           `yaml:"workers"`
	Tracing      TracingConfig `yaml:"tracing"`
}

func Default() Config {
	return Config{
		TickInterval: Duration(30 * time.Second),
		Workers:      4,
		Tracing:      TracingConfig{Exporter: "none"},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config file %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config file %q", path)
	}
	if cfg.TickInterval <= 0 {
		return cfg, errors.Errorf("tick_interval must be positive, got %s", time.Duration(cfg.TickInterval))
	}
	return cfg, nil
}

// LoadFromEnv loads .env when present, then the config file at path, or at
// ORBIT_CONFIG when path is empty. The database URL falls back to the DB_*
// variables so the daemon and the migration runner accept the same
// environment.
func LoadFromEnv(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path == "" {
		path = os.Getenv("ORBIT_CONFIG")
	}
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = databaseURLFromEnv()
	}
	return cfg, nil
}

func databaseURLFromEnv() string {
	username := os.Getenv("DB_USERNAME")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if username == "" || password == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", username, password, host, port, name)
}
