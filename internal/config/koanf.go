package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "TIMRS_CONFIG"

// EnvPrefix marks variables mapped onto the config tree. Double underscores
// separate sections: TIMRS_SYNC__MAX_RETRIES sets sync.max_retries.
const EnvPrefix = "TIMRS_"

var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "data/timrs.db",
			BadgerPath: "data/badger",
		},
		Remote: RemoteConfig{
			Backend:                 "disabled",
			SQLitePath:              "data/remote.db",
			S3Region:                "auto",
			Timeout:                 15 * time.Second,
			BreakerMaxRequests:      1,
			BreakerInterval:         time.Minute,
			BreakerTimeout:          30 * time.Second,
			BreakerFailureThreshold: 5,
		},
		Sync: SyncConfig{
			MaxRetries:    3,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
			Interval:      5 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Tick: TickConfig{
			Interval: time.Second,
			Debounce: 5 * time.Second,
		},
		Identity: IdentityConfig{
			DataDir: "data",
		},
		Server: ServerConfig{
			Port:            8069,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads defaults, then the config file if one exists, then the
// environment, and validates the result.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{"server.cors_origins"}

// processSliceFields splits comma separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// legacyEnv maps the variable names deployments already use.
var legacyEnv = map[string]string{
	"db_backend":            "store.backend",
	"sqlite_path":           "store.sqlite_path",
	"turso_database_url":    "store.turso_url",
	"turso_auth_token":      "store.turso_token",
	"bucket_name":           "remote.s3_bucket",
	"aws_endpoint_url_s3":   "remote.s3_endpoint",
	"aws_access_key_id":     "remote.s3_access_key",
	"aws_secret_access_key": "remote.s3_secret_key",
	"aws_region":            "remote.s3_region",
	"port":                  "server.port",
	"log_level":             "logging.level",
	"log_format":            "logging.format",
}

// envTransformFunc maps an environment variable name to a koanf path, or to
// "" to ignore it.
func envTransformFunc(key string) string {
	if strings.HasPrefix(key, EnvPrefix) {
		rest := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if rest == "config" || !strings.Contains(rest, "__") {
			return ""
		}
		return strings.ReplaceAll(rest, "__", ".")
	}
	if mapped, ok := legacyEnv[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
