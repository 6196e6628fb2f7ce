// Package config loads settings from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the full application configuration.
type Config struct {
	Store    StoreConfig    `koanf:"store"`
	Remote   RemoteConfig   `koanf:"remote"`
	Sync     SyncConfig     `koanf:"sync"`
	Network  NetworkConfig  `koanf:"network"`
	Tick     TickConfig     `koanf:"tick"`
	Identity IdentityConfig `koanf:"identity"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// StoreConfig selects the local key-value backend.
type StoreConfig struct {
	Backend    string `koanf:"backend"` // sqlite, turso, badger
	SQLitePath string `koanf:"sqlite_path"`
	BadgerPath string `koanf:"badger_path"`
	TursoURL   string `koanf:"turso_url"`
	TursoToken string `koanf:"turso_token"`
}

// RemoteConfig selects the remote document store mirrored by sync.
type RemoteConfig struct {
	Backend    string `koanf:"backend"` // disabled, sqlite, turso, s3
	SQLitePath string `koanf:"sqlite_path"`
	TursoURL   string `koanf:"turso_url"`
	TursoToken string `koanf:"turso_token"`

	S3Bucket    string `koanf:"s3_bucket"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3Region    string `koanf:"s3_region"`
	S3AccessKey string `koanf:"s3_access_key"`
	S3SecretKey string `koanf:"s3_secret_key"`

	Timeout time.Duration `koanf:"timeout"`

	BreakerMaxRequests      uint32        `koanf:"breaker_max_requests"`
	BreakerInterval         time.Duration `koanf:"breaker_interval"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
}

// Enabled reports whether remote mirroring is on.
func (r RemoteConfig) Enabled() bool {
	return r.Backend != "" && r.Backend != "disabled"
}

// SyncConfig tunes the queue and the background retry loop.
type SyncConfig struct {
	MaxRetries    int           `koanf:"max_retries"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	MaxRetryDelay time.Duration `koanf:"max_retry_delay"`
	Interval      time.Duration `koanf:"interval"` // periodic drain while online, 0 disables
}

// NetworkConfig tunes the reachability probe.
type NetworkConfig struct {
	ProbeURL      string        `koanf:"probe_url"` // empty assumes always online
	ProbeInterval time.Duration `koanf:"probe_interval"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`
}

// TickConfig tunes the periodic timer refresh.
type TickConfig struct {
	Interval time.Duration `koanf:"interval"`
	Debounce time.Duration `koanf:"debounce"`
}

// IdentityConfig locates the persisted anonymous identity.
type IdentityConfig struct {
	DataDir string `koanf:"data_dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Host            string        `koanf:"host"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

var (
	storeBackends  = map[string]bool{"sqlite": true, "turso": true, "badger": true}
	remoteBackends = map[string]bool{"disabled": true, "sqlite": true, "turso": true, "s3": true}
)

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	var errs []error

	if !storeBackends[c.Store.Backend] {
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend == "turso" && c.Store.TursoURL == "" {
		errs = append(errs, errors.New("store.turso_url is required for the turso backend"))
	}

	if !remoteBackends[c.Remote.Backend] {
		errs = append(errs, fmt.Errorf("remote.backend: unknown backend %q", c.Remote.Backend))
	}
	switch c.Remote.Backend {
	case "turso":
		if c.Remote.TursoURL == "" {
			errs = append(errs, errors.New("remote.turso_url is required for the turso backend"))
		}
	case "s3":
		if c.Remote.S3Bucket == "" {
			errs = append(errs, errors.New("remote.s3_bucket is required for the s3 backend"))
		}
	}

	if c.Sync.MaxRetries < 1 {
		errs = append(errs, errors.New("sync.max_retries must be positive"))
	}
	if c.Sync.RetryDelay <= 0 || c.Sync.MaxRetryDelay < c.Sync.RetryDelay {
		errs = append(errs, errors.New("sync.retry_delay must be positive and not exceed sync.max_retry_delay"))
	}
	if c.Tick.Interval <= 0 {
		errs = append(errs, errors.New("tick.interval must be positive"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}
