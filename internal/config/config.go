// Package config loads the typed supervisor configuration from TOML with
// METRICWATCH_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/metricwatch/internal/auth"
	"github.com/loykin/metricwatch/internal/counters"
	"github.com/loykin/metricwatch/internal/credential"
	"github.com/loykin/metricwatch/internal/health"
	"github.com/loykin/metricwatch/internal/history"
	"github.com/loykin/metricwatch/internal/logger"
	"github.com/loykin/metricwatch/internal/metrics"
	"github.com/loykin/metricwatch/internal/service"
	"github.com/loykin/metricwatch/internal/supervisor"
	mwtls "github.com/loykin/metricwatch/internal/tls"
	"github.com/spf13/viper"
)

const (
	EnvPrefix        = "METRICWATCH"
	DefaultTokenPath = "/config/metrics_configs/AuthToken-MSI.json"
	DefaultPIDMarker = "/var/run/metricwatch.pid"
	DefaultAddr      = "127.0.0.1:8470"
	DefaultInitial   = 30 * time.Second
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	CountersPath       string        `mapstructure:"counters_path"`
	Interval           time.Duration `mapstructure:"interval"`
	InitialDelay       time.Duration `mapstructure:"initial_delay"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts"`
	Alt                bool          `mapstructure:"alt"`
	Watch              bool          `mapstructure:"watch"`
	WatchDebounce      time.Duration `mapstructure:"watch_debounce"`
	PIDMarker          string        `mapstructure:"pid_marker"`

	// environment handed to sub-agents started by the process backend
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Log        logger.Config    `mapstructure:"log"`
	Credential CredentialConfig `mapstructure:"credential"`
	Collector  service.Config   `mapstructure:"collector"`
	Exporter   service.Config   `mapstructure:"exporter"`
	History    HistoryConfig    `mapstructure:"history"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type CredentialConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	IdentifierName  string        `mapstructure:"identifier_name"`
	IdentifierValue string        `mapstructure:"identifier_value"`
	CachePath       string        `mapstructure:"cache_path"`
	RefreshMargin   time.Duration `mapstructure:"refresh_margin"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Endpoint        string        `mapstructure:"endpoint"`
	APIVersion      string        `mapstructure:"api_version"`
	Resource        string        `mapstructure:"resource"`
}

type HistoryConfig struct {
	DSNs    []string      `mapstructure:"dsns"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Addr     string       `mapstructure:"addr"`
	BasePath string       `mapstructure:"base_path"`
	Auth     auth.Config  `mapstructure:"auth"`
	TLS      mwtls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool                         `mapstructure:"enabled"`
	Process metrics.ProcessMetricsConfig `mapstructure:"process"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("counters_path", counters.DefaultPath)
	v.SetDefault("interval", supervisor.DefaultInterval)
	v.SetDefault("initial_delay", DefaultInitial)
	v.SetDefault("call_timeout", supervisor.DefaultCallTimeout)
	v.SetDefault("max_restart_attempts", health.DefaultMaxRestartAttempts)
	v.SetDefault("alt", false)
	v.SetDefault("watch", true)
	v.SetDefault("watch_debounce", counters.DefaultDebounce)
	v.SetDefault("pid_marker", DefaultPIDMarker)
	v.SetDefault("use_os_env", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")

	v.SetDefault("credential.enabled", true)
	v.SetDefault("credential.identifier_name", "")
	v.SetDefault("credential.identifier_value", "")
	v.SetDefault("credential.cache_path", DefaultTokenPath)
	v.SetDefault("credential.refresh_margin", credential.DefaultRefreshMargin)
	v.SetDefault("credential.timeout", 30*time.Second)
	v.SetDefault("credential.endpoint", credential.DefaultIMDSEndpoint)
	v.SetDefault("credential.api_version", credential.DefaultIMDSAPIVersion)
	v.SetDefault("credential.resource", credential.DefaultResource)

	v.SetDefault("collector.backend", service.BackendSystemd)
	v.SetDefault("collector.unit", "metrics-sourcer")
	v.SetDefault("exporter.backend", service.BackendSystemd)
	v.SetDefault("exporter.unit", "metrics-extension")

	v.SetDefault("history.timeout", history.DefaultSendTimeout)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token", "")
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.username", "")
	v.SetDefault("server.auth.password_hash", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.tls.max_version", "1.3")
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.process.enabled", false)
	v.SetDefault("metrics.process.interval", 15*time.Second)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path (optional) on top of the defaults and environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Validate checks the structural fields once at start-up. Identity values
// are checked separately by Identity.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.CountersPath == "" {
		bad("counters_path is empty")
	}
	if c.Interval <= 0 {
		bad("interval must be positive")
	}
	if c.InitialDelay < 0 {
		bad("initial_delay must not be negative")
	}
	if c.CallTimeout <= 0 {
		bad("call_timeout must be positive")
	}
	if c.MaxRestartAttempts <= 0 {
		bad("max_restart_attempts must be positive")
	}
	for _, kind := range service.Kinds() {
		sc := c.Service(kind)
		switch strings.ToLower(strings.TrimSpace(sc.Backend)) {
		case service.BackendSystemd:
			if sc.Unit == "" {
				bad("%s: systemd backend requires unit", kind)
			}
		case service.BackendProcess:
			if sc.Command == "" {
				bad("%s: process backend requires command", kind)
			}
			for _, d := range sc.Detectors {
				if err := checkDetector(d); err != nil {
					bad("%s: %v", kind, err)
				}
			}
		default:
			errs = append(errs, fmt.Errorf("%w: %s: %w %q", ErrInvalid, kind, service.ErrUnknownBackend, sc.Backend))
		}
	}
	if c.Credential.Enabled && c.Credential.RefreshMargin <= 0 {
		bad("credential.refresh_margin must be positive")
	}
	for _, dsn := range c.History.DSNs {
		if !supportedDSN(dsn) {
			bad("history dsn %q: unsupported scheme", dsn)
		}
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		bad("server.addr is empty")
	}
	if _, err := auth.New(c.Server.Auth); err != nil {
		bad("server.auth: %v", err)
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			bad("server.tls: cert_file and key_file must be set together")
		}
		if t.CertFile == "" && t.Dir == "" {
			bad("server.tls: set cert_file/key_file or dir")
		}
	}
	return errors.Join(errs...)
}

var dsnSchemes = []string{"sqlite", "postgres", "postgresql", "clickhouse", "opensearch", "opensearchs", "elasticsearch"}

// supportedDSN accepts bare paths (sqlite) and the schemes the history
// factory understands.
func supportedDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return false
	}
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return true
	}
	for _, s := range dsnSchemes {
		if strings.EqualFold(scheme, s) {
			return true
		}
	}
	return false
}

func checkDetector(d service.DetectorConfig) error {
	switch d.Type {
	case "pidfile":
		if d.Path == "" {
			return errors.New("detector pidfile requires path")
		}
	case "pid":
		if d.PID <= 0 {
			return errors.New("detector pid requires positive pid")
		}
	case "command":
		if d.Command == "" {
			return errors.New("detector command requires command")
		}
	case "name":
		if d.Name == "" {
			return errors.New("detector name requires name")
		}
	default:
		return fmt.Errorf("unknown detector type %q", d.Type)
	}
	return nil
}

// Service returns the backend configuration of one sub-agent.
func (c *Config) Service(kind service.Kind) service.Config {
	if kind == service.Exporter {
		return c.Exporter
	}
	return c.Collector
}

// Identity parses the configured managed identity.
func (c *Config) Identity() (credential.Identity, error) {
	return credential.ParseIdentity(c.Credential.IdentifierName, c.Credential.IdentifierValue)
}

// GlobalEnv merges the optional OS environment, env_files in order, and the
// top-level env list; later sources win. Output is sorted.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
