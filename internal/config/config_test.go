package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/metricwatch/internal/counters"
	"github.com/loykin/metricwatch/internal/credential"
	"github.com/loykin/metricwatch/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "metricwatch.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, counters.DefaultPath, c.CountersPath)
	assert.Equal(t, 30*time.Second, c.Interval)
	assert.Equal(t, 30*time.Second, c.InitialDelay)
	assert.Equal(t, 10, c.MaxRestartAttempts)
	assert.Equal(t, service.BackendSystemd, c.Collector.Backend)
	assert.Equal(t, "metrics-sourcer", c.Collector.Unit)
	assert.Equal(t, "metrics-extension", c.Exporter.Unit)
	assert.Equal(t, DefaultTokenPath, c.Credential.CachePath)
	assert.Equal(t, credential.DefaultRefreshMargin, c.Credential.RefreshMargin)
	assert.True(t, c.Watch)
	assert.True(t, c.Server.Enabled)
	assert.Equal(t, DefaultAddr, c.Server.Addr)
	assert.False(t, c.Server.Auth.Enabled)
	assert.False(t, c.Server.TLS.Enabled)
	assert.Equal(t, credential.DefaultIMDSAPIVersion, c.Credential.APIVersion)
}

func TestLoad_ServerSection(t *testing.T) {
	p := writeTOML(t, `
[server]
addr = "0.0.0.0:9443"
base_path = "/mw"

[server.auth]
enabled = true
token = "s3cret"

[server.tls]
enabled = true
dir = "/etc/metricwatch/tls"
auto_generate = true
dns_names = ["node-1"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "/mw", c.Server.BasePath)
	assert.True(t, c.Server.Auth.Enabled)
	assert.Equal(t, "s3cret", c.Server.Auth.Token)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, []string{"node-1"}, c.Server.TLS.DNSNames)
	assert.Equal(t, 365, c.Server.TLS.ValidDays)
}

func TestLoad_File(t *testing.T) {
	p := writeTOML(t, `
counters_path = "/tmp/counters.json"
interval = "5s"
initial_delay = "0s"
max_restart_attempts = 3
alt = true

[log]
level = "debug"
format = "json"

[credential]
identifier_name = "client_id"
identifier_value = "6f1c2f8e-3d43-4c5e-9d1a-2b7f0a4c9e11"

[collector]
backend = "process"
command = "/usr/bin/collector --config /etc/collector.conf"
alt_command = "/usr/bin/collector --alt"
pid_file = "/run/collector.pid"
  [[collector.detectors]]
  type = "name"
  name = "collector"

[exporter]
backend = "systemd"
unit = "exporter.service"
install_command = "dpkg -i /opt/exporter.deb"

[history]
dsns = ["sqlite:///var/lib/metricwatch/history.db"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "/tmp/counters.json", c.CountersPath)
	assert.Equal(t, 5*time.Second, c.Interval)
	assert.Equal(t, time.Duration(0), c.InitialDelay)
	assert.Equal(t, 3, c.MaxRestartAttempts)
	assert.True(t, c.Alt)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)

	col := c.Service(service.Collector)
	assert.Equal(t, service.BackendProcess, col.Backend)
	assert.Equal(t, "/usr/bin/collector --alt", col.AltCommand)
	require.Len(t, col.Detectors, 1)
	assert.Equal(t, "name", col.Detectors[0].Type)
	assert.Equal(t, "dpkg -i /opt/exporter.deb", c.Service(service.Exporter).InstallCommand)
	assert.Equal(t, []string{"sqlite:///var/lib/metricwatch/history.db"}, c.History.DSNs)

	id, err := c.Identity()
	require.NoError(t, err)
	assert.Equal(t, credential.ClientID, id.Kind)
}

func TestLoad_EnvOverride(t *testing.T) {
	p := writeTOML(t, "interval = \"5s\"\n[server]\naddr = \"127.0.0.1:1\"\n")
	t.Setenv("METRICWATCH_INTERVAL", "45s")
	t.Setenv("METRICWATCH_SERVER_ADDR", "0.0.0.0:9999")
	t.Setenv("METRICWATCH_COLLECTOR_UNIT", "custom-collector")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, c.Interval)
	assert.Equal(t, "0.0.0.0:9999", c.Server.Addr)
	assert.Equal(t, "custom-collector", c.Collector.Unit)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{"zero interval", func(c *Config) { c.Interval = 0 }, ErrInvalid},
		{"zero budget", func(c *Config) { c.MaxRestartAttempts = 0 }, ErrInvalid},
		{"unknown backend", func(c *Config) { c.Collector.Backend = "initd" }, service.ErrUnknownBackend},
		{"systemd without unit", func(c *Config) { c.Exporter.Unit = "" }, ErrInvalid},
		{"process without command", func(c *Config) {
			c.Collector.Backend = service.BackendProcess
		}, ErrInvalid},
		{"bad detector", func(c *Config) {
			c.Collector.Backend = service.BackendProcess
			c.Collector.Command = "sleep 1"
			c.Collector.Detectors = []service.DetectorConfig{{Type: "pidfile"}}
		}, ErrInvalid},
		{"unsupported dsn", func(c *Config) { c.History.DSNs = []string{"mysql://db/history"} }, ErrInvalid},
		{"empty dsn", func(c *Config) { c.History.DSNs = []string{" "} }, ErrInvalid},
		{"auth without secrets", func(c *Config) { c.Server.Auth.Enabled = true }, ErrInvalid},
		{"auth bad hash", func(c *Config) {
			c.Server.Auth.Enabled = true
			c.Server.Auth.Username = "ops"
			c.Server.Auth.PasswordHash = "plain"
		}, ErrInvalid},
		{"tls cert without key", func(c *Config) {
			c.Server.TLS.Enabled = true
			c.Server.TLS.CertFile = "/etc/metricwatch/tls.crt"
		}, ErrInvalid},
		{"tls without material", func(c *Config) { c.Server.TLS.Enabled = true }, ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Load("")
			require.NoError(t, err)
			tc.mutate(c)
			err = c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.target), "got %v", err)
		})
	}
}

func TestIdentity_Invalid(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	c.Credential.IdentifierName = "object_id"
	c.Credential.IdentifierValue = "not-a-guid"
	_, err = c.Identity()
	require.ErrorIs(t, err, credential.ErrInvalidIdentity)
	// identity problems are not structural
	require.NoError(t, c.Validate())
}

func TestGlobalEnv_Merge(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n#comment\nB=file\nC=${OS_ONLY}-x\n"), 0o644))
	t.Setenv("OS_ONLY", "osv")

	c := &Config{EnvFiles: []string{dotenv}, Env: []string{"B=top"}}
	got, err := c.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=top", "C=${OS_ONLY}-x"}, got)

	c.UseOSEnv = true
	got, err = c.GlobalEnv()
	require.NoError(t, err)
	assert.Contains(t, got, "OS_ONLY=osv")
}

func TestGlobalEnv_MissingFile(t *testing.T) {
	c := &Config{EnvFiles: []string{filepath.Join(t.TempDir(), "missing.env")}}
	_, err := c.GlobalEnv()
	require.Error(t, err)
}
