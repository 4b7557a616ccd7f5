// Package template renders starter metricwatch configuration files.
package template

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType selects the sub-agent backend layout of the generated file.
type TemplateType string

const (
	TypeSystemd TemplateType = "systemd"
	TypeProcess TemplateType = "process"
	TypeMinimal TemplateType = "minimal"
)

// ConfigTemplate is the subset of the configuration worth showing in a
// starter file. Durations are written as strings.
type ConfigTemplate struct {
	CountersPath       string             `toml:"counters_path"`
	Interval           string             `toml:"interval"`
	InitialDelay       string             `toml:"initial_delay,omitempty"`
	MaxRestartAttempts int                `toml:"max_restart_attempts"`
	Alt                bool               `toml:"alt,omitempty"`
	Log                *LogSection        `toml:"log,omitempty"`
	Credential         *CredentialSection `toml:"credential,omitempty"`
	Collector          AgentSection       `toml:"collector"`
	Exporter           AgentSection       `toml:"exporter"`
	History            *HistorySection    `toml:"history,omitempty"`
	Server             *ServerSection     `toml:"server,omitempty"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file,omitempty"`
	Dir    string `toml:"dir,omitempty"`
}

type CredentialSection struct {
	IdentifierName  string `toml:"identifier_name"`
	IdentifierValue string `toml:"identifier_value"`
	CachePath       string `toml:"cache_path"`
}

type AgentSection struct {
	Backend        string `toml:"backend"`
	InstallCommand string `toml:"install_command,omitempty"`
	RemoveCommand  string `toml:"remove_command,omitempty"`
	Unit           string `toml:"unit,omitempty"`
	Description    string `toml:"description,omitempty"`
	Command        string `toml:"command,omitempty"`
	AltCommand     string `toml:"alt_command,omitempty"`
	PIDFile        string `toml:"pid_file,omitempty"`
	StopTimeout    string `toml:"stop_timeout,omitempty"`
}

type HistorySection struct {
	DSNs []string `toml:"dsns"`
}

type ServerSection struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

const counterPath = "/etc/opt/microsoft/azuremonitoragent/config-cache/metricCounters.json"

// Generator provides template generation functionality
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

func (g *Generator) Generate(t TemplateType) (*ConfigTemplate, error) {
	switch t {
	case TypeSystemd:
		return g.systemd(), nil
	case TypeProcess:
		return g.process(), nil
	case TypeMinimal:
		return &ConfigTemplate{
			CountersPath:       counterPath,
			Interval:           "30s",
			MaxRestartAttempts: 10,
			Collector:          AgentSection{Backend: "systemd", Unit: "metrics-sourcer"},
			Exporter:           AgentSection{Backend: "systemd", Unit: "metrics-extension"},
		}, nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: systemd, process, minimal)", t)
	}
}

// GenerateTOML renders the template with a short header.
func (g *Generator) GenerateTOML(t TemplateType) ([]byte, error) {
	tmpl, err := g.Generate(t)
	if err != nil {
		return nil, err
	}
	body, err := toml.Marshal(tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# metricwatch configuration (%s)\n# Every key can be overridden with METRICWATCH_<SECTION>_<KEY>.\n\n", t)
	buf.Write(body)
	return buf.Bytes(), nil
}

func (g *Generator) GetSupportedTypes() []string {
	return []string{string(TypeSystemd), string(TypeProcess), string(TypeMinimal)}
}

func (g *Generator) systemd() *ConfigTemplate {
	return &ConfigTemplate{
		CountersPath:       counterPath,
		Interval:           "30s",
		InitialDelay:       "30s",
		MaxRestartAttempts: 10,
		Log:                &LogSection{Level: "info", Format: "text", File: "/var/log/metricwatch/metricwatch.log"},
		Credential: &CredentialSection{
			CachePath: "/config/metrics_configs/AuthToken-MSI.json",
		},
		Collector: AgentSection{
			Backend:     "systemd",
			Unit:        "metrics-sourcer",
			Description: "Metrics collector",
			Command:     "/usr/sbin/metrics-sourcer --config /etc/metrics-sourcer/telegraf.conf",
		},
		Exporter: AgentSection{
			Backend:     "systemd",
			Unit:        "metrics-extension",
			Description: "Metrics exporter",
			Command:     "/usr/sbin/MetricsExtension -Logger Console -LogLevel Info",
		},
		History: &HistorySection{DSNs: []string{"sqlite:///var/lib/metricwatch/history.db"}},
		Server:  &ServerSection{Enabled: true, Addr: "127.0.0.1:8470"},
	}
}

func (g *Generator) process() *ConfigTemplate {
	return &ConfigTemplate{
		CountersPath:       counterPath,
		Interval:           "30s",
		InitialDelay:       "0s",
		MaxRestartAttempts: 10,
		Log:                &LogSection{Level: "info", Format: "json", Dir: "/var/log/metricwatch"},
		Collector: AgentSection{
			Backend:     "process",
			Command:     "/usr/sbin/metrics-sourcer --config /etc/metrics-sourcer/telegraf.conf",
			PIDFile:     "/run/metricwatch/collector.pid",
			StopTimeout: "10s",
		},
		Exporter: AgentSection{
			Backend:     "process",
			Command:     "/usr/sbin/MetricsExtension -Logger Console",
			AltCommand:  "/usr/sbin/MetricsExtension -Logger Console -Alt",
			PIDFile:     "/run/metricwatch/exporter.pid",
			StopTimeout: "10s",
		},
		Server: &ServerSection{Enabled: true, Addr: "127.0.0.1:8470"},
	}
}
