package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/metricwatch/internal/config"
	"github.com/loykin/metricwatch/internal/service"
)

func TestGenerator_Unknown(t *testing.T) {
	if _, err := NewGenerator().Generate("web"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestGenerator_OutputLoads(t *testing.T) {
	g := NewGenerator()
	for _, typ := range g.GetSupportedTypes() {
		t.Run(typ, func(t *testing.T) {
			b, err := g.GenerateTOML(TemplateType(typ))
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if !strings.HasPrefix(string(b), "# metricwatch configuration") {
				t.Fatalf("missing header: %q", string(b[:40]))
			}
			p := filepath.Join(t.TempDir(), "metricwatch.toml")
			if err := os.WriteFile(p, b, 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			c, err := config.Load(p)
			if err != nil {
				t.Fatalf("load generated config: %v\n%s", err, b)
			}
			if err := c.Validate(); err != nil {
				t.Fatalf("generated config invalid: %v\n%s", err, b)
			}
			if c.MaxRestartAttempts != 10 {
				t.Fatalf("max_restart_attempts = %d", c.MaxRestartAttempts)
			}
		})
	}
}

func TestGenerator_ProcessBackend(t *testing.T) {
	b, err := NewGenerator().GenerateTOML(TypeProcess)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	p := filepath.Join(t.TempDir(), "m.toml")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := config.Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ex := c.Service(service.Exporter)
	if ex.Backend != service.BackendProcess || ex.AltCommand == "" || ex.PIDFile != "/run/metricwatch/exporter.pid" {
		t.Fatalf("unexpected exporter config: %+v", ex)
	}
	if c.InitialDelay != 0 {
		t.Fatalf("initial_delay = %v", c.InitialDelay)
	}
}
