package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/metricwatch/internal/auth"
	"github.com/loykin/metricwatch/internal/config"
	"github.com/loykin/metricwatch/internal/manager"
	"github.com/loykin/metricwatch/internal/process"
	"github.com/loykin/metricwatch/pkg/client"
	"github.com/loykin/metricwatch/pkg/template"
)

const previousInstanceWait = 10 * time.Second

// command carries what every subcommand needs.
type command struct {
	out    io.Writer
	global *GlobalFlags
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// loadConfig loads and validates the configuration. Identity settings are
// not part of this check; the supervisor falls back to the default identity.
func (c command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Run is the daemon entry point.
func (c command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Daemonize {
		return daemonize(f.LogFile)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	marker := cfg.PIDMarker
	if f.PIDMarker != "" {
		marker = f.PIDMarker
	}
	if !f.NoMarker && marker != "" {
		if pid, err := process.TerminatePrevious(ctx, marker, isMetricwatchRun, previousInstanceWait); err != nil {
			return fmt.Errorf("previous instance: %w", err)
		} else if pid > 0 {
			c.printf("terminated previous instance (pid %d)\n", pid)
		}
		if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
			return fmt.Errorf("pid marker dir: %w", err)
		}
		if err := process.WriteMarker(marker); err != nil {
			return fmt.Errorf("write pid marker: %w", err)
		}
		defer func() { _ = removeMarker(marker) }()
	}

	mgr, err := manager.New(ctx, cfg, manager.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	return mgr.Run(ctx)
}

// isMetricwatchRun matches the command line of a `metricwatch run` process.
func isMetricwatchRun(cmdline []string) bool {
	if len(cmdline) < 2 || !strings.Contains(filepath.Base(cmdline[0]), "metricwatch") {
		return false
	}
	for _, a := range cmdline[1:] {
		if a == "run" {
			return true
		}
	}
	return false
}

// removeMarker deletes the marker only while it still names this process.
func removeMarker(path string) error {
	pid, _, err := process.ReadPIDFile(path)
	if err != nil || pid != os.Getpid() {
		return err
	}
	return os.Remove(path)
}

// Once runs a single cycle without the status server.
func (c command) Once(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	cfg.Server.Enabled = false
	cfg.Watch = false
	mgr, err := manager.New(ctx, cfg, manager.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	cycleErr := mgr.RunOnce(ctx)
	printJSON(c.out, mgr.Supervisor().Snapshot())
	return cycleErr
}

func (c command) Validate() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Credential.Enabled {
		if _, err := cfg.Identity(); err != nil {
			return err
		}
	}
	src := c.global.ConfigPath
	if src == "" {
		src = "defaults"
	}
	c.printf("configuration OK (%s)\n", src)
	return nil
}

func (c command) newClient(f StatusFlags) (*client.Client, error) {
	base := f.APIUrl
	if base == "" {
		// an unreadable config only costs us the address
		cfg, err := config.Load(c.global.ConfigPath)
		if err == nil {
			base = baseURLFor(cfg)
		}
	}
	cc := client.Config{
		BaseURL:  base,
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
		Token:    f.Token,
		Username: f.Username,
		Password: f.Password,
	}
	if f.CACert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cc)
}

func baseURLFor(cfg *config.Config) string {
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	addr := cfg.Server.Addr
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return scheme + "://" + addr + strings.TrimRight(cfg.Server.BasePath, "/")
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	cl, err := c.newClient(f)
	if err != nil {
		return err
	}
	switch {
	case f.Reconcile:
		if err := cl.Reconcile(ctx); err != nil {
			return err
		}
		c.printf("cycle requested\n")
	case f.Health:
		h, err := cl.Health(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, h)
		if !h.OK {
			return fmt.Errorf("unhealthy: %s", h.Reason)
		}
	case f.History > 0:
		events, err := cl.History(ctx, f.History)
		if err != nil {
			return err
		}
		printJSON(c.out, events)
	case f.Kind != "":
		p, err := cl.Process(ctx, f.Kind)
		if err != nil {
			return err
		}
		printJSON(c.out, p)
	default:
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
	}
	return nil
}

func (c command) Init(f InitFlags) error {
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", f.Output)
	}
	content, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type))
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	if dir := filepath.Dir(f.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(f.Output, content, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	c.printf("%s config written to %s\n", f.Type, f.Output)
	c.printf("check it with: metricwatch validate --config %s\n", f.Output)
	return nil
}

func (c command) HashPassword(in io.Reader, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password is empty")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	c.printf("%s\n", hash)
	return nil
}

func (c command) Token(f TokenFlags) error {
	secret := f.Secret
	if secret == "" {
		cfg, err := config.Load(c.global.ConfigPath)
		if err != nil {
			return err
		}
		secret = cfg.Server.Auth.JWTSecret
	}
	if secret == "" {
		return errors.New("no secret: pass --secret or set [server.auth] jwt_secret")
	}
	tok, err := auth.IssueJWT(secret, f.Subject, f.TTL)
	if err != nil {
		return err
	}
	c.printf("%s\n", tok)
	return nil
}
