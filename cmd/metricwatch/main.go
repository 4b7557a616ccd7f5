package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command. Output of informational commands goes
// to out so tests can capture it.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out, global: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createRunCommand(c),
		createOnceCommand(c),
		createValidateCommand(c),
		createStatusCommand(c),
		createInitCommand(c),
		createHashPasswordCommand(c),
		createTokenCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "metricwatch",
		Short: "Supervise the metrics collector and exporter sub-agents",
		Long: `metricwatch polls the counter configuration file and keeps the metrics
collector and exporter installed, running and credentialed while counters
are configured.

Examples:
  metricwatch run --config /etc/metricwatch/config.toml
  metricwatch once --config config.toml
  metricwatch validate --config config.toml
  metricwatch status --api-url http://127.0.0.1:8470`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", os.Getenv("METRICWATCH_CONFIG"), "path to TOML config file (optional)")
	return root
}

func createRunCommand(c command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor loop until interrupted",
		Long: `Run the supervisor loop in the foreground. SIGINT and SIGTERM stop it
gracefully. A previous instance recorded in the pid marker is terminated
first.

Examples:
  metricwatch run
  metricwatch run --daemonize --logfile /var/log/metricwatch.out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	cmd.Flags().StringVar(&f.PIDMarker, "pid-marker", "", "override the pid marker path")
	cmd.Flags().BoolVar(&f.NoMarker, "no-marker", false, "do not write or honour the pid marker")
	return cmd
}

func createOnceCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single supervisor cycle and print the resulting state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Once(cmd.Context())
		},
	}
}

func createValidateCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration, including managed identity settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate()
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [kind]",
		Short: "Query the status API of a running supervisor",
		Long: `Query a running supervisor. Without arguments the full state is printed;
with a kind (collector or exporter) only that sub-agent.

Examples:
  metricwatch status
  metricwatch status exporter
  metricwatch status --history 20
  metricwatch status --health`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Kind = args[0]
			}
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "status API base URL (default from [server].addr)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("METRICWATCH_TOKEN"), "bearer token or JWT")
	cmd.Flags().StringVar(&f.Username, "username", "", "basic auth user")
	cmd.Flags().StringVar(&f.Password, "password", "", "basic auth password")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA bundle for the server certificate")
	cmd.Flags().IntVar(&f.History, "history", 0, "print the last N history events instead")
	cmd.Flags().BoolVar(&f.Health, "health", false, "print /healthz instead")
	cmd.Flags().BoolVar(&f.Reconcile, "reconcile", false, "ask the supervisor to run a cycle now")
	return cmd
}

func createInitCommand(c command) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a starter configuration file.

Examples:
  metricwatch init --type systemd --output /etc/metricwatch/config.toml
  metricwatch init --type process`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(*f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "systemd", "template type (systemd, process, minimal)")
	cmd.Flags().StringVar(&f.Output, "output", "metricwatch.toml", "output file")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

func createHashPasswordCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for [server.auth] password_hash",
		Long: `Print a bcrypt hash for [server.auth] password_hash. The password is
read from stdin when not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(cmd.InOrStdin(), args)
		},
	}
}

func createTokenCommand(c command) *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT accepted by the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Token(*f)
		},
	}
	cmd.Flags().StringVar(&f.Secret, "secret", "", "HS256 secret (default [server.auth] jwt_secret)")
	cmd.Flags().StringVar(&f.Subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&f.TTL, "ttl", time.Hour, "token lifetime")
	return cmd
}
