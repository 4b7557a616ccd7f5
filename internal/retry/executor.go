package retry

import (
	"context"
	"regexp"
	"time"

	"github.com/loykin/metricwatch/internal/clock"
	"github.com/loykin/metricwatch/internal/logger"
)

// DefaultInitialBackoff is the first wait between attempts when a Policy
// does not set one.
const DefaultInitialBackoff = 30 * time.Second

// DpkgLockedExitCode is the dedicated code for a package manager that stayed
// locked through every retry.
const DpkgLockedExitCode = 56

// CheckFunc decides whether another attempt is warranted. When verbose is
// true the next attempt runs with " -v" appended.
type CheckFunc func(exitCode int, output string) (retry bool, message string, verbose bool)

// FinalFunc remaps the last exit code once retries stop.
type FinalFunc func(exitCode int, output string) int

// Policy configures RunWithRetries.
type Policy struct {
	MaxRetries     int
	Check          CheckFunc
	Final          FinalFunc
	InitialBackoff time.Duration
	Multiplier     float64
}

// Executor wraps a Runner with logging and bounded retries.
type Executor struct {
	runner Runner
	clk    clock.Clock
	log    logger.Sink
	// LogCommand controls whether the command text is included in logs.
	LogCommand bool
}

func NewExecutor(r Runner, clk clock.Clock, log logger.Sink) *Executor {
	if r == nil {
		r = ShellRunner{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{runner: r, clk: clk, log: log.OrDiscard(), LogCommand: true}
}

// Run executes cmd once and logs its output.
func (e *Executor) Run(ctx context.Context, cmd string) (int, string) {
	code, out := e.runner.Run(ctx, cmd)
	if e.LogCommand {
		e.log.Info("command finished", "cmd", cmd, "exit_code", code, "output", out)
	} else {
		e.log.Info("command finished", "exit_code", code, "output", out)
	}
	return code, out
}

// RunWithRetries runs cmd up to MaxRetries+1 times while p.Check asks for a
// retry, sleeping a growing backoff in between, then applies p.Final.
func (e *Executor) RunWithRetries(ctx context.Context, cmd string, p Policy) (int, string) {
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultInitialBackoff
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	var (
		code    int
		out     string
		verbose bool
	)
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		runCmd := cmd
		if verbose {
			runCmd = cmd + " -v"
		}
		code, out = e.Run(ctx, runCmd)
		if p.Check == nil {
			break
		}
		var retry bool
		var msg string
		retry, msg, verbose = p.Check(code, out)
		if !retry || attempt == p.MaxRetries {
			break
		}
		e.log.Info(msg, "attempt", attempt+1, "backoff", backoff)
		if err := clock.Sleep(ctx, e.clk, backoff); err != nil {
			break
		}
		backoff = time.Duration(float64(backoff) * mult)
	}
	if p.Final != nil {
		code = p.Final(code, out)
	}
	return code, out
}

var dpkgLockedRe = regexp.MustCompile(`(?m)^.*dpkg.+lock.*$`)

// IsDpkgLocked reports whether a failed command was blocked by the dpkg lock.
func IsDpkgLocked(exitCode int, output string) bool {
	return exitCode != 0 && dpkgLockedRe.MatchString(output)
}

// RetryIfDpkgLocked is a CheckFunc retrying only on package manager lock contention.
func RetryIfDpkgLocked(exitCode int, output string) (bool, string, bool) {
	if IsDpkgLocked(exitCode, output) {
		return true, "Retrying command because package manager is locked.", false
	}
	return false, "", false
}

// FinalCheckDpkgLocked maps a persistent lock onto DpkgLockedExitCode.
func FinalCheckDpkgLocked(exitCode int, output string) int {
	if IsDpkgLocked(exitCode, output) {
		return DpkgLockedExitCode
	}
	return exitCode
}
