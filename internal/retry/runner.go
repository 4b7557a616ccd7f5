package retry

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// PermissionDeniedExitCode is reported when a command's output shows it was
// refused by the OS.
const PermissionDeniedExitCode = 52

// Runner executes one external command synchronously and returns its exit
// code and trimmed combined output.
type Runner interface {
	Run(ctx context.Context, cmd string) (int, string)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd string) (int, string)

func (f RunnerFunc) Run(ctx context.Context, cmd string) (int, string) { return f(ctx, cmd) }

// ShellRunner runs commands directly, falling back to /bin/sh -c when shell
// metacharacters are present.
type ShellRunner struct{}

// buildCommand avoids invoking a shell unless the command needs one (G204 mitigation).
func buildCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (ShellRunner) Run(ctx context.Context, cmd string) (int, string) {
	c := buildCommand(ctx, cmd)
	out, err := c.CombinedOutput()
	output := strings.TrimSpace(string(out))
	code := 0
	if err != nil {
		var ee *exec.ExitError
		switch {
		case errors.As(err, &ee):
			code = ee.ExitCode()
			if code < 0 {
				code = 1
			}
		default:
			// not started at all (missing binary, cancelled context)
			code = 127
			if output == "" {
				output = err.Error()
			} else {
				output += "\n" + err.Error()
			}
		}
	}
	if strings.Contains(output, "Permission denied") {
		code = PermissionDeniedExitCode
	}
	return code, output
}
