package retry

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/metricwatch/internal/clock"
	"github.com/loykin/metricwatch/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	next  func(n int) (int, string)
}

func (r *scriptedRunner) Run(_ context.Context, cmd string) (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	return r.next(len(r.calls))
}

// instantClock fires every After immediately and records requested waits.
type instantClock struct {
	clock.Real
	waits []time.Duration
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

const lockedOutput = "E: Could not get lock /var/lib/dpkg/lock-frontend - open (11: Resource temporarily unavailable)\nE: dpkg frontend lock is held by another process"

func TestRunWithRetries_LockedUntilCapMapsToLockedCode(t *testing.T) {
	r := &scriptedRunner{next: func(int) (int, string) { return 100, lockedOutput }}
	clk := &instantClock{}
	e := NewExecutor(r, clk, logger.Discard())

	code, out := e.RunWithRetries(context.Background(), "apt-get install -y collector", Policy{
		MaxRetries:     5,
		Check:          RetryIfDpkgLocked,
		Final:          FinalCheckDpkgLocked,
		InitialBackoff: time.Second,
		Multiplier:     2,
	})

	assert.Equal(t, DpkgLockedExitCode, code)
	assert.Equal(t, lockedOutput, out)
	assert.Len(t, r.calls, 6, "initial attempt plus MaxRetries retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, clk.waits)
}

func TestRunWithRetries_StopsWhenCheckSaysNo(t *testing.T) {
	r := &scriptedRunner{next: func(n int) (int, string) {
		if n < 3 {
			return 100, lockedOutput
		}
		return 0, "done"
	}}
	e := NewExecutor(r, &instantClock{}, logger.Discard())
	code, out := e.RunWithRetries(context.Background(), "dpkg -i x.deb", Policy{
		MaxRetries: 10, Check: RetryIfDpkgLocked, Final: FinalCheckDpkgLocked, InitialBackoff: time.Millisecond,
	})
	assert.Equal(t, 0, code)
	assert.Equal(t, "done", out)
	assert.Len(t, r.calls, 3)
}

func TestRunWithRetries_VerboseAppendsFlag(t *testing.T) {
	r := &scriptedRunner{next: func(n int) (int, string) { return n % 2, "" }}
	e := NewExecutor(r, &instantClock{}, logger.Discard())
	check := func(code int, _ string) (bool, string, bool) { return code != 0, "again", true }
	e.RunWithRetries(context.Background(), "rpm -i x.rpm", Policy{MaxRetries: 3, Check: check, InitialBackoff: time.Millisecond})
	require.Len(t, r.calls, 2)
	assert.Equal(t, "rpm -i x.rpm", r.calls[0])
	assert.Equal(t, "rpm -i x.rpm -v", r.calls[1])
}

func TestRunWithRetries_NoCheckRunsOnce(t *testing.T) {
	r := &scriptedRunner{next: func(int) (int, string) { return 3, "nope" }}
	e := NewExecutor(r, &instantClock{}, logger.Discard())
	code, _ := e.RunWithRetries(context.Background(), "false", Policy{MaxRetries: 4})
	assert.Equal(t, 3, code)
	assert.Len(t, r.calls, 1)
}

func TestRunWithRetries_CancelledContextStopsBackoff(t *testing.T) {
	r := &scriptedRunner{next: func(int) (int, string) { return 100, lockedOutput }}
	fake := clock.NewFake(time.Unix(0, 0))
	e := NewExecutor(r, fake, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, _ := e.RunWithRetries(ctx, "apt-get update", Policy{
		MaxRetries: 5, Check: RetryIfDpkgLocked, Final: FinalCheckDpkgLocked, InitialBackoff: time.Hour,
	})
	assert.Equal(t, DpkgLockedExitCode, code)
	assert.Len(t, r.calls, 1)
}

func TestIsDpkgLocked(t *testing.T) {
	assert.True(t, IsDpkgLocked(1, lockedOutput))
	assert.False(t, IsDpkgLocked(0, lockedOutput), "success is never locked")
	assert.False(t, IsDpkgLocked(1, "E: Unable to locate package"))
}

func TestShellRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	var r ShellRunner
	code, out := r.Run(context.Background(), "echo hello")
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello", out)

	code, _ = r.Run(context.Background(), "sh -c 'exit 7'")
	assert.Equal(t, 7, code)

	code, out = r.Run(context.Background(), "echo 'Permission denied' 1>&2; exit 1")
	assert.Equal(t, PermissionDeniedExitCode, code)
	assert.True(t, strings.Contains(out, "Permission denied"))

	code, _ = r.Run(context.Background(), "definitely-not-a-binary-xyz")
	assert.Equal(t, 127, code)
}
