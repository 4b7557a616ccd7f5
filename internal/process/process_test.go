package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/metricwatch/internal/detector"
	"github.com/loykin/metricwatch/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitUntil(timeout, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func TestBuildCommand(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()

	c := Spec{Command: "telegraf --config /etc/telegraf.conf"}.BuildCommand(ctx)
	assert.Equal(t, []string{"telegraf", "--config", "/etc/telegraf.conf"}, c.Args)

	c = Spec{Command: "sh -c 'echo hi > /tmp/x'"}.BuildCommand(ctx)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi > /tmp/x"}, c.Args)

	c = Spec{Command: "echo $HOME"}.BuildCommand(ctx)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo $HOME"}, c.Args)

	c = Spec{}.BuildCommand(ctx)
	assert.Contains(t, c.String(), "/bin/true")
}

func TestStartWritesPIDFileAndStatus(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	pidfile := filepath.Join(t.TempDir(), "collector.pid")
	p := New(Spec{Name: "collector", Command: "sleep 5", PIDFile: pidfile, StopTimeout: time.Second})

	require.NoError(t, p.Start(ctx, nil))
	t.Cleanup(func() { _ = p.Stop(ctx) })

	st := p.Snapshot()
	assert.True(t, st.Running)
	assert.Positive(t, st.PID)
	assert.Equal(t, "collector", st.Name)

	pid, _, err := ReadPIDFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, st.PID, pid)

	alive, by := p.DetectAlive(ctx)
	assert.True(t, alive)
	assert.Equal(t, "exec:pid", by)
	assert.Equal(t, st.PID, p.PID())
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	p := New(Spec{Name: "exporter", Command: "sleep 5", StopTimeout: time.Second})
	require.NoError(t, p.Start(ctx, nil))
	t.Cleanup(func() { _ = p.Stop(ctx) })
	first := p.PID()

	require.NoError(t, p.Start(ctx, nil))
	assert.Equal(t, first, p.PID())
}

func TestStopTerminatesAndRemovesPIDFile(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	pidfile := filepath.Join(t.TempDir(), "exporter.pid")
	p := New(Spec{Name: "exporter", Command: "sleep 30", PIDFile: pidfile, StopTimeout: time.Second})
	require.NoError(t, p.Start(ctx, nil))

	require.NoError(t, p.Stop(ctx))
	alive, _ := p.DetectAlive(ctx)
	assert.False(t, alive)
	assert.False(t, p.Snapshot().Running)
	_, err := os.Stat(pidfile)
	assert.True(t, os.IsNotExist(err))

	// stopping again is a no-op
	require.NoError(t, p.Stop(ctx))
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	p := New(Spec{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; sleep 30'", StopTimeout: 200 * time.Millisecond})
	require.NoError(t, p.Start(ctx, nil))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)
	alive, _ := p.DetectAlive(ctx)
	assert.False(t, alive)
}

func TestExitIsObserved(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	p := New(Spec{Name: "short", Command: "sh -c 'exit 3'"})
	require.NoError(t, p.Start(ctx, nil))

	ok := waitUntil(2*time.Second, 10*time.Millisecond, func() bool { return !p.Snapshot().Running })
	require.True(t, ok, "exit not observed")
	assert.Contains(t, p.Snapshot().ExitErr, "exit status 3")
	alive, _ := p.DetectAlive(ctx)
	assert.False(t, alive)
}

func TestStartAppliesEnvWorkdirAndLogs(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	logs := filepath.Join(dir, "logs")

	p := New(Spec{
		Name:    "cfg",
		Command: "sh -c 'echo $FOO; pwd; echo oops 1>&2'",
		WorkDir: work,
		Log:     logger.Config{Dir: logs},
	})
	require.NoError(t, p.Start(ctx, []string{"FOO=bar", "PATH=" + os.Getenv("PATH")}))
	require.True(t, waitUntil(2*time.Second, 10*time.Millisecond, func() bool { return !p.Snapshot().Running }))

	out, err := os.ReadFile(filepath.Join(logs, "cfg.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "bar")
	assert.Contains(t, string(out), work)
	errOut, err := os.ReadFile(filepath.Join(logs, "cfg.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops", strings.TrimSpace(string(errOut)))
}

func TestDetectAliveFallsBackToDetectors(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	p := New(Spec{Name: "external", Detectors: []detector.Detector{detector.CommandDetector{Command: "true"}}})
	alive, by := p.DetectAlive(ctx)
	assert.True(t, alive)
	assert.Equal(t, "cmd:true", by)
}

func TestPIDFileSurvivesNewProcessValue(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	pidfile := filepath.Join(t.TempDir(), "collector.pid")
	spec := Spec{Name: "collector", Command: "sleep 30", PIDFile: pidfile, StopTimeout: time.Second}
	first := New(spec)
	require.NoError(t, first.Start(ctx, nil))
	t.Cleanup(func() { _ = first.Stop(ctx) })

	// a fresh value, as after a supervisor restart, finds the child via the pid file
	second := New(spec)
	alive, by := second.DetectAlive(ctx)
	assert.True(t, alive)
	assert.Equal(t, "pidfile:"+pidfile, by)
	assert.Equal(t, first.PID(), second.PID())

	require.NoError(t, second.Stop(ctx))
	assert.True(t, waitUntil(2*time.Second, 10*time.Millisecond, func() bool { return !first.Snapshot().Running }))
}

func TestTerminatePrevious(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "metricwatch.pid")

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	reaped := make(chan struct{})
	go func() { _ = cmd.Wait(); close(reaped) }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	require.NoError(t, WritePIDFile(marker, cmd.Process.Pid))

	// a command line that does not match is left alone
	pid, err := TerminatePrevious(ctx, marker, func(args []string) bool { return false }, time.Second)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.True(t, detector.PIDAlive(cmd.Process.Pid))

	pid, err = TerminatePrevious(ctx, marker, func(args []string) bool {
		return len(args) > 0 && filepath.Base(args[0]) == "sleep"
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
	select {
	case <-reaped:
	case <-time.After(2 * time.Second):
		t.Fatal("previous instance still running")
	}
}

func TestTerminatePreviousMissingMarker(t *testing.T) {
	pid, err := TerminatePrevious(context.Background(), filepath.Join(t.TempDir(), "none.pid"), nil, time.Second)
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestWriteMarkerRecordsSelf(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "run", "metricwatch.pid")
	require.NoError(t, WriteMarker(marker))
	pid, _, err := ReadPIDFile(marker)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// never terminates itself
	got, err := TerminatePrevious(context.Background(), marker, func([]string) bool { return true }, time.Second)
	require.NoError(t, err)
	assert.Zero(t, got)
}
