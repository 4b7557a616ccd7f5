package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/metricwatch/internal/detector"
)

// Status is a point-in-time view of a child process.
type Status struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitErr    string    `json:"exit_error,omitempty"`
	DetectedBy string    `json:"detected_by"`
}

// Process controls one spawned sub-agent. A process started by an earlier
// supervisor instance is still found through its pid file and detectors.
type Process struct {
	spec     Spec
	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	outW     io.WriteCloser
	errW     io.WriteCloser
	waitDone chan struct{} // closed once cmd.Wait returns
}

func New(spec Spec) *Process {
	return &Process{spec: spec, status: Status{Name: spec.Name}}
}

func (p *Process) Spec() Spec { return p.spec }

// Start spawns the child with the given merged environment (nil inherits the
// supervisor's). Starting an already running process is a no-op.
func (p *Process) Start(ctx context.Context, env []string) error {
	if alive, by := p.DetectAlive(ctx); alive {
		p.mu.Lock()
		p.status.DetectedBy = by
		p.mu.Unlock()
		return nil
	}

	// the child must outlive ctx
	cmd := p.spec.BuildCommand(context.Background())
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	outW, errW, err := p.spec.Log.Writers(p.spec.Name)
	if err != nil {
		return fmt.Errorf("%s: %w", p.spec.Name, err)
	}
	var devnull *os.File
	if outW == nil || errW == nil {
		devnull, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	cmd.Stdout, cmd.Stderr = writerOr(outW, devnull), writerOr(errW, devnull)

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW, devnull)
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	if devnull != nil {
		_ = devnull.Close()
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.outW, p.errW = outW, errW
	p.waitDone = done
	p.status = Status{
		Name:       p.spec.Name,
		Running:    true,
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		DetectedBy: "exec:pid",
	}
	p.mu.Unlock()

	go p.wait(cmd, done)

	if err := WritePIDFile(p.spec.PIDFile, cmd.Process.Pid); err != nil {
		return err
	}
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	if p.cmd == cmd {
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		if err != nil {
			p.status.ExitErr = err.Error()
		}
		closeAll(p.outW, p.errW)
		p.outW, p.errW = nil, nil
	}
	p.mu.Unlock()
	close(done)
}

// DetectAlive checks the owned child first, then the pid file, then the
// configured detectors.
func (p *Process) DetectAlive(ctx context.Context) (bool, string) {
	if p.ownedPID() > 0 {
		return true, "exec:pid"
	}
	dets := make([]detector.Detector, 0, len(p.spec.Detectors)+1)
	if p.spec.PIDFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: p.spec.PIDFile})
	}
	dets = append(dets, p.spec.Detectors...)
	return detector.Any(ctx, dets...)
}

// ownedPID returns the pid of the child spawned by this Process while it has
// not yet exited.
func (p *Process) ownedPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || p.waitDone == nil {
		return 0
	}
	select {
	case <-p.waitDone:
		return 0
	default:
		return p.cmd.Process.Pid
	}
}

// PID returns the live pid of the sub-agent, or 0.
func (p *Process) PID() int {
	if pid := p.ownedPID(); pid > 0 {
		return pid
	}
	if p.spec.PIDFile == "" {
		return 0
	}
	pid, meta, err := ReadPIDFile(p.spec.PIDFile)
	if err != nil || !detector.PIDAlive(pid) {
		return 0
	}
	if !detector.SameProcess(pid, meta) {
		return 0
	}
	return pid
}

// Stop sends SIGTERM to the sub-agent's process group and escalates to
// SIGKILL after the stop timeout. Stopping a process that is not running is a
// no-op. The pid file is removed either way.
func (p *Process) Stop(ctx context.Context) error {
	defer RemovePIDFile(p.spec.PIDFile)
	pid := p.PID()
	if pid <= 0 {
		return nil
	}
	if err := signalGroup(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("stop %s: %w", p.spec.Name, err)
	}
	if p.waitExit(ctx, pid, p.spec.stopTimeout()) {
		return nil
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	if p.waitExit(ctx, pid, time.Second) {
		return nil
	}
	return fmt.Errorf("stop %s: pid %d still alive after SIGKILL", p.spec.Name, pid)
}

func (p *Process) waitExit(ctx context.Context, pid int, d time.Duration) bool {
	p.mu.Lock()
	var done chan struct{}
	if p.cmd != nil && p.cmd.Process != nil && p.cmd.Process.Pid == pid {
		done = p.waitDone
	}
	p.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	if done != nil {
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if !detector.PIDAlive(pid) {
			return true
		}
		select {
		case <-tick.C:
		case <-timer.C:
			return !detector.PIDAlive(pid)
		case <-ctx.Done():
			return false
		}
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	return s
}

func writerOr(w io.WriteCloser, fallback *os.File) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
