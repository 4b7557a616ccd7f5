package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/metricwatch/internal/detector"
	"github.com/loykin/metricwatch/internal/env"
	"github.com/loykin/metricwatch/internal/logger"
	"github.com/loykin/metricwatch/internal/process"
)

// Process runs the sub-agent as a direct child with rotated output logs.
// Install and Remove only run the configured hooks; normal and alternate
// modes each get their own child.
type Process struct {
	kind  Kind
	cfg   Config
	env   *env.Env
	hooks hooks
	log   logger.Sink
	procs [2]*process.Process // [normal, alt]
}

func NewProcess(kind Kind, cfg Config, deps Deps) (*Process, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%s: process backend requires a command", kind)
	}
	dets, err := buildDetectors(cfg.Detectors)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	p := &Process{
		kind:  kind,
		cfg:   cfg,
		env:   deps.Env,
		hooks: newHooks(kind, cfg, deps.Exec),
		log:   deps.Log.OrDiscard(),
	}
	for i, alt := range []bool{false, true} {
		cmd := cfg.Command
		name := string(kind)
		pidFile := cfg.PIDFile
		if alt {
			if cfg.AltCommand != "" {
				cmd = cfg.AltCommand
			}
			name += "-alt"
			if pidFile != "" {
				pidFile += ".alt"
			}
		}
		p.procs[i] = process.New(process.Spec{
			Name:        name,
			Command:     cmd,
			WorkDir:     cfg.WorkDir,
			Env:         cfg.Env,
			PIDFile:     pidFile,
			StopTimeout: cfg.StopTimeout,
			Detectors:   dets,
			Log:         cfg.Log,
		})
	}
	return p, nil
}

func buildDetectors(cfgs []DetectorConfig) ([]detector.Detector, error) {
	var out []detector.Detector
	for _, c := range cfgs {
		switch strings.ToLower(c.Type) {
		case "pidfile":
			out = append(out, detector.PIDFileDetector{PIDFile: c.Path})
		case "pid":
			out = append(out, detector.PIDDetector{PID: c.PID})
		case "command":
			out = append(out, detector.CommandDetector{Command: c.Command})
		case "name":
			out = append(out, detector.NameDetector{Name: c.Name})
		default:
			return nil, fmt.Errorf("unknown detector type %q", c.Type)
		}
	}
	return out, nil
}

func (p *Process) proc(alt bool) *process.Process {
	if alt {
		return p.procs[1]
	}
	return p.procs[0]
}

func (p *Process) Kind() Kind { return p.kind }

func (p *Process) Install(ctx context.Context, _ bool) Result {
	return p.hooks.run(ctx, "install", p.cfg.InstallCommand)
}

func (p *Process) Remove(ctx context.Context, _ bool) Result {
	return p.hooks.run(ctx, "remove", p.cfg.RemoveCommand)
}

func (p *Process) Start(ctx context.Context, alt bool) Result {
	pr := p.proc(alt)
	if err := pr.Start(ctx, p.env.Merge(pr.Spec().Env)); err != nil {
		return fail("%s: %v", p.kind, err)
	}
	return ok("%s: started pid %d", p.kind, pr.PID())
}

func (p *Process) Stop(ctx context.Context, alt bool) Result {
	if err := p.proc(alt).Stop(ctx); err != nil {
		return fail("%s: %v", p.kind, err)
	}
	return ok("%s: stopped", p.kind)
}

func (p *Process) IsRunning(ctx context.Context, alt bool) bool {
	alive, _ := p.proc(alt).DetectAlive(ctx)
	return alive
}

func (p *Process) MainPID(_ context.Context, alt bool) int { return p.proc(alt).PID() }
