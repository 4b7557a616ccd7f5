// Package servicetest provides an in-memory service.Service for tests.
package servicetest

import (
	"context"
	"sync"

	"github.com/loykin/metricwatch/internal/service"
)

// Fake records every call and keeps a running flag that Start and Stop flip
// unless told to fail.
type Fake struct {
	mu        sync.Mutex
	kind      service.Kind
	running   bool
	installed bool
	calls     []string
	alts      []bool

	FailStart   bool
	FailStop    bool
	FailInstall bool
	// StartKeepsDown makes Start report success without the agent coming up.
	StartKeepsDown bool
}

func New(kind service.Kind) *Fake { return &Fake{kind: kind} }

func (f *Fake) record(op string, alt bool) {
	f.calls = append(f.calls, op)
	f.alts = append(f.alts, alt)
}

func (f *Fake) Kind() service.Kind { return f.kind }

func (f *Fake) Install(_ context.Context, alt bool) service.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("install", alt)
	if f.FailInstall {
		return service.Result{Message: "install failed"}
	}
	f.installed = true
	return service.Result{OK: true, Message: "installed"}
}

func (f *Fake) Remove(_ context.Context, alt bool) service.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove", alt)
	f.installed = false
	return service.Result{OK: true, Message: "removed"}
}

func (f *Fake) Start(_ context.Context, alt bool) service.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", alt)
	if f.FailStart {
		return service.Result{Message: "start failed"}
	}
	if !f.StartKeepsDown {
		f.running = true
	}
	return service.Result{OK: true, Message: "started"}
}

func (f *Fake) Stop(_ context.Context, alt bool) service.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", alt)
	if f.FailStop {
		return service.Result{Message: "stop failed"}
	}
	f.running = false
	return service.Result{OK: true, Message: "stopped"}
}

func (f *Fake) IsRunning(_ context.Context, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// SetRunning simulates an external change of the agent's state.
func (f *Fake) SetRunning(v bool) {
	f.mu.Lock()
	f.running = v
	f.mu.Unlock()
}

func (f *Fake) Installed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}

// Calls returns the lifecycle operations seen so far. IsRunning is not
// recorded.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Alts returns the alt flag of every recorded call.
func (f *Fake) Alts() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.alts...)
}

func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls, f.alts = nil, nil
	f.mu.Unlock()
}
