package detector

import "context"

// Detector decides whether a sub-agent process is running.
// Implementations may check a PID file, a PID number, a process name, or a
// custom command. They must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Any reports the first detector that sees the process alive.
func Any(ctx context.Context, dets ...Detector) (bool, string) {
	for _, d := range dets {
		if d == nil {
			continue
		}
		if ok, _ := d.Alive(ctx); ok {
			return true, d.Describe()
		}
	}
	return false, ""
}
