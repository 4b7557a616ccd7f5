package supervisor

import (
	"time"

	"github.com/loykin/metricwatch/internal/health"
)

// State is the published view of the supervisor. Copies are handed to the
// status API; the loop owns the original.
type State struct {
	ConfigPath      string           `json:"config_path"`
	ConfigState     string           `json:"config_state"`
	LastFingerprint string           `json:"last_fingerprint"`
	Counters        int              `json:"counters"`
	Processes       []health.Process `json:"processes"`
	Identity        string           `json:"identity"`
	TokenExpiresOn  *time.Time       `json:"token_expires_on,omitempty"`
	Cycles          uint64           `json:"cycles"`
	FailedCycles    uint64           `json:"failed_cycles"`
	LastCycleAt     time.Time        `json:"last_cycle_at"`
	LastError       string           `json:"last_error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
}

func (s State) clone() State {
	c := s
	c.Processes = append([]health.Process(nil), s.Processes...)
	if s.TokenExpiresOn != nil {
		t := *s.TokenExpiresOn
		c.TokenExpiresOn = &t
	}
	return c
}
