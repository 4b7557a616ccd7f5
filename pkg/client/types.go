package client

import "time"

// Status mirrors GET /status.
type Status struct {
	ConfigPath      string          `json:"config_path"`
	ConfigState     string          `json:"config_state"`
	LastFingerprint string          `json:"last_fingerprint"`
	Counters        int             `json:"counters"`
	Processes       []ProcessStatus `json:"processes"`
	Identity        string          `json:"identity"`
	TokenExpiresOn  *time.Time      `json:"token_expires_on,omitempty"`
	Cycles          uint64          `json:"cycles"`
	FailedCycles    uint64          `json:"failed_cycles"`
	LastCycleAt     time.Time       `json:"last_cycle_at"`
	LastError       string          `json:"last_error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
}

// ProcessStatus is the health record of one sub-agent.
type ProcessStatus struct {
	Kind               string    `json:"kind"`
	Running            bool      `json:"running"`
	RestartAttempts    int       `json:"restart_attempts"`
	MaxRestartAttempts int       `json:"max_restart_attempts"`
	LastCheck          time.Time `json:"last_check"`
	LastMessage        string    `json:"last_message,omitempty"`
}

// Event is one supervisor history entry.
type Event struct {
	Type        string    `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	Kind        string    `json:"kind,omitempty"`
	OK          bool      `json:"ok"`
	Attempt     int       `json:"attempt,omitempty"`
	Message     string    `json:"message,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// Health mirrors GET /healthz.
type Health struct {
	OK          bool      `json:"ok"`
	Cycles      uint64    `json:"cycles"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	Reason      string    `json:"reason,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
