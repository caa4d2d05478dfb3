package client

import "time"

// ServiceStatus mirrors the orchestrator status payload.
type ServiceStatus struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
	PID     int    `json:"pid,omitempty"`
	Port    int    `json:"port,omitempty"`
	Probe   string `json:"probe"`
	Detail  string `json:"detail,omitempty"`
}

// Event mirrors a journal lifecycle event.
type Event struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Service    string    `json:"service"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SupervisorHealth mirrors the supervisor /healthz payload.
type SupervisorHealth struct {
	Healthy bool   `json:"healthy"`
	Phase   string `json:"phase"`
	Detail  string `json:"detail,omitempty"`
}

// RegistrySnapshot mirrors the session registry summary embedded in the
// supervisor status.
type RegistrySnapshot struct {
	Active     int      `json:"active_connections"`
	HistoryLen int      `json:"connection_history_count"`
	Identities []string `json:"active_identities"`
}

// SupervisorStatus mirrors the supervisor /statusz payload.
type SupervisorStatus struct {
	Name        string            `json:"name"`
	Phase       string            `json:"phase"`
	PID         int               `json:"pid,omitempty"`
	Restarts    int               `json:"restarts"`
	MaxRestarts int               `json:"max_restarts"`
	LastDelay   string            `json:"last_delay,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	LastCheck   time.Time         `json:"last_check"`
	Registry    *RegistrySnapshot `json:"registry,omitempty"`
}

// ErrorResponse represents an API error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
