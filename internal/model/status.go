package model

import "time"

// AgentStatus is the control-surface view of the running agent.
type AgentStatus struct {
	Running           bool       `json:"running"`
	ProcessedCount    int        `json:"processed_count"`
	ErrorCount        int        `json:"error_count"`
	SuccessfulActions int        `json:"successful_actions"`
	LastCheck         *time.Time `json:"last_check,omitempty"`
}
