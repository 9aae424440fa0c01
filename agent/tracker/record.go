package tracker

import (
	"time"
)

// State is the origin-side state of a submitted task.
type State string

const (
	StateSubmitted  State = "submitted"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateNotFound   State = "not_found"
)

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// Reason explains why a record reached its current state.
type Reason string

const (
	// Authoritative signals.
	ReasonCompletionNotice Reason = "completion_notice"
	ReasonChainStore       Reason = "chain_store"
	ReasonDirectStatus     Reason = "direct_status"
	ReasonForwardFailed    Reason = "forward_failed"
	ReasonStageFailed      Reason = "stage_failed"
	ReasonRejected         Reason = "rejected"

	// Heuristic signals.
	ReasonSynthesizedStatus Reason = "synthesized_status"
	ReasonHealthInferred    Reason = "health_inferred"
	ReasonTimeout           Reason = "timeout"
	ReasonProbeFailures     Reason = "probe_failures"
)

// IsInferred reports whether the reason is a heuristic rather than a
// confirmation from the chain.
func (r Reason) IsInferred() bool {
	switch r {
	case ReasonSynthesizedStatus, ReasonHealthInferred, ReasonTimeout, ReasonProbeFailures:
		return true
	default:
		return false
	}
}

// Record is the tracker's view of one origin task.
type Record struct {
	TaskID        string `json:"task_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	SourceURL     string `json:"youtube_url,omitempty"`
	Status        State  `json:"status"`
	// Step is the last flow step the tracker learned about.
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
	// ResultURL is the terminal artifact reference.
	ResultURL string `json:"notion_url,omitempty"`
	// Inferred is true when completion was guessed from timing or probes.
	Inferred bool   `json:"inferred"`
	Reason   Reason `json:"reason,omitempty"`
	// ProbeFailures counts consecutive polls whose probes all failed.
	ProbeFailures int        `json:"probe_failures,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// notFound is the record returned for unknown ids.
func notFound(taskID string) Record {
	return Record{TaskID: taskID, Status: StateNotFound}
}

// finish moves the record to a terminal state.
func (r *Record) finish(state State, reason Reason, message string, now time.Time) {
	r.Status = state
	r.Reason = reason
	r.Inferred = reason.IsInferred()
	r.Message = message
	if state == StateCompleted {
		r.Step = "completed"
	}
	r.UpdatedAt = now
	r.CompletedAt = &now
}
