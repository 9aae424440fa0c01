package persistence

import (
	"time"
)

// ChainStatus represents the status of a chain
type ChainStatus string

const (
	// ChainStatusProcessing indicates a stage accepted the work and the
	// chain has not finished
	ChainStatusProcessing ChainStatus = "processing"

	// ChainStatusCompleted indicates the terminal stage finished
	ChainStatusCompleted ChainStatus = "completed"

	// ChainStatusFailed indicates a stage failed the work
	ChainStatusFailed ChainStatus = "failed"

	// ChainStatusForwardFailed indicates a stage finished but the hand-off
	// to the next stage did not happen
	ChainStatusForwardFailed ChainStatus = "forward_failed"
)

// IsValid reports whether s is a known status.
func (s ChainStatus) IsValid() bool {
	switch s {
	case ChainStatusProcessing, ChainStatusCompleted, ChainStatusFailed, ChainStatusForwardFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is a terminal state
func (s ChainStatus) IsTerminal() bool {
	switch s {
	case ChainStatusCompleted, ChainStatusFailed, ChainStatusForwardFailed:
		return true
	default:
		return false
	}
}

// HopRecord is one stage's contribution to a chain.
type HopRecord struct {
	// Stage is the name of the stage that recorded the hop
	Stage string `json:"stage" bson:"stage"`

	// TaskID is the hop task id
	TaskID string `json:"task_id,omitempty" bson:"task_id,omitempty"`

	// FlowStep is the flow step after this hop
	FlowStep string `json:"flow_step,omitempty" bson:"flow_step,omitempty"`

	// Status is the chain status this hop reports
	Status ChainStatus `json:"status" bson:"status"`

	// Error is set on failed and forward_failed hops
	Error string `json:"error,omitempty" bson:"error,omitempty"`

	// Target is the forward address, when the hop forwarded
	Target string `json:"target,omitempty" bson:"target,omitempty"`

	// ResultURL is the terminal artifact reference
	ResultURL string `json:"result_url,omitempty" bson:"result_url,omitempty"`

	// At is when the hop was recorded
	At time.Time `json:"at" bson:"at"`
}

// ChainState is the accumulated state of one chain.
type ChainState struct {
	// CorrelationID identifies the chain across hops
	CorrelationID string `json:"correlation_id" bson:"_id"`

	// OriginTaskID is the task id of the first recorded hop
	OriginTaskID string `json:"origin_task_id,omitempty" bson:"origin_task_id,omitempty"`

	// Status is the current chain status
	Status ChainStatus `json:"status" bson:"status"`

	// FlowStep is the most recent flow step
	FlowStep string `json:"flow_step,omitempty" bson:"flow_step,omitempty"`

	// ResultURL is the terminal artifact reference
	ResultURL string `json:"result_url,omitempty" bson:"result_url,omitempty"`

	// Error is the terminal error message
	Error string `json:"error,omitempty" bson:"error,omitempty"`

	// Hops are the recorded hops in arrival order
	Hops []HopRecord `json:"hops" bson:"hops"`

	// Version increases on every write; used for optimistic updates
	Version int64 `json:"version" bson:"version"`

	// CreatedAt is when the chain was first seen
	CreatedAt time.Time `json:"created_at" bson:"created_at"`

	// UpdatedAt is when the chain was last written
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// NewChainState returns an empty chain for correlationID.
func NewChainState(correlationID string, now time.Time) *ChainState {
	return &ChainState{
		CorrelationID: correlationID,
		Status:        ChainStatusProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply appends hop and folds it into the chain status. Once the chain is
// terminal its status, result and error are never overwritten; later hops
// are still appended for the record.
func (c *ChainState) Apply(hop HopRecord) {
	if hop.At.IsZero() {
		hop.At = time.Now()
	}
	c.Hops = append(c.Hops, hop)
	c.Version++
	if hop.At.After(c.UpdatedAt) {
		c.UpdatedAt = hop.At
	}
	if c.OriginTaskID == "" {
		c.OriginTaskID = hop.TaskID
	}

	if c.Status.IsTerminal() {
		return
	}
	c.Status = hop.Status
	if hop.FlowStep != "" {
		c.FlowStep = hop.FlowStep
	}
	if hop.ResultURL != "" {
		c.ResultURL = hop.ResultURL
	}
	if hop.Status.IsTerminal() && hop.Error != "" {
		c.Error = hop.Error
	}
}

// Clone returns a deep copy of the chain.
func (c *ChainState) Clone() *ChainState {
	if c == nil {
		return nil
	}
	out := *c
	out.Hops = append([]HopRecord(nil), c.Hops...)
	return &out
}

// LastHop returns the most recent hop, if any.
func (c *ChainState) LastHop() (HopRecord, bool) {
	if len(c.Hops) == 0 {
		return HopRecord{}, false
	}
	return c.Hops[len(c.Hops)-1], true
}
