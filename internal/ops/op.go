// Package ops implements long-running operation (LRO) tracking for the hub.
//
// Every lifecycle action the hub performs is represented by an Op record.
// The Tracker persists each transition and publishes a summary so other
// parties can follow progress without polling the database. The Runner
// executes the work behind an op, inline or in a supervised background task.
package ops

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the current status of an op.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal returns true if the status represents a finished op.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Kind names what an op does.
type Kind string

const (
	KindHostStart       Kind = "host-start"
	KindProjectStart    Kind = "project-start"
	KindHostStop        Kind = "host-stop"
	KindProjectStop     Kind = "project-stop"
	KindProjectMove     Kind = "project-move"
	KindHostDrain       Kind = "host-drain"
	KindHostDeprovision Kind = "host-deprovision"
)

// ScopeType names what an op is about.
type ScopeType string

const (
	ScopeHost    ScopeType = "host"
	ScopeProject ScopeType = "project"
)

// Routing values say where the work of an op executes.
const (
	RoutingHub       = "hub"       // inline on the hub (direct hosts)
	RoutingConnector = "connector" // delivered through the command queue
)

// ServiceName is reported in op handles so clients know which stream service to ask.
const ServiceName = "lro"

// Op is a long-running operation record.
type Op struct {
	ID        string           `json:"op_id"`
	Kind      Kind             `json:"kind"`
	ScopeType ScopeType        `json:"scope_type"`
	ScopeID   string           `json:"scope_id"`
	CreatedBy string           `json:"created_by"`
	Routing   string           `json:"routing,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	Status    Status           `json:"status"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Progress  *ProgressSummary `json:"progress_summary,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ProgressSummary is the rolled-up progress of an op.
type ProgressSummary struct {
	Done   int    `json:"done"`
	Total  int    `json:"total"`
	Failed int    `json:"failed"`
	Phase  string `json:"phase,omitempty"`
}

// Single is the summary for an op that covers exactly one unit of work.
func Single() *ProgressSummary {
	return &ProgressSummary{Done: 1, Total: 1, Failed: 0}
}

// ProgressEvent is a discrete progress notification.
type ProgressEvent struct {
	OpID     string    `json:"op_id"`
	Phase    string    `json:"phase"`
	Message  string    `json:"message,omitempty"`
	Progress float64   `json:"progress"` // 0..1
	At       time.Time `json:"at"`
}

// Handle is returned to callers of tracked async actions.
type Handle struct {
	OpID       string    `json:"op_id"`
	ScopeType  ScopeType `json:"scope_type"`
	ScopeID    string    `json:"scope_id"`
	Service    string    `json:"service"`
	StreamName string    `json:"stream_name"`
}

// StreamName returns the subject an op publishes on.
func StreamName(scopeType ScopeType, scopeID, opID string) string {
	return fmt.Sprintf("lro.%s.%s.%s", scopeType, scopeID, opID)
}

// Handle builds the caller-facing handle for this op.
func (o *Op) Handle() *Handle {
	return &Handle{
		OpID:       o.ID,
		ScopeType:  o.ScopeType,
		ScopeID:    o.ScopeID,
		Service:    ServiceName,
		StreamName: StreamName(o.ScopeType, o.ScopeID, o.ID),
	}
}

// Message types published on the stream.
const (
	MessageSummary  = "summary"
	MessageProgress = "progress"
)

// Message is the envelope published for every op transition.
type Message struct {
	Type  string         `json:"type"`
	Op    *Op            `json:"op"`
	Event *ProgressEvent `json:"event,omitempty"`
}
