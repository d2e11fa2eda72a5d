package store

import (
	"encoding/json"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// HOSTS
// ═══════════════════════════════════════════════════════════════════════════

// HostStatus is the stored lifecycle status of a host.
type HostStatus string

const (
	HostOff        HostStatus = "off"
	HostStarting   HostStatus = "starting"
	HostRunning    HostStatus = "running"
	HostRestarting HostStatus = "restarting"
	HostError      HostStatus = "error"
)

// RunningLike reports whether the status claims the host may be up.
func (s HostStatus) RunningLike() bool {
	switch s {
	case HostRunning, HostStarting, HostRestarting, HostError:
		return true
	}
	return false
}

// CloudSelfHost marks a host operated by the end user.
const CloudSelfHost = "self-host"

// Machine describes what a host runs on.
type Machine struct {
	Cloud    string         `json:"cloud,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SelfHost holds the self-host sub-mode and transient flags.
type SelfHost struct {
	Mode              string     `json:"mode,omitempty"`
	AutoStartPending  bool       `json:"auto_start_pending,omitempty"`
	AutoStartQueuedAt *time.Time `json:"auto_start_queued_at,omitempty"`
}

// HostMetadata is the structured metadata blob stored with a host.
type HostMetadata struct {
	Owner     string          `json:"owner,omitempty"`
	Machine   Machine         `json:"machine"`
	SelfHost  *SelfHost       `json:"self_host,omitempty"`
	Bootstrap json.RawMessage `json:"bootstrap,omitempty"`
}

// Host is one managed compute endpoint.
type Host struct {
	ID        string       `json:"host_id"`
	Name      string       `json:"name"`
	Owner     string       `json:"owner"`
	Region    string       `json:"region"`
	Status    HostStatus   `json:"status"`
	LastSeen  time.Time    `json:"last_seen"`
	Metadata  HostMetadata `json:"metadata"`
	Deleted   *time.Time   `json:"deleted,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// IsSelfHost reports whether the host is reached through a connector.
func (h *Host) IsSelfHost() bool {
	return h.Metadata.Machine.Cloud == CloudSelfHost
}

// Reachable derives liveness. Stored status alone is not trusted once the
// TTL has elapsed, because a crashed agent cannot update it.
func (h *Host) Reachable(now time.Time, ttl time.Duration) bool {
	if h.Deleted != nil || !h.Status.RunningLike() || h.LastSeen.IsZero() {
		return false
	}
	return now.Sub(h.LastSeen) <= ttl
}

// ═══════════════════════════════════════════════════════════════════════════
// PROJECTS
// ═══════════════════════════════════════════════════════════════════════════

// Project is a user workspace assigned to at most one host.
type Project struct {
	ID         string     `json:"project_id"`
	Owner      string     `json:"owner"`
	HostID     string     `json:"host_id,omitempty"`
	LastEdited *time.Time `json:"last_edited,omitempty"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AtRisk reports whether the latest edit is not covered by a backup.
func (p *Project) AtRisk() bool {
	if p.LastEdited == nil {
		return false
	}
	return p.LastBackup == nil || !p.LastBackup.After(*p.LastEdited)
}

// ═══════════════════════════════════════════════════════════════════════════
// CONNECTORS & PAIRING
// ═══════════════════════════════════════════════════════════════════════════

// Connector is the identity of one remote agent process.
type Connector struct {
	ID             string     `json:"connector_id"`
	AccountID      string     `json:"account_id"`
	HostID         string     `json:"host_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	Version        string     `json:"version,omitempty"`
	CredentialHash string     `json:"-"`
	Revoked        bool       `json:"revoked"`
	CreatedAt      time.Time  `json:"created_at"`
	LastPoll       *time.Time `json:"last_poll,omitempty"`
}

// PairingToken is a short-lived, host-scoped, single-use token.
type PairingToken struct {
	TokenHash   string     `json:"-"`
	ConnectorID string     `json:"connector_id"`
	AccountID   string     `json:"account_id"`
	HostID      string     `json:"host_id"`
	Expires     time.Time  `json:"expires"`
	Redeemed    *time.Time `json:"redeemed,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ═══════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════

// CommandState is the delivery state of a queued command.
type CommandState string

const (
	CommandPending CommandState = "pending"
	CommandSent    CommandState = "sent"
	CommandDone    CommandState = "done"
	CommandError   CommandState = "error"
)

// IsTerminal returns true once the connector reported a result.
func (s CommandState) IsTerminal() bool {
	return s == CommandDone || s == CommandError
}

// Action is a lifecycle instruction for a connector.
type Action string

const (
	ActionCreate Action = "create"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionDelete Action = "delete"
	ActionStatus Action = "status"
	ActionResize Action = "resize"
)

// Valid reports whether a is in the allowed set.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionStart, ActionStop, ActionDelete, ActionStatus, ActionResize:
		return true
	}
	return false
}

// Command is one queued instruction for a connector.
type Command struct {
	ID          string          `json:"id"`
	ConnectorID string          `json:"connector_id"`
	Action      Action          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	State       CommandState    `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created"`
	UpdatedAt   time.Time       `json:"updated"`
}

// ═══════════════════════════════════════════════════════════════════════════
// SESSIONS & EVENTS
// ═══════════════════════════════════════════════════════════════════════════

// Session is an operator session created by the external login flow.
type Session struct {
	ID        string
	AccountID string
	Admin     bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Event represents an event log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Level     string         `json:"level"`
	Actor     string         `json:"actor,omitempty"`
	HostID    string         `json:"host_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}
