package model

import "time"

type SessionStatus string

const (
	SessionProvisioning SessionStatus = "provisioning"
	SessionActive       SessionStatus = "active"
	SessionDestroying   SessionStatus = "destroying"
)

// Session is one user's provisioned desktop container plus its lease state.
// A user has at most one Session at a time; the orchestrator keys its table
// by the owning user id.
type Session struct {
	ID             string
	UserID         string
	ContainerID    string
	ContainerName  string
	Host           string
	DisplayHost    string
	DisplayPort    int
	WebPort        int
	Status         SessionStatus
	CreatedAt      time.Time
	Deadline       time.Time
	ExtensionsUsed int
}

type CreationStage string

const (
	StageQueued        CreationStage = "queued"
	StageSelectingHost CreationStage = "selecting_host"
	StageConnecting    CreationStage = "connecting"
	StageStarting      CreationStage = "starting_container"
	StageMappingPorts  CreationStage = "getting_ports"
	StageWaitingReady  CreationStage = "waiting_ready"
	StageReady         CreationStage = "ready"
	StageFailed        CreationStage = "failed"
)

// CreationProgress tracks an in-flight creation attempt for a user. It is
// the source of truth for "creation in progress" until a Session record
// supersedes it or the failure is read back by a status poll.
type CreationProgress struct {
	Stage   CreationStage
	Message string
	Host    string
	Err     string
}

func (p CreationProgress) InFlight() bool {
	return p.Stage != StageFailed && p.Stage != StageReady
}

type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Level     EventLevel        `json:"level"`
	UserID    string            `json:"user_id,omitempty"`
	Message   string            `json:"message"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// HostStatus is the scheduler's externally visible view of one fleet host.
type HostStatus struct {
	Hostname       string `json:"hostname"`
	DisplayHost    string `json:"display_hostname"`
	ActiveSessions int    `json:"active_sessions"`
	Healthy        bool   `json:"healthy"`
}

// RouteTarget is the approval payload handed to the reverse proxy so it can
// route display traffic without the control plane touching it.
type RouteTarget struct {
	DisplayHost string
	DisplayPort int
	WebPort     int
}
