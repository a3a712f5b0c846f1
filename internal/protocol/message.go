package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wrapper for all WebSocket messages. Requests carry a
// caller-chosen ID; every response echoes the ID of the request that
// triggered it. Broadcasts carry no ID and identify their session in the
// payload instead.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates a server-originated message with the current timestamp.
// An empty id marks the message as a broadcast.
func NewEnvelope(id, msgType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		ID:        id,
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionCreated    = "session.created"
	TypeSessionInputAck   = "session.input.ack"
	TypeSessionOutput     = "session.output"
	TypeSessionDestroyed  = "session.destroyed"
	TypeSessionAttached   = "session.attached"
	TypeSessionListed     = "session.listed"
	TypeSessionUpdate     = "session.update"
	TypeSessionTerminated = "session.terminated"
	TypeStatusReport      = "status.report"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate  = "session.create"
	TypeSessionInput   = "session.input"
	TypeSessionDestroy = "session.destroy"
	TypeSessionAttach  = "session.attach"
	TypeSessionList    = "session.list"
	TypeStatusQuery    = "status.query"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionClosed   = "SESSION_CLOSED"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrMaxSessions     = "MAX_SESSIONS"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrInvalidWorkDir  = "INVALID_WORKDIR"
)

// Server → Client payloads.

type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionInputAckPayload struct {
	SessionID string `json:"sessionId"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Rule      string `json:"rule,omitempty"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionDestroyedPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionAttachedPayload struct {
	Workbranch string   `json:"workbranchId"`
	SessionIDs []string `json:"sessionIds"`
}

type SessionUpdatePayload struct {
	SessionID  string `json:"sessionId"`
	Workbranch string `json:"workbranchId"`
	State      string `json:"state"`
	WorkDir    string `json:"workDir"`
	CreatedAt  string `json:"createdAt"`
}

type SessionListedPayload struct {
	Sessions []SessionUpdatePayload `json:"sessions"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Reason    string `json:"reason,omitempty"`
}

type PortResult struct {
	Port  int    `json:"port"`
	State string `json:"state"` // "open" | "closed" | "unknown"
}

type StatusReportPayload struct {
	Results []PortResult `json:"results"`
}

// ErrorPayload carries a failure back to the client. Reason is the field
// clients key on; Code and Message add machine and human detail.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Workbranch string `json:"workbranchId"`
	Shell      string `json:"shell,omitempty"`
	WorkDir    string `json:"cwd,omitempty"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

type SessionDestroyPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionAttachPayload struct {
	Workbranch string `json:"workbranchId"`
}

type StatusQueryPayload struct {
	Ports []int `json:"ports"`
}
