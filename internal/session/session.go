package session

import "time"

// State is the lifecycle state of a session.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateIdle     State = "idle"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateFailed   State = "failed"
)

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Session holds metadata for one PTY process. The session exclusively owns
// its process handle; connections merely subscribe to its output, which is
// what lets a session survive a dropped connection.
type Session struct {
	ID           string    `json:"id"`
	Workbranch   string    `json:"workbranchId"`
	Shell        string    `json:"shell"`
	WorkDir      string    `json:"workDir"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	// ConnID identifies the owning connection; empty means orphaned.
	ConnID string `json:"-"`
}

// CommandRequest is an immutable input request: raw command text, the
// target session, and a request id for correlating the eventual verdict.
type CommandRequest struct {
	RequestID string
	SessionID string
	Command   string
}

// OutputEventType distinguishes output chunks from the terminal exit event.
type OutputEventType string

const (
	OutputChunk OutputEventType = "chunk"
	OutputExit  OutputEventType = "exit"
)

// OutputEvent is one chunk of PTY output, or the single exit event that
// every subscriber observes exactly once when the session ends.
type OutputEvent struct {
	SessionID string          `json:"sessionId"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data,omitempty"`
	ExitCode  int             `json:"exitCode,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
