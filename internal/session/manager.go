package session

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"devbridge/internal/command"
)

const (
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 256
	defaultGracefulTimeout  = 5 * time.Second
	defaultIdleTimeout      = 30 * time.Minute
	defaultSweepInterval    = time.Minute
	defaultReadBufSize      = 4096
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrMaxSessions        = errors.New("maximum session limit reached")
	ErrWorkDirOutsideRoot = errors.New("working directory outside allowed root")
)

// Config holds the manager's tunables. Constructed explicitly; there is no
// global state to read.
type Config struct {
	// AllowedRoot is the directory all session working directories must
	// stay inside. Also the default working directory.
	AllowedRoot string
	// DefaultShell is spawned when a create request names no shell.
	DefaultShell string
	MaxSessions  int
	// IdleTimeout bounds how long a session may go without input before
	// the background sweep destroys it.
	IdleTimeout time.Duration
	// GraceTimeout is how long a terminating process gets between SIGTERM
	// and SIGKILL.
	GraceTimeout  time.Duration
	SweepInterval time.Duration
}

// StateListener is notified on every lifecycle transition with a snapshot
// of the session.
type StateListener func(Session)

// Manager owns PTY process lifecycles. Every command routed to a session
// passes through the validator first; rejected text never reaches the PTY.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*managedSession

	valMu     sync.RWMutex
	validator *command.Validator

	listenMu sync.RWMutex
	listener StateListener

	done     chan struct{}
	stopOnce sync.Once
}

type managedSession struct {
	Session *Session
	cmd     *exec.Cmd
	ptmx    *os.File

	// writeMu serializes PTY input writes; no two writers may interleave
	// bytes on the same terminal.
	writeMu sync.Mutex

	// subMu guards subscribers, ended, and every ring append. ended flips
	// inside the same critical section that closes the subscriber channels,
	// so a Subscribe can never register against a session that already
	// finished, and no chunk can land in the ring after the exit event.
	ring        *RingBuffer
	subscribers map[string]chan OutputEvent
	ended       bool
	subMu       sync.RWMutex

	// endOnce guarantees every subscriber observes termination exactly once.
	endOnce sync.Once
	exited  chan struct{}
}

// NewManager creates a session manager and starts its idle sweep.
func NewManager(cfg Config, validator *command.Validator) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = defaultGracefulTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.DefaultShell == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			cfg.DefaultShell = sh
		} else {
			cfg.DefaultShell = "/bin/sh"
		}
	}
	m := &Manager{
		cfg:       cfg,
		sessions:  make(map[string]*managedSession),
		validator: validator,
		done:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SetValidator swaps the rule tables, e.g. after a config reload.
func (m *Manager) SetValidator(v *command.Validator) {
	m.valMu.Lock()
	m.validator = v
	m.valMu.Unlock()
}

func (m *Manager) currentValidator() *command.Validator {
	m.valMu.RLock()
	defer m.valMu.RUnlock()
	return m.validator
}

// SetStateListener registers the lifecycle-transition callback.
func (m *Manager) SetStateListener(fn StateListener) {
	m.listenMu.Lock()
	m.listener = fn
	m.listenMu.Unlock()
}

func (m *Manager) notify(snapshot Session) {
	m.listenMu.RLock()
	fn := m.listener
	m.listenMu.RUnlock()
	if fn != nil {
		fn(snapshot)
	}
}

// Create spawns a PTY running the given shell for a workbranch. The working
// directory must resolve inside the allowed root; an empty workDir defaults
// to the root itself.
func (m *Manager) Create(workbranch, shell, workDir, connID string) (*Session, error) {
	if workDir == "" {
		workDir = m.cfg.AllowedRoot
	}
	resolved, err := m.resolveWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("working directory does not exist: %s", resolved)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", resolved)
	}

	if shell == "" {
		shell = m.cfg.DefaultShell
	}

	m.mu.Lock()
	if m.activeCountLocked() >= m.cfg.MaxSessions {
		// Shed the oldest idle session before giving up.
		m.shedOldestIdleLocked()
	}
	if m.activeCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.cfg.MaxSessions)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.New().String(),
		Workbranch:   workbranch,
		Shell:        shell,
		WorkDir:      resolved,
		State:        StateStarting,
		CreatedAt:    now,
		LastActivity: now,
		ConnID:       connID,
	}
	ms := &managedSession{
		Session:     sess,
		ring:        NewRingBuffer(defaultRingBufCapacity),
		subscribers: make(map[string]chan OutputEvent),
		exited:      make(chan struct{}),
	}
	m.sessions[sess.ID] = ms
	m.mu.Unlock()

	cmd := exec.Command(shell)
	cmd.Dir = resolved
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		close(ms.exited)
		log.Printf("session %s: spawn failed: %v", sess.ID, err)
		m.finish(ms, -1)
		return nil, fmt.Errorf("spawn %s: %w", shell, err)
	}

	m.mu.Lock()
	ms.cmd = cmd
	ms.ptmx = ptmx
	sess.State = StateRunning
	snapshot := *sess
	m.mu.Unlock()

	go m.readLoop(ms)
	go m.waitForExit(ms)

	m.notify(snapshot)
	return sess, nil
}

// resolveWorkDir normalizes a working directory and verifies root containment.
func (m *Manager) resolveWorkDir(workDir string) (string, error) {
	root := filepath.Clean(m.cfg.AllowedRoot)
	p := workDir
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrWorkDirOutsideRoot, workDir)
	}
	return p, nil
}

// activeCountLocked counts sessions still consuming a process slot.
func (m *Manager) activeCountLocked() int {
	n := 0
	for _, ms := range m.sessions {
		switch ms.Session.State {
		case StateStarting, StateRunning, StateIdle:
			n++
		}
	}
	return n
}

// shedOldestIdleLocked destroys the least-recently-active idle or orphaned
// session to free a slot. Called with m.mu held; the actual teardown runs
// after the lock is released.
func (m *Manager) shedOldestIdleLocked() {
	var victim *managedSession
	for _, ms := range m.sessions {
		s := ms.Session
		if s.State.terminal() || s.State == StateClosing {
			continue
		}
		if s.State != StateIdle && s.ConnID != "" {
			continue
		}
		if victim == nil || s.LastActivity.Before(victim.Session.LastActivity) {
			victim = ms
		}
	}
	if victim == nil {
		return
	}
	log.Printf("session %s: shedding idle session to free a slot", victim.Session.ID)
	m.beginClosingLocked(victim)
}

// beginClosingLocked transitions a session to closing and schedules the
// SIGTERM → grace → SIGKILL sequence. Caller holds m.mu.
func (m *Manager) beginClosingLocked(ms *managedSession) {
	if ms.Session.State.terminal() || ms.Session.State == StateClosing {
		return
	}
	ms.Session.State = StateClosing
	snapshot := *ms.Session
	grace := m.cfg.GraceTimeout

	go func() {
		m.notify(snapshot)
		if ms.cmd != nil && ms.cmd.Process != nil {
			ms.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-ms.exited:
			case <-time.After(grace):
				ms.cmd.Process.Kill()
			}
		} else {
			// Spawn never completed; finish directly.
			m.finish(ms, -1)
		}
	}()
}

// readLoop pumps PTY output to the ring buffer and subscribers. A single
// reader per session is what gives chunks their in-order delivery.
func (m *Manager) readLoop(ms *managedSession) {
	buf := make([]byte, defaultReadBufSize)
	for {
		n, err := ms.ptmx.Read(buf)
		if n > 0 {
			m.emitChunk(ms, OutputEvent{
				SessionID: ms.Session.ID,
				Type:      OutputChunk,
				Data:      string(buf[:n]),
				Timestamp: time.Now().UTC(),
			})
		}
		if err != nil {
			// EIO here is the PTY closing on process exit; waitForExit
			// synthesizes the terminal event either way.
			return
		}
	}
}

// emitChunk records and delivers one output chunk. A subscriber that cannot
// keep up loses the event rather than blocking the reader. Chunks arriving
// after the session finished are dropped; the exit event stays last in the
// ring.
func (m *Manager) emitChunk(ms *managedSession, event OutputEvent) {
	ms.subMu.RLock()
	defer ms.subMu.RUnlock()

	if ms.ended {
		return
	}
	ms.ring.Append(event)
	for _, ch := range ms.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// waitForExit reaps the process and finishes the session.
func (m *Manager) waitForExit(ms *managedSession) {
	err := ms.cmd.Wait()
	close(ms.exited)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	m.finish(ms, exitCode)
}

// finish moves a session to its terminal state and emits the exit event
// exactly once. Requested teardown ends in closed regardless of exit code;
// an unexpected exit from starting/running with a failure code ends in
// failed.
func (m *Manager) finish(ms *managedSession, exitCode int) {
	ms.endOnce.Do(func() {
		m.mu.Lock()
		prev := ms.Session.State
		switch {
		case prev == StateClosing:
			ms.Session.State = StateClosed
		case exitCode == 0:
			ms.Session.State = StateClosed
		default:
			ms.Session.State = StateFailed
		}
		snapshot := *ms.Session
		m.mu.Unlock()

		if ms.ptmx != nil {
			ms.ptmx.Close()
		}

		event := OutputEvent{
			SessionID: ms.Session.ID,
			Type:      OutputExit,
			ExitCode:  exitCode,
			Reason:    "process-exited",
			Timestamp: time.Now().UTC(),
		}

		ms.subMu.Lock()
		ms.ended = true
		ms.ring.Append(event)
		for id, ch := range ms.subscribers {
			select {
			case ch <- event:
			default:
			}
			close(ch)
			delete(ms.subscribers, id)
		}
		ms.subMu.Unlock()

		m.notify(snapshot)
	})
}

// SubmitInput validates a command request and, only when allowed, writes
// the raw text plus a newline to the session's PTY. The verdict is returned
// to the caller either way.
func (m *Manager) SubmitInput(req CommandRequest) (command.Verdict, error) {
	m.mu.RLock()
	ms, ok := m.sessions[req.SessionID]
	var state State
	if ok {
		state = ms.Session.State
	}
	m.mu.RUnlock()

	if !ok {
		return command.Verdict{}, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
	}
	if state.terminal() || state == StateClosing {
		return command.Verdict{}, fmt.Errorf("%w: %s", ErrSessionClosed, req.SessionID)
	}

	verdict := m.currentValidator().Validate(req.Command)
	if !verdict.Allowed {
		return verdict, nil
	}

	ms.writeMu.Lock()
	_, err := ms.ptmx.WriteString(req.Command + "\n")
	ms.writeMu.Unlock()
	if err != nil {
		return verdict, fmt.Errorf("write to pty: %w", err)
	}

	m.touch(ms)
	return verdict, nil
}

// touch records activity and wakes an idle session back to running.
func (m *Manager) touch(ms *managedSession) {
	m.mu.Lock()
	ms.Session.LastActivity = time.Now().UTC()
	var snapshot *Session
	if ms.Session.State == StateIdle {
		ms.Session.State = StateRunning
		s := *ms.Session
		snapshot = &s
	}
	m.mu.Unlock()
	if snapshot != nil {
		m.notify(*snapshot)
	}
}

// Destroy tears a session down: SIGTERM, bounded grace period, SIGKILL.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.beginClosingLocked(ms)
	m.mu.Unlock()
	return nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return *ms.Session, nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, *ms.Session)
	}
	return out
}

// Subscribe attaches an output consumer to a session. It returns a
// subscription id, the live event channel, and the ring-buffered history
// captured before the subscription took effect. Subscribing to a session
// that already terminated returns the full history, exit event included,
// and a closed channel.
func (m *Manager) Subscribe(id string) (string, <-chan OutputEvent, []OutputEvent, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	subID := uuid.New().String()

	ms.subMu.Lock()
	history := ms.ring.Snapshot()
	if ms.ended {
		ms.subMu.Unlock()
		ch := make(chan OutputEvent)
		close(ch)
		return subID, ch, history, nil
	}
	ch := make(chan OutputEvent, defaultSubscriberBufCap)
	ms.subscribers[subID] = ch
	ms.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe detaches a consumer and closes its channel.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// MarkOrphaned releases ownership of every session held by a lost
// connection and restarts their idle clocks. The sessions keep running; a
// reconnecting client can adopt them by workbranch until the idle sweep
// reaps them.
func (m *Manager) MarkOrphaned(connID string) {
	var snapshots []Session
	m.mu.Lock()
	now := time.Now().UTC()
	for _, ms := range m.sessions {
		if ms.Session.ConnID != connID || ms.Session.State.terminal() {
			continue
		}
		ms.Session.ConnID = ""
		ms.Session.LastActivity = now
		snapshots = append(snapshots, *ms.Session)
	}
	m.mu.Unlock()
	for _, s := range snapshots {
		log.Printf("session %s: orphaned, idle clock restarted", s.ID)
	}
}

// AttachWorkbranch transfers every live session in a workbranch to the
// given connection and returns their snapshots.
func (m *Manager) AttachWorkbranch(workbranch, connID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, ms := range m.sessions {
		s := ms.Session
		if s.Workbranch != workbranch || s.State.terminal() || s.State == StateClosing {
			continue
		}
		s.ConnID = connID
		s.LastActivity = time.Now().UTC()
		out = append(out, *s)
	}
	return out
}

// sweepLoop destroys sessions whose idle timeout elapsed and marks
// half-expired ones idle.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now().UTC())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	var idled []Session
	m.mu.Lock()
	for _, ms := range m.sessions {
		s := ms.Session
		if s.State.terminal() || s.State == StateClosing {
			continue
		}
		inactive := now.Sub(s.LastActivity)
		switch {
		case inactive > m.cfg.IdleTimeout:
			log.Printf("session %s: idle for %s, reaping", s.ID, inactive.Round(time.Second))
			m.beginClosingLocked(ms)
		case inactive > m.cfg.IdleTimeout/2 && s.State == StateRunning:
			s.State = StateIdle
			idled = append(idled, *s)
		}
	}
	m.mu.Unlock()
	for _, s := range idled {
		m.notify(s)
	}
}

// Shutdown stops the sweep and tears down every live session, waiting up
// to the grace timeout for processes to exit.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	var waiting []*managedSession
	for _, ms := range m.sessions {
		if !ms.Session.State.terminal() {
			m.beginClosingLocked(ms)
			waiting = append(waiting, ms)
		}
	}
	m.mu.Unlock()

	deadline := time.After(m.cfg.GraceTimeout + time.Second)
	for _, ms := range waiting {
		select {
		case <-ms.exited:
		case <-deadline:
			return
		}
	}
}
