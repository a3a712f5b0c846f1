// Package bridge terminates client connections, routes envelopes to the
// session manager and port monitor, and fans session output back out. It
// owns connections and nothing else: sessions deliberately outlive them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"devbridge/internal/portmon"
	"devbridge/internal/protocol"
	"devbridge/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Single-operator localhost trust model.
	},
}

// Server manages WebSocket connections and routes messages between
// clients, the session manager, and the port monitor.
type Server struct {
	sessions *session.Manager
	ports    *portmon.Monitor

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which session-output subscriptions exist per
	// client. key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// ctx scopes work started solely on this connection's behalf, port
	// probes in particular; it is canceled on disconnect.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge server and hooks session lifecycle broadcasts.
func New(sessions *session.Manager, ports *portmon.Monitor) *Server {
	s := &Server{
		sessions:      sessions,
		ports:         ports,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
	sessions.SetStateListener(s.onSessionState)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST mirror for curl-level debugging.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /status", s.handleStatus)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection and registers the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// A connecting client learns the current session inventory and starts
	// receiving output from sessions that predate the connection.
	s.sendSessionInventory(c)
	for _, sess := range s.sessions.List() {
		if !terminalState(sess.State) {
			s.subscribeClient(c, sess.ID)
		}
	}

	go c.writePump()
	go c.readPump()
}

func terminalState(st session.State) bool {
	return st == session.StateClosed || st == session.StateFailed
}

func (s *Server) sendSessionInventory(c *client) {
	for _, sess := range s.sessions.List() {
		env, err := protocol.NewEnvelope("", protocol.TypeSessionUpdate, sessionUpdatePayload(sess))
		if err != nil {
			continue
		}
		s.sendEnvelope(c, env)
	}
}

func sessionUpdatePayload(sess session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		SessionID:  sess.ID,
		Workbranch: sess.Workbranch,
		State:      string(sess.State),
		WorkDir:    sess.WorkDir,
		CreatedAt:  sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

// readPump reads envelopes from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleEnvelope(c, message)
	}
}

// writePump is the single writer for the connection; every outbound frame
// funnels through c.send so partial writes never interleave on the wire.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client. Its sessions are orphaned,
// not destroyed: the idle sweep reaps them unless a reconnecting client
// adopts them by workbranch first. In-flight probes for this connection are
// canceled.
func (s *Server) removeClient(c *client) {
	c.cancel()

	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.sessions.Unsubscribe(sessionID, subID)
	}

	s.sessions.MarkOrphaned(c.id)
}

// handleEnvelope routes one client message. A malformed envelope is
// answered and dropped without touching the connection or any session.
func (s *Server) handleEnvelope(c *client, raw []byte) {
	env, err := protocol.ParseClientEnvelope(raw)
	if err != nil {
		log.Printf("client %s: protocol error: %v", c.id, err)
		s.sendError(c, bestEffortID(raw), protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeSessionCreate:
		s.handleSessionCreate(c, env)
	case protocol.TypeSessionInput:
		s.handleSessionInput(c, env)
	case protocol.TypeSessionDestroy:
		s.handleSessionDestroy(c, env)
	case protocol.TypeSessionAttach:
		s.handleSessionAttach(c, env)
	case protocol.TypeSessionList:
		s.handleSessionList(c, env)
	case protocol.TypeStatusQuery:
		s.handleStatusQuery(c, env)
	}
}

// bestEffortID recovers the request id from a malformed envelope so the
// error can still be correlated.
func bestEffortID(raw []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &probe)
	return probe.ID
}

func (s *Server) handleSessionCreate(c *client, env *protocol.Envelope) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(env.Payload, &payload)

	sess, err := s.sessions.Create(payload.Workbranch, payload.Shell, payload.WorkDir, c.id)
	if err != nil {
		code := protocol.ErrSpawnFailed
		switch {
		case errors.Is(err, session.ErrMaxSessions):
			code = protocol.ErrMaxSessions
		case errors.Is(err, session.ErrWorkDirOutsideRoot):
			code = protocol.ErrInvalidWorkDir
		}
		s.sendError(c, env.ID, code, err.Error())
		return
	}

	resp, _ := protocol.NewEnvelope(env.ID, protocol.TypeSessionCreated, protocol.SessionCreatedPayload{
		SessionID: sess.ID,
	})
	s.sendEnvelope(c, resp)

	// Every connected client sees the new session's output broadcasts.
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.clientsMu.RUnlock()
	for _, cl := range clients {
		s.subscribeClient(cl, sess.ID)
	}
}

func (s *Server) handleSessionInput(c *client, env *protocol.Envelope) {
	var payload protocol.SessionInputPayload
	json.Unmarshal(env.Payload, &payload)

	verdict, err := s.sessions.SubmitInput(session.CommandRequest{
		RequestID: env.ID,
		SessionID: payload.SessionID,
		Command:   payload.Command,
	})
	if err != nil {
		code := protocol.ErrSessionNotFound
		if errors.Is(err, session.ErrSessionClosed) {
			code = protocol.ErrSessionClosed
		}
		s.sendError(c, env.ID, code, err.Error())
		return
	}

	// The verdict goes back whether or not the command was allowed;
	// rejection is a result, not an error.
	ack, _ := protocol.NewEnvelope(env.ID, protocol.TypeSessionInputAck, protocol.SessionInputAckPayload{
		SessionID: payload.SessionID,
		Allowed:   verdict.Allowed,
		Reason:    string(verdict.Reason),
		Rule:      verdict.MatchedRule,
	})
	s.sendEnvelope(c, ack)
}

func (s *Server) handleSessionDestroy(c *client, env *protocol.Envelope) {
	var payload protocol.SessionDestroyPayload
	json.Unmarshal(env.Payload, &payload)

	if err := s.sessions.Destroy(payload.SessionID); err != nil {
		s.sendError(c, env.ID, protocol.ErrSessionNotFound, err.Error())
		return
	}

	resp, _ := protocol.NewEnvelope(env.ID, protocol.TypeSessionDestroyed, protocol.SessionDestroyedPayload{
		SessionID: payload.SessionID,
	})
	s.sendEnvelope(c, resp)
}

func (s *Server) handleSessionAttach(c *client, env *protocol.Envelope) {
	var payload protocol.SessionAttachPayload
	json.Unmarshal(env.Payload, &payload)

	adopted := s.sessions.AttachWorkbranch(payload.Workbranch, c.id)

	ids := make([]string, 0, len(adopted))
	for _, sess := range adopted {
		ids = append(ids, sess.ID)
	}
	resp, _ := protocol.NewEnvelope(env.ID, protocol.TypeSessionAttached, protocol.SessionAttachedPayload{
		Workbranch: payload.Workbranch,
		SessionIDs: ids,
	})
	s.sendEnvelope(c, resp)

	// Adoption replays ring-buffered history through the subscription.
	for _, sess := range adopted {
		s.subscribeClient(c, sess.ID)
	}
}

func (s *Server) handleSessionList(c *client, env *protocol.Envelope) {
	sessions := s.sessions.List()
	payload := protocol.SessionListedPayload{
		Sessions: make([]protocol.SessionUpdatePayload, 0, len(sessions)),
	}
	for _, sess := range sessions {
		payload.Sessions = append(payload.Sessions, sessionUpdatePayload(sess))
	}
	resp, _ := protocol.NewEnvelope(env.ID, protocol.TypeSessionListed, payload)
	s.sendEnvelope(c, resp)
}

// handleStatusQuery probes off the receive loop; the probes are scoped to
// this connection's context so a disconnect cancels them.
func (s *Server) handleStatusQuery(c *client, env *protocol.Envelope) {
	var payload protocol.StatusQueryPayload
	json.Unmarshal(env.Payload, &payload)

	go func() {
		results := s.ports.CheckRange(c.ctx, payload.Ports)

		report := protocol.StatusReportPayload{Results: make([]protocol.PortResult, 0, len(payload.Ports))}
		for _, port := range payload.Ports {
			probe := results[port]
			report.Results = append(report.Results, protocol.PortResult{
				Port:  port,
				State: string(probe.State),
			})
		}
		resp, _ := protocol.NewEnvelope(env.ID, protocol.TypeStatusReport, report)
		s.sendEnvelope(c, resp)
	}()
}

// onSessionState broadcasts lifecycle transitions to all clients.
func (s *Server) onSessionState(sess session.Session) {
	env, err := protocol.NewEnvelope("", protocol.TypeSessionUpdate, sessionUpdatePayload(sess))
	if err != nil {
		return
	}
	s.broadcast(env)
}

// broadcast sends an envelope to all connected clients.
func (s *Server) broadcast(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// subscribeClient attaches one client to a session's output stream,
// replaying buffered history first.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.sessions.Subscribe(sessionID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		s.subscriptions[c] = make(map[string]string)
	}
	s.subscriptions[c][sessionID] = subID
	s.subscriptionsMu.Unlock()

	for _, event := range history {
		s.sendOutputEvent(c, event)
	}

	go func() {
		for event := range ch {
			s.sendOutputEvent(c, event)
		}
	}()
}

// sendOutputEvent forwards one session event to one client. Chunks become
// session.output broadcasts; the exit event becomes session.terminated.
func (s *Server) sendOutputEvent(c *client, event session.OutputEvent) {
	var env *protocol.Envelope
	if event.Type == session.OutputExit {
		env, _ = protocol.NewEnvelope("", protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
			SessionID: event.SessionID,
			ExitCode:  event.ExitCode,
			Reason:    event.Reason,
		})
	} else {
		env, _ = protocol.NewEnvelope("", protocol.TypeSessionOutput, protocol.SessionOutputPayload{
			SessionID: event.SessionID,
			Data:      event.Data,
		})
	}
	s.sendEnvelope(c, env)
}

func (s *Server) sendEnvelope(c *client, env *protocol.Envelope) {
	if env == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) sendError(c *client, id, code, message string) {
	env, _ := protocol.NewErrorEnvelope(id, code, message)
	s.sendEnvelope(c, env)
}
