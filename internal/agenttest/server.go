// Package agenttest provides a scripted agent backend for tests.
package agenttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"VoiceChat/internal/agentapi"
)

// Server is an httptest server speaking the agent backend protocol.
// Sessions are unknown until created through /new-session or AddSession.
type Server struct {
	*httptest.Server

	mu              sync.Mutex
	sessions        map[string]bool
	nextIDs         []string
	agentStatuses   []int
	dropNewSession  int
	dropAgent       int
	newSessionCalls int
	agentRequests   []agentapi.Request
	reply           func(req agentapi.Request) string
}

// New starts a Server; it is closed when the test ends.
func New(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		sessions: make(map[string]bool),
		reply: func(req agentapi.Request) string {
			return "echo: " + req.Message
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(agentapi.PathNewSession, s.handleNewSession)
	r.Post(agentapi.PathAgent, s.handleAgent)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AddSession registers ids as live sessions.
func (s *Server) AddSession(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.sessions[id] = true
	}
}

// ExpireAll forgets every session so the next /agent call returns 404.
func (s *Server) ExpireAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]bool)
}

// QueueSessionIDs fixes the ids handed out by upcoming /new-session calls.
func (s *Server) QueueSessionIDs(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIDs = append(s.nextIDs, ids...)
}

// QueueAgentStatus makes upcoming /agent calls answer with the given codes
// before any session lookup.
func (s *Server) QueueAgentStatus(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentStatuses = append(s.agentStatuses, codes...)
}

// DropNewSession closes the connection of the next n /new-session calls.
func (s *Server) DropNewSession(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNewSession = n
}

// DropAgent closes the connection of the next n /agent calls.
func (s *Server) DropAgent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAgent = n
}

// SetReply replaces the reply generator.
func (s *Server) SetReply(fn func(req agentapi.Request) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// NewSessionCalls counts /new-session requests, dropped ones included.
func (s *Server) NewSessionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSessionCalls
}

// AgentCalls counts /agent requests, dropped ones included.
func (s *Server) AgentCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agentRequests)
}

// AgentRequests returns the decoded /agent bodies in arrival order.
func (s *Server) AgentRequests() []agentapi.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agentapi.Request(nil), s.agentRequests...)
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.newSessionCalls++
	if s.dropNewSession > 0 {
		s.dropNewSession--
		s.mu.Unlock()
		dropConnection(w)
		return
	}
	id := uuid.NewString()
	if len(s.nextIDs) > 0 {
		id = s.nextIDs[0]
		s.nextIDs = s.nextIDs[1:]
	}
	s.sessions[id] = true
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, agentapi.NewSessionResponse{SessionID: id})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req agentapi.Request
	decodeErr := json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.agentRequests = append(s.agentRequests, req)
	if s.dropAgent > 0 {
		s.dropAgent--
		s.mu.Unlock()
		dropConnection(w)
		return
	}
	status := 0
	if len(s.agentStatuses) > 0 {
		status = s.agentStatuses[0]
		s.agentStatuses = s.agentStatuses[1:]
	}
	known := s.sessions[req.SessionID]
	reply := s.reply
	s.mu.Unlock()

	switch {
	case status != 0:
		respondJSON(w, status, map[string]string{"detail": http.StatusText(status)})
	case decodeErr != nil:
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": decodeErr.Error()})
	case !known:
		respondJSON(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
	default:
		respondJSON(w, http.StatusOK, agentapi.Reply{Text: reply(req)})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// dropConnection closes the underlying connection without a response.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("agenttest: response writer cannot be hijacked")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	_ = conn.Close()
}
