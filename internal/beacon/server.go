// Package beacon implements BeaconServer/BeaconClient (spec.md §4.5):
// a loopback-only, line-delimited-JSON TCP service resolving a running
// tool invocation's toolUseId to the conversation it belongs to.
//
// The accept-loop-plus-one-goroutine-per-connection shape and the
// line-delimited JSON framing are grounded on the teacher's general
// networked-service style (internal/bridge/server/server.go's per-stream
// handler loop), adapted from gRPC streams to plain bufio line scanning
// per spec.md §4.5/§6's literal wire contract.
package beacon

import (
	"bufio"
	"container/list"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the loopback port BeaconServer listens on by default.
const DefaultPort = 9875

// DefaultTTL is how long a tool registration survives without being looked up.
const DefaultTTL = 10 * time.Minute

// DefaultMaxEntries bounds the registration table (LRU eviction beyond this).
const DefaultMaxEntries = 10000

// Entry is one registered in-flight tool invocation.
type Entry struct {
	ConversationID int64
	MCPHost        string
	MCPPort        int
	Raw            json.RawMessage

	expiresAt time.Time
	elem      *list.Element
}

// Server is BeaconServer: a loopback TCP service plus the in-memory
// toolUseId→conversation registration table.
type Server struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	lru      *list.List // front = most recently used
	maxSize  int
	ttl      time.Duration
	listener net.Listener
	log      zerolog.Logger

	pylonID int
	mcpHost string
	mcpPort int
	env     string
}

// New creates a BeaconServer. pylonID/mcpHost/mcpPort/env are this Pylon's
// own identity, reported via `register` to any peer that asks.
func New(pylonID int, mcpHost string, mcpPort int, env string) *Server {
	return &Server{
		entries: make(map[string]*Entry),
		lru:     list.New(),
		maxSize: DefaultMaxEntries,
		ttl:     DefaultTTL,
		log:     log.With().Str("component", "beacon.Server").Logger(),
		pylonID: pylonID,
		mcpHost: mcpHost,
		mcpPort: mcpPort,
		env:     env,
	}
}

// RegisterTool records that toolUseId belongs to conversationId, called
// the moment ClaudeManager starts a tool invocation.
func (s *Server) RegisterTool(toolUseID string, conversationID int64, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[toolUseID]; ok {
		s.lru.Remove(old.elem)
	}

	e := &Entry{
		ConversationID: conversationID,
		MCPHost:        s.mcpHost,
		MCPPort:        s.mcpPort,
		Raw:            raw,
		expiresAt:      time.Now().Add(s.ttl),
	}
	e.elem = s.lru.PushFront(toolUseID)
	s.entries[toolUseID] = e

	s.evictLocked()
}

// Unregister drops a tool's registration. The router calls it when a
// toolComplete event arrives; registrations of invocations that never
// complete (for example in an aborted turn) stay until the TTL or the
// entry bound evicts them.
func (s *Server) Unregister(toolUseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[toolUseID]; ok {
		s.lru.Remove(e.elem)
		delete(s.entries, toolUseID)
	}
}

func (s *Server) evictLocked() {
	now := time.Now()
	for s.lru.Len() > 0 {
		back := s.lru.Back()
		id := back.Value.(string)
		e := s.entries[id]
		if e.expiresAt.After(now) && s.lru.Len() <= s.maxSize {
			break
		}
		s.lru.Remove(back)
		delete(s.entries, id)
	}
}

// Lookup resolves a toolUseId to the conversation that owns it, for
// in-process callers (PylonMcpServer's lookup_and_* indirection) that
// don't need to round-trip through the TCP protocol.
func (s *Server) Lookup(toolUseID string) (int64, bool) {
	e, ok := s.lookup(toolUseID)
	if !ok {
		return 0, false
	}
	return e.ConversationID, true
}

func (s *Server) lookup(toolUseID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[toolUseID]
	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			s.lru.Remove(e.elem)
			delete(s.entries, toolUseID)
		}
		return nil, false
	}
	e.expiresAt = time.Now().Add(s.ttl)
	s.lru.MoveToFront(e.elem)
	return e, true
}

type request struct {
	Action         string          `json:"action"`
	ToolUseID      string          `json:"toolUseId,omitempty"`
	PylonID        int             `json:"pylonId,omitempty"`
	MCPHost        string          `json:"mcpHost,omitempty"`
	MCPPort        int             `json:"mcpPort,omitempty"`
	Env            string          `json:"env,omitempty"`
	ConversationID int64           `json:"conversationId,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
}

type response struct {
	Success        bool            `json:"success"`
	ConversationID int64           `json:"conversationId,omitempty"`
	MCPHost        string          `json:"mcpHost,omitempty"`
	MCPPort        int             `json:"mcpPort,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Start begins listening and accepting connections on loopback:port.
func (s *Server) Start(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("beacon: listen: %w", err)
	}
	s.listener = l

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			writeResponse(conn, response{Success: false, Error: "Invalid JSON format"})
			continue
		}
		writeResponse(conn, s.handleRequest(req))
	}
}

func (s *Server) handleRequest(req request) response {
	switch req.Action {
	case "register":
		s.log.Info().Int("pylonId", req.PylonID).Str("mcpHost", req.MCPHost).Int("mcpPort", req.MCPPort).Msg("beacon register")
		return response{Success: true}
	case "query":
		// Legacy adapter path; this Pylon has no external ClaudeBeaconAdapter,
		// so a query always reports the conversation unknown.
		return response{Success: false, Error: "not found"}
	case "lookup":
		if req.ToolUseID == "" {
			return response{Success: false, Error: "toolUseId is required"}
		}
		e, ok := s.lookup(req.ToolUseID)
		if !ok {
			return response{Success: false, Error: "not found"}
		}
		return response{Success: true, ConversationID: e.ConversationID, MCPHost: e.MCPHost, MCPPort: e.MCPPort, Raw: e.Raw}
	default:
		return response{Success: false, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func writeResponse(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
