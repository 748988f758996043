package mcpbridge

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the loopback port PylonMcpServer listens on by default.
const DefaultPort = 9880

// Server is PylonMcpServer: a loopback TCP service dispatching to a Handler.
type Server struct {
	handler  *Handler
	listener net.Listener
	log      zerolog.Logger
}

// NewServer creates a Server dispatching requests to h.
func NewServer(h *Handler) *Server {
	return &Server{handler: h, log: log.With().Str("component", "mcpbridge.Server").Logger()}
}

// Start begins listening and accepting connections on loopback:port.
func (s *Server) Start(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("mcpbridge: listen: %w", err)
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

// handleConn implements spec.md §4.6/§5's per-connection JSON buffer: bytes
// accumulate until the unescaped brace/bracket count balances, at which
// point the accumulated buffer is parsed as one request. A parse failure
// on a balanced buffer is malformed JSON, not merely incomplete input, and
// clears the buffer per spec. One object is handled per read cycle, which
// is correct for this bridge's synchronous request/reply usage.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if isCompleteJSON(buf) {
				var req request
				if jsonErr := json.Unmarshal(buf, &req); jsonErr != nil {
					writeResponse(conn, map[string]interface{}{"success": false, "error": "Invalid JSON format"})
				} else {
					writeResponse(conn, s.handler.Handle(req))
				}
				buf = nil
			}
		}
		if err != nil {
			return
		}
	}
}

func writeResponse(conn net.Conn, resp map[string]interface{}) {
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

// isCompleteJSON implements the brace/bracket-counting heuristic spec.md
// §4.6 requires: unescaped {/[ increment depth, unescaped }/] decrement
// it, both ignored inside quoted strings. The buffer is considered
// complete once at least one opener has been seen and depth returns to
// (or below) zero.
func isCompleteJSON(buf []byte) bool {
	depth := 0
	inString := false
	escaped := false
	sawOpen := false

	for _, b := range buf {
		if escaped {
			escaped = false
			continue
		}
		switch b {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
				sawOpen = true
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}
	return sawOpen && depth <= 0
}
