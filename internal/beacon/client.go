package beacon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultLookupTimeout is the default per-lookup timeout for BeaconClient.
const DefaultLookupTimeout = 5 * time.Second

// Client is BeaconClient: a one-shot, one-connection-per-call client
// embedded in tool processes.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a BeaconClient dialing host:port for every call.
func NewClient(host string, port int) *Client {
	return &Client{addr: fmt.Sprintf("%s:%d", host, port), timeout: DefaultLookupTimeout}
}

// LookupResult is the resolved conversation for a tool invocation.
type LookupResult struct {
	ConversationID int64
	MCPHost        string
	MCPPort        int
	Raw            json.RawMessage
}

// Lookup resolves toolUseId to its owning conversation. Rejects an empty
// toolUseId without making a connection.
func (c *Client) Lookup(toolUseID string) (*LookupResult, error) {
	if toolUseID == "" {
		return nil, fmt.Errorf("beacon: toolUseId is required")
	}

	resp, err := c.call(request{Action: "lookup", ToolUseID: toolUseID})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("beacon: lookup failed: %s", resp.Error)
	}
	return &LookupResult{
		ConversationID: resp.ConversationID,
		MCPHost:        resp.MCPHost,
		MCPPort:        resp.MCPPort,
		Raw:            resp.Raw,
	}, nil
}

// Register announces this Pylon's identity to the beacon.
func (c *Client) Register(pylonID int, mcpHost string, mcpPort int, env string) error {
	resp, err := c.call(request{Action: "register", PylonID: pylonID, MCPHost: mcpHost, MCPPort: mcpPort, Env: env})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("beacon: register failed: %s", resp.Error)
	}
	return nil
}

func (c *Client) call(req request) (*response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("beacon: dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("beacon: write: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("beacon: read: %w", err)
		}
		return nil, fmt.Errorf("beacon: connection closed with no response")
	}

	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("beacon: decode response: %w", err)
	}
	return &resp, nil
}
