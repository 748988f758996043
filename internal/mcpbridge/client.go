package mcpbridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultCallTimeout is the default per-call timeout for Client.
const DefaultCallTimeout = 10 * time.Second

// Client is PylonClient: a one-shot, one-connection-per-call client tool
// processes use to reach this Pylon's PylonMcpServer, mirroring
// beacon.Client's dial-per-call shape.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a PylonClient dialing host:port for every call.
func NewClient(host string, port int) *Client {
	return &Client{addr: fmt.Sprintf("%s:%d", host, port), timeout: DefaultCallTimeout}
}

// Call sends one action request built from fields and returns the decoded
// response object. Every response carries at least "success": bool.
func (c *Client) Call(action string, fields map[string]interface{}) (map[string]interface{}, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["action"] = action

	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("mcpbridge: write: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("mcpbridge: read: %w", err)
		}
		return nil, fmt.Errorf("mcpbridge: connection closed with no response")
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("mcpbridge: decode response: %w", err)
	}
	return resp, nil
}

// LookupAnd resolves toolUseId through the server's injected Beacon lookup
// and then runs action against that conversation in one round trip.
func (c *Client) LookupAnd(action, toolUseID string, fields map[string]interface{}) (map[string]interface{}, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["toolUseId"] = toolUseID
	return c.Call("lookup_and_"+action, fields)
}
