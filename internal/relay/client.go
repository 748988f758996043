package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AuthPayload is the payload of the {type:"auth"} envelope a Pylon sends
// immediately after the websocket handshake (spec.md §6).
type AuthPayload struct {
	DeviceID   int    `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName,omitempty"`
}

// AuthResultPayload is the relay's reply to an auth envelope.
type AuthResultPayload struct {
	Success bool    `json:"success"`
	Device  *Device `json:"device,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Client owns the single outbound connection to the cloud relay.
type Client struct {
	conn *websocket.Conn

	incomingCh chan Envelope
	closeOnce  sync.Once
	closed     chan struct{}

	writeMu sync.Mutex
	log     zerolog.Logger
}

// Dial opens the websocket connection, performs the auth handshake, and
// starts the read loop. authSecret, when non-empty, is sent as a bearer
// token in the handshake request per the relay's own auth contract
// (outside spec.md's scope, per spec.md §1's stated Non-goal).
func Dial(ctx context.Context, url, authSecret string, pylonID int, deviceName string) (*Client, error) {
	header := http.Header{}
	if authSecret != "" {
		header.Set("Authorization", "Bearer "+authSecret)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}

	c := &Client{
		conn:       conn,
		incomingCh: make(chan Envelope, 256),
		closed:     make(chan struct{}),
		log:        log.With().Str("component", "relay.Client").Logger(),
	}

	authEnv, err := NewEnvelope("auth", AuthPayload{DeviceID: pylonID, DeviceType: "pylon", DeviceName: deviceName})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.conn.WriteJSON(authEnv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: send auth: %w", err)
	}

	var reply Envelope
	if err := c.conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: read auth_result: %w", err)
	}
	if reply.Type != "auth_result" {
		conn.Close()
		return nil, fmt.Errorf("relay: expected auth_result, got %q", reply.Type)
	}
	var result AuthResultPayload
	if err := reply.DecodePayload(&result); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: decode auth_result: %w", err)
	}
	if !result.Success {
		conn.Close()
		return nil, fmt.Errorf("relay: auth rejected: %s", result.Error)
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.incomingCh)
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn().Err(err).Msg("relay connection closed")
			}
			return
		}
		c.incomingCh <- env
	}
}

// Send writes a single envelope to the relay connection.
func (c *Client) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Incoming yields envelopes routed to this Pylon, in arrival order. The
// channel closes when the connection drops.
func (c *Client) Incoming() <-chan Envelope {
	return c.incomingCh
}

// Close terminates the relay connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
