// Package relay implements the single duplex connection to the cloud
// relay (spec.md §6): one JSON envelope per frame over one websocket,
// adapted from the teacher's internal/bridge/client.go with the
// yamux/gRPC/protobuf transport stripped out — spec.md fixes the wire
// format as plain JSON, not a multiplexed RPC substrate.
package relay

import "encoding/json"

// Device identifies the sender of a routed envelope. The relay injects
// this on every envelope it forwards; a Pylon must never trust a
// client-provided From.
type Device struct {
	DeviceID   int    `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	Name       string `json:"name,omitempty"`
	Icon       string `json:"icon,omitempty"`
}

// Envelope is the single wire shape for everything sent or received over
// the relay connection (spec.md §6).
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	To        interface{}     `json:"to,omitempty"`
	Broadcast interface{}     `json:"broadcast,omitempty"`
	From      *Device         `json:"from,omitempty"`
}

// BroadcastAll, BroadcastPylons and BroadcastClients are the recognized
// values of Envelope.Broadcast.
const (
	BroadcastAll     = "all"
	BroadcastPylons  = "pylons"
	BroadcastClients = "clients"
)

// NewEnvelope builds an outbound envelope with payload marshaled to JSON.
func NewEnvelope(typ string, payload interface{}) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// DecodePayload unmarshals an envelope's payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
