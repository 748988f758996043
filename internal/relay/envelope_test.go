package relay

import "testing"

func TestNewEnvelopeAndDecodePayloadRoundTrip(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}
	env, err := NewEnvelope("ping", payload{Foo: "bar"})
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "ping" {
		t.Fatalf("expected type ping, got %s", env.Type)
	}

	var got payload
	if err := env.DecodePayload(&got); err != nil {
		t.Fatal(err)
	}
	if got.Foo != "bar" {
		t.Fatalf("expected foo=bar, got %+v", got)
	}
}

func TestDecodePayloadNoopOnEmptyPayload(t *testing.T) {
	env := Envelope{Type: "ping"}
	var got map[string]string
	if err := env.DecodePayload(&got); err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil map for empty payload, got %+v", got)
	}
}
