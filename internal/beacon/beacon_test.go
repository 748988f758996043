package beacon

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, int) {
	t.Helper()
	s := New(1, "127.0.0.1", 9880, "dev")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.listener = l
	go s.acceptLoop()

	t.Cleanup(func() { s.Close() })

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return s, port
}

func TestLookupUnknownToolUseIDFails(t *testing.T) {
	_, port := startTestServer(t)
	c := NewClient("127.0.0.1", port)

	if _, err := c.Lookup("toolu_missing"); err == nil {
		t.Fatal("expected error for unregistered toolUseId")
	}
}

func TestLookupEmptyToolUseIDRejectedClientSide(t *testing.T) {
	c := NewClient("127.0.0.1", 1) // never dialed
	if _, err := c.Lookup(""); err == nil {
		t.Fatal("expected client-side rejection of empty toolUseId")
	}
}

func TestRegisterToolThenLookupSucceeds(t *testing.T) {
	s, port := startTestServer(t)
	s.RegisterTool("toolu_01", 42, nil)

	c := NewClient("127.0.0.1", port)
	res, err := c.Lookup("toolu_01")
	if err != nil {
		t.Fatal(err)
	}
	if res.ConversationID != 42 {
		t.Fatalf("expected conversationId 42, got %d", res.ConversationID)
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	s, port := startTestServer(t)
	s.RegisterTool("toolu_02", 7, nil)
	s.Unregister("toolu_02")

	c := NewClient("127.0.0.1", port)
	if _, err := c.Lookup("toolu_02"); err == nil {
		t.Fatal("expected lookup to fail after unregister")
	}
}

func TestLookupDropsExpiredEntries(t *testing.T) {
	s := New(1, "127.0.0.1", 9880, "dev")
	s.ttl = time.Millisecond
	s.RegisterTool("toolu_03", 1, nil)
	time.Sleep(5 * time.Millisecond)

	if _, ok := s.lookup("toolu_03"); ok {
		t.Fatal("expected expired entry to be evicted on lookup")
	}
}
