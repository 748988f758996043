package claudeagent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

type fakeRunner struct {
	mu        sync.Mutex
	responses chan map[string]interface{}
	emit      func(ctx context.Context, out chan<- Event)
}

func (f *fakeRunner) Run(ctx context.Context, sessionID string, opts StartOptions, prompt string, attachments []Attachment, out chan<- Event) (string, error) {
	if f.emit != nil {
		f.emit(ctx, out)
	}
	<-ctx.Done()
	return "sess-1", nil
}

func (f *fakeRunner) Respond(toolUseID string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		return fmt.Errorf("no pending response channel")
	}
	f.responses <- payload.(map[string]interface{})
	return nil
}

func testCID(t *testing.T) identity.ConversationID {
	t.Helper()
	id, err := identity.Encode(1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func drainUntil(t *testing.T, ch <-chan Event, kind Kind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %s", kind)
		}
	}
}

func TestSendMessageStartsWorkingThenIdleOnStop(t *testing.T) {
	runner := &fakeRunner{}
	m := New(runner)
	cid := testCID(t)

	m.SendMessage(cid, StartOptions{WorkingDir: "/tmp"}, "hello", nil)
	drainUntil(t, m.Events(cid), KindState, time.Second)

	m.Stop(cid)
	drainUntil(t, m.Events(cid), KindState, time.Second)
}

func TestRespondPermissionRejectsUnknownToolUseID(t *testing.T) {
	runner := &fakeRunner{}
	m := New(runner)
	cid := testCID(t)

	m.SendMessage(cid, StartOptions{WorkingDir: "/tmp"}, "hello", nil)
	drainUntil(t, m.Events(cid), KindState, time.Second)

	if err := m.RespondPermission(cid, "toolu_unknown", "allow", ""); err == nil {
		t.Fatal("expected error responding to an unknown toolUseId")
	}
	m.Stop(cid)
}

func TestRespondPermissionFulfillsPendingRequest(t *testing.T) {
	responses := make(chan map[string]interface{}, 1)
	runner := &fakeRunner{
		responses: responses,
		emit: func(ctx context.Context, out chan<- Event) {
			go func() {
				out <- Event{Kind: KindPermission, Permission: &PermissionRequest{ToolUseID: "toolu_1", ToolName: "Bash"}}
			}()
		},
	}
	m := New(runner)
	cid := testCID(t)

	m.SendMessage(cid, StartOptions{WorkingDir: "/tmp"}, "hello", nil)
	drainUntil(t, m.Events(cid), KindPermission, time.Second)

	if err := m.RespondPermission(cid, "toolu_1", "allow", ""); err != nil {
		t.Fatalf("expected permission response to succeed, got %v", err)
	}

	select {
	case got := <-responses:
		if got["decision"] != "allow" {
			t.Fatalf("expected allow decision delivered to runner, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Respond to be called on the runner")
	}

	m.Stop(cid)
}

func TestNewSessionDropsStateAndEmitsAborted(t *testing.T) {
	runner := &fakeRunner{}
	m := New(runner)
	cid := testCID(t)

	m.SendMessage(cid, StartOptions{WorkingDir: "/tmp"}, "hello", nil)
	events := m.Events(cid)
	drainUntil(t, events, KindState, time.Second)

	m.NewSession(cid)

	if ev := drainUntil(t, events, KindAborted, time.Second); ev.AbortReason != AbortSessionEnded {
		t.Fatalf("expected aborted(%s), got aborted(%s)", AbortSessionEnded, ev.AbortReason)
	}
	if m.Events(cid) != nil {
		t.Fatal("expected session to be dropped after NewSession")
	}
}
