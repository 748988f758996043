package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirgrey8209/estelle2-sub003/internal/claudeagent"
	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
	"github.com/sirgrey8209/estelle2-sub003/internal/messages"
	"github.com/sirgrey8209/estelle2-sub003/internal/persistence"
	"github.com/sirgrey8209/estelle2-sub003/internal/relay"
	"github.com/sirgrey8209/estelle2-sub003/internal/workspace"
)

// fakeRelay is an in-process relayConn: Send appends to outbox instead of
// touching a websocket, Incoming replays envelopes pushed via deliver.
type fakeRelay struct {
	in chan relay.Envelope

	mu     sync.Mutex
	outbox []relay.Envelope
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{in: make(chan relay.Envelope, 32)}
}

func (f *fakeRelay) Send(env relay.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, env)
	return nil
}
func (f *fakeRelay) Incoming() <-chan relay.Envelope { return f.in }
func (f *fakeRelay) Close() error                    { close(f.in); return nil }

func (f *fakeRelay) snapshot() []relay.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]relay.Envelope, len(f.outbox))
	copy(out, f.outbox)
	return out
}

// fakeRunner is a minimal claudeagent.Runner that emits a fixed sequence of
// events then blocks until the context is cancelled.
type fakeRunner struct {
	events []claudeagent.Event
}

func (f *fakeRunner) Run(ctx context.Context, sessionID string, opts claudeagent.StartOptions, prompt string, attachments []claudeagent.Attachment, out chan<- claudeagent.Event) (string, error) {
	for _, ev := range f.events {
		out <- ev
	}
	<-ctx.Done()
	return "sess-1", nil
}

func (f *fakeRunner) Respond(toolUseID string, payload interface{}) error { return nil }

type fakePersistence struct{}

func (fakePersistence) SaveWorkspaceSnapshot(data []byte) error { return nil }
func (fakePersistence) LoadWorkspaceSnapshot() ([]byte, error)  { return nil, nil }
func (fakePersistence) SaveMessageSession(id identity.ConversationID, msgs []messages.Message) error {
	return nil
}
func (fakePersistence) LoadMessageSession(id identity.ConversationID) ([]messages.Message, error) {
	return nil, nil
}
func (fakePersistence) FlushAll() error { return nil }

func newTestRouter(t *testing.T, runner claudeagent.Runner) (*Router, *fakeRelay, *workspace.Store) {
	t.Helper()
	fr := newFakeRelay()
	ws := workspace.New(1, func([]byte) {})
	ms := messages.New(func(identity.ConversationID, []messages.Message) error { return nil })
	cm := claudeagent.New(runner)
	r := New(1, fr, ws, ms, cm, fakePersistence{}, t.TempDir())
	return r, fr, ws
}

func envelopeOfType(envs []relay.Envelope, typ string) (relay.Envelope, bool) {
	for _, e := range envs {
		if e.Type == typ {
			return e, true
		}
	}
	return relay.Envelope{}, false
}

func TestConversationSelectAddsViewerAndSendsHistory(t *testing.T) {
	r, fr, ws := newTestRouter(t, &fakeRunner{})
	wsObj := ws.CreateWorkspace("proj", "/tmp/proj")
	cid := wsObj.Conversations[0].ID

	payload, _ := json.Marshal(map[string]interface{}{"workspaceId": wsObj.WorkspaceID, "conversationId": int64(cid)})
	r.dispatch(relay.Envelope{Type: "conversation_select", Payload: payload, From: &relay.Device{DeviceID: 7}})

	if viewers := r.viewersOf(cid); len(viewers) != 1 || viewers[0] != 7 {
		t.Fatalf("expected device 7 registered as viewer, got %v", viewers)
	}
	if _, ok := envelopeOfType(fr.snapshot(), "history_result"); !ok {
		t.Fatal("expected a history_result reply")
	}
	if _, ok := envelopeOfType(fr.snapshot(), "conversation_status"); !ok {
		t.Fatal("expected a conversation_status broadcast on select")
	}
}

func TestUserMessageBroadcastsStateAndUnicastsToolEventsToViewersOnly(t *testing.T) {
	runner := &fakeRunner{events: []claudeagent.Event{
		{Kind: claudeagent.KindToolInfo, ToolInfo: &claudeagent.ToolInfo{ToolUseID: "tu1", ToolName: "Bash"}},
	}}
	r, fr, ws := newTestRouter(t, runner)
	wsObj := ws.CreateWorkspace("proj", "/tmp/proj")
	cid := wsObj.Conversations[0].ID

	selectPayload, _ := json.Marshal(map[string]interface{}{"workspaceId": wsObj.WorkspaceID, "conversationId": int64(cid)})
	r.dispatch(relay.Envelope{Type: "conversation_select", Payload: selectPayload, From: &relay.Device{DeviceID: 7}})

	msgPayload, _ := json.Marshal(map[string]interface{}{"conversationId": int64(cid), "text": "hi"})
	r.dispatch(relay.Envelope{Type: "user_message", Payload: msgPayload, From: &relay.Device{DeviceID: 7}})

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := envelopeOfType(fr.snapshot(), "claude_event"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a claude_event to reach the viewer")
		case <-time.After(10 * time.Millisecond):
		}
	}

	claudeEnv, _ := envelopeOfType(fr.snapshot(), "claude_event")
	if to, ok := claudeEnv.To.(int); !ok || to != 7 {
		t.Fatalf("expected claude_event addressed to viewer 7, got %+v", claudeEnv.To)
	}

	if _, ok := envelopeOfType(fr.snapshot(), "conversation_status"); !ok {
		t.Fatal("expected a conversation_status broadcast from the state transition")
	}

	r.cm.Stop(cid)
}

func TestNonViewerDoesNotReceiveConversationEvents(t *testing.T) {
	runner := &fakeRunner{events: []claudeagent.Event{
		{Kind: claudeagent.KindToolInfo, ToolInfo: &claudeagent.ToolInfo{ToolUseID: "tu1", ToolName: "Bash"}},
	}}
	r, fr, ws := newTestRouter(t, runner)
	wsObj := ws.CreateWorkspace("proj", "/tmp/proj")
	cid := wsObj.Conversations[0].ID

	// No conversation_select: device 9 is not a viewer of cid.
	msgPayload, _ := json.Marshal(map[string]interface{}{"conversationId": int64(cid), "text": "hi"})
	r.dispatch(relay.Envelope{Type: "user_message", Payload: msgPayload, From: &relay.Device{DeviceID: 9}})

	time.Sleep(100 * time.Millisecond)
	for _, e := range fr.snapshot() {
		if e.Type == "claude_event" {
			t.Fatalf("non-viewer should never receive a claude_event, got one addressed to %+v", e.To)
		}
	}

	r.cm.Stop(cid)
}

func TestPingRepliesPongToSender(t *testing.T) {
	r, fr, _ := newTestRouter(t, &fakeRunner{})
	r.dispatch(relay.Envelope{Type: "ping", From: &relay.Device{DeviceID: 3}})

	env, ok := envelopeOfType(fr.snapshot(), "pong")
	if !ok {
		t.Fatal("expected a pong reply")
	}
	if to, ok := env.To.(int); !ok || to != 3 {
		t.Fatalf("expected pong addressed to device 3, got %+v", env.To)
	}
}

func TestClientDisconnectDropsAllViewerships(t *testing.T) {
	r, _, ws := newTestRouter(t, &fakeRunner{})
	wsObj := ws.CreateWorkspace("proj", "/tmp/proj")
	cid := wsObj.Conversations[0].ID
	r.addViewer(cid, 5)

	payload, _ := json.Marshal(map[string]interface{}{"deviceId": 5})
	r.dispatch(relay.Envelope{Type: "client_disconnect", Payload: payload})

	if viewers := r.viewersOf(cid); len(viewers) != 0 {
		t.Fatalf("expected no viewers after disconnect, got %v", viewers)
	}
}

var _ = persistence.Interface(fakePersistence{})
