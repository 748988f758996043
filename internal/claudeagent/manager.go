package claudeagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

// DefaultPendingTimeout bounds how long a permission/question prompt may
// stay unanswered before it is auto-resolved (spec.md §4.3).
const DefaultPendingTimeout = 5 * time.Minute

// DefaultStopGrace is how long a cooperative stop waits before the
// subprocess is killed (spec.md §5).
const DefaultStopGrace = 10 * time.Second

// Attachment is a file handed to sendMessage as additional turn context.
type Attachment struct {
	Path     string
	Filename string
}

// StartOptions carries the per-conversation context a fresh session needs.
type StartOptions struct {
	WorkingDir         string
	CustomSystemPrompt *string
	LinkedDocuments    []string

	// StopGrace bounds how long a cooperative Stop waits for the subprocess
	// to exit before it is killed. Zero means the Runner should fall back
	// to DefaultStopGrace. Manager.getOrCreate fills this in from the
	// Manager's configured grace.
	StopGrace time.Duration
}

// Runner spawns and drives the assistant subprocess for one turn. It is
// an interface so tests can substitute a fake without touching a real
// CLI binary; process.go provides the real implementation.
type Runner interface {
	// Run starts (or resumes) a turn and blocks until the subprocess exits,
	// emitting normalized events to out. Returns the session id captured
	// from the stream, if any.
	Run(ctx context.Context, sessionID string, opts StartOptions, prompt string, attachments []Attachment, out chan<- Event) (newSessionID string, err error)

	// Respond delivers a control response (permission decision or question
	// answer) to a still-running turn that emitted the matching toolUseId.
	Respond(toolUseID string, payload interface{}) error
}

type session struct {
	cid    identity.ConversationID
	opts   StartOptions
	events chan Event

	mu              sync.Mutex
	state           State
	sessionID       string
	cancel          context.CancelFunc
	pendingToolUse  string // toolUseId of the outstanding permission or question
	pendingKind     Kind   // KindPermission or KindAskQuestion
	pendingTimer    *time.Timer
}

// Manager is ClaudeManager: owns one session per conversation.
type Manager struct {
	mu       sync.Mutex
	sessions map[identity.ConversationID]*session
	runner   Runner
	log      zerolog.Logger

	pendingTimeout time.Duration
	stopGrace      time.Duration
}

// New creates a ClaudeManager driving sessions via runner.
func New(runner Runner) *Manager {
	return &Manager{
		sessions:       make(map[identity.ConversationID]*session),
		runner:         runner,
		log:            log.With().Str("component", "claudeagent.Manager").Logger(),
		pendingTimeout: DefaultPendingTimeout,
		stopGrace:      DefaultStopGrace,
	}
}

func (m *Manager) getOrCreate(cid identity.ConversationID, opts StartOptions) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[cid]; ok {
		return s
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = m.stopGrace
	}
	s := &session{cid: cid, opts: opts, events: make(chan Event, 256), state: StateIdle}
	m.sessions[cid] = s
	return s
}

// Events returns the event channel for a conversation's session, or nil
// if no session exists yet.
func (m *Manager) Events(cid identity.ConversationID) <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[cid]
	if !ok {
		return nil
	}
	return s.events
}

// SendMessage forwards a turn to the conversation's session, starting one
// if none exists.
func (m *Manager) SendMessage(cid identity.ConversationID, opts StartOptions, prompt string, attachments []Attachment) {
	s := m.getOrCreate(cid, opts)

	s.mu.Lock()
	if s.state == StatePermission || s.state == StateWaiting {
		s.mu.Unlock()
		m.emit(s, Event{Kind: KindError, Error: "cannot send message while a permission or question is pending"})
		return
	}
	s.state = StateWorking
	sessionID := s.sessionID
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	m.emit(s, Event{Kind: KindState, State: StateWorking})

	go m.runTurn(s, ctx, sessionID, prompt, attachments)
}

// runTurn drives one turn: the runner writes raw normalized events onto an
// internal channel so the manager can intercept permissionRequest and
// askQuestion events (to arm the pending-timeout state machine) before
// forwarding everything on to the session's public event channel.
func (m *Manager) runTurn(s *session, ctx context.Context, sessionID, prompt string, attachments []Attachment) {
	internal := make(chan Event, 256)
	done := make(chan struct {
		sessionID string
		err       error
	}, 1)

	go func() {
		newSessionID, err := m.runner.Run(ctx, sessionID, s.opts, prompt, attachments, internal)
		close(internal)
		done <- struct {
			sessionID string
			err       error
		}{newSessionID, err}
	}()

	for ev := range internal {
		switch ev.Kind {
		case KindPermission:
			m.setPending(s, KindPermission, ev.Permission.ToolUseID)
		case KindAskQuestion:
			m.setPending(s, KindAskQuestion, ev.Question.ToolUseID)
		}
		m.emit(s, ev)
	}

	result := <-done

	s.mu.Lock()
	if result.sessionID != "" {
		s.sessionID = result.sessionID
	}
	crashed := result.err != nil
	s.state = StateIdle
	s.clearPendingLocked()
	s.mu.Unlock()

	if crashed {
		m.emit(s, Event{Kind: KindError, Error: result.err.Error()})
		m.emit(s, Event{Kind: KindAborted, AbortReason: AbortCrashed})
	}
	m.emit(s, Event{Kind: KindState, State: StateIdle})
}

// Stop cancels the in-flight turn for a conversation, if any. The session
// remains alive for further turns.
func (m *Manager) Stop(cid identity.ConversationID) {
	m.mu.Lock()
	s, ok := m.sessions[cid]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// NewSession hard-terminates any existing session and drops its state;
// the next SendMessage starts fresh.
func (m *Manager) NewSession(cid identity.ConversationID) {
	m.mu.Lock()
	s, ok := m.sessions[cid]
	if ok {
		delete(m.sessions, cid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	cancel := s.cancel
	s.clearPendingLocked()
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.emit(s, Event{Kind: KindAborted, AbortReason: AbortSessionEnded})
	m.emit(s, Event{Kind: KindState, State: StateIdle})
}

// setPending records a new outstanding permission or question request and
// starts its auto-resolve timeout.
func (m *Manager) setPending(s *session, kind Kind, toolUseID string) {
	s.mu.Lock()
	s.clearPendingLocked()
	s.pendingKind = kind
	s.pendingToolUse = toolUseID
	if kind == KindPermission {
		s.state = StatePermission
	} else {
		s.state = StateWaiting
	}
	s.pendingTimer = time.AfterFunc(m.pendingTimeout, func() { m.timeoutPending(s, toolUseID) })
	s.mu.Unlock()
}

func (s *session) clearPendingLocked() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	s.pendingToolUse = ""
}

func (m *Manager) timeoutPending(s *session, toolUseID string) {
	s.mu.Lock()
	if s.pendingToolUse != toolUseID {
		s.mu.Unlock()
		return
	}
	s.clearPendingLocked()
	s.state = StateWorking
	s.mu.Unlock()

	m.emit(s, Event{Kind: KindError, Error: fmt.Sprintf("pending request for %s timed out", toolUseID)})
}

// RespondPermission fulfills a pending permission request. Returns an
// error if toolUseId does not match the currently pending request.
func (m *Manager) RespondPermission(cid identity.ConversationID, toolUseID, decision, message string) error {
	s, err := m.sessionFor(cid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.pendingKind != KindPermission || s.pendingToolUse != toolUseID {
		s.mu.Unlock()
		return fmt.Errorf("claudeagent: no pending permission request for toolUseId %q", toolUseID)
	}
	s.clearPendingLocked()
	s.state = StateWorking
	s.mu.Unlock()

	if err := m.runner.Respond(toolUseID, map[string]interface{}{"decision": decision, "message": message}); err != nil {
		return err
	}
	m.emit(s, Event{Kind: KindState, State: StateWorking})
	return nil
}

// RespondQuestion fulfills a pending question. Returns an error if
// toolUseId does not match the currently pending request.
func (m *Manager) RespondQuestion(cid identity.ConversationID, toolUseID, answer string) error {
	s, err := m.sessionFor(cid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.pendingKind != KindAskQuestion || s.pendingToolUse != toolUseID {
		s.mu.Unlock()
		return fmt.Errorf("claudeagent: no pending question for toolUseId %q", toolUseID)
	}
	s.clearPendingLocked()
	s.state = StateWorking
	s.mu.Unlock()

	if err := m.runner.Respond(toolUseID, map[string]interface{}{"answer": answer}); err != nil {
		return err
	}
	m.emit(s, Event{Kind: KindState, State: StateWorking})
	return nil
}

func (m *Manager) sessionFor(cid identity.ConversationID) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[cid]
	if !ok {
		return nil, fmt.Errorf("claudeagent: no session for conversation %d", int64(cid))
	}
	return s, nil
}

// Cleanup terminates all sessions deterministically, used on shutdown.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[identity.ConversationID]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		cancel := s.cancel
		s.clearPendingLocked()
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (m *Manager) emit(s *session, ev Event) {
	ev.ConversationID = int64(s.cid)
	select {
	case s.events <- ev:
	default:
		m.log.Warn().Int64("conversationId", int64(s.cid)).Str("kind", string(ev.Kind)).Msg("event channel full, dropping event")
	}
}
