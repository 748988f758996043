// Package messages implements the MessageStore: an append-only log per
// conversation with debounced persistence (spec.md §4.2).
//
// The persist-on-a-timer-per-key shape is grounded on the teacher's
// core/internal/agent/session_manager.go (one JSON file per session,
// written on every mutating call) generalized to the debounced/coalesced
// flush spec.md requires instead of writing synchronously on every call.
package messages

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

// DefaultDebounce is the coalescing window spec.md §4.2 mandates (2s per conversation).
const DefaultDebounce = 2 * time.Second

// PersistFunc writes the full, current log for a conversation. A failure
// must only be logged — spec.md §4.2 forbids losing in-memory state on a
// failed flush.
type PersistFunc func(id identity.ConversationID, msgs []Message) error

// Store is an append-only, per-conversation message log with debounced persistence.
type Store struct {
	mu       sync.Mutex
	logs     map[identity.ConversationID][]Message
	timers   map[identity.ConversationID]*time.Timer
	debounce time.Duration
	persist  PersistFunc
	log      zerolog.Logger
}

// New creates an empty MessageStore. persist may be nil (no-op persistence,
// useful in tests).
func New(persist PersistFunc) *Store {
	return &Store{
		logs:     make(map[identity.ConversationID][]Message),
		timers:   make(map[identity.ConversationID]*time.Timer),
		debounce: DefaultDebounce,
		persist:  persist,
		log:      log.With().Str("component", "messages.Store").Logger(),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func newID() string { return uuid.NewString() }

func (s *Store) appendLocked(id identity.ConversationID, msg Message) {
	s.logs[id] = append(s.logs[id], msg)
	s.scheduleFlushLocked(id)
}

func (s *Store) scheduleFlushLocked(id identity.ConversationID) {
	if s.persist == nil {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(s.debounce, func() { s.flush(id) })
}

func (s *Store) flush(id identity.ConversationID) error {
	s.mu.Lock()
	msgs := append([]Message(nil), s.logs[id]...)
	delete(s.timers, id)
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	if err := s.persist(id, msgs); err != nil {
		s.log.Error().Err(err).Int64("conversationId", int64(id)).Msg("failed to persist message log, keeping in-memory state")
		return err
	}
	return nil
}

// FlushAll immediately, synchronously persists every conversation with a
// pending debounce timer. Called on shutdown. Returns the last error
// encountered, if any, after attempting every pending flush.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	ids := make([]identity.ConversationID, 0, len(s.timers))
	for id, t := range s.timers {
		t.Stop()
		ids = append(ids, id)
	}
	s.timers = make(map[identity.ConversationID]*time.Timer)
	s.mu.Unlock()

	var lastErr error
	for _, id := range ids {
		if err := s.flush(id); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AddUserMessage appends a user text message.
func (s *Store) AddUserMessage(id identity.ConversationID, text string) Message {
	return s.add(id, Message{ID: newID(), Role: RoleUser, Type: KindText, Timestamp: nowMs(), Payload: text})
}

// AddAssistantText appends a completed assistant text message.
func (s *Store) AddAssistantText(id identity.ConversationID, text string) Message {
	return s.add(id, Message{ID: newID(), Role: RoleAssistant, Type: KindText, Timestamp: nowMs(), Payload: text})
}

// AddToolStart appends a toolStart message.
func (s *Store) AddToolStart(id identity.ConversationID, p ToolStartPayload) Message {
	return s.add(id, Message{ID: newID(), Role: RoleAssistant, Type: KindToolStart, Timestamp: nowMs(), Payload: p})
}

// AddToolComplete appends a toolComplete message.
func (s *Store) AddToolComplete(id identity.ConversationID, p ToolCompletePayload) Message {
	return s.add(id, Message{ID: newID(), Role: RoleAssistant, Type: KindToolComplete, Timestamp: nowMs(), Payload: p})
}

// AddResult appends a result message.
func (s *Store) AddResult(id identity.ConversationID, p ResultPayload) Message {
	return s.add(id, Message{ID: newID(), Role: RoleSystem, Type: KindResult, Timestamp: nowMs(), Payload: p})
}

// AddError appends an error message.
func (s *Store) AddError(id identity.ConversationID, message string) Message {
	return s.add(id, Message{ID: newID(), Role: RoleSystem, Type: KindError, Timestamp: nowMs(), Payload: ErrorPayload{Message: message}})
}

// AddAborted appends an aborted message.
func (s *Store) AddAborted(id identity.ConversationID, reason string) Message {
	return s.add(id, Message{ID: newID(), Role: RoleSystem, Type: KindAborted, Timestamp: nowMs(), Payload: AbortedPayload{Reason: reason}})
}

// AddFileAttachment appends a file-attachment message.
func (s *Store) AddFileAttachment(id identity.ConversationID, p FileAttachmentPayload) Message {
	return s.add(id, Message{ID: newID(), Role: RoleAssistant, Type: KindFileAttachment, Timestamp: nowMs(), Payload: p})
}

func (s *Store) add(id identity.ConversationID, msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(id, msg)
	return msg
}

// GetMessages returns the ordered message log for a conversation.
func (s *Store) GetMessages(id identity.ConversationID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.logs[id]))
	copy(out, s.logs[id])
	return out
}

// MergeHistory replaces the stored prefix for a conversation with external,
// preserving any locally-stored messages that are strictly newer than
// external's latest timestamp and not already present by id (spec.md §4.2).
func (s *Store) MergeHistory(id identity.ConversationID, external []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxExternalTS int64
	externalIDs := make(map[string]bool, len(external))
	for _, m := range external {
		externalIDs[m.ID] = true
		if m.Timestamp > maxExternalTS {
			maxExternalTS = m.Timestamp
		}
	}

	merged := append([]Message(nil), external...)
	for _, m := range s.logs[id] {
		if m.Timestamp > maxExternalTS && !externalIDs[m.ID] {
			merged = append(merged, m)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })

	s.logs[id] = merged
	s.scheduleFlushLocked(id)
}

// LoadMessages seeds a conversation's log directly from persistence at
// startup, bypassing the debounce scheduling (nothing to flush back yet).
func (s *Store) LoadMessages(id identity.ConversationID, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append([]Message(nil), msgs...)
}
