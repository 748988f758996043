// Package share implements ShareStore: short unguessable read-only links
// to a conversation's message log (spec.md §3, §4.6).
package share

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const idLength = 12

// Info is one conversation's live share link plus its access history.
type Info struct {
	ShareID        string    `json:"shareId"`
	ConversationID int64     `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
	AccessCount    int       `json:"accessCount"`
}

// Store holds at most one live share per conversation; creating a new
// share for a conversation that already has one replaces it.
type Store struct {
	mu        sync.RWMutex
	byShareID map[string]*Info
	byConv    map[identity.ConversationID]string
}

// New creates an empty ShareStore.
func New() *Store {
	return &Store{
		byShareID: make(map[string]*Info),
		byConv:    make(map[identity.ConversationID]string),
	}
}

// Create mints a new share for a conversation, replacing any existing
// share for it.
func (s *Store) Create(id identity.ConversationID) (*Info, error) {
	shareID, err := newShareID()
	if err != nil {
		return nil, fmt.Errorf("share: generate id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byConv[id]; ok {
		delete(s.byShareID, old)
	}

	info := &Info{
		ShareID:        shareID,
		ConversationID: int64(id),
		CreatedAt:      time.Now(),
		AccessCount:    0,
	}
	s.byShareID[shareID] = info
	s.byConv[id] = shareID
	return info, nil
}

// Validate reports whether shareID refers to a live share, without
// incrementing its access count.
func (s *Store) Validate(shareID string) (*Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.byShareID[shareID]
	if !ok {
		return nil, false
	}
	copy := *info
	return &copy, true
}

// History returns the share's info and increments its access count, used
// when a share link is actually viewed.
func (s *Store) History(shareID string) (*Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byShareID[shareID]
	if !ok {
		return nil, false
	}
	info.AccessCount++
	copy := *info
	return &copy, true
}

// Delete removes a conversation's live share, if any. Reports whether a
// share existed.
func (s *Store) Delete(id identity.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	shareID, ok := s.byConv[id]
	if !ok {
		return false
	}
	delete(s.byConv, id)
	delete(s.byShareID, shareID)
	return true
}

func newShareID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}
