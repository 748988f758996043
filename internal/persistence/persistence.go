// Package persistence implements the Persistence adapter (spec.md §6):
// a file-backed store for the workspace snapshot and per-conversation
// message sessions, grounded on the teacher's core/internal/state/manager.go
// (JSON file per entity, EnsureDir-then-WriteFile) and core/internal/paths
// (directory layout under a single root dir).
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
	"github.com/sirgrey8209/estelle2-sub003/internal/messages"
)

// Interface is the persistence contract spec.md §6 requires: workspace
// snapshot load/save, per-conversation message session load/save, and a
// shutdown-time flush. internal/router depends on this, not on *Store
// directly, so tests can substitute an in-memory fake.
type Interface interface {
	SaveWorkspaceSnapshot(data []byte) error
	LoadWorkspaceSnapshot() ([]byte, error)
	SaveMessageSession(id identity.ConversationID, msgs []messages.Message) error
	LoadMessageSession(id identity.ConversationID) ([]messages.Message, error)
	FlushAll() error
}

// Store is a file-backed Persistence adapter rooted at a single directory.
type Store struct {
	root string
	mu   sync.Mutex
	log  zerolog.Logger
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create root dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create sessions dir: %w", err)
	}
	return &Store{root: dir, log: log.With().Str("component", "persistence.Store").Logger()}, nil
}

func (s *Store) workspaceSnapshotPath() string {
	return filepath.Join(s.root, "workspaces.json")
}

func (s *Store) messageSessionPath(id identity.ConversationID) string {
	return filepath.Join(s.root, "sessions", fmt.Sprintf("%d.json", int64(id)))
}

// SaveWorkspaceSnapshot writes the raw workspace snapshot bytes (already
// produced by workspace.Store.ToJSON) to disk.
func (s *Store) SaveWorkspaceSnapshot(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.workspaceSnapshotPath(), data)
}

// LoadWorkspaceSnapshot reads the raw workspace snapshot bytes. A missing
// file is not an error — it returns (nil, nil), the caller treats it as
// "no prior state".
func (s *Store) LoadWorkspaceSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.workspaceSnapshotPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// SaveMessageSession persists the full message log for one conversation.
func (s *Store) SaveMessageSession(id identity.ConversationID, msgs []messages.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("persistence: marshal session %d: %w", int64(id), err)
	}
	return writeFileAtomic(s.messageSessionPath(id), data)
}

// LoadMessageSession reads back a conversation's message log. A missing
// file returns (nil, nil).
func (s *Store) LoadMessageSession(id identity.ConversationID) ([]messages.Message, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.messageSessionPath(id))
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []messages.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.log.Error().Err(err).Int64("conversationId", int64(id)).Msg("dropping corrupt message session on load")
		return nil, nil
	}
	return msgs, nil
}

// FlushAll is a no-op for the file-backed adapter: every Save* call above
// already writes synchronously. It exists to satisfy the Persistence
// interface's shutdown contract uniformly across adapters.
func (s *Store) FlushAll() error { return nil }

// writeFileAtomic writes via a temp file + rename so a crash mid-write
// can't leave a half-written snapshot on disk.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
