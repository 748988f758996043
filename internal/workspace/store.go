// Package workspace implements the WorkspaceStore: the in-memory,
// authoritative model of workspaces, conversations and linked documents
// (spec.md §4.1), with id allocation/reuse and a persistence hook.
//
// The locking/Save-on-every-mutation shape is grounded on the teacher's
// core/internal/config/store.go (mutex-guarded struct, JSON round trip,
// Update(fn) wrapping a mutation with a save) generalized from a single
// settings blob to a full entity store.
package workspace

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

// PersistFunc is invoked after every state-changing operation so the caller
// can push a fresh snapshot to a Persistence adapter. It is always called
// synchronously and must not block for long — WorkspaceStore holds its lock
// across the call the way core/internal/config/store.go holds its lock
// across Save().
type PersistFunc func(data []byte)

// Store is the authoritative, in-process model of every workspace and
// conversation on this Pylon. All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	pylonID int
	log     zerolog.Logger

	workspaces map[int]*Workspace
	order      []int // workspace insertion order, user-visible

	activeWorkspaceID   int
	activeConversations map[int]int // workspaceId -> active local conversation id

	persist PersistFunc
}

// New creates an empty WorkspaceStore for the given pylonID.
func New(pylonID int, persist PersistFunc) *Store {
	return &Store{
		pylonID:              pylonID,
		log:                  log.With().Str("component", "workspace.Store").Logger(),
		workspaces:           make(map[int]*Workspace),
		activeConversations:  make(map[int]int),
		persist:              persist,
	}
}

func (s *Store) touchPersist() {
	if s.persist == nil {
		return
	}
	data, err := s.toJSONLocked()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to serialize workspace snapshot")
		return
	}
	s.persist(data)
}

func normalizeWorkingDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	return filepath.Clean(strings.ReplaceAll(dir, "/", string(filepath.Separator)))
}

// CreateWorkspace creates a new workspace with exactly one initial
// conversation, marks both as active, and persists.
func (s *Store) CreateWorkspace(name, workingDir string) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := make(map[int]bool, len(s.workspaces))
	for id := range s.workspaces {
		used[id] = true
	}
	id := allocateID(used)

	now := time.Now()
	ws := &Workspace{
		WorkspaceID: id,
		Name:        name,
		WorkingDir:  normalizeWorkingDir(workingDir),
		CreatedAt:   now,
		LastUsed:    now,
	}
	s.workspaces[id] = ws
	s.order = append(s.order, id)
	s.activeWorkspaceID = id

	conv := s.newConversationLocked(ws, "")
	s.activeConversations[id] = conv.LocalID

	s.touchPersist()
	return ws
}

func (s *Store) newConversationLocked(ws *Workspace, name string) *Conversation {
	used := make(map[int]bool, len(ws.Conversations))
	for _, c := range ws.Conversations {
		used[c.LocalID] = true
	}
	localID := allocateID(used)

	if name == "" {
		name = defaultConversationName
	}

	packed, err := identity.Encode(s.pylonID, ws.WorkspaceID, localID)
	if err != nil {
		// Neither New nor CreateWorkspace range-checks pylonID or the
		// allocated workspace id, so Encode fails here once pylonID,
		// workspaceID or localID exceeds identity's limits; the error is
		// logged and the conversation keeps a zero id.
		s.log.Error().Err(err).Msg("failed to encode conversation id")
	}

	conv := &Conversation{
		ID:             packed,
		LocalID:        localID,
		Name:           name,
		Status:         StatusIdle,
		PermissionMode: PermissionDefault,
		CreatedAt:      time.Now(),
	}
	ws.Conversations = append(ws.Conversations, conv)
	return conv
}

// GetWorkspace returns the workspace by id, or nil if missing.
func (s *Store) GetWorkspace(id int) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[id]
}

// GetAllWorkspaces returns every workspace in insertion order, annotated
// with whether it is the currently active workspace.
func (s *Store) GetAllWorkspaces() []WorkspaceView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]WorkspaceView, 0, len(s.order))
	for _, id := range s.order {
		ws, ok := s.workspaces[id]
		if !ok {
			continue
		}
		views = append(views, WorkspaceView{Workspace: ws, IsActive: id == s.activeWorkspaceID})
	}
	return views
}

// RenameWorkspace renames (and updates) a workspace. An empty-after-trim
// name is rejected.
func (s *Store) RenameWorkspace(id int, name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	return s.UpdateWorkspace(id, name, "")
}

// UpdateWorkspace patches a workspace's name and/or workingDir. Pass an
// empty string for a field to leave it unchanged (workingDir accepts "" to
// mean "leave unchanged" since the empty working dir is not meaningful).
func (s *Store) UpdateWorkspace(id int, name, workingDir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[id]
	if !ok {
		return false
	}

	if name != "" {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return false
		}
		ws.Name = trimmed
	}
	if workingDir != "" {
		ws.WorkingDir = normalizeWorkingDir(workingDir)
	}
	s.touchPersist()
	return true
}

// DeleteWorkspace removes a workspace. If it was active, the first
// remaining workspace (in insertion order) is promoted, or the active
// selection is cleared if none remain.
func (s *Store) DeleteWorkspace(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[id]; !ok {
		return false
	}
	delete(s.workspaces, id)
	delete(s.activeConversations, id)

	for i, wid := range s.order {
		if wid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if s.activeWorkspaceID == id {
		if len(s.order) > 0 {
			s.activeWorkspaceID = s.order[0]
		} else {
			s.activeWorkspaceID = 0
		}
	}

	s.touchPersist()
	return true
}

// ReorderWorkspaces applies a new ordering. ids must be a permutation of the
// currently existing workspace ids.
func (s *Store) ReorderWorkspaces(ids []int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isPermutation(ids, s.workspaces) {
		return false
	}
	s.order = append([]int(nil), ids...)
	s.touchPersist()
	return true
}

func isPermutation(ids []int, set map[int]*Workspace) bool {
	if len(ids) != len(set) {
		return false
	}
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return false
		}
		if _, ok := set[id]; !ok {
			return false
		}
		seen[id] = true
	}
	return true
}

// ReorderConversations reorders the conversations of a single workspace.
// ids are local conversation ids and must be a permutation of the
// workspace's current conversations.
func (s *Store) ReorderConversations(workspaceID int, localIDs []int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return false
	}

	byID := make(map[int]*Conversation, len(ws.Conversations))
	for _, c := range ws.Conversations {
		byID[c.LocalID] = c
	}
	if len(localIDs) != len(byID) {
		return false
	}
	reordered := make([]*Conversation, 0, len(localIDs))
	seen := make(map[int]bool, len(localIDs))
	for _, lid := range localIDs {
		if seen[lid] {
			return false
		}
		c, ok := byID[lid]
		if !ok {
			return false
		}
		seen[lid] = true
		reordered = append(reordered, c)
	}
	ws.Conversations = reordered
	s.touchPersist()
	return true
}

// CreateConversation creates a new conversation within workspaceID. Returns
// nil if the workspace does not exist.
func (s *Store) CreateConversation(workspaceID int, name string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil
	}
	conv := s.newConversationLocked(ws, name)
	s.activeConversations[workspaceID] = conv.LocalID
	s.touchPersist()
	return conv
}

func (s *Store) findConversationLocked(id identity.ConversationID) (*Workspace, *Conversation) {
	_, workspaceID, _ := identity.Decode(id)
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, nil
	}
	for _, c := range ws.Conversations {
		if c.ID == id {
			return ws, c
		}
	}
	return nil, nil
}

// RenameConversation renames a conversation. Empty-after-trim names are rejected.
func (s *Store) RenameConversation(id identity.ConversationID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false
	}
	conv.Name = trimmed
	s.touchPersist()
	return true
}

// ConversationEndedFunc is invoked synchronously while the store's lock is
// held, right before a conversation that owns a running assistant session
// is deleted, so the caller can terminate that session and append the
// aborted(session_ended) message under the same critical section spec.md §5
// requires for conversation-scoped mutations.
type ConversationEndedFunc func(id identity.ConversationID)

// DeleteConversation removes a conversation from its workspace. If it was
// the active conversation, the first remaining conversation is promoted.
// onEnded, if non-nil, is called before removal when the conversation is
// not idle (spec.md §3 "forces that session to terminate").
func (s *Store) DeleteConversation(id identity.ConversationID, onEnded ConversationEndedFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}

	if conv.Status != StatusIdle && onEnded != nil {
		onEnded(id)
	}

	for i, c := range ws.Conversations {
		if c.ID == id {
			ws.Conversations = append(ws.Conversations[:i], ws.Conversations[i+1:]...)
			break
		}
	}

	if active, ok := s.activeConversations[ws.WorkspaceID]; ok && active == conv.LocalID {
		if len(ws.Conversations) > 0 {
			s.activeConversations[ws.WorkspaceID] = ws.Conversations[0].LocalID
		} else {
			delete(s.activeConversations, ws.WorkspaceID)
		}
	}

	s.touchPersist()
	return true
}

// SetActiveConversation marks id as the active conversation within its workspace.
func (s *Store) SetActiveConversation(id identity.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	s.activeConversations[ws.WorkspaceID] = conv.LocalID
	ws.LastUsed = time.Now()
	s.touchPersist()
	return true
}

// GetConversation returns a conversation by packed id, or nil.
func (s *Store) GetConversation(id identity.ConversationID) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	return conv
}

// UpdateConversationStatus sets a conversation's status.
func (s *Store) UpdateConversationStatus(id identity.ConversationID, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	conv.Status = status
	s.touchPersist()
	return true
}

// UpdateConversationUnread sets a conversation's unread flag.
func (s *Store) UpdateConversationUnread(id identity.ConversationID, unread bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	conv.Unread = unread
	s.touchPersist()
	return true
}

// UpdateAssistantSessionID sets the opaque assistant session handle for a conversation.
func (s *Store) UpdateAssistantSessionID(id identity.ConversationID, sessionID *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	conv.AssistantSessionID = sessionID
	s.touchPersist()
	return true
}

// GetConversationPermissionMode returns a conversation's permission mode,
// defaulting to PermissionDefault semantics on the returned bool being false.
func (s *Store) GetConversationPermissionMode(id identity.ConversationID) (PermissionMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return PermissionDefault, false
	}
	return conv.PermissionMode, true
}

// SetConversationPermissionMode sets a conversation's permission mode.
func (s *Store) SetConversationPermissionMode(id identity.ConversationID, mode PermissionMode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	conv.PermissionMode = mode
	s.touchPersist()
	return true
}

// normalizeDocPath canonicalizes a linked-document path: trim surrounding
// whitespace, reject empty, fold every slash variant ("/" or "\\") to the
// host path separator so the same logical path always compares equal
// regardless of which slash style the caller used (spec.md §4.1, §8).
func normalizeDocPath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}
	p = strings.NewReplacer("\\", string(filepath.Separator), "/", string(filepath.Separator)).Replace(p)
	return p, true
}

// LinkDocument attaches path to a conversation. Fails on a missing
// conversation, an empty/whitespace path, or a duplicate (case-sensitive,
// post-normalization) path. Linking the same path twice is idempotent: the
// second call fails and the original LinkedDocument (with its original
// AddedAt) is left untouched.
func (s *Store) LinkDocument(id identity.ConversationID, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	norm, ok := normalizeDocPath(path)
	if !ok {
		return false
	}
	for _, d := range conv.LinkedDocuments {
		if d.Path == norm {
			return false
		}
	}
	conv.LinkedDocuments = append(conv.LinkedDocuments, LinkedDocument{Path: norm, AddedAt: time.Now()})
	s.touchPersist()
	return true
}

// UnlinkDocument removes a linked document by (normalized) path.
func (s *Store) UnlinkDocument(id identity.ConversationID, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	norm, ok := normalizeDocPath(path)
	if !ok {
		return false
	}
	for i, d := range conv.LinkedDocuments {
		if d.Path == norm {
			conv.LinkedDocuments = append(conv.LinkedDocuments[:i], conv.LinkedDocuments[i+1:]...)
			s.touchPersist()
			return true
		}
	}
	return false
}

// GetLinkedDocuments returns a conversation's linked documents, or nil if missing.
func (s *Store) GetLinkedDocuments(id identity.ConversationID) []LinkedDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return nil
	}
	out := make([]LinkedDocument, len(conv.LinkedDocuments))
	copy(out, conv.LinkedDocuments)
	return out
}

// SetCustomSystemPrompt stores prompt (nil clears it) for a conversation.
func (s *Store) SetCustomSystemPrompt(id identity.ConversationID, prompt *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversationLocked(id)
	if conv == nil {
		return false
	}
	conv.CustomSystemPrompt = prompt
	s.touchPersist()
	return true
}

// FindWorkspaceByName returns the first workspace whose name contains query
// as a case-insensitive substring, in insertion order.
func (s *Store) FindWorkspaceByName(query string) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	for _, id := range s.order {
		ws := s.workspaces[id]
		if strings.Contains(strings.ToLower(ws.Name), q) {
			return ws
		}
	}
	return nil
}

// FindWorkspaceByWorkingDir returns the workspace with an exact (normalized) workingDir match.
func (s *Store) FindWorkspaceByWorkingDir(dir string) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	norm := normalizeWorkingDir(dir)
	for _, id := range s.order {
		ws := s.workspaces[id]
		if ws.WorkingDir == norm {
			return ws
		}
	}
	return nil
}

// ResetActiveConversations forces every working/waiting/permission
// conversation back to idle (spec.md §3, run on startup) and returns the
// ids that were reset so the caller can append an aborted(session_ended)
// message for each.
func (s *Store) ResetActiveConversations() []identity.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset []identity.ConversationID
	for _, id := range s.order {
		ws := s.workspaces[id]
		for _, c := range ws.Conversations {
			switch c.Status {
			case StatusWorking, StatusWaiting, StatusPermission:
				c.Status = StatusIdle
				reset = append(reset, c.ID)
			}
		}
	}
	if len(reset) > 0 {
		s.touchPersist()
	}
	return reset
}

// ToJSON returns a full snapshot of the store.
func (s *Store) ToJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toJSONLocked()
}

func (s *Store) toJSONLocked() ([]byte, error) {
	snap := snapshot{
		PylonID:             s.pylonID,
		ActiveWorkspaceID:   s.activeWorkspaceID,
		ActiveConversations: s.activeConversations,
	}
	for _, id := range s.order {
		snap.Workspaces = append(snap.Workspaces, s.workspaces[id])
	}
	return json.Marshal(snap)
}

// FromJSON restores a Store from a snapshot produced by ToJSON. Malformed
// entries are dropped rather than causing the whole restore to fail,
// per spec.md §4.1.
func FromJSON(pylonID int, data []byte, persist PersistFunc) *Store {
	s := New(pylonID, persist)
	if len(data) == 0 {
		return s
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Error().Err(err).Msg("malformed workspace snapshot, starting empty")
		return s
	}

	for _, ws := range snap.Workspaces {
		if ws == nil || ws.WorkspaceID <= 0 {
			continue
		}
		cleanConvs := make([]*Conversation, 0, len(ws.Conversations))
		for _, c := range ws.Conversations {
			if c == nil || c.LocalID <= 0 {
				continue
			}
			packed, err := identity.Encode(pylonID, ws.WorkspaceID, c.LocalID)
			if err != nil {
				continue
			}
			c.ID = packed
			if c.PermissionMode == "" {
				c.PermissionMode = PermissionDefault
			}
			if c.Status == "" {
				c.Status = StatusIdle
			}
			cleanConvs = append(cleanConvs, c)
		}
		ws.Conversations = cleanConvs
		s.workspaces[ws.WorkspaceID] = ws
		s.order = append(s.order, ws.WorkspaceID)
	}

	s.activeWorkspaceID = snap.ActiveWorkspaceID
	if snap.ActiveConversations != nil {
		s.activeConversations = snap.ActiveConversations
	}
	return s
}
