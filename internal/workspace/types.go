package workspace

import (
	"time"

	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
)

// Status is the authoritative lifecycle state of a conversation's assistant
// session, valid only while the Pylon is healthy (spec.md §3).
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWorking    Status = "working"
	StatusWaiting    Status = "waiting"
	StatusPermission Status = "permission"
)

// PermissionMode controls how aggressively the assistant may act without
// confirmation for a given conversation.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypass"
)

// LinkedDocument is a file path attached to a conversation for context
// injection into assistant prompts.
type LinkedDocument struct {
	Path    string    `json:"path"`
	AddedAt time.Time `json:"addedAt"`
}

// Conversation is a single conversation thread within a Workspace.
type Conversation struct {
	ID                 identity.ConversationID `json:"id"`
	LocalID            int                     `json:"localId"`
	Name               string                  `json:"name"`
	AssistantSessionID *string                 `json:"assistantSessionId,omitempty"`
	Status             Status                  `json:"status"`
	Unread             bool                    `json:"unread"`
	PermissionMode     PermissionMode          `json:"permissionMode"`
	LinkedDocuments    []LinkedDocument        `json:"linkedDocuments"`
	CustomSystemPrompt *string                 `json:"customSystemPrompt,omitempty"`
	CreatedAt          time.Time               `json:"createdAt"`
}

// Workspace groups an ordered list of conversations under a working directory.
type Workspace struct {
	WorkspaceID   int             `json:"workspaceId"`
	Name          string          `json:"name"`
	WorkingDir    string          `json:"workingDir"`
	Conversations []*Conversation `json:"conversations"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastUsed      time.Time       `json:"lastUsed"`
}

// WorkspaceView is a Workspace annotated with the active flag, as returned
// by GetAllWorkspaces.
type WorkspaceView struct {
	*Workspace
	IsActive bool `json:"isActive"`
}

// defaultConversationName matches the teacher product's convention of a
// localized default name for a freshly created conversation.
const defaultConversationName = "새 대화"

// snapshot is the JSON-serializable form produced by ToJSON / consumed by FromJSON.
type snapshot struct {
	PylonID             int          `json:"pylonId"`
	Workspaces          []*Workspace `json:"workspaces"`
	ActiveWorkspaceID   int          `json:"activeWorkspaceId"`
	ActiveConversations map[int]int  `json:"activeConversations"` // workspaceId -> local conversation id
}
