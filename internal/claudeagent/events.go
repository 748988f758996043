// Package claudeagent implements ClaudeManager (spec.md §4.3): one
// assistant subprocess session per conversation, normalizing the
// underlying CLI's stream-json protocol into a closed set of event
// kinds.
//
// The subprocess-per-turn-with-resume model is grounded on
// other_examples' helmcode-agent claude-manager.go (`claude -p ... --resume
// <session_id>`); the normalized closed-event-kind design and
// pendingToolCalls-by-tool_use_id bookkeeping are grounded on
// other_examples' kandev streamjson adapter.
package claudeagent

import "encoding/json"

// Kind is the canonical, SDK-independent event kind emitted on a
// session's event channel.
type Kind string

const (
	KindState          Kind = "state"
	KindText           Kind = "text"
	KindTextComplete   Kind = "textComplete"
	KindToolInfo       Kind = "toolInfo"
	KindToolProgress   Kind = "toolProgress"
	KindToolComplete   Kind = "toolComplete"
	KindPermission     Kind = "permissionRequest"
	KindAskQuestion    Kind = "askQuestion"
	KindResult         Kind = "result"
	KindError          Kind = "error"
	KindAborted        Kind = "aborted"
	KindUsageUpdate    Kind = "usageUpdate"
	KindFileAttachment Kind = "fileAttachment"
)

// State is the per-session state exposed to viewers via the "state" event.
type State string

const (
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StatePermission State = "permission"
	StateWaiting    State = "waiting"
)

// Event is the single normalized shape emitted on a session's channel.
// Exactly one of the typed payload fields is populated, selected by Kind.
type Event struct {
	ConversationID int64 `json:"-"`
	Kind           Kind  `json:"kind"`

	State       State   `json:"state,omitempty"`
	TextDelta   string  `json:"textDelta,omitempty"`
	TextFull    string  `json:"textFull,omitempty"`
	ToolInfo    *ToolInfo    `json:"toolInfo,omitempty"`
	ToolProgress *ToolProgress `json:"toolProgress,omitempty"`
	ToolComplete *ToolComplete `json:"toolComplete,omitempty"`
	Permission  *PermissionRequest `json:"permissionRequest,omitempty"`
	Question    *AskQuestion `json:"askQuestion,omitempty"`
	Result      *Result `json:"result,omitempty"`
	Error       string  `json:"error,omitempty"`
	AbortReason string  `json:"abortReason,omitempty"`
	Usage       *Usage  `json:"usage,omitempty"`
	FileAttachment *FileAttachment `json:"fileAttachment,omitempty"`
}

// ToolInfo announces a tool invocation has started.
type ToolInfo struct {
	ToolUseID       string          `json:"toolUseId"`
	ToolName        string          `json:"toolName"`
	ToolInput       json.RawMessage `json:"toolInput"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
}

// ToolProgress reports a long-running tool is still executing.
type ToolProgress struct {
	ToolName      string `json:"toolName"`
	ElapsedSeconds int   `json:"elapsedSeconds"`
}

// ToolComplete reports a tool invocation's outcome.
type ToolComplete struct {
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PermissionRequest blocks the session pending a human decision.
type PermissionRequest struct {
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput"`
}

// QuestionOption is one selectable choice in an AskQuestion.
type QuestionOption struct {
	Label string `json:"label"`
}

// Question is one question within an AskQuestion batch.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// AskQuestion blocks the session pending a human answer.
type AskQuestion struct {
	ToolUseID string     `json:"toolUseId"`
	Questions []Question `json:"questions"`
}

// Usage is token accounting attached to a Result or a standalone usageUpdate.
type Usage struct {
	InputTokens        int `json:"inputTokens"`
	OutputTokens       int `json:"outputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
}

// Result is the final event of a completed turn.
type Result struct {
	Subtype      string  `json:"subtype"`
	DurationMs   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	Usage        Usage   `json:"usage"`
}

// FileAttachment is a file the assistant produced or referenced.
type FileAttachment struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	FileType    string `json:"fileType"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
}

// Abort reasons (spec.md §4.2/§4.3).
const (
	AbortSessionEnded = "session_ended"
	AbortCrashed      = "crashed"
)
