package messages

// Role is who produced a StoreMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind is the type-specific shape of a StoreMessage's payload.
type Kind string

const (
	KindText           Kind = "text"
	KindToolStart      Kind = "toolStart"
	KindToolComplete   Kind = "toolComplete"
	KindResult         Kind = "result"
	KindError          Kind = "error"
	KindAborted        Kind = "aborted"
	KindFileAttachment Kind = "fileAttachment"
)

// Message is a single, immutable entry in a conversation's append-only log.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Type      Kind        `json:"type"`
	Timestamp int64       `json:"timestamp"` // ms since epoch
	Payload   interface{} `json:"payload,omitempty"`
}

// ToolStartPayload is the payload of a KindToolStart message.
type ToolStartPayload struct {
	ToolUseID       string      `json:"toolUseId"`
	ToolName        string      `json:"toolName"`
	ToolInput       interface{} `json:"toolInput"`
	ParentToolUseID string      `json:"parentToolUseId,omitempty"`
}

// ToolCompletePayload is the payload of a KindToolComplete message.
type ToolCompletePayload struct {
	ToolUseID string      `json:"toolUseId"`
	ToolName  string      `json:"toolName"`
	Success   bool        `json:"success"`
	Output    interface{} `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ResultPayload is the payload of a KindResult message.
type ResultPayload struct {
	Subtype       string  `json:"subtype"`
	DurationMs    int64   `json:"duration_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	NumTurns      int     `json:"num_turns"`
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	CacheReadIn   int     `json:"cacheReadInputTokens"`
	CacheCreateIn int     `json:"cacheCreationInputTokens"`
}

// ErrorPayload is the payload of a KindError message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// AbortedPayload is the payload of a KindAborted message.
type AbortedPayload struct {
	Reason string `json:"reason"`
}

// FileAttachmentPayload is the payload of a KindFileAttachment message.
type FileAttachmentPayload struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	FileType    string `json:"fileType"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
}

const (
	// AbortedSessionEnded is the reason used when a session is force-terminated
	// (conversation delete, new_session, restart recovery).
	AbortedSessionEnded = "session_ended"
	// AbortedCrashed is the reason used when the assistant subprocess crashes.
	AbortedCrashed = "crashed"
)
