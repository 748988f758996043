// Package router implements the Pylon Router (spec.md §4.4): the apex
// component owning the relay connection, the session-viewer registry, and
// the inbound envelope dispatch / outbound event multicast loops.
//
// The switch-dispatch-over-envelope-type shape is grounded on the
// teacher's core/internal/server/handler.go; the RWMutex-guarded
// subscriber-set-per-key fan-out is grounded on core/cmd/ricochet/main.go's
// WsHub, generalized from one global hub to one viewer set per conversation
// per spec.md §5's stronger per-key requirement.
package router

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/beacon"
	"github.com/sirgrey8209/estelle2-sub003/internal/claudeagent"
	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
	"github.com/sirgrey8209/estelle2-sub003/internal/messages"
	"github.com/sirgrey8209/estelle2-sub003/internal/persistence"
	"github.com/sirgrey8209/estelle2-sub003/internal/relay"
	"github.com/sirgrey8209/estelle2-sub003/internal/workspace"
)

// relayConn is the subset of *relay.Client the Router depends on, declared
// as an interface so tests can substitute a fake without a live websocket.
type relayConn interface {
	Send(env relay.Envelope) error
	Incoming() <-chan relay.Envelope
	Close() error
}

// Router is the Pylon Router apex component.
type Router struct {
	pylonID int

	relayClient relayConn
	ws          *workspace.Store
	ms          *messages.Store
	cm          *claudeagent.Manager
	persist     persistence.Interface
	beaconSrv   *beacon.Server
	mcpSrv      io.Closer

	folders FolderAdapter
	blobs   BlobAdapter
	tasks   TaskAdapter

	viewersMu sync.RWMutex
	viewers   map[identity.ConversationID]map[int]bool

	watchingMu sync.Mutex
	watching   map[identity.ConversationID]bool

	convLocks sync.Map // identity.ConversationID -> *sync.Mutex

	log zerolog.Logger
}

// New creates a Router. beaconSrv/mcpSrv may be nil until AttachServices
// wires them in (they are started after the relay connection per
// spec.md §4.4's startup sequence). blobDir is where in-flight blob_start/
// blob_chunk/blob_end transfers are reassembled on disk.
func New(pylonID int, relayClient relayConn, ws *workspace.Store, ms *messages.Store, cm *claudeagent.Manager, persist persistence.Interface, blobDir string) *Router {
	return &Router{
		pylonID:     pylonID,
		relayClient: relayClient,
		ws:          ws,
		ms:          ms,
		cm:          cm,
		persist:     persist,
		folders:     FSFolderAdapter{},
		blobs:       NewFileBlobAdapter(blobDir),
		tasks:       MarkdownTaskAdapter{},
		viewers:     make(map[identity.ConversationID]map[int]bool),
		watching:    make(map[identity.ConversationID]bool),
		log:         log.With().Str("component", "router.Router").Logger(),
	}
}

// AttachServices wires in the auxiliary TCP services for the shutdown
// sequence once they've been started.
func (r *Router) AttachServices(beaconSrv *beacon.Server, mcpSrv io.Closer) {
	r.beaconSrv = beaconSrv
	r.mcpSrv = mcpSrv
}

func (r *Router) convLock(id identity.ConversationID) *sync.Mutex {
	v, _ := r.convLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Run starts the inbound envelope dispatch loop and blocks until the
// relay connection closes.
func (r *Router) Run() {
	for env := range r.relayClient.Incoming() {
		r.dispatch(env)
	}
	r.log.Warn().Msg("relay connection closed, dispatch loop exiting")
}

func (r *Router) dispatch(env relay.Envelope) {
	fromID := 0
	if env.From != nil {
		fromID = env.From.DeviceID
	}

	switch env.Type {
	case "workspace_list":
		r.replyOne(fromID, "workspace_list_result", map[string]interface{}{
			"deviceId":   r.pylonID,
			"workspaces": r.ws.GetAllWorkspaces(),
		})

	case "workspace_create":
		var p struct{ Name, WorkingDir string }
		_ = env.DecodePayload(&p)
		ws := r.ws.CreateWorkspace(p.Name, p.WorkingDir)
		r.replyOne(fromID, "workspace_create_result", map[string]interface{}{"success": true, "workspace": ws})

	case "workspace_rename":
		var p struct {
			WorkspaceID int
			Name        string
		}
		_ = env.DecodePayload(&p)
		ok := r.ws.RenameWorkspace(p.WorkspaceID, p.Name)
		r.replySuccess(fromID, "workspace_rename_result", ok, "workspace not found")

	case "workspace_delete":
		var p struct{ WorkspaceID int }
		_ = env.DecodePayload(&p)
		ok := r.ws.DeleteWorkspace(p.WorkspaceID)
		r.replySuccess(fromID, "workspace_delete_result", ok, "workspace not found")

	case "workspace_reorder":
		var p struct{ WorkspaceIDs []int }
		_ = env.DecodePayload(&p)
		ok := r.ws.ReorderWorkspaces(p.WorkspaceIDs)
		r.replySuccess(fromID, "workspace_reorder_result", ok, "reorder failed")

	case "conversation_create":
		var p struct {
			WorkspaceID int
			Name        string
		}
		_ = env.DecodePayload(&p)
		conv := r.ws.CreateConversation(p.WorkspaceID, p.Name)
		r.replyOne(fromID, "conversation_create_result", map[string]interface{}{"success": conv != nil, "conversation": conv})

	case "conversation_rename":
		var p struct {
			ConversationID int64
			Name           string
		}
		_ = env.DecodePayload(&p)
		ok := r.ws.RenameConversation(identity.ConversationID(p.ConversationID), p.Name)
		r.replySuccess(fromID, "conversation_rename_result", ok, "conversation not found")

	case "conversation_delete":
		var p struct{ ConversationID int64 }
		_ = env.DecodePayload(&p)
		cid := identity.ConversationID(p.ConversationID)
		ok := r.ws.DeleteConversation(cid, func(id identity.ConversationID) { r.cm.NewSession(id) })
		r.replySuccess(fromID, "conversation_delete_result", ok, "conversation not found")

	case "conversation_reorder":
		var p struct {
			WorkspaceID int
			LocalIDs    []int
		}
		_ = env.DecodePayload(&p)
		ok := r.ws.ReorderConversations(p.WorkspaceID, p.LocalIDs)
		r.replySuccess(fromID, "conversation_reorder_result", ok, "reorder failed")

	case "conversation_select":
		var p struct {
			WorkspaceID    int
			ConversationID int64
		}
		_ = env.DecodePayload(&p)
		cid := identity.ConversationID(p.ConversationID)
		r.addViewer(cid, fromID)
		r.replyOne(fromID, "history_result", map[string]interface{}{"messages": r.ms.GetMessages(cid)})
		r.broadcastConversationStatus(cid)

	case "conversation_deselect":
		var p struct{ ConversationID int64 }
		_ = env.DecodePayload(&p)
		r.removeViewer(identity.ConversationID(p.ConversationID), fromID)

	case "user_message":
		var p struct {
			ConversationID int64
			Text           string
			Attachments    []claudeagent.Attachment
		}
		_ = env.DecodePayload(&p)
		r.handleUserMessage(identity.ConversationID(p.ConversationID), p.Text, p.Attachments)

	case "stop":
		var p struct{ ConversationID int64 }
		_ = env.DecodePayload(&p)
		r.cm.Stop(identity.ConversationID(p.ConversationID))

	case "new_session":
		var p struct{ ConversationID int64 }
		_ = env.DecodePayload(&p)
		r.cm.NewSession(identity.ConversationID(p.ConversationID))

	case "permission_response":
		var p struct {
			ConversationID int64
			ToolUseID      string
			Decision       string
			Message        string
		}
		_ = env.DecodePayload(&p)
		err := r.cm.RespondPermission(identity.ConversationID(p.ConversationID), p.ToolUseID, p.Decision, p.Message)
		r.replySuccess(fromID, "permission_response_result", err == nil, errString(err))

	case "question_response":
		var p struct {
			ConversationID int64
			ToolUseID      string
			Answer         string
		}
		_ = env.DecodePayload(&p)
		err := r.cm.RespondQuestion(identity.ConversationID(p.ConversationID), p.ToolUseID, p.Answer)
		r.replySuccess(fromID, "question_response_result", err == nil, errString(err))

	case "folder_list":
		var p struct{ Path string }
		_ = env.DecodePayload(&p)
		entries, err := r.folders.List(p.Path)
		r.replyListOrError(fromID, "folder_list_result", entries, err)

	case "folder_create":
		var p struct{ Path string }
		_ = env.DecodePayload(&p)
		err := r.folders.Create(p.Path)
		r.replySuccess(fromID, "folder_create_result", err == nil, errString(err))

	case "folder_rename":
		var p struct{ OldPath, NewPath string }
		_ = env.DecodePayload(&p)
		err := r.folders.Rename(p.OldPath, p.NewPath)
		r.replySuccess(fromID, "folder_rename_result", err == nil, errString(err))

	case "blob_start":
		var p struct{ BlobID, Filename string }
		_ = env.DecodePayload(&p)
		err := r.blobs.Start(p.BlobID, p.Filename)
		r.replySuccess(fromID, "blob_start_result", err == nil, errString(err))

	case "blob_chunk":
		var p struct{ BlobID, Data string }
		_ = env.DecodePayload(&p)
		err := r.blobs.Chunk(p.BlobID, p.Data)
		r.replySuccess(fromID, "blob_chunk_result", err == nil, errString(err))

	case "blob_end":
		var p struct{ BlobID string }
		_ = env.DecodePayload(&p)
		path, err := r.blobs.End(p.BlobID)
		r.replyOne(fromID, "blob_end_result", map[string]interface{}{"success": err == nil, "path": path, "error": errString(err)})

	case "task_list":
		var p struct{ WorkspaceID int }
		_ = env.DecodePayload(&p)
		ws := r.ws.GetWorkspace(p.WorkspaceID)
		if ws == nil {
			r.replySuccess(fromID, "task_list_result", false, "workspace not found")
			return
		}
		tasks, err := r.tasks.List(ws.WorkingDir)
		r.replyListOrError(fromID, "task_list_result", tasks, err)

	case "task_get":
		var p struct {
			WorkspaceID int
			ID          string
		}
		_ = env.DecodePayload(&p)
		ws := r.ws.GetWorkspace(p.WorkspaceID)
		if ws == nil {
			r.replySuccess(fromID, "task_get_result", false, "workspace not found")
			return
		}
		task, err := r.tasks.Get(ws.WorkingDir, p.ID)
		r.replyOne(fromID, "task_get_result", map[string]interface{}{"success": err == nil, "task": task, "error": errString(err)})

	case "task_update_status":
		var p struct {
			WorkspaceID int
			ID, Status  string
		}
		_ = env.DecodePayload(&p)
		ws := r.ws.GetWorkspace(p.WorkspaceID)
		if ws == nil {
			r.replySuccess(fromID, "task_update_status_result", false, "workspace not found")
			return
		}
		err := r.tasks.UpdateStatus(ws.WorkingDir, p.ID, p.Status)
		r.replySuccess(fromID, "task_update_status_result", err == nil, errString(err))

	case "ping":
		r.replyOne(fromID, "pong", nil)

	case "client_disconnect":
		var p struct{ DeviceID int }
		_ = env.DecodePayload(&p)
		r.dropAllViewerships(p.DeviceID)

	default:
		r.log.Warn().Str("type", env.Type).Msg("unrecognized envelope type")
	}
}

func (r *Router) handleUserMessage(cid identity.ConversationID, text string, attachments []claudeagent.Attachment) {
	lock := r.convLock(cid)
	lock.Lock()
	r.ms.AddUserMessage(cid, text)
	lock.Unlock()

	ws, conv := r.ownerOf(cid)
	if conv == nil {
		return
	}
	opts := claudeagent.StartOptions{WorkingDir: ws.WorkingDir, CustomSystemPrompt: conv.CustomSystemPrompt}
	for _, doc := range conv.LinkedDocuments {
		opts.LinkedDocuments = append(opts.LinkedDocuments, doc.Path)
	}

	r.cm.SendMessage(cid, opts, text, attachments)
	r.ensureWatching(cid)
}

func (r *Router) ownerOf(cid identity.ConversationID) (*workspace.Workspace, *workspace.Conversation) {
	wsID := identity.WorkspaceOf(cid)
	ws := r.ws.GetWorkspace(wsID)
	if ws == nil {
		return nil, nil
	}
	return ws, r.ws.GetConversation(cid)
}

// ensureWatching starts the outbound fan-out loop for a conversation's
// ClaudeManager events the first time it has any events to forward.
func (r *Router) ensureWatching(cid identity.ConversationID) {
	r.watchingMu.Lock()
	defer r.watchingMu.Unlock()
	if r.watching[cid] {
		return
	}
	ch := r.cm.Events(cid)
	if ch == nil {
		return
	}
	r.watching[cid] = true
	go r.forwardEvents(cid, ch)
}

// forwardEvents is the outbound event multicast loop for one conversation
// (spec.md §4.4's "Outbound event multicast" section).
func (r *Router) forwardEvents(cid identity.ConversationID, ch <-chan claudeagent.Event) {
	for ev := range ch {
		lock := r.convLock(cid)
		lock.Lock()
		r.handleOutboundEvent(cid, ev)
		lock.Unlock()
	}
}

func (r *Router) handleOutboundEvent(cid identity.ConversationID, ev claudeagent.Event) {
	if ev.Kind == claudeagent.KindState {
		status := mapState(ev.State)
		r.ws.UpdateConversationStatus(cid, status)
		r.broadcastAll("conversation_status", map[string]interface{}{"conversationId": int64(cid), "status": status})
	} else {
		r.unicastToViewers(cid, "claude_event", map[string]interface{}{"conversationId": int64(cid), "event": ev})
	}

	r.appendNormalized(cid, ev)
}

func mapState(s claudeagent.State) workspace.Status {
	switch s {
	case claudeagent.StateWorking:
		return workspace.StatusWorking
	case claudeagent.StatePermission:
		return workspace.StatusPermission
	case claudeagent.StateWaiting:
		return workspace.StatusWaiting
	default:
		return workspace.StatusIdle
	}
}

func (r *Router) appendNormalized(cid identity.ConversationID, ev claudeagent.Event) {
	switch ev.Kind {
	case claudeagent.KindTextComplete:
		r.ms.AddAssistantText(cid, ev.TextFull)
	case claudeagent.KindToolInfo:
		r.ms.AddToolStart(cid, messages.ToolStartPayload{
			ToolUseID:       ev.ToolInfo.ToolUseID,
			ToolName:        ev.ToolInfo.ToolName,
			ToolInput:       json.RawMessage(ev.ToolInfo.ToolInput),
			ParentToolUseID: ev.ToolInfo.ParentToolUseID,
		})
		if r.beaconSrv != nil {
			r.beaconSrv.RegisterTool(ev.ToolInfo.ToolUseID, int64(cid), ev.ToolInfo.ToolInput)
		}
	case claudeagent.KindToolComplete:
		r.ms.AddToolComplete(cid, messages.ToolCompletePayload{
			ToolUseID: ev.ToolComplete.ToolUseID,
			ToolName:  ev.ToolComplete.ToolName,
			Success:   ev.ToolComplete.Success,
			Output:    json.RawMessage(ev.ToolComplete.Output),
			Error:     ev.ToolComplete.Error,
		})
		if r.beaconSrv != nil {
			r.beaconSrv.Unregister(ev.ToolComplete.ToolUseID)
		}
	case claudeagent.KindResult:
		r.ms.AddResult(cid, messages.ResultPayload{
			Subtype:       ev.Result.Subtype,
			DurationMs:    ev.Result.DurationMs,
			TotalCostUSD:  ev.Result.TotalCostUSD,
			NumTurns:      ev.Result.NumTurns,
			InputTokens:   ev.Result.Usage.InputTokens,
			OutputTokens:  ev.Result.Usage.OutputTokens,
			CacheReadIn:   ev.Result.Usage.CacheReadInputTokens,
			CacheCreateIn: ev.Result.Usage.CacheCreationInputTokens,
		})
	case claudeagent.KindError:
		r.ms.AddError(cid, ev.Error)
	case claudeagent.KindAborted:
		r.ms.AddAborted(cid, ev.AbortReason)
	case claudeagent.KindFileAttachment:
		r.ms.AddFileAttachment(cid, messages.FileAttachmentPayload{
			Path: ev.FileAttachment.Path, Filename: ev.FileAttachment.Filename,
			MimeType: ev.FileAttachment.MimeType, FileType: ev.FileAttachment.FileType,
			Size: ev.FileAttachment.Size, Description: ev.FileAttachment.Description,
		})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
