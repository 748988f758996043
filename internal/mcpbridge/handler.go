// Package mcpbridge implements PylonMcpServer/PylonClient (spec.md §4.6):
// a loopback TCP tool-to-host action bridge with a richer vocabulary than
// Beacon — workspace document linking, file delivery, conversation
// management, deploys, and conversation sharing.
//
// Grounded on beacon's own server.go for the TCP accept/connection shape
// and on spec.md §4.6/§5's own text for the per-connection JSON
// completeness heuristic (there is no teacher component for a
// hand-rolled streaming JSON framer; the teacher's RPC transports rely on
// gRPC/protobuf framing instead, which spec.md's plain-JSON wire format
// rules out here exactly as it did for internal/relay).
package mcpbridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/claudeagent"
	"github.com/sirgrey8209/estelle2-sub003/internal/deploy"
	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
	"github.com/sirgrey8209/estelle2-sub003/internal/messages"
	"github.com/sirgrey8209/estelle2-sub003/internal/share"
	"github.com/sirgrey8209/estelle2-sub003/internal/workspace"
)

// LookupFunc resolves a toolUseId to the conversation that owns it,
// consulted for every `lookup_and_*` action prefix (spec.md §4.6).
// beacon.Server.Lookup satisfies this signature.
type LookupFunc func(toolUseID string) (conversationID int64, ok bool)

type request struct {
	Action         string   `json:"action"`
	ConversationID int64    `json:"conversationId,omitempty"`
	ToolUseID      string   `json:"toolUseId,omitempty"`
	Path           string   `json:"path,omitempty"`
	Description    string   `json:"description,omitempty"`
	Name           string   `json:"name,omitempty"`
	WorkingDir     string   `json:"workingDir,omitempty"`
	Files          []string `json:"files,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
	Target         string   `json:"target,omitempty"`
	TargetID       int64    `json:"targetId,omitempty"`
	TargetName     string   `json:"targetName,omitempty"`
	ShareID        string   `json:"shareId,omitempty"`
}

// Handler implements every PylonMcpServer action against the in-process
// store types. It holds no transport state, so it's reused as-is for
// in-process tests.
type Handler struct {
	pylonID int
	env     string
	version string

	ws       *workspace.Store
	ms       *messages.Store
	cm       *claudeagent.Manager
	shares   *share.Store
	deployer *deploy.Runner
	lookup   LookupFunc

	log zerolog.Logger
}

// NewHandler creates a Handler. lookup may be nil if no lookup_and_*
// indirection is needed (e.g. in tests driving requests with an explicit
// conversationId).
func NewHandler(pylonID int, env, version string, ws *workspace.Store, ms *messages.Store, cm *claudeagent.Manager, shares *share.Store, deployer *deploy.Runner, lookup LookupFunc) *Handler {
	return &Handler{
		pylonID: pylonID, env: env, version: version,
		ws: ws, ms: ms, cm: cm, shares: shares, deployer: deployer, lookup: lookup,
		log: log.With().Str("component", "mcpbridge.Handler").Logger(),
	}
}

func ok(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["success"] = true
	return fields
}

func fail(format string, args ...interface{}) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": fmt.Sprintf(format, args...)}
}

// Handle dispatches one decoded request to its action implementation.
func (h *Handler) Handle(req request) map[string]interface{} {
	action := req.Action
	cid := identity.ConversationID(req.ConversationID)

	if strings.HasPrefix(action, "lookup_and_") {
		if h.lookup == nil {
			return fail("lookup is not available")
		}
		resolved, found := h.lookup(req.ToolUseID)
		if !found {
			return fail("toolUseId %q not found", req.ToolUseID)
		}
		action = strings.TrimPrefix(action, "lookup_and_")
		cid = identity.ConversationID(resolved)
	}

	switch action {
	case "link":
		return h.link(cid, req.Path)
	case "unlink":
		return h.unlink(cid, req.Path)
	case "list":
		return h.list(cid)
	case "send_file":
		return h.sendFile(req.Path, req.Description)
	case "get_status":
		return h.getStatus(cid)
	case "create_conversation":
		return h.createConversation(cid, req.Name, req.Files)
	case "delete_conversation":
		return h.deleteConversation(cid, req.TargetID, req.TargetName)
	case "rename_conversation":
		return h.renameConversation(cid, req.Name)
	case "set_system_prompt":
		return h.setSystemPrompt(cid, req.Prompt)
	case "deploy":
		return h.deploy(req.Target)
	case "share_create":
		return h.shareCreate(cid)
	case "share_validate":
		return h.shareValidate(req.ShareID)
	case "share_delete":
		return h.shareDelete(cid)
	case "share_history":
		return h.shareHistory(req.ShareID)
	default:
		h.log.Warn().Str("action", req.Action).Msg("unrecognized mcp action")
		return fail("unknown action %q", req.Action)
	}
}

func (h *Handler) link(cid identity.ConversationID, path string) map[string]interface{} {
	if path == "" {
		return fail("path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return fail("file does not exist: %s", path)
	}
	for _, d := range h.ws.GetLinkedDocuments(cid) {
		if samePath(d.Path, path) {
			return fail("Document already exists")
		}
	}
	if !h.ws.LinkDocument(cid, path) {
		return fail("conversation not found")
	}
	return ok(map[string]interface{}{"docs": h.ws.GetLinkedDocuments(cid)})
}

func (h *Handler) unlink(cid identity.ConversationID, path string) map[string]interface{} {
	if !h.ws.UnlinkDocument(cid, path) {
		return fail("document not linked: %s", path)
	}
	return ok(map[string]interface{}{"docs": h.ws.GetLinkedDocuments(cid)})
}

func (h *Handler) list(cid identity.ConversationID) map[string]interface{} {
	docs := h.ws.GetLinkedDocuments(cid)
	if docs == nil {
		return fail("conversation not found")
	}
	return ok(map[string]interface{}{"docs": docs})
}

func (h *Handler) sendFile(path, description string) map[string]interface{} {
	info, err := os.Stat(path)
	if err != nil {
		return fail("file not found: %s", path)
	}
	return ok(map[string]interface{}{
		"filename":    filepath.Base(path),
		"mimeType":    mimeFor(filepath.Ext(path)),
		"size":        info.Size(),
		"path":        path,
		"description": description,
	})
}

func (h *Handler) getStatus(cid identity.ConversationID) map[string]interface{} {
	conv := h.ws.GetConversation(cid)
	if conv == nil {
		return fail("conversation not found")
	}
	ws := h.ws.GetWorkspace(identity.WorkspaceOf(cid))
	workspaceName := ""
	if ws != nil {
		workspaceName = ws.Name
	}
	return ok(map[string]interface{}{
		"environment":     h.env,
		"version":         h.version,
		"workspace":       workspaceName,
		"conversationId":  int64(cid),
		"linkedDocuments": conv.LinkedDocuments,
	})
}

func (h *Handler) createConversation(cid identity.ConversationID, name string, files []string) map[string]interface{} {
	wsID := identity.WorkspaceOf(cid)
	conv := h.ws.CreateConversation(wsID, name)
	if conv == nil {
		return fail("workspace not found")
	}

	var unresolved []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil || !h.ws.LinkDocument(conv.ID, f) {
			unresolved = append(unresolved, f)
		}
	}

	resp := ok(map[string]interface{}{"conversation": conv})
	if len(unresolved) > 0 {
		resp["error"] = fmt.Sprintf("could not link: %s", strings.Join(unresolved, ", "))
	}
	return resp
}

func (h *Handler) deleteConversation(caller identity.ConversationID, targetID int64, targetName string) map[string]interface{} {
	target := identity.ConversationID(targetID)
	if targetName != "" {
		wsID := identity.WorkspaceOf(caller)
		ws := h.ws.GetWorkspace(wsID)
		if ws == nil {
			return fail("workspace not found")
		}
		found := false
		for _, c := range ws.Conversations {
			if strings.EqualFold(c.Name, targetName) {
				target = c.ID
				found = true
				break
			}
		}
		if !found {
			return fail("conversation %q not found", targetName)
		}
	}
	if target == caller {
		return fail("cannot delete the calling conversation")
	}
	if !h.ws.DeleteConversation(target, func(id identity.ConversationID) { h.cm.NewSession(id) }) {
		return fail("conversation not found")
	}
	return ok(nil)
}

func (h *Handler) renameConversation(cid identity.ConversationID, name string) map[string]interface{} {
	name = strings.TrimSpace(name)
	if name == "" {
		return fail("name must not be empty")
	}
	if !h.ws.RenameConversation(cid, name) {
		return fail("conversation not found")
	}
	return ok(nil)
}

func (h *Handler) setSystemPrompt(cid identity.ConversationID, prompt string) map[string]interface{} {
	var p *string
	if prompt != "" {
		p = &prompt
	}
	if !h.ws.SetCustomSystemPrompt(cid, p) {
		return fail("conversation not found")
	}
	h.cm.NewSession(cid)
	return ok(nil)
}

func (h *Handler) deploy(target string) map[string]interface{} {
	res, err := h.deployer.Deploy(context.Background(), h.env, deploy.Target(target))
	if err != nil {
		return fail(err.Error())
	}
	return map[string]interface{}{
		"success": res.Success,
		"tail":    res.Tail,
		"logFile": res.LogFile,
		"error":   res.Error,
	}
}

func (h *Handler) shareCreate(cid identity.ConversationID) map[string]interface{} {
	info, err := h.shares.Create(cid)
	if err != nil {
		return fail(err.Error())
	}
	return ok(map[string]interface{}{"shareId": info.ShareID, "url": "/share/" + info.ShareID})
}

func (h *Handler) shareValidate(shareID string) map[string]interface{} {
	info, found := h.shares.Validate(shareID)
	if !found {
		return fail("share not found")
	}
	return ok(map[string]interface{}{"conversationId": info.ConversationID})
}

func (h *Handler) shareDelete(cid identity.ConversationID) map[string]interface{} {
	if !h.shares.Delete(cid) {
		return fail("no share for this conversation")
	}
	return ok(nil)
}

func (h *Handler) shareHistory(shareID string) map[string]interface{} {
	info, found := h.shares.History(shareID)
	if !found {
		return fail("share not found")
	}
	msgs := h.ms.GetMessages(identity.ConversationID(info.ConversationID))
	return ok(map[string]interface{}{"accessCount": info.AccessCount, "messages": msgs})
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
