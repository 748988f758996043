package router

import (
	"github.com/sirgrey8209/estelle2-sub003/internal/identity"
	"github.com/sirgrey8209/estelle2-sub003/internal/relay"
)

// addViewer records that deviceID is watching a conversation's events.
func (r *Router) addViewer(cid identity.ConversationID, deviceID int) {
	r.viewersMu.Lock()
	defer r.viewersMu.Unlock()
	set, ok := r.viewers[cid]
	if !ok {
		set = make(map[int]bool)
		r.viewers[cid] = set
	}
	set[deviceID] = true
}

// removeViewer stops forwarding a conversation's events to deviceID.
func (r *Router) removeViewer(cid identity.ConversationID, deviceID int) {
	r.viewersMu.Lock()
	defer r.viewersMu.Unlock()
	if set, ok := r.viewers[cid]; ok {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(r.viewers, cid)
		}
	}
}

// dropAllViewerships removes deviceID from every conversation's viewer set,
// used when the relay reports a client has disconnected.
func (r *Router) dropAllViewerships(deviceID int) {
	r.viewersMu.Lock()
	defer r.viewersMu.Unlock()
	for cid, set := range r.viewers {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(r.viewers, cid)
		}
	}
}

func (r *Router) viewersOf(cid identity.ConversationID) []int {
	r.viewersMu.RLock()
	defer r.viewersMu.RUnlock()
	set := r.viewers[cid]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// unicastToViewers sends one envelope per current viewer of cid — the
// routing class for every claudeagent event kind except "state"
// (spec.md §4.4: state broadcasts, everything else is per-viewer).
func (r *Router) unicastToViewers(cid identity.ConversationID, typ string, payload interface{}) {
	for _, deviceID := range r.viewersOf(cid) {
		r.replyOne(deviceID, typ, payload)
	}
}

func (r *Router) broadcastConversationStatus(cid identity.ConversationID) {
	conv := r.ws.GetConversation(cid)
	if conv == nil {
		return
	}
	r.broadcastAll("conversation_status", map[string]interface{}{
		"conversationId": int64(cid),
		"status":         conv.Status,
	})
}

// broadcastAll sends an envelope to every connected client via the relay's
// broadcast addressing (spec.md §6).
func (r *Router) broadcastAll(typ string, payload interface{}) {
	env, err := relay.NewEnvelope(typ, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", typ).Msg("failed to build broadcast envelope")
		return
	}
	env.Broadcast = relay.BroadcastClients
	if err := r.relayClient.Send(env); err != nil {
		r.log.Error().Err(err).Str("type", typ).Msg("failed to send broadcast envelope")
	}
}

// replyOne sends an envelope addressed to a single device.
func (r *Router) replyOne(deviceID int, typ string, payload interface{}) {
	env, err := relay.NewEnvelope(typ, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", typ).Msg("failed to build reply envelope")
		return
	}
	env.To = deviceID
	if err := r.relayClient.Send(env); err != nil {
		r.log.Error().Err(err).Str("type", typ).Msg("failed to send reply envelope")
	}
}

func (r *Router) replySuccess(deviceID int, typ string, ok bool, errMsg string) {
	payload := map[string]interface{}{"success": ok}
	if !ok {
		payload["error"] = errMsg
	}
	r.replyOne(deviceID, typ, payload)
}

func (r *Router) replyListOrError(deviceID int, typ string, items interface{}, err error) {
	if err != nil {
		r.replyOne(deviceID, typ, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	r.replyOne(deviceID, typ, map[string]interface{}{"success": true, "items": items})
}
