package router

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/messages"
	"github.com/sirgrey8209/estelle2-sub003/internal/persistence"
	"github.com/sirgrey8209/estelle2-sub003/internal/workspace"
)

// LoadSnapshot restores workspace state from the persistence adapter,
// wires its PersistFunc back to persist.SaveWorkspaceSnapshot, loads every
// restored conversation's persisted message log into ms, resets any
// conversation left mid-turn by an unclean prior shutdown to idle, and
// records an aborted message in its log — spec.md §7's restart recovery
// contract. Call before Run.
func LoadSnapshot(pylonID int, persist persistence.Interface, ms *messages.Store) (*workspace.Store, error) {
	data, err := persist.LoadWorkspaceSnapshot()
	if err != nil {
		return nil, fmt.Errorf("router: load workspace snapshot: %w", err)
	}

	save := func(data []byte) {
		if err := persist.SaveWorkspaceSnapshot(data); err != nil {
			log.Error().Err(err).Msg("failed to persist workspace snapshot")
		}
	}

	var ws *workspace.Store
	if data == nil {
		ws = workspace.New(pylonID, save)
	} else {
		ws = workspace.FromJSON(pylonID, data, save)
	}

	for _, view := range ws.GetAllWorkspaces() {
		for _, c := range view.Conversations {
			msgs, err := persist.LoadMessageSession(c.ID)
			if err == nil {
				ms.LoadMessages(c.ID, msgs)
			}
		}
	}

	stale := ws.ResetActiveConversations()
	for _, cid := range stale {
		ms.AddAborted(cid, messages.AbortedSessionEnded)
	}
	return ws, nil
}

// Start begins the inbound dispatch loop in a new goroutine. The relay
// connection it reads from is dialed and authenticated beforehand by
// relay.Dial. It does not start the Beacon/MCP bridge servers — call
// AttachServices once those are listening (spec.md §4.4's startup
// sequence brings the relay connection up first, then the loopback
// services).
func (r *Router) Start() {
	go r.Run()
}

// Shutdown executes spec.md §4.4's shutdown sequence: terminate assistant
// sessions, flush pending message writes, close the loopback services,
// then disconnect from the relay.
func (r *Router) Shutdown() error {
	r.cm.Cleanup()

	if err := r.ms.FlushAll(); err != nil {
		r.log.Error().Err(err).Msg("failed to flush pending message writes during shutdown")
	}

	if r.beaconSrv != nil {
		if err := r.beaconSrv.Close(); err != nil {
			r.log.Error().Err(err).Msg("failed to close beacon server")
		}
	}
	if r.mcpSrv != nil {
		if err := r.mcpSrv.Close(); err != nil {
			r.log.Error().Err(err).Msg("failed to close mcp bridge server")
		}
	}

	if err := r.persist.FlushAll(); err != nil {
		r.log.Error().Err(err).Msg("failed to flush persistence adapter during shutdown")
	}

	if r.relayClient != nil {
		return r.relayClient.Close()
	}
	return nil
}
