// Command pylon runs one Estelle Pylon node: it dials the relay, restores
// its workspace/message state from disk, and serves the Beacon and
// PylonMcpServer loopback bridges until a termination signal arrives.
//
// Wiring and signal-driven shutdown follow the teacher's cmd/ricochet's
// main.go (config.Load, a cancelable root context, SIGINT/SIGTERM into
// cancel()) generalized from a single Telegram bot process to this node's
// relay/beacon/mcpbridge/router set.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/beacon"
	"github.com/sirgrey8209/estelle2-sub003/internal/claudeagent"
	"github.com/sirgrey8209/estelle2-sub003/internal/deploy"
	"github.com/sirgrey8209/estelle2-sub003/internal/mcpbridge"
	"github.com/sirgrey8209/estelle2-sub003/internal/messages"
	"github.com/sirgrey8209/estelle2-sub003/internal/persistence"
	"github.com/sirgrey8209/estelle2-sub003/internal/pylonconfig"
	"github.com/sirgrey8209/estelle2-sub003/internal/relay"
	"github.com/sirgrey8209/estelle2-sub003/internal/router"
	"github.com/sirgrey8209/estelle2-sub003/internal/share"
)

const claudeBinaryEnv = "PYLON_CLAUDE_BINARY"

func main() {
	cfg, err := pylonconfig.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := log.With().Int("pylonId", cfg.PylonID).Str("env", cfg.Env.String()).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	persist, err := persistence.New(cfg.PersistenceDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open persistence store")
	}

	ms := messages.New(persist.SaveMessageSession)

	ws, err := router.LoadSnapshot(cfg.PylonID, persist, ms)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load workspace snapshot")
	}

	claudeBinary := os.Getenv(claudeBinaryEnv)
	if claudeBinary == "" {
		claudeBinary = "claude"
	}
	cm := claudeagent.New(claudeagent.NewProcessRunner(claudeBinary))

	relayClient, err := relay.Dial(ctx, cfg.RelayURL, cfg.RelayAuthSecret, cfg.PylonID, cfg.DeviceName)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to relay")
	}

	blobDir := filepath.Join(cfg.PersistenceDir, "blobs")
	r := router.New(cfg.PylonID, relayClient, ws, ms, cm, persist, blobDir)

	beaconSrv := beacon.New(cfg.PylonID, "127.0.0.1", cfg.McpPort, cfg.Env.String())
	if err := beaconSrv.Start(cfg.BeaconPort); err != nil {
		logger.Fatal().Err(err).Msg("failed to start beacon server")
	}

	deployer := deploy.New(os.Getenv("PYLON_DEPLOY_SCRIPT"), filepath.Join(cfg.PersistenceDir, "deploy-logs"))
	shares := share.New()
	mcpHandler := mcpbridge.NewHandler(cfg.PylonID, cfg.Env.String(), cfg.Version, ws, ms, cm, shares, deployer, beaconSrv.Lookup)
	mcpSrv := mcpbridge.NewServer(mcpHandler)
	if err := mcpSrv.Start(cfg.McpPort); err != nil {
		logger.Fatal().Err(err).Msg("failed to start mcp bridge server")
	}

	r.AttachServices(beaconSrv, mcpSrv)
	r.Start()

	logger.Info().Msg("pylon node started")

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	if err := r.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown encountered an error")
	}
}
