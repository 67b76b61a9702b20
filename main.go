package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pdsmove/pdsmove/internal/blob"
	"github.com/pdsmove/pdsmove/internal/cache"
	"github.com/pdsmove/pdsmove/internal/didres"
	"github.com/pdsmove/pdsmove/internal/identity"
	"github.com/pdsmove/pdsmove/internal/orchestrator"
	"github.com/pdsmove/pdsmove/internal/pds"
	"github.com/pdsmove/pdsmove/internal/server"
	"github.com/pdsmove/pdsmove/pkg/config"
	"github.com/pdsmove/pdsmove/pkg/models"
)

func main() {
	sourceHost := flag.String("source-pds", "", "source PDS host, e.g. https://bsky.social")
	sourceIdentifier := flag.String("source-identifier", "", "source account handle or DID")
	sourcePassword := flag.String("source-password", "", "source account app password")
	targetHost := flag.String("target-pds", "", "target PDS host")
	targetHandle := flag.String("target-handle", "", "handle to register on the target")
	targetEmail := flag.String("target-email", "", "email to register on the target")
	targetPassword := flag.String("target-password", "", "password to set on the target account")
	targetInvite := flag.String("target-invite", "", "target PDS invite code, if required")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(slog.LevelInfo),
	}))

	if *sourceHost == "" || *sourceIdentifier == "" || *targetHost == "" {
		logger.Error("missing required flags: -source-pds, -source-identifier, -target-pds are mandatory")
		os.Exit(1)
	}

	durableCache, err := cache.GetManager().Open(cfg, nil)
	if err != nil {
		logger.Error("failed to open durable cache", "error", err)
		os.Exit(1)
	}
	logger.Info("durable cache backend selected", "backend", cache.GetManager().Backend())

	sourceSession := &models.Session{PDSHost: *sourceHost}
	targetSession := &models.Session{PDSHost: *targetHost}

	timeout := time.Duration(cfg.GetSubConfig("pds").GetIntWithDefault("requestTimeoutSeconds", 30)) * time.Second
	sourceClient := pds.New(sourceSession, timeout)
	targetClient := pds.New(targetSession, timeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sourceClient.CreateSession(ctx, *sourceIdentifier, *sourcePassword); err != nil {
		logger.Error("failed to authenticate with source PDS", "error", err)
		os.Exit(1)
	}

	streamingCfg := cfg.GetSubConfig("streaming")
	blobCfg := cfg.GetSubConfig("blob")

	migrator := &blob.Migrator{
		Source:      sourceClient,
		Target:      targetClient,
		Cache:       durableCache,
		ChunkSize:   streamingCfg.GetIntWithDefault("chunkSize", 64*1024),
		TeeCapacity: streamingCfg.GetIntWithDefault("teeCapacity", 4),
		MaxAttempts: blobCfg.GetIntWithDefault("maxAttempts", 5),
		MaxInterval: time.Duration(blobCfg.GetIntWithDefault("maxIntervalSeconds", 60)) * time.Second,
	}

	tokens := identity.NewChannelTokenSource()
	go promptForToken(logger, tokens)

	progress := make(chan models.ProgressEvent, 64)

	state := &models.MigrationState{
		Checkpoint: models.Checkpoint{
			DID:       sourceSession.DID,
			SourcePDS: *sourceHost,
			TargetPDS: *targetHost,
		},
		Source: *sourceSession,
		Target: *targetSession,
	}

	checkpoints := orchestrator.CacheCheckpointStore{Cache: durableCache}
	if existing, err := checkpoints.Load(ctx, state.Checkpoint.DID); err == nil && existing.Phase != models.PhaseNotStarted {
		logger.Info("resuming migration from checkpoint", "phase", existing.Phase.String())
		state.Checkpoint = existing
	}

	var snapMu sync.Mutex
	snap := state.Checkpoint
	snapshot := func() models.Checkpoint {
		snapMu.Lock()
		defer snapMu.Unlock()
		return snap
	}

	go func() {
		for ev := range progress {
			snapMu.Lock()
			snap = state.Checkpoint
			snapMu.Unlock()
			if ev.Chunk {
				logger.Debug("progress", "phase", ev.Phase.String(), "blob", ev.BlobCID, "bytesMoved", ev.BytesMoved)
				continue
			}
			logger.Info("phase transition", "phase", ev.Phase.String(), "message", ev.Message)
		}
	}()

	orch := &orchestrator.Orchestrator{
		Checkpoints: checkpoints,
		Logger:      logger,
		Migrator:    migrator,
		Rotator:     &identity.Rotator{Source: sourceClient, Target: targetClient, Resolver: didres.New("", nil)},
		Tokens:      tokens,
		Source:      sourceClient,
		Target:      targetClient,
		ChunkSize:   migrator.ChunkSize,
		Progress:    progress,
	}

	statusSrv := server.New(cfg.GetSubConfig("server"), logger, snapshot)
	go func() {
		if err := statusSrv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()

	runErr := orch.Run(ctx, state, orchestrator.Params{
		Handle:     *targetHandle,
		Email:      *targetEmail,
		Password:   *targetPassword,
		InviteCode: *targetInvite,
	})
	close(progress)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown error", "error", err)
	}

	if runErr != nil {
		logger.Error("migration failed", "error", runErr, "phase", state.Checkpoint.Phase.String())
		os.Exit(1)
	}
	logger.Info("migration complete", "did", state.Checkpoint.DID)
}

// promptForToken reads the PLC signing token from stdin once the
// source PDS has emailed it, the CLI's stand-in for whatever out-of-band
// channel (webhook, support ticket) a hosted deployment would use instead.
func promptForToken(logger *slog.Logger, tokens *identity.ChannelTokenSource) {
	fmt.Println("When identity rotation begins, enter the PLC signing token emailed by the source PDS:")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		logger.Warn("failed to read plc signing token from stdin", "error", err)
		return
	}
	tokens.Submit(trimNewline(line))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
