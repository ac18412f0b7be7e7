package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anowell/toren/internal/ancillary"
	"github.com/anowell/toren/internal/api"
	"github.com/anowell/toren/internal/assignment"
	"github.com/anowell/toren/internal/common/config"
	"github.com/anowell/toren/internal/common/logger"
	"github.com/anowell/toren/internal/security"
	"github.com/anowell/toren/internal/segment"
	"github.com/anowell/toren/internal/work"
	"github.com/anowell/toren/internal/workspace"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting toren daemon...")

	// 3. Initialize security context (pairing + sessions)
	sec, err := security.NewContext(log)
	if err != nil {
		log.Fatal("Failed to initialize security context", zap.Error(err))
	}
	log.Info("Pairing token ready", zap.String("token", sec.PairingToken()))

	// 4. Initialize segment registry
	segments := segment.NewRegistry(cfg.Segments.Roots, log)

	// 5. Initialize workspace manager (optional: requires workspace_root)
	var workspaces *workspace.Manager
	if cfg.Ancillary.WorkspaceRoot != "" {
		workspaces = workspace.NewManager(cfg.Ancillary.WorkspaceRoot, log)
		log.Info("Workspace manager ready", zap.String("root", workspaces.Root()))
	} else {
		log.Warn("workspace_root not configured; workspace operations disabled")
	}

	// 6. Load assignment store
	assignments, err := assignment.NewStore(log)
	if err != nil {
		log.Fatal("Failed to load assignment store", zap.Error(err))
	}
	log.Info("Assignment store loaded", zap.Int("active", len(assignments.ListActive())))

	// 7. Initialize ancillary connection table
	ancillaries := ancillary.NewRegistry(log)

	// 8. Initialize work manager
	workMgr := work.NewManager(work.StartOptions{
		Sessions:           assignments,
		TaskPromptTemplate: cfg.Ancillary.TaskPromptTemplate,
		Logger:             log,
	})

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(cfg, sec, segments, workspaces, assignments, ancillaries, workMgr, log)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server.Router(),
	}

	// 10. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info("Shutting down toren daemon...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// Stop active work last so terminal log records can land
		workMgr.StopAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Daemon exited with error", zap.Error(err))
	}
	log.Info("toren daemon stopped")
}
