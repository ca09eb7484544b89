package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/sessionlens/internal/config"
	"github.com/haasonsaas/sessionlens/internal/gateway"
	"github.com/haasonsaas/sessionlens/internal/index"
	"github.com/haasonsaas/sessionlens/internal/observability"
	"github.com/haasonsaas/sessionlens/internal/watcher"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the transcript server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SESSIONLENS_CONFIG"), "path to configuration file")
	return cmd
}

// lifecycleEvent maps index rescan diffs onto broadcast frames: a transcript
// appearing is a session starting, its file growing is activity, and its file
// disappearing ends the session.
func lifecycleEvent(event string, s index.Session) gateway.LifecycleEvent {
	now := time.Now()
	switch event {
	case "created":
		started := s.ModifiedAt
		return gateway.LifecycleEvent{
			Type:      gateway.LifecycleStarted,
			SessionID: s.SessionID,
			ProjectID: s.Project,
			Cwd:       s.ProjectPath,
			StartedAt: &started,
		}
	case "updated":
		updated := s.ModifiedAt
		return gateway.LifecycleEvent{
			Type:      gateway.LifecycleActivity,
			SessionID: s.SessionID,
			UpdatedAt: &updated,
		}
	case "deleted":
		return gateway.LifecycleEvent{
			Type:      gateway.LifecycleStopped,
			SessionID: s.SessionID,
			Reason:    "transcript removed",
			StoppedAt: &now,
		}
	default:
		return gateway.LifecycleEvent{
			Type:       gateway.LifecycleError,
			SessionID:  s.SessionID,
			Error:      fmt.Sprintf("unknown lifecycle event %q", event),
			OccurredAt: &now,
		}
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)

	registry := watcher.NewRegistry(logger)
	defer registry.StopAll()

	var srv *gateway.Server
	ix := index.New(cfg.Transcripts.Roots, logger, func(event string, s index.Session) {
		if srv == nil {
			return
		}
		srv.Hub().BroadcastLifecycle(lifecycleEvent(event, s))
	})

	srv = gateway.NewServer(gateway.Options{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Index:   ix,
		Watch:   gateway.RegistryWatchFunc(registry, cfg.Watch.DebounceMs, cfg.Watch.MaxWaitMs),
		Logger:  logger,
		Metrics: metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ix.Run(ctx, time.Duration(cfg.Transcripts.RescanIntervalSeconds)*time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
