package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/sessionlens/internal/observability"
	"github.com/haasonsaas/sessionlens/internal/watcher"
)

// Server ties the hub, the HTTP API, and the metrics endpoint to one
// listener.
type Server struct {
	hub  *Hub
	api  *API
	log  *slog.Logger
	http *http.Server
}

// Options configures a Server.
type Options struct {
	Addr    string
	Index   SessionIndex
	Watch   WatchFunc
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hub := NewHub(opts.Index, opts.Watch, opts.Logger, opts.Metrics)
	api := NewAPI(opts.Index, opts.Logger, opts.Metrics)

	mux := http.NewServeMux()
	mux.Handle("/ws", NewWSHandler(hub, opts.Logger))
	mux.Handle("/metrics", promhttp.Handler())
	api.Register(mux)

	return &Server{
		hub: hub,
		api: api,
		log: opts.Logger,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Hub exposes the hub for lifecycle broadcasts.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the watchers, disconnects all clients with a going-away
// close, and drains the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown()
	return s.http.Shutdown(ctx)
}

// RegistryWatchFunc adapts a watcher registry into the hub's WatchFunc.
func RegistryWatchFunc(reg *watcher.Registry, debounceMs, maxWaitMs int) WatchFunc {
	return func(sessionID, path string, onBatch func(watcher.Batch), onError func(watcher.WatchError)) (WatcherHandle, error) {
		w, _, err := reg.Watch(watcher.Options{
			SessionID:  sessionID,
			FilePath:   path,
			DebounceMs: debounceMs,
			MaxWaitMs:  maxWaitMs,
			OnMessages: onBatch,
			OnError:    onError,
		})
		if err != nil {
			return nil, err
		}
		return registryHandle{reg: reg, sessionID: sessionID, w: w}, nil
	}
}

type registryHandle struct {
	reg       *watcher.Registry
	sessionID string
	w         *watcher.Watcher
}

func (h registryHandle) Stop() {
	h.reg.Stop(h.sessionID)
}
