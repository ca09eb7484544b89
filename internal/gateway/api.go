package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/sessionlens/internal/enrich"
	"github.com/haasonsaas/sessionlens/internal/index"
	"github.com/haasonsaas/sessionlens/internal/observability"
	"github.com/haasonsaas/sessionlens/internal/transcript"
)

// SessionIndex is what the HTTP API needs from the session index.
type SessionIndex interface {
	Resolver
	List() []index.Session
}

// API serves the read-only HTTP surface: session listing and enriched
// session snapshots.
type API struct {
	index   SessionIndex
	log     *slog.Logger
	metrics *observability.Metrics
}

func NewAPI(ix SessionIndex, log *slog.Logger, metrics *observability.Metrics) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{index: ix, log: log, metrics: metrics}
}

// Register installs the API routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/sessions", a.instrument("/api/sessions", a.handleListSessions))
	mux.Handle("GET /api/sessions/{id}", a.instrument("/api/sessions/{id}", a.handleGetSession))
	mux.HandleFunc("GET /healthz", a.handleHealthz)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.index.List()
	if sessions == nil {
		sessions = []index.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleGetSession parses and enriches the whole transcript on demand.
func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isUUIDv4(id) {
		writeJSONError(w, http.StatusBadRequest, "session id must be a v4 UUID")
		return
	}
	path, ok := a.index.Resolve(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		a.log.Error("read transcript failed", "session_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}

	var msgs []transcript.Message
	lineIndex := 0
	for _, line := range strings.Split(string(data), "\n") {
		msg := transcript.ParseLine(line, lineIndex)
		if msg == nil {
			continue
		}
		lineIndex++
		msgs = append(msgs, msg)
	}
	writeJSON(w, http.StatusOK, enrich.Enrich(msgs))
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records request count and latency per route pattern.
func (a *API) instrument(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		code := strconv.Itoa(rec.status)
		a.metrics.HTTPRequestCounter.WithLabelValues(r.Method, pattern, code).Inc()
		a.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern, code).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
