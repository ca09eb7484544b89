// Package gateway exposes the transcript server's WebSocket and HTTP
// surfaces: live session streaming, session listing, and enriched session
// snapshots.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/sessionlens/internal/observability"
	"github.com/haasonsaas/sessionlens/internal/transcript"
	"github.com/haasonsaas/sessionlens/internal/watcher"
)

// ErrUnknownSession is returned when a subscribe names a session the index
// cannot resolve to a transcript file.
var ErrUnknownSession = errors.New("unknown session")

// Resolver maps session ids to transcript file paths.
type Resolver interface {
	Resolve(sessionID string) (string, bool)
}

// WatcherHandle is the part of a running watcher the hub needs.
type WatcherHandle interface {
	Stop()
}

// WatchFunc starts tailing one transcript file. The hub supplies the
// callbacks; implementations deliver every batch and fault through them.
type WatchFunc func(sessionID, path string, onBatch func(watcher.Batch), onError func(watcher.WatchError)) (WatcherHandle, error)

// sessionEntry is the hub's per-watched-session state: the shared watcher
// plus the clients receiving its batches.
type sessionEntry struct {
	handle      WatcherHandle
	subscribers map[*Client]struct{}
}

// Hub owns the two subscription indices: clients to their session, and
// sessions to their subscribers. Each client holds at most one subscription;
// both indices are kept consistent under one mutex so a crashing client or a
// dying watcher never strands the other side.
type Hub struct {
	resolver Resolver
	watch    WatchFunc
	log      *slog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	clients  map[*Client]struct{}
	sessions map[string]*sessionEntry
	shutdown bool
}

func NewHub(resolver Resolver, watch WatchFunc, log *slog.Logger, metrics *observability.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		resolver: resolver,
		watch:    watch,
		log:      log,
		metrics:  metrics,
		clients:  make(map[*Client]struct{}),
		sessions: make(map[string]*sessionEntry),
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.ConnectedClients.Inc()
	}
}

// removeClient drops the client from both indices. A watcher left without
// subscribers is stopped.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if h.metrics != nil {
		h.metrics.ConnectedClients.Dec()
		if c.session != "" {
			h.metrics.ActiveSubscriptions.Dec()
		}
	}
	prev := c.session
	c.session = ""
	handle := h.detachLocked(c, prev)
	h.mu.Unlock()

	h.stopHandle(prev, handle)
}

// detachLocked removes the client from a session entry and returns the
// watcher handle if the client was its last subscriber. Caller holds h.mu.
func (h *Hub) detachLocked(c *Client, sessionID string) WatcherHandle {
	if sessionID == "" {
		return nil
	}
	entry, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(entry.subscribers, c)
	if len(entry.subscribers) > 0 {
		return nil
	}
	delete(h.sessions, sessionID)
	return entry.handle
}

func (h *Hub) stopHandle(sessionID string, handle WatcherHandle) {
	if handle == nil {
		return
	}
	h.log.Debug("stopping orphaned watcher", "session_id", sessionID)
	handle.Stop()
	if h.metrics != nil {
		h.metrics.ActiveWatchers.Dec()
	}
}

// subscribe moves the client's single subscription to the named session,
// starting the shared watcher if this is the session's first subscriber. If
// the session cannot be resolved the client's current subscription is left
// untouched. Re-subscribing to the current session is a no-op.
func (h *Hub) subscribe(c *Client, sessionID string) error {
	path, ok := h.resolver.Resolve(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return errors.New("server shutting down")
	}
	if c.session == sessionID {
		h.mu.Unlock()
		return nil
	}
	prev := c.session
	c.session = sessionID
	if h.metrics != nil && prev == "" {
		h.metrics.ActiveSubscriptions.Inc()
	}
	prevHandle := h.detachLocked(c, prev)

	entry, exists := h.sessions[sessionID]
	if exists {
		entry.subscribers[c] = struct{}{}
		h.mu.Unlock()
		h.stopHandle(prev, prevHandle)
		return nil
	}
	entry = &sessionEntry{subscribers: map[*Client]struct{}{c: {}}}
	h.sessions[sessionID] = entry
	h.mu.Unlock()
	h.stopHandle(prev, prevHandle)

	// The watcher starts at the file's current end; subscribers see appends
	// from here on, not history.
	handle, err := h.watch(sessionID, path,
		func(b watcher.Batch) { h.fanOutBatch(b) },
		func(e watcher.WatchError) { h.fanOutError(e) },
	)
	if err != nil {
		h.mu.Lock()
		if h.sessions[sessionID] == entry {
			delete(h.sessions, sessionID)
		}
		if c.session == sessionID {
			c.session = ""
			if h.metrics != nil {
				h.metrics.ActiveSubscriptions.Dec()
			}
		}
		h.mu.Unlock()
		return fmt.Errorf("watch session: %w", err)
	}

	h.mu.Lock()
	if h.sessions[sessionID] != entry {
		// Everyone unsubscribed while the watcher was starting.
		h.mu.Unlock()
		handle.Stop()
		return nil
	}
	entry.handle = handle
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ActiveWatchers.Inc()
	}
	return nil
}

// unsubscribe clears the client's subscription, if any; the watcher stops
// when its last subscriber leaves.
func (h *Hub) unsubscribe(c *Client) {
	h.mu.Lock()
	prev := c.session
	if prev == "" {
		h.mu.Unlock()
		return
	}
	c.session = ""
	if h.metrics != nil {
		h.metrics.ActiveSubscriptions.Dec()
	}
	handle := h.detachLocked(c, prev)
	h.mu.Unlock()

	h.stopHandle(prev, handle)
}

// fanOutBatch serializes one batch and enqueues the same bytes to every
// subscriber of the session.
func (h *Hub) fanOutBatch(b watcher.Batch) {
	data, err := json.Marshal(messagesFrame(b))
	if err != nil {
		h.log.Error("marshal batch failed", "session_id", b.SessionID, "error", err)
		return
	}
	if h.metrics != nil {
		h.metrics.BatchesRelayed.Inc()
		h.metrics.MessagesRelayed.Add(float64(len(b.Messages)))
		for _, m := range b.Messages {
			if m.MessageKind() == transcript.KindMalformed {
				h.metrics.MalformedLines.Inc()
			}
		}
	}
	h.broadcast(b.SessionID, data)
}

// fanOutError relays a watcher fault to the session's subscribers. A fatal
// WATCH_ERROR means the watcher already stopped itself, so the session entry
// is torn down and its subscribers left unsubscribed; they may subscribe
// again to start a fresh watcher.
func (h *Hub) fanOutError(e watcher.WatchError) {
	data, err := json.Marshal(watchErrorFrame(e))
	if err != nil {
		return
	}
	if h.metrics != nil {
		h.metrics.WatchErrors.WithLabelValues(e.Code).Inc()
	}
	h.broadcast(e.SessionID, data)

	if e.Code != watcher.CodeWatchError {
		return
	}
	h.mu.Lock()
	entry, ok := h.sessions[e.SessionID]
	if ok {
		for c := range entry.subscribers {
			if c.session == e.SessionID {
				c.session = ""
				if h.metrics != nil {
					h.metrics.ActiveSubscriptions.Dec()
				}
			}
		}
		delete(h.sessions, e.SessionID)
	}
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.ActiveWatchers.Dec()
	}
}

func (h *Hub) broadcast(sessionID string, data []byte) {
	h.mu.Lock()
	entry, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	subscribers := make([]*Client, 0, len(entry.subscribers))
	for c := range entry.subscribers {
		subscribers = append(subscribers, c)
	}
	h.mu.Unlock()

	for _, c := range subscribers {
		c.enqueue(data)
	}
}

// BroadcastLifecycle announces a session lifecycle event to every connected
// client, subscribed or not.
func (h *Hub) BroadcastLifecycle(evt LifecycleEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if h.metrics != nil {
		h.metrics.LifecycleEvents.WithLabelValues(evt.Type).Inc()
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

// Shutdown stops every watcher and closes every client connection with a
// going-away close frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	var handles []WatcherHandle
	for _, entry := range h.sessions {
		if entry.handle != nil {
			handles = append(handles, entry.handle)
		}
	}
	h.sessions = make(map[string]*sessionEntry)
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, handle := range handles {
		handle.Stop()
	}
	for _, c := range clients {
		c.closeGoingAway()
	}
}
