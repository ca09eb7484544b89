package watcher

import (
	"log/slog"
	"sync"
)

// Registry keeps at most one Watcher per session. Callers that subscribe to
// a session already being watched share the existing watcher instead of
// opening a second tail on the same file.
type Registry struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		watchers: make(map[string]*Watcher),
		log:      log,
	}
}

// Watch starts tailing the session's transcript, or returns the watcher that
// is already tailing it. The second return reports whether a new watcher was
// created; on reuse the given callbacks are ignored, since delivery fan-out
// belongs to the caller.
func (r *Registry) Watch(opts Options) (*Watcher, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.watchers[opts.SessionID]; ok {
		return w, false, nil
	}
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	// A fatal watch error stops the watcher on its own; drop the registry
	// entry too so a later Watch for the session starts fresh.
	sessionID := opts.SessionID
	onError := opts.OnError
	opts.OnError = func(e WatchError) {
		if e.Code == CodeWatchError {
			r.remove(sessionID)
		}
		if onError != nil {
			onError(e)
		}
	}
	w, err := New(opts)
	if err != nil {
		return nil, false, err
	}
	r.watchers[opts.SessionID] = w
	return w, true, nil
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.watchers, sessionID)
	r.mu.Unlock()
}

// Stop halts and removes the session's watcher. A miss is a no-op.
func (r *Registry) Stop(sessionID string) {
	r.mu.Lock()
	w, ok := r.watchers[sessionID]
	delete(r.watchers, sessionID)
	r.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Active reports how many sessions are currently being watched.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// StopAll halts every watcher, flushing each before returning.
func (r *Registry) StopAll() {
	r.mu.Lock()
	watchers := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.watchers = make(map[string]*Watcher)
	r.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
