// Package index maintains the mapping from session ids to transcript file
// paths by scanning the configured transcript roots. Each root contains one
// directory per project, and each project directory holds one
// <session-uuid>.jsonl file per session.
package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one discovered transcript. Project is the raw directory name;
// ProjectPath is its decoded working-directory form.
type Session struct {
	SessionID   string    `json:"sessionId"`
	Project     string    `json:"project"`
	ProjectPath string    `json:"projectPath"`
	FilePath    string    `json:"filePath"`
	SizeBytes   int64     `json:"sizeBytes"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// decodeProjectDir undoes the dash escaping transcript writers apply to the
// session's working directory ("-Users-jane-src-app" => "/Users/jane/src/app").
// The escaping is lossy for paths that themselves contain dashes; the raw
// directory name stays available in Project.
func decodeProjectDir(name string) string {
	if !strings.HasPrefix(name, "-") {
		return name
	}
	return strings.ReplaceAll(name, "-", "/")
}

// LifecycleFunc receives session lifecycle notifications from rescans.
// Event is "created", "updated" (size or mtime changed), or "deleted".
type LifecycleFunc func(event string, s Session)

// Index scans transcript roots and answers session id lookups. All methods
// are safe for concurrent use.
type Index struct {
	roots       []string
	log         *slog.Logger
	onLifecycle LifecycleFunc

	mu       sync.RWMutex
	sessions map[string]Session
}

// New builds an index over the given roots. onLifecycle may be nil; it is
// invoked from Rescan's goroutine for every appearing or disappearing
// session, never while the index lock is held.
func New(roots []string, log *slog.Logger, onLifecycle LifecycleFunc) *Index {
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		roots:       roots,
		log:         log,
		onLifecycle: onLifecycle,
		sessions:    make(map[string]Session),
	}
}

// Resolve maps a session id to its transcript path.
func (ix *Index) Resolve(sessionID string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s, ok := ix.sessions[sessionID]
	return s.FilePath, ok
}

// List returns all known sessions, most recently modified first.
func (ix *Index) List() []Session {
	ix.mu.RLock()
	out := make([]Session, 0, len(ix.sessions))
	for _, s := range ix.sessions {
		out = append(out, s)
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out
}

// Rescan walks the roots once and reconciles the session table, firing
// lifecycle notifications for the difference.
func (ix *Index) Rescan() {
	found := make(map[string]Session)
	for _, root := range ix.roots {
		ix.scanRoot(root, found)
	}

	var created, updated, deleted []Session
	ix.mu.Lock()
	for id, s := range found {
		old, ok := ix.sessions[id]
		switch {
		case !ok:
			created = append(created, s)
		case old.SizeBytes != s.SizeBytes || !old.ModifiedAt.Equal(s.ModifiedAt):
			updated = append(updated, s)
		}
	}
	for id, s := range ix.sessions {
		if _, ok := found[id]; !ok {
			deleted = append(deleted, s)
		}
	}
	ix.sessions = found
	ix.mu.Unlock()

	if ix.onLifecycle == nil {
		return
	}
	for _, s := range created {
		ix.onLifecycle("created", s)
	}
	for _, s := range updated {
		ix.onLifecycle("updated", s)
	}
	for _, s := range deleted {
		ix.onLifecycle("deleted", s)
	}
}

func (ix *Index) scanRoot(root string, found map[string]Session) {
	projects, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			ix.log.Warn("scan root failed", "root", root, "error", err)
		}
		return
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		dir := filepath.Join(root, project.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			ix.log.Warn("scan project failed", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			id := strings.TrimSuffix(name, ".jsonl")
			if _, err := uuid.Parse(id); err != nil {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			found[id] = Session{
				SessionID:   id,
				Project:     project.Name(),
				ProjectPath: decodeProjectDir(project.Name()),
				FilePath:    filepath.Join(dir, name),
				SizeBytes:   info.Size(),
				ModifiedAt:  info.ModTime(),
			}
		}
	}
}

// Run rescans on the given interval until the context is cancelled. The
// first scan happens immediately.
func (ix *Index) Run(ctx context.Context, interval time.Duration) {
	ix.Rescan()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.Rescan()
		}
	}
}
