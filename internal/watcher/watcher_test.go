package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/sessionlens/internal/transcript"
)

func promptLine(uuid, text string) string {
	return fmt.Sprintf(
		`{"type":"user","uuid":%q,"sessionId":"s-1","timestamp":"2026-01-02T03:04:05Z","message":{"role":"user","content":%q}}`,
		uuid, text)
}

// batchSink collects delivered batches and errors behind a mutex.
type batchSink struct {
	mu      sync.Mutex
	batches []Batch
	errs    []WatchError
}

func (s *batchSink) onMessages(b Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

func (s *batchSink) onError(e WatchError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, e)
}

func (s *batchSink) snapshot() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

func (s *batchSink) errors() []WatchError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WatchError(nil), s.errs...)
}

// waitBatches polls until at least n batches arrived or the deadline passes.
func (s *batchSink) waitBatches(t *testing.T, n int) []Batch {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got := s.snapshot()
		if len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, have %d", n, len(s.snapshot()))
	return nil
}

func (s *batchSink) waitErrors(t *testing.T, n int) []WatchError {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got := s.errors()
		if len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d errors, have %d", n, len(s.errors()))
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string, sink *batchSink) *Watcher {
	t.Helper()
	w, err := New(Options{
		SessionID:  "s-1",
		FilePath:   path,
		DebounceMs: 30,
		MaxWaitMs:  150,
		OnMessages: sink.onMessages,
		OnError:    sink.onError,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_StartsAtEndOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	existing := promptLine("u-1", "hello") + "\n" + promptLine("u-2", "again") + "\n"
	writeFile(t, path, existing)

	sink := &batchSink{}
	w := startWatcher(t, path, sink)

	if w.ByteOffset() != int64(len(existing)) {
		t.Errorf("ByteOffset = %d, want %d", w.ByteOffset(), len(existing))
	}
	// Existing content is never replayed.
	time.Sleep(250 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("historical content delivered: %+v", got)
	}

	appended := promptLine("u-3", "new") + "\n"
	appendFile(t, path, appended)
	got := sink.waitBatches(t, 1)

	b := got[0]
	if b.SessionID != "s-1" {
		t.Errorf("sessionId = %q", b.SessionID)
	}
	if len(b.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(b.Messages))
	}
	// Line numbering starts at the subscription point.
	if b.Messages[0].Line() != 0 {
		t.Errorf("line = %d, want 0", b.Messages[0].Line())
	}
	if b.ByteRange.Start != int64(len(existing)) || b.ByteRange.End != int64(len(existing)+len(appended)) {
		t.Errorf("byteRange = %+v, want [%d,%d)", b.ByteRange, len(existing), len(existing)+len(appended))
	}
}

func TestWatcher_AppendDebounced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "")

	sink := &batchSink{}
	startWatcher(t, path, sink)

	appendFile(t, path, promptLine("u-1", "hello")+"\n")
	sink.waitBatches(t, 1)

	appendFile(t, path, promptLine("u-2", "more")+"\n")
	got := sink.waitBatches(t, 2)

	b := got[1]
	if len(b.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(b.Messages))
	}
	p, ok := b.Messages[0].(*transcript.UserPrompt)
	if !ok || p.Text != "more" {
		t.Errorf("message = %#v", b.Messages[0])
	}
	// Line numbering continues across batches.
	if p.Line() != 1 {
		t.Errorf("line = %d, want 1", p.Line())
	}
	// Ranges tile with no gap.
	if got[0].ByteRange.Start != 0 {
		t.Errorf("first range starts at %d", got[0].ByteRange.Start)
	}
	if got[1].ByteRange.Start != got[0].ByteRange.End {
		t.Errorf("range gap: %+v then %+v", got[0].ByteRange, got[1].ByteRange)
	}
}

func TestWatcher_PartialLineBuffered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "")

	sink := &batchSink{}
	startWatcher(t, path, sink)

	full := promptLine("u-1", "split write")
	appendFile(t, path, full[:20])
	time.Sleep(250 * time.Millisecond)

	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("fragment without newline flushed early: %+v", got)
	}

	appendFile(t, path, full[20:]+"\n")
	got := sink.waitBatches(t, 1)

	b := got[0]
	if len(b.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(b.Messages))
	}
	if p, ok := b.Messages[0].(*transcript.UserPrompt); !ok || p.Text != "split write" {
		t.Errorf("message = %#v", b.Messages[0])
	}
	if b.ByteRange.Start != 0 || b.ByteRange.End != int64(len(full)+1) {
		t.Errorf("byteRange = %+v", b.ByteRange)
	}
}

func TestWatcher_BlankLinesNeverFlushAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "")

	sink := &batchSink{}
	startWatcher(t, path, sink)

	appendFile(t, path, "\n\n")
	time.Sleep(250 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("batch emitted with no messages: %+v", got)
	}

	line := promptLine("u-1", "hello") + "\n"
	appendFile(t, path, line)
	got := sink.waitBatches(t, 1)

	b := got[0]
	if len(b.Messages) != 1 || b.Messages[0].Line() != 0 {
		t.Fatalf("messages = %+v", b.Messages)
	}
	// The blank-line bytes ride along with the first real batch.
	if b.ByteRange.Start != 0 || b.ByteRange.End != int64(2+len(line)) {
		t.Errorf("byteRange = %+v, want [0,%d)", b.ByteRange, 2+len(line))
	}
}

func TestWatcher_MaxWaitCeiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "")

	sink := &batchSink{}
	startWatcher(t, path, sink)

	// Keep writing faster than the debounce window; the ceiling must force a
	// flush while writes are still arriving.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(15 * time.Millisecond):
				appendFile(t, path, promptLine(fmt.Sprintf("u-%d", i), "burst")+"\n")
			}
		}
	}()

	sink.waitBatches(t, 1)
	close(stop)
	wg.Wait()
}

func TestWatcher_TruncationResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, promptLine("u-1", "one")+"\n"+promptLine("u-2", "two")+"\n")

	sink := &batchSink{}
	startWatcher(t, path, sink)

	appendFile(t, path, promptLine("u-3", "three")+"\n")
	sink.waitBatches(t, 1)

	// Rewrite the file shorter than the consumed offset.
	writeFile(t, path, promptLine("u-9", "fresh")+"\n")
	got := sink.waitBatches(t, 2)

	b := got[len(got)-1]
	if len(b.Messages) != 1 {
		t.Fatalf("messages after truncation = %d, want 1", len(b.Messages))
	}
	p := b.Messages[0].(*transcript.UserPrompt)
	if p.Text != "fresh" {
		t.Errorf("text = %q", p.Text)
	}
	// Both the byte range and the line numbering restart from zero.
	if b.ByteRange.Start != 0 {
		t.Errorf("byteRange.start = %d, want 0", b.ByteRange.Start)
	}
	if p.Line() != 0 {
		t.Errorf("line = %d, want 0", p.Line())
	}
}

func TestWatcher_StopFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "")

	sink := &batchSink{}
	w, err := New(Options{
		SessionID: "s-1",
		FilePath:  path,
		// Long windows so the flush can only come from Stop.
		DebounceMs: 5_000,
		MaxWaitMs:  10_000,
		OnMessages: sink.onMessages,
	})
	if err != nil {
		t.Fatal(err)
	}

	appendFile(t, path, promptLine("u-1", "pending")+"\n")
	// Give fsnotify a moment to deliver the write event.
	time.Sleep(200 * time.Millisecond)

	w.Stop()
	got := sink.snapshot()
	if len(got) == 0 || len(got[len(got)-1].Messages) != 1 {
		t.Fatalf("pending message not flushed on stop: %+v", got)
	}
	if !w.Stopped() {
		t.Error("Stopped() = false after Stop")
	}

	// Stop twice must not hang or panic.
	w.Stop()
}

func TestWatcher_MalformedLinesStillDelivered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "")

	sink := &batchSink{}
	startWatcher(t, path, sink)

	appendFile(t, path, "not json at all\n"+promptLine("u-1", "ok")+"\n")
	got := sink.waitBatches(t, 1)
	if len(got[0].Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got[0].Messages))
	}
	if got[0].Messages[0].MessageKind() != transcript.KindMalformed {
		t.Errorf("first message kind = %s", got[0].Messages[0].MessageKind())
	}
}

func TestWatcher_FileRemovalIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, promptLine("u-1", "hello")+"\n")

	sink := &batchSink{}
	w := startWatcher(t, path, sink)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	errs := sink.waitErrors(t, 1)
	if errs[0].Code != CodeWatchError {
		t.Errorf("code = %q, want %q", errs[0].Code, CodeWatchError)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !w.Stopped() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !w.Stopped() {
		t.Error("watcher still running after fatal watch error")
	}
}

func TestRegistry_SharedWatcherPerSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, promptLine("u-1", "hello")+"\n")

	sink := &batchSink{}
	reg := NewRegistry(nil)
	defer reg.StopAll()

	opts := Options{
		SessionID:  "s-1",
		FilePath:   path,
		OnMessages: sink.onMessages,
	}
	w1, created, err := reg.Watch(opts)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first Watch should create")
	}
	w2, created, err := reg.Watch(opts)
	if err != nil {
		t.Fatal(err)
	}
	if created || w2 != w1 {
		t.Error("second Watch must return the existing watcher")
	}
	if reg.Active() != 1 {
		t.Errorf("active = %d, want 1", reg.Active())
	}

	reg.Stop("s-1")
	if reg.Active() != 0 {
		t.Errorf("active after stop = %d", reg.Active())
	}
	// Stopping an unknown session is a no-op.
	reg.Stop("s-unknown")
}

func TestRegistry_FatalErrorRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeFile(t, path, promptLine("u-1", "hello")+"\n")

	sink := &batchSink{}
	reg := NewRegistry(nil)
	defer reg.StopAll()

	if _, _, err := reg.Watch(Options{
		SessionID:  "s-1",
		FilePath:   path,
		OnMessages: sink.onMessages,
		OnError:    sink.onError,
	}); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	sink.waitErrors(t, 1)

	deadline := time.Now().Add(3 * time.Second)
	for reg.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Active() != 0 {
		t.Errorf("active = %d after fatal error, want 0", reg.Active())
	}
}

func TestRegistry_StopAll(t *testing.T) {
	dir := t.TempDir()
	sink := &batchSink{}
	reg := NewRegistry(nil)

	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("s-%d.jsonl", i))
		writeFile(t, path, promptLine("u-1", "hello")+"\n")
		if _, _, err := reg.Watch(Options{
			SessionID:  fmt.Sprintf("s-%d", i),
			FilePath:   path,
			OnMessages: sink.onMessages,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if reg.Active() != 3 {
		t.Fatalf("active = %d", reg.Active())
	}
	reg.StopAll()
	if reg.Active() != 0 {
		t.Errorf("active after StopAll = %d", reg.Active())
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	if _, err := New(Options{
		SessionID:  "s-1",
		FilePath:   filepath.Join(t.TempDir(), "absent.jsonl"),
		OnMessages: func(Batch) {},
	}); err == nil {
		t.Error("watching a missing file should fail")
	}
}
