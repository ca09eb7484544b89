// Package watcher tails transcript files and delivers parsed messages in
// debounced batches. One Watcher owns one file; the Registry shares watchers
// across subscribers so each file is tailed at most once.
package watcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/sessionlens/internal/transcript"
)

// Error codes reported through OnError. READ_ERROR is transient and the
// watcher keeps running; WATCH_ERROR means the change subscription itself
// failed and the watcher stops.
const (
	CodeReadError  = "READ_ERROR"
	CodeWatchError = "WATCH_ERROR"
)

// Default debounce windows in milliseconds. Trailing-edge debounce with a
// ceiling: a continuous stream of writes still flushes at least every
// DefaultMaxWaitMs.
const (
	DefaultDebounceMs = 100
	DefaultMaxWaitMs  = 500
)

// Batch is one debounced delivery of newly appended messages, never empty.
// ByteRange is half-open [Start, End); consecutive batches from one watcher
// tile the appended bytes with no gaps or overlaps.
type Batch struct {
	SessionID string               `json:"sessionId"`
	Messages  []transcript.Message `json:"messages"`
	ByteRange ByteRange            `json:"byteRange"`
}

// ByteRange locates a batch within the transcript file.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// WatchError is a fault surfaced to subscribers.
type WatchError struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Options configures a single-file watcher. OnMessages and OnError are
// invoked from the watcher's own goroutine and must not block.
type Options struct {
	SessionID string
	FilePath  string

	DebounceMs int
	MaxWaitMs  int

	OnMessages func(Batch)
	OnError    func(WatchError)

	Logger *slog.Logger
}

// Watcher tails one transcript file from its size at creation; existing
// content is not replayed. All tailing state lives in the run goroutine;
// Stop and the read-only accessors are the only cross-goroutine entry
// points.
type Watcher struct {
	opts Options
	fsw  *fsnotify.Watcher
	log  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	stopped    atomic.Bool
	byteOffset atomic.Int64 // mirror of readOffset for accessors
	lineIdx    atomic.Int64 // mirror of lineIndex for accessors

	// Tailing state, owned by run().
	readOffset int64  // bytes consumed from the file
	partial    []byte // trailing bytes with no newline yet
	lineIndex  int    // non-blank lines parsed so far
	pending    []transcript.Message
	pendingAt  time.Time // when the pending batch first became non-empty
	flushFrom  int64     // byte offset the next batch starts at
}

// New creates a watcher positioned at the file's current end.
func New(opts Options) (*Watcher, error) {
	if opts.DebounceMs <= 0 {
		opts.DebounceMs = DefaultDebounceMs
	}
	if opts.MaxWaitMs <= 0 {
		opts.MaxWaitMs = DefaultMaxWaitMs
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnMessages == nil {
		return nil, errors.New("watcher: OnMessages is required")
	}

	info, err := os.Stat(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", opts.FilePath, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(opts.FilePath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", opts.FilePath, err)
	}

	w := &Watcher{
		opts:       opts,
		fsw:        fsw,
		log:        opts.Logger.With("session_id", opts.SessionID),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		readOffset: info.Size(),
		flushFrom:  info.Size(),
	}
	w.byteOffset.Store(info.Size())

	go w.run()
	return w, nil
}

func (w *Watcher) SessionID() string { return w.opts.SessionID }
func (w *Watcher) FilePath() string  { return w.opts.FilePath }

// Stopped reports whether the watcher has stopped, explicitly or after a
// fatal watch error.
func (w *Watcher) Stopped() bool { return w.stopped.Load() }

// ByteOffset is the next byte the watcher will read.
func (w *Watcher) ByteOffset() int64 { return w.byteOffset.Load() }

// LineIndex is the next line number the watcher will assign.
func (w *Watcher) LineIndex() int { return int(w.lineIdx.Load()) }

// Stop halts the watcher. A non-empty pending batch is flushed synchronously
// before Stop returns. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)
	defer w.stopped.Store(true)
	defer w.fsw.Close()

	// The timer is created stopped and re-armed per pending batch, the same
	// trailing-edge-with-ceiling scheme used for message debouncing elsewhere.
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.flush()
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The kernel drops the watch with the file; this watcher
				// cannot recover.
				w.fatal(fmt.Errorf("file %s: %s", ev.Op, w.opts.FilePath))
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.readAvailable(); err != nil {
				w.reportError(CodeReadError, err)
				continue
			}
			if len(w.pending) > 0 {
				w.armTimer(timer)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.flush()
				return
			}
			w.fatal(err)
			return

		case <-timer.C:
			w.flush()

		case <-w.stop:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			w.flush()
			return
		}
	}
}

// fatal reports a WATCH_ERROR and stops without flushing; no callbacks fire
// after the error.
func (w *Watcher) fatal(err error) {
	w.pending = nil
	w.reportError(CodeWatchError, err)
}

// armTimer applies the two-window debounce: wait DebounceMs after the latest
// write, but never let the oldest pending message wait past MaxWaitMs.
func (w *Watcher) armTimer(timer *time.Timer) {
	now := time.Now()
	if w.pendingAt.IsZero() {
		w.pendingAt = now
	}
	delay := time.Duration(w.opts.DebounceMs) * time.Millisecond
	ceiling := time.Duration(w.opts.MaxWaitMs)*time.Millisecond - now.Sub(w.pendingAt)
	if ceiling < delay {
		delay = ceiling
	}
	if delay < 0 {
		delay = 0
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(delay)
}

// readAvailable consumes everything appended since the last read, parsing
// complete lines into pending. A trailing fragment without a newline stays in
// partial until the rest of the line arrives.
func (w *Watcher) readAvailable() error {
	info, err := os.Stat(w.opts.FilePath)
	if err != nil {
		return err
	}
	if info.Size() < w.readOffset {
		// The file was truncated or replaced; start over from the top.
		w.log.Info("transcript truncated, resetting", "size", info.Size(), "offset", w.readOffset)
		w.readOffset = 0
		w.partial = nil
		w.lineIndex = 0
		w.pending = nil
		w.pendingAt = time.Time{}
		w.flushFrom = 0
		w.byteOffset.Store(0)
		w.lineIdx.Store(0)
	}
	if info.Size() == w.readOffset {
		return nil
	}

	f, err := os.Open(w.opts.FilePath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(w.readOffset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	w.readOffset += int64(len(data))
	w.byteOffset.Store(w.readOffset)

	buf := append(w.partial, data...)
	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := string(buf[:nl])
		buf = buf[nl+1:]
		msg := transcript.ParseLine(line, w.lineIndex)
		if msg == nil {
			continue
		}
		w.lineIndex++
		w.lineIdx.Store(int64(w.lineIndex))
		w.pending = append(w.pending, msg)
	}
	w.partial = append(w.partial[:0], buf...)
	return nil
}

// flush emits the pending messages as one batch covering every byte consumed
// since the previous flush. Batches are never empty; bytes from blank lines
// or a still-incomplete tail ride along with the next batch that has
// messages.
func (w *Watcher) flush() {
	if len(w.pending) == 0 {
		return
	}
	batch := Batch{
		SessionID: w.opts.SessionID,
		Messages:  w.pending,
		ByteRange: ByteRange{Start: w.flushFrom, End: w.readOffset},
	}
	w.pending = nil
	w.pendingAt = time.Time{}
	w.flushFrom = w.readOffset
	w.opts.OnMessages(batch)
}

func (w *Watcher) reportError(code string, err error) {
	w.log.Warn("watch fault", "code", code, "error", err)
	if w.opts.OnError == nil {
		return
	}
	w.opts.OnError(WatchError{
		SessionID: w.opts.SessionID,
		Code:      code,
		Message:   err.Error(),
	})
}
