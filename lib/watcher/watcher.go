// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher turns raw filesystem notifications into a debounced
// stream of change events over the protected path set. It feeds the
// integrity checker; it makes no integrity judgments itself.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/warden-security/warden/lib/clock"
)

// Op classifies a filesystem change.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// String returns the log name of the operation.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// Event is one debounced change to a path under watch. A burst of
// writes to the same path within the debounce window coalesces into a
// single event carrying the latest operation.
type Event struct {
	Path string
	Op   Op
}

// DefaultDebounce is the coalescing window when the caller does not
// configure one. Editors and package managers commonly touch a file
// several times in quick succession; one re-hash per burst is enough.
const DefaultDebounce = 200 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Debounce is the coalescing window. Zero means DefaultDebounce.
	Debounce time.Duration

	// Clock drives the flush ticker. Nil means the real clock.
	Clock clock.Clock

	// Logger receives per-event diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

// Watcher watches the protected path set. Directories are watched
// recursively; newly created subdirectories are added on the fly.
// Single-file protected paths are watched via their parent directory
// with events filtered to the file itself.
type Watcher struct {
	notifier *fsnotify.Watcher
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	// watchedFiles maps a watched parent directory to the set of
	// protected single files inside it. Empty set means the whole
	// directory is protected.
	watchedFiles map[string]map[string]bool

	events chan Event
}

// New builds a watcher over protectedPaths and registers the initial
// watches. Call Run to start delivery.
func New(protectedPaths []string, options Options) (*Watcher, error) {
	if len(protectedPaths) == 0 {
		return nil, fmt.Errorf("watcher: protected path set is empty")
	}
	if options.Debounce <= 0 {
		options.Debounce = DefaultDebounce
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}

	w := &Watcher{
		notifier:     notifier,
		debounce:     options.Debounce,
		clock:        options.Clock,
		logger:       options.Logger,
		watchedFiles: make(map[string]map[string]bool),
		events:       make(chan Event, 64),
	}

	for _, path := range protectedPaths {
		if err := w.add(path); err != nil {
			notifier.Close()
			return nil, err
		}
	}
	return w, nil
}

// add registers a protected path: a directory tree recursively, or a
// single file via its parent directory.
func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watcher: protected path %s: %w", path, err)
	}

	if !info.IsDir() {
		parent := filepath.Dir(path)
		if err := w.notifier.Add(parent); err != nil {
			return fmt.Errorf("watcher: watching %s: %w", parent, err)
		}
		files := w.watchedFiles[parent]
		if files == nil {
			files = make(map[string]bool)
			w.watchedFiles[parent] = files
		}
		files[path] = true
		return nil
	}

	return filepath.WalkDir(path, func(subdir string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("watcher: walking %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.notifier.Add(subdir); err != nil {
			return fmt.Errorf("watcher: watching %s: %w", subdir, err)
		}
		// A directory watch with no file filter: everything inside
		// is protected.
		if _, exists := w.watchedFiles[subdir]; !exists {
			w.watchedFiles[subdir] = nil
		}
		return nil
	})
}

// Events returns the debounced event stream. Closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run pumps raw notifications into the debounced stream until ctx is
// canceled. Notification errors are logged and skipped: a single lost
// event degrades real-time detection, the periodic full scan still
// catches the change.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.notifier.Close()

	ticker := w.clock.NewTicker(w.debounce)
	defer ticker.Stop()

	pending := make(map[string]Op)

	for {
		select {
		case <-ctx.Done():
			w.flush(pending)
			return ctx.Err()

		case raw, ok := <-w.notifier.Events:
			if !ok {
				w.flush(pending)
				return nil
			}
			w.ingest(raw, pending)

		case err, ok := <-w.notifier.Errors:
			if !ok {
				w.flush(pending)
				return nil
			}
			w.logger.Warn("filesystem notification error", "error", err)

		case <-ticker.C:
			w.flush(pending)
		}
	}
}

// ingest filters one raw notification against the protected set and
// records it for the next flush.
func (w *Watcher) ingest(raw fsnotify.Event, pending map[string]Op) {
	op, ok := mapOp(raw.Op)
	if !ok {
		return
	}

	parent := filepath.Dir(raw.Name)
	files, watched := w.watchedFiles[parent]
	if !watched {
		return
	}
	if files != nil && !files[raw.Name] {
		return
	}

	// A directory created under a protected tree extends the watch.
	if op == OpCreate && files == nil {
		if info, err := os.Stat(raw.Name); err == nil && info.IsDir() {
			if err := w.add(raw.Name); err != nil {
				w.logger.Warn("watching new directory", "path", raw.Name, "error", err)
			}
			return
		}
	}

	pending[raw.Name] = op
}

// flush delivers pending events. A full consumer drops the event with
// a warning rather than stalling the notification pump; the periodic
// scan remains the backstop.
func (w *Watcher) flush(pending map[string]Op) {
	for path, op := range pending {
		select {
		case w.events <- Event{Path: path, Op: op}:
		default:
			w.logger.Warn("event stream full, dropping change event", "path", path, "op", op.String())
		}
		delete(pending, path)
	}
}

func mapOp(raw fsnotify.Op) (Op, bool) {
	switch {
	case raw.Has(fsnotify.Create):
		return OpCreate, true
	case raw.Has(fsnotify.Write):
		return OpWrite, true
	case raw.Has(fsnotify.Remove):
		return OpRemove, true
	case raw.Has(fsnotify.Rename):
		return OpRename, true
	case raw.Has(fsnotify.Chmod):
		return OpChmod, true
	default:
		return 0, false
	}
}
