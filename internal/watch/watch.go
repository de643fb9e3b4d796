// Package watch saves a directory of local editable copies through the sync
// engine as they change.
//
// Each file <key>.json holds the content of document key. Bursts of file
// events are debounced per file; when a file settles its content is saved
// against the last revision this workspace knows for the key. A file whose
// content matches what was last committed is not saved again, so the watcher
// does not re-trigger on its own commits.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/status"
	"github.com/roach88/docsync/internal/syncerr"
)

// DefaultDebounce is how long a file must be quiet before it is saved.
const DefaultDebounce = 200 * time.Millisecond

const ext = ".json"

// Engine is the part of the sync engine the watcher drives.
type Engine interface {
	Save(ctx context.Context, req engine.WriteRequest) (engine.SaveResult, error)
	Load(ctx context.Context, key string) (engine.LoadResult, error)
	Status(ctx context.Context, key string) (status.Status, error)
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	// Fs reads the workspace files. Defaults to the OS filesystem.
	Fs     afero.Fs
	Logger *slog.Logger
}

// Outcome is the result of processing one file.
type Outcome string

const (
	OutcomeSaved     Outcome = "saved"
	OutcomeQueued    Outcome = "queued"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeConflict  Outcome = "conflict"
	OutcomeSkipped   Outcome = "skipped"
)

// tracked is what the workspace knows about one key.
type tracked struct {
	revision uint64
	// digest of the content last handed to the engine.
	digest string
}

// Watcher saves changed files in one directory.
type Watcher struct {
	dir      string
	eng      Engine
	fs       afero.Fs
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	known map[string]tracked
}

// New creates a watcher for dir.
func New(dir string, eng Engine, opts Options) *Watcher {
	w := &Watcher{
		dir:      dir,
		eng:      eng,
		fs:       opts.Fs,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		known:    make(map[string]tracked),
	}
	if w.fs == nil {
		w.fs = afero.NewOsFs()
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// KeyFor maps a workspace path to its document key.
func KeyFor(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ext) {
		return "", false
	}
	key := strings.TrimSuffix(base, ext)
	if doc.ValidateKey(key) != nil {
		return "", false
	}
	return key, true
}

// Seed records the current remote revision of every file already in the
// directory, so the first edit is saved against it.
func (w *Watcher) Seed(ctx context.Context) error {
	entries, err := afero.ReadDir(w.fs, w.dir)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		key, ok := KeyFor(fi.Name())
		if !ok {
			continue
		}
		res, err := w.eng.Load(ctx, key)
		switch {
		case err == nil:
			t := tracked{revision: res.Revision}
			if data, encErr := res.Content.Encode(); encErr == nil {
				t.digest = doc.Digest(data)
			}
			w.setKnown(key, t)
		case syncerr.CodeOf(err) == syncerr.CodeNotFound:
			// New document; the first save creates it.
		default:
			return fmt.Errorf("seed %s: %w", key, err)
		}
	}
	return nil
}

// Revision returns the revision the workspace last saw for key.
func (w *Watcher) Revision(key string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.known[key].revision
}

func (w *Watcher) setKnown(key string, t tracked) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[key] = t
}

// Process saves the file for key if its content changed.
func (w *Watcher) Process(ctx context.Context, key string) (Outcome, error) {
	path := filepath.Join(w.dir, key+ext)
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			w.logger.Debug("file removed, deletions are not synced", "key", key)
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, fmt.Errorf("read %s: %w", path, err)
	}
	content, err := doc.ParseContent(data)
	if err != nil {
		// Usually a half-written file; the next write event retries.
		w.logger.Warn("ignoring unparsable file", "key", key, "error", err)
		return OutcomeSkipped, nil
	}
	canonical, err := content.Encode()
	if err != nil {
		return OutcomeSkipped, err
	}
	digest := doc.Digest(canonical)

	w.mu.Lock()
	t := w.known[key]
	w.mu.Unlock()
	if t.digest == digest {
		return OutcomeUnchanged, nil
	}

	// A queued save may have been committed since; adopt that revision.
	if st, err := w.eng.Status(ctx, key); err == nil && st.State == status.StateSynced && st.Revision > t.revision {
		t.revision = st.Revision
	}

	res, err := w.eng.Save(ctx, engine.WriteRequest{Key: key, Content: content, KnownRevision: t.revision})
	var pending *conflict.PendingError
	switch {
	case errors.As(err, &pending):
		w.logger.Warn("conflict needs a decision",
			"key", key,
			"conflict", pending.ConflictID(),
			"remote_revision", pending.Conflict.RemoteRevision)
		return OutcomeConflict, nil
	case err != nil:
		return OutcomeSkipped, err
	}

	t.digest = digest
	if res.Queued {
		w.setKnown(key, t)
		w.logger.Info("saved offline", "key", key, "op", res.OpID)
		return OutcomeQueued, nil
	}
	t.revision = res.Revision
	w.setKnown(key, t)
	w.logger.Info("saved", "key", key, "revision", res.Revision)
	return OutcomeSaved, nil
}

// Run watches the directory until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching workspace", "dir", w.dir, "debounce", w.debounce)

	changed := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// Chmod and rename-away carry no new content.
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			key, ok := KeyFor(ev.Name)
			if !ok {
				continue
			}
			changed[key] = time.Now()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case now := <-ticker.C:
			for key, at := range changed {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(changed, key)
				if _, err := w.Process(ctx, key); err != nil && ctx.Err() == nil {
					w.logger.Warn("save failed", "key", key, "code", syncerr.CodeOf(err), "error", err)
				}
			}
		}
	}
}
