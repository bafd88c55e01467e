// Package watchdog turns files dropped into <outbox>/<agent>/<messageType>
// into in-band deliveries, exactly once per file identity. fsnotify events
// are debounced with a settle timer, validated (regular file, non-empty,
// within size limits, stable across a re-stat probe, never a symlink),
// registered in the ledger, claimed, parsed, handed to the sink and
// archived. Periodic reconciliation is the recovery path for every dropped
// or lost filesystem event.
package watchdog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/ledger"
	"github.com/agent-relay/relayd/internal/outbox"
)

// Message is the in-band emission for one processed outbox file.
type Message struct {
	FileID      string
	AgentName   string
	MessageType string
	Headers     map[string]string
	Body        string
}

// Sink receives every successfully parsed file. A sink error marks the
// ledger row failed.
type Sink func(*Message) error

// Observer enumerates the watchdog's event set. Implementations must not
// block. May be nil.
type Observer interface {
	FileDiscovered(fileID, path string)
	FileDelivered(msg *Message)
	FileFailed(fileID, reason string)
	FileStale(fileID, path string, age time.Duration)
	WatcherOverflow()
	ReconcileComplete(processed, failed int)
	Error(op string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) FileDiscovered(string, string)            {}
func (NopObserver) FileDelivered(*Message)                   {}
func (NopObserver) FileFailed(string, string)                {}
func (NopObserver) FileStale(string, string, time.Duration)  {}
func (NopObserver) WatcherOverflow()                         {}
func (NopObserver) ReconcileComplete(int, int)               {}
func (NopObserver) Error(string, error)                      {}

// Watchdog is safe for concurrent use; the ledger claim is the mutual
// exclusion between racing processors.
type Watchdog struct {
	cfg      config.WatchdogConfig
	outbox   string // canonical outbox root
	archive  string
	ledger   *ledger.Ledger
	sink     Sink
	observer Observer
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	group   *errgroup.Group
	done    chan struct{}

	mu        sync.Mutex
	settle    map[string]*time.Timer
	staleSeen map[string]struct{}
}

// New creates a watchdog over outboxDir, archiving into archiveDir.
func New(cfg config.WatchdogConfig, outboxDir, archiveDir string, led *ledger.Ledger,
	sink Sink, observer Observer, log zerolog.Logger) *Watchdog {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Watchdog{
		cfg:       cfg,
		outbox:    outboxDir,
		archive:   archiveDir,
		ledger:    led,
		sink:      sink,
		observer:  observer,
		log:       log.With().Str("component", "watchdog").Logger(),
		done:      make(chan struct{}),
		settle:    make(map[string]*time.Timer),
		staleSeen: make(map[string]struct{}),
	}
}

// Start performs crash recovery, the initial scan, and launches the watcher
// and timer goroutines.
func (w *Watchdog) Start() error {
	for _, dir := range []string{w.outbox, w.archive} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	canonical, err := filepath.EvalSymlinks(w.outbox)
	if err != nil {
		return fmt.Errorf("failed to canonicalize outbox: %w", err)
	}
	w.outbox = canonical

	// Crash recovery: rows stuck in processing return to pending and will
	// be reclaimed by the initial scan.
	if n, err := w.ledger.ResetProcessingFiles(); err != nil {
		return fmt.Errorf("failed to reset processing files: %w", err)
	} else if n > 0 {
		w.log.Info().Int("count", n).Msg("reset processing files after restart")
	}
	if _, err := w.ledger.ReconcileWithFilesystem(); err != nil {
		w.log.Error().Err(err).Msg("startup reconcile failed")
	}

	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := w.watcher.Add(w.outbox); err != nil {
		return fmt.Errorf("failed to watch outbox: %w", err)
	}
	w.watchAgentDirs()

	w.reconcile()

	w.group = &errgroup.Group{}
	w.group.Go(w.eventLoop)
	w.group.Go(w.reconcileLoop)
	w.group.Go(w.cleanupLoop)
	return nil
}

// Stop cancels timers and waits for the goroutines to drain.
func (w *Watchdog) Stop() error {
	close(w.done)
	err := w.watcher.Close()

	w.mu.Lock()
	for path, t := range w.settle {
		t.Stop()
		delete(w.settle, path)
	}
	w.mu.Unlock()

	if werr := w.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (w *Watchdog) watchAgentDirs() {
	entries, err := os.ReadDir(w.outbox)
	if err != nil {
		w.observer.Error("readdir", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.watcher.Add(filepath.Join(w.outbox, e.Name())); err != nil {
				w.observer.Error("watch", err)
			}
		}
	}
}

func (w *Watchdog) eventLoop() error {
	for {
		select {
		case <-w.done:
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Lstat(ev.Name)
			if err != nil {
				continue // already gone
			}
			if info.IsDir() {
				// New agent subdirectory: watch it and pick up files
				// written before the watch took effect.
				if err := w.watcher.Add(ev.Name); err != nil {
					w.observer.Error("watch", err)
				}
				w.scanDir(ev.Name)
				continue
			}
			w.scheduleSettle(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			// Overflow or watcher failure: fall back to a full scan.
			w.log.Warn().Err(err).Msg("fs watcher error, forcing reconcile")
			w.observer.WatcherOverflow()
			w.reconcile()
		}
	}
}

func (w *Watchdog) reconcileLoop() error {
	ticker := time.NewTicker(w.cfg.ReconcileInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return nil
		case <-ticker.C:
			w.reconcile()
		}
	}
}

func (w *Watchdog) cleanupLoop() error {
	ticker := time.NewTicker(w.cfg.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return nil
		case <-ticker.C:
			w.cleanup()
		}
	}
}

// scheduleSettle debounces write-in-progress events: each new event for the
// same path restarts the timer.
func (w *Watchdog) scheduleSettle(path string) {
	if ignored(filepath.Base(path)) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.settle[path]; ok {
		t.Stop()
	}
	w.settle[path] = time.AfterFunc(w.cfg.Settle(), func() {
		w.mu.Lock()
		delete(w.settle, path)
		w.mu.Unlock()
		w.handleFile(path)
	})
}

// handleFile drives one path through validate, register, claim, parse,
// deliver, archive.
func (w *Watchdog) handleFile(path string) {
	canonical, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return
	}
	path = filepath.Join(canonical, filepath.Base(path))

	info, reason := w.validate(path)
	if info == nil {
		if reason != "" {
			w.log.Debug().Str("path", path).Str("reason", reason).Msg("file rejected")
		}
		return
	}

	agent, msgType, ok := w.splitPath(path)
	if !ok {
		w.log.Debug().Str("path", path).Msg("file outside an agent directory")
		return
	}

	hash, err := contentHash(path)
	if err != nil {
		w.observer.Error("hash", err)
		return
	}
	fileID, err := w.ledger.RegisterFile(ledger.RegisterParams{
		SourcePath:  path,
		AgentName:   agent,
		MessageType: msgType,
		Size:        info.Size(),
		ContentHash: hash,
		MtimeNs:     info.ModTime().UnixNano(),
	})
	if err != nil {
		w.observer.Error("register", err)
		return
	}
	w.observer.FileDiscovered(fileID, path)
	w.process(fileID)
}

// process claims and processes one registered file. Safe to call from any
// goroutine; losers of the claim race return quietly.
func (w *Watchdog) process(fileID string) {
	claim, err := w.ledger.ClaimFile(fileID)
	if err != nil {
		w.observer.Error("claim", err)
		return
	}
	if !claim.Success {
		return
	}
	rec := claim.Record

	data, err := os.ReadFile(rec.SourcePath)
	if err != nil {
		w.fail(fileID, fmt.Sprintf("read: %v", err))
		return
	}
	parsed := outbox.Parse(string(data))
	msg := &Message{
		FileID:      fileID,
		AgentName:   rec.AgentName,
		MessageType: rec.MessageType,
		Headers:     parsed.Headers,
		Body:        parsed.Body,
	}
	if err := w.sink(msg); err != nil {
		w.fail(fileID, fmt.Sprintf("deliver: %v", err))
		return
	}
	if err := w.ledger.MarkDelivered(fileID); err != nil {
		w.observer.Error("mark", err)
		return
	}
	w.observer.FileDelivered(msg)

	archivePath, err := w.archiveFile(rec)
	if err != nil {
		w.observer.Error("archive", err)
		return
	}
	if err := w.ledger.MarkArchived(fileID, archivePath); err != nil {
		w.observer.Error("mark", err)
	}
	w.log.Info().Str("file", fileID).Str("agent", rec.AgentName).
		Str("type", rec.MessageType).Msg("outbox file delivered")
}

func (w *Watchdog) fail(fileID, reason string) {
	if err := w.ledger.MarkFailed(fileID, reason); err != nil {
		w.observer.Error("mark", err)
	}
	w.observer.FileFailed(fileID, reason)
	w.log.Warn().Str("file", fileID).Str("reason", reason).Msg("outbox file failed")
}

// validate enforces the acceptance rules. A nil return with a reason means
// rejected; with an empty reason, silently skipped (gone or still being
// written). The file stays on disk for the next reconcile either way, except
// symlinks which are rejected permanently.
func (w *Watchdog) validate(path string) (os.FileInfo, string) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, ""
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, "symlink payloads are rejected"
	}
	if !info.Mode().IsRegular() {
		return nil, "not a regular file"
	}
	if info.Size() == 0 {
		// An empty file that stays empty past the malformed timeout is
		// written off; a fresh one may still be mid-write.
		if time.Since(info.ModTime()) > time.Duration(w.cfg.MalformedTimeoutSecs)*time.Second {
			return nil, "empty past malformed timeout"
		}
		return nil, ""
	}
	if info.Size() > w.cfg.MaxMessageBytes {
		return nil, fmt.Sprintf("size %d exceeds limit %d", info.Size(), w.cfg.MaxMessageBytes)
	}

	// Stability probe: size and mtime unchanged after a short pause.
	time.Sleep(w.cfg.StabilityProbe())
	again, err := os.Lstat(path)
	if err != nil {
		return nil, ""
	}
	if again.Size() != info.Size() || !again.ModTime().Equal(info.ModTime()) {
		return nil, "file still changing"
	}
	return again, ""
}

// splitPath derives (agent, messageType) from <outbox>/<agent>/<file>.
func (w *Watchdog) splitPath(path string) (string, string, bool) {
	rel, err := filepath.Rel(w.outbox, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[len(parts)-1], true
}

// archiveFile moves the source to <archive>/<agent>/YYYY-MM-DD/<fileId>-<type>,
// falling back to copy-then-unlink across filesystems.
func (w *Watchdog) archiveFile(rec *ledger.FileRecord) (string, error) {
	day := time.Now().Format("2006-01-02")
	dir := filepath.Join(w.archive, rec.AgentName, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}
	dest := filepath.Join(dir, rec.FileID+"-"+rec.MessageType)

	if err := os.Rename(rec.SourcePath, dest); err != nil {
		if cerr := copyThenUnlink(rec.SourcePath, dest); cerr != nil {
			return "", fmt.Errorf("failed to archive %s: %w", rec.SourcePath, cerr)
		}
	}
	return dest, nil
}

func copyThenUnlink(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// reconcile is the full recovery scan: register unknown files, drive every
// pending ledger row, surface stale rows.
func (w *Watchdog) reconcile() {
	entries, err := os.ReadDir(w.outbox)
	if err != nil {
		w.observer.Error("readdir", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			w.scanDir(filepath.Join(w.outbox, e.Name()))
		}
	}

	if _, err := w.ledger.ReconcileWithFilesystem(); err != nil {
		w.observer.Error("reconcile", err)
	}

	processed, failed := 0, 0
	pending, err := w.ledger.GetPendingFiles(0)
	if err != nil {
		w.observer.Error("pending", err)
		return
	}
	for _, rec := range pending {
		w.process(rec.FileID)
		if after, err := w.ledger.GetByID(rec.FileID); err == nil {
			switch after.Status {
			case ledger.StatusFailed:
				failed++
			case ledger.StatusDelivered, ledger.StatusArchived:
				processed++
			}
		}
	}

	w.markStale()
	w.observer.ReconcileComplete(processed, failed)
}

func (w *Watchdog) scanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || ignored(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		registered, err := w.ledger.IsFileRegistered(path)
		if err != nil || registered {
			continue
		}
		w.handleFile(path)
	}
}

// markStale reports pending rows older than the stale age, once per row.
func (w *Watchdog) markStale() {
	stale, err := w.ledger.StaleRegistered(time.Now().Add(-w.cfg.StaleAge()))
	if err != nil {
		w.observer.Error("stale", err)
		return
	}
	for _, rec := range stale {
		w.mu.Lock()
		_, seen := w.staleSeen[rec.FileID]
		if !seen {
			w.staleSeen[rec.FileID] = struct{}{}
		}
		w.mu.Unlock()
		if seen {
			continue
		}
		age := time.Since(time.UnixMilli(rec.CreatedAt))
		w.observer.FileStale(rec.FileID, rec.SourcePath, age)
		w.log.Warn().Str("file", rec.FileID).Str("path", rec.SourcePath).
			Dur("age", age).Msg("pending file is stale")
	}
}

// cleanup removes orphaned .pending sidecars and purges old archived rows.
func (w *Watchdog) cleanup() {
	cutoff := time.Now().Add(-w.cfg.OrphanedPendingAge())
	_ = filepath.WalkDir(w.outbox, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".pending") {
			return nil
		}
		info, err := d.Info()
		if err == nil && info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				w.observer.Error("cleanup", rmErr)
			}
		}
		return nil
	})

	if n, err := w.ledger.CleanupArchivedRecords(w.cfg.ArchiveRetention()); err != nil {
		w.observer.Error("cleanup", err)
	} else if n > 0 {
		w.log.Info().Int("count", n).Msg("purged archived ledger rows")
	}
}

func ignored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, suffix := range []string{".pending", ".tmp", ".swp", "~"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
