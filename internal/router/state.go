package router

import (
	"time"
)

// Processing state: an agent that just received a message is "thinking"
// until it speaks again or the watchdog timer clears the flag. Users are
// never tracked.

type processingEntry struct {
	since time.Time
	timer *time.Timer
}

func (r *Router) setProcessing(name string) {
	r.mu.Lock()
	if prev, ok := r.processing[name]; ok {
		prev.timer.Stop()
	}
	e := &processingEntry{since: time.Now()}
	e.timer = time.AfterFunc(r.cfg.ProcessingTimeout(), func() {
		r.expireProcessing(name, e)
	})
	r.processing[name] = e
	r.mu.Unlock()

	r.observer.ProcessingChanged(name, true, e.since)
}

func (r *Router) clearProcessing(name string) {
	r.mu.Lock()
	e, ok := r.processing[name]
	if ok {
		e.timer.Stop()
		delete(r.processing, name)
	}
	r.mu.Unlock()

	if ok {
		r.observer.ProcessingChanged(name, false, e.since)
	}
}

func (r *Router) expireProcessing(name string, e *processingEntry) {
	r.mu.Lock()
	cur, ok := r.processing[name]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.processing, name)
	r.mu.Unlock()

	r.log.Debug().Str("name", name).Msg("processing state expired")
	r.observer.ProcessingChanged(name, false, e.since)
}

// IsProcessing reports whether name currently holds the processing flag.
func (r *Router) IsProcessing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processing[name]
	return ok
}

// Spawning set: names the spawn manager has launched but whose HELLO has not
// arrived yet. Messages to them are queued, not dropped. Entries expire
// after the spawning timeout in case the child never comes up.

// MarkSpawning flags name as being launched.
func (r *Router) MarkSpawning(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.spawning[name]; ok {
		prev.Stop()
	}
	r.spawning[name] = time.AfterFunc(r.cfg.SpawningTimeout(), func() {
		r.ClearSpawning(name)
	})
}

// ClearSpawning removes the flag; called on HELLO, spawn failure or timeout.
func (r *Router) ClearSpawning(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearSpawningLocked(name)
}

func (r *Router) clearSpawningLocked(name string) {
	if t, ok := r.spawning[name]; ok {
		t.Stop()
		delete(r.spawning, name)
	}
}

func (r *Router) isSpawning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.spawning[name]
	return ok
}
