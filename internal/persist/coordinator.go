// Package persist mirrors the session machine's durable state into the
// key-value store. It subscribes to machine transitions so the core
// transition logic stays free of storage concerns: saves are best-effort
// background writes whose failures are logged and never escalated, while
// the purge on reset runs synchronously.
package persist

import (
	"log/slog"
	"sync"

	"github.com/tbouder/echoscribe/internal/audio"
	"github.com/tbouder/echoscribe/internal/session"
	"github.com/tbouder/echoscribe/internal/storage"
)

// Store is the slice of the key-value store the coordinator needs.
type Store interface {
	Save(key string, value any) error
	Load(key string, dest any) (bool, error)
	Remove(key string) error
}

type Coordinator struct {
	store Store

	// run executes best-effort writes; tests replace it to run inline.
	run func(func())

	// Background writes carry a sequence number so a save that was queued
	// before a newer snapshot (or a clear) can never land on top of it,
	// whatever order the scheduler runs the goroutines in.
	mu    sync.Mutex
	seq   uint64
	saved uint64
}

func New(store Store) *Coordinator {
	return &Coordinator{
		store: store,
		run:   func(fn func()) { go fn() },
	}
}

// StatusChanged implements session.Listener.
func (c *Coordinator) StatusChanged(_, _ session.Status) {}

// TurnAppended implements session.Listener.
func (c *Coordinator) TurnAppended(_ session.Turn) {}

// RecordUpdated persists the session record in the background. A record is
// only ever written for a Success snapshot; a write failure is logged and
// does not roll back the machine's transition.
func (c *Coordinator) RecordUpdated(snap session.Snapshot) {
	if snap.Status != session.StatusSuccess {
		return
	}

	rec := session.Record{
		Transcript:  snap.Transcript,
		Audio:       session.AudioData{Data: audio.Encode(snap.Audio), Type: snap.AudioType},
		ChatHistory: snap.ChatHistory,
		Model:       snap.Model,
		Status:      session.StatusSuccess,
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.run(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if seq < c.saved {
			return
		}
		c.saved = seq
		if err := c.store.Save(storage.KeySingleSession, rec); err != nil {
			slog.Warn("persist: session save failed", "error", err)
		}
	})
}

// SessionCleared removes the persisted record synchronously, so a reload
// immediately after reset never resurrects stale data. Saves still queued
// behind the clear are marked stale and skipped.
func (c *Coordinator) SessionCleared() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.saved = c.seq
	if err := c.store.Remove(storage.KeySingleSession); err != nil {
		slog.Warn("persist: session remove failed", "error", err)
	}
}

// LoadRecord implements session.RecordSource. Parse failures are already
// handled fail-soft by the store; any other read error is treated as absent
// so startup always reaches a usable state.
func (c *Coordinator) LoadRecord() (session.Record, bool) {
	var rec session.Record
	ok, err := c.store.Load(storage.KeySingleSession, &rec)
	if err != nil {
		slog.Warn("persist: session load failed", "error", err)
		return session.Record{}, false
	}
	return rec, ok
}

// RemoveRecord implements session.RecordSource.
func (c *Coordinator) RemoveRecord() {
	if err := c.store.Remove(storage.KeySingleSession); err != nil {
		slog.Warn("persist: session remove failed", "error", err)
	}
}
