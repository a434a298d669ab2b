package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tillworks/tillsync/internal/store"
)

// engine implements the Syncer interface.
type engine struct {
	store     *store.Store
	transport Transport
	logger    *log.Logger
	clock     func() time.Time

	mu         sync.Mutex
	watermarks map[string]int64
	syncing    map[string]bool

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// watermarkDoc is the persisted shape of one collection's watermark in the
// sync_state collection.
type watermarkDoc struct {
	Collection string `json:"collection"`
	Watermark  int64  `json:"watermark"`
}

// New creates a Syncer over the given store and transport.
//
// If logger is nil, a default logger writing to stderr is used. If clock is
// nil, time.Now is used; tests inject a fixed clock to make watermark
// advancement deterministic.
//
// Watermarks persisted by a previous process are reloaded from the store's
// sync_state collection.
func New(st *store.Store, transport Transport, logger *log.Logger, clock func() time.Time) (Syncer, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if clock == nil {
		clock = time.Now
	}

	e := &engine{
		store:      st,
		transport:  transport,
		logger:     logger,
		clock:      clock,
		watermarks: make(map[string]int64),
		syncing:    make(map[string]bool),
	}

	if err := e.restoreWatermarks(); err != nil {
		return nil, err
	}

	return e, nil
}

// restoreWatermarks reloads persisted watermarks from sync_state.
func (e *engine) restoreWatermarks() error {
	docs, err := e.store.GetAll(store.CollectionSyncState)
	if err != nil {
		return fmt.Errorf("failed to restore watermarks: %w", err)
	}

	for _, doc := range docs {
		var wm watermarkDoc
		if err := doc.Decode(&wm); err != nil {
			e.logger.Printf("Warning: skipping unreadable watermark %s: %v", doc.ID, err)
			continue
		}
		e.watermarks[wm.Collection] = wm.Watermark
	}

	return nil
}

// Watermark implements Syncer.Watermark.
func (e *engine) Watermark(collection string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermarks[collection]
}

// On implements Syncer.On.
func (e *engine) On(fn func(Event)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *engine) emit(ev Event) {
	e.listenersMu.RLock()
	fns := e.listeners
	e.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SyncStore implements Syncer.SyncStore.
func (e *engine) SyncStore(ctx context.Context, collection string) error {
	e.mu.Lock()
	if e.syncing[collection] {
		e.mu.Unlock()
		return fmt.Errorf("sync already in progress for %s", collection)
	}
	e.syncing[collection] = true
	since := e.watermarks[collection]
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.syncing, collection)
		e.mu.Unlock()
	}()

	e.emit(Event{Type: EventSyncStart, Collection: collection, Watermark: since})
	e.logger.Printf("Syncing %s since %d", collection, since)

	if err := e.syncPass(ctx, collection, since); err != nil {
		e.logger.Printf("Sync failed for %s: %v", collection, err)
		e.emit(Event{Type: EventSyncError, Collection: collection, Watermark: since, Err: err})
		return err
	}

	// Full success: advance the watermark to now and persist it. The
	// watermark never rolls back.
	now := e.clock().UnixMilli()
	if err := e.saveWatermark(ctx, collection, now); err != nil {
		e.emit(Event{Type: EventSyncError, Collection: collection, Watermark: since, Err: err})
		return err
	}

	e.logger.Printf("Sync complete for %s, watermark %d", collection, now)
	e.emit(Event{Type: EventSyncSuccess, Collection: collection, Watermark: now})
	return nil
}

// syncPass performs the push, pull, and reconcile phases. Any error aborts
// the pass without advancing the watermark.
func (e *engine) syncPass(ctx context.Context, collection string, since int64) error {
	// Push phase: local records changed since the watermark, one request
	// per record, no ordering dependency between records.
	local, err := e.store.GetSinceContext(ctx, collection, since)
	if err != nil {
		return fmt.Errorf("failed to scan local changes: %w", err)
	}

	for _, doc := range local {
		if err := e.transport.Push(ctx, collection, doc); err != nil {
			return fmt.Errorf("failed to push %s/%s: %w", collection, doc.ID, err)
		}
	}

	// Pull phase: remote records updated since the same watermark.
	pulled, err := e.transport.Pull(ctx, collection, since)
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", collection, err)
	}

	// Reconcile per pulled record with last-write-wins.
	for _, remote := range pulled {
		if err := e.reconcile(ctx, collection, remote); err != nil {
			return err
		}
	}

	return nil
}

// reconcile applies one pulled record against the local store.
//
// Remote wins when no local record exists or the remote timestamp is
// tie-or-newer. A strictly newer local record is pushed back to the remote,
// correcting the server's stale view.
func (e *engine) reconcile(ctx context.Context, collection string, remote store.Doc) error {
	local, err := e.store.GetContext(ctx, collection, remote.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to read local %s/%s: %w", collection, remote.ID, err)
		}
		if err := e.store.PutContext(ctx, collection, remote); err != nil {
			return fmt.Errorf("failed to apply remote %s/%s: %w", collection, remote.ID, err)
		}
		return nil
	}

	switch {
	case remote.UpdatedAt > local.UpdatedAt:
		if err := e.store.PutContext(ctx, collection, remote); err != nil {
			return fmt.Errorf("failed to apply remote %s/%s: %w", collection, remote.ID, err)
		}
	case local.UpdatedAt > remote.UpdatedAt:
		if err := e.transport.Push(ctx, collection, local); err != nil {
			return fmt.Errorf("failed to push correction %s/%s: %w", collection, local.ID, err)
		}
	default:
		// Equal timestamps: remote is authoritative, and the local copy
		// already matches the winning timestamp. Apply the remote bytes
		// so both sides converge on identical content.
		if err := e.store.PutContext(ctx, collection, remote); err != nil {
			return fmt.Errorf("failed to apply remote %s/%s: %w", collection, remote.ID, err)
		}
	}

	return nil
}

// saveWatermark persists and caches a collection's watermark.
func (e *engine) saveWatermark(ctx context.Context, collection string, wm int64) error {
	doc, err := store.NewDoc(collection, time.UnixMilli(wm), watermarkDoc{
		Collection: collection,
		Watermark:  wm,
	})
	if err != nil {
		return fmt.Errorf("failed to encode watermark: %w", err)
	}
	if err := e.store.PutContext(ctx, store.CollectionSyncState, doc); err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}

	e.mu.Lock()
	e.watermarks[collection] = wm
	e.mu.Unlock()
	return nil
}
