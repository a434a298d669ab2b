// Package sync provides bidirectional reconciliation of local collections
// against the remote authority using timestamp-ordered, last-write-wins
// conflict resolution.
package sync

import (
	"context"

	"github.com/tillworks/tillsync/internal/store"
)

// Transport is the remote authority port.
//
// Failure includes network unreachability, non-success status, and
// malformed responses; the engine treats all of them uniformly as
// retryable and aborts the sync pass.
type Transport interface {
	// Push delivers one record to the remote authority.
	Push(ctx context.Context, collection string, doc store.Doc) error

	// Pull requests records updated since the given watermark
	// (unix milliseconds; zero means everything).
	Pull(ctx context.Context, collection string, since int64) ([]store.Doc, error)
}

// Syncer reconciles named collections between the local store and the
// remote authority.
//
// A sync pass uploads local changes made since the collection's watermark,
// downloads remote changes since the same watermark, and resolves
// per-record conflicts by comparing update timestamps. The watermark
// advances only after a fully successful pass, so a partial failure never
// loses track of unsynced changes.
//
// Conflict resolution is deliberately simple: the record with the larger
// update timestamp wins, and equal timestamps resolve in the remote's
// favor. Callers needing stronger guarantees (field-level merge, manual
// resolution) must layer them on top.
type Syncer interface {
	// SyncStore reconciles one collection. It emits sync-start before the
	// pass and sync-success or sync-error after it.
	//
	// Returns the error that aborted the pass, or nil. An aborted pass
	// leaves the watermark untouched; the next invocation retries from
	// the same point.
	SyncStore(ctx context.Context, collection string) error

	// Watermark returns the last timestamp through which the collection
	// is known fully synchronized (unix milliseconds; zero means never
	// synced).
	Watermark(collection string) int64

	// On registers an observer for sync lifecycle events. Observers are
	// invoked synchronously in registration order.
	On(fn func(Event))
}

// EventType identifies a sync lifecycle event.
type EventType string

const (
	// EventSyncStart fires when a sync pass begins.
	EventSyncStart EventType = "sync-start"
	// EventSyncSuccess fires after a fully successful pass.
	EventSyncSuccess EventType = "sync-success"
	// EventSyncError fires when a pass aborts.
	EventSyncError EventType = "sync-error"
)

// Event carries sync lifecycle information to observers.
type Event struct {
	Type       EventType
	Collection string
	// Watermark is the collection watermark after the event (unix
	// milliseconds). Meaningful for sync-success.
	Watermark int64
	// Err carries the failure cause for sync-error events.
	Err error
}
