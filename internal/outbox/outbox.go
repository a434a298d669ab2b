// Package outbox provides the offline write queue: every accepted write is
// durably visible to local readers immediately and eventually delivered to
// the remote authority, without the caller handling connectivity state.
//
// Writes always land in the local store first. When online, delivery to the
// remote is attempted immediately; a delivery failure (or being offline)
// appends the write to a retry queue. Flush drains the queue with one shared
// exponential backoff clock: the delay doubles on every pass that still has
// failures, capped, and resets to the base the moment a pass clears the
// queue. A single persistently failing entry therefore throttles retry speed
// for the whole queue; this trades fairness for simplicity.
//
// Queue entries are persisted in the store's write_queue collection, so
// undelivered writes survive process restarts.
package outbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tillworks/tillsync/internal/store"
)

// Remote is the delivery port to the remote authority. Any failure
// (network unreachability, non-success status, malformed response) is
// treated uniformly as retryable.
type Remote interface {
	Push(ctx context.Context, collection string, doc store.Doc) error
}

// Scheduler schedules fn to run after delay and returns a cancel func.
// Tests substitute a manual scheduler to advance virtual time.
type Scheduler func(delay time.Duration, fn func()) (cancel func())

// TimerScheduler is the production Scheduler, backed by time.AfterFunc.
func TimerScheduler(delay time.Duration, fn func()) func() {
	t := time.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

// Entry is an undelivered local mutation awaiting remote confirmation.
type Entry struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Doc        store.Doc `json:"doc"`
	TryCount   int       `json:"try_count"`
	Seq        int64     `json:"seq"`
	EnqueuedAt int64     `json:"enqueued_at"`
}

// EventType identifies queue lifecycle events for observers.
type EventType string

const (
	// EventQueued fires when a write enters the retry queue.
	EventQueued EventType = "queued-write"
	// EventFlushBegin fires at the start of a flush pass.
	EventFlushBegin EventType = "begin-flush"
	// EventFlushEnd fires at the end of a flush pass.
	EventFlushEnd EventType = "end-flush"
)

// Event carries queue state for observers (dashboards, tests).
type Event struct {
	Type     EventType
	QueueLen int
	Failures int
}

// Config configures the queue. Zero values take defaults.
type Config struct {
	// BaseDelay is the initial retry delay (default 1s).
	BaseDelay time.Duration
	// MaxDelay caps the backoff (default 30s).
	MaxDelay time.Duration
	// Logger for queue activity (default: prefixed stderr logger).
	Logger *log.Logger
	// Scheduler for retry timers (default: TimerScheduler).
	Scheduler Scheduler
	// Clock supplies the current time (default: time.Now).
	Clock func() time.Time
	// StartOnline sets the initial connectivity assumption.
	StartOnline bool
}

func (c *Config) setDefaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	if c.Scheduler == nil {
		c.Scheduler = TimerScheduler
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Queue buffers writes for eventual delivery.
type Queue struct {
	store  *store.Store
	remote Remote
	cfg    Config

	mu          sync.Mutex
	entries     []*Entry
	online      bool
	flushing    bool
	backoff     time.Duration
	cancelRetry func()
	nextSeq     int64

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New creates a queue and reloads any entries persisted by a previous
// process from the write_queue collection.
func New(st *store.Store, remote Remote, cfg *Config) (*Queue, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}

	var config Config
	if cfg != nil {
		config = *cfg
	}
	config.setDefaults()

	q := &Queue{
		store:   st,
		remote:  remote,
		cfg:     config,
		online:  config.StartOnline,
		backoff: config.BaseDelay,
		nextSeq: 1,
	}

	if err := q.restore(); err != nil {
		return nil, err
	}

	return q, nil
}

// restore reloads persisted queue entries, oldest first.
func (q *Queue) restore() error {
	docs, err := q.store.GetAll(store.CollectionWriteQueue)
	if err != nil {
		return fmt.Errorf("failed to restore write queue: %w", err)
	}

	for _, doc := range docs {
		var entry Entry
		if err := doc.Decode(&entry); err != nil {
			q.cfg.Logger.Printf("Warning: skipping unreadable queue entry %s: %v", doc.ID, err)
			continue
		}
		q.entries = append(q.entries, &entry)
		if entry.Seq >= q.nextSeq {
			q.nextSeq = entry.Seq + 1
		}
	}

	sort.Slice(q.entries, func(i, j int) bool {
		return q.entries[i].Seq < q.entries[j].Seq
	})

	if len(q.entries) > 0 {
		q.cfg.Logger.Printf("Restored %d queued writes", len(q.entries))
	}
	return nil
}

// QueueWrite persists the record locally and arranges remote delivery.
//
// The local write always happens first, so readers see their own writes
// regardless of connectivity. Remote delivery failures are swallowed into
// the retry queue; only local-store failures are returned.
func (q *Queue) QueueWrite(ctx context.Context, collection string, doc store.Doc) error {
	if err := q.store.PutContext(ctx, collection, doc); err != nil {
		return err
	}

	q.mu.Lock()
	online := q.online
	q.mu.Unlock()

	if online {
		err := q.remote.Push(ctx, collection, doc)
		if err == nil {
			return nil
		}
		q.cfg.Logger.Printf("Delivery failed for %s/%s, queuing: %v", collection, doc.ID, err)
	}

	return q.enqueue(ctx, collection, doc)
}

// enqueue appends an entry to the retry queue and persists it.
func (q *Queue) enqueue(ctx context.Context, collection string, doc store.Doc) error {
	q.mu.Lock()
	seq := q.nextSeq
	q.nextSeq++
	entry := &Entry{
		ID:         fmt.Sprintf("wq-%016d", seq),
		Collection: collection,
		Doc:        doc,
		TryCount:   0,
		Seq:        seq,
		EnqueuedAt: q.cfg.Clock().UnixMilli(),
	}
	q.entries = append(q.entries, entry)
	queueLen := len(q.entries)
	q.mu.Unlock()

	if err := q.persist(ctx, entry); err != nil {
		return err
	}

	q.emit(Event{Type: EventQueued, QueueLen: queueLen})
	return nil
}

// persist writes an entry's current state to the write_queue collection.
func (q *Queue) persist(ctx context.Context, entry *Entry) error {
	doc, err := store.NewDoc(entry.ID, time.UnixMilli(entry.EnqueuedAt), entry)
	if err != nil {
		return err
	}
	return q.store.PutContext(ctx, store.CollectionWriteQueue, doc)
}

// SetOnline records a connectivity transition. Going online does not flush
// by itself; the caller (typically the daemon reacting to the connectivity
// monitor) invokes Flush.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

// Online reports the current connectivity assumption.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Len returns the number of undelivered entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Backoff returns the current shared backoff delay.
func (q *Queue) Backoff() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoff
}

// OnEvent registers an observer for queue lifecycle events.
func (q *Queue) OnEvent(fn func(Event)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

func (q *Queue) emit(ev Event) {
	q.listenersMu.RLock()
	fns := q.listeners
	q.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Flush marks the queue online and drains the current snapshot once.
//
// Each entry is re-applied locally (idempotent; same id overwrites) and then
// pushed to the remote. Entries that succeed are dropped; entries that fail
// have their try count incremented and are carried into the next generation.
// Writes enqueued while the pass runs are not revisited until the next pass.
//
// If failures remain, the shared backoff doubles (capped) and another flush
// is scheduled after that delay. A clean pass resets the backoff to base and
// schedules nothing. At most one pass runs at a time; a Flush during an
// active pass is a no-op.
//
// Only local-store failures are returned; remote failures stay in the queue.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	q.online = true
	if q.flushing || len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	if q.cancelRetry != nil {
		q.cancelRetry()
		q.cancelRetry = nil
	}
	snapshot := q.entries
	q.entries = nil
	q.mu.Unlock()

	q.emit(Event{Type: EventFlushBegin, QueueLen: len(snapshot)})
	q.cfg.Logger.Printf("Flushing %d queued writes", len(snapshot))

	var failures []*Entry
	var storeErr error

	for _, entry := range snapshot {
		if err := q.store.PutContext(ctx, entry.Collection, entry.Doc); err != nil {
			// Local store fault: fatal to the pass, entry retained.
			storeErr = err
			failures = append(failures, entry)
			continue
		}

		if err := q.remote.Push(ctx, entry.Collection, entry.Doc); err != nil {
			entry.TryCount++
			if perr := q.persist(ctx, entry); perr != nil {
				q.cfg.Logger.Printf("Warning: failed to persist queue entry %s: %v", entry.ID, perr)
			}
			failures = append(failures, entry)
			continue
		}

		if err := q.store.DeleteContext(ctx, store.CollectionWriteQueue, entry.ID); err != nil {
			q.cfg.Logger.Printf("Warning: failed to remove delivered entry %s: %v", entry.ID, err)
		}
	}

	q.mu.Lock()
	// Failures precede anything enqueued during the pass: retry order
	// follows FIFO scan order, not insertion time.
	q.entries = append(failures, q.entries...)
	q.flushing = false

	if len(failures) > 0 {
		q.backoff = q.backoff * 2
		if q.backoff > q.cfg.MaxDelay {
			q.backoff = q.cfg.MaxDelay
		}
		delay := q.backoff
		q.cancelRetry = q.cfg.Scheduler(delay, func() {
			if err := q.Flush(context.Background()); err != nil {
				q.cfg.Logger.Printf("Retry flush failed: %v", err)
			}
		})
		q.mu.Unlock()
		q.cfg.Logger.Printf("%d writes still undelivered, next flush in %s", len(failures), delay)
	} else {
		q.backoff = q.cfg.BaseDelay
		q.mu.Unlock()
		q.cfg.Logger.Printf("Write queue drained")
	}

	q.emit(Event{Type: EventFlushEnd, QueueLen: q.Len(), Failures: len(failures)})
	return storeErr
}

// Stop cancels any pending retry timer. In-flight passes complete.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelRetry != nil {
		q.cancelRetry()
		q.cancelRetry = nil
	}
}
