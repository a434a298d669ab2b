// Package printer provides the print job dispatcher: a persisted priority
// queue that serializes delivery of rendered order payloads to named
// destinations (receipt, kitchen, bar) with bounded linear-backoff retry.
//
// Exactly one job is being delivered at any instant. Jobs are dequeued in
// descending priority order, ties broken by insertion order. A failed job
// re-enters at the front of the queue after tries x RetryDelay; after
// MaxRetries attempts it is abandoned. Its persisted record stays in
// failed status for audit, but it is never retried again.
//
// Jobs are persisted before they enter the active queue, and any job not in
// done status is reloaded on startup, so in-flight work survives restarts.
package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/record"
	"github.com/tillworks/tillsync/internal/store"
)

// Destination names a delivery sink target.
type Destination string

const (
	DestReceipt Destination = "receipt"
	DestKitchen Destination = "kitchen"
	DestBar     Destination = "bar"
)

// Destinations is the fixed set of valid destinations.
var Destinations = []Destination{DestReceipt, DestKitchen, DestBar}

// Valid reports whether the destination is one of the fixed set.
func (d Destination) Valid() bool {
	for _, known := range Destinations {
		if d == known {
			return true
		}
	}
	return false
}

// Status is a job's persisted state.
type Status string

const (
	StatusQueued Status = "queued"
	StatusFailed Status = "failed"
	StatusDone   Status = "done"
)

// Job is one print request.
type Job struct {
	ID          string       `json:"id"`
	Destination Destination  `json:"destination"`
	OrderID     string       `json:"order_id"`
	Payload     record.Order `json:"payload"`
	Status      Status       `json:"status"`
	Priority    int          `json:"priority"`
	Tries       int          `json:"tries"`
	CreatedAt   time.Time    `json:"created_at"`
	Seq         int64        `json:"seq"`
}

// Template renders an order for a destination.
type Template func(record.Order) string

// Sink is the physical delivery port (printer, webhook, ...). Encoding the
// rendered payload for the device is the sink's concern.
type Sink interface {
	Deliver(ctx context.Context, rendered string, dest Destination) error
}

// Notification reports a job lifecycle change to observers.
type Notification struct {
	Message string
	Job     Job
}

// Config configures the Manager. Zero values take defaults.
type Config struct {
	// RetryDelay is the base delay; a failed job waits tries x RetryDelay
	// before re-entering the queue (default 3s).
	RetryDelay time.Duration
	// MaxRetries bounds delivery attempts per job (default 5).
	MaxRetries int
	// Logger for dispatcher activity (default: prefixed stderr logger).
	Logger *log.Logger
	// Scheduler for retry timers (default: outbox.TimerScheduler).
	Scheduler outbox.Scheduler
	// Clock supplies the current time (default: time.Now).
	Clock func() time.Time
}

func (c *Config) setDefaults() {
	if c.RetryDelay == 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[printer] ", log.LstdFlags)
	}
	if c.Scheduler == nil {
		c.Scheduler = outbox.TimerScheduler
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager owns the active queue and drives jobs through delivery.
type Manager struct {
	store *store.Store
	sink  Sink
	cfg   Config

	templates map[Destination]Template

	mu       sync.Mutex
	queue    []*Job
	printing bool
	nextSeq  int64

	listenersMu sync.RWMutex
	listeners   []func(Notification)
}

// New creates a Manager, registers the default templates, and reloads any
// persisted jobs not yet done. Processing of reloaded jobs starts
// immediately.
func New(st *store.Store, sink Sink, cfg *Config) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	var config Config
	if cfg != nil {
		config = *cfg
	}
	config.setDefaults()

	m := &Manager{
		store:     st,
		sink:      sink,
		cfg:       config,
		templates: defaultTemplates(),
		nextSeq:   1,
	}

	if err := m.restore(); err != nil {
		return nil, err
	}

	m.processNext()
	return m, nil
}

// restore reloads persisted jobs that are not done into the active queue.
func (m *Manager) restore() error {
	docs, err := m.store.GetAll(store.CollectionPrintJobs)
	if err != nil {
		return fmt.Errorf("failed to restore print jobs: %w", err)
	}

	for _, doc := range docs {
		var job Job
		if err := doc.Decode(&job); err != nil {
			m.cfg.Logger.Printf("Warning: skipping unreadable print job %s: %v", doc.ID, err)
			continue
		}
		if job.Status == StatusDone {
			continue
		}
		m.queue = append(m.queue, &job)
		if job.Seq >= m.nextSeq {
			m.nextSeq = job.Seq + 1
		}
	}

	m.sortQueue()

	if len(m.queue) > 0 {
		m.cfg.Logger.Printf("Restored %d pending print jobs", len(m.queue))
	}
	return nil
}

// RegisterTemplate installs or replaces the template for a destination.
func (m *Manager) RegisterTemplate(dest Destination, tmpl Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[dest] = tmpl
}

// OnStatus registers an observer for job lifecycle notifications.
func (m *Manager) OnStatus(fn func(Notification)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(message string, job Job) {
	m.cfg.Logger.Printf("%s: %s %s", message, job.Destination, job.OrderID)
	m.listenersMu.RLock()
	fns := m.listeners
	m.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(Notification{Message: message, Job: job})
	}
}

// QueueLen returns the number of jobs in the active queue.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// AddJob validates the destination, persists the job, inserts it into the
// active queue by descending priority (ties: insertion order), and triggers
// processing if the dispatcher is idle.
func (m *Manager) AddJob(ctx context.Context, dest Destination, order record.Order, priority int) (*Job, error) {
	if !dest.Valid() {
		return nil, fmt.Errorf("invalid print destination %q", dest)
	}

	m.mu.Lock()
	seq := m.nextSeq
	m.nextSeq++
	m.mu.Unlock()

	job := &Job{
		ID:          uuid.New().String(),
		Destination: dest,
		OrderID:     order.ID,
		Payload:     order,
		Status:      StatusQueued,
		Priority:    priority,
		Tries:       0,
		CreatedAt:   m.cfg.Clock(),
		Seq:         seq,
	}

	if err := m.persist(ctx, job); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.queue = append(m.queue, job)
	m.sortQueue()
	m.mu.Unlock()

	m.processNext()
	return job, nil
}

// persist writes a job's current state to the print_jobs collection.
func (m *Manager) persist(ctx context.Context, job *Job) error {
	doc, err := store.NewDoc(job.ID, m.cfg.Clock(), job)
	if err != nil {
		return err
	}
	return m.store.PutContext(ctx, store.CollectionPrintJobs, doc)
}

// sortQueue orders the active queue by descending priority, insertion
// order within a priority. Callers hold m.mu.
func (m *Manager) sortQueue() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].Priority != m.queue[j].Priority {
			return m.queue[i].Priority > m.queue[j].Priority
		}
		return m.queue[i].Seq < m.queue[j].Seq
	})
}

// processNext delivers the highest-priority job if the dispatcher is idle.
// The printing guard ensures only one job is in delivery at any instant.
func (m *Manager) processNext() {
	m.mu.Lock()
	if m.printing || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	m.printing = true
	job := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	ctx := context.Background()
	err := m.deliver(ctx, job)

	if err == nil {
		job.Status = StatusDone
		if perr := m.persist(ctx, job); perr != nil {
			m.cfg.Logger.Printf("Warning: failed to persist job %s: %v", job.ID, perr)
		}
		m.notify("Print job succeeded", *job)

		m.mu.Lock()
		m.printing = false
		m.mu.Unlock()
		m.processNext()
		return
	}

	job.Status = StatusFailed
	job.Tries++
	if perr := m.persist(ctx, job); perr != nil {
		m.cfg.Logger.Printf("Warning: failed to persist job %s: %v", job.ID, perr)
	}

	if job.Tries < m.cfg.MaxRetries {
		m.notify("Print job failed, will retry", *job)
		delay := time.Duration(job.Tries) * m.cfg.RetryDelay
		m.cfg.Scheduler(delay, func() {
			m.mu.Lock()
			job.Status = StatusQueued
			// Retry at the front of the queue, ahead of newer work.
			m.queue = append([]*Job{job}, m.queue...)
			m.mu.Unlock()
			m.processNext()
		})
		m.mu.Lock()
		m.printing = false
		m.mu.Unlock()
		return
	}

	// Retries exhausted: the job is dropped from the active queue for
	// good; its persisted record stays failed for audit.
	m.notify("Print job abandoned after max retries", *job)

	m.mu.Lock()
	m.printing = false
	m.mu.Unlock()
	m.processNext()
}

// deliver renders the job and hands it to the sink.
func (m *Manager) deliver(ctx context.Context, job *Job) error {
	m.mu.Lock()
	tmpl := m.templates[job.Destination]
	m.mu.Unlock()

	rendered := renderFallback(job.Payload)
	if tmpl != nil {
		rendered = tmpl(job.Payload)
	}

	if err := m.sink.Deliver(ctx, rendered, job.Destination); err != nil {
		return fmt.Errorf("delivery to %s failed: %w", job.Destination, err)
	}
	return nil
}

// renderFallback is the generic serialization used when no template is
// registered for a destination.
func renderFallback(order record.Order) string {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Sprintf("order %s", order.ID)
	}
	return string(data)
}
