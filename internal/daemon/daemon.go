// Package daemon orchestrates the offline-first runtime: it wires the
// connectivity monitor to write-queue flushing and sync triggering, runs
// periodic sync passes, and imports catalog files dropped into the import
// directory.
//
// The daemon:
//  1. Reacts to reconnects by flushing the write queue and syncing
//  2. Periodically reconciles the synced collections
//  3. Watches the import directory for product JSON files
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tillworks/tillsync/internal/netmon"
	"github.com/tillworks/tillsync/internal/outbox"
	"github.com/tillworks/tillsync/internal/record"
	"github.com/tillworks/tillsync/internal/store"
	syncpkg "github.com/tillworks/tillsync/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to reconcile the synced collections.
	SyncInterval time.Duration

	// Collections are the collections the periodic sync covers.
	Collections []string

	// ImportDir is the catalog drop directory. Empty disables the
	// import watcher.
	ImportDir string

	// DebounceInterval is how long to wait before processing import file
	// changes; this batches rapid updates together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		Collections:      []string{store.CollectionOrders, store.CollectionProducts},
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon ties the store, write queue, sync engine, and connectivity
// monitor together.
type Daemon struct {
	store   *store.Store
	queue   *outbox.Queue
	syncer  syncpkg.Syncer
	monitor *netmon.Monitor
	config  *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. All components are required; config may be nil for
// defaults.
func New(st *store.Store, queue *outbox.Queue, syncer syncpkg.Syncer, monitor *netmon.Monitor, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       st,
		queue:       queue,
		syncer:      syncer,
		monitor:     monitor,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.monitor.OnTransition(d.onConnectivity)

	if d.config.ImportDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create import watcher: %w", err)
		}
		d.watcher = watcher

		if err := os.MkdirAll(d.config.ImportDir, 0755); err != nil {
			return fmt.Errorf("failed to create import directory: %w", err)
		}
		if err := d.watcher.Add(d.config.ImportDir); err != nil {
			return fmt.Errorf("failed to watch import directory: %w", err)
		}
		d.config.Logger.Printf("Watching import directory: %s", d.config.ImportDir)

		// Pick up files dropped while the daemon was down.
		if err := d.importAll(); err != nil {
			d.config.Logger.Printf("Warning: initial import failed: %v", err)
		}

		d.wg.Add(2)
		go d.watchImportEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.periodicSync()

	// If we come up online, drain anything a previous process left behind.
	if d.monitor.Online() {
		d.onConnectivity(true)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()
	d.queue.Stop()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing import watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// onConnectivity reacts to connectivity transitions: a reconnect flushes
// the write queue and reconciles every synced collection; a disconnect
// just records the state.
func (d *Daemon) onConnectivity(online bool) {
	if !online {
		d.config.Logger.Println("Connectivity lost")
		d.queue.SetOnline(false)
		return
	}

	d.config.Logger.Println("Connectivity restored")
	if err := d.queue.Flush(d.ctx); err != nil {
		d.config.Logger.Printf("Flush failed: %v", err)
	}
	d.syncAll()
}

// periodicSync reconciles the synced collections on a fixed interval while
// online.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.monitor.Online() {
				continue
			}
			d.syncAll()
		}
	}
}

// syncAll runs one sync pass per configured collection. Failures are
// logged; the engine keeps its watermark, so nothing is lost.
func (d *Daemon) syncAll() {
	for _, collection := range d.config.Collections {
		if err := d.syncer.SyncStore(d.ctx, collection); err != nil {
			d.config.Logger.Printf("Sync error for %s: %v", collection, err)
		}
	}
}

// watchImportEvents monitors filesystem events and queues changes.
func (d *Daemon) watchImportEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.config.Logger.Printf("Import event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Import watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued import files with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		if err := d.importFile(path); err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
		delete(d.changeQueue, path)
	}
}

// importAll imports every product file currently in the import directory.
func (d *Daemon) importAll() error {
	entries, err := os.ReadDir(d.config.ImportDir)
	if err != nil {
		return fmt.Errorf("failed to read import directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(d.config.ImportDir, entry.Name())
		if err := d.importFile(path); err != nil {
			d.config.Logger.Printf("Warning: failed to import %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// importFile upserts one product file into the catalog. A deleted file
// removes the product whose id matches the filename.
func (d *Daemon) importFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		filename := filepath.Base(path)
		productID := strings.TrimSuffix(filename, ".json")

		d.config.Logger.Printf("Removing product: %s", productID)
		return d.store.DeleteContext(d.ctx, store.CollectionProducts, productID)
	}

	product, err := readProductFile(path)
	if err != nil {
		return err
	}

	doc, err := store.NewDoc(product.ID, product.UpdatedAt, product)
	if err != nil {
		return err
	}

	d.config.Logger.Printf("Importing product: %s (%s)", product.ID, product.Name)
	return d.store.PutContext(d.ctx, store.CollectionProducts, doc)
}

// readProductFile reads and validates a product JSON file.
func readProductFile(path string) (*record.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read product file %s: %w", path, err)
	}

	var product record.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return nil, fmt.Errorf("failed to parse product file %s: %w", path, err)
	}
	if err := product.Validate(); err != nil {
		return nil, fmt.Errorf("invalid product file %s: %w", path, err)
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now()
	}

	return &product, nil
}
