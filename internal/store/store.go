// Package store provides the local persistent document store for tillsync.
//
// This package implements the offline-first persistence layer: a keyed
// document store on embedded SQLite (WAL mode) where every domain entity
// lives as a JSON document in a named collection. All reads performed by
// business logic go through this store, never around it.
//
// Architecture:
//   - Database file: .tillsync/till.db (configurable)
//   - WAL mode: concurrent readers during writes
//   - One documents table keyed by (collection, id)
//   - Index on (collection, updated_at) for change detection
//
// Schema creation is lazy and idempotent: the first operation on the store
// triggers it, and concurrent early callers share the same initialization
// rather than racing to create it twice.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Well-known collections. Open registers these by default; callers may
// register additional collections via Options.
const (
	CollectionOrders     = "orders"
	CollectionProducts   = "products"
	CollectionPrintJobs  = "print_jobs"
	CollectionWriteQueue = "write_queue"
	CollectionSyncState  = "sync_state"
)

// ErrNotFound is returned by Get when no document exists for the id.
var ErrNotFound = errors.New("store: document not found")

// Doc is the envelope every collection stores: a stable id, the update
// timestamp used for conflict resolution (unix milliseconds, zero means
// never updated), and the JSON payload.
type Doc struct {
	ID        string          `json:"id"`
	UpdatedAt int64           `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// NewDoc builds a Doc by marshaling v as the payload.
func NewDoc(id string, updatedAt time.Time, v interface{}) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Doc{}, fmt.Errorf("failed to marshal document %s: %w", id, err)
	}
	return Doc{ID: id, UpdatedAt: updatedAt.UnixMilli(), Data: data}, nil
}

// Decode unmarshals the document payload into v.
func (d Doc) Decode(v interface{}) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", d.ID, err)
	}
	return nil
}

// ChangeType identifies the kind of mutation a change notification reports.
type ChangeType string

const (
	// ChangePut indicates a document was inserted or replaced.
	ChangePut ChangeType = "put"
	// ChangeDelete indicates a document was removed.
	ChangeDelete ChangeType = "delete"
)

// Change is delivered synchronously to registered listeners after a
// successful Put or Delete.
type Change struct {
	Collection string
	Type       ChangeType
	Doc        Doc
}

// Listener receives change notifications for a collection.
type Listener func(Change)

// Options configures Open.
type Options struct {
	// Collections lists the collections the store accepts. Empty means
	// the well-known tillsync collections.
	Collections []string
}

// Store wraps the SQLite connection with the document-store contract.
// All operations are atomic at single-call granularity and safe for
// concurrent callers; same-key writes are serialized internally.
type Store struct {
	conn *sql.DB
	path string

	collections map[string]bool

	initOnce sync.Once
	initErr  error

	// writeMu serializes mutations so a put/delete and its change
	// notification form one observable step.
	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[string][]Listener
}

// defaultCollections returns the collections every tillsync store carries.
func defaultCollections() []string {
	return []string{
		CollectionOrders,
		CollectionProducts,
		CollectionPrintJobs,
		CollectionWriteQueue,
		CollectionSyncState,
	}
}

// Open creates a store backed by the database file at path.
//
// The database file and parent directory are created if missing. Schema
// setup is deferred to the first operation. The caller MUST call Close()
// when done.
//
// Example:
//
//	st, err := store.Open(".tillsync/till.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, opts *Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	names := defaultCollections()
	if opts != nil && len(opts.Collections) > 0 {
		names = opts.Collections
	}
	collections := make(map[string]bool, len(names))
	for _, name := range names {
		collections[name] = true
	}

	st := &Store{
		conn:        conn,
		path:        path,
		collections: collections,
		listeners:   make(map[string][]Listener),
	}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return st, nil
}

// Close closes the database connection, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// ensureInit creates the schema exactly once. Concurrent callers block on
// the same sync.Once rather than issuing duplicate DDL.
func (s *Store) ensureInit(ctx context.Context) error {
	s.initOnce.Do(func() {
		schema := `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);

		CREATE INDEX IF NOT EXISTS idx_documents_updated
		    ON documents(collection, updated_at);
		`
		if _, err := s.conn.ExecContext(ctx, schema); err != nil {
			s.initErr = fmt.Errorf("failed to initialize schema: %w", err)
		}
	})
	return s.initErr
}

// checkCollection rejects operations against unregistered collections
// before any SQL runs.
func (s *Store) checkCollection(collection string) error {
	if !s.collections[collection] {
		return fmt.Errorf("store: unknown collection %q", collection)
	}
	return nil
}

// Get retrieves a single document by id.
// Returns ErrNotFound if no document exists.
func (s *Store) Get(collection, id string) (Doc, error) {
	return s.GetContext(context.Background(), collection, id)
}

// GetContext retrieves a single document with context support.
func (s *Store) GetContext(ctx context.Context, collection, id string) (Doc, error) {
	if err := s.checkCollection(collection); err != nil {
		return Doc{}, err
	}
	if err := s.ensureInit(ctx); err != nil {
		return Doc{}, err
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT id, updated_at, data FROM documents WHERE collection = ? AND id = ?`,
		collection, id)

	var doc Doc
	var data string
	if err := row.Scan(&doc.ID, &doc.UpdatedAt, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Doc{}, ErrNotFound
		}
		return Doc{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	doc.Data = json.RawMessage(data)

	return doc, nil
}

// GetAll retrieves every document in a collection, ordered by id.
func (s *Store) GetAll(collection string) ([]Doc, error) {
	return s.GetAllContext(context.Background(), collection)
}

// GetAllContext retrieves every document with context support.
func (s *Store) GetAllContext(ctx context.Context, collection string) ([]Doc, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, updated_at, data FROM documents WHERE collection = ? ORDER BY id`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

// GetSince retrieves documents whose updated_at is strictly greater than
// since, ordered by updated_at. This is the updated_at index accessor the
// sync engine scans for local changes.
func (s *Store) GetSince(collection string, since int64) ([]Doc, error) {
	return s.GetSinceContext(context.Background(), collection, since)
}

// GetSinceContext retrieves changed documents with context support.
func (s *Store) GetSinceContext(ctx context.Context, collection string, since int64) ([]Doc, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, updated_at, data FROM documents
		 WHERE collection = ? AND updated_at > ?
		 ORDER BY updated_at, id`,
		collection, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s since %d: %w", collection, since, err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

// Put inserts or replaces a document by id (upsert). Listeners registered
// for the collection are notified synchronously after the write commits.
func (s *Store) Put(collection string, doc Doc) error {
	return s.PutContext(context.Background(), collection, doc)
}

// PutContext upserts a document with context support.
func (s *Store) PutContext(ctx context.Context, collection string, doc Doc) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	if doc.ID == "" {
		return fmt.Errorf("store: document id is required")
	}
	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO documents (collection, id, updated_at, data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		updated_at = excluded.updated_at,
		data = excluded.data
	`
	if _, err := s.conn.ExecContext(ctx, query, collection, doc.ID, doc.UpdatedAt, string(doc.Data)); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, doc.ID, err)
	}

	s.emit(Change{Collection: collection, Type: ChangePut, Doc: doc})
	return nil
}

// Delete removes a document by id. Returns nil if the document doesn't
// exist (idempotent). Listeners are notified only when a row was removed.
func (s *Store) Delete(collection, id string) error {
	return s.DeleteContext(context.Background(), collection, id)
}

// DeleteContext removes a document with context support.
func (s *Store) DeleteContext(ctx context.Context, collection, id string) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.emit(Change{Collection: collection, Type: ChangeDelete, Doc: Doc{ID: id}})
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) (int, error) {
	return s.CountContext(context.Background(), collection)
}

// CountContext returns the document count with context support.
func (s *Store) CountContext(ctx context.Context, collection string) (int, error) {
	if err := s.checkCollection(collection); err != nil {
		return 0, err
	}
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}

	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return count, nil
}

// OnChange registers a listener for mutations in a collection. Listeners
// are invoked synchronously, in registration order, after the write.
func (s *Store) OnChange(collection string, fn Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners[collection] = append(s.listeners[collection], fn)
}

// Collections returns the registered collection names, sorted.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// emit delivers a change to listeners registered for its collection.
func (s *Store) emit(ch Change) {
	s.listenersMu.RLock()
	fns := s.listeners[ch.Collection]
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// scanDocs reads documents from query results.
func scanDocs(rows *sql.Rows) ([]Doc, error) {
	var docs []Doc
	for rows.Next() {
		var doc Doc
		var data string
		if err := rows.Scan(&doc.ID, &doc.UpdatedAt, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Data = json.RawMessage(data)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}
