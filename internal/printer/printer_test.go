package printer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tillworks/tillsync/internal/record"
	"github.com/tillworks/tillsync/internal/store"
)

// fakeSink records deliveries and fails on demand
type fakeSink struct {
	mu        sync.Mutex
	failCount int // fail this many deliveries before succeeding
	failAll   bool
	delivered []string // "dest:orderID"
}

func (s *fakeSink) Deliver(ctx context.Context, rendered string, dest Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || s.failCount > 0 {
		if s.failCount > 0 {
			s.failCount--
		}
		return errors.New("printer jam")
	}
	s.delivered = append(s.delivered, string(dest))
	return nil
}

func (s *fakeSink) deliveries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// manualScheduler captures retry callbacks so tests control time
type manualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *manualScheduler) schedule(delay time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	s.pending = append(s.pending, fn)
	return func() {}
}

func (s *manualScheduler) fire() {
	s.mu.Lock()
	fns := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testManager(t *testing.T, st *store.Store, sink Sink, sched *manualScheduler) *Manager {
	t.Helper()
	m, err := New(st, sink, &Config{Scheduler: sched.schedule})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return m
}

func testOrder(id string) record.Order {
	now := time.Now()
	return record.Order{
		ID: id,
		Items: []record.OrderItem{
			{ProductID: "p1", Name: "Burger", Qty: 2, Price: 5.0, Category: "Food"},
		},
		Total:     10.0,
		Status:    record.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAddJob_InvalidDestination(t *testing.T) {
	m := testManager(t, testStore(t), &fakeSink{}, &manualScheduler{})

	_, err := m.AddJob(context.Background(), "fax", testOrder("o1"), 0)
	if err == nil {
		t.Fatal("AddJob() with invalid destination should fail")
	}
}

func TestAddJob_DeliversAndMarksDone(t *testing.T) {
	st := testStore(t)
	sink := &fakeSink{}
	m := testManager(t, st, sink, &manualScheduler{})

	job, err := m.AddJob(context.Background(), DestReceipt, testOrder("o1"), 0)
	if err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}

	if got := sink.deliveries(); len(got) != 1 {
		t.Fatalf("deliveries = %v, want 1", got)
	}

	doc, err := st.Get(store.CollectionPrintJobs, job.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	var persisted Job
	if err := doc.Decode(&persisted); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if persisted.Status != StatusDone {
		t.Errorf("Status = %q, want %q", persisted.Status, StatusDone)
	}
}

func TestPriorityOrder_HighestFirstInsertionTies(t *testing.T) {
	st := testStore(t)
	sink := &fakeSink{}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)

	// Hold the dispatcher busy so jobs accumulate and ordering is
	// observable.
	m.mu.Lock()
	m.printing = true
	m.mu.Unlock()

	ctx := context.Background()
	for _, p := range []int{1, 5, 3, 5} {
		if _, err := m.AddJob(ctx, DestKitchen, testOrder("o"), p); err != nil {
			t.Fatalf("AddJob() failed: %v", err)
		}
	}

	m.mu.Lock()
	var gotPriorities []int
	var fiveSeqs []int64
	for _, job := range m.queue {
		gotPriorities = append(gotPriorities, job.Priority)
		if job.Priority == 5 {
			fiveSeqs = append(fiveSeqs, job.Seq)
		}
	}
	m.mu.Unlock()

	// Descending priority, insertion order within equal priorities.
	wantPriorities := []int{5, 5, 3, 1}
	if len(gotPriorities) != len(wantPriorities) {
		t.Fatalf("queue priorities = %v, want %v", gotPriorities, wantPriorities)
	}
	for i := range wantPriorities {
		if gotPriorities[i] != wantPriorities[i] {
			t.Errorf("queue[%d].Priority = %d, want %d", i, gotPriorities[i], wantPriorities[i])
		}
	}
	if fiveSeqs[0] > fiveSeqs[1] {
		t.Errorf("equal-priority jobs out of insertion order: seqs %v", fiveSeqs)
	}
}

func TestDispatchOrder_DrainsByPriority(t *testing.T) {
	st := testStore(t)
	sink := &fakeSink{}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)

	// Hold the dispatcher busy while three jobs queue up, then release.
	m.mu.Lock()
	m.printing = true
	m.mu.Unlock()

	ctx := context.Background()
	if _, err := m.AddJob(ctx, DestReceipt, testOrder("a"), 1); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}
	if _, err := m.AddJob(ctx, DestKitchen, testOrder("b"), 5); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}
	if _, err := m.AddJob(ctx, DestBar, testOrder("c"), 3); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}

	m.mu.Lock()
	m.printing = false
	m.mu.Unlock()
	m.processNext()

	got := sink.deliveries()
	want := []string{string(DestKitchen), string(DestBar), string(DestReceipt)}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("deliveries[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRetry_LinearBackoffDelays(t *testing.T) {
	st := testStore(t)
	sink := &fakeSink{failAll: true}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)

	if _, err := m.AddJob(context.Background(), DestReceipt, testOrder("o1"), 0); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}

	// tries x 3s after each failed attempt.
	want := []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second}
	for i := 0; i < len(want)-1; i++ {
		sched.fire()
	}

	sched.mu.Lock()
	got := make([]time.Duration, len(sched.delays))
	copy(got, sched.delays)
	sched.mu.Unlock()

	if len(got) != len(want) {
		t.Fatalf("scheduled delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRetry_AbandonsAfterMaxRetries(t *testing.T) {
	st := testStore(t)
	sink := &fakeSink{failAll: true}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)

	var abandoned int
	m.OnStatus(func(n Notification) {
		if strings.Contains(n.Message, "abandoned") {
			abandoned++
		}
	})

	job, err := m.AddJob(context.Background(), DestReceipt, testOrder("o1"), 0)
	if err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}

	// Exhaust the remaining attempts.
	for i := 0; i < 10; i++ {
		sched.fire()
	}

	if abandoned != 1 {
		t.Errorf("abandoned notifications = %d, want exactly 1", abandoned)
	}
	if m.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", m.QueueLen())
	}

	// The persisted record stays failed with the full try count.
	doc, err := st.Get(store.CollectionPrintJobs, job.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	var persisted Job
	if err := doc.Decode(&persisted); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if persisted.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", persisted.Status, StatusFailed)
	}
	if persisted.Tries != 5 {
		t.Errorf("Tries = %d, want 5", persisted.Tries)
	}
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	st := testStore(t)
	sink := &fakeSink{failCount: 2}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)

	var succeeded int
	m.OnStatus(func(n Notification) {
		if strings.Contains(n.Message, "succeeded") {
			succeeded++
		}
	})

	if _, err := m.AddJob(context.Background(), DestKitchen, testOrder("o1"), 0); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}

	sched.fire() // second attempt, still failing
	sched.fire() // third attempt succeeds

	if succeeded != 1 {
		t.Errorf("success notifications = %d, want 1", succeeded)
	}
	if got := sink.deliveries(); len(got) != 1 {
		t.Errorf("deliveries = %v, want 1", got)
	}
}

func TestRetry_FailedJobRetriesAheadOfNewerWork(t *testing.T) {
	st := testStore(t)
	sink := &fakeSink{failCount: 1}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)

	ctx := context.Background()
	if _, err := m.AddJob(ctx, DestReceipt, testOrder("first"), 0); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}

	// Queue another job, then hold it back by marking the dispatcher busy
	// so the retry and the new job contend for the front.
	m.mu.Lock()
	m.printing = true
	m.mu.Unlock()
	if _, err := m.AddJob(ctx, DestBar, testOrder("second"), 0); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}
	sched.fire() // re-queues the failed job at the front
	m.mu.Lock()
	m.printing = false
	front := m.queue[0].OrderID
	m.mu.Unlock()

	if front != "first" {
		t.Errorf("front of queue = %q, want retried job first", front)
	}
}

func TestNew_RestoresPendingJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}

	sink := &fakeSink{failAll: true}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)

	if _, err := m.AddJob(context.Background(), DestKitchen, testOrder("o1"), 0); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// A fresh process reloads the undone job and delivers it.
	st2, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()

	sink2 := &fakeSink{}
	m2 := testManager(t, st2, sink2, sched)

	if got := sink2.deliveries(); len(got) != 1 {
		t.Errorf("deliveries after restore = %v, want 1", got)
	}
	if m2.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", m2.QueueLen())
	}
}

func TestNew_SkipsDoneJobsOnRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}

	sink := &fakeSink{}
	sched := &manualScheduler{}
	m := testManager(t, st, sink, sched)
	if _, err := m.AddJob(context.Background(), DestReceipt, testOrder("o1"), 0); err != nil {
		t.Fatalf("AddJob() failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	st2, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()

	sink2 := &fakeSink{}
	m2 := testManager(t, st2, sink2, sched)

	if got := sink2.deliveries(); len(got) != 0 {
		t.Errorf("done job redelivered: %v", got)
	}
	if m2.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", m2.QueueLen())
	}
}
