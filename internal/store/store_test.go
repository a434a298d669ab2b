package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testStore opens a store backed by a temp database
func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type testPayload struct {
	Name string `json:"name"`
}

func testDoc(t *testing.T, id string, updatedAt time.Time, name string) Doc {
	t.Helper()
	doc, err := NewDoc(id, updatedAt, testPayload{Name: name})
	if err != nil {
		t.Fatalf("NewDoc() failed: %v", err)
	}
	return doc
}

func TestPutGet_RoundTrip(t *testing.T) {
	st := testStore(t)

	now := time.Now()
	doc := testDoc(t, "p1", now, "Burger")
	if err := st.Put(CollectionProducts, doc); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := st.Get(CollectionProducts, "p1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ID != "p1" {
		t.Errorf("ID = %q, want %q", got.ID, "p1")
	}
	if got.UpdatedAt != now.UnixMilli() {
		t.Errorf("UpdatedAt = %d, want %d", got.UpdatedAt, now.UnixMilli())
	}

	var payload testPayload
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if payload.Name != "Burger" {
		t.Errorf("Name = %q, want %q", payload.Name, "Burger")
	}
}

func TestGet_NotFound(t *testing.T) {
	st := testStore(t)

	_, err := st.Get(CollectionProducts, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPut_Upsert(t *testing.T) {
	st := testStore(t)

	t1 := time.Now()
	if err := st.Put(CollectionProducts, testDoc(t, "p1", t1, "Burger")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	t2 := t1.Add(time.Second)
	if err := st.Put(CollectionProducts, testDoc(t, "p1", t2, "Cheeseburger")); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}

	n, err := st.Count(CollectionProducts)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	got, err := st.Get(CollectionProducts, "p1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	var payload testPayload
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if payload.Name != "Cheeseburger" {
		t.Errorf("Name = %q, want %q", payload.Name, "Cheeseburger")
	}
}

func TestPut_UnknownCollection(t *testing.T) {
	st := testStore(t)

	err := st.Put("nope", testDoc(t, "x", time.Now(), "x"))
	if err == nil {
		t.Fatal("Put() on unknown collection should fail")
	}
}

func TestPut_MissingID(t *testing.T) {
	st := testStore(t)

	err := st.Put(CollectionProducts, Doc{Data: []byte("{}")})
	if err == nil {
		t.Fatal("Put() without id should fail")
	}
}

func TestDelete_Idempotent(t *testing.T) {
	st := testStore(t)

	if err := st.Put(CollectionProducts, testDoc(t, "p1", time.Now(), "Burger")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := st.Delete(CollectionProducts, "p1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	// Second delete of the same id is a no-op, not an error.
	if err := st.Delete(CollectionProducts, "p1"); err != nil {
		t.Fatalf("repeat Delete() failed: %v", err)
	}

	if _, err := st.Get(CollectionProducts, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}
}

func TestGetAll_OrderedByID(t *testing.T) {
	st := testStore(t)

	now := time.Now()
	for _, id := range []string{"c", "a", "b"} {
		if err := st.Put(CollectionProducts, testDoc(t, id, now, id)); err != nil {
			t.Fatalf("Put(%s) failed: %v", id, err)
		}
	}

	docs, err := st.GetAll(CollectionProducts)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("GetAll() returned %d docs, want 3", len(docs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if docs[i].ID != want {
			t.Errorf("docs[%d].ID = %q, want %q", i, docs[i].ID, want)
		}
	}
}

func TestGetSince_StrictlyGreater(t *testing.T) {
	st := testStore(t)

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		doc := testDoc(t, id, base.Add(time.Duration(i)*time.Second), id)
		if err := st.Put(CollectionOrders, doc); err != nil {
			t.Fatalf("Put(%s) failed: %v", id, err)
		}
	}

	// The boundary document itself must not be returned.
	docs, err := st.GetSince(CollectionOrders, base.Add(time.Second).UnixMilli())
	if err != nil {
		t.Fatalf("GetSince() failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("GetSince() returned %d docs, want 1", len(docs))
	}
	if docs[0].ID != "c" {
		t.Errorf("docs[0].ID = %q, want %q", docs[0].ID, "c")
	}
}

func TestOnChange_PutAndDelete(t *testing.T) {
	st := testStore(t)

	var changes []Change
	st.OnChange(CollectionOrders, func(ch Change) {
		changes = append(changes, ch)
	})

	doc := testDoc(t, "o1", time.Now(), "order")
	if err := st.Put(CollectionOrders, doc); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := st.Delete(CollectionOrders, "o1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	// Deleting a missing document emits nothing.
	if err := st.Delete(CollectionOrders, "o1"); err != nil {
		t.Fatalf("repeat Delete() failed: %v", err)
	}

	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Type != ChangePut || changes[0].Doc.ID != "o1" {
		t.Errorf("changes[0] = %+v, want put of o1", changes[0])
	}
	if changes[1].Type != ChangeDelete || changes[1].Doc.ID != "o1" {
		t.Errorf("changes[1] = %+v, want delete of o1", changes[1])
	}
}

func TestOnChange_CollectionScoped(t *testing.T) {
	st := testStore(t)

	var productChanges int
	st.OnChange(CollectionProducts, func(Change) { productChanges++ })

	if err := st.Put(CollectionOrders, testDoc(t, "o1", time.Now(), "order")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if productChanges != 0 {
		t.Errorf("listener for products fired %d times on an orders write", productChanges)
	}
}

func TestEnsureInit_ConcurrentFirstUse(t *testing.T) {
	st := testStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			doc := testDoc(t, string(rune('a'+n)), time.Now(), "x")
			errs <- st.Put(CollectionProducts, doc)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Put() failed: %v", err)
		}
	}

	n, err := st.Count(CollectionProducts)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 10 {
		t.Errorf("Count() = %d, want 10", n)
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := st.Put(CollectionProducts, testDoc(t, "p1", time.Now(), "Burger")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	st2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()

	if _, err := st2.Get(CollectionProducts, "p1"); err != nil {
		t.Errorf("Get() after reopen failed: %v", err)
	}
}

func TestCollections_Sorted(t *testing.T) {
	st := testStore(t)

	names := st.Collections()
	want := []string{"orders", "print_jobs", "products", "sync_state", "write_queue"}
	if len(names) != len(want) {
		t.Fatalf("Collections() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Collections()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
