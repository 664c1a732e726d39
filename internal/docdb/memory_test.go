package docdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db := NewMemory(fixedClock(now))

	if err := db.Set(ctx, "boards/b1", Data{"title": "Moodboard", "createdAt": ServerTimestamp}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	doc, err := db.Get(ctx, "boards/b1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.ID != "b1" || doc.Data.String("title") != "Moodboard" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
	if !doc.Data.Time("createdAt").Equal(now) {
		t.Fatalf("createdAt = %v, want server time %v", doc.Data.Time("createdAt"), now)
	}

	if err := db.Update(ctx, "boards/b1", Data{"title": "Renamed"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	doc, _ = db.Get(ctx, "boards/b1")
	if doc.Data.String("title") != "Renamed" || doc.Data.Time("createdAt").IsZero() {
		t.Fatalf("update did not merge: %+v", doc.Data)
	}

	if err := db.Update(ctx, "boards/missing", Data{"title": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
	}

	if err := db.Delete(ctx, "boards/b1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := db.Delete(ctx, "boards/b1"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := db.Get(ctx, "boards/b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRejectsBadPaths(t *testing.T) {
	db := NewMemory(nil)
	ctx := context.Background()
	if err := db.Set(ctx, "boards", Data{}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Set(collection path) error = %v", err)
	}
	if _, err := db.Add(ctx, "boards/b1", Data{}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Add(doc path) error = %v", err)
	}
}

func TestMemoryReadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := NewMemory(nil)
	_ = db.Set(ctx, "boards/b1", Data{"tags": []any{"a"}})
	doc, _ := db.Get(ctx, "boards/b1")
	doc.Data["tags"].([]any)[0] = "mutated"
	again, _ := db.Get(ctx, "boards/b1")
	if again.Data["tags"].([]any)[0] != "a" {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestMemoryQuery(t *testing.T) {
	ctx := context.Background()
	db := NewMemory(nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		path  string
		owner string
		at    time.Time
	}{
		{"boards/a", "u1", base.Add(1 * time.Hour)},
		{"boards/b", "u2", base.Add(2 * time.Hour)},
		{"boards/c", "u1", base.Add(3 * time.Hour)},
	}
	for _, s := range seed {
		if err := db.Set(ctx, s.path, Data{"ownerId": s.owner, "createdAt": s.at, "tags": []any{s.owner, "all"}}); err != nil {
			t.Fatalf("Set(%s) error = %v", s.path, err)
		}
	}

	cases := []struct {
		name string
		q    Query
		want []string
	}{
		{"equality desc", Collection("boards").Where("ownerId", OpEqual, "u1").OrderBy("createdAt", true), []string{"c", "a"}},
		{"in", Collection("boards").Where("ownerId", OpIn, []any{"u2", "u9"}), []string{"b"}},
		{"array contains", Collection("boards").Where("tags", OpArrayContains, "all").OrderBy("createdAt", false), []string{"a", "b", "c"}},
		{"limit", Collection("boards").OrderBy("createdAt", true).Take(1), []string{"c"}},
		{"no match", Collection("boards").Where("ownerId", OpEqual, "nobody"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docs, err := db.Query(ctx, tc.q)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(docs) != len(tc.want) {
				t.Fatalf("got %d docs, want %v", len(docs), tc.want)
			}
			for i, id := range tc.want {
				if docs[i].ID != id {
					t.Fatalf("docs[%d] = %s, want %s", i, docs[i].ID, id)
				}
			}
		})
	}
}

func TestMemoryCollectionGroup(t *testing.T) {
	ctx := context.Background()
	db := NewMemory(nil)
	_ = db.Set(ctx, "boards/b1/collaborators/u1", Data{"uid": "u1", "role": "owner"})
	_ = db.Set(ctx, "boards/b2/collaborators/u1", Data{"uid": "u1", "role": "editor"})
	_ = db.Set(ctx, "boards/b2/collaborators/u2", Data{"uid": "u2", "role": "owner"})

	docs, err := db.Query(ctx, CollectionGroup("collaborators").Where("uid", OpEqual, "u1"))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(docs) != 2 || docs[0].Path != "boards/b1/collaborators/u1" || docs[1].Path != "boards/b2/collaborators/u1" {
		t.Fatalf("unexpected group result: %+v", docs)
	}
}

func TestQueryInLimit(t *testing.T) {
	values := make([]any, MaxInValues+1)
	for i := range values {
		values[i] = i
	}
	_, err := NewMemory(nil).Query(context.Background(), Collection("users").Where("uid", OpIn, values))
	if !errors.Is(err, ErrTooManyInValues) {
		t.Fatalf("Query() error = %v, want ErrTooManyInValues", err)
	}
}

type recorder[T any] struct {
	mu   sync.Mutex
	got  []T
	next chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{next: make(chan struct{}, 64)}
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
	r.next <- struct{}{}
}

func (r *recorder[T]) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.next:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func (r *recorder[T]) last() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestMemoryWatchDeliversFullSnapshots(t *testing.T) {
	ctx := context.Background()
	db := NewMemory(nil)
	_ = db.Set(ctx, "boards/b1/comments/c1", Data{"text": "first"})

	rec := newRecorder[QuerySnapshot]()
	sub, err := db.Watch(ctx, Collection("boards/b1/comments"), rec.add)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer sub.Stop()

	rec.wait(t)
	if got := len(rec.last().Docs); got != 1 {
		t.Fatalf("initial snapshot has %d docs, want 1", got)
	}

	_ = db.Set(ctx, "boards/b1/comments/c2", Data{"text": "second"})
	rec.wait(t)
	if got := len(rec.last().Docs); got != 2 {
		t.Fatalf("snapshot after add has %d docs, want 2", got)
	}

	// Writes outside the watched collection do not trigger a delivery.
	_ = db.Set(ctx, "boards/b2/comments/c1", Data{"text": "elsewhere"})
	select {
	case <-rec.next:
		t.Fatal("unexpected delivery for unrelated collection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryWatchDoc(t *testing.T) {
	ctx := context.Background()
	db := NewMemory(nil)
	rec := newRecorder[DocSnapshot]()
	sub, err := db.WatchDoc(ctx, "boards/b1", rec.add)
	if err != nil {
		t.Fatalf("WatchDoc() error = %v", err)
	}
	defer sub.Stop()

	rec.wait(t)
	if rec.last().Exists {
		t.Fatal("missing doc reported as existing")
	}
	_ = db.Set(ctx, "boards/b1", Data{"title": "Hello"})
	rec.wait(t)
	if snap := rec.last(); !snap.Exists || snap.Data.String("title") != "Hello" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSubscriptionStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := NewMemory(nil)
	rec := newRecorder[QuerySnapshot]()
	sub, err := db.Watch(ctx, Collection("boards"), rec.add)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	rec.wait(t)

	sub.Stop()
	sub.Stop()
	if n := db.Watchers(); n != 0 {
		t.Fatalf("Watchers() = %d after Stop, want 0", n)
	}

	before := rec.count()
	_ = db.Set(ctx, "boards/b1", Data{"title": "after stop"})
	time.Sleep(50 * time.Millisecond)
	if rec.count() != before {
		t.Fatal("callback fired after Stop")
	}
}

func TestWatchEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	db := NewMemory(nil)
	rec := newRecorder[QuerySnapshot]()
	if _, err := db.Watch(ctx, Collection("boards"), rec.add); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	rec.wait(t)
	cancel()

	deadline := time.Now().Add(time.Second)
	for db.Watchers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch still registered after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFailWritesHook(t *testing.T) {
	ctx := context.Background()
	db := NewMemory(nil)
	boom := errors.New("unavailable")
	db.FailWrites(func(op, path string) error {
		if op == "delete" {
			return boom
		}
		return nil
	})
	_ = db.Set(ctx, "boards/b1", Data{})
	if err := db.Delete(ctx, "boards/b1"); !errors.Is(err, boom) {
		t.Fatalf("Delete() error = %v, want injected failure", err)
	}
	db.FailWrites(nil)
	if err := db.Delete(ctx, "boards/b1"); err != nil {
		t.Fatalf("Delete() error = %v after clearing hook", err)
	}
}
