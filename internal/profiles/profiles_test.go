package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pixpick/api/internal/cache"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/store"
)

// countingStore counts remote reads and can fail them on demand.
type countingStore struct {
	docdb.Store
	gets    atomic.Int32
	queries atomic.Int32
	failing atomic.Bool
}

func (s *countingStore) Get(ctx context.Context, path string) (docdb.Document, error) {
	s.gets.Add(1)
	if s.failing.Load() {
		return docdb.Document{}, errors.New("network down")
	}
	return s.Store.Get(ctx, path)
}

func (s *countingStore) Query(ctx context.Context, q docdb.Query) ([]docdb.Document, error) {
	s.queries.Add(1)
	if s.failing.Load() {
		return nil, errors.New("network down")
	}
	return s.Store.Query(ctx, q)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, users ...store.User) (*Cache, *countingStore, *clock) {
	t.Helper()
	mem := docdb.NewMemory(nil)
	for _, u := range users {
		err := mem.Set(context.Background(), store.UserPath(u.UID), docdb.Data{
			"uid": u.UID, "displayName": u.DisplayName, "photoURL": u.PhotoURL,
		})
		if err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	db := &countingStore{Store: mem}
	clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(db, cache.NewMemory(), 24*time.Hour, zerolog.Nop(), WithClock(clk.Now)), db, clk
}

func TestGetUsesCacheWithinWindow(t *testing.T) {
	c, db, clk := newTestCache(t, store.User{UID: "u1", DisplayName: "Ada", PhotoURL: "https://img/ada.png"})
	ctx := context.Background()

	p := c.Get(ctx, "u1")
	if p.DisplayName != "Ada" || p.PhotoURL != "https://img/ada.png" {
		t.Fatalf("Get() = %+v", p)
	}
	if db.gets.Load() != 1 {
		t.Fatalf("gets = %d, want 1", db.gets.Load())
	}

	clk.Advance(23 * time.Hour)
	c.Get(ctx, "u1")
	if db.gets.Load() != 1 {
		t.Fatalf("fetched again after 23h, gets = %d", db.gets.Load())
	}

	clk.Advance(2 * time.Hour)
	c.Get(ctx, "u1")
	if db.gets.Load() != 2 {
		t.Fatalf("did not refetch after 25h, gets = %d", db.gets.Load())
	}
}

func TestGetFailureYieldsUnknownAndIsNotCached(t *testing.T) {
	c, db, _ := newTestCache(t, store.User{UID: "u1", DisplayName: "Ada"})
	ctx := context.Background()

	db.failing.Store(true)
	if p := c.Get(ctx, "u1"); p.DisplayName != UnknownName || p.PhotoURL != "" {
		t.Fatalf("Get() = %+v, want Unknown sentinel", p)
	}

	db.failing.Store(false)
	if p := c.Get(ctx, "u1"); p.DisplayName != "Ada" {
		t.Fatalf("Get() after recovery = %+v, want fetched profile", p)
	}
}

func TestGetMissingUser(t *testing.T) {
	c, _, _ := newTestCache(t)
	if p := c.Get(context.Background(), "ghost"); p.DisplayName != UnknownName {
		t.Fatalf("Get(ghost) = %+v", p)
	}
}

func TestResolveChunksByTen(t *testing.T) {
	var users []store.User
	var uids []string
	for i := 0; i < 23; i++ {
		uid := fmt.Sprintf("u%02d", i)
		users = append(users, store.User{UID: uid, DisplayName: "User " + uid})
		uids = append(uids, uid)
	}
	c, db, _ := newTestCache(t, users...)
	ctx := context.Background()

	got, err := c.Resolve(ctx, append(uids, "u00", "missing"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if n := db.queries.Load(); n != 3 {
		t.Fatalf("queries = %d, want 3 chunks for 24 unique uids", n)
	}
	if len(got) != 24 || got["u07"].DisplayName != "User u07" || got["missing"].DisplayName != UnknownName {
		t.Fatalf("unexpected result: %d entries, u07=%+v missing=%+v", len(got), got["u07"], got["missing"])
	}

	if _, err := c.Resolve(ctx, uids); err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if n := db.queries.Load(); n != 3 {
		t.Fatalf("fresh entries refetched, queries = %d", n)
	}
}

func TestResolveReportsFailedChunks(t *testing.T) {
	c, db, _ := newTestCache(t, store.User{UID: "u1", DisplayName: "Ada"})
	db.failing.Store(true)
	got, err := c.Resolve(context.Background(), []string{"u1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := got["u1"]; ok {
		t.Fatalf("failed uid present in result: %+v", got)
	}
}

func TestBatchIsCachedFirst(t *testing.T) {
	c, _, clk := newTestCache(t,
		store.User{UID: "u1", DisplayName: "Ada"},
		store.User{UID: "u2", DisplayName: "Grace"},
	)
	ctx := context.Background()
	c.Get(ctx, "u1")
	clk.Advance(48 * time.Hour)

	fresh := make(chan map[string]Profile, 1)
	first := c.Batch(ctx, []string{"u1", "u2"}, func(m map[string]Profile) { fresh <- m })

	if first["u1"].DisplayName != "Ada" {
		t.Fatalf("stale cached entry not served first: %+v", first["u1"])
	}
	if first["u2"].DisplayName != UnknownName {
		t.Fatalf("uncached uid should render Unknown first, got %+v", first["u2"])
	}

	select {
	case m := <-fresh:
		if m["u2"].DisplayName != "Grace" || m["u1"].DisplayName != "Ada" {
			t.Fatalf("fresh result = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFresh never called")
	}
}

func TestBatchKeepsCachedValuesWhenFetchFails(t *testing.T) {
	c, db, clk := newTestCache(t, store.User{UID: "u1", DisplayName: "Ada"})
	ctx := context.Background()
	c.Get(ctx, "u1")
	clk.Advance(30 * time.Hour)
	db.failing.Store(true)

	fresh := make(chan map[string]Profile, 1)
	c.Batch(ctx, []string{"u1"}, func(m map[string]Profile) { fresh <- m })
	select {
	case m := <-fresh:
		if m["u1"].DisplayName != "Ada" {
			t.Fatalf("failed refresh replaced cached profile: %+v", m["u1"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFresh never called")
	}
}
