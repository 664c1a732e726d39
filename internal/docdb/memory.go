package docdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pixpick/api/internal/util"
)

// Memory is an in-process Store. Writes are applied immediately and
// watchers are signalled after the lock is released.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Data
	clock       func() time.Time
	hub         *hub
	failWrites  func(op, path string) error
}

func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		collections: map[string]map[string]Data{},
		clock:       clock,
		hub:         newHub(),
	}
}

func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	collection, id, err := splitDoc(path)
	if err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.collections[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return Document{ID: id, Path: Join(collection, id), Data: data.Clone()}, nil
}

func (m *Memory) Set(ctx context.Context, path string, data Data) error {
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}
	if err := m.fail("set", path); err != nil {
		return err
	}
	m.mu.Lock()
	docs := m.collections[collection]
	if docs == nil {
		docs = map[string]Data{}
		m.collections[collection] = docs
	}
	docs[id] = data.resolve(m.clock().UTC())
	m.mu.Unlock()
	m.hub.publish(Join(collection, id))
	return nil
}

func (m *Memory) Add(ctx context.Context, collection string, data Data) (string, error) {
	clean, _, err := splitCollection(collection)
	if err != nil {
		return "", err
	}
	id := util.NewID("")
	if err := m.Set(ctx, Join(clean, id), data); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Update(ctx context.Context, path string, data Data) error {
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}
	if err := m.fail("update", path); err != nil {
		return err
	}
	m.mu.Lock()
	current, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	for k, v := range data.resolve(m.clock().UTC()) {
		current[k] = v
	}
	m.mu.Unlock()
	m.hub.publish(Join(collection, id))
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}
	if err := m.fail("delete", path); err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.collections[collection][id]
	delete(m.collections[collection], id)
	m.mu.Unlock()
	if existed {
		m.hub.publish(Join(collection, id))
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var docs []Document
	for collection, items := range m.collections {
		if q.Group {
			if lastSegment(collection) != q.Collection {
				continue
			}
		} else if collection != q.Collection {
			continue
		}
		for id, data := range items {
			if matchFilters(data, q.Filters) {
				docs = append(docs, Document{ID: id, Path: Join(collection, id), Data: data.Clone()})
			}
		}
	}
	m.mu.RUnlock()

	sortDocuments(docs, q.Orders)
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (m *Memory) WatchDoc(ctx context.Context, path string, fn func(DocSnapshot)) (Subscription, error) {
	return watchDoc(ctx, m.hub, path, m.Get, fn)
}

func (m *Memory) Watch(ctx context.Context, q Query, fn func(QuerySnapshot)) (Subscription, error) {
	return watchQuery(ctx, m.hub, q, m.Query, fn)
}

// Watchers reports how many subscriptions are live.
func (m *Memory) Watchers() int {
	return m.hub.size()
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.hub.stopAll()
	return nil
}

// FailWrites installs a hook consulted before every write; a non-nil
// result aborts the write. Pass nil to clear it.
func (m *Memory) FailWrites(fn func(op, path string) error) {
	m.mu.Lock()
	m.failWrites = fn
	m.mu.Unlock()
}

func (m *Memory) fail(op, path string) error {
	m.mu.RLock()
	fn := m.failWrites
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, path)
}

func matchFilters(data Data, filters []Filter) bool {
	for _, f := range filters {
		value, ok := data[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !valuesEqual(value, f.Value) {
				return false
			}
		case OpArrayContains:
			items, _ := value.([]any)
			found := false
			for _, item := range items {
				if valuesEqual(item, f.Value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case OpIn:
			found := false
			for _, candidate := range f.Value.([]any) {
				if valuesEqual(value, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// sortDocuments orders by the given fields, then by path. Documents missing
// an order field sort last.
func sortDocuments(docs []Document, orders []Order) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			a, aok := docs[i].Data[o.Field]
			b, bok := docs[j].Data[o.Field]
			if aok != bok {
				return aok
			}
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].Path < docs[j].Path
	})
}
