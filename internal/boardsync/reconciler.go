package boardsync

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pixpick/api/internal/docdb"
)

// OpenFunc starts the subscription for key. The subscription reports its
// latest value through set; set is a no-op once key is gone.
type OpenFunc[V any] func(key string, set func(V)) (docdb.Subscription, error)

// Reconciler keeps exactly one live subscription per key of the current
// key set, together with the latest value each one reported.
type Reconciler[V any] struct {
	mu       sync.Mutex
	open     OpenFunc[V]
	onChange func()
	entries  map[string]*entry[V]
}

type entry[V any] struct {
	sub   docdb.Subscription
	value V
	has   bool
}

// NewReconciler returns an empty reconciler. onChange, if set, runs after
// any subscription reports a value.
func NewReconciler[V any](open OpenFunc[V], onChange func()) *Reconciler[V] {
	return &Reconciler[V]{open: open, onChange: onChange, entries: map[string]*entry[V]{}}
}

// Reconcile opens subscriptions for new keys and stops those whose key
// is no longer present, discarding their values. Calling it again with
// the same keys does nothing. It reports whether any key was removed.
func (r *Reconciler[V]) Reconcile(keys []string) (bool, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	r.mu.Lock()
	var stale []docdb.Subscription
	removed := false
	for k, e := range r.entries {
		if !want[k] {
			delete(r.entries, k)
			removed = true
			if e.sub != nil {
				stale = append(stale, e.sub)
			}
		}
	}
	added := map[string]*entry[V]{}
	for k := range want {
		if _, ok := r.entries[k]; !ok {
			e := &entry[V]{}
			r.entries[k] = e
			added[k] = e
		}
	}
	r.mu.Unlock()

	for _, sub := range stale {
		sub.Stop()
	}

	var errs []error
	for k, e := range added {
		sub, err := r.open(k, r.setter(k, e))
		r.mu.Lock()
		current := r.entries[k] == e
		if err != nil {
			if current {
				delete(r.entries, k)
			}
			r.mu.Unlock()
			errs = append(errs, fmt.Errorf("open %s: %w", k, err))
			continue
		}
		if current {
			e.sub = sub
		}
		r.mu.Unlock()
		if !current {
			sub.Stop()
		}
	}
	return removed, errors.Join(errs...)
}

func (r *Reconciler[V]) setter(key string, e *entry[V]) func(V) {
	return func(v V) {
		r.mu.Lock()
		if r.entries[key] != e {
			r.mu.Unlock()
			return
		}
		e.value = v
		e.has = true
		r.mu.Unlock()
		if r.onChange != nil {
			r.onChange()
		}
	}
}

// Values returns a copy of every reported value by key.
func (r *Reconciler[V]) Values() map[string]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]V, len(r.entries))
	for k, e := range r.entries {
		if e.has {
			out[k] = e.value
		}
	}
	return out
}

// Keys returns the active keys, sorted.
func (r *Reconciler[V]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StopAll stops every subscription and forgets all keys.
func (r *Reconciler[V]) StopAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*entry[V]{}
	r.mu.Unlock()
	for _, e := range entries {
		if e.sub != nil {
			e.sub.Stop()
		}
	}
}
