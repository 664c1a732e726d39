package docdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// watcher runs one live subscription on its own goroutine. Changes signal
// it through a one-slot channel, so a burst of writes collapses into a
// single re-read.
type watcher struct {
	signal  chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
	onStop  func()
}

func newWatcher(onStop func()) *watcher {
	return &watcher{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

// run delivers once immediately, then after every notify until Stop or
// ctx is done. deliver receives a guard it must consult right before
// invoking user code.
func (w *watcher) run(ctx context.Context, deliver func(ctx context.Context, live func() bool)) {
	live := func() bool { return !w.stopped.Load() && ctx.Err() == nil }
	go func() {
		defer w.Stop()
		deliver(ctx, live)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-w.signal:
				if !live() {
					return
				}
				deliver(ctx, live)
			}
		}
	}()
}

func (w *watcher) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) Stop() {
	w.once.Do(func() {
		w.stopped.Store(true)
		close(w.done)
		if w.onStop != nil {
			w.onStop()
		}
	})
}

// hub routes document changes to the watchers whose scope covers them.
type hub struct {
	mu       sync.Mutex
	watchers map[*watcher]func(path string) bool
}

func newHub() *hub {
	return &hub{watchers: map[*watcher]func(string) bool{}}
}

func (h *hub) add(match func(path string) bool) *watcher {
	var w *watcher
	w = newWatcher(func() { h.remove(w) })
	h.mu.Lock()
	h.watchers[w] = match
	h.mu.Unlock()
	return w
}

func (h *hub) remove(w *watcher) {
	h.mu.Lock()
	delete(h.watchers, w)
	h.mu.Unlock()
}

// publish signals every watcher matching path. An empty path signals all.
func (h *hub) publish(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w, match := range h.watchers {
		if path == "" || match(path) {
			w.notify()
		}
	}
}

func (h *hub) stopAll() {
	h.mu.Lock()
	all := make([]*watcher, 0, len(h.watchers))
	for w := range h.watchers {
		all = append(all, w)
	}
	h.mu.Unlock()
	for _, w := range all {
		w.Stop()
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

func watchQuery(ctx context.Context, h *hub, q Query, fetch func(context.Context, Query) ([]Document, error), fn func(QuerySnapshot)) (Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	w := h.add(q.matchesPath)
	w.run(ctx, func(ctx context.Context, live func() bool) {
		docs, err := fetch(ctx, q)
		if !live() {
			return
		}
		fn(QuerySnapshot{Docs: docs, Err: err})
	})
	return w, nil
}

func watchDoc(ctx context.Context, h *hub, path string, get func(context.Context, string) (Document, error), fn func(DocSnapshot)) (Subscription, error) {
	collection, id, err := splitDoc(path)
	if err != nil {
		return nil, err
	}
	clean := Join(collection, id)
	w := h.add(func(p string) bool { return p == clean })
	w.run(ctx, func(ctx context.Context, live func() bool) {
		doc, err := get(ctx, clean)
		if !live() {
			return
		}
		switch {
		case err == nil:
			fn(DocSnapshot{Document: doc, Exists: true})
		case errors.Is(err, ErrNotFound):
			fn(DocSnapshot{Document: Document{ID: id, Path: clean}})
		default:
			fn(DocSnapshot{Document: Document{ID: id, Path: clean}, Err: err})
		}
	})
	return w, nil
}
