package docdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore adapts a Cloud Firestore client. Live queries use the native
// snapshot listeners.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

func (f *Firestore) doc(path string) (*firestore.DocumentRef, error) {
	if _, _, err := splitDoc(path); err != nil {
		return nil, err
	}
	ref := f.client.Doc(strings.Trim(path, "/"))
	if ref == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return ref, nil
}

func (f *Firestore) Get(ctx context.Context, path string) (Document, error) {
	ref, err := f.doc(path)
	if err != nil {
		return Document{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Document{}, fmt.Errorf("get %s: %w", path, ErrNotFound)
		}
		return Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return fromFirestore(snap), nil
}

func (f *Firestore) Set(ctx context.Context, path string, data Data) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, toFirestore(data)); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) Add(ctx context.Context, collection string, data Data) (string, error) {
	clean, _, err := splitCollection(collection)
	if err != nil {
		return "", err
	}
	ref := f.client.Collection(clean).NewDoc()
	if _, err := ref.Set(ctx, toFirestore(data)); err != nil {
		return "", fmt.Errorf("add to %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (f *Firestore) Update(ctx context.Context, path string, data Data) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	updates := make([]firestore.Update, 0, len(data))
	for k, v := range toFirestore(data) {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	if _, err := ref.Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("update %s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("update %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, path string) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) query(q Query) (firestore.Query, error) {
	if err := q.validate(); err != nil {
		return firestore.Query{}, err
	}
	var fq firestore.Query
	if q.Group {
		fq = f.client.CollectionGroup(q.Collection).Query
	} else {
		fq = f.client.Collection(strings.Trim(q.Collection, "/")).Query
	}
	for _, filter := range q.Filters {
		fq = fq.Where(filter.Field, string(filter.Op), filter.Value)
	}
	for _, o := range q.Orders {
		dir := firestore.Asc
		if o.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(o.Field, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq, nil
}

func (f *Firestore) Query(ctx context.Context, q Query) ([]Document, error) {
	fq, err := f.query(q)
	if err != nil {
		return nil, err
	}
	snaps, err := fq.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	return fromFirestoreAll(snaps), nil
}

func (f *Firestore) Watch(ctx context.Context, q Query, fn func(QuerySnapshot)) (Subscription, error) {
	fq, err := f.query(q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &listener{cancel: cancel}
	it := fq.Snapshots(ctx)
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if ctx.Err() != nil || errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				sub.deliver(func() { fn(QuerySnapshot{Err: fmt.Errorf("watch %s: %w", q.Collection, err)}) })
				return
			}
			snaps, err := snap.Documents.GetAll()
			if err != nil {
				sub.deliver(func() { fn(QuerySnapshot{Err: fmt.Errorf("watch %s: %w", q.Collection, err)}) })
				return
			}
			docs := fromFirestoreAll(snaps)
			sub.deliver(func() { fn(QuerySnapshot{Docs: docs}) })
		}
	}()
	return sub, nil
}

func (f *Firestore) WatchDoc(ctx context.Context, path string, fn func(DocSnapshot)) (Subscription, error) {
	ref, err := f.doc(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &listener{cancel: cancel}
	it := ref.Snapshots(ctx)
	clean := strings.Trim(path, "/")
	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if ctx.Err() != nil || errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				sub.deliver(func() {
					fn(DocSnapshot{Document: Document{ID: ref.ID, Path: clean}, Err: fmt.Errorf("watch %s: %w", path, err)})
				})
				return
			}
			if !snap.Exists() {
				sub.deliver(func() { fn(DocSnapshot{Document: Document{ID: ref.ID, Path: clean}}) })
				continue
			}
			doc := fromFirestore(snap)
			sub.deliver(func() { fn(DocSnapshot{Document: doc, Exists: true}) })
		}
	}()
	return sub, nil
}

func (f *Firestore) Ping(ctx context.Context) error {
	_, err := f.client.Doc("_pixpick/health").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("ping firestore: %w", err)
	}
	return nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

// listener guards a snapshot listener goroutine against delivering after
// Stop.
type listener struct {
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	once    sync.Once
}

func (l *listener) deliver(call func()) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if !stopped {
		call()
	}
}

func (l *listener) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		l.cancel()
	})
}

func toFirestore(data Data) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = toFirestoreValue(v)
	}
	return out
}

func toFirestoreValue(v any) any {
	switch t := v.(type) {
	case serverTimestamp:
		return firestore.ServerTimestamp
	case Data:
		return toFirestore(t)
	case map[string]any:
		return toFirestore(Data(t))
	default:
		return v
	}
}

func fromFirestore(snap *firestore.DocumentSnapshot) Document {
	return Document{
		ID:   snap.Ref.ID,
		Path: relativePath(snap.Ref.Path),
		Data: Data(snap.Data()).Clone(),
	}
}

func fromFirestoreAll(snaps []*firestore.DocumentSnapshot) []Document {
	docs := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, fromFirestore(snap))
	}
	return docs
}

// relativePath strips the "projects/.../documents/" prefix from a resource
// name.
func relativePath(name string) string {
	const marker = "/documents/"
	if i := strings.Index(name, marker); i >= 0 {
		return name[i+len(marker):]
	}
	return name
}
