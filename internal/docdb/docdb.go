// Package docdb is a small document-database abstraction with live queries.
//
// Documents live at slash-separated paths ("boards/b1/images/i1") inside
// collections ("boards/b1/images"). Every watch delivers the full current
// result when it starts and again after each change in scope; consecutive
// changes may be coalesced into one delivery.
package docdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrInvalidPath     = errors.New("invalid document path")
	ErrTooManyInValues = errors.New("too many values in \"in\" filter")
)

// MaxInValues bounds the value list of an "in" filter.
const MaxInValues = 10

type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
	OpIn            Op = "in"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Desc  bool
}

// Query selects documents from one collection, or from every collection
// with the same final segment when Group is set.
type Query struct {
	Collection string
	Group      bool
	Filters    []Filter
	Orders     []Order
	Limit      int
}

func Collection(path string) Query {
	return Query{Collection: path}
}

func CollectionGroup(name string) Query {
	return Query{Collection: name, Group: true}
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, desc bool) Query {
	q.Orders = append(append([]Order(nil), q.Orders...), Order{Field: field, Desc: desc})
	return q
}

func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

func (q Query) validate() error {
	if q.Group {
		if q.Collection == "" || strings.Contains(q.Collection, "/") {
			return fmt.Errorf("%w: collection group %q", ErrInvalidPath, q.Collection)
		}
	} else if _, _, err := splitCollection(q.Collection); err != nil {
		return err
	}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpArrayContains:
		case OpIn:
			values, ok := f.Value.([]any)
			if !ok {
				return fmt.Errorf("filter %s: \"in\" expects []any", f.Field)
			}
			if len(values) > MaxInValues {
				return fmt.Errorf("filter %s: %w (%d > %d)", f.Field, ErrTooManyInValues, len(values), MaxInValues)
			}
		default:
			return fmt.Errorf("filter %s: unsupported operator %q", f.Field, f.Op)
		}
	}
	return nil
}

type Document struct {
	ID   string
	Path string
	Data Data
}

type DocSnapshot struct {
	Document
	Exists bool
	Err    error
}

type QuerySnapshot struct {
	Docs []Document
	Err  error
}

// Subscription is a live watch. Stop may be called any number of times.
// A callback already running when Stop returns may still finish, but no
// new callback starts afterwards.
type Subscription interface {
	Stop()
}

type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, data Data) error
	Add(ctx context.Context, collection string, data Data) (string, error)
	Update(ctx context.Context, path string, data Data) error
	Delete(ctx context.Context, path string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	WatchDoc(ctx context.Context, path string, fn func(DocSnapshot)) (Subscription, error)
	Watch(ctx context.Context, q Query, fn func(QuerySnapshot)) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

type serverTimestamp struct{}

// ServerTimestamp stands in for the backend's commit time when written.
var ServerTimestamp any = serverTimestamp{}

func isServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// splitDoc returns the parent collection and id of a document path.
func splitDoc(path string) (collection, id string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || len(parts)%2 != 0 || hasEmpty(parts) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

// splitCollection returns the collection path and its final segment.
func splitCollection(path string) (clean, name string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts)%2 != 1 || hasEmpty(parts) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return strings.Join(parts, "/"), parts[len(parts)-1], nil
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func hasEmpty(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return true
		}
	}
	return false
}

// matchesPath reports whether a change to the document at path falls in
// the scope of q.
func (q Query) matchesPath(path string) bool {
	collection, _, err := splitDoc(path)
	if err != nil {
		return false
	}
	if q.Group {
		return lastSegment(collection) == q.Collection
	}
	return collection == strings.Trim(q.Collection, "/")
}
