package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeEngine struct {
	mu        sync.Mutex
	healthy   bool
	searchFn  func(q Query) ([]Hit, error)
	indexed   []BoardRecord
	deleted   []string
	indexDone chan struct{}
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(q Query) ([]Hit, error) {
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(q)
}

func (f *fakeEngine) IndexBoard(b BoardRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, b)
	f.mu.Unlock()
	if f.indexDone != nil {
		f.indexDone <- struct{}{}
	}
	return nil
}

func (f *fakeEngine) DeleteBoard(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return nil
}

type fakeFallback struct {
	calls int
	hits  []Hit
}

func (f *fakeFallback) SearchBoards(ctx context.Context, q Query) ([]Hit, error) {
	f.calls++
	return f.hits, nil
}

func TestSearchPrefersHealthyEngine(t *testing.T) {
	engine := &fakeEngine{healthy: true, searchFn: func(q Query) ([]Hit, error) {
		if q.UserID != "u1" {
			t.Fatalf("engine query not scoped to user: %+v", q)
		}
		return []Hit{{ID: "b1", Title: "Moodboard"}}, nil
	}}
	fallback := &fakeFallback{}
	s := NewService(engine, zerolog.Nop())
	s.SetFallback(fallback)

	hits := s.Search(context.Background(), Query{Text: " mood ", UserID: "u1"})
	if len(hits) != 1 || hits[0].ID != "b1" || fallback.calls != 0 {
		t.Fatalf("hits = %+v, fallback calls = %d", hits, fallback.calls)
	}
}

func TestSearchFallsBack(t *testing.T) {
	cases := []struct {
		name   string
		engine Engine
	}{
		{"no engine", nil},
		{"unhealthy", &fakeEngine{healthy: false}},
		{"engine error", &fakeEngine{healthy: true, searchFn: func(Query) ([]Hit, error) { return nil, errors.New("down") }}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fallback := &fakeFallback{hits: []Hit{{ID: "b2"}}}
			s := NewService(tc.engine, zerolog.Nop())
			s.SetFallback(fallback)
			hits := s.Search(context.Background(), Query{Text: "x", UserID: "u1"})
			if fallback.calls != 1 || len(hits) != 1 {
				t.Fatalf("fallback calls = %d, hits = %+v", fallback.calls, hits)
			}
		})
	}
}

func TestSearchBlankQuery(t *testing.T) {
	s := NewService(nil, zerolog.Nop())
	if hits := s.Search(context.Background(), Query{Text: "   "}); hits == nil || len(hits) != 0 {
		t.Fatalf("Search(blank) = %#v", hits)
	}
}

func TestIndexBoardIsAsync(t *testing.T) {
	engine := &fakeEngine{healthy: true, indexDone: make(chan struct{}, 1)}
	s := NewService(engine, zerolog.Nop())
	s.IndexBoard(BoardRecord{ID: "b1", Title: "T", MemberIDs: []string{"u1"}})
	select {
	case <-engine.indexDone:
	case <-time.After(time.Second):
		t.Fatal("board never indexed")
	}
}

func TestMatchTitle(t *testing.T) {
	if !MatchTitle("Summer Moodboard", "  mood") || MatchTitle("Summer", "winter") {
		t.Fatal("MatchTitle mismatch")
	}
}
