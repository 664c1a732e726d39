package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Service tries the engine first and falls back to scanning the caller's
// boards.
type Service struct {
	engine   Engine
	fallback Fallback
	log      zerolog.Logger
}

// NewService creates a search service. engine may be nil.
func NewService(engine Engine, logger zerolog.Logger) *Service {
	return &Service{engine: engine, log: logger}
}

// SetFallback wires the fallback after construction; the directory that
// implements it also depends on this service for indexing.
func (s *Service) SetFallback(f Fallback) {
	s.fallback = f
}

func (s *Service) Search(ctx context.Context, q Query) []Hit {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return []Hit{}
	}
	if s.engine != nil && s.engine.Healthy() {
		hits, err := s.engine.Search(q)
		if err == nil {
			return nonNil(hits)
		}
		s.log.Warn().Err(err).Msg("search engine error, falling back")
	}
	if s.fallback == nil {
		return []Hit{}
	}
	hits, err := s.fallback.SearchBoards(ctx, q)
	if err != nil {
		s.log.Warn().Err(err).Msg("fallback search failed")
		return []Hit{}
	}
	return nonNil(hits)
}

// IndexBoard pushes a board to the engine without waiting.
func (s *Service) IndexBoard(b BoardRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	go func() {
		if err := s.engine.IndexBoard(b); err != nil {
			s.log.Warn().Err(err).Str("board_id", b.ID).Msg("index board")
		}
	}()
}

// DeleteBoard removes a board from the engine without waiting.
func (s *Service) DeleteBoard(id string) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	go func() {
		if err := s.engine.DeleteBoard(id); err != nil {
			s.log.Warn().Err(err).Str("board_id", id).Msg("delete board from index")
		}
	}()
}

// MatchTitle is the fallback matcher: case-insensitive substring.
func MatchTitle(title, text string) bool {
	return strings.Contains(strings.ToLower(title), strings.ToLower(strings.TrimSpace(text)))
}

func nonNil(h []Hit) []Hit {
	if h == nil {
		return []Hit{}
	}
	return h
}
