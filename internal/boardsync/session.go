// Package boardsync keeps a live view of one board: its record, picks,
// collaborators, comments and per-pick comment counts.
package boardsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"pixpick/api/internal/docdb"
	"pixpick/api/internal/store"
)

type Kind string

const (
	KindBoard         Kind = "board"
	KindImages        Kind = "images"
	KindCollaborators Kind = "collaborators"
	KindComments      Kind = "comments"
	KindImageComments Kind = "imageComments"
	KindCommentCounts Kind = "commentCounts"
	KindError         Kind = "error"
)

var ErrClosed = errors.New("board session closed")

// State is a point-in-time copy of everything the session tracks.
type State struct {
	BoardID       string               `json:"boardId"`
	Board         *store.Board         `json:"board"`
	Picks         []store.Pick         `json:"picks"`
	Collaborators []store.Collaborator `json:"collaborators"`
	Comments      []store.Comment      `json:"comments"`
	ImageID       string               `json:"imageId,omitempty"`
	ImageComments []store.Comment      `json:"imageComments"`
	CommentCounts map[string]int       `json:"commentCounts"`
}

func (s State) clone() State {
	out := s
	if s.Board != nil {
		b := *s.Board
		out.Board = &b
	}
	out.Picks = append([]store.Pick(nil), s.Picks...)
	out.Collaborators = append([]store.Collaborator(nil), s.Collaborators...)
	out.Comments = append([]store.Comment(nil), s.Comments...)
	out.ImageComments = append([]store.Comment(nil), s.ImageComments...)
	out.CommentCounts = make(map[string]int, len(s.CommentCounts))
	for k, v := range s.CommentCounts {
		out.CommentCounts[k] = v
	}
	return out
}

// Event is one delivery to the listener. Err is set for KindError, with
// Source naming the stream that failed.
type Event struct {
	Kind   Kind
	Source Kind
	State  State
	Err    error
}

type Listener func(Event)

// Session owns the subscriptions for one board at a time. Events are
// delivered one at a time, in the order the state changed. Callbacks from
// a board or image that has since been switched away from are dropped.
type Session struct {
	ctx      context.Context
	db       docdb.Store
	listener Listener
	log      zerolog.Logger

	deliver sync.Mutex

	mu       sync.Mutex
	closed   bool
	gen      uint64
	imageGen uint64
	subs     []docdb.Subscription
	imageSub docdb.Subscription
	counts   *Reconciler[int]
	state    State
}

// Open starts watching boardID. The listener receives the first snapshots
// asynchronously.
func Open(ctx context.Context, db docdb.Store, boardID string, listener Listener, logger zerolog.Logger) (*Session, error) {
	s := &Session{ctx: ctx, db: db, listener: listener, log: logger}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.start(boardID); err != nil {
		s.stopLocked()
		return nil, err
	}
	return s, nil
}

func (s *Session) start(boardID string) error {
	s.gen++
	gen := s.gen
	s.state = State{BoardID: boardID, CommentCounts: map[string]int{}}
	s.counts = NewReconciler(s.openCount(gen, boardID), func() { s.countsChanged(gen) })

	board, err := s.db.WatchDoc(s.ctx, store.BoardPath(boardID), func(snap docdb.DocSnapshot) {
		s.onBoard(gen, snap)
	})
	if err != nil {
		return fmt.Errorf("watch board: %w", err)
	}
	s.subs = append(s.subs, board)

	streams := []struct {
		q  docdb.Query
		fn func(docdb.QuerySnapshot)
	}{
		{docdb.Collection(store.PicksPath(boardID)), func(snap docdb.QuerySnapshot) { s.onPicks(gen, snap) }},
		{docdb.Collection(store.CollaboratorsPath(boardID)), func(snap docdb.QuerySnapshot) { s.onCollaborators(gen, snap) }},
		{docdb.Collection(store.BoardCommentsPath(boardID)).OrderBy("createdAt", false), func(snap docdb.QuerySnapshot) { s.onComments(gen, snap) }},
	}
	for _, st := range streams {
		sub, err := s.db.Watch(s.ctx, st.q, st.fn)
		if err != nil {
			return fmt.Errorf("watch %s: %w", st.q.Collection, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Session) stopLocked() {
	for _, sub := range s.subs {
		sub.Stop()
	}
	s.subs = nil
	if s.imageSub != nil {
		s.imageSub.Stop()
		s.imageSub = nil
	}
	if s.counts != nil {
		s.counts.StopAll()
	}
}

// Switch tears down the current board's subscriptions and watches boardID.
func (s *Session) Switch(boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stopLocked()
	return s.start(boardID)
}

// OpenImage watches the comments of one pick, replacing any pick opened
// before.
func (s *Session) OpenImage(imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closeImageLocked()
	s.state.ImageID = imageID
	gen, imageGen := s.gen, s.imageGen

	q := docdb.Collection(store.PickCommentsPath(s.state.BoardID, imageID)).OrderBy("createdAt", false)
	sub, err := s.db.Watch(s.ctx, q, func(snap docdb.QuerySnapshot) {
		s.onImageComments(gen, imageGen, snap)
	})
	if err != nil {
		s.state.ImageID = ""
		return fmt.Errorf("watch image comments: %w", err)
	}
	s.imageSub = sub
	return nil
}

// CloseImage stops the open pick's comment stream, if any.
func (s *Session) CloseImage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeImageLocked()
}

func (s *Session) closeImageLocked() {
	if s.imageSub != nil {
		s.imageSub.Stop()
		s.imageSub = nil
	}
	s.imageGen++
	s.state.ImageID = ""
	s.state.ImageComments = nil
}

// Close stops every subscription. Later calls do nothing.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.stopLocked()
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// apply mutates state for a callback of generation gen and delivers the
// resulting snapshot. Stale callbacks are dropped.
func (s *Session) apply(gen uint64, kind Kind, mutate func(st *State) bool) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if !mutate(&s.state) {
		s.mu.Unlock()
		return
	}
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.listener(Event{Kind: kind, State: snapshot})
}

func (s *Session) fail(gen uint64, source Kind, err error) {
	s.log.Warn().Err(err).Str("stream", string(source)).Msg("board subscription error")
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	snapshot := s.state.clone()
	s.mu.Unlock()
	s.listener(Event{Kind: KindError, Source: source, State: snapshot, Err: err})
}

func (s *Session) onBoard(gen uint64, snap docdb.DocSnapshot) {
	if snap.Err != nil {
		s.fail(gen, KindBoard, snap.Err)
		return
	}
	s.apply(gen, KindBoard, func(st *State) bool {
		if !snap.Exists {
			st.Board = nil
			return true
		}
		b := store.BoardFromDoc(snap.Document)
		st.Board = &b
		return true
	})
}

func (s *Session) onPicks(gen uint64, snap docdb.QuerySnapshot) {
	if snap.Err != nil {
		s.fail(gen, KindImages, snap.Err)
		return
	}
	s.apply(gen, KindImages, func(st *State) bool {
		picks := make([]store.Pick, 0, len(snap.Docs))
		ids := make([]string, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			picks = append(picks, store.PickFromDoc(st.BoardID, doc))
			ids = append(ids, doc.ID)
		}
		SortPicks(picks)
		st.Picks = picks
		if _, err := s.counts.Reconcile(ids); err != nil {
			s.log.Warn().Err(err).Str("board_id", st.BoardID).Msg("reconcile comment counts")
		}
		st.CommentCounts = s.counts.Values()
		return true
	})
}

func (s *Session) onCollaborators(gen uint64, snap docdb.QuerySnapshot) {
	if snap.Err != nil {
		s.fail(gen, KindCollaborators, snap.Err)
		return
	}
	s.apply(gen, KindCollaborators, func(st *State) bool {
		cs := make([]store.Collaborator, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			cs = append(cs, store.CollaboratorFromDoc(doc))
		}
		sortCollaborators(cs)
		st.Collaborators = cs
		return true
	})
}

func (s *Session) onComments(gen uint64, snap docdb.QuerySnapshot) {
	if snap.Err != nil {
		s.fail(gen, KindComments, snap.Err)
		return
	}
	s.apply(gen, KindComments, func(st *State) bool {
		st.Comments = comments(snap.Docs)
		return true
	})
}

func (s *Session) onImageComments(gen, imageGen uint64, snap docdb.QuerySnapshot) {
	if snap.Err != nil {
		s.fail(gen, KindImageComments, snap.Err)
		return
	}
	s.apply(gen, KindImageComments, func(st *State) bool {
		if imageGen != s.imageGen {
			return false
		}
		st.ImageComments = comments(snap.Docs)
		return true
	})
}

func (s *Session) openCount(gen uint64, boardID string) OpenFunc[int] {
	return func(pickID string, set func(int)) (docdb.Subscription, error) {
		q := docdb.Collection(store.PickCommentsPath(boardID, pickID))
		return s.db.Watch(s.ctx, q, func(snap docdb.QuerySnapshot) {
			if snap.Err != nil {
				s.log.Warn().Err(snap.Err).Str("pick_id", pickID).Msg("comment count subscription error")
				return
			}
			set(len(snap.Docs))
		})
	}
}

func (s *Session) countsChanged(gen uint64) {
	s.apply(gen, KindCommentCounts, func(st *State) bool {
		st.CommentCounts = s.counts.Values()
		return true
	})
}

func comments(docs []docdb.Document) []store.Comment {
	out := make([]store.Comment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, store.CommentFromDoc(doc))
	}
	return out
}
