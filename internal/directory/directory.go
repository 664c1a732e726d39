// Package directory lists and manages the boards a user can reach.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"pixpick/api/internal/blobstore"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/rbac"
	"pixpick/api/internal/search"
	"pixpick/api/internal/store"
)

type Filter string

const (
	FilterMine   Filter = "mine"
	FilterShared Filter = "sharedWithMe"
	FilterAll    Filter = "all"
)

var (
	ErrInvalidFilter = errors.New("invalid board filter")
	ErrInvalidRole   = errors.New("role must be editor or viewer")
	ErrOwnerRecord   = errors.New("the board owner cannot be changed through sharing")
	// ErrCascade marks a board delete that left records behind.
	ErrCascade = errors.New("board delete incomplete")
)

// ParseFilter maps a query value to a Filter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.TrimSpace(s)) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterMine:
		return FilterMine, nil
	case FilterShared:
		return FilterShared, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFilter, s)
	}
}

type Directory struct {
	db     docdb.Store
	repo   *store.Repo
	blobs  blobstore.Store
	search *search.Service
	log    zerolog.Logger
}

func New(db docdb.Store, blobs blobstore.Store, searcher *search.Service, logger zerolog.Logger) *Directory {
	if blobs == nil {
		blobs = blobstore.Disabled{}
	}
	d := &Directory{
		db:     db,
		repo:   store.NewRepo(db),
		blobs:  blobs,
		search: searcher,
		log:    logger,
	}
	if searcher != nil {
		searcher.SetFallback(d)
	}
	return d
}

// List returns the boards uid reaches through filter, newest first.
// FilterAll concatenates owned and shared boards as-is, so a board the
// user both owns and collaborates on as non-owner appears twice.
func (d *Directory) List(ctx context.Context, uid string, filter Filter) ([]store.Board, error) {
	switch filter {
	case FilterMine, FilterShared, FilterAll:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}

	boards := []store.Board{}
	if filter != FilterShared {
		mine, err := d.owned(ctx, uid)
		if err != nil {
			return nil, err
		}
		boards = append(boards, mine...)
	}
	if filter != FilterMine {
		shared, err := d.shared(ctx, uid)
		if err != nil {
			return nil, err
		}
		boards = append(boards, shared...)
	}
	SortBoards(boards)
	return boards, nil
}

// Contacts returns the uids that share at least one board with uid, uid
// included.
func (d *Directory) Contacts(ctx context.Context, uid string) (map[string]bool, error) {
	boards, err := d.List(ctx, uid, FilterAll)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{uid: true}
	for _, board := range boards {
		out[board.OwnerID] = true
		members, err := d.repo.Collaborators(ctx, board.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range members {
			out[c.UID] = true
		}
	}
	return out, nil
}

func (d *Directory) owned(ctx context.Context, uid string) ([]store.Board, error) {
	docs, err := d.db.Query(ctx, docdb.Collection(store.Boards).Where("ownerId", docdb.OpEqual, uid))
	if err != nil {
		return nil, fmt.Errorf("list owned boards: %w", err)
	}
	out := make([]store.Board, 0, len(docs))
	for _, doc := range docs {
		out = append(out, store.BoardFromDoc(doc))
	}
	return out, nil
}

func (d *Directory) shared(ctx context.Context, uid string) ([]store.Board, error) {
	docs, err := d.db.Query(ctx, docdb.CollectionGroup(store.CollaboratorsGroup).Where("uid", docdb.OpEqual, uid))
	if err != nil {
		return nil, fmt.Errorf("list shared boards: %w", err)
	}
	out := make([]store.Board, 0, len(docs))
	for _, doc := range docs {
		c := store.CollaboratorFromDoc(doc)
		if rbac.Normalize(c.Role) == rbac.RoleOwner || c.BoardID == "" {
			continue
		}
		board, err := d.repo.Board(ctx, c.BoardID)
		if errors.Is(err, docdb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load shared board %s: %w", c.BoardID, err)
		}
		out = append(out, board)
	}
	return out, nil
}

// SortBoards orders boards newest first. A board whose createdAt has not
// been assigned yet counts as newest.
func SortBoards(boards []store.Board) {
	sort.SliceStable(boards, func(i, j int) bool {
		a, b := boards[i].CreatedAt, boards[j].CreatedAt
		switch {
		case a.IsZero() != b.IsZero():
			return a.IsZero()
		case !a.Equal(b):
			return a.After(b)
		default:
			return boards[i].ID < boards[j].ID
		}
	})
}

// Create writes the board and then its owner record. The two writes are
// not atomic: if the second fails the board exists without an owner record
// and the error is returned. A blank title creates nothing.
func (d *Directory) Create(ctx context.Context, uid, title string) (store.Board, bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Board{}, false, nil
	}

	id, err := d.db.Add(ctx, store.Boards, docdb.Data{
		"title":     title,
		"ownerId":   uid,
		"createdAt": docdb.ServerTimestamp,
		"updatedAt": docdb.ServerTimestamp,
	})
	if err != nil {
		return store.Board{}, false, fmt.Errorf("create board: %w", err)
	}
	board := store.Board{ID: id, Title: title, OwnerID: uid}

	owner := store.Collaborator{UID: uid, Role: string(rbac.RoleOwner), BoardID: id, BoardTitle: title, OwnerID: uid}
	if err := d.db.Set(ctx, store.CollaboratorPath(id, uid), owner.Data()); err != nil {
		return board, true, fmt.Errorf("create owner record: %w", err)
	}

	if doc, err := d.db.Get(ctx, store.BoardPath(id)); err == nil {
		board = store.BoardFromDoc(doc)
	}
	d.index(board, []string{uid})
	return board, true, nil
}

// NormalizeTitle trims s and upper-cases its first letter.
func NormalizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

// Rename sets a normalized title. A blank title changes nothing.
func (d *Directory) Rename(ctx context.Context, uid, boardID, title string) (bool, error) {
	title = NormalizeTitle(title)
	if title == "" {
		return false, nil
	}
	if err := d.require(ctx, boardID, uid, rbac.ActionManage); err != nil {
		return false, err
	}
	err := d.db.Update(ctx, store.BoardPath(boardID), docdb.Data{
		"title":     title,
		"updatedAt": docdb.ServerTimestamp,
	})
	if err != nil {
		return false, fmt.Errorf("rename board: %w", err)
	}

	collaborators, err := d.repo.Collaborators(ctx, boardID)
	if err != nil {
		d.log.Warn().Err(err).Str("board_id", boardID).Msg("refresh collaborator titles")
		return true, nil
	}
	for _, c := range collaborators {
		if err := d.db.Update(ctx, store.CollaboratorPath(boardID, c.UID), docdb.Data{"boardTitle": title}); err != nil {
			d.log.Warn().Err(err).Str("board_id", boardID).Str("uid", c.UID).Msg("refresh collaborator title")
		}
	}
	d.reindex(ctx, boardID)
	return true, nil
}

// Delete removes the board and everything under it. Each step runs even
// when an earlier one failed; failures come back joined under ErrCascade.
func (d *Directory) Delete(ctx context.Context, uid, boardID string) error {
	if err := d.require(ctx, boardID, uid, rbac.ActionManage); err != nil {
		return err
	}

	var errs []error
	picks, err := d.repo.Picks(ctx, boardID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, pick := range picks {
		if err := d.repo.DeleteAll(ctx, store.PickCommentsPath(boardID, pick.ID)); err != nil {
			errs = append(errs, err)
		}
		if err := d.db.Delete(ctx, store.PickPath(boardID, pick.ID)); err != nil {
			errs = append(errs, fmt.Errorf("delete pick %s: %w", pick.ID, err))
			continue
		}
		d.deleteBlob(ctx, pick)
	}
	if err := d.repo.DeleteAll(ctx, store.BoardCommentsPath(boardID)); err != nil {
		errs = append(errs, err)
	}
	if err := d.repo.DeleteAll(ctx, store.CollaboratorsPath(boardID)); err != nil {
		errs = append(errs, err)
	}
	if err := d.db.Delete(ctx, store.BoardPath(boardID)); err != nil {
		errs = append(errs, fmt.Errorf("delete board: %w", err))
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		d.log.Error().Err(err).Str("board_id", boardID).Msg("board delete incomplete")
		return fmt.Errorf("%w: %w", ErrCascade, err)
	}
	if d.search != nil {
		d.search.DeleteBoard(boardID)
	}
	return nil
}

func (d *Directory) deleteBlob(ctx context.Context, pick store.Pick) {
	if pick.Storage == nil || pick.Storage.Path == "" {
		return
	}
	if err := d.blobs.Delete(ctx, pick.Storage.Path); err != nil {
		d.log.Warn().Err(err).Str("path", pick.Storage.Path).Msg("delete blob")
	}
}

// AddCollaborator shares the board with uid as editor or viewer. Sharing
// again with another role replaces the role.
func (d *Directory) AddCollaborator(ctx context.Context, actor, boardID, uid, role string) (store.Collaborator, error) {
	r := rbac.Role(strings.ToLower(strings.TrimSpace(role)))
	if r != rbac.RoleEditor && r != rbac.RoleViewer {
		return store.Collaborator{}, ErrInvalidRole
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return store.Collaborator{}, errors.New("collaborator uid is required")
	}
	if err := d.require(ctx, boardID, actor, rbac.ActionManage); err != nil {
		return store.Collaborator{}, err
	}
	board, err := d.repo.Board(ctx, boardID)
	if err != nil {
		return store.Collaborator{}, err
	}
	if uid == board.OwnerID {
		return store.Collaborator{}, ErrOwnerRecord
	}

	c := store.Collaborator{UID: uid, Role: string(r), BoardID: boardID, BoardTitle: board.Title, OwnerID: board.OwnerID}
	if err := d.db.Set(ctx, store.CollaboratorPath(boardID, uid), c.Data()); err != nil {
		return store.Collaborator{}, fmt.Errorf("add collaborator: %w", err)
	}
	d.reindex(ctx, boardID)
	return c, nil
}

func (d *Directory) RemoveCollaborator(ctx context.Context, actor, boardID, uid string) error {
	if err := d.require(ctx, boardID, actor, rbac.ActionManage); err != nil {
		return err
	}
	board, err := d.repo.Board(ctx, boardID)
	if err != nil {
		return err
	}
	if uid == board.OwnerID {
		return ErrOwnerRecord
	}
	if err := d.db.Delete(ctx, store.CollaboratorPath(boardID, uid)); err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	d.reindex(ctx, boardID)
	return nil
}

// Search finds boards uid can reach by title.
func (d *Directory) Search(ctx context.Context, uid, text string, limit int) []search.Hit {
	if d.search == nil {
		hits, err := d.SearchBoards(ctx, search.Query{Text: text, UserID: uid, Limit: limit})
		if err != nil {
			d.log.Warn().Err(err).Msg("board search failed")
			return []search.Hit{}
		}
		return hits
	}
	return d.search.Search(ctx, search.Query{Text: text, UserID: uid, Limit: limit})
}

// SearchBoards matches titles over every board the user reaches. It backs
// Search when no index is available.
func (d *Directory) SearchBoards(ctx context.Context, q search.Query) ([]search.Hit, error) {
	boards, err := d.List(ctx, q.UserID, FilterAll)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	hits := []search.Hit{}
	for _, b := range boards {
		if seen[b.ID] || !search.MatchTitle(b.Title, q.Text) {
			continue
		}
		seen[b.ID] = true
		hits = append(hits, search.Hit{ID: b.ID, Title: b.Title})
		if q.Limit > 0 && len(hits) >= q.Limit {
			break
		}
	}
	return hits, nil
}

func (d *Directory) require(ctx context.Context, boardID, uid string, action rbac.Action) error {
	role, err := d.repo.Role(ctx, boardID, uid)
	if err != nil {
		return err
	}
	return rbac.Require(rbac.Normalize(role), action)
}

func (d *Directory) index(board store.Board, members []string) {
	if d.search == nil {
		return
	}
	d.search.IndexBoard(search.BoardRecord{
		ID:        board.ID,
		Title:     board.Title,
		OwnerID:   board.OwnerID,
		MemberIDs: members,
	})
}

func (d *Directory) reindex(ctx context.Context, boardID string) {
	if d.search == nil {
		return
	}
	board, err := d.repo.Board(ctx, boardID)
	if err != nil {
		d.log.Warn().Err(err).Str("board_id", boardID).Msg("reindex board")
		return
	}
	collaborators, err := d.repo.Collaborators(ctx, boardID)
	if err != nil {
		d.log.Warn().Err(err).Str("board_id", boardID).Msg("reindex board")
		return
	}
	members := []string{board.OwnerID}
	for _, c := range collaborators {
		if c.UID != board.OwnerID {
			members = append(members, c.UID)
		}
	}
	d.index(board, members)
}
