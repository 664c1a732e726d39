package boardsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pixpick/api/internal/blobstore"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/notify"
	"pixpick/api/internal/rbac"
	"pixpick/api/internal/store"
)

const MaxRating = 5

var (
	ErrInvalidRating = errors.New("rating must be between 0 and 5")
	ErrNotStored     = errors.New("pick has no stored object to re-sign")
)

// Notifier is the fan-out side effect of comments.
type Notifier interface {
	Dispatch(ctx context.Context, boardID, actorUID string, p notify.Payload)
}

// Mutations are the writes paired with a board's live view. Each checks
// the caller's role before writing anything.
type Mutations struct {
	db       docdb.Store
	repo     *store.Repo
	blobs    blobstore.Store
	notifier Notifier
	log      zerolog.Logger
}

func NewMutations(db docdb.Store, blobs blobstore.Store, notifier Notifier, logger zerolog.Logger) *Mutations {
	if blobs == nil {
		blobs = blobstore.Disabled{}
	}
	return &Mutations{db: db, repo: store.NewRepo(db), blobs: blobs, notifier: notifier, log: logger}
}

// Role returns the caller's normalized role on the board.
func (m *Mutations) Role(ctx context.Context, boardID, uid string) (rbac.Role, error) {
	role, err := m.repo.Role(ctx, boardID, uid)
	if err != nil {
		return "", err
	}
	return rbac.Normalize(role), nil
}

func (m *Mutations) require(ctx context.Context, boardID, uid string, action rbac.Action) error {
	role, err := m.Role(ctx, boardID, uid)
	if err != nil {
		return err
	}
	return rbac.Require(role, action)
}

// AddBoardComment posts text on the board. Blank text writes nothing and
// reports false.
func (m *Mutations) AddBoardComment(ctx context.Context, uid, boardID, text string) (store.Comment, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Comment{}, false, nil
	}
	if err := m.require(ctx, boardID, uid, rbac.ActionComment); err != nil {
		return store.Comment{}, false, err
	}
	c, err := m.addComment(ctx, store.BoardCommentsPath(boardID), uid, text)
	if err != nil {
		return store.Comment{}, false, err
	}
	m.notify(ctx, boardID, uid, notify.Payload{Type: notify.TypeComment, Text: text})
	return c, true, nil
}

// AddImageComment posts text on one pick.
func (m *Mutations) AddImageComment(ctx context.Context, uid, boardID, pickID, text string) (store.Comment, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Comment{}, false, nil
	}
	if err := m.require(ctx, boardID, uid, rbac.ActionComment); err != nil {
		return store.Comment{}, false, err
	}
	if _, err := m.repo.Pick(ctx, boardID, pickID); err != nil {
		return store.Comment{}, false, err
	}
	c, err := m.addComment(ctx, store.PickCommentsPath(boardID, pickID), uid, text)
	if err != nil {
		return store.Comment{}, false, err
	}
	m.notify(ctx, boardID, uid, notify.Payload{Type: notify.TypeImageComment, Text: text})
	return c, true, nil
}

func (m *Mutations) addComment(ctx context.Context, collection, uid, text string) (store.Comment, error) {
	id, err := m.db.Add(ctx, collection, docdb.Data{
		"text":      text,
		"createdBy": uid,
		"createdAt": docdb.ServerTimestamp,
	})
	if err != nil {
		return store.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	return store.Comment{ID: id, Text: text, CreatedBy: uid}, nil
}

func (m *Mutations) DeleteBoardComment(ctx context.Context, uid, boardID, commentID string) error {
	return m.deleteComment(ctx, uid, docdb.Join(store.BoardCommentsPath(boardID), commentID))
}

func (m *Mutations) DeleteImageComment(ctx context.Context, uid, boardID, pickID, commentID string) error {
	return m.deleteComment(ctx, uid, docdb.Join(store.PickCommentsPath(boardID, pickID), commentID))
}

// deleteComment removes a comment written by uid. Anyone else gets
// ErrForbidden without a write being attempted.
func (m *Mutations) deleteComment(ctx context.Context, uid, path string) error {
	doc, err := m.db.Get(ctx, path)
	if err != nil {
		return err
	}
	if store.CommentFromDoc(doc).CreatedBy != uid {
		return rbac.ErrForbidden
	}
	if err := m.db.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// DeletePick removes the pick and its comments, then its stored object.
// Removing the object is best-effort.
func (m *Mutations) DeletePick(ctx context.Context, uid, boardID, pickID string) error {
	if err := m.require(ctx, boardID, uid, rbac.ActionCurate); err != nil {
		return err
	}
	pick, err := m.repo.Pick(ctx, boardID, pickID)
	if err != nil {
		return err
	}
	var errs []error
	if err := m.repo.DeleteAll(ctx, store.PickCommentsPath(boardID, pickID)); err != nil {
		errs = append(errs, err)
	}
	if err := m.db.Delete(ctx, store.PickPath(boardID, pickID)); err != nil {
		return errors.Join(append(errs, fmt.Errorf("delete pick: %w", err))...)
	}
	if pick.Storage != nil && pick.Storage.Path != "" {
		if err := m.blobs.Delete(ctx, pick.Storage.Path); err != nil {
			m.log.Warn().Err(err).Str("path", pick.Storage.Path).Msg("delete blob")
		}
	}
	return errors.Join(errs...)
}

func (m *Mutations) RatePick(ctx context.Context, uid, boardID, pickID string, rating int) error {
	if rating < 0 || rating > MaxRating {
		return ErrInvalidRating
	}
	if err := m.require(ctx, boardID, uid, rbac.ActionCurate); err != nil {
		return err
	}
	if err := m.db.Update(ctx, store.PickPath(boardID, pickID), docdb.Data{"rating": rating}); err != nil {
		return fmt.Errorf("rate pick: %w", err)
	}
	return nil
}

// ReorderPicks gives each listed pick its index as explicit order. Each
// write is independent; failures are joined.
func (m *Mutations) ReorderPicks(ctx context.Context, uid, boardID string, pickIDs []string) error {
	if err := m.require(ctx, boardID, uid, rbac.ActionCurate); err != nil {
		return err
	}
	var errs []error
	for i, id := range pickIDs {
		if err := m.db.Update(ctx, store.PickPath(boardID, id), docdb.Data{"order": float64(i)}); err != nil {
			errs = append(errs, fmt.Errorf("reorder %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// RefreshPickURL re-signs the pick's stored object and saves the new URL.
func (m *Mutations) RefreshPickURL(ctx context.Context, uid, boardID, pickID string) (string, error) {
	if err := m.require(ctx, boardID, uid, rbac.ActionCurate); err != nil {
		return "", err
	}
	pick, err := m.repo.Pick(ctx, boardID, pickID)
	if err != nil {
		return "", err
	}
	if pick.Storage == nil || pick.Storage.Path == "" {
		return "", ErrNotStored
	}
	url, err := m.blobs.SignedURL(ctx, pick.Storage.Path)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	if err := m.db.Update(ctx, store.PickPath(boardID, pickID), docdb.Data{"src": url}); err != nil {
		return "", fmt.Errorf("update pick url: %w", err)
	}
	return url, nil
}

func (m *Mutations) notify(ctx context.Context, boardID, uid string, p notify.Payload) {
	if m.notifier != nil {
		m.notifier.Dispatch(ctx, boardID, uid, p)
	}
}
