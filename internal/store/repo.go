package store

import (
	"context"
	"errors"
	"fmt"

	"pixpick/api/internal/docdb"
)

// Repo bundles the reads several components share.
type Repo struct {
	db docdb.Store
}

func NewRepo(db docdb.Store) *Repo {
	return &Repo{db: db}
}

func (r *Repo) DB() docdb.Store {
	return r.db
}

func (r *Repo) Board(ctx context.Context, boardID string) (Board, error) {
	doc, err := r.db.Get(ctx, BoardPath(boardID))
	if err != nil {
		return Board{}, err
	}
	return BoardFromDoc(doc), nil
}

func (r *Repo) Collaborators(ctx context.Context, boardID string) ([]Collaborator, error) {
	docs, err := r.db.Query(ctx, docdb.Collection(CollaboratorsPath(boardID)))
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	out := make([]Collaborator, 0, len(docs))
	for _, doc := range docs {
		out = append(out, CollaboratorFromDoc(doc))
	}
	return out, nil
}

// Role returns uid's role on the board, "" when uid is not a collaborator.
// The board owner is always "owner", even if the owner record was never
// written.
func (r *Repo) Role(ctx context.Context, boardID, uid string) (string, error) {
	board, err := r.Board(ctx, boardID)
	if err != nil {
		return "", err
	}
	if board.OwnerID == uid {
		return "owner", nil
	}
	doc, err := r.db.Get(ctx, CollaboratorPath(boardID, uid))
	if errors.Is(err, docdb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup collaborator: %w", err)
	}
	return CollaboratorFromDoc(doc).Role, nil
}

func (r *Repo) Picks(ctx context.Context, boardID string) ([]Pick, error) {
	docs, err := r.db.Query(ctx, docdb.Collection(PicksPath(boardID)))
	if err != nil {
		return nil, fmt.Errorf("list picks: %w", err)
	}
	out := make([]Pick, 0, len(docs))
	for _, doc := range docs {
		out = append(out, PickFromDoc(boardID, doc))
	}
	return out, nil
}

func (r *Repo) Pick(ctx context.Context, boardID, pickID string) (Pick, error) {
	doc, err := r.db.Get(ctx, PickPath(boardID, pickID))
	if err != nil {
		return Pick{}, err
	}
	return PickFromDoc(boardID, doc), nil
}

// TouchBoard bumps the board's updatedAt to the server time.
func (r *Repo) TouchBoard(ctx context.Context, boardID string) error {
	if err := r.db.Update(ctx, BoardPath(boardID), docdb.Data{"updatedAt": docdb.ServerTimestamp}); err != nil {
		return fmt.Errorf("touch board: %w", err)
	}
	return nil
}

// DeleteAll removes every document in collection one by one. It keeps
// going after a failed delete and returns the joined failures.
func (r *Repo) DeleteAll(ctx context.Context, collection string) error {
	docs, err := r.db.Query(ctx, docdb.Collection(collection))
	if err != nil {
		return fmt.Errorf("list %s: %w", collection, err)
	}
	var errs []error
	for _, doc := range docs {
		if err := r.db.Delete(ctx, doc.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
