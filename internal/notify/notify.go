// Package notify writes per-recipient notifications when collaborators act
// on a board, and serves each user's inbox.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pixpick/api/internal/docdb"
	"pixpick/api/internal/store"
)

const (
	TypeComment      = "comment"
	TypeImageComment = "imageComment"
	TypeUpload       = "upload"
)

const defaultInboxLimit = 50

type Payload struct {
	Type string
	Text string
	// URL overrides the default link to the board.
	URL string
}

type Fanout struct {
	db        docdb.Store
	repo      *store.Repo
	publicURL string
	timeout   time.Duration
	log       zerolog.Logger
	inflight  sync.WaitGroup
}

func New(db docdb.Store, publicURL string, logger zerolog.Logger) *Fanout {
	return &Fanout{
		db:        db,
		repo:      store.NewRepo(db),
		publicURL: publicURL,
		timeout:   10 * time.Second,
		log:       logger,
	}
}

// Notify writes one notification to every collaborator of the board except
// the actor. Each write is independent: a failed recipient does not stop
// the others. It returns how many were written and the joined failures.
func (f *Fanout) Notify(ctx context.Context, boardID, actorUID string, p Payload) (int, error) {
	collaborators, err := f.repo.Collaborators(ctx, boardID)
	if err != nil {
		return 0, fmt.Errorf("resolve recipients: %w", err)
	}
	url := p.URL
	if url == "" {
		url = f.publicURL + "/boards/" + boardID
	}

	sent := 0
	var errs []error
	for _, c := range collaborators {
		if c.UID == "" || c.UID == actorUID {
			continue
		}
		_, err := f.db.Add(ctx, store.NotificationsPath(c.UID), docdb.Data{
			"type":      p.Type,
			"text":      p.Text,
			"boardId":   boardID,
			"actor":     actorUID,
			"url":       url,
			"read":      false,
			"createdAt": docdb.ServerTimestamp,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", c.UID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Dispatch runs Notify in the background. The caller's cancellation does
// not abort it; failures are only logged.
func (f *Fanout) Dispatch(ctx context.Context, boardID, actorUID string, p Payload) {
	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		sent, err := f.Notify(ctx, boardID, actorUID, p)
		if err != nil {
			f.log.Warn().Err(err).Str("board_id", boardID).Str("type", p.Type).Int("sent", sent).Msg("notification fan-out incomplete")
			return
		}
		f.log.Debug().Str("board_id", boardID).Str("type", p.Type).Int("sent", sent).Msg("notifications sent")
	}()
}

// Wait blocks until every dispatched fan-out has finished.
func (f *Fanout) Wait() {
	f.inflight.Wait()
}

// Inbox is a user's newest notifications plus the unread total.
type Inbox struct {
	Items  []store.Notification `json:"items"`
	Unread int                  `json:"unread"`
}

func (f *Fanout) List(ctx context.Context, uid string, limit int) ([]store.Notification, error) {
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	docs, err := f.db.Query(ctx, docdb.Collection(store.NotificationsPath(uid)).OrderBy("createdAt", true).Take(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]store.Notification, 0, len(docs))
	for _, doc := range docs {
		out = append(out, store.NotificationFromDoc(doc))
	}
	return out, nil
}

func (f *Fanout) MarkRead(ctx context.Context, uid, id string) error {
	if err := f.db.Update(ctx, docdb.Join(store.NotificationsPath(uid), id), docdb.Data{"read": true}); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (f *Fanout) MarkAllRead(ctx context.Context, uid string) (int, error) {
	docs, err := f.db.Query(ctx, docdb.Collection(store.NotificationsPath(uid)).Where("read", docdb.OpEqual, false))
	if err != nil {
		return 0, fmt.Errorf("list unread notifications: %w", err)
	}
	marked := 0
	var errs []error
	for _, doc := range docs {
		if err := f.db.Update(ctx, doc.Path, docdb.Data{"read": true}); err != nil {
			errs = append(errs, err)
			continue
		}
		marked++
	}
	return marked, errors.Join(errs...)
}

// Watch streams uid's inbox. fn receives at most limit items, newest first,
// and the unread count across the whole inbox.
func (f *Fanout) Watch(ctx context.Context, uid string, limit int, fn func(Inbox, error)) (docdb.Subscription, error) {
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	q := docdb.Collection(store.NotificationsPath(uid)).OrderBy("createdAt", true)
	return f.db.Watch(ctx, q, func(snap docdb.QuerySnapshot) {
		if snap.Err != nil {
			fn(Inbox{}, snap.Err)
			return
		}
		inbox := Inbox{Items: make([]store.Notification, 0, min(limit, len(snap.Docs)))}
		for _, doc := range snap.Docs {
			n := store.NotificationFromDoc(doc)
			if !n.Read {
				inbox.Unread++
			}
			if len(inbox.Items) < limit {
				inbox.Items = append(inbox.Items, n)
			}
		}
		fn(inbox, nil)
	})
}
