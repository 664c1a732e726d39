package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pixpick/api/internal/blobstore"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/notify"
	"pixpick/api/internal/rbac"
	"pixpick/api/internal/store"
)

const DefaultInlineLimit = 1 << 20

// Notifier is the fan-out side effect of a stored pick.
type Notifier interface {
	Dispatch(ctx context.Context, boardID, actorUID string, p notify.Payload)
}

// Prober checks whether a URL serves an image.
type Prober interface {
	Probe(ctx context.Context, rawURL string) bool
}

// Result reports what a payload turned into. Handled is false only for
// RouteNone, where the caller's default paste behaviour should apply.
type Result struct {
	Handled bool        `json:"handled"`
	Route   Route       `json:"route"`
	Pick    *store.Pick `json:"pick,omitempty"`
	Message string      `json:"message,omitempty"`
	Probed  *bool       `json:"probed,omitempty"`
}

type Ingester struct {
	db          docdb.Store
	repo        *store.Repo
	blobs       blobstore.Store
	notifier    Notifier
	prober      Prober
	inlineLimit int
	log         zerolog.Logger
}

func New(db docdb.Store, blobs blobstore.Store, notifier Notifier, prober Prober, inlineLimit int, logger zerolog.Logger) *Ingester {
	if blobs == nil {
		blobs = blobstore.Disabled{}
	}
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	return &Ingester{
		db:          db,
		repo:        store.NewRepo(db),
		blobs:       blobs,
		notifier:    notifier,
		prober:      prober,
		inlineLimit: inlineLimit,
		log:         logger,
	}
}

// Ingest classifies p and stores the resulting pick on the board.
// Rejected link shapes are handled without a write.
func (in *Ingester) Ingest(ctx context.Context, uid, boardID string, p Payload) (Result, error) {
	c := Classify(p)
	res := Result{Route: c.Route}
	switch c.Route {
	case RouteNone:
		return res, nil
	case RouteRejected:
		res.Handled = true
		res.Message = c.Message
		return res, nil
	}

	role, err := in.repo.Role(ctx, boardID, uid)
	if err != nil {
		return res, err
	}
	if err := rbac.Require(rbac.Normalize(role), rbac.ActionUpload); err != nil {
		return res, err
	}

	var (
		src  string
		meta *store.StorageMeta
	)
	switch c.Route {
	case RouteBinary:
		src, meta, err = in.binarySource(ctx, boardID, c.Item)
		if err != nil {
			return res, err
		}
	case RouteProbable:
		ok := in.prober != nil && in.prober.Probe(ctx, c.Text)
		if !ok {
			in.log.Debug().Str("url", c.Text).Msg("probe failed, storing anyway")
		}
		res.Probed = &ok
		src = c.Text
	default:
		src = c.Text
	}

	pick, err := in.store(ctx, uid, boardID, src, meta)
	if err != nil {
		if meta != nil {
			if delErr := in.blobs.Delete(ctx, meta.Path); delErr != nil {
				in.log.Warn().Err(delErr).Str("path", meta.Path).Msg("remove orphaned upload")
			}
		}
		return res, err
	}
	res.Handled = true
	res.Pick = &pick
	return res, nil
}

// binarySource inlines small images as data URIs and uploads the rest.
func (in *Ingester) binarySource(ctx context.Context, boardID string, item *Item) (string, *store.StorageMeta, error) {
	contentType := strings.ToLower(item.MIME)
	if len(item.Data) <= in.inlineLimit {
		return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(item.Data), nil, nil
	}

	objectPath := "boards/" + boardID + "/" + uuid.NewString() + extension(item)
	obj, err := in.blobs.Put(ctx, objectPath, bytes.NewReader(item.Data), int64(len(item.Data)), contentType)
	if err != nil {
		return "", nil, fmt.Errorf("upload image: %w", err)
	}
	url, err := in.blobs.SignedURL(ctx, obj.Path)
	if err != nil {
		if delErr := in.blobs.Delete(ctx, obj.Path); delErr != nil {
			in.log.Warn().Err(delErr).Str("path", obj.Path).Msg("remove unsigned upload")
		}
		return "", nil, fmt.Errorf("sign upload: %w", err)
	}
	return url, &store.StorageMeta{
		Provider:    obj.Provider,
		Path:        obj.Path,
		Size:        obj.Size,
		ContentType: obj.ContentType,
	}, nil
}

func (in *Ingester) store(ctx context.Context, uid, boardID, src string, meta *store.StorageMeta) (store.Pick, error) {
	id, err := in.db.Add(ctx, store.PicksPath(boardID), store.NewPickData(src, uid, meta))
	if err != nil {
		return store.Pick{}, fmt.Errorf("store pick: %w", err)
	}
	if err := in.repo.TouchBoard(ctx, boardID); err != nil {
		in.log.Warn().Err(err).Str("board_id", boardID).Msg("touch board")
	}
	if in.notifier != nil {
		in.notifier.Dispatch(ctx, boardID, uid, notify.Payload{Type: notify.TypeUpload, Text: "added a new image"})
	}

	pick := store.Pick{ID: id, BoardID: boardID, Src: src, CreatedBy: uid, Storage: meta}
	if stored, err := in.repo.Pick(ctx, boardID, id); err == nil {
		pick = stored
	}
	return pick, nil
}

var mimeExtensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
	"image/avif":    ".avif",
}

func extension(item *Item) string {
	if ext := strings.ToLower(path.Ext(item.Name)); imageExtensions[ext] {
		return ext
	}
	if ext, ok := mimeExtensions[strings.ToLower(item.MIME)]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(item.MIME); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
