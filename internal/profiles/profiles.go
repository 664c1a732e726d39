// Package profiles resolves user ids to display profiles through a
// persistent cache that is trusted for a fixed freshness window.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pixpick/api/internal/cache"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/store"
)

// UnknownName is shown for any user whose record cannot be fetched.
const UnknownName = "Unknown"

const keyPrefix = "profile:"

type Profile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
	Email       string `json:"email,omitempty"`
}

// Unknown is the placeholder profile. It is never written to the cache.
func Unknown(uid string) Profile {
	return Profile{UID: uid, DisplayName: UnknownName}
}

type entry struct {
	DisplayName string    `json:"displayName"`
	PhotoURL    string    `json:"photoURL"`
	Email       string    `json:"email,omitempty"`
	CachedAt    time.Time `json:"cachedAt"`
}

type Cache struct {
	db  docdb.Store
	kv  cache.Cache
	ttl time.Duration
	now func() time.Time
	log zerolog.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(db docdb.Store, kv cache.Cache, ttl time.Duration, logger zerolog.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &Cache{db: db, kv: kv, ttl: ttl, now: time.Now, log: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns uid's profile, from the cache when the entry is younger than
// the freshness window and otherwise from the user record. It never fails:
// any fetch problem yields Unknown(uid).
func (c *Cache) Get(ctx context.Context, uid string) Profile {
	if e, ok := c.lookup(ctx, uid); ok && c.fresh(e) {
		return e.profile(uid)
	}
	doc, err := c.db.Get(ctx, store.UserPath(uid))
	if err != nil {
		if !errors.Is(err, docdb.ErrNotFound) {
			c.log.Warn().Err(err).Str("uid", uid).Msg("profile fetch failed")
		}
		return Unknown(uid)
	}
	return c.remember(ctx, store.UserFromDoc(doc))
}

// Cached returns whatever the cache holds for uids, stale or not, with
// Unknown for the rest. It does no remote reads.
func (c *Cache) Cached(ctx context.Context, uids []string) map[string]Profile {
	out := make(map[string]Profile, len(uids))
	for _, uid := range unique(uids) {
		if e, ok := c.lookup(ctx, uid); ok {
			out[uid] = e.profile(uid)
		} else {
			out[uid] = Unknown(uid)
		}
	}
	return out
}

// Resolve returns profiles for uids, fetching the ones without a fresh
// cache entry in chunks of docdb.MaxInValues. Users missing from the store
// resolve to Unknown. Uids in a chunk whose fetch failed are left out of
// the result and reported in the returned error.
func (c *Cache) Resolve(ctx context.Context, uids []string) (map[string]Profile, error) {
	out := map[string]Profile{}
	var missing []string
	for _, uid := range unique(uids) {
		if e, ok := c.lookup(ctx, uid); ok && c.fresh(e) {
			out[uid] = e.profile(uid)
			continue
		}
		missing = append(missing, uid)
	}

	var errs []error
	for start := 0; start < len(missing); start += docdb.MaxInValues {
		end := min(start+docdb.MaxInValues, len(missing))
		chunk := missing[start:end]
		values := make([]any, len(chunk))
		for i, uid := range chunk {
			values[i] = uid
		}
		docs, err := c.db.Query(ctx, docdb.Collection(store.Users).Where("uid", docdb.OpIn, values))
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch profiles %v: %w", chunk, err))
			continue
		}
		for _, doc := range docs {
			user := store.UserFromDoc(doc)
			out[user.UID] = c.remember(ctx, user)
		}
		for _, uid := range chunk {
			if _, ok := out[uid]; !ok {
				out[uid] = Unknown(uid)
			}
		}
	}
	return out, errors.Join(errs...)
}

// Batch returns cached profiles immediately and resolves fresh ones in the
// background, handing the merged set to onFresh once done. Callers render
// the first result and replace it when onFresh fires.
func (c *Cache) Batch(ctx context.Context, uids []string, onFresh func(map[string]Profile)) map[string]Profile {
	cached := c.Cached(ctx, uids)
	go func() {
		fresh, err := c.Resolve(ctx, uids)
		if err != nil {
			c.log.Warn().Err(err).Int("uids", len(uids)).Msg("profile batch partially failed")
		}
		if ctx.Err() != nil || onFresh == nil {
			return
		}
		merged := make(map[string]Profile, len(cached))
		for uid, p := range cached {
			merged[uid] = p
		}
		for uid, p := range fresh {
			merged[uid] = p
		}
		onFresh(merged)
	}()
	return cached
}

// Forget drops uid's cache entry, e.g. after the user edits their profile.
func (c *Cache) Forget(ctx context.Context, uid string) {
	if err := c.kv.Delete(ctx, keyPrefix+uid); err != nil {
		c.log.Warn().Err(err).Str("uid", uid).Msg("profile cache delete failed")
	}
}

func (c *Cache) remember(ctx context.Context, user store.User) Profile {
	if user.DisplayName == "" {
		p := Unknown(user.UID)
		p.PhotoURL = user.PhotoURL
		return p
	}
	e := entry{DisplayName: user.DisplayName, PhotoURL: user.PhotoURL, Email: user.Email, CachedAt: c.now().UTC()}
	raw, err := json.Marshal(e)
	if err == nil {
		err = c.kv.Set(ctx, keyPrefix+user.UID, string(raw), 0)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("uid", user.UID).Msg("profile cache write failed")
	}
	return e.profile(user.UID)
}

func (c *Cache) lookup(ctx context.Context, uid string) (entry, bool) {
	raw, ok, err := c.kv.Get(ctx, keyPrefix+uid)
	if err != nil {
		c.log.Warn().Err(err).Str("uid", uid).Msg("profile cache read failed")
		return entry{}, false
	}
	if !ok {
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.DisplayName == "" {
		return entry{}, false
	}
	return e, true
}

func (c *Cache) fresh(e entry) bool {
	return c.now().Sub(e.CachedAt) < c.ttl
}

func (e entry) profile(uid string) Profile {
	return Profile{UID: uid, DisplayName: e.DisplayName, PhotoURL: e.PhotoURL, Email: e.Email}
}

func unique(uids []string) []string {
	seen := make(map[string]bool, len(uids))
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}
