package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pixpick/api/internal/blobstore"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/notify"
	"pixpick/api/internal/rbac"
	"pixpick/api/internal/store"
)

type recordingNotifier struct {
	calls []notify.Payload
}

func (r *recordingNotifier) Dispatch(ctx context.Context, boardID, actorUID string, p notify.Payload) {
	r.calls = append(r.calls, p)
}

type fakeProber struct {
	ok    bool
	calls int
}

func (f *fakeProber) Probe(ctx context.Context, rawURL string) bool {
	f.calls++
	return f.ok
}

type fixture struct {
	in       *Ingester
	db       *docdb.Memory
	blobs    *blobstore.Memory
	notifier *recordingNotifier
	prober   *fakeProber
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db := docdb.NewMemory(nil)
	if err := db.Set(ctx, store.BoardPath("b1"), docdb.Data{"title": "Board", "ownerId": "owner"}); err != nil {
		t.Fatalf("seed board: %v", err)
	}
	if err := db.Set(ctx, store.CollaboratorPath("b1", "vi"), store.Collaborator{UID: "vi", Role: "viewer", BoardID: "b1"}.Data()); err != nil {
		t.Fatalf("seed viewer: %v", err)
	}
	f := fixture{db: db, blobs: blobstore.NewMemory(), notifier: &recordingNotifier{}, prober: &fakeProber{}}
	f.in = New(db, f.blobs, f.notifier, f.prober, 1<<20, zerolog.Nop())
	return f
}

func (f fixture) picks(t *testing.T) []store.Pick {
	t.Helper()
	picks, err := store.NewRepo(f.db).Picks(context.Background(), "b1")
	if err != nil {
		t.Fatalf("list picks: %v", err)
	}
	return picks
}

func TestIngestDirectURL(t *testing.T) {
	f := newFixture(t)
	res, err := f.in.Ingest(context.Background(), "owner", "b1", Payload{Text: "https://example.com/cat.png"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !res.Handled || res.Route != RouteImageURL || res.Pick == nil || res.Pick.Src != "https://example.com/cat.png" {
		t.Fatalf("result = %+v", res)
	}
	board, _ := store.NewRepo(f.db).Board(context.Background(), "b1")
	if board.UpdatedAt.IsZero() {
		t.Fatal("board updatedAt not touched")
	}
	if len(f.notifier.calls) != 1 || f.notifier.calls[0].Type != notify.TypeUpload {
		t.Fatalf("notifications = %+v", f.notifier.calls)
	}
}

func TestIngestRejectedWritesNothing(t *testing.T) {
	f := newFixture(t)
	res, err := f.in.Ingest(context.Background(), "owner", "b1", Payload{Text: "https://www.google.com/url?sa=i&url=x"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !res.Handled || res.Route != RouteRejected || res.Message == "" {
		t.Fatalf("result = %+v", res)
	}
	if picks := f.picks(t); len(picks) != 0 || len(f.notifier.calls) != 0 {
		t.Fatalf("rejected link wrote %d picks", len(picks))
	}
}

func TestIngestPlainTextNotHandled(t *testing.T) {
	f := newFixture(t)
	res, err := f.in.Ingest(context.Background(), "owner", "b1", Payload{Text: "remember the milk"})
	if err != nil || res.Handled || res.Route != RouteNone {
		t.Fatalf("Ingest() = %+v, %v", res, err)
	}
}

func TestIngestSmallImageInline(t *testing.T) {
	f := newFixture(t)
	data := []byte("tiny-png")
	res, err := f.in.Ingest(context.Background(), "owner", "b1", Payload{Items: []Item{{MIME: "image/png", Data: data}}})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !strings.HasPrefix(res.Pick.Src, "data:image/png;base64,") || res.Pick.Storage != nil {
		t.Fatalf("pick = %+v", res.Pick)
	}
}

func TestIngestLargeImageUploads(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte{1}, 2<<20)
	res, err := f.in.Ingest(context.Background(), "owner", "b1", Payload{Items: []Item{{MIME: "image/jpeg", Name: "shot.jpg", Data: data}}})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	pick := res.Pick
	if pick.Storage == nil || pick.Storage.Size != int64(len(data)) || pick.Storage.ContentType != "image/jpeg" {
		t.Fatalf("storage = %+v", pick.Storage)
	}
	if !strings.HasPrefix(pick.Storage.Path, "boards/b1/") || !strings.HasSuffix(pick.Storage.Path, ".jpg") {
		t.Fatalf("object path = %q", pick.Storage.Path)
	}
	if strings.HasPrefix(pick.Src, "data:") {
		t.Fatal("large image stored inline")
	}
	if _, ok := f.blobs.Object(pick.Storage.Path); !ok {
		t.Fatal("object not uploaded")
	}
}

func TestIngestLargeImageWithoutBlobStorage(t *testing.T) {
	f := newFixture(t)
	in := New(f.db, nil, f.notifier, f.prober, 1<<20, zerolog.Nop())
	data := bytes.Repeat([]byte{1}, 2<<20)
	_, err := in.Ingest(context.Background(), "owner", "b1", Payload{Items: []Item{{MIME: "image/png", Data: data}}})
	if !errors.Is(err, blobstore.ErrDisabled) {
		t.Fatalf("Ingest() error = %v, want ErrDisabled", err)
	}
	if picks := f.picks(t); len(picks) != 0 {
		t.Fatal("pick stored without an upload")
	}
}

func TestIngestProbableStoresEvenWhenProbeFails(t *testing.T) {
	f := newFixture(t)
	res, err := f.in.Ingest(context.Background(), "owner", "b1", Payload{Text: "https://i.pinimg.com/originals/ab/cd"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !res.Handled || res.Probed == nil || *res.Probed || f.prober.calls != 1 {
		t.Fatalf("result = %+v, probe calls = %d", res, f.prober.calls)
	}
	if picks := f.picks(t); len(picks) != 1 {
		t.Fatalf("picks = %d", len(picks))
	}
}

func TestIngestReportsStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.db.FailWrites(func(op, path string) error {
		if strings.HasPrefix(path, store.PicksPath("b1")) {
			return errors.New("quota exceeded")
		}
		return nil
	})
	if _, err := f.in.Ingest(context.Background(), "owner", "b1", Payload{Text: "https://i.pinimg.com/x"}); err == nil {
		t.Fatal("expected store error")
	}
	if len(f.notifier.calls) != 0 {
		t.Fatal("notified about a failed store")
	}
}

func TestIngestRequiresUploadRole(t *testing.T) {
	f := newFixture(t)
	_, err := f.in.Ingest(context.Background(), "vi", "b1", Payload{Text: "https://example.com/cat.png"})
	if !errors.Is(err, rbac.ErrForbidden) {
		t.Fatalf("Ingest(viewer) error = %v", err)
	}
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img":
			w.Header().Set("Content-Type", "image/webp")
		case "/get-only":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "image/png")
		case "/page":
			w.Header().Set("Content-Type", "text/html")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.Client(), time.Second)
	cases := map[string]bool{"/img": true, "/get-only": true, "/page": false, "/missing": false}
	for path, want := range cases {
		if got := p.Probe(context.Background(), srv.URL+path); got != want {
			t.Fatalf("Probe(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestHTTPProberRefusesNonPublicAddresses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
	}))
	defer srv.Close()

	p := NewHTTPProber(nil, time.Second)
	if p.Probe(context.Background(), srv.URL+"/admin/internal?w=1") {
		t.Fatal("Probe(loopback) = true")
	}
	if p.Probe(context.Background(), "http://169.254.169.254/latest/meta-data?w=1") {
		t.Fatal("Probe(link-local) = true")
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("loopback server saw %d requests", n)
	}
}

func TestPublicAddr(t *testing.T) {
	cases := map[string]bool{
		"93.184.216.34":    true,
		"2606:4700::1111":  true,
		"127.0.0.1":        false,
		"10.1.2.3":         false,
		"172.16.0.9":       false,
		"192.168.1.1":      false,
		"169.254.169.254":  false,
		"100.64.0.1":       false,
		"0.0.0.0":          false,
		"::1":              false,
		"fe80::1":          false,
		"fd00::1":          false,
		"::ffff:127.0.0.1": false,
		"224.0.0.1":        false,
	}
	for raw, want := range cases {
		if got := publicAddr(netip.MustParseAddr(raw)); got != want {
			t.Fatalf("publicAddr(%s) = %v, want %v", raw, got, want)
		}
	}
	if err := guardDial("tcp", "127.0.0.1:80", nil); !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("guardDial(loopback) error = %v", err)
	}
}
