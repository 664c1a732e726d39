package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pixpick/api/internal/blobstore"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/rbac"
	"pixpick/api/internal/search"
	"pixpick/api/internal/store"
)

// tickingClock advances one minute per reading so every write gets a
// distinct server time.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func newTestDirectory(t *testing.T) (*Directory, *docdb.Memory, *blobstore.Memory) {
	t.Helper()
	db := docdb.NewMemory(tickingClock())
	blobs := blobstore.NewMemory()
	return New(db, blobs, search.NewService(nil, zerolog.Nop()), zerolog.Nop()), db, blobs
}

func mustCreate(t *testing.T, d *Directory, uid, title string) store.Board {
	t.Helper()
	board, created, err := d.Create(context.Background(), uid, title)
	if err != nil || !created {
		t.Fatalf("Create(%q) = %v, %v", title, created, err)
	}
	return board
}

func TestListMineNewestFirst(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	first := mustCreate(t, d, "u1", "First")
	second := mustCreate(t, d, "u1", "Second")
	mustCreate(t, d, "u2", "Not mine")

	boards, err := d.List(ctx, "u1", FilterMine)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(boards) != 2 || boards[0].ID != second.ID || boards[1].ID != first.ID {
		t.Fatalf("List(mine) = %+v", boards)
	}
	for _, b := range boards {
		if b.OwnerID != "u1" {
			t.Fatalf("foreign board in mine: %+v", b)
		}
	}
}

func TestCreateWritesOwnerRecord(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "  Trip  ")
	if board.Title != "Trip" || board.CreatedAt.IsZero() {
		t.Fatalf("unexpected board: %+v", board)
	}
	doc, err := db.Get(ctx, store.CollaboratorPath(board.ID, "u1"))
	if err != nil {
		t.Fatalf("owner record missing: %v", err)
	}
	if c := store.CollaboratorFromDoc(doc); c.Role != "owner" || c.BoardTitle != "Trip" {
		t.Fatalf("unexpected owner record: %+v", c)
	}
}

func TestCreateBlankTitleIsNoop(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	_, created, err := d.Create(ctx, "u1", "   ")
	if err != nil || created {
		t.Fatalf("Create(blank) = %v, %v", created, err)
	}
	boards, _ := d.List(ctx, "u1", FilterAll)
	if len(boards) != 0 {
		t.Fatalf("boards = %+v", boards)
	}
}

func TestCreateSurfacesOwnerRecordFailure(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t)
	db.FailWrites(func(op, path string) error {
		if strings.Contains(path, "/collaborators/") {
			return errors.New("permission denied")
		}
		return nil
	})
	board, created, err := d.Create(ctx, "u1", "Orphan")
	if err == nil || !created {
		t.Fatalf("Create() = %v, %v; want created with error", created, err)
	}
	if _, getErr := db.Get(ctx, store.BoardPath(board.ID)); getErr != nil {
		t.Fatalf("board should remain after partial create: %v", getErr)
	}
}

func TestSharedAndAll(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	mine := mustCreate(t, d, "u1", "Mine")
	theirs := mustCreate(t, d, "u2", "Theirs")
	if _, err := d.AddCollaborator(ctx, "u2", theirs.ID, "u1", "viewer"); err != nil {
		t.Fatalf("AddCollaborator() error = %v", err)
	}

	shared, err := d.List(ctx, "u1", FilterShared)
	if err != nil {
		t.Fatalf("List(shared) error = %v", err)
	}
	if len(shared) != 1 || shared[0].ID != theirs.ID {
		t.Fatalf("List(shared) = %+v", shared)
	}

	all, _ := d.List(ctx, "u1", FilterAll)
	if len(all) != 2 || all[0].ID != theirs.ID || all[1].ID != mine.ID {
		t.Fatalf("List(all) = %+v", all)
	}
}

func TestAllKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "Both")
	// An owner who also holds a non-owner collaborator record shows up in
	// both source lists.
	c := store.Collaborator{UID: "u1", Role: "editor", BoardID: board.ID, BoardTitle: "Both", OwnerID: "u1"}
	if err := db.Set(ctx, store.CollaboratorPath(board.ID, "u1"), c.Data()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	all, _ := d.List(ctx, "u1", FilterAll)
	if len(all) != 2 {
		t.Fatalf("List(all) = %+v, want the board twice", all)
	}
}

func TestSharedSkipsOrphans(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t)
	c := store.Collaborator{UID: "u1", Role: "editor", BoardID: "gone", OwnerID: "u9"}
	if err := db.Set(ctx, store.CollaboratorPath("gone", "u1"), c.Data()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	shared, err := d.List(ctx, "u1", FilterShared)
	if err != nil || len(shared) != 0 {
		t.Fatalf("List(shared) = %+v, %v", shared, err)
	}
}

func TestListRejectsUnknownFilter(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	if _, err := d.List(context.Background(), "u1", Filter("everything")); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("List() error = %v", err)
	}
	if _, err := ParseFilter("bogus"); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("ParseFilter() error = %v", err)
	}
	if f, _ := ParseFilter(""); f != FilterAll {
		t.Fatalf("ParseFilter(\"\") = %q", f)
	}
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "draft")

	changed, err := d.Rename(ctx, "u1", board.ID, "  hello ")
	if err != nil || !changed {
		t.Fatalf("Rename() = %v, %v", changed, err)
	}
	doc, _ := db.Get(ctx, store.BoardPath(board.ID))
	if got := doc.Data.String("title"); got != "Hello" {
		t.Fatalf("title = %q, want Hello", got)
	}
	owner, _ := db.Get(ctx, store.CollaboratorPath(board.ID, "u1"))
	if got := owner.Data.String("boardTitle"); got != "Hello" {
		t.Fatalf("collaborator boardTitle = %q", got)
	}

	changed, err = d.Rename(ctx, "u1", board.ID, "   ")
	if err != nil || changed {
		t.Fatalf("Rename(blank) = %v, %v", changed, err)
	}
	doc, _ = db.Get(ctx, store.BoardPath(board.ID))
	if got := doc.Data.String("title"); got != "Hello" {
		t.Fatalf("title after blank rename = %q", got)
	}
}

func TestRenameRequiresOwner(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "Board")
	if _, err := d.AddCollaborator(ctx, "u1", board.ID, "u2", "editor"); err != nil {
		t.Fatalf("AddCollaborator() error = %v", err)
	}
	if _, err := d.Rename(ctx, "u2", board.ID, "Mine now"); !errors.Is(err, rbac.ErrForbidden) {
		t.Fatalf("Rename(editor) error = %v", err)
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := map[string]string{
		"  hello ": "Hello",
		"élan":     "Élan",
		"Already":  "Already",
		"   ":      "",
	}
	for in, want := range cases {
		if got := NormalizeTitle(in); got != want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func seedPick(t *testing.T, db docdb.Store, boardID, pickID string, storage *store.StorageMeta) {
	t.Helper()
	ctx := context.Background()
	if err := db.Set(ctx, store.PickPath(boardID, pickID), store.NewPickData("https://img.test/"+pickID+".png", "u1", storage)); err != nil {
		t.Fatalf("seed pick: %v", err)
	}
	if _, err := db.Add(ctx, store.PickCommentsPath(boardID, pickID), docdb.Data{"text": "nice", "createdBy": "u1"}); err != nil {
		t.Fatalf("seed pick comment: %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	d, db, blobs := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "Doomed")
	if _, err := d.AddCollaborator(ctx, "u1", board.ID, "u2", "editor"); err != nil {
		t.Fatalf("AddCollaborator() error = %v", err)
	}
	obj, _ := blobs.Put(ctx, "boards/"+board.ID+"/big.png", strings.NewReader("png"), 3, "image/png")
	seedPick(t, db, board.ID, "p1", &store.StorageMeta{Provider: "memory", Path: obj.Path, Size: 3, ContentType: "image/png"})
	seedPick(t, db, board.ID, "p2", nil)
	if _, err := db.Add(ctx, store.BoardCommentsPath(board.ID), docdb.Data{"text": "hi", "createdBy": "u2"}); err != nil {
		t.Fatalf("seed comment: %v", err)
	}

	if err := d.Delete(ctx, "u1", board.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for _, coll := range []string{
		store.PicksPath(board.ID),
		store.CollaboratorsPath(board.ID),
		store.BoardCommentsPath(board.ID),
		store.PickCommentsPath(board.ID, "p1"),
		store.PickCommentsPath(board.ID, "p2"),
	} {
		docs, err := db.Query(ctx, docdb.Collection(coll))
		if err != nil || len(docs) != 0 {
			t.Fatalf("%s still has %d docs (err %v)", coll, len(docs), err)
		}
	}
	if _, err := db.Get(ctx, store.BoardPath(board.ID)); !errors.Is(err, docdb.ErrNotFound) {
		t.Fatalf("board still present: %v", err)
	}
	if _, ok := blobs.Object(obj.Path); ok {
		t.Fatal("blob object not deleted")
	}
	shared, _ := d.List(ctx, "u2", FilterShared)
	if len(shared) != 0 {
		t.Fatalf("deleted board still shared: %+v", shared)
	}
}

func TestDeleteReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "Sticky")
	seedPick(t, db, board.ID, "p1", nil)
	seedPick(t, db, board.ID, "p2", nil)
	db.FailWrites(func(op, path string) error {
		if op == "delete" && path == store.PickPath(board.ID, "p1") {
			return errors.New("unavailable")
		}
		return nil
	})

	err := d.Delete(ctx, "u1", board.ID)
	if !errors.Is(err, ErrCascade) {
		t.Fatalf("Delete() error = %v, want ErrCascade", err)
	}
	if _, err := db.Get(ctx, store.BoardPath(board.ID)); !errors.Is(err, docdb.ErrNotFound) {
		t.Fatal("later cascade steps should still run")
	}
	if _, err := db.Get(ctx, store.PickPath(board.ID, "p1")); err != nil {
		t.Fatalf("failed pick should remain: %v", err)
	}
}

func TestDeleteRequiresOwner(t *testing.T) {
	ctx := context.Background()
	d, db, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "Mine")
	if err := d.Delete(ctx, "u2", board.ID); !errors.Is(err, rbac.ErrForbidden) {
		t.Fatalf("Delete(stranger) error = %v", err)
	}
	if _, err := db.Get(ctx, store.BoardPath(board.ID)); err != nil {
		t.Fatalf("board removed by stranger: %v", err)
	}
}

func TestCollaboratorRules(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "Shared")

	if _, err := d.AddCollaborator(ctx, "u1", board.ID, "u2", "owner"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("AddCollaborator(owner role) error = %v", err)
	}
	if _, err := d.AddCollaborator(ctx, "u1", board.ID, "u1", "viewer"); !errors.Is(err, ErrOwnerRecord) {
		t.Fatalf("AddCollaborator(owner uid) error = %v", err)
	}
	if err := d.RemoveCollaborator(ctx, "u1", board.ID, "u1"); !errors.Is(err, ErrOwnerRecord) {
		t.Fatalf("RemoveCollaborator(owner) error = %v", err)
	}
	if _, err := d.AddCollaborator(ctx, "u1", board.ID, "u2", "Editor"); err != nil {
		t.Fatalf("AddCollaborator() error = %v", err)
	}
	if err := d.RemoveCollaborator(ctx, "u1", board.ID, "u2"); err != nil {
		t.Fatalf("RemoveCollaborator() error = %v", err)
	}
	shared, _ := d.List(ctx, "u2", FilterShared)
	if len(shared) != 0 {
		t.Fatalf("removed collaborator still sees %+v", shared)
	}
}

func TestContacts(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	board := mustCreate(t, d, "u1", "Shared")
	mustCreate(t, d, "u4", "Elsewhere")
	if _, err := d.AddCollaborator(ctx, "u1", board.ID, "u2", "viewer"); err != nil {
		t.Fatalf("AddCollaborator(u2) error = %v", err)
	}
	if _, err := d.AddCollaborator(ctx, "u1", board.ID, "u3", "editor"); err != nil {
		t.Fatalf("AddCollaborator(u3) error = %v", err)
	}

	contacts, err := d.Contacts(ctx, "u2")
	if err != nil {
		t.Fatalf("Contacts() error = %v", err)
	}
	for _, uid := range []string{"u1", "u2", "u3"} {
		if !contacts[uid] {
			t.Fatalf("Contacts(u2) missing %s: %v", uid, contacts)
		}
	}
	if contacts["u4"] {
		t.Fatalf("Contacts(u2) includes a stranger: %v", contacts)
	}
}

func TestSearchFallbackScopesToMember(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	mustCreate(t, d, "u1", "Summer moodboard")
	mustCreate(t, d, "u1", "Winter")
	mustCreate(t, d, "u2", "Moody stranger board")

	hits := d.Search(ctx, "u1", "MOOD", 10)
	if len(hits) != 1 || hits[0].Title != "Summer moodboard" {
		t.Fatalf("Search() = %+v", hits)
	}
}

func TestSortBoardsPendingFirst(t *testing.T) {
	now := time.Now()
	boards := []store.Board{
		{ID: "old", CreatedAt: now.Add(-time.Hour)},
		{ID: "pending"},
		{ID: "new", CreatedAt: now},
	}
	SortBoards(boards)
	if boards[0].ID != "pending" || boards[1].ID != "new" || boards[2].ID != "old" {
		t.Fatalf("order = %v %v %v", boards[0].ID, boards[1].ID, boards[2].ID)
	}
}
