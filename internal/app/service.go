package app

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"pixpick/api/internal/boardsync"
	"pixpick/api/internal/directory"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/identity"
	"pixpick/api/internal/ingest"
	"pixpick/api/internal/notify"
	"pixpick/api/internal/profiles"
	"pixpick/api/internal/rbac"
	"pixpick/api/internal/store"
)

// Deps are the components a Service fronts. Local is nil when sign-in goes
// through an external identity provider.
type Deps struct {
	DB        docdb.Store
	Sessions  *identity.Manager
	Local     *identity.LocalProvider
	Directory *directory.Directory
	Mutations *boardsync.Mutations
	Ingester  *ingest.Ingester
	Profiles  *profiles.Cache
	Fanout    *notify.Fanout
	Logger    zerolog.Logger
}

type Service struct {
	db        docdb.Store
	repo      *store.Repo
	sessions  *identity.Manager
	local     *identity.LocalProvider
	directory *directory.Directory
	mutations *boardsync.Mutations
	ingester  *ingest.Ingester
	profiles  *profiles.Cache
	fanout    *notify.Fanout
	log       zerolog.Logger
}

func NewService(deps Deps) *Service {
	return &Service{
		db:        deps.DB,
		repo:      store.NewRepo(deps.DB),
		sessions:  deps.Sessions,
		local:     deps.Local,
		directory: deps.Directory,
		mutations: deps.Mutations,
		ingester:  deps.Ingester,
		profiles:  deps.Profiles,
		fanout:    deps.Fanout,
		log:       deps.Logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) SignIn(ctx context.Context, idToken string) (identity.Session, error) {
	return s.sessions.SignIn(ctx, idToken)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (identity.Identity, error) {
	return s.sessions.Current(ctx, token)
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.SignOut(ctx, token)
}

func (s *Service) localProvider() (*identity.LocalProvider, error) {
	if s.local == nil {
		return nil, domainError(http.StatusNotFound, "LOCAL_AUTH_DISABLED", "Password accounts are not enabled", nil)
	}
	return s.local, nil
}

func (s *Service) SignUp(ctx context.Context, req identity.SignUpRequest) (string, error) {
	local, err := s.localProvider()
	if err != nil {
		return "", err
	}
	return local.SignUp(ctx, req)
}

// AccountToken exchanges local credentials for an ID token the session
// endpoint accepts.
func (s *Service) AccountToken(ctx context.Context, email, password string) (string, error) {
	local, err := s.localProvider()
	if err != nil {
		return "", err
	}
	return local.SignIn(ctx, email, password)
}

// ListBoards searches when text is set and lists by filter otherwise.
func (s *Service) ListBoards(ctx context.Context, uid, filter, text string, limit int) (any, error) {
	if text != "" {
		return s.directory.Search(ctx, uid, text, limit), nil
	}
	f, err := directory.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	boards, err := s.directory.List(ctx, uid, f)
	if err != nil {
		return nil, err
	}
	return boards, nil
}

func (s *Service) CreateBoard(ctx context.Context, uid, title string) (store.Board, bool, error) {
	return s.directory.Create(ctx, uid, title)
}

func (s *Service) RenameBoard(ctx context.Context, uid, boardID, title string) (bool, error) {
	return s.directory.Rename(ctx, uid, boardID, title)
}

func (s *Service) DeleteBoard(ctx context.Context, uid, boardID string) error {
	return s.directory.Delete(ctx, uid, boardID)
}

func (s *Service) Share(ctx context.Context, actor, boardID, uid, role string) (store.Collaborator, error) {
	return s.directory.AddCollaborator(ctx, actor, boardID, uid, role)
}

func (s *Service) Unshare(ctx context.Context, actor, boardID, uid string) error {
	return s.directory.RemoveCollaborator(ctx, actor, boardID, uid)
}

func (s *Service) Ingest(ctx context.Context, uid, boardID string, p ingest.Payload) (ingest.Result, error) {
	return s.ingester.Ingest(ctx, uid, boardID, p)
}

func (s *Service) RatePick(ctx context.Context, uid, boardID, pickID string, rating int) error {
	return s.mutations.RatePick(ctx, uid, boardID, pickID, rating)
}

func (s *Service) DeletePick(ctx context.Context, uid, boardID, pickID string) error {
	return s.mutations.DeletePick(ctx, uid, boardID, pickID)
}

func (s *Service) ReorderPicks(ctx context.Context, uid, boardID string, pickIDs []string) error {
	return s.mutations.ReorderPicks(ctx, uid, boardID, pickIDs)
}

func (s *Service) RefreshPickURL(ctx context.Context, uid, boardID, pickID string) (string, error) {
	return s.mutations.RefreshPickURL(ctx, uid, boardID, pickID)
}

func (s *Service) AddBoardComment(ctx context.Context, uid, boardID, text string) (store.Comment, bool, error) {
	return s.mutations.AddBoardComment(ctx, uid, boardID, text)
}

func (s *Service) AddImageComment(ctx context.Context, uid, boardID, pickID, text string) (store.Comment, bool, error) {
	return s.mutations.AddImageComment(ctx, uid, boardID, pickID, text)
}

func (s *Service) DeleteBoardComment(ctx context.Context, uid, boardID, commentID string) error {
	return s.mutations.DeleteBoardComment(ctx, uid, boardID, commentID)
}

func (s *Service) DeleteImageComment(ctx context.Context, uid, boardID, pickID, commentID string) error {
	return s.mutations.DeleteImageComment(ctx, uid, boardID, pickID, commentID)
}

// Profiles resolves uids for caller. Emails are only shown for the caller
// and for users who share a board with them.
func (s *Service) Profiles(ctx context.Context, caller string, uids []string) (map[string]profiles.Profile, error) {
	resolved, err := s.profiles.Resolve(ctx, uids)
	contacts, cerr := s.directory.Contacts(ctx, caller)
	if cerr != nil {
		s.log.Warn().Err(cerr).Str("uid", caller).Msg("contact lookup failed, hiding emails")
		contacts = map[string]bool{caller: true}
	}
	for uid, p := range resolved {
		if !contacts[uid] {
			p.Email = ""
			resolved[uid] = p
		}
	}
	return resolved, err
}

// CollaboratorProfiles returns what the cache already holds and hands the
// refreshed set to onFresh later.
func (s *Service) CollaboratorProfiles(ctx context.Context, uids []string, onFresh func(map[string]profiles.Profile)) map[string]profiles.Profile {
	return s.profiles.Batch(ctx, uids, onFresh)
}

func (s *Service) Notifications(ctx context.Context, uid string, limit int) ([]store.Notification, error) {
	return s.fanout.List(ctx, uid, limit)
}

func (s *Service) MarkNotificationRead(ctx context.Context, uid, id string) error {
	return s.fanout.MarkRead(ctx, uid, id)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, uid string) (int, error) {
	return s.fanout.MarkAllRead(ctx, uid)
}

func (s *Service) WatchInbox(ctx context.Context, uid string, limit int, fn func(notify.Inbox, error)) (docdb.Subscription, error) {
	return s.fanout.Watch(ctx, uid, limit, fn)
}

// AuthorizeLive reports whether token still holds a session whose user may
// read boardID. An empty boardID checks the session only.
func (s *Service) AuthorizeLive(ctx context.Context, token, boardID string) error {
	id, err := s.sessions.Current(ctx, token)
	if err != nil {
		return err
	}
	if boardID == "" {
		return nil
	}
	role, err := s.repo.Role(ctx, boardID, id.UID)
	if err != nil {
		return err
	}
	return rbac.Require(rbac.Normalize(role), rbac.ActionRead)
}

// OpenBoard checks read access and starts a live session on the board.
func (s *Service) OpenBoard(ctx context.Context, uid, boardID string, listener boardsync.Listener) (*boardsync.Session, error) {
	role, err := s.repo.Role(ctx, boardID, uid)
	if err != nil {
		return nil, err
	}
	if err := rbac.Require(rbac.Normalize(role), rbac.ActionRead); err != nil {
		return nil, err
	}
	return boardsync.Open(ctx, s.db, boardID, listener, s.log)
}
