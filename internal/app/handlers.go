package app

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pixpick/api/internal/identity"
	"pixpick/api/internal/ingest"
)

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDToken string `json:"idToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.IDToken) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "idToken is required", nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.IDToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"expiresAt": session.ExpiresAt,
		"user":      session.Identity,
	})
}

func (s *HTTPServer) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	id, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": id})
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if err := s.service.SignOut(r.Context(), token); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body identity.SignUpRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	uid, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"uid": uid})
}

func (s *HTTPServer) handleAccountToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, err := s.service.AccountToken(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"idToken": token})
}

func (s *HTTPServer) handleListBoards(w http.ResponseWriter, r *http.Request) {
	id := currentIdentity(r)
	q := r.URL.Query()
	boards, err := s.service.ListBoards(r.Context(), id.UID, q.Get("filter"), strings.TrimSpace(q.Get("q")), queryLimit(r, 20))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
}

func (s *HTTPServer) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	board, created, err := s.service.CreateBoard(r.Context(), currentIdentity(r).UID, body.Title)
	if err != nil {
		if created {
			// The board exists but its owner record does not.
			status, code, message, _ := mapError(err)
			writeError(w, status, code, message, map[string]any{"dismissable": true, "board": board})
			return
		}
		s.fail(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"board": board})
}

func (s *HTTPServer) handleRenameBoard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	renamed, err := s.service.RenameBoard(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), body.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": !renamed})
}

func (s *HTTPServer) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBoard(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UID  string `json:"uid"`
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.UID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "uid is required", nil)
		return
	}
	collaborator, err := s.service.Share(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), body.UID, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaborator": collaborator})
}

func (s *HTTPServer) handleUnshare(w http.ResponseWriter, r *http.Request) {
	err := s.service.Unshare(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), chi.URLParam(r, "uid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type pasteItem struct {
	MIME string `json:"mime"`
	Name string `json:"name"`
	Data []byte `json:"data"`
}

func (s *HTTPServer) handlePaste(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text  string      `json:"text"`
		Items []pasteItem `json:"items"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload := ingest.Payload{Text: body.Text}
	for _, item := range body.Items {
		payload.Items = append(payload.Items, ingest.Item{MIME: item.MIME, Name: item.Name, Data: item.Data})
	}
	s.ingest(w, r, payload)
}

// handleDrop accepts a multipart form with any number of "files" parts and
// an optional "text" field.
func (s *HTTPServer) handleDrop(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	payload := ingest.Payload{Text: r.FormValue("text")}
	for _, header := range r.MultipartForm.File["files"] {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable file part", nil)
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable file part", nil)
			return
		}
		payload.Items = append(payload.Items, ingest.Item{
			MIME: header.Header.Get("Content-Type"),
			Name: header.Filename,
			Data: data,
		})
	}
	s.ingest(w, r, payload)
}

func (s *HTTPServer) ingest(w http.ResponseWriter, r *http.Request, payload ingest.Payload) {
	result, err := s.service.Ingest(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Pick != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) handleRatePick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating *int `json:"rating"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Rating == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rating is required", nil)
		return
	}
	err := s.service.RatePick(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), chi.URLParam(r, "pickID"), *body.Rating)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeletePick(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePick(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), chi.URLParam(r, "pickID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PickIDs []string `json:"pickIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ReorderPicks(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), body.PickIDs); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRefreshPick(w http.ResponseWriter, r *http.Request) {
	src, err := s.service.RefreshPickURL(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), chi.URLParam(r, "pickID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"src": src})
}

type commentBody struct {
	Text string `json:"text"`
}

func (s *HTTPServer) handleAddBoardComment(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, added, err := s.service.AddBoardComment(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), body.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})
}

func (s *HTTPServer) handleAddImageComment(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, added, err := s.service.AddImageComment(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), chi.URLParam(r, "pickID"), body.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": true})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})
}

func (s *HTTPServer) handleDeleteBoardComment(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteBoardComment(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), chi.URLParam(r, "commentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteImageComment(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteImageComment(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "boardID"), chi.URLParam(r, "pickID"), chi.URLParam(r, "commentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleProfiles resolves ?uid=a&uid=b, also accepting a comma separated
// list.
func (s *HTTPServer) handleProfiles(w http.ResponseWriter, r *http.Request) {
	var uids []string
	for _, raw := range r.URL.Query()["uid"] {
		for _, uid := range strings.Split(raw, ",") {
			if uid = strings.TrimSpace(uid); uid != "" {
				uids = append(uids, uid)
			}
		}
	}
	resolved, err := s.service.Profiles(r.Context(), currentIdentity(r).UID, uids)
	if err != nil {
		// Unresolved uids already carry the placeholder profile.
		s.log.Warn().Err(err).Int("uids", len(uids)).Msg("profile resolve partially failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": resolved})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Notifications(r.Context(), currentIdentity(r).UID, queryLimit(r, 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "unread": unread})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.service.MarkNotificationRead(r.Context(), currentIdentity(r).UID, chi.URLParam(r, "notificationID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.MarkAllNotificationsRead(r.Context(), currentIdentity(r).UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": n})
}
