package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pixpick/api/internal/boardsync"
	"pixpick/api/internal/notify"
	"pixpick/api/internal/profiles"
	"pixpick/api/internal/store"
)

const (
	liveWriteWait  = 5 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = 30 * time.Second
	liveInboxLimit = 50
)

type liveMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type clientMessage struct {
	Type    string `json:"type"`
	ImageID string `json:"imageId"`
}

// mailbox holds at most one pending frame per message type. A newer frame
// of the same type replaces the queued one, so a slow client only ever
// receives the latest state.
type mailbox struct {
	mu      sync.Mutex
	closed  bool
	pending map[string][]byte
	order   []string
	signal  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{pending: map[string][]byte{}, signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(kind string, data any) {
	frame, err := json.Marshal(liveMessage{Type: kind, Data: data})
	if err != nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, queued := m.pending[kind]; !queued {
		m.order = append(m.order, kind)
	}
	m.pending[kind] = frame
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// drain returns the queued frames in first-queued order and empties the box.
func (m *mailbox) drain() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.order))
	for _, kind := range m.order {
		out = append(out, m.pending[kind])
	}
	m.order = m.order[:0]
	clear(m.pending)
	return out
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// handleBoardLive streams the board's live state. Access is checked before
// the upgrade so a stranger gets a plain 403.
func (s *HTTPServer) handleBoardLive(w http.ResponseWriter, r *http.Request) {
	uid := currentIdentity(r).UID
	boardID := chi.URLParam(r, "boardID")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	box := newMailbox()
	defer box.close()

	session, err := s.service.OpenBoard(ctx, uid, boardID, func(ev boardsync.Event) {
		s.publishBoardEvent(ctx, box, ev)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer session.Close()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := s.log.With().Str("board_id", boardID).Str("uid", uid).Logger()
	log.Debug().Msg("board live connected")

	token := sessionToken(r)
	authorize := func(ctx context.Context) error {
		return s.service.AuthorizeLive(ctx, token, boardID)
	}
	s.serveLive(ctx, conn, box, log, authorize, func(msg clientMessage) {
		switch msg.Type {
		case "openImage":
			if err := session.OpenImage(msg.ImageID); err != nil {
				box.put(string(boardsync.KindError), map[string]any{"source": boardsync.KindImageComments, "message": err.Error()})
			}
		case "closeImage":
			session.CloseImage()
		}
	})
	log.Debug().Msg("board live disconnected")
}

func (s *HTTPServer) publishBoardEvent(ctx context.Context, box *mailbox, ev boardsync.Event) {
	st := ev.State
	switch ev.Kind {
	case boardsync.KindBoard:
		box.put(string(ev.Kind), st.Board)
	case boardsync.KindImages:
		box.put(string(ev.Kind), st.Picks)
	case boardsync.KindCollaborators:
		box.put(string(ev.Kind), st.Collaborators)
		s.publishProfiles(ctx, box, st.Collaborators)
	case boardsync.KindComments:
		box.put(string(ev.Kind), st.Comments)
	case boardsync.KindImageComments:
		box.put(string(ev.Kind), map[string]any{"imageId": st.ImageID, "comments": st.ImageComments})
	case boardsync.KindCommentCounts:
		box.put(string(ev.Kind), st.CommentCounts)
	case boardsync.KindError:
		message := ""
		if ev.Err != nil {
			message = ev.Err.Error()
		}
		box.put(string(ev.Kind), map[string]any{"source": ev.Source, "message": message})
	}
}

// publishProfiles pushes whatever the cache holds now and the refreshed
// set once it resolves.
func (s *HTTPServer) publishProfiles(ctx context.Context, box *mailbox, collaborators []store.Collaborator) {
	uids := make([]string, 0, len(collaborators))
	for _, c := range collaborators {
		uids = append(uids, c.UID)
	}
	cached := s.service.CollaboratorProfiles(ctx, uids, func(fresh map[string]profiles.Profile) {
		box.put("profiles", fresh)
	})
	if len(cached) > 0 {
		box.put("profiles", cached)
	}
}

func (s *HTTPServer) handleInboxLive(w http.ResponseWriter, r *http.Request) {
	uid := currentIdentity(r).UID

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	box := newMailbox()
	defer box.close()

	sub, err := s.service.WatchInbox(ctx, uid, queryLimit(r, liveInboxLimit), func(inbox notify.Inbox, err error) {
		if err != nil {
			box.put("error", map[string]any{"source": "inbox", "message": err.Error()})
			return
		}
		box.put("inbox", inbox)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Stop()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	token := sessionToken(r)
	authorize := func(ctx context.Context) error {
		return s.service.AuthorizeLive(ctx, token, "")
	}
	s.serveLive(ctx, conn, box, s.log.With().Str("uid", uid).Logger(), authorize, nil)
}

// serveLive runs the writer on its own goroutine and reads client messages
// until the peer goes away. authorize runs before every batch and ping; once
// it fails the client gets an error frame and the connection is closed.
func (s *HTTPServer) serveLive(ctx context.Context, conn *websocket.Conn, box *mailbox, log zerolog.Logger, authorize func(context.Context) error, onMessage func(clientMessage)) {
	defer conn.Close()

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(livePingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := authorize(ctx); err != nil {
					s.revokeLive(conn, log, err)
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			case <-box.signal:
				frames := box.drain()
				if err := authorize(ctx); err != nil {
					s.revokeLive(conn, log, err)
					return
				}
				for _, frame := range frames {
					_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						log.Debug().Err(err).Msg("live write failed")
						_ = conn.Close()
						return
					}
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}

	close(done)
	select {
	case <-writerDone:
	case <-time.After(time.Second):
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
}

// revokeLive tells the client why it lost access and closes the connection.
func (s *HTTPServer) revokeLive(conn *websocket.Conn, log zerolog.Logger, err error) {
	_, code, message, _ := mapError(err)
	log.Debug().Err(err).Str("code", code).Msg("live access revoked")
	frame, _ := json.Marshal(liveMessage{Type: "error", Data: map[string]any{"source": "access", "code": code, "message": message}})
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if conn.WriteMessage(websocket.TextMessage, frame) == nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(liveWriteWait))
	}
	_ = conn.Close()
}
