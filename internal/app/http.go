package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"

	"pixpick/api/internal/identity"
)

const maxUploadBytes = 32 << 20

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	log         zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigins []string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigins: corsOrigins, log: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: !s.anyOrigin(),
		MaxAge:           300,
	}))

	router.Get("/api/health", s.handleHealth)
	router.Get("/api/ready", s.handleReady)

	// Live endpoints hijack the connection, so they stay outside the gzip
	// group.
	router.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/api/boards/{boardID}/live", s.handleBoardLive)
		r.Get("/api/notifications/live", s.handleInboxLive)
	})

	router.Group(func(r chi.Router) {
		r.Use(compress)

		r.Post("/api/session", s.handleSignIn)
		r.Get("/api/session", s.handleCurrentSession)
		r.Delete("/api/session", s.handleSignOut)
		r.Post("/api/accounts", s.handleSignUp)
		r.Post("/api/accounts/token", s.handleAccountToken)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Get("/api/boards", s.handleListBoards)
			r.Post("/api/boards", s.handleCreateBoard)
			r.Patch("/api/boards/{boardID}", s.handleRenameBoard)
			r.Delete("/api/boards/{boardID}", s.handleDeleteBoard)
			r.Post("/api/boards/{boardID}/collaborators", s.handleShare)
			r.Delete("/api/boards/{boardID}/collaborators/{uid}", s.handleUnshare)

			r.Post("/api/boards/{boardID}/paste", s.handlePaste)
			r.Post("/api/boards/{boardID}/drop", s.handleDrop)

			r.Post("/api/boards/{boardID}/picks/reorder", s.handleReorder)
			r.Patch("/api/boards/{boardID}/picks/{pickID}", s.handleRatePick)
			r.Delete("/api/boards/{boardID}/picks/{pickID}", s.handleDeletePick)
			r.Post("/api/boards/{boardID}/picks/{pickID}/refresh", s.handleRefreshPick)

			r.Post("/api/boards/{boardID}/comments", s.handleAddBoardComment)
			r.Delete("/api/boards/{boardID}/comments/{commentID}", s.handleDeleteBoardComment)
			r.Post("/api/boards/{boardID}/picks/{pickID}/comments", s.handleAddImageComment)
			r.Delete("/api/boards/{boardID}/picks/{pickID}/comments/{commentID}", s.handleDeleteImageComment)

			r.Get("/api/profiles", s.handleProfiles)

			r.Get("/api/notifications", s.handleNotifications)
			r.Post("/api/notifications/read-all", s.handleMarkAllRead)
			r.Post("/api/notifications/{notificationID}/read", s.handleMarkRead)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return router
}

func compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (s *HTTPServer) anyOrigin() bool {
	for _, origin := range s.corsOrigins {
		if origin == "*" {
			return true
		}
	}
	return len(s.corsOrigins) == 0
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.anyOrigin() {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type ctxKey int

const (
	identityKey ctxKey = iota
	tokenKey
)

// requireSession resolves the bearer token, or access_token on WebSocket
// upgrades, and rejects the request when it has no live session.
func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		id, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, tokenKey, token)))
	})
}

func currentIdentity(r *http.Request) identity.Identity {
	id, _ := r.Context().Value(identityKey).(identity.Identity)
	return id
}

func sessionToken(r *http.Request) string {
	token, _ := r.Context().Value(tokenKey).(string)
	return token
}

// fail writes the mapped error and logs anything that is not the caller's
// fault.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := middleware.GetReqID(r.Context())
		if requestID != "" {
			w.Header().Set("X-Request-ID", requestID)
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("http_request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"error":   message,
		"details": details,
	})
}

func decodeBody(r *http.Request, target any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes))
	if err := decoder.Decode(target); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
