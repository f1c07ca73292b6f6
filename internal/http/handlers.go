package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"labelcheck-assistant/internal/core"
	"labelcheck-assistant/internal/db"
	"labelcheck-assistant/pkg"
)

// DefaultMaxUpload caps the size of an uploaded label photo.
const DefaultMaxUpload = 10 << 20

// formOverhead is the room left in a multipart body for the text field and
// part headers on top of the photo itself.
const formOverhead = 1 << 20

var errTooLarge = errors.New("image exceeds the upload limit")

// SessionFactory creates the engine for a new session id.  onUpdate must be
// passed to the session as its update callback; it feeds the event stream.
type SessionFactory func(id string, onUpdate func(turnID string)) *core.Session

// ExchangeLister reads archived exchanges back.
type ExchangeLister interface {
	ListExchanges(ctx context.Context, sessionID string) ([]db.Exchange, error)
}

// Server exposes sessions to a renderer over JSON.  It implements
// http.Handler so it can be passed to http.Server directly.  Sessions are kept
// in a bounded LRU; an evicted session is torn down.
type Server struct {
	Sessions   *lru.Cache[string, *core.Session]
	NewSession SessionFactory
	// Exchanges serves the archive; nil when archiving is off.
	Exchanges ExchangeLister
	Logger    *zap.Logger
	MaxUpload int64

	router  *mux.Router
	events  *broker
	closing sync.WaitGroup
}

// NewServer constructs a Server holding at most maxSessions sessions.
func NewServer(factory SessionFactory, maxSessions int, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{NewSession: factory, Logger: logger, MaxUpload: DefaultMaxUpload, events: newBroker()}
	cache, err := lru.NewWithEvict[string, *core.Session](maxSessions, s.evicted)
	if err != nil {
		return nil, err
	}
	s.Sessions = cache

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/turns", s.handlePostTurn).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/profile", s.handleGetProfile).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/exchanges", s.handleListExchanges).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

// ServeHTTP dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close tears down every session and waits for them to finish.
func (s *Server) Close() {
	s.Sessions.Purge()
	s.closing.Wait()
}

// evicted runs under the cache lock, so the teardown (which waits for the
// in-flight request) happens on its own goroutine.
func (s *Server) evicted(id string, sess *core.Session) {
	s.events.shut(id)
	s.closing.Add(1)
	go func() {
		defer s.closing.Done()
		sess.Close()
		s.Logger.Info("session evicted", zap.String("session_id", id))
	}()
}

// handleCreateSession starts a new empty conversation.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	s.Sessions.Add(id, s.NewSession(id, func(string) { s.events.publish(id) }))
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// handleGetSession returns the renderer's snapshot of a session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// handleGetProfile returns the session's current health profile.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	p := sess.Profile()
	writeJSON(w, http.StatusOK, struct {
		pkg.Profile
		Flags int `json:"flags"`
	}{p, p.FlagCount()})
}

// handleDeleteSession tears a session down.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.Sessions.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Sessions.Remove(id)
	s.events.shut(id)
	sess.Close()
	w.WriteHeader(http.StatusNoContent)
}

// handlePostTurn submits a question, either as multipart (text plus an
// optional file part) or as a JSON body {"text": "..."}.
func (s *Server) handlePostTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	text, attachment, err := s.readTurn(w, r)
	if errors.Is(err, errTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, agentID, err := sess.Submit(text, attachment)
	switch {
	case errors.Is(err, core.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, core.ErrEmptyTurn):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, core.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"user_turn_id":  userID,
		"agent_turn_id": agentID,
	})
}

// handleListExchanges returns the archived exchanges of a session.  They
// outlive the in-memory session, so the id is not looked up in the registry.
func (s *Server) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	if s.Exchanges == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	id := mux.Vars(r)["id"]
	exchanges, err := s.Exchanges.ListExchanges(r.Context(), id)
	if err != nil {
		s.Logger.Error("failed to list exchanges", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list exchanges")
		return
	}
	out := make([]exchangeView, 0, len(exchanges))
	for _, e := range exchanges {
		out = append(out, newExchangeView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type exchangeView struct {
	ID          string          `json:"id"`
	UserTurnID  string          `json:"user_turn_id"`
	AgentTurnID string          `json:"agent_turn_id"`
	Query       string          `json:"query"`
	HasImage    bool            `json:"has_image"`
	Verdict     string          `json:"verdict,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Payload     json.RawMessage `json:"agent_payload"`
	Failed      bool            `json:"failed"`
	AskedAt     time.Time       `json:"asked_at"`
}

func newExchangeView(e db.Exchange) exchangeView {
	return exchangeView{
		ID:          e.ID.String(),
		UserTurnID:  e.UserTurnID,
		AgentTurnID: e.AgentTurnID,
		Query:       e.Query,
		HasImage:    e.HasImage,
		Verdict:     e.Verdict.String,
		Reasoning:   e.Reasoning.String,
		Payload:     e.Payload,
		Failed:      e.Failed,
		AskedAt:     e.AskedAt,
	}
}

func (s *Server) readTurn(w http.ResponseWriter, r *http.Request) (string, *pkg.Attachment, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return "", nil, errors.New("invalid request body")
		}
		return body.Text, nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUpload+formOverhead)
	if err := r.ParseMultipartForm(s.MaxUpload); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", nil, errTooLarge
		}
		return "", nil, errors.New("invalid form")
	}
	text := r.FormValue("text")
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return text, nil, nil
	}
	if err != nil {
		return "", nil, errors.New("invalid file")
	}
	defer file.Close()
	if header.Size > s.MaxUpload {
		return "", nil, errTooLarge
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, errors.New("invalid file")
	}
	return text, pkg.NewAttachment(data, header.Filename, header.Header.Get("Content-Type")), nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*core.Session, bool) {
	sess, ok := s.Sessions.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
	}
	return sess, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
