// Package api is the HTTP surface of the pipeline.
//
// Routes under /v1 require a bearer token (see [Authenticator]); the health
// and metrics endpoints do not. Pipeline errors are translated by type:
// not found 404, ambiguous 409 with suggestions, validation 422,
// interpretation 502, forbidden 403. A cancelled command is a normal 200
// response with status "cancelled".
//
//	POST   /v1/sessions                                  start a session
//	DELETE /v1/sessions/{id}                             end it
//	POST   /v1/sessions/{id}/fragments                   feed a transcription fragment
//	POST   /v1/sessions/{id}/flush                       interpret the buffered text now
//	POST   /v1/sessions/{id}/commands                    interpret a typed command
//	GET    /v1/sessions/{id}/pending                     open confirmations
//	POST   /v1/sessions/{id}/pending/{pid}/confirm       apply as shown
//	POST   /v1/sessions/{id}/pending/{pid}/cancel        discard
//	POST   /v1/sessions/{id}/pending/{pid}/respond       answer by voice
//	GET    /v1/sessions/{id}/stream                      websocket of session outcomes
//	POST   /v1/undo/{id}                                 revert a mutation
//	GET    /v1/items                                     list the catalog
//	POST   /v1/items                                     create and index an item
//	GET    /v1/events                                    websocket of stock changes
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/larder/internal/broadcast"
	"github.com/MrWong99/larder/internal/health"
	"github.com/MrWong99/larder/internal/mutation"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/internal/session"
	"github.com/MrWong99/larder/internal/voice"
	"github.com/MrWong99/larder/pkg/inventory"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// ItemStore lists catalog items and creates indexed ones.
type ItemStore interface {
	List(ctx context.Context) ([]inventory.Item, error)
	Create(ctx context.Context, item inventory.Item) (inventory.Item, error)
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Pipeline    *voice.Pipeline
	Coordinator *mutation.Coordinator
	Items       ItemStore
	Hub         *broadcast.Hub
	Health      *health.Handler
	Auth        *Authenticator
	Metrics     *observe.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	deps Deps
}

// New creates a [Server].
func New(deps Deps) *Server {
	if deps.Auth == nil {
		deps.Auth = NewAuthenticator("")
	}
	return &Server{deps: deps}
}

// Handler returns the root handler with tracing and request metrics
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	// One flat mux, so the request metrics see the full route pattern.
	for pattern, h := range map[string]http.HandlerFunc{
		"POST /v1/sessions":                           s.handleStartSession,
		"DELETE /v1/sessions/{id}":                    s.handleEndSession,
		"POST /v1/sessions/{id}/fragments":            s.handleFragment,
		"POST /v1/sessions/{id}/flush":                s.handleFlush,
		"POST /v1/sessions/{id}/commands":             s.handleCommand,
		"GET /v1/sessions/{id}/pending":               s.handleListPending,
		"POST /v1/sessions/{id}/pending/{pid}/{verb}": s.handlePending,
		"GET /v1/sessions/{id}/stream":                s.handleSessionStream,
		"POST /v1/undo/{id}":                          s.handleUndo,
		"GET /v1/items":                               s.handleListItems,
		"POST /v1/items":                              s.handleCreateItem,
		"GET /v1/events":                              s.handleEvents,
	} {
		mux.Handle(pattern, s.deps.Auth.Middleware(h))
	}
	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	if s.deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.deps.MetricsHandler)
	}

	if s.deps.Metrics == nil {
		return mux
	}
	return observe.Middleware(s.deps.Metrics)(mux)
}

// ── Sessions ────────────────────────────────────────────────────────────────

type startSessionRequest struct {
	ID string `json:"id"`
}

type sessionResponse struct {
	ID     string                    `json:"id"`
	UserID string                    `json:"userId"`
	Role   inventory.Role            `json:"role"`
	Items  []string                  `json:"items,omitempty"`
	Recent []inventory.RecentCommand `json:"recent,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	// The body is optional.
	var req startSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Error: "invalid request body: " + err.Error()})
		return
	}
	actor, _ := ActorFrom(r.Context())
	sess, err := s.deps.Pipeline.Sessions().Start(r.Context(), req.ID, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	_, recent := sess.Context()
	writeJSON(w, http.StatusCreated, sessionResponse{
		ID:     sess.ID,
		UserID: actor.UserID,
		Role:   actor.Role,
		Items:  sess.Items(),
		Recent: recent,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.deps.Pipeline.Sessions().End(r.Context(), sess.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type textRequest struct {
	Text string `json:"text"`
}

type bufferResponse struct {
	Status   string `json:"status"`
	Buffered string `json:"buffered"`
}

func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.deps.Pipeline.HandleFragment(r.Context(), sess.ID, req.Text); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bufferResponse{Status: "accepted", Buffered: sess.Buffer().Current()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.deps.Pipeline.Flush(r.Context(), sess.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bufferResponse{Status: "accepted", Buffered: sess.Buffer().Current()})
}

type outcomesResponse struct {
	Outcomes []voice.Outcome `json:"outcomes"`
}

// handleCommand answers 200 with every outcome. A single failed command
// takes the status of its error instead.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.deps.Pipeline.HandleText(r.Context(), sess.ID, req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if len(out) == 1 && out[0].Status == voice.StatusFailed {
		status = statusFor(out[0].Err)
	}
	if out == nil {
		out = []voice.Outcome{}
	}
	writeJSON(w, status, outcomesResponse{Outcomes: out})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	pending := s.deps.Pipeline.Pending(sess.ID)
	if pending == nil {
		pending = []voice.Pending{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	pid := r.PathValue("pid")

	var (
		o   voice.Outcome
		err error
	)
	switch r.PathValue("verb") {
	case "confirm":
		o, err = s.deps.Pipeline.Confirm(r.Context(), sess.ID, pid)
	case "cancel":
		o, err = s.deps.Pipeline.Cancel(r.Context(), sess.ID, pid)
	case "respond":
		var req textRequest
		if !decode(w, r, &req) {
			return
		}
		o, err = s.deps.Pipeline.Respond(r.Context(), sess.ID, pid, req.Text)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if o.Status == voice.StatusFailed {
		status = statusFor(o.Err)
	}
	writeJSON(w, status, o)
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.serveSocket(w, r, broadcast.SessionTopic(sess.ID))
}

// ── Catalog ─────────────────────────────────────────────────────────────────

type undoResponse struct {
	Status string                `json:"status"`
	Change inventory.ChangeEvent `json:"change"`
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	res, err := s.deps.Coordinator.Undo(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, undoResponse{Status: "reverted", Change: res.Event})
}

type itemJSON struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	Category    string  `json:"category,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	BelowThresh bool    `json:"belowThreshold,omitempty"`
}

func toItemJSON(it inventory.Item) itemJSON {
	return itemJSON{
		ID:          it.ID,
		Name:        it.Name,
		Quantity:    it.Quantity,
		Unit:        it.Unit,
		Category:    it.Category,
		Threshold:   it.Threshold,
		BelowThresh: it.BelowThreshold(),
	}
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Items.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]itemJSON, len(items))
	for i, it := range items {
		out[i] = toItemJSON(it)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	if actor.Role != inventory.RoleOwner && actor.Role != inventory.RoleManager {
		s.fail(w, r, fmt.Errorf("api: role %q cannot create items: %w", actor.Role, inventory.ErrForbidden))
		return
	}
	var req itemJSON
	if !decode(w, r, &req) {
		return
	}
	created, err := s.deps.Items.Create(r.Context(), inventory.Item{
		Name:      req.Name,
		Quantity:  req.Quantity,
		Unit:      req.Unit,
		Category:  req.Category,
		Threshold: req.Threshold,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemJSON(created))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.serveSocket(w, r, broadcast.TopicChanges)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// session loads the {id} session and checks the caller may use it: its own
// sessions always, anyone's for owners and managers.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.deps.Pipeline.Sessions().Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	actor, _ := ActorFrom(r.Context())
	if sess.Actor.UserID != actor.UserID && actor.Role != inventory.RoleOwner && actor.Role != inventory.RoleManager {
		s.fail(w, r, fmt.Errorf("api: session %s belongs to another user: %w", sess.ID, inventory.ErrForbidden))
		return nil, false
	}
	return sess, true
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, topic string) {
	if s.deps.Hub == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.deps.Hub.Serve(w, r, topic); err != nil && !errors.Is(err, context.Canceled) {
		observe.Logger(r.Context()).Debug("websocket closed", slog.String("topic", topic), slog.Any("err", err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
	}
	writeError(w, status, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
