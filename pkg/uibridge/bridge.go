// Package uibridge exposes an engine over local HTTP for UI bindings that
// cannot link Go directly. Reads return the local model, mutations answer
// 202 Accepted with the optimistic state, and /events pushes changes and
// notifications over a websocket.
package uibridge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/logger"
	"github.com/trybe-app/trybesync/pkg/models"
)

const maxBodyBytes = 1 << 20

type Server struct {
	engine  *trybesync.Engine
	hub     *Hub
	log     logger.Logger
	router  *mux.Router
	stopObs func()
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option { return func(s *Server) { s.log = l } }

// New serves engine and pushes its changes to the clients of hub. The hub is
// usually also the engine's notifier:
//
//	hub := uibridge.NewHub()
//	engine := trybesync.New(docs, trybesync.WithNotifier(hub))
//	srv := uibridge.New(engine, hub)
func New(engine *trybesync.Engine, hub *Hub, opts ...Option) *Server {
	s := &Server{engine: engine, hub: hub, log: logger.Nop()}
	for _, o := range opts {
		o(s)
	}
	if hub.log == nil {
		hub.log = s.log
	}
	s.router = s.routes()
	s.stopObs = engine.OnChange(hub.Publish)
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	router.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	router.HandleFunc("/groups/{id}", s.handleGetGroup).Methods(http.MethodGet)
	router.HandleFunc("/groups/{id}", s.handleUpdateGroup).Methods(http.MethodPatch)
	router.HandleFunc("/groups/{id}/join", s.handleJoin).Methods(http.MethodPost)
	router.HandleFunc("/groups/{id}/leave", s.handleLeave).Methods(http.MethodPost)
	router.HandleFunc("/groups/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	router.HandleFunc("/groups/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	router.HandleFunc("/groups/{id}/chat", s.handleSubscribeChat).Methods(http.MethodPost)
	router.HandleFunc("/groups/{id}/chat", s.handleUnsubscribeChat).Methods(http.MethodDelete)
	router.HandleFunc("/groups/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	router.HandleFunc("/media", s.handleMedia).Methods(http.MethodGet)
	router.HandleFunc("/events", s.hub.ServeHTTP).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops forwarding engine changes and disconnects every event client.
func (s *Server) Close() error {
	s.stopObs()
	s.hub.Close()
	return nil
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ui bridge listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Close()
	return srv.Shutdown(shutdownCtx)
}

// GroupView is a group as the UI renders it, with display URLs parallel to
// Photos.
type GroupView struct {
	models.Group
	DisplayPhotos []string `json:"display_photos"`
}

type MessagesView struct {
	Messages []models.Message `json:"messages"`
	Unread   int              `json:"unread"`
}

type sendRequest struct {
	Body       string `json:"body"`
	Attachment string `json:"attachment"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) view(g models.Group) GroupView {
	v := GroupView{Group: g, DisplayPhotos: g.ResolvedPhotos}
	if len(v.DisplayPhotos) != len(g.Photos) {
		v.DisplayPhotos = make([]string, len(g.Photos))
		for i, ref := range g.Photos {
			v.DisplayPhotos[i] = s.engine.DisplayURL(ref)
		}
	}
	if v.DisplayPhotos == nil {
		v.DisplayPhotos = []string{}
	}
	return v
}

func (s *Server) messages(id models.GroupID) MessagesView {
	msgs := s.engine.Messages(id)
	if msgs == nil {
		msgs = []models.Message{}
	}
	return MessagesView{Messages: msgs, Unread: s.engine.Unread(id)}
}

func groupID(r *http.Request) models.GroupID {
	return models.GroupID(mux.Vars(r)["id"])
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.engine.Groups()
	views := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, s.view(g))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.engine.Group(groupID(r))
	if !ok {
		respondError(w, http.StatusNotFound, "group not found", trybesync.KindNotFound)
		return
	}
	respondJSON(w, http.StatusOK, s.view(g))
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var in models.GroupInput
	if !decode(w, r, &in) {
		return
	}
	id, op := s.engine.CreateGroup(in)
	if !s.settle(w, r, op) {
		return
	}
	g, _ := s.engine.Group(id)
	s.respondOp(w, r, s.view(g))
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var patch models.GroupPatch
	if !decode(w, r, &patch) {
		return
	}
	notify, _ := strconv.ParseBool(r.URL.Query().Get("notify"))
	id := groupID(r)
	if !s.settle(w, r, s.engine.UpdateGroup(id, patch, notify)) {
		return
	}
	g, _ := s.engine.Group(id)
	s.respondOp(w, r, s.view(g))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id := groupID(r)
	if !s.settle(w, r, s.engine.JoinGroup(id)) {
		return
	}
	g, _ := s.engine.Group(id)
	s.respondOp(w, r, s.view(g))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id := groupID(r)
	if !s.settle(w, r, s.engine.LeaveGroup(id)) {
		return
	}
	g, _ := s.engine.Group(id)
	s.respondOp(w, r, s.view(g))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.messages(groupID(r)))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	id := groupID(r)
	if !s.settle(w, r, s.engine.SendMessage(id, req.Body, req.Attachment)) {
		return
	}
	s.respondOp(w, r, s.messages(id))
}

func (s *Server) handleSubscribeChat(w http.ResponseWriter, r *http.Request) {
	id := groupID(r)
	if !s.settle(w, r, s.engine.SubscribeChat(id)) {
		return
	}
	s.respondOp(w, r, s.messages(id))
}

func (s *Server) handleUnsubscribeChat(w http.ResponseWriter, r *http.Request) {
	s.engine.UnsubscribeChat(groupID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := groupID(r)
	if !s.settle(w, r, s.engine.MarkRead(id)) {
		return
	}
	s.respondOp(w, r, s.messages(id))
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		respondError(w, http.StatusBadRequest, "missing ref", trybesync.KindUnknown)
		return
	}
	url, err := s.engine.ResolveMedia(r.Context(), ref)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.Len()})
}

// settle reports whether the request may answer with the optimistic state.
// With ?wait=1 it blocks until op finished. Without it only a failure that
// was already known when the operation returned is reported.
func (s *Server) settle(w http.ResponseWriter, r *http.Request, op *trybesync.Op) bool {
	var err error
	if waiting(r) {
		err = op.Wait(r.Context())
	} else {
		err = op.Err()
	}
	if err != nil {
		s.respondErr(w, err)
		return false
	}
	return true
}

func (s *Server) respondOp(w http.ResponseWriter, r *http.Request, payload any) {
	status := http.StatusAccepted
	if waiting(r) {
		status = http.StatusOK
	}
	respondJSON(w, status, payload)
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	kind := trybesync.KindOf(err)
	status := statusOf(err, kind)
	msg := err.Error()
	var e *trybesync.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("ui bridge request failed", "kind", kind, "error", err)
	}
	respondError(w, status, msg, kind)
}

func waiting(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return ok
}

func statusOf(err error, kind trybesync.Kind) int {
	switch kind {
	case trybesync.KindUnauthenticated:
		return http.StatusUnauthorized
	case trybesync.KindPermissionDenied:
		return http.StatusForbidden
	case trybesync.KindNotFound:
		return http.StatusNotFound
	case trybesync.KindTransactionConflict:
		return http.StatusConflict
	case trybesync.KindResolutionFailure:
		return http.StatusBadGateway
	case trybesync.KindNetworkFailure:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, constants.ErrEmptyBody), errors.Is(err, constants.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload", trybesync.KindUnknown)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string, kind trybesync.Kind) {
	resp := errorResponse{Error: message}
	if kind != trybesync.KindUnknown {
		resp.Kind = kind.String()
	}
	respondJSON(w, status, resp)
}
