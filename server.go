package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breez/feedback-ledger/enrich"
	"github.com/breez/feedback-ledger/ledger"
	"github.com/breez/feedback-ledger/middleware"
	"github.com/breez/feedback-ledger/remote"
	"github.com/breez/feedback-ledger/store"
)

// NotesAPI is the remote feedback service as used by the HTTP layer.
type NotesAPI interface {
	ledger.NoteService
	enrich.CompanyFetcher
	ListNotes(ctx context.Context) (store.Document, error)
}

type FeedbackServer struct {
	notes      NotesAPI
	ledger     *ledger.Ledger
	recorder   *ledger.Recorder
	rollbacker *ledger.Rollbacker
	enricher   *enrich.Enricher
	logger     *slog.Logger
}

func NewFeedbackServer(l *ledger.Ledger, notes NotesAPI, logger *slog.Logger) *FeedbackServer {
	return &FeedbackServer{
		notes:      notes,
		ledger:     l,
		recorder:   ledger.NewRecorder(l, notes),
		rollbacker: ledger.NewRollbacker(l, notes),
		enricher:   enrich.NewEnricher(notes, enrich.WithLogger(logger)),
		logger:     logger,
	}
}

type RouterOptions struct {
	Registry       *prometheus.Registry
	StaticDir      string
	AllowedOrigins []string
	// APIKey protects the /api routes when set.
	APIKey string
}

func (s *FeedbackServer) Router(opts RouterOptions) http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	if opts.Registry != nil {
		r.Use(middleware.NewHTTPMetrics(opts.Registry).Middleware)
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Authenticate(opts.APIKey))
	api.Methods(http.MethodGet).Path("/notes").HandlerFunc(s.listNotes)
	api.Methods(http.MethodPost).Path("/notes").HandlerFunc(s.createNote)
	api.Methods(http.MethodGet).Path("/notes/{id}").HandlerFunc(s.getNote)
	api.Methods(http.MethodPut).Path("/notes/{id}").HandlerFunc(s.updateNote)
	api.Methods(http.MethodDelete).Path("/notes/{id}").HandlerFunc(s.deleteNote)
	api.Methods(http.MethodPost).Path("/notes/{id}/tags/{tagName}").HandlerFunc(s.addTag)
	api.Methods(http.MethodDelete).Path("/notes/{id}/tags/{tagName}").HandlerFunc(s.removeTag)
	api.Methods(http.MethodGet).Path("/changes").HandlerFunc(s.listChanges)
	api.Methods(http.MethodGet).Path("/changes/{id}").HandlerFunc(s.getChange)
	api.Methods(http.MethodPost).Path("/rollback/{changeId}").HandlerFunc(s.rollback)

	if opts.StaticDir != "" {
		if info, err := os.Stat(opts.StaticDir); err == nil && info.IsDir() {
			r.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.StaticDir)))
		} else {
			s.logger.Warn("static directory not found, UI disabled", "dir", opts.StaticDir)
		}
	}

	return middleware.Logging(s.logger)(middleware.CORS(opts.AllowedOrigins)(r))
}

func (s *FeedbackServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "changes": s.ledger.Len()})
}

func (s *FeedbackServer) listNotes(w http.ResponseWriter, r *http.Request) {
	response, err := s.notes.ListNotes(r.Context())
	if err != nil {
		s.writeError(w, err, "Failed to fetch notes from Productboard API")
		return
	}
	enriched, err := s.enricher.EnrichNotes(r.Context(), response)
	if err != nil {
		s.logger.Warn("failed to enrich notes, returning them as listed", "err", err)
		enriched = response
	}
	writeJSON(w, http.StatusOK, enriched)
}

func (s *FeedbackServer) getNote(w http.ResponseWriter, r *http.Request) {
	response, err := s.notes.GetNote(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to fetch note")
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *FeedbackServer) createNote(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.apply(w, r, ledger.Mutation{Type: store.ChangeCreate, Body: body}, "Failed to create note")
}

func (s *FeedbackServer) updateNote(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.apply(w, r, ledger.Mutation{Type: store.ChangeUpdate, NoteID: pathVar(r, "id"), Body: body}, "Failed to update note")
}

func (s *FeedbackServer) deleteNote(w http.ResponseWriter, r *http.Request) {
	s.apply(w, r, ledger.Mutation{Type: store.ChangeDelete, NoteID: pathVar(r, "id")}, "Failed to delete note")
}

func (s *FeedbackServer) addTag(w http.ResponseWriter, r *http.Request) {
	m := ledger.Mutation{Type: store.ChangeTagAdd, NoteID: pathVar(r, "id"), TagName: pathVar(r, "tagName")}
	s.apply(w, r, m, "Failed to add tag to note")
}

func (s *FeedbackServer) removeTag(w http.ResponseWriter, r *http.Request) {
	m := ledger.Mutation{Type: store.ChangeTagRemove, NoteID: pathVar(r, "id"), TagName: pathVar(r, "tagName")}
	s.apply(w, r, m, "Failed to remove tag from note")
}

func (s *FeedbackServer) apply(w http.ResponseWriter, r *http.Request, m ledger.Mutation, failure string) {
	result, err := s.recorder.Apply(r.Context(), m)
	if err != nil {
		s.writeError(w, err, failure)
		return
	}
	writeJSON(w, http.StatusOK, result.Response)
}

// changeView is a change as listed by the API, with a readable summary.
type changeView struct {
	store.Change
	Description string `json:"description"`
}

func newChangeView(c store.Change) changeView {
	return changeView{Change: c, Description: c.Describe()}
}

func (s *FeedbackServer) listChanges(w http.ResponseWriter, r *http.Request) {
	changes := s.ledger.List()
	views := make([]changeView, 0, len(changes))
	for _, c := range changes {
		views = append(views, newChangeView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *FeedbackServer) getChange(w http.ResponseWriter, r *http.Request) {
	change, err := s.ledger.FindByID(pathVar(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to fetch change")
		return
	}
	writeJSON(w, http.StatusOK, newChangeView(change))
}

type rollbackResponse struct {
	Success        bool           `json:"success"`
	RollbackResult store.Document `json:"rollbackResult"`
	NewRemoteID    string         `json:"newRemoteId,omitempty"`
}

func (s *FeedbackServer) rollback(w http.ResponseWriter, r *http.Request) {
	result, err := s.rollbacker.Rollback(r.Context(), pathVar(r, "changeId"))
	if err != nil {
		s.writeError(w, err, "Failed to rollback change")
		return
	}
	writeJSON(w, http.StatusOK, rollbackResponse{
		Success:        true,
		RollbackResult: result.Response,
		NewRemoteID:    result.NewRemoteID,
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps err to a status code. Remote and unexpected failures are
// reported with the operation's failure message.
func (s *FeedbackServer) writeError(w http.ResponseWriter, err error, failure string) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Change not found"})
	case errors.Is(err, ledger.ErrRollbackInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "Rollback already in progress", Detail: err.Error()})
	case errors.Is(err, ledger.ErrInvalidChange):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: failure, Detail: err.Error()})
	default:
		if errors.Is(err, remote.ErrRemoteCall) {
			s.logger.Error(failure, "status", remote.StatusCode(err), "err", err)
		} else {
			s.logger.Error(failure, "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: failure, Detail: err.Error()})
	}
}

func readBody(w http.ResponseWriter, r *http.Request) (store.Document, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to read request body", Detail: err.Error()})
		return nil, false
	}
	body, err := store.NewDocument(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body", Detail: err.Error()})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// pathVar returns the unescaped value of a route variable. The router
// matches on the escaped path so that ids and tag names may contain "/".
func pathVar(r *http.Request, name string) string {
	v := mux.Vars(r)[name]
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}
