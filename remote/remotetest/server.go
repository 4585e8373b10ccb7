// Package remotetest provides an in-memory fake of the remote feedback
// service for tests.
package remotetest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/breez/feedback-ledger/remote"
)

// Request is a call observed by the fake server. Path keeps its escaping.
type Request struct {
	Method        string
	Path          string
	Body          string
	Authorization string
	Version       string
}

type Server struct {
	*httptest.Server

	mu           sync.Mutex
	notes        map[string]map[string]any
	companies    map[string]map[string]any
	failures     map[string]int
	requests     []Request
	companyCalls map[string]int
	nextID       int
}

func NewServer() *Server {
	s := &Server{
		notes:        make(map[string]map[string]any),
		companies:    make(map[string]map[string]any),
		failures:     make(map[string]int),
		companyCalls: make(map[string]int),
		nextID:       1,
	}

	r := mux.NewRouter().UseEncodedPath()
	r.Use(s.record)
	r.Methods(http.MethodGet).Path("/notes").HandlerFunc(s.listNotes)
	r.Methods(http.MethodPost).Path("/notes").HandlerFunc(s.createNote)
	r.Methods(http.MethodGet).Path("/notes/{id}").HandlerFunc(s.getNote)
	r.Methods(http.MethodPut).Path("/notes/{id}").HandlerFunc(s.updateNote)
	r.Methods(http.MethodDelete).Path("/notes/{id}").HandlerFunc(s.deleteNote)
	r.Methods(http.MethodPost).Path("/notes/{id}/tags/{tag}").HandlerFunc(s.addTag)
	r.Methods(http.MethodDelete).Path("/notes/{id}/tags/{tag}").HandlerFunc(s.removeTag)
	r.Methods(http.MethodGet).Path("/companies/{id}").HandlerFunc(s.getCompany)

	s.Server = httptest.NewServer(r)
	return s
}

// Client returns a remote client pointed at the fake server.
func (s *Server) Client(opts ...remote.Option) *remote.Client {
	return remote.NewClient(s.URL, "test-token", opts...)
}

func (s *Server) PutNote(id string, note map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[id] = note
}

func (s *Server) Note(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[id]
	return note, ok
}

func (s *Server) NoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func (s *Server) PutCompany(id string, company map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[id] = company
}

// SetNextID sets the id assigned to the next created note.
func (s *Server) SetNextID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = id
}

// Fail makes every request matching method and escaped path answer with
// status until Recover is called.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

func (s *Server) Recover(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, method+" "+path)
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// MutatingRequests filters out GET requests.
func (s *Server) MutatingRequests() []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method != http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) CompanyCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.companyCalls[id]
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		path := r.URL.EscapedPath()

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        r.Method,
			Path:          path,
			Body:          string(body),
			Authorization: r.Header.Get("Authorization"),
			Version:       r.Header.Get("X-Version"),
		})
		status, fail := s.failures[r.Method+" "+path]
		s.mu.Unlock()

		if fail {
			writeJSON(w, status, map[string]string{"error": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.notes))
	for id := range s.notes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	notes := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		notes = append(notes, s.notes[id])
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"data":         notes,
		"pageCursor":   nil,
		"totalResults": len(notes),
	})
}

func (s *Server) createNote(w http.ResponseWriter, r *http.Request) {
	var note map[string]any
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil || note == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid note"})
		return
	}
	s.mu.Lock()
	id := strconv.Itoa(s.nextID)
	s.nextID++
	note["id"] = id
	s.notes[id] = note
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"data": note})
}

func (s *Server) getNote(w http.ResponseWriter, r *http.Request) {
	note, ok := s.Note(pathVar(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": note})
}

func (s *Server) updateNote(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	var note map[string]any
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil || note == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid note"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	s.notes[id] = note
	writeJSON(w, http.StatusOK, map[string]any{"data": note})
}

func (s *Server) deleteNote(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	delete(s.notes, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addTag(w http.ResponseWriter, r *http.Request) {
	s.updateTags(w, pathVar(r, "id"), pathVar(r, "tag"), true)
}

func (s *Server) removeTag(w http.ResponseWriter, r *http.Request) {
	s.updateTags(w, pathVar(r, "id"), pathVar(r, "tag"), false)
}

func (s *Server) updateTags(w http.ResponseWriter, id, tag string, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	tags := []any{}
	if existing, ok := note["tags"].([]any); ok {
		tags = existing
	}
	if existing, ok := note["tags"].([]string); ok {
		for _, t := range existing {
			tags = append(tags, t)
		}
	}
	updated := make([]any, 0, len(tags)+1)
	found := false
	for _, t := range tags {
		if t == tag {
			found = true
			if !add {
				continue
			}
		}
		updated = append(updated, t)
	}
	if add && !found {
		updated = append(updated, tag)
	}
	copied := make(map[string]any, len(note))
	for k, v := range note {
		copied[k] = v
	}
	copied["tags"] = updated
	s.notes[id] = copied

	if add {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getCompany(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	s.mu.Lock()
	s.companyCalls[id]++
	company, ok := s.companies[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Company not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": company})
}

func pathVar(r *http.Request, name string) string {
	v := mux.Vars(r)[name]
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
