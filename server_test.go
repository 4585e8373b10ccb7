package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/breez/feedback-ledger/ledger"
	"github.com/breez/feedback-ledger/remote/remotetest"
	"github.com/breez/feedback-ledger/store"
	"github.com/breez/feedback-ledger/store/jsonfile"
)

type testEnv struct {
	api     *httptest.Server
	remote  *remotetest.Server
	ledger  *ledger.Ledger
	storage *jsonfile.JSONFileChangeStorage
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func server(t *testing.T, staticDir string) *testEnv {
	t.Helper()
	fake := remotetest.NewServer()
	t.Cleanup(fake.Close)

	storage := jsonfile.NewJSONFileChangeStorage(filepath.Join(t.TempDir(), "local_changes.json"))
	registry := prometheus.NewRegistry()
	l := ledger.New(storage, ledger.WithLogger(quietLogger()), ledger.WithMetrics(ledger.NewMetrics(registry)))
	l.Load(context.Background())

	s := NewFeedbackServer(l, fake.Client(), quietLogger())
	api := httptest.NewServer(s.Router(RouterOptions{Registry: registry, StaticDir: staticDir}))
	t.Cleanup(api.Close)
	return &testEnv{api: api, remote: fake, ledger: l, storage: storage}
}

// call issues a request against the proxy and decodes the JSON reply into
// out when out is not nil.
func (e *testEnv) call(t *testing.T, method, path, body string, wantCode int, out any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.api.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.api.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantCode, resp.StatusCode, "%s %s: %s", method, path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), string(raw))
	}
}

type changeJSON struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	RemoteID     string          `json:"remoteId"`
	Data         json.RawMessage `json:"data"`
	OriginalData json.RawMessage `json:"originalData"`
	UpdatedData  json.RawMessage `json:"updatedData"`
	Description  string          `json:"description"`
}

func (e *testEnv) changes(t *testing.T) []changeJSON {
	t.Helper()
	var changes []changeJSON
	e.call(t, http.MethodGet, "/api/changes", "", http.StatusOK, &changes)
	return changes
}

type testCase struct {
	name     string
	setup    func(e *testEnv)
	method   string
	path     string
	body     string
	wantCode int
	// remote calls expected once the change is rolled back
	wantRollback []string
	check        func(t *testing.T, c changeJSON)
}

func testCases() []testCase {
	return []testCase{
		{
			name:         "create note",
			method:       http.MethodPost,
			path:         "/api/notes",
			body:         `{"title":"A"}`,
			wantCode:     http.StatusOK,
			wantRollback: []string{"DELETE /notes/1"},
			check: func(t *testing.T, c changeJSON) {
				require.Equal(t, "create", c.Type)
				require.Equal(t, "1", c.RemoteID)
				require.JSONEq(t, `{"title":"A"}`, string(c.Data))
				require.Equal(t, "null", string(c.OriginalData))
				require.Equal(t, `Created note "A"`, c.Description)
			},
		},
		{
			name: "update note",
			setup: func(e *testEnv) {
				e.remote.PutNote("2", map[string]any{"tags": []any{"x"}})
			},
			method:       http.MethodPut,
			path:         "/api/notes/2",
			body:         `{"tags":["y"]}`,
			wantCode:     http.StatusOK,
			wantRollback: []string{`PUT /notes/2 {"tags":["x"]}`},
			check: func(t *testing.T, c changeJSON) {
				require.Equal(t, "update", c.Type)
				require.JSONEq(t, `{"tags":["x"]}`, string(c.OriginalData))
				require.JSONEq(t, `{"tags":["y"]}`, string(c.Data))
			},
		},
		{
			name: "delete note",
			setup: func(e *testEnv) {
				e.remote.PutNote("3", map[string]any{"title": "Z"})
			},
			method:       http.MethodDelete,
			path:         "/api/notes/3",
			wantCode:     http.StatusOK,
			wantRollback: []string{`POST /notes {"title":"Z"}`},
			check: func(t *testing.T, c changeJSON) {
				require.Equal(t, "delete", c.Type)
				require.JSONEq(t, `{"title":"Z"}`, string(c.OriginalData))
				require.Equal(t, "null", string(c.Data))
				require.Equal(t, `Deleted note "Z"`, c.Description)
			},
		},
		{
			name: "add tag",
			setup: func(e *testEnv) {
				e.remote.PutNote("4", map[string]any{"tags": []any{}})
			},
			method:       http.MethodPost,
			path:         "/api/notes/4/tags/urgent",
			wantCode:     http.StatusOK,
			wantRollback: []string{"DELETE /notes/4/tags/urgent"},
			check: func(t *testing.T, c changeJSON) {
				require.Equal(t, "tag_add", c.Type)
				require.JSONEq(t, `{"tagName":"urgent"}`, string(c.Data))
				require.JSONEq(t, `{"tags":[]}`, string(c.OriginalData))
				require.JSONEq(t, `{"tags":["urgent"]}`, string(c.UpdatedData))
			},
		},
		{
			name: "remove tag with reserved characters",
			setup: func(e *testEnv) {
				e.remote.PutNote("5", map[string]any{"tags": []any{"a/b c"}})
			},
			method:       http.MethodDelete,
			path:         "/api/notes/5/tags/a%2Fb%20c",
			wantCode:     http.StatusOK,
			wantRollback: []string{"POST /notes/5/tags/a%2Fb%20c"},
			check: func(t *testing.T, c changeJSON) {
				require.Equal(t, "tag_remove", c.Type)
				require.JSONEq(t, `{"tagName":"a/b c"}`, string(c.Data))
				require.JSONEq(t, `{"tags":[]}`, string(c.UpdatedData))
			},
		},
	}
}

func TestFeedbackServer(t *testing.T) {
	for _, tc := range testCases() {
		t.Run(tc.name, func(t *testing.T) {
			e := server(t, "")
			if tc.setup != nil {
				tc.setup(e)
			}
			e.call(t, tc.method, tc.path, tc.body, tc.wantCode, nil)

			changes := e.changes(t)
			require.Len(t, changes, 1)
			tc.check(t, changes[0])

			// the ledger file mirrors the in-memory ledger
			persisted, err := e.storage.Load(context.Background())
			require.NoError(t, err)
			require.Equal(t, e.ledger.List(), persisted)

			e.remote.ResetRequests()
			var rollback struct {
				Success bool `json:"success"`
			}
			e.call(t, http.MethodPost, "/api/rollback/"+changes[0].ID, "", http.StatusOK, &rollback)
			require.True(t, rollback.Success)

			var calls []string
			for _, r := range e.remote.MutatingRequests() {
				call := r.Method + " " + r.Path
				if r.Body != "" {
					call += " " + compact(t, r.Body)
				}
				calls = append(calls, call)
			}
			require.Equal(t, tc.wantRollback, calls)
			require.Empty(t, e.changes(t))

			// a second rollback of the same change is rejected without a remote call
			e.remote.ResetRequests()
			var failure errorResponse
			e.call(t, http.MethodPost, "/api/rollback/"+changes[0].ID, "", http.StatusNotFound, &failure)
			require.Equal(t, "Change not found", failure.Error)
			require.Empty(t, e.remote.Requests())
		})
	}
}

func TestRemoteFailureIsNotRecorded(t *testing.T) {
	e := server(t, "")
	e.remote.PutNote("2", map[string]any{"title": "keep"})
	e.remote.Fail(http.MethodPut, "/notes/2", http.StatusBadGateway)

	var failure errorResponse
	e.call(t, http.MethodPut, "/api/notes/2", `{"title":"new"}`, http.StatusInternalServerError, &failure)
	require.Equal(t, "Failed to update note", failure.Error)
	require.Contains(t, failure.Detail, "502")
	require.Empty(t, e.changes(t))

	e.call(t, http.MethodDelete, "/api/notes/missing", "", http.StatusInternalServerError, &failure)
	require.Equal(t, "Failed to delete note", failure.Error)
	require.Empty(t, e.changes(t))
}

func TestFailedRollbackCanBeRetried(t *testing.T) {
	e := server(t, "")
	e.call(t, http.MethodPost, "/api/notes", `{"title":"A"}`, http.StatusOK, nil)
	changes := e.changes(t)
	require.Len(t, changes, 1)

	e.remote.Fail(http.MethodDelete, "/notes/1", http.StatusServiceUnavailable)
	var failure errorResponse
	e.call(t, http.MethodPost, "/api/rollback/"+changes[0].ID, "", http.StatusInternalServerError, &failure)
	require.Equal(t, "Failed to rollback change", failure.Error)
	require.Len(t, e.changes(t), 1)

	e.remote.Recover(http.MethodDelete, "/notes/1")
	e.call(t, http.MethodPost, "/api/rollback/"+changes[0].ID, "", http.StatusOK, nil)
	require.Empty(t, e.changes(t))
}

func TestRollbackUnknownChange(t *testing.T) {
	e := server(t, "")
	var failure errorResponse
	e.call(t, http.MethodPost, "/api/rollback/does-not-exist", "", http.StatusNotFound, &failure)
	require.Equal(t, "Change not found", failure.Error)
}

func TestDeleteRollbackReportsNewID(t *testing.T) {
	e := server(t, "")
	e.remote.PutNote("3", map[string]any{"title": "Z"})
	e.remote.SetNextID(77)
	e.call(t, http.MethodDelete, "/api/notes/3", "", http.StatusOK, nil)

	var rollback struct {
		Success        bool            `json:"success"`
		RollbackResult json.RawMessage `json:"rollbackResult"`
		NewRemoteID    string          `json:"newRemoteId"`
	}
	e.call(t, http.MethodPost, "/api/rollback/"+e.changes(t)[0].ID, "", http.StatusOK, &rollback)
	require.True(t, rollback.Success)
	require.Equal(t, "77", rollback.NewRemoteID)
	require.JSONEq(t, `{"data":{"id":"77","title":"Z"}}`, string(rollback.RollbackResult))
}

func TestInvalidRequests(t *testing.T) {
	e := server(t, "")
	var failure errorResponse
	e.call(t, http.MethodPost, "/api/notes", `{"title":`, http.StatusBadRequest, &failure)
	require.Equal(t, "Invalid JSON body", failure.Error)

	e.call(t, http.MethodPost, "/api/notes", "", http.StatusBadRequest, &failure)
	e.call(t, http.MethodGet, "/api/changes/unknown", "", http.StatusNotFound, nil)

	e.remote.PutNote("4", map[string]any{"tags": []any{}})
	e.call(t, http.MethodPost, "/api/notes/4/tags/bad%FFtag", "", http.StatusBadRequest, nil)
	e.call(t, http.MethodDelete, "/api/notes/4/tags/bad%FFtag", "", http.StatusBadRequest, nil)
	require.Empty(t, e.remote.Requests())
	require.Empty(t, e.changes(t))
}

func TestGetChange(t *testing.T) {
	e := server(t, "")
	e.remote.PutNote("4", map[string]any{"title": "Login bug", "tags": []any{}})
	e.call(t, http.MethodPost, "/api/notes/4/tags/urgent", "", http.StatusOK, nil)
	id := e.changes(t)[0].ID

	var change changeJSON
	e.call(t, http.MethodGet, "/api/changes/"+id, "", http.StatusOK, &change)
	require.Equal(t, id, change.ID)
	require.Equal(t, `Added tag "urgent" to note "Login bug"`, change.Description)
}

func TestListNotesEnriched(t *testing.T) {
	e := server(t, "")
	e.remote.PutCompany("c1", map[string]any{"name": "Acme", "domain": "acme.io"})
	e.remote.PutNote("1", map[string]any{"title": "a", "company": map[string]any{"id": "c1"}})
	e.remote.PutNote("2", map[string]any{"title": "b", "company": map[string]any{"id": "c1"}})

	var list struct {
		Data []map[string]any `json:"data"`
	}
	e.call(t, http.MethodGet, "/api/notes", "", http.StatusOK, &list)
	require.Len(t, list.Data, 2)
	for _, note := range list.Data {
		require.Equal(t, map[string]any{"id": "c1", "name": "Acme", "domain": "acme.io"}, note["company"])
	}
	require.Equal(t, 1, e.remote.CompanyCalls("c1"))
	require.Empty(t, e.changes(t), "reads are never recorded")

	var note map[string]any
	e.call(t, http.MethodGet, "/api/notes/1", "", http.StatusOK, &note)
	require.Equal(t, "a", note["data"].(map[string]any)["title"])
}

func TestListNotesFailure(t *testing.T) {
	e := server(t, "")
	e.remote.Fail(http.MethodGet, "/notes", http.StatusUnauthorized)
	var failure errorResponse
	e.call(t, http.MethodGet, "/api/notes", "", http.StatusInternalServerError, &failure)
	require.Equal(t, "Failed to fetch notes from Productboard API", failure.Error)
}

func TestHealthMetricsAndStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>changes</h1>"), 0o644))
	e := server(t, dir)

	var health map[string]any
	e.call(t, http.MethodGet, "/health", "", http.StatusOK, &health)
	require.Equal(t, "ok", health["status"])

	e.call(t, http.MethodPost, "/api/notes", `{"title":"A"}`, http.StatusOK, nil)

	resp, err := e.api.Client().Get(e.api.URL + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(metrics), `feedback_ledger_changes_recorded_total{type="create"} 1`)
	require.Contains(t, string(metrics), `feedback_ledger_size 1`)
	require.Contains(t, string(metrics), `route="/api/notes"`)

	resp, err = e.api.Client().Get(e.api.URL + "/")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(page), "<h1>changes</h1>")
}

func TestPrintChanges(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printChanges(&buf, nil))
	require.Equal(t, "No changes recorded\n", buf.String())

	buf.Reset()
	require.NoError(t, printChanges(&buf, store.SampleChanges(t)))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, buf.String(), "tag_add")
}

func TestPrintNotes(t *testing.T) {
	env, err := store.NewDocument([]byte(`{"data":[
		{"id":"1","title":"Crash on login","company":{"id":"c1","name":"Acme"},"tags":["bug",{"name":"ui"}]},
		{"id":2,"company":"String Corp"}
	]}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printNotes(&buf, env))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Regexp(t, `^1\s+Crash on login\s+Acme\s+bug, ui$`, lines[1])
	require.Regexp(t, `^2\s+-\s+String Corp\s+-$`, lines[2])
}

func compact(t *testing.T, body string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.Compact(&buf, []byte(body)))
	return buf.String()
}

func TestAPIKeyProtectsAPIRoutes(t *testing.T) {
	fake := remotetest.NewServer()
	defer fake.Close()
	l := ledger.New(jsonfile.NewJSONFileChangeStorage(filepath.Join(t.TempDir(), "local_changes.json")),
		ledger.WithLogger(quietLogger()))
	s := NewFeedbackServer(l, fake.Client(), quietLogger())
	api := httptest.NewServer(s.Router(RouterOptions{APIKey: "s3cret"}))
	defer api.Close()

	resp, err := api.Client().Post(api.URL+"/api/notes", "application/json", strings.NewReader(`{"title":"A"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, fake.Requests())

	req, err := http.NewRequest(http.MethodPost, api.URL+"/api/notes", strings.NewReader(`{"title":"A"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = api.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, l.Len())

	resp, err = api.Client().Get(api.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
