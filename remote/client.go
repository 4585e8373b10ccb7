package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/breez/feedback-ledger/store"
)

const (
	DefaultBaseURL    = "https://api.productboard.com"
	DefaultAPIVersion = "1"
	DefaultTimeout    = 30 * time.Second

	// cap on error bodies kept in *Error
	maxErrorBody = 4096
)

// Client talks to the remote feedback service. Every method returns the raw
// response envelope; use Unwrap to reach the "data" member.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithAPIVersion(version string) Option {
	return func(c *Client) {
		c.apiVersion = version
	}
}

// WithTimeout bounds every request, including reading the response body.
// It applies to a copy of the HTTP client, so a shared client passed to
// WithHTTPClient is left untouched.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		apiVersion: DefaultAPIVersion,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		httpClient := *c.httpClient
		httpClient.Timeout = c.timeout
		c.httpClient = &httpClient
	}
	return c
}

func notePath(id string) string {
	return "/notes/" + url.PathEscape(id)
}

func tagPath(id, tagName string) string {
	return notePath(id) + "/tags/" + url.PathEscape(tagName)
}

func (c *Client) ListNotes(ctx context.Context) (store.Document, error) {
	return c.do(ctx, "list notes", http.MethodGet, "/notes", nil)
}

func (c *Client) GetNote(ctx context.Context, id string) (store.Document, error) {
	return c.do(ctx, "get note", http.MethodGet, notePath(id), nil)
}

func (c *Client) CreateNote(ctx context.Context, body store.Document) (store.Document, error) {
	return c.do(ctx, "create note", http.MethodPost, "/notes", body)
}

func (c *Client) UpdateNote(ctx context.Context, id string, body store.Document) (store.Document, error) {
	return c.do(ctx, "update note", http.MethodPut, notePath(id), body)
}

func (c *Client) DeleteNote(ctx context.Context, id string) (store.Document, error) {
	return c.do(ctx, "delete note", http.MethodDelete, notePath(id), nil)
}

func (c *Client) AddTag(ctx context.Context, id, tagName string) (store.Document, error) {
	return c.do(ctx, "add tag", http.MethodPost, tagPath(id, tagName), nil)
}

func (c *Client) RemoveTag(ctx context.Context, id, tagName string) (store.Document, error) {
	return c.do(ctx, "remove tag", http.MethodDelete, tagPath(id, tagName), nil)
}

func (c *Client) GetCompany(ctx context.Context, id string) (store.Document, error) {
	return c.do(ctx, "get company", http.MethodGet, "/companies/"+url.PathEscape(id), nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body store.Document) (store.Document, error) {
	var reader io.Reader
	if !body.IsNull() {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Version", c.apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	doc, err := store.NewDocument(raw)
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return doc, nil
}

type envelope struct {
	Data store.Document `json:"data"`
}

// Unwrap returns the "data" member of a response envelope.
func Unwrap(doc store.Document) (store.Document, error) {
	var env envelope
	if err := doc.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response envelope: %w", err)
	}
	return env.Data, nil
}

// NoteID extracts the id of a note. Numeric ids are returned in their JSON
// text form.
func NoteID(note store.Document) (string, error) {
	var n struct {
		ID json.RawMessage `json:"id"`
	}
	if err := note.Decode(&n); err != nil {
		return "", fmt.Errorf("failed to decode note: %w", err)
	}
	if len(n.ID) == 0 || string(n.ID) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(n.ID, &id); err == nil {
		return id, nil
	}
	return string(n.ID), nil
}
