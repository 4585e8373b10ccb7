// Package enrich replaces the company references embedded in listed notes
// with the company records they point to.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/breez/feedback-ledger/remote"
	"github.com/breez/feedback-ledger/store"
)

const (
	DefaultConcurrency  = 8
	DefaultFetchTimeout = 30 * time.Second
)

// company fields copied onto an enriched note, besides the id
var mergedFields = []string{"name", "domain", "description"}

type CompanyFetcher interface {
	GetCompany(ctx context.Context, id string) (store.Document, error)
}

// Enricher fetches every company referenced by a page of notes once and
// merges the result into the notes. A company that cannot be fetched leaves
// the notes referencing it unchanged.
type Enricher struct {
	companies   CompanyFetcher
	logger      *slog.Logger
	concurrency  int
	fetchTimeout time.Duration
	group        singleflight.Group
}

type Option func(*Enricher)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Enricher) {
		e.logger = logger
	}
}

func WithConcurrency(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithFetchTimeout bounds a single company lookup.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(e *Enricher) {
		if timeout > 0 {
			e.fetchTimeout = timeout
		}
	}
}

func NewEnricher(companies CompanyFetcher, opts ...Option) *Enricher {
	e := &Enricher{
		companies:    companies,
		logger:       slog.Default(),
		concurrency:  DefaultConcurrency,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnrichNotes rewrites the "data" array of a list response envelope. Other
// envelope members and note fields pass through untouched. An envelope
// without notes is returned as is.
func (e *Enricher) EnrichNotes(ctx context.Context, envelope store.Document) (store.Document, error) {
	var env map[string]json.RawMessage
	if err := envelope.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode notes envelope: %w", err)
	}
	raw, ok := env["data"]
	if !ok {
		return envelope, nil
	}
	var notes []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &notes); err != nil {
		return nil, fmt.Errorf("failed to decode notes: %w", err)
	}
	if len(notes) == 0 {
		return envelope, nil
	}

	ids := make([]string, len(notes))
	unique := make(map[string]struct{})
	for i, note := range notes {
		if id := companyID(note["company"]); id != "" {
			ids[i] = id
			unique[id] = struct{}{}
		}
	}
	if len(unique) == 0 {
		return envelope, nil
	}

	companies := e.fetchAll(ctx, unique)
	for i, note := range notes {
		company, ok := companies[ids[i]]
		if ids[i] == "" || !ok {
			continue
		}
		merged, err := mergeCompany(note["company"], company)
		if err != nil {
			e.logger.Warn("failed to merge company into note", "company", ids[i], "err", err)
			continue
		}
		note["company"] = merged
	}

	data, err := json.Marshal(notes)
	if err != nil {
		return nil, err
	}
	env["data"] = data
	return store.DocumentOf(env)
}

// fetchAll returns the companies that could be fetched, keyed by id.
func (e *Enricher) fetchAll(ctx context.Context, ids map[string]struct{}) map[string]map[string]json.RawMessage {
	var mu sync.Mutex
	results := make(map[string]map[string]json.RawMessage, len(ids))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for id := range ids {
		id := id // per-iteration copy; go.mod targets go1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			company, err := e.fetch(ctx, id)
			if err != nil {
				e.logger.Error("failed to fetch company", "company", id, "err", err)
				return nil
			}
			if company != nil {
				mu.Lock()
				results[id] = company
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fetch collapses concurrent lookups of the same company, including those
// made by overlapping list requests. The shared lookup is detached from any
// single caller, so one cancelled request does not fail the others; each
// caller still stops waiting when its own context is done.
func (e *Enricher) fetch(ctx context.Context, id string) (map[string]json.RawMessage, error) {
	ch := e.group.DoChan(id, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.fetchTimeout)
		defer cancel()
		response, err := e.companies.GetCompany(ctx, id)
		if err != nil {
			return nil, err
		}
		data, err := remote.Unwrap(response)
		if err != nil {
			return nil, err
		}
		var company map[string]json.RawMessage
		if err := data.Decode(&company); err != nil {
			return nil, fmt.Errorf("failed to decode company: %w", err)
		}
		return company, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]json.RawMessage), nil
	}
}

// companyID returns the id of a company reference object, or "" when the
// note has no company, a plain string company or one without an id.
func companyID(raw json.RawMessage) string {
	var ref struct {
		ID json.RawMessage `json:"id"`
	}
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ""
	}
	id := bytes.TrimSpace(ref.ID)
	switch {
	case len(id) == 0, bytes.Equal(id, []byte("null")), bytes.Equal(id, []byte(`""`)),
		bytes.Equal(id, []byte("false")), bytes.Equal(id, []byte("0")):
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

func mergeCompany(ref json.RawMessage, company map[string]json.RawMessage) (json.RawMessage, error) {
	var original map[string]json.RawMessage
	if err := json.Unmarshal(ref, &original); err != nil {
		return nil, err
	}
	merged := map[string]json.RawMessage{"id": original["id"]}
	for _, field := range mergedFields {
		if v, ok := company[field]; ok {
			merged[field] = v
		}
	}
	return json.Marshal(merged)
}
