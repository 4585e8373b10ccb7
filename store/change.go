package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt is returned by a ChangeStorage when the persisted ledger exists
// but cannot be decoded into changes.
var ErrCorrupt = errors.New("corrupt change store")

type ChangeType string

const (
	ChangeCreate    ChangeType = "create"
	ChangeUpdate    ChangeType = "update"
	ChangeDelete    ChangeType = "delete"
	ChangeTagAdd    ChangeType = "tag_add"
	ChangeTagRemove ChangeType = "tag_remove"
)

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeTagAdd, ChangeTagRemove:
		return true
	}
	return false
}

// Document is a JSON document held in compact form. The empty document
// encodes as null and null decodes to the empty document.
type Document []byte

// NewDocument compacts raw. Empty input and a literal null both yield the
// empty document.
func NewDocument(raw []byte) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("invalid json document: %w", err)
	}
	return Document(buf.Bytes()), nil
}

// DocumentOf marshals v into a Document.
func DocumentOf(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return NewDocument(raw)
}

func (d Document) IsNull() bool {
	return len(d) == 0
}

// Decode unmarshals the document into v. Decoding the empty document is a
// no-op.
func (d Document) Decode(v any) error {
	if d.IsNull() {
		return nil
	}
	return json.Unmarshal(d, v)
}

func (d Document) String() string {
	if d.IsNull() {
		return "null"
	}
	return string(d)
}

func (d Document) MarshalJSON() ([]byte, error) {
	if d.IsNull() {
		return []byte("null"), nil
	}
	return d, nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	doc, err := NewDocument(data)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

// Change is one applied mutation against the remote feedback service,
// holding enough state to issue its inverse.
type Change struct {
	ID           string     `json:"id"`
	Type         ChangeType `json:"type"`
	Timestamp    time.Time  `json:"timestamp"`
	RemoteID     string     `json:"remoteId,omitempty"`
	Data         Document   `json:"data"`
	OriginalData Document   `json:"originalData"`
	UpdatedData  Document   `json:"updatedData,omitempty"`
}

type tagPayload struct {
	TagName string `json:"tagName"`
}

// TagPayload builds the data document recorded for tag changes.
func TagPayload(tagName string) Document {
	doc, _ := DocumentOf(tagPayload{TagName: tagName})
	return doc
}

// TagName returns the tag a tag_add or tag_remove change applies to.
func (c Change) TagName() string {
	var p tagPayload
	if err := c.Data.Decode(&p); err != nil {
		return ""
	}
	return p.TagName
}

// Validate checks a loaded ledger for the structure the rest of the system
// relies on: known types and unique, non-empty ids.
func Validate(changes []Change) error {
	seen := make(map[string]struct{}, len(changes))
	for i, c := range changes {
		if c.ID == "" {
			return fmt.Errorf("%w: change %d has no id", ErrCorrupt, i)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: change %s has unknown type %q", ErrCorrupt, c.ID, c.Type)
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("%w: duplicate change id %s", ErrCorrupt, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// ChangeStorage mirrors the full ordered ledger to durable storage. Save
// replaces whatever was stored before. Load returns an empty slice when
// nothing was ever saved and ErrCorrupt when the stored data is unreadable.
type ChangeStorage interface {
	Load(ctx context.Context) ([]Change, error)
	Save(ctx context.Context, changes []Change) error
}
