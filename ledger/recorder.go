package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/breez/feedback-ledger/remote"
	"github.com/breez/feedback-ledger/store"
)

// NoteService is the subset of the remote feedback API the ledger mutates
// and reads. Every method returns the remote response envelope.
type NoteService interface {
	GetNote(ctx context.Context, id string) (store.Document, error)
	CreateNote(ctx context.Context, body store.Document) (store.Document, error)
	UpdateNote(ctx context.Context, id string, body store.Document) (store.Document, error)
	DeleteNote(ctx context.Context, id string) (store.Document, error)
	AddTag(ctx context.Context, id, tagName string) (store.Document, error)
	RemoveTag(ctx context.Context, id, tagName string) (store.Document, error)
}

// Mutation names one mutating operation and its parameters.
type Mutation struct {
	Type    store.ChangeType
	NoteID  string
	TagName string
	Body    store.Document
}

// Result is a recorded change together with the remote response to hand
// back to the caller.
type Result struct {
	Change   store.Change
	Response store.Document
}

// Recorder applies mutations to the remote service and records each
// successful one in the ledger. Nothing is recorded when the precondition
// read or the mutating call fails.
type Recorder struct {
	ledger *Ledger
	notes  NoteService
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(ledger *Ledger, notes NoteService) *Recorder {
	return &Recorder{
		ledger: ledger,
		notes:  notes,
		logger: ledger.logger,
		now:    time.Now,
	}
}

// Apply dispatches m to the operation matching its type.
func (r *Recorder) Apply(ctx context.Context, m Mutation) (*Result, error) {
	switch m.Type {
	case store.ChangeCreate:
		return r.Create(ctx, m.Body)
	case store.ChangeUpdate:
		return r.Update(ctx, m.NoteID, m.Body)
	case store.ChangeDelete:
		return r.Delete(ctx, m.NoteID)
	case store.ChangeTagAdd:
		return r.AddTag(ctx, m.NoteID, m.TagName)
	case store.ChangeTagRemove:
		return r.RemoveTag(ctx, m.NoteID, m.TagName)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidChange, m.Type)
}

func (r *Recorder) Create(ctx context.Context, body store.Document) (*Result, error) {
	if body.IsNull() {
		return nil, fmt.Errorf("%w: create requires a note body", ErrInvalidChange)
	}
	response, err := r.notes.CreateNote(ctx, body)
	if err != nil {
		return nil, err
	}

	change := r.newChange(store.ChangeCreate, "")
	change.Data = body
	if created, err := remote.Unwrap(response); err != nil {
		r.logger.Warn("could not read created note", "err", err)
	} else if change.RemoteID, err = remote.NoteID(created); err != nil || change.RemoteID == "" {
		r.logger.Warn("created note has no id, change cannot be rolled back", "err", err)
	}
	return r.record(ctx, change, response)
}

func (r *Recorder) Update(ctx context.Context, id string, body store.Document) (*Result, error) {
	if err := requireNoteID(id); err != nil {
		return nil, err
	}
	if body.IsNull() {
		return nil, fmt.Errorf("%w: update requires a note body", ErrInvalidChange)
	}
	original, err := r.readNote(ctx, id)
	if err != nil {
		return nil, err
	}
	response, err := r.notes.UpdateNote(ctx, id, body)
	if err != nil {
		return nil, err
	}

	change := r.newChange(store.ChangeUpdate, id)
	change.Data = body
	change.OriginalData = original
	return r.record(ctx, change, response)
}

func (r *Recorder) Delete(ctx context.Context, id string) (*Result, error) {
	if err := requireNoteID(id); err != nil {
		return nil, err
	}
	original, err := r.readNote(ctx, id)
	if err != nil {
		return nil, err
	}
	response, err := r.notes.DeleteNote(ctx, id)
	if err != nil {
		return nil, err
	}

	change := r.newChange(store.ChangeDelete, id)
	change.OriginalData = original
	return r.record(ctx, change, response)
}

func (r *Recorder) AddTag(ctx context.Context, id, tagName string) (*Result, error) {
	return r.changeTag(ctx, store.ChangeTagAdd, id, tagName, r.notes.AddTag)
}

func (r *Recorder) RemoveTag(ctx context.Context, id, tagName string) (*Result, error) {
	return r.changeTag(ctx, store.ChangeTagRemove, id, tagName, r.notes.RemoveTag)
}

func (r *Recorder) changeTag(ctx context.Context, changeType store.ChangeType, id, tagName string,
	call func(ctx context.Context, id, tagName string) (store.Document, error)) (*Result, error) {

	if err := requireNoteID(id); err != nil {
		return nil, err
	}
	if tagName == "" {
		return nil, fmt.Errorf("%w: missing tag name", ErrInvalidChange)
	}
	// the recorded payload is JSON, which cannot carry invalid UTF-8 unchanged
	if !utf8.ValidString(tagName) {
		return nil, fmt.Errorf("%w: tag name is not valid UTF-8", ErrInvalidChange)
	}
	original, err := r.readNote(ctx, id)
	if err != nil {
		return nil, err
	}
	response, err := call(ctx, id, tagName)
	if err != nil {
		return nil, err
	}

	change := r.newChange(changeType, id)
	change.Data = store.TagPayload(tagName)
	change.OriginalData = original

	// the tag is already applied remotely, so a failed post-read only costs
	// the display snapshot
	updatedResponse, err := r.notes.GetNote(ctx, id)
	if err != nil {
		r.logger.Warn("failed to read note after tag change", "note", id, "tag", tagName, "err", err)
	} else {
		response = updatedResponse
		if change.UpdatedData, err = remote.Unwrap(updatedResponse); err != nil {
			r.logger.Warn("could not read updated note", "note", id, "err", err)
		}
	}
	return r.record(ctx, change, response)
}

func (r *Recorder) readNote(ctx context.Context, id string) (store.Document, error) {
	response, err := r.notes.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	note, err := remote.Unwrap(response)
	if err != nil {
		return nil, &remote.Error{Op: "get note", Err: err}
	}
	return note, nil
}

func (r *Recorder) newChange(changeType store.ChangeType, remoteID string) store.Change {
	return store.Change{
		ID:        newChangeID(),
		Type:      changeType,
		Timestamp: r.now().UTC().Truncate(time.Millisecond),
		RemoteID:  remoteID,
	}
}

func (r *Recorder) record(ctx context.Context, change store.Change, response store.Document) (*Result, error) {
	if err := r.ledger.Append(ctx, change); err != nil {
		return nil, err
	}
	r.logger.Info("recorded change", "id", change.ID, "type", change.Type, "note", change.RemoteID)
	return &Result{Change: change, Response: response}, nil
}

func requireNoteID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing note id", ErrInvalidChange)
	}
	return nil
}

// newChangeID returns a time ordered UUID so that ids sort like the changes
// they name and stay unique under concurrent mutations.
func newChangeID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
