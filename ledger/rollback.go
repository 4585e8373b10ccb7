package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/breez/feedback-ledger/remote"
	"github.com/breez/feedback-ledger/store"
)

// RollbackResult describes a reversed change. NewRemoteID is set when
// reversing a delete re-created the note under a new remote id; other
// changes that still name the old id are not rewritten.
type RollbackResult struct {
	Change      store.Change
	Response    store.Document
	NewRemoteID string
}

// Rollbacker issues the inverse remote call of a recorded change and removes
// the change from the ledger once that call succeeded.
type Rollbacker struct {
	ledger *Ledger
	notes  NoteService
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewRollbacker(ledger *Ledger, notes NoteService) *Rollbacker {
	return &Rollbacker{
		ledger:   ledger,
		notes:    notes,
		logger:   ledger.logger,
		inflight: make(map[string]struct{}),
	}
}

// Rollback reverses the change with the given id. It fails with ErrNotFound
// for unknown or already reversed changes and leaves the ledger untouched
// when the inverse call fails, so the rollback can be retried.
func (r *Rollbacker) Rollback(ctx context.Context, changeID string) (*RollbackResult, error) {
	if !r.claim(changeID) {
		return nil, fmt.Errorf("%w: %v", ErrRollbackInProgress, changeID)
	}
	defer r.release(changeID)

	change, err := r.ledger.FindByID(changeID)
	if err != nil {
		return nil, err
	}

	result, err := r.inverse(ctx, change)
	if err != nil {
		r.ledger.metrics.rollbacks.WithLabelValues(string(change.Type), "failure").Inc()
		r.logger.Error("failed to roll back change", "id", change.ID, "type", change.Type, "note", change.RemoteID, "err", err)
		return nil, err
	}
	if err := r.ledger.Remove(ctx, changeID); err != nil {
		return nil, err
	}
	r.ledger.metrics.rollbacks.WithLabelValues(string(change.Type), "success").Inc()
	r.logger.Info("rolled back change", "id", change.ID, "type", change.Type, "note", change.RemoteID)
	return result, nil
}

func (r *Rollbacker) inverse(ctx context.Context, change store.Change) (*RollbackResult, error) {
	result := &RollbackResult{Change: change}
	if change.RemoteID == "" && change.Type != store.ChangeDelete {
		return nil, fmt.Errorf("%w: change %v has no remote id", ErrInvalidChange, change.ID)
	}
	if (change.Type == store.ChangeTagAdd || change.Type == store.ChangeTagRemove) && change.TagName() == "" {
		return nil, fmt.Errorf("%w: change %v has no tag name", ErrInvalidChange, change.ID)
	}

	var err error
	switch change.Type {
	case store.ChangeCreate:
		result.Response, err = r.notes.DeleteNote(ctx, change.RemoteID)
	case store.ChangeUpdate:
		if change.OriginalData.IsNull() {
			return nil, fmt.Errorf("%w: change %v has no original data", ErrInvalidChange, change.ID)
		}
		result.Response, err = r.notes.UpdateNote(ctx, change.RemoteID, change.OriginalData)
	case store.ChangeDelete:
		if change.OriginalData.IsNull() {
			return nil, fmt.Errorf("%w: change %v has no original data", ErrInvalidChange, change.ID)
		}
		result.Response, err = r.notes.CreateNote(ctx, change.OriginalData)
		if err == nil {
			result.NewRemoteID = createdNoteID(result.Response)
		}
	case store.ChangeTagAdd:
		result.Response, err = r.notes.RemoveTag(ctx, change.RemoteID, change.TagName())
	case store.ChangeTagRemove:
		result.Response, err = r.notes.AddTag(ctx, change.RemoteID, change.TagName())
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidChange, change.Type)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Rollbacker) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Rollbacker) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

func createdNoteID(response store.Document) string {
	note, err := remote.Unwrap(response)
	if err != nil {
		return ""
	}
	id, _ := remote.NoteID(note)
	return id
}
