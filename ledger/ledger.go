package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/breez/feedback-ledger/store"
)

var (
	ErrNotFound           = errors.New("change not found")
	ErrDuplicateID        = errors.New("duplicate change id")
	ErrInvalidChange      = errors.New("invalid change")
	ErrRollbackInProgress = errors.New("rollback already in progress")
)

// Ledger holds the ordered changes in memory and mirrors every mutation to
// its storage. The in-memory copy is authoritative for the life of the
// process: a failed write is logged and counted, never returned.
type Ledger struct {
	mu      sync.RWMutex
	changes []store.Change

	storage store.ChangeStorage
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(l *Ledger) {
		l.metrics = metrics
	}
}

func New(storage store.ChangeStorage, opts ...Option) *Ledger {
	l := &Ledger{
		changes: []store.Change{},
		storage: storage,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	return l
}

// Load replaces the in-memory ledger with the stored one. A missing,
// unreadable or corrupt store leaves the ledger empty; startup never fails
// because of it.
func (l *Ledger) Load(ctx context.Context) {
	changes, err := l.storage.Load(ctx)
	if err == nil {
		err = store.Validate(changes)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			l.logger.Error("change store is corrupt, starting with an empty ledger", "err", err)
		} else {
			l.logger.Error("failed to load change store, starting with an empty ledger", "err", err)
		}
		changes = nil
	}
	if changes == nil {
		changes = []store.Change{}
	}
	l.changes = changes
	l.metrics.size.Set(float64(len(l.changes)))
	l.logger.Info("loaded local changes", "count", len(l.changes))
}

// Append adds change at the end of the ledger and persists the full ledger
// before returning.
func (l *Ledger) Append(ctx context.Context, change store.Change) error {
	if change.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidChange)
	}
	if !change.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChange, change.Type)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.changes {
		if c.ID == change.ID {
			return fmt.Errorf("%w: %v", ErrDuplicateID, change.ID)
		}
	}
	l.changes = append(l.changes, change)
	l.metrics.changesRecorded.WithLabelValues(string(change.Type)).Inc()
	l.persistLocked(ctx)
	return nil
}

func (l *Ledger) FindByID(id string) (store.Change, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.changes {
		if c.ID == id {
			return c, nil
		}
	}
	return store.Change{}, fmt.Errorf("%w: %v", ErrNotFound, id)
}

// Remove drops the change with the given id and persists the full ledger.
func (l *Ledger) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := -1
	for i, c := range l.changes {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	remaining := make([]store.Change, 0, len(l.changes)-1)
	remaining = append(remaining, l.changes[:idx]...)
	remaining = append(remaining, l.changes[idx+1:]...)
	l.changes = remaining
	l.persistLocked(ctx)
	return nil
}

// List returns a copy of the ledger in insertion order.
func (l *Ledger) List() []store.Change {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]store.Change{}, l.changes...)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.changes)
}

// Flush writes the current ledger to storage and reports the outcome.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storage.Save(ctx, append([]store.Change{}, l.changes...))
}

// persistLocked must be called with l.mu held so that writes reach the
// storage in the same order as the mutations they mirror.
func (l *Ledger) persistLocked(ctx context.Context) {
	l.metrics.size.Set(float64(len(l.changes)))
	snapshot := append([]store.Change{}, l.changes...)
	if err := l.storage.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		l.metrics.persistFailures.Inc()
		l.logger.Error("failed to save local changes", "count", len(snapshot), "err", err)
		return
	}
	l.logger.Debug("saved local changes", "count", len(snapshot))
}
