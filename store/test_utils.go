package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

// SampleChanges returns one change of every type, with timestamps truncated
// to milliseconds so that every backend can represent them exactly.
func SampleChanges(t *testing.T) []Change {
	base := time.Date(2024, 3, 1, 12, 30, 0, 123000000, time.UTC)
	doc := func(v any) Document {
		d, err := DocumentOf(v)
		require.NoError(t, err, "failed to build document")
		return d
	}
	return []Change{
		{
			ID:           uuid.NewString(),
			Type:         ChangeCreate,
			Timestamp:    base,
			RemoteID:     "1",
			Data:         doc(map[string]any{"title": "A"}),
			OriginalData: nil,
		},
		{
			ID:           uuid.NewString(),
			Type:         ChangeUpdate,
			Timestamp:    base.Add(time.Second),
			RemoteID:     "2",
			Data:         doc(map[string]any{"tags": []string{"y"}}),
			OriginalData: doc(map[string]any{"tags": []string{"x"}}),
		},
		{
			ID:           uuid.NewString(),
			Type:         ChangeDelete,
			Timestamp:    base.Add(2 * time.Second),
			RemoteID:     "3",
			Data:         nil,
			OriginalData: doc(map[string]any{"title": "Z"}),
		},
		{
			ID:           uuid.NewString(),
			Type:         ChangeTagAdd,
			Timestamp:    base.Add(3 * time.Second),
			RemoteID:     "4",
			Data:         TagPayload("café & 緊急"),
			OriginalData: doc(map[string]any{"tags": []string{}}),
			UpdatedData:  doc(map[string]any{"tags": []string{"café & 緊急"}}),
		},
		{
			ID:           uuid.NewString(),
			Type:         ChangeTagRemove,
			Timestamp:    base.Add(4 * time.Second),
			RemoteID:     "5",
			Data:         TagPayload("urgent"),
			OriginalData: doc(map[string]any{"tags": []string{"urgent", "kept"}}),
			UpdatedData:  doc(map[string]any{"tags": []string{"kept"}}),
		},
	}
}

func (s *StoreTest) TestEmpty(t *testing.T, storage ChangeStorage) {
	changes, err := storage.Load(context.Background())
	require.NoError(t, err, "failed to load empty store")
	require.Empty(t, changes)
}

func (s *StoreTest) TestRoundTrip(t *testing.T, storage ChangeStorage) {
	changes := SampleChanges(t)
	err := storage.Save(context.Background(), changes)
	require.NoError(t, err, "failed to save changes")

	loaded, err := storage.Load(context.Background())
	require.NoError(t, err, "failed to load changes")
	require.Equal(t, changes, loaded)
	require.Equal(t, "café & 緊急", loaded[3].TagName())
}

func (s *StoreTest) TestOverwrite(t *testing.T, storage ChangeStorage) {
	changes := SampleChanges(t)
	err := storage.Save(context.Background(), changes)
	require.NoError(t, err, "failed to save changes")

	// a removal rewrites the full ledger
	remaining := []Change{changes[0], changes[4]}
	err = storage.Save(context.Background(), remaining)
	require.NoError(t, err, "failed to save remaining changes")

	loaded, err := storage.Load(context.Background())
	require.NoError(t, err, "failed to load changes")
	require.Equal(t, remaining, loaded)

	err = storage.Save(context.Background(), nil)
	require.NoError(t, err, "failed to save empty ledger")
	loaded, err = storage.Load(context.Background())
	require.NoError(t, err, "failed to load empty ledger")
	require.Empty(t, loaded)
}
