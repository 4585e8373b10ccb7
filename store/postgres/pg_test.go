package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/breez/feedback-ledger/store"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *PgChangeStorage {
	databaseURL := os.Getenv("TEST_PG_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_PG_DATABASE_URL is not set")
	}
	storage, err := NewPGChangeStorage(databaseURL)
	require.NoError(t, err, "failed to connect")
	require.NoError(t, storage.Save(context.Background(), nil), "failed to reset changes")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestEmpty(t *testing.T) {
	(&store.StoreTest{}).TestEmpty(t, newStorage(t))
}

func TestRoundTrip(t *testing.T) {
	(&store.StoreTest{}).TestRoundTrip(t, newStorage(t))
}

func TestOverwrite(t *testing.T) {
	(&store.StoreTest{}).TestOverwrite(t, newStorage(t))
}
