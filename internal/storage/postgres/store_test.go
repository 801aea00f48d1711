package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"sitewatch/internal/storage"
	"sitewatch/internal/storage/storagetest"
)

// The suite needs a disposable database; every subtest truncates it.
func TestPostgresStore(t *testing.T) {
	connString := os.Getenv("SITEWATCH_TEST_POSTGRES_URL")
	if connString == "" {
		t.Skip("SITEWATCH_TEST_POSTGRES_URL not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Storer {
		ctx := context.Background()
		store, err := New(ctx, connString, 4)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		_, err = store.db.Exec(ctx, `TRUNCATE changes, snapshots, sites RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		return store
	})
}
