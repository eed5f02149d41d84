package configstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreUpdateAndGet(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Get(ctx, "srv-1")
	require.ErrorIs(t, err, ErrNotFound)

	cfg := ServerConfig{
		ID:        "srv-1",
		Name:      "github",
		Transport: "streamable",
		URL:       "https://example.test/mcp",
		Headers:   map[string]string{"X-Test": "1"},
		SessionID: "sess-abc",
		Status:    StatusConnected,
	}
	require.NoError(t, store.Update(ctx, cfg))

	loaded, err := store.Get(ctx, "srv-1")
	require.NoError(t, err)
	require.Equal(t, cfg.SessionID, loaded.SessionID)
	require.Equal(t, cfg.Status, loaded.Status)
	require.Equal(t, "1", loaded.Headers["X-Test"])

	byName, err := store.GetByName(ctx, "github")
	require.NoError(t, err)
	require.Equal(t, cfg.ID, byName.ID)

	cfg.SessionID = ""
	require.NoError(t, store.Update(ctx, cfg))
	cleared, err := store.Get(ctx, "srv-1")
	require.NoError(t, err)
	require.Empty(t, cleared.SessionID)
}
