package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/card-appraiser/internal/model"
)

func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite(filepath.Join(t.TempDir(), "missing-dir", "sub", "cards.db"))
	assert.Error(t, err)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_CloseAndReopenKeepsCards(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cards.db")
	ctx := context.Background()

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.CreateCard(ctx, "alice", testCard("alice", "card-1")))
	require.NoError(t, st.Close())

	st, err = NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	got, err := st.GetCard(ctx, "alice", "alice", "card-1")
	require.NoError(t, err)
	assert.Equal(t, "Charizard", got.Name)
}

func TestSQLite_SnapshotExpiryUsesStoreClock(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	require.NoError(t, st.PutSnapshot(ctx, model.PricingSnapshot{
		OwnerID: "alice", CardID: "card-1",
		Result:    model.PricingResult{CompsCount: 5},
		CreatedAt: now, ExpiresAt: now.Add(300 * time.Second),
	}))

	st.now = func() time.Time { return now.Add(299 * time.Second) }
	snap, err := st.GetSnapshot(ctx, "alice", "card-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.ExpiresAt.Equal(now.Add(300*time.Second)))

	st.now = func() time.Time { return now.Add(300 * time.Second) }
	snap, err = st.GetSnapshot(ctx, "alice", "card-1")
	require.NoError(t, err)
	assert.Nil(t, snap, "snapshot expires at exactly ExpiresAt")
}

func TestSQLite_CorruptAuthenticityJSON(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateCard(ctx, "alice", testCard("alice", "card-1")))

	_, err := st.db.ExecContext(ctx, `UPDATE cards SET authenticity = '{not json' WHERE card_id = 'card-1'`)
	require.NoError(t, err)

	_, err = st.GetCard(ctx, "alice", "alice", "card-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal authenticity")
}

func TestSQLite_OperationsAfterClose(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Close())

	err := st.CreateCard(context.Background(), "alice", testCard("alice", "card-1"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestFormatTime_LexicalOrder(t *testing.T) {
	a := time.Date(2026, 1, 1, 9, 59, 59, 999999000, time.UTC)
	b := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Less(t, formatTime(a), formatTime(b))
	assert.Len(t, formatTime(a), len(formatTime(b)))

	parsed, err := parseTime(formatTime(a))
	require.NoError(t, err)
	assert.True(t, a.Equal(parsed))
}
