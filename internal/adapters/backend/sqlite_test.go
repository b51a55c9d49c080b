package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lesson/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreAuthorize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	info, err := store.CreateSession(ctx, "tutor")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, domain.SessionCreated, info.State)

	_, err = store.Authorize(ctx, info.ID, "student")
	require.ErrorIs(t, err, domain.ErrNotAuthorized)

	require.NoError(t, store.Grant(ctx, info.ID, "student", "Ada"))

	got, err := store.Authorize(ctx, info.ID, "student")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("tutor"), got.InitiatorID)
	assert.Equal(t, "tutor", got.CounterpartName)

	got, err = store.Authorize(ctx, info.ID, "tutor")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.CounterpartName)
}

func TestSQLiteStoreUnknownSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Authorize(ctx, "missing", "tutor")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.ErrorIs(t, store.Grant(ctx, "missing", "student", ""), domain.ErrSessionNotFound)
	require.ErrorIs(t, store.EndSession(ctx, "missing"), domain.ErrSessionNotFound)
}

func TestSQLiteStoreEndSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	info, err := store.CreateSession(ctx, "tutor")
	require.NoError(t, err)
	require.NoError(t, store.Grant(ctx, info.ID, "student", ""))

	require.NoError(t, store.EndSession(ctx, info.ID))
	require.NoError(t, store.EndSession(ctx, info.ID), "ending twice is a no-op")

	got, err := store.Authorize(ctx, info.ID, "student")
	require.ErrorIs(t, err, domain.ErrSessionEnded)
	assert.Equal(t, domain.SessionEnded, got.State)
	require.ErrorIs(t, store.Grant(ctx, info.ID, "late", ""), domain.ErrSessionEnded)
}

func TestSQLiteStoreValidatesIdentities(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateSession(ctx, "")
	require.ErrorIs(t, err, domain.ErrParticipantIDEmpty)

	info, err := store.CreateSession(ctx, "tutor")
	require.NoError(t, err)
	long := make([]byte, domain.MaxDisplayNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	require.ErrorIs(t, store.Grant(ctx, info.ID, "student", string(long)), domain.ErrDisplayNameTooLong)
}
