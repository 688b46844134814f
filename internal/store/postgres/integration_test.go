package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/session"
)

// setupIntegrationTest connects to DATABASE_URL or skips the test.
func setupIntegrationTest(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to DB: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Skipping integration test: cannot ping DB: %v", err)
	}
	require.NoError(t, AutoMigrate(ctx, pool))
	t.Cleanup(pool.Close)
	return pool
}

func TestSessionLifecycleOnPostgres(t *testing.T) {
	pool := setupIntegrationTest(t)
	ctx := context.Background()

	reg := session.NewRegistry(New(pool))
	alice, bob, carol := "alice-"+uuid.NewString(), "bob-"+uuid.NewString(), "carol-"+uuid.NewString()

	s, err := reg.CreateSession(ctx, alice, session.NewSession{Name: "Integration", Capacity: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM sessions WHERE id = $1`, s.ID)
	})

	_, err = reg.Join(ctx, s.ID, alice)
	require.NoError(t, err)

	invs, err := reg.Invite(ctx, s.ID, alice, []string{bob})
	require.NoError(t, err)
	require.Len(t, invs, 1)

	pending, err := reg.ListInvitations(ctx, bob)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = reg.AcceptInvite(ctx, invs[0].ID, bob)
	require.NoError(t, err)

	_, err = reg.Join(ctx, s.ID, carol)
	assert.ErrorIs(t, err, session.ErrSessionFull)

	first, err := reg.Enqueue(ctx, s.ID, bob, session.Track{ID: "t1", Name: "One"})
	require.NoError(t, err)
	second, err := reg.Enqueue(ctx, s.ID, alice, session.Track{ID: "t2", Name: "Two"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)

	_, _, err = reg.MoveQueueItem(ctx, s.ID, alice, second.ID, 1)
	require.NoError(t, err)

	cur, err := reg.Advance(ctx, s.ID, alice)
	require.NoError(t, err)
	require.NotNil(t, cur.CurrentTrack)
	assert.Equal(t, "t2", cur.CurrentTrack.ID)

	snap, err := reg.Snapshot(ctx, s.ID, bob)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 2)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, "t1", snap.Queue[0].Track.ID)

	require.NoError(t, reg.End(ctx, s.ID, alice))
	_, err = reg.SetPlayback(ctx, s.ID, alice, nil, nil)
	assert.ErrorIs(t, err, session.ErrSessionEnded)
}
