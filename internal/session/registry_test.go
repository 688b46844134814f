package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore lets Update fail after fn ran, as a lost database connection
// at commit time would.
type failingStore struct {
	*MemoryStore
	fail error
}

func (f *failingStore) Update(ctx context.Context, id string, fn func(*Aggregate) error) error {
	if f.fail == nil {
		return f.MemoryStore.Update(ctx, id, fn)
	}
	agg, err := f.MemoryStore.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(agg); err != nil {
		return err
	}
	return f.fail
}

func TestEventsArePublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var seen []int
	reg := NewRegistry(store, WithPublisher(PublisherFunc(func(ctx context.Context, ev Event) error {
		agg, err := store.Load(ctx, ev.SessionID)
		if err != nil {
			return err
		}
		seen = append(seen, agg.ActiveCount())
		return nil
	})))

	s, err := reg.CreateSession(ctx, "alice", NewSession{Name: "n", Capacity: 5})
	require.NoError(t, err)
	_, err = reg.Join(ctx, s.ID, "alice")
	require.NoError(t, err)
	_, err = reg.Join(ctx, s.ID, "bob")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, seen)
}

func TestEventEnvelope(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, "alice", NewSession{})
	env.join(t, s.ID, "alice")

	_, err := env.reg.Enqueue(WithoutEcho(context.Background()), s.ID, "alice", track("t1"))
	require.NoError(t, err)

	events := env.pub.Events()
	require.Len(t, events, 2)

	joined := events[0]
	assert.Equal(t, EventParticipantJoined, joined.Type)
	assert.Equal(t, s.ID, joined.SessionID)
	assert.Equal(t, "alice", joined.Origin)
	assert.False(t, joined.SkipOrigin)
	assert.Equal(t, env.clock.Now(), joined.At)

	queued := events[1]
	assert.Equal(t, EventQueueChanged, queued.Type)
	assert.True(t, queued.SkipOrigin)
}

func TestFailedCommandPublishesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.create(t, "alice", NewSession{Capacity: 1})
	env.join(t, s.ID, "alice")
	env.pub.Reset()

	_, err := env.reg.Join(ctx, s.ID, "bob")
	require.ErrorIs(t, err, ErrSessionFull)
	_, err = env.reg.Enqueue(ctx, s.ID, "bob", track("t1"))
	require.ErrorIs(t, err, ErrForbidden)

	assert.Empty(t, env.pub.Events())
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	pub := &recorder{}
	reg := NewRegistry(store, WithPublisher(pub))

	s, err := reg.CreateSession(ctx, "alice", NewSession{Name: "n", Capacity: 5})
	require.NoError(t, err)

	store.fail = errors.New("connection reset")
	_, err = reg.Join(ctx, s.ID, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, KindUnavailable, KindOf(err))

	assert.Empty(t, pub.Events(), "nothing is broadcast for an unpersisted change")
	agg, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, agg.ActiveCount())
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.create(t, "alice", NewSession{Capacity: 5})

	const users = 40
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
		full   int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.reg.Join(ctx, s.ID, fmt.Sprintf("user-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, ErrSessionFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, joined)
	assert.Equal(t, users-5, full)
	assert.Equal(t, 5, env.load(t, s.ID).ActiveCount())
}

func TestCommandsApplyInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.create(t, "alice", NewSession{})
	env.join(t, s.ID, "alice")

	for i := 0; i < 20; i++ {
		_, err := env.reg.Enqueue(ctx, s.ID, "alice", track(fmt.Sprintf("t%02d", i)))
		require.NoError(t, err)
	}

	upcoming := env.load(t, s.ID).Upcoming()
	require.Len(t, upcoming, 20)
	for i, it := range upcoming {
		assert.Equal(t, fmt.Sprintf("t%02d", i), it.Track.ID)
		assert.Equal(t, i+1, it.Position)
	}
}

func TestIdleWorkersExit(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore(), WithIdleTimeout(10*time.Millisecond))
	s, err := reg.CreateSession(ctx, "alice", NewSession{Name: "n", Capacity: 5})
	require.NoError(t, err)

	_, err = reg.Join(ctx, s.ID, "alice")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.workers) == 0
	}, time.Second, 5*time.Millisecond)

	// A fresh worker is started on demand.
	require.NoError(t, reg.Leave(ctx, s.ID, "alice"))
}

func TestCanceledCommandIsNotApplied(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, "alice", NewSession{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.reg.Join(ctx, s.ID, "alice")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, env.load(t, s.ID).ActiveCount())
}

// gatedStore parks every Update until gate is closed. With detach set the
// write goes ahead even if the caller's context ended while it waited.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	gate    chan struct{}
	detach  bool
}

func (g *gatedStore) Update(ctx context.Context, id string, fn func(*Aggregate) error) error {
	if g.gate != nil {
		g.entered <- struct{}{}
		<-g.gate
	}
	if g.detach {
		ctx = context.WithoutCancel(ctx)
	}
	return g.MemoryStore.Update(ctx, id, fn)
}

func TestCanceledCallerSeesTheStoreOutcome(t *testing.T) {
	tests := []struct {
		name   string
		detach bool
	}{
		{"store aborts the write", false},
		{"store commits the write", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := &gatedStore{MemoryStore: NewMemoryStore()}
			reg := NewRegistry(store, WithPublisher(&recorder{}))

			s, err := reg.CreateSession(ctx, "alice", NewSession{Name: "n", Capacity: 5})
			require.NoError(t, err)
			_, err = reg.Join(ctx, s.ID, "alice")
			require.NoError(t, err)
			var ids []string
			for _, id := range []string{"a", "b", "c"} {
				it, err := reg.Enqueue(ctx, s.ID, "alice", track(id))
				require.NoError(t, err)
				ids = append(ids, it.ID)
			}

			// Set before the next command is queued; the worker reads these
			// only after receiving it.
			store.entered = make(chan struct{})
			store.gate = make(chan struct{})
			store.detach = tt.detach

			callCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				<-store.entered
				cancel()
				time.AfterFunc(20*time.Millisecond, func() { close(store.gate) })
			}()

			from, to, err := reg.MoveQueueItem(callCtx, s.ID, "alice", ids[0], 3)
			require.ErrorIs(t, callCtx.Err(), context.Canceled)

			agg, loadErr := store.Load(ctx, s.ID)
			require.NoError(t, loadErr)
			if tt.detach {
				require.NoError(t, err)
				assert.Equal(t, 1, from)
				assert.Equal(t, 3, to)
				assert.Equal(t, map[string]int{"b": 1, "c": 2, "a": 3}, positions(agg.Upcoming()))
				return
			}
			require.ErrorIs(t, err, context.Canceled)
			assert.Zero(t, from)
			assert.Zero(t, to)
			assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, positions(agg.Upcoming()))
		})
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.create(t, "alice", NewSession{Visibility: VisibilityPrivate})
	env.join(t, s.ID, "alice")
	_, err := env.reg.Enqueue(ctx, s.ID, "alice", track("t1"))
	require.NoError(t, err)

	snap, err := env.reg.Snapshot(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.ID, snap.Session.ID)
	require.Len(t, snap.Participants, 1)
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, env.clock.Now(), snap.ServerTime)

	_, err = env.reg.Snapshot(ctx, s.ID, "mallory")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = env.reg.Invite(ctx, s.ID, "alice", []string{"bob"})
	require.NoError(t, err)
	_, err = env.reg.Snapshot(ctx, s.ID, "bob")
	assert.NoError(t, err, "invitees may look before accepting")

	_, err = env.reg.Snapshot(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.reg.CreateSession(ctx, "alice", NewSession{Name: "  Late night  ", Capacity: 3})
	require.NoError(t, err)
	assert.Equal(t, "Late night", s.Name)
	assert.Equal(t, VisibilityPublic, s.Visibility)
	assert.Equal(t, QueueModeCollaborative, s.QueueMode)
	assert.True(t, s.Active)
	assert.Equal(t, StateIdle, s.State())

	tests := []struct {
		name string
		ns   NewSession
	}{
		{"missing name", NewSession{Capacity: 3}},
		{"zero capacity", NewSession{Name: "x"}},
		{"bad visibility", NewSession{Name: "x", Capacity: 3, Visibility: "secret"}},
		{"bad queue mode", NewSession{Name: "x", Capacity: 3, QueueMode: "chaos"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reg.CreateSession(ctx, "alice", tt.ns)
			assert.Equal(t, KindInvalidArgument, KindOf(err))
		})
	}

	list, err := env.reg.ListPublic(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)
}
