package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder keeps every published event in order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Types() []EventType {
	var out []EventType
	for _, ev := range r.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type testEnv struct {
	store *MemoryStore
	reg   *Registry
	clock *fakeClock
	pub   *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	var (
		mu  sync.Mutex
		seq int
	)
	env := &testEnv{
		store: NewMemoryStore(),
		clock: newFakeClock(),
		pub:   &recorder{},
	}
	env.reg = NewRegistry(env.store,
		WithPublisher(env.pub),
		WithClock(env.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	)
	return env
}

func (e *testEnv) create(t *testing.T, creator string, ns NewSession) *Session {
	t.Helper()
	if ns.Name == "" {
		ns.Name = "Friday night"
	}
	if ns.Capacity == 0 {
		ns.Capacity = 10
	}
	s, err := e.reg.CreateSession(context.Background(), creator, ns)
	require.NoError(t, err)
	return s
}

func (e *testEnv) join(t *testing.T, sessionID string, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := e.reg.Join(context.Background(), sessionID, u)
		require.NoError(t, err, "join %s", u)
	}
}

func (e *testEnv) load(t *testing.T, sessionID string) *Aggregate {
	t.Helper()
	agg, err := e.store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	return agg
}

func track(id string) Track {
	return Track{ID: id, Name: "Song " + id, Artist: "Artist"}
}

func ptr[T any](v T) *T { return &v }
