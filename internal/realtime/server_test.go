package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/session"
)

const testOrigin = "http://localhost:3000"

type testRoom struct {
	hub      *Hub
	reg      *session.Registry
	store    *session.MemoryStore
	srv      *Server
	ts       *httptest.Server
	url      string
	presence *Presence
}

func newTestRoom(t *testing.T, opts Options) *testRoom {
	t.Helper()
	hub, _ := startHub(t)
	store := session.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(store, session.WithPublisher(hub), session.WithLogger(logger))

	opts.AllowedOrigin = testOrigin
	opts.Logger = logger
	if opts.Presence == nil {
		opts.Presence = NewPresence(reg, time.Hour, logger)
	}
	srv := NewServer(hub, reg, opts)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := srv.ServeSession(w, r, q.Get("session"), q.Get("user")); err != nil {
			status := http.StatusServiceUnavailable
			if session.KindOf(err) == session.KindNotFound {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
		}
	}))
	t.Cleanup(ts.Close)

	return &testRoom{
		hub:      hub,
		reg:      reg,
		store:    store,
		srv:      srv,
		ts:       ts,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		presence: opts.Presence,
	}
}

func (r *testRoom) dial(t *testing.T, sessionID, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	ws, _, err := websocket.DefaultDialer.Dial(r.url+"?session="+sessionID+"&user="+userID, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	first := readEvent(t, ws)
	require.Equal(t, session.EventSnapshot, first.Type)
	return ws
}

func (r *testRoom) newSession(t *testing.T, creator string, ns session.NewSession, members ...string) *session.Session {
	t.Helper()
	ctx := context.Background()
	if ns.Name == "" {
		ns.Name = "Room"
	}
	if ns.Capacity == 0 {
		ns.Capacity = 10
	}
	s, err := r.reg.CreateSession(ctx, creator, ns)
	require.NoError(t, err)
	for _, m := range members {
		_, err := r.reg.Join(ctx, s.ID, m)
		require.NoError(t, err)
	}
	return s
}

// readUntil returns the first message matching pred.
func readUntil(t *testing.T, ws *websocket.Conn, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(msg, &m))
		if pred(m) {
			return m
		}
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func TestServeSession_SnapshotOnConnect(t *testing.T) {
	room := newTestRoom(t, Options{})
	s := room.newSession(t, "alice", session.NewSession{}, "alice")

	header := http.Header{}
	header.Set("Origin", testOrigin)
	ws, _, err := websocket.DefaultDialer.Dial(room.url+"?session="+s.ID+"&user=alice", header)
	require.NoError(t, err)
	defer ws.Close()

	ev := readEvent(t, ws)
	assert.Equal(t, session.EventSnapshot, ev.Type)
	assert.Equal(t, s.ID, ev.SessionID)

	payload, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, "Room", snap.Session.Name)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "alice", snap.Participants[0].UserID)
}

func TestServeSession_Rejections(t *testing.T) {
	room := newTestRoom(t, Options{})
	s := room.newSession(t, "alice", session.NewSession{Visibility: session.VisibilityPrivate})

	t.Run("Forbidden Origin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Origin", "http://evil.com")
		_, resp, err := websocket.DefaultDialer.Dial(room.url+"?session="+s.ID+"&user=alice", header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Private Session Stranger", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(room.url+"?session="+s.ID+"&user=mallory", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Unknown Session", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(room.url+"?session=nope&user=alice", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestCommands(t *testing.T) {
	room := newTestRoom(t, Options{})
	s := room.newSession(t, "alice", session.NewSession{}, "alice", "bob")

	alice := room.dial(t, s.ID, "alice")
	bob := room.dial(t, s.ID, "bob")

	require.NoError(t, alice.WriteJSON(Command{ID: "1", Type: CmdEnqueue, Track: &session.Track{ID: "t1", Name: "One"}}))

	ack := readUntil(t, alice, ofType("ack"))
	assert.Equal(t, "1", ack["id"])

	ev := readUntil(t, bob, ofType(string(session.EventQueueChanged)))
	assert.Equal(t, "alice", ev["origin"])

	t.Run("Forbidden command", func(t *testing.T) {
		require.NoError(t, bob.WriteJSON(Command{ID: "2", Type: CmdSetPlayback, Playing: ptr(true)}))
		reply := readUntil(t, bob, ofType("error"))
		assert.Equal(t, "2", reply["id"])
		assert.Equal(t, session.ErrForbidden.Code, reply["code"])
	})

	t.Run("Unknown command", func(t *testing.T) {
		require.NoError(t, bob.WriteJSON(Command{ID: "3", Type: "dance"}))
		reply := readUntil(t, bob, ofType("error"))
		assert.Equal(t, session.ErrInvalidArgument.Code, reply["code"])
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{not json")))
		reply := readUntil(t, bob, ofType("error"))
		assert.Equal(t, session.ErrInvalidArgument.Code, reply["code"])
	})

	t.Run("No echo", func(t *testing.T) {
		require.NoError(t, alice.WriteJSON(Command{ID: "4", Type: CmdAdvance, Echo: ptr(false)}))
		readUntil(t, alice, func(m map[string]any) bool { return m["id"] == "4" })
		ev := readUntil(t, bob, ofType(string(session.EventTrackChanged)))
		assert.Equal(t, "alice", ev["origin"])

		// The snapshot command is answered directly; alice must not have
		// received her own track-changed event before it.
		require.NoError(t, alice.WriteJSON(Command{ID: "5", Type: CmdSnapshot}))
		msg := readUntil(t, alice, func(m map[string]any) bool {
			return m["type"] == string(session.EventTrackChanged) || m["id"] == "5"
		})
		assert.Equal(t, "5", msg["id"])
	})
}

func TestCommandRateLimit(t *testing.T) {
	room := newTestRoom(t, Options{CommandsPerSecond: 1})
	s := room.newSession(t, "alice", session.NewSession{}, "alice")
	ws := room.dial(t, s.ID, "alice")

	for i := 0; i < 5; i++ {
		require.NoError(t, ws.WriteJSON(Command{Type: CmdSnapshot}))
	}
	reply := readUntil(t, ws, ofType("error"))
	assert.Equal(t, "rate_limited", reply["code"])
}

type leaveRecorder struct {
	calls chan [2]string
	err   error
}

func (l *leaveRecorder) Leave(_ context.Context, sessionID, userID string) error {
	l.calls <- [2]string{sessionID, userID}
	return l.err
}

func TestPresence(t *testing.T) {
	t.Run("leaves after grace", func(t *testing.T) {
		rec := &leaveRecorder{calls: make(chan [2]string, 4), err: session.ErrNotMember}
		p := NewPresence(rec, 20*time.Millisecond, nil)

		p.Connect("s1", "alice")
		p.Connect("s1", "alice")
		p.Disconnect("s1", "alice")
		assert.Equal(t, 1, p.Connections("s1", "alice"))

		p.Disconnect("s1", "alice")
		select {
		case call := <-rec.calls:
			assert.Equal(t, [2]string{"s1", "alice"}, call)
		case <-time.After(time.Second):
			t.Fatal("leave was not called")
		}
	})

	t.Run("reconnect cancels the leave", func(t *testing.T) {
		rec := &leaveRecorder{calls: make(chan [2]string, 4)}
		p := NewPresence(rec, 50*time.Millisecond, nil)

		p.Connect("s1", "bob")
		p.Disconnect("s1", "bob")
		p.Connect("s1", "bob")

		select {
		case call := <-rec.calls:
			t.Fatalf("unexpected leave %v", call)
		case <-time.After(150 * time.Millisecond):
		}
		assert.Equal(t, 1, p.Connections("s1", "bob"))
	})

	t.Run("store errors are tolerated", func(t *testing.T) {
		rec := &leaveRecorder{calls: make(chan [2]string, 4), err: errors.New("boom")}
		p := NewPresence(rec, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
		p.Connect("s1", "carol")
		p.Disconnect("s1", "carol")
		select {
		case <-rec.calls:
		case <-time.After(time.Second):
			t.Fatal("leave was not called")
		}
	})
}

func TestDisconnectLeavesSession(t *testing.T) {
	room := newTestRoom(t, Options{})
	room.presence.grace = 10 * time.Millisecond
	s := room.newSession(t, "alice", session.NewSession{}, "alice", "bob")

	bob := room.dial(t, s.ID, "bob")
	alice := room.dial(t, s.ID, "alice")
	require.NoError(t, bob.Close())

	ev := readUntil(t, alice, ofType(string(session.EventParticipantLeft)))
	payload := ev["payload"].(map[string]any)
	assert.Equal(t, "bob", payload["userId"])

	agg, err := room.store.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, agg.Participant("bob").Active)
}

// pauseAfterFirstSnapshot commits a playback change as soon as the first
// snapshot of a connection has been read, before the connection is attached.
type pauseAfterFirstSnapshot struct {
	*session.Registry
	actor string
	once  sync.Once
	errs  chan error
}

func (e *pauseAfterFirstSnapshot) Snapshot(ctx context.Context, sessionID, viewerID string) (*session.Snapshot, error) {
	snap, err := e.Registry.Snapshot(ctx, sessionID, viewerID)
	e.once.Do(func() {
		_, err := e.Registry.SetPlayback(context.Background(), sessionID, e.actor, ptr(false), nil)
		e.errs <- err
	})
	return snap, err
}

func TestServeSession_ChangeDuringAttachIsDelivered(t *testing.T) {
	room := newTestRoom(t, Options{})
	s := room.newSession(t, "alice", session.NewSession{}, "alice")
	_, err := room.reg.SetCurrent(context.Background(), s.ID, "alice", session.Track{ID: "t1", Name: "Song"}, true, 0)
	require.NoError(t, err)

	engine := &pauseAfterFirstSnapshot{Registry: room.reg, actor: "alice", errs: make(chan error, 1)}
	srv := NewServer(room.hub, engine, Options{
		AllowedOrigin: testOrigin,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := srv.ServeSession(w, r, q.Get("session"), q.Get("user")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
		}
	}))
	defer ts.Close()

	header := http.Header{}
	header.Set("Origin", testOrigin)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"?session="+s.ID+"&user=alice", header)
	require.NoError(t, err)
	defer ws.Close()

	first := readUntil(t, ws, ofType(string(session.EventSnapshot)))
	require.NoError(t, <-engine.errs)
	snap := first["payload"].(map[string]any)["session"].(map[string]any)
	if snap["playing"] == false {
		return
	}
	// The snapshot predates the pause, so the pause must follow it.
	readUntil(t, ws, func(m map[string]any) bool {
		if m["type"] != string(session.EventPlaybackChanged) {
			return false
		}
		return m["payload"].(map[string]any)["playing"] == false
	})
}

func ptr[T any](v T) *T { return &v }
