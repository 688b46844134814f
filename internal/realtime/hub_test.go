package realtime

import (
	"context"
	"encoding/json"
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

var testUpgrader = websocket.Upgrader{}

// createConnectedClient opens a websocket pair and registers the server side
// in hub under sessionID/userID.
func createConnectedClient(t *testing.T, hub *Hub, sessionID, userID string) (*websocket.Conn, *Client, func()) {
	t.Helper()
	var internalClient *Client
	var createdWg sync.WaitGroup
	createdWg.Add(1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade: %v", err)
			return
		}
		internalClient = newClient(hub, conn, sessionID, userID, nil)
		createdWg.Done()
		go internalClient.writePump()
		go internalClient.readPump()
	}))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientWs, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	createdWg.Wait()
	require.True(t, hub.add(internalClient))

	return clientWs, internalClient, func() {
		server.Close()
		clientWs.Close()
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) session.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	var ev session.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, msg, err := ws.ReadMessage()
	assert.Error(t, err, "unexpected message %s", msg)
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func TestHub_BroadcastIsScopedToRoom(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	a1, _, cleanup := createConnectedClient(t, hub, "s1", "alice")
	defer cleanup()
	b1, _, cleanup2 := createConnectedClient(t, hub, "s1", "bob")
	defer cleanup2()
	other, _, cleanup3 := createConnectedClient(t, hub, "s2", "carol")
	defer cleanup3()

	assert.Eventually(t, func() bool { return hub.Count("s1") == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, session.Event{
		Type:      session.EventPlaybackChanged,
		SessionID: "s1",
		Origin:    "alice",
	}))

	assert.Equal(t, session.EventPlaybackChanged, readEvent(t, a1).Type)
	assert.Equal(t, session.EventPlaybackChanged, readEvent(t, b1).Type)
	expectSilence(t, other)
}

func TestHub_SkipOrigin(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()

	alice, _, cleanup := createConnectedClient(t, hub, "s1", "alice")
	defer cleanup()
	bob, _, cleanup2 := createConnectedClient(t, hub, "s1", "bob")
	defer cleanup2()

	require.NoError(t, hub.Publish(ctx, session.Event{
		Type:       session.EventQueueChanged,
		SessionID:  "s1",
		Origin:     "alice",
		SkipOrigin: true,
	}))

	ev := readEvent(t, bob)
	assert.Equal(t, "alice", ev.Origin)
	expectSilence(t, alice)
}

func TestHub_Unregister(t *testing.T) {
	hub, _ := startHub(t)

	_, internalClient, cleanup := createConnectedClient(t, hub, "s1", "alice")
	defer cleanup()
	assert.Eventually(t, func() bool { return hub.Count("s1") == 1 }, time.Second, 5*time.Millisecond)

	hub.remove(internalClient)

	select {
	case _, ok := <-internalClient.send:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for send channel close")
	}
	assert.Zero(t, hub.Count("s1"))
}

func TestHub_ClosedConnectionLeavesRoom(t *testing.T) {
	hub, _ := startHub(t)

	ws, _, cleanup := createConnectedClient(t, hub, "s1", "alice")
	defer cleanup()
	assert.Eventually(t, func() bool { return hub.Count("s1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return hub.Count("s1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_Shutdown(t *testing.T) {
	hub, cancel := startHub(t)

	ws, _, cleanup := createConnectedClient(t, hub, "s1", "alice")
	defer cleanup()

	cancel()
	<-hub.done

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "connection is closed on shutdown")

	err = hub.Publish(context.Background(), session.Event{Type: session.EventSessionEnded, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrHubClosed)
}
