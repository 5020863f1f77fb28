package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebroker/filebroker/pkg/api"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialSession connects a websocket client to a test server that registers
// the connection for the given owner, and returns both ends.
func dialSession(t *testing.T, h *Hub, ownerID string) (*websocket.Conn, *Session) {
	t.Helper()

	registered := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		registered <- h.Register(ownerID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case s := <-registered:
		return conn, s
	case <-time.After(2 * time.Second):
		t.Fatal("session was never registered")
		return nil, nil
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) api.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev api.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestSendToOwnerFanout(t *testing.T) {
	h := New()
	defer h.Shutdown()

	c1, s1 := dialSession(t, h, "alice")
	c2, _ := dialSession(t, h, "alice")
	other, _ := dialSession(t, h, "bob")

	assert.Equal(t, 3, h.SessionCount())
	assert.Equal(t, 2, h.OwnerSessionCount("alice"))

	h.SendToOwner("alice", "file_uploaded", map[string]any{"file_id": "f1"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		ev := readEvent(t, conn)
		assert.Equal(t, "file_uploaded", ev.Type)
		data, ok := ev.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "f1", data["file_id"])
		assert.NotEmpty(t, ev.Timestamp)
	}

	// Bob's session must stay silent.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)

	// After one session unregisters, fanout reaches only the survivor.
	h.Unregister(s1)
	assert.Equal(t, 1, h.OwnerSessionCount("alice"))

	h.SendToOwner("alice", "file_deleted", map[string]any{"file_id": "f2"})

	ev := readEvent(t, c2)
	assert.Equal(t, "file_deleted", ev.Type)

	require.NoError(t, c1.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err = c1.ReadMessage()
	assert.Error(t, err)
}

func TestSendToOwnerWithoutSessions(t *testing.T) {
	h := New()
	defer h.Shutdown()

	// Must not panic or block.
	h.SendToOwner("ghost", "file_uploaded", map[string]any{"file_id": "f1"})
}

func TestBroadcast(t *testing.T) {
	h := New()
	defer h.Shutdown()

	c1, _ := dialSession(t, h, "alice")
	c2, _ := dialSession(t, h, "bob")

	h.Broadcast("file_deleted", map[string]any{"file_id": "f2"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		ev := readEvent(t, conn)
		assert.Equal(t, "file_deleted", ev.Type)
	}
}

func TestUnregister(t *testing.T) {
	h := New()
	defer h.Shutdown()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := h.Register("alice", conn)
		h.Unregister(s)
		h.Unregister(s) // idempotent
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.OwnerSessionCount("alice") == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, h.OwnerSessionCount("alice"))
	assert.Equal(t, 0, h.SessionCount())
}

func TestShutdownClosesSessions(t *testing.T) {
	h := New()
	conn, _ := dialSession(t, h, "alice")

	h.Shutdown()
	assert.Equal(t, 0, h.SessionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
