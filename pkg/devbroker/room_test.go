package devbroker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// socketPair returns the server side of a websocket and the client that
// dialed it.
func socketPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(ts.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("server side never accepted")
	}
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestRoom_BroadcastReachesEveryMember(t *testing.T) {
	s1, c1 := socketPair(t)
	s2, c2 := socketPair(t)
	room := NewRoom(1, time.Second, 0, nil)
	room.Add(s1)
	room.Add(s2)
	require.Equal(t, 2, room.Count())

	room.Broadcast([]byte("hello"))
	require.Equal(t, "hello", readText(t, c1))
	require.Equal(t, "hello", readText(t, c2))

	room.Detach(s2)
	room.Broadcast([]byte("only one"))
	require.Equal(t, "only one", readText(t, c1))

	room.SendToOne(s2, []byte("not a member"))
	require.NoError(t, c2.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := c2.ReadMessage()
	require.Error(t, err)
}

func TestHub_EvictsIdleRooms(t *testing.T) {
	s1, _ := socketPair(t)
	hub := NewHub(time.Second, 20*time.Millisecond)

	room := hub.Join(7, s1)
	require.Same(t, room, hub.Join(7, s1))
	require.Equal(t, 1, hub.Rooms())

	room.Detach(s1)
	require.Eventually(t, func() bool { return hub.Rooms() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Nil(t, hub.Room(7))
}

func TestHub_RejoinCancelsEviction(t *testing.T) {
	s1, _ := socketPair(t)
	hub := NewHub(time.Second, 50*time.Millisecond)

	room := hub.Join(7, s1)
	room.Detach(s1)
	hub.Join(7, s1)
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, hub.Rooms())
	require.Equal(t, 1, hub.Room(7).Count())
}
