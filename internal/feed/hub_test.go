package feed

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub(discardLogger())
	srv := httptest.NewServer(NewServer("", hub, discardLogger()).Handler())
	defer srv.Close()

	conn := dial(t, srv, "/events")
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	at := time.Unix(1_700_000_000, 0).UTC()
	hub.Publish(Event{Type: EventAccepted, GuildID: -100, UserID: 2, RequestID: 7, Kind: "ticket", ActorID: 9, At: at})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, EventAccepted, got.Type)
	assert.Equal(t, int64(7), got.RequestID)
	assert.Equal(t, int64(9), got.ActorID)
	assert.True(t, at.Equal(got.At))
}

func TestSubscriberLeaving(t *testing.T) {
	hub := NewHub(discardLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "/")
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(discardLogger())
	slow := &subscriber{send: make(chan []byte, 1)}
	hub.add(slow)

	hub.Publish(Event{Type: EventSubmitted})
	assert.Equal(t, 1, hub.Len())

	hub.Publish(Event{Type: EventSubmitted})
	assert.Zero(t, hub.Len())

	_, open := <-slow.send
	assert.True(t, open, "buffered event is still delivered")
	_, open = <-slow.send
	assert.False(t, open)
}

func TestHealthz(t *testing.T) {
	s := NewServer("", NewHub(discardLogger()), discardLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
