package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestBroadcasterDropsFailedConnections(t *testing.T) {
	b := NewBroadcaster()
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.Add(conn)
		conn.CloseNow()
		close(closed)
	}))
	defer srv.Close()

	client, _, err := websocket.Dial(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.CloseNow()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}
	require.Equal(t, 1, b.Len())
	b.Broadcast(t.Context(), []byte(`{"type":"docker_event"}`))
	assert.Equal(t, 0, b.Len())
}
