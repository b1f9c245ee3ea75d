package broadcaster_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/meterproof/batch"
	"github.com/spacemeshos/meterproof/broadcaster"
)

type staticLatest map[string]batch.Reading

func (s staticLatest) Latest() map[string]batch.Reading { return s }

func connect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) broadcaster.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg broadcaster.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcaster(t *testing.T) {
	t.Parallel()
	latest := staticLatest{"SIM_001": {"device_id": "SIM_001", "power": 12.5}}
	b := broadcaster.New(broadcaster.DefaultConfig(), latest)
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	conn := connect(t, srv.URL)
	msg := read(t, conn)
	require.Equal(t, broadcaster.TypeSnapshot, msg.Type)
	require.Contains(t, msg.Data, "SIM_001")
	require.Equal(t, 1, b.Viewers())

	b.ReadingAccepted(batch.Reading{"device_id": "SIM_002", "power": 3.0})
	msg = read(t, conn)
	require.Equal(t, broadcaster.TypeReading, msg.Type)
	require.Equal(t, "SIM_002", msg.Data.(map[string]any)["device_id"])

	conn.Close()
	require.Eventually(t, func() bool { return b.Viewers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_MaxViewers(t *testing.T) {
	t.Parallel()
	cfg := broadcaster.DefaultConfig()
	cfg.MaxViewers = 1
	b := broadcaster.New(cfg, staticLatest{})
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	conn := connect(t, srv.URL)
	read(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestBroadcaster_RunPushesSnapshotsAndDisconnects(t *testing.T) {
	t.Parallel()
	cfg := broadcaster.DefaultConfig()
	cfg.SnapshotInterval = 10 * time.Millisecond
	b := broadcaster.New(cfg, staticLatest{"A": {"device_id": "A"}})
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	conn := connect(t, srv.URL)
	require.Equal(t, broadcaster.TypeSnapshot, read(t, conn).Type)
	require.Equal(t, broadcaster.TypeSnapshot, read(t, conn).Type)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
	require.Equal(t, 0, b.Viewers())
}
