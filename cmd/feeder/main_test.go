package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/meterproof/logging"
)

func TestRunPostsReadings(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		devices = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/energy-data", r.URL.Path)
		var reading map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reading))
		mu.Lock()
		devices[reading["device_id"].(string)]++
		mu.Unlock()
		w.Write([]byte(`{"status":"success"}`))
	}))
	t.Cleanup(srv.Close)

	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	err := run(ctx, options{URL: srv.URL, Devices: 3, Interval: time.Millisecond, Count: 4, Seed: 1})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"SIM_001": 4, "SIM_002": 4, "SIM_003": 4}, devices)
}

func TestFeedStopsOnCancel(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), zaptest.NewLogger(t)))
	done := make(chan error, 1)
	go func() {
		done <- feed(ctx, newHTTPSender(srv.URL, 0), newDevice(1, 1), time.Millisecond, 0)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "feeder did not stop")
	}
}
