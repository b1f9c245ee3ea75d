package server_test

// End to end tests running a meterproof server against a fake consensus
// gateway and interacting with it via its REST API.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/meterproof/logging"
	"github.com/spacemeshos/meterproof/server"
)

const randomHost = "localhost:0"

type gateway struct {
	mu       sync.Mutex
	failing  atomic.Bool
	messages []string
}

func spawnGateway(t *testing.T) (*gateway, string) {
	t.Helper()
	g := &gateway{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/hcs/submit-message":
			if g.failing.Load() {
				http.Error(w, "consensus service unavailable", http.StatusServiceUnavailable)
				return
			}
			var body struct {
				Message string `json:"message"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			g.mu.Lock()
			g.messages = append(g.messages, body.Message)
			n := len(g.messages)
			g.mu.Unlock()
			fmt.Fprintf(w, `{"transactionId":"0.0.1@%d","consensusTimestamp":"1714557600.00000000%d"}`, n, n)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return g, srv.URL
}

func (g *gateway) submitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.messages)
}

func testConfig(t *testing.T, ledgerURL string) *server.Config {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.DataDir = cfg.Dir + "/data"
	cfg.DbDir = cfg.Dir + "/db"
	cfg.LogDir = cfg.Dir + "/logs"
	cfg.RawRESTListener = randomHost
	cfg.Ledger.URL = ledgerURL
	cfg.Ledger.QueryRetries = 0
	cfg.Batch.MaxBatchSize = 3
	cfg.Reconcile.RetryInterval = 100 * time.Millisecond
	return cfg
}

func spawnServer(ctx context.Context, t *testing.T, cfg *server.Config) (*server.Server, string, func()) {
	t.Helper()
	_, err := server.SetupConfig(cfg)
	require.NoError(t, err)

	ctx = logging.NewContext(ctx, zaptest.NewLogger(t))
	srv, err := server.New(ctx, *cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	var eg errgroup.Group
	eg.Go(func() error { return srv.Start(ctx) })
	stop := func() {
		cancel()
		require.NoError(t, eg.Wait())
		require.NoError(t, srv.Close())
	}
	return srv, "http://" + srv.RestAddr().String(), stop
}

func postReading(t *testing.T, base, device string, power float64) map[string]any {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"device_id": device, "current": 1.2, "voltage": 230.0, "power": power,
	})
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/energy-data", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestServerAnchorsBatches(t *testing.T) {
	t.Parallel()
	g, ledgerURL := spawnGateway(t)
	_, base, stop := spawnServer(context.Background(), t, testConfig(t, ledgerURL))
	defer stop()

	require.Equal(t, false, postReading(t, base, "A", 10)["batch_closed"])
	require.Equal(t, false, postReading(t, base, "B", 20)["batch_closed"])
	require.Equal(t, true, postReading(t, base, "A", 30)["batch_closed"])

	require.Eventually(t, func() bool {
		return getJSON(t, base+"/api/proofs")["total"] == float64(1)
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, g.submitted())

	proof := getJSON(t, base+"/api/proofs")["proofs"].([]any)[0].(map[string]any)
	require.Equal(t, "0.0.1@1", proof["transaction_id"])
	metadata := proof["batch_metadata"].(map[string]any)
	require.EqualValues(t, 2, metadata["device_count"])
	require.EqualValues(t, 3, metadata["reading_count"])

	readings := getJSON(t, base+"/api/devices/A/readings")
	require.EqualValues(t, 2, readings["count"])

	health := getJSON(t, base+"/health")
	require.Equal(t, "healthy", health["status"])
	require.EqualValues(t, 0, health["open_window_readings"])
	require.EqualValues(t, 0, health["pending_batches"])
}

func TestServerKeepsBatchesAcrossOutageAndRestart(t *testing.T) {
	t.Parallel()
	g, ledgerURL := spawnGateway(t)
	g.failing.Store(true)
	cfg := testConfig(t, ledgerURL)

	srv, base, stop := spawnServer(context.Background(), t, cfg)
	instanceID := srv.InstanceID()
	for i := 0; i < 4; i++ {
		postReading(t, base, "A", float64(i))
	}
	require.Eventually(t, func() bool {
		return getJSON(t, base+"/api/batches/pending")["total"] == float64(1)
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, getJSON(t, base+"/health")["open_window_readings"])
	stop()

	g.failing.Store(false)
	srv, base, stop = spawnServer(context.Background(), t, cfg)
	defer stop()
	require.Equal(t, instanceID, srv.InstanceID())
	require.EqualValues(t, 1, getJSON(t, base+"/health")["open_window_readings"])

	require.Eventually(t, func() bool {
		return getJSON(t, base+"/api/proofs")["total"] == float64(1)
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 0, getJSON(t, base+"/api/batches/pending")["total"])
}
